package models

import (
	"time"
)

type ModelStatus string

const (
	ModelStatusAvailable         ModelStatus = "available"
	ModelStatusUnavailable       ModelStatus = "unavailable"
	ModelStatusResourceExhausted ModelStatus = "resource_exhausted"
)

// ModelDescriptor is the provider-independent view of a servable model.
// Descriptors are keyed by canonical Name; when two providers expose the
// same name the registry hides the lower-precedence one.
type ModelDescriptor struct {
	Name          string      `json:"name"`
	Provider      string      `json:"provider"`
	ContextWindow int         `json:"context_window"`
	Streaming     bool        `json:"streaming"`
	Tools         bool        `json:"tools"`
	Reasoning     bool        `json:"reasoning"`
	Status        ModelStatus `json:"status"`
	LastSeen      time.Time   `json:"last_seen,omitempty"`
}

func (d *ModelDescriptor) IsAvailable() bool {
	return d.Status == ModelStatusAvailable
}
