package models

import (
	"fmt"
)

// ConversationTransition represents a state transition
type ConversationTransition struct {
	From ConversationStatus
	To   ConversationStatus
}

// validTransitions defines the allowed state transitions for conversations
var validTransitions = map[ConversationTransition]bool{
	// From active
	{ConversationStatusActive, ConversationStatusArchived}: true,
	{ConversationStatusActive, ConversationStatusDeleted}:  true,

	// From archived
	{ConversationStatusArchived, ConversationStatusActive}:  true,
	{ConversationStatusArchived, ConversationStatusDeleted}: true,

	// Deleted is terminal - only a hard delete removes the row
}

// ValidateTransition checks if a state transition is valid and returns an error if not
func ValidateTransition(from, to ConversationStatus) error {
	// No-op transition is always valid
	if from == to {
		return nil
	}

	transition := ConversationTransition{From: from, To: to}
	if !validTransitions[transition] {
		return NewInvalidTransitionError(from, to)
	}

	return nil
}

// IsValidTransition checks if a transition between two states is valid
func IsValidTransition(from, to ConversationStatus) bool {
	return ValidateTransition(from, to) == nil
}

// InvalidTransitionError represents an error for invalid state transitions
type InvalidTransitionError struct {
	From    ConversationStatus
	To      ConversationStatus
	Message string
}

func (e *InvalidTransitionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("invalid conversation state transition from '%s' to '%s'", e.From, e.To)
}

// NewInvalidTransitionError creates a new InvalidTransitionError with a descriptive message
func NewInvalidTransitionError(from, to ConversationStatus) *InvalidTransitionError {
	var message string
	switch from {
	case ConversationStatusDeleted:
		message = "cannot transition from deleted state: restore is not supported"
	default:
		message = fmt.Sprintf("invalid conversation state transition from '%s' to '%s'", from, to)
	}
	return &InvalidTransitionError{
		From:    from,
		To:      to,
		Message: message,
	}
}
