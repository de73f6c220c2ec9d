package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/quarrylabs/quarry/internal/adapters/http/dto"
	"github.com/quarrylabs/quarry/internal/adapters/http/middleware"
	"github.com/quarrylabs/quarry/internal/application/services"
	"github.com/quarrylabs/quarry/internal/domain"
)

// StreamHandler serves the two streaming endpoints: the authenticated
// prepare step and the token-gated SSE stream itself.
type StreamHandler struct {
	streams *services.StreamService
}

func NewStreamHandler(streams *services.StreamService) *StreamHandler {
	return &StreamHandler{streams: streams}
}

// Prepare implements POST /api/chat/conversations/{id}/prepare-stream.
func (h *StreamHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	id, ok := urlParam(r, w, "id")
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.PrepareStreamRequest](r, w)
	if !ok {
		return
	}

	outcome, err := h.streams.Prepare(r.Context(), principal.ID, id, services.PrepareInput{
		Message:     req.Message,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   middleware.GetRequestID(r.Context()),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, dto.PrepareStreamResponse{
		StreamToken: outcome.StreamToken,
		StreamURL:   outcome.StreamURL,
		ExpiresIn:   outcome.ExpiresIn,
	}, http.StatusOK)
}

// Stream implements GET /stream/{token}. The endpoint is mounted outside the
// auth middleware; possession of the single-use token is the authorization.
// Claim failures come back as plain HTTP envelopes, anything after the claim
// is reported in-band as SSE error frames.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	token, ok := urlParam(r, w, "token")
	if !ok {
		return
	}

	session, err := h.streams.Claim(r.Context(), token)
	if err != nil {
		respondError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, domain.NewConfiguration("response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.streams.Run(r.Context(), session, func(event map[string]any) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}
