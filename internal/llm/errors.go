package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/internal/domain"
)

// contextOverflowMarkers are substrings providers use when a prompt does
// not fit the model's context window.
var contextOverflowMarkers = []string{
	"context_length_exceeded",
	"context length",
	"context window",
	"maximum context",
	"prompt is too long",
	"too many tokens",
}

// capacityMarkers are substrings signalling the backend is out of
// capacity rather than rejecting the request itself.
var capacityMarkers = []string{
	"out of memory",
	"oom",
	"insufficient capacity",
	"overloaded",
	"no available",
	"exhausted",
}

func matchesAny(msg string, markers []string) bool {
	lower := strings.ToLower(msg)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsContextOverflowMessage reports whether a provider error message
// describes a context-window overflow.
func IsContextOverflowMessage(msg string) bool {
	return matchesAny(msg, contextOverflowMarkers)
}

// MapHTTPStatus converts a provider HTTP error into the gateway's error
// taxonomy. header may be nil; when it carries a Retry-After the advised
// delay is surfaced in the error details.
func MapHTTPStatus(provider string, status int, message string, header http.Header) error {
	switch {
	case status == http.StatusTooManyRequests || matchesAny(message, []string{"rate limit", "rate_limit"}):
		details := map[string]any{"provider": provider}
		if secs, ok := retryAfterSeconds(header); ok {
			details["retry_after"] = secs
		}
		return domain.NewRateLimit(fmt.Sprintf("%s rate limited the request", provider)).
			WithDetails(details)
	case IsContextOverflowMessage(message):
		return domain.NewContextLimit(fmt.Sprintf("%s rejected the request: context window exceeded", provider))
	case matchesAny(message, capacityMarkers):
		return domain.NewResource(domain.CodeCapacityExhausted,
			fmt.Sprintf("%s is out of capacity", provider)).
			WithDetails(map[string]any{"provider": provider})
	case status >= 400 && status < 500:
		return domain.NewValidation(domain.CodeProviderRejected,
			fmt.Sprintf("%s rejected the request: %s", provider, truncateMessage(message)))
	default:
		return domain.NewUnavailable(domain.CodeProviderUnreachable,
			fmt.Sprintf("%s returned status %d", provider, status))
	}
}

// MapTransportError converts connection-level failures, including
// context timeouts, into the gateway's error taxonomy.
func MapTransportError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewUnavailable(domain.CodeProviderTimeout,
			fmt.Sprintf("%s did not answer before the deadline", provider)).Wrap(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewUnavailable(domain.CodeProviderUnreachable,
		fmt.Sprintf("%s is unreachable", provider)).Wrap(err)
}

// retryAfterSeconds parses a Retry-After header, which carries either a
// delay in seconds or an HTTP date.
func retryAfterSeconds(header http.Header) (int, bool) {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return secs, true
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return int(d/time.Second) + 1, true
		}
		return 0, true
	}
	return 0, false
}

func truncateMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) > 300 {
		return msg[:300] + "…"
	}
	if msg == "" {
		return "request rejected"
	}
	return msg
}
