package common

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
)

// Request is one prompt sent to one configured platform.
type Request struct {
	Model     string
	APIKey    string
	Prompt    string
	WebSearch bool
}

// Usage carries the token counters a provider reports.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the normalized answer of any provider.
// Defined here to avoid import cycles.
type Response struct {
	Text      string
	Model     string
	Usage     Usage
	Citations []models.Citation
}

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.Code, truncate(e.Body, 300))
}

// Retryable reports whether the failure is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// IsPermanent reports whether err is a provider status that retries cannot fix.
func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Retryable()
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
