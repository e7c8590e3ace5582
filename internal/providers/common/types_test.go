package common

import (
	"net/http"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestStatusErrorRetryable(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			err := &StatusError{Provider: "openai", Code: tt.code}
			assert.Equal(t, tt.retryable, err.Retryable())
			assert.Equal(t, !tt.retryable, IsPermanent(err))
		})
	}
}

func TestIsPermanentOnPlainErrors(t *testing.T) {
	assert.False(t, IsPermanent(eris.New("timeout")))
	assert.False(t, IsPermanent(nil))
}

func TestStatusErrorMessageTruncatesBody(t *testing.T) {
	err := &StatusError{Provider: "perplexity", Code: 500, Body: strings.Repeat("x", 1000)}
	assert.Contains(t, err.Error(), "perplexity: unexpected status 500")
	assert.Less(t, len(err.Error()), 400)
}
