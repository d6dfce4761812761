package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", Invalid("bad type"), http.StatusBadRequest},
		{"forbidden", Forbidden("blocked"), http.StatusForbidden},
		{"not found", NotFound("message", 42), http.StatusNotFound},
		{"media unavailable", MediaUnavailable(stderrors.New("fk")), http.StatusConflict},
		{"database", NewDatabaseError("insert", stderrors.New("boom")), http.StatusServiceUnavailable},
		{"plain error", stderrors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusCode(tt.err))
		})
	}
}

func TestGetCodeThroughWrapping(t *testing.T) {
	inner := Forbidden("not a member")
	wrapped := fmt.Errorf("send: %w", inner)

	assert.Equal(t, ErrCodeForbidden, GetCode(wrapped))
	assert.True(t, Is(wrapped, ErrCodeForbidden))
	assert.False(t, Is(nil, ErrCodeForbidden))
}

func TestMediaUnavailableIsRetryable(t *testing.T) {
	err := MediaUnavailable(stderrors.New("fk violation"))

	assert.True(t, IsRetryable(err))
	resp := ToResponse(err)
	assert.Equal(t, ErrCodeMediaUnavailable, resp.Code)
	assert.True(t, resp.Retryable)
	assert.Contains(t, resp.Message, "re-upload")
}

func TestToResponseHidesInternalDetail(t *testing.T) {
	resp := ToResponse(stderrors.New("pq: connection reset"))

	assert.Equal(t, ErrCodeInternalError, resp.Code)
	assert.Equal(t, "An internal error occurred", resp.Message)
}
