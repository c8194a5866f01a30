package httpclient

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryableErrorMessage(t *testing.T) {
	err := &RetryableError{StatusCode: 429, Message: "max HTTP retries (5) exceeded"}
	assert.Equal(t, "HTTP 429: max HTTP retries (5) exceeded", err.Error())

	withDelay := &RetryableError{
		StatusCode: 503,
		Message:    "max HTTP retries (2) exceeded",
		RetryAfter: 4 * time.Second,
	}
	assert.Equal(t, "HTTP 503: max HTTP retries (2) exceeded (retry after 4s)", withDelay.Error())
}

func TestRetryableErrorUnwrap(t *testing.T) {
	cause := errors.New("HTTP 429")
	err := &RetryableError{StatusCode: 429, Message: "gave up", Err: cause}

	require.ErrorIs(t, err, cause)

	var retryable *RetryableError
	require.ErrorAs(t, error(err), &retryable)
	assert.Equal(t, 429, retryable.StatusCode)
	assert.True(t, retryable.IsRetryable())
}
