package rlclassify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimitMatchesKnownSignals(t *testing.T) {
	cases := []string{
		"429 Too Many Requests",
		"error: rate_limit_exceeded",
		"RESOURCE_EXHAUSTED: quota exceeded",
		"the model is currently overloaded",
		"503 Service Unavailable",
	}
	for _, c := range cases {
		assert.True(t, IsRateLimit(errors.New(c)), c)
	}
}

func TestIsRateLimitFalseForUnrelatedError(t *testing.T) {
	assert.False(t, IsRateLimit(errors.New("invalid api key")))
	assert.False(t, IsRateLimit(nil))
}

func TestRetryAfterSecondsExtractsHint(t *testing.T) {
	secs, ok := RetryAfterSeconds("rate limited, retry after 42 seconds")
	assert.True(t, ok)
	assert.Equal(t, 42, secs)

	_, ok = RetryAfterSeconds("no hint here")
	assert.False(t, ok)
}
