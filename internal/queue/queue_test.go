package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSchedule(t *testing.T) {
	opts := DefaultOptions()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},  // capped
		{20, time.Minute}, // still capped, no overflow
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, opts.Backoff(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestBackoffNegativeAttempt(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, time.Second, opts.Backoff(-3))
}
