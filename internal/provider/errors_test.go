package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{
			name: "classified error",
			err:  NewError(ErrorClassRateLimited, errors.New("429")),
			want: ErrorClassRateLimited,
		},
		{
			name: "wrapped classified error",
			err:  fmt.Errorf("sync failed: %w", NewError(ErrorClassAuthInvalid, errors.New("401"))),
			want: ErrorClassAuthInvalid,
		},
		{
			name: "plain error defaults to transient",
			err:  errors.New("connection reset"),
			want: ErrorClassTransient,
		},
		{
			name: "context deadline defaults to transient",
			err:  context.DeadlineExceeded,
			want: ErrorClassTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestCountsTowardBreaker(t *testing.T) {
	t.Parallel()

	assert.True(t, ErrorClassTransient.CountsTowardBreaker())
	assert.True(t, ErrorClassRateLimited.CountsTowardBreaker())
	assert.True(t, ErrorClassPermanent.CountsTowardBreaker())
	assert.False(t, ErrorClassAuthInvalid.CountsTowardBreaker())
}

func TestIsRefreshRetryable(t *testing.T) {
	t.Parallel()

	revoked := &RefreshError{Retryable: false, Err: errors.New("invalid_grant")}
	assert.False(t, IsRefreshRetryable(revoked))
	assert.False(t, IsRefreshRetryable(fmt.Errorf("refresh: %w", revoked)))

	outage := &RefreshError{Retryable: true, Err: errors.New("503")}
	assert.True(t, IsRefreshRetryable(outage))

	// Unclassified failures are treated as retryable.
	assert.True(t, IsRefreshRetryable(errors.New("timeout")))
}
