package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zoff-tech/go-memrelay/pkg/store"
)

func TestActionForReason(t *testing.T) {
	assert.Equal(t, ActionAllow, ActionForReason(ReasonFlushSuccess))
	assert.Equal(t, ActionReject, ActionForReason(ReasonFlushDead))
	assert.Equal(t, ActionRedirect, ActionForReason(ReasonFlushRetry))
	assert.Equal(t, ActionRedirect, ActionForReason(ReasonStaleLease))
	assert.Equal(t, ActionRedirect, ActionForReason(ReasonDownstreamUnreachable))
}

func TestStatusImpliedByReason(t *testing.T) {
	tests := []struct {
		reason Reason
		status store.Status
	}{
		{ReasonFlushSuccess, store.StatusSent},
		{ReasonFlushDead, store.StatusDead},
		{ReasonFlushRetry, store.StatusPending},
		{ReasonStaleLease, store.StatusPending},
		{ReasonDownstreamUnreachable, store.StatusPending},
	}
	for _, tt := range tests {
		status, ok := StatusImpliedByReason(tt.reason)
		assert.True(t, ok)
		assert.Equal(t, tt.status, status)
	}

	_, ok := StatusImpliedByReason(Reason("unknown"))
	assert.False(t, ok)
}
