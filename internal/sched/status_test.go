package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailure.Terminal())
	assert.True(t, StatusSkipped.Terminal())
	assert.True(t, StatusUpstreamFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusReady.Terminal())
	assert.False(t, StatusRunning.Terminal())
}
