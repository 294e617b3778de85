package watch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopSerializesRerunsOneAtATime(t *testing.T) {
	obs, err := NewObserver(hclog.NewNullLogger(), t.TempDir(), time.Millisecond)
	require.NoError(t, err)

	var calls [][]string
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Loop(ctx, obs, func(_ context.Context, changed []string) error {
			calls = append(calls, changed)
			if len(calls) == 2 {
				cancel()
			}
			return nil
		})
	}()

	obs.Changes <- []string{"a.txt"}
	obs.Changes <- []string{"b.txt"}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loop to exit after cancellation")
	}

	require.Len(t, calls, 2)
	assert.Equal(t, []string{"a.txt"}, calls[0])
	assert.Equal(t, []string{"b.txt"}, calls[1])
}

func TestLoopReturnsErrorFromRerun(t *testing.T) {
	obs, err := NewObserver(hclog.NewNullLogger(), t.TempDir(), time.Millisecond)
	require.NoError(t, err)

	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- Loop(context.Background(), obs, func(_ context.Context, changed []string) error {
			return boom
		})
	}()

	obs.Changes <- []string{"a.txt"}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loop to return the rerun error")
	}
}
