package memoryqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverflowDropsLowestValueFirst(t *testing.T) {
	q := New(2, func(context.Context, Task) error { return nil })

	require.True(t, q.Enqueue(Task{Kind: TaskEpisode, TurnID: "e1"}))
	require.True(t, q.Enqueue(Task{Kind: TaskSummary, TurnID: "s1"}))

	// Queue is full; the queued summary is lower value than the incoming
	// episode, so the summary is the drop.
	require.True(t, q.Enqueue(Task{Kind: TaskEpisode, TurnID: "e2"}))
	assert.Equal(t, 1, q.Dropped())
	assert.Equal(t, 2, q.Len())

	// An incoming summary against a buffer of episodes drops itself.
	assert.False(t, q.Enqueue(Task{Kind: TaskSummary, TurnID: "s2"}))
	assert.Equal(t, 2, q.Dropped())
}

func TestWorkersDrainQueue(t *testing.T) {
	var processed atomic.Int32
	q := New(16, func(_ context.Context, task Task) error {
		processed.Add(1)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, 2)

	for i := 0; i < 10; i++ {
		q.Enqueue(Task{Kind: TaskEpisode})
	}

	require.Eventually(t, func() bool { return processed.Load() == 10 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, q.Len())
}
