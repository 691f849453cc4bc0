package flowgraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayQueueFiresInOrder(t *testing.T) {
	q := NewDelayQueue()
	defer q.Stop()

	q.Schedule("slow", 1, 60*time.Millisecond)
	q.Schedule("fast", 1, 10*time.Millisecond)

	first := <-q.C()
	require.Equal(t, "fast", first.NodeID)
	require.Equal(t, 1, first.Attempt)

	second := <-q.C()
	require.Equal(t, "slow", second.NodeID)
	require.Equal(t, 0, q.Len())
}

func TestDelayQueueCancel(t *testing.T) {
	q := NewDelayQueue()
	defer q.Stop()

	q.Schedule("doomed", 1, 20*time.Millisecond)
	require.True(t, q.Cancel("doomed"))
	require.False(t, q.Cancel("doomed"))
	require.Equal(t, 0, q.Len())

	select {
	case fire := <-q.C():
		t.Fatalf("cancelled entry fired: %+v", fire)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestDelayQueueReplacesPriorEntry(t *testing.T) {
	q := NewDelayQueue()
	defer q.Stop()

	q.Schedule("node", 1, time.Hour)
	q.Schedule("node", 2, 10*time.Millisecond)
	require.Equal(t, 1, q.Len())

	fire := <-q.C()
	require.Equal(t, 2, fire.Attempt)
}

func TestDelayQueueStop(t *testing.T) {
	q := NewDelayQueue()
	q.Schedule("node", 1, time.Hour)
	q.Stop()
	// Stop is idempotent.
	q.Stop()

	select {
	case _, ok := <-q.C():
		require.False(t, ok)
	case <-time.After(50 * time.Millisecond):
		// No fire after stop is also acceptable.
	}
}
