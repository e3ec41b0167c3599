package middleman

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackerPutGetDelete(t *testing.T) {
	tr := NewTracker()
	item := MessageTrackerItem{ConcentRequestID: 1, ConnectionID: 2, Payload: []byte("x"), EnqueuedAt: time.Now()}
	tr.Put(10, item)

	got, ok := tr.Get(10)
	require.True(t, ok)
	require.Equal(t, item, got)

	tr.Delete(10)
	_, ok = tr.Get(10)
	require.False(t, ok)
}

func TestTrackerDiscardOlderThan(t *testing.T) {
	tr := NewTracker()
	tr.Put(7, MessageTrackerItem{ConnectionID: 1})
	tr.Put(8, MessageTrackerItem{ConnectionID: 1})
	tr.Put(9, MessageTrackerItem{ConnectionID: 1})

	discarded := tr.DiscardOlderThan(8)
	require.Len(t, discarded, 1)
	require.Equal(t, 3, tr.Len()+len(discarded))

	_, ok := tr.Get(7)
	require.False(t, ok, "entry 7 should have been discarded")
	_, ok = tr.Get(8)
	require.True(t, ok, "matched entry 8 must survive discard")
	_, ok = tr.Get(9)
	require.True(t, ok, "entry inserted after the matched id must survive")
}

func TestTrackerDiscardOlderThanMissingIDIsNoop(t *testing.T) {
	tr := NewTracker()
	tr.Put(1, MessageTrackerItem{})
	discarded := tr.DiscardOlderThan(999)
	require.Empty(t, discarded)
	require.Equal(t, 1, tr.Len())
}
