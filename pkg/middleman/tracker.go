package middleman

import (
	"container/list"
	"sync"
)

// Tracker is an insertion-ordered map from signing-service request id to the
// MessageTrackerItem describing which front-end connection and request it
// corresponds to. It is owned by the request consumer (sole writer for
// inserts) and read/deleted by the response producer; this implementation
// is safe under concurrent access, since Bankster and the relay share
// nothing but the database and this package is used only by the relay
// side.
//
// Ordering is insertion order, not key order, which is why this is a
// doubly-linked list plus an index map rather than a sorted tree: an
// insertion-ordered structure degrades to O(1) amortized for the pop-oldest
// operation lost-message discard relies on.
type Tracker struct {
	mu    sync.Mutex
	order *list.List
	index map[uint64]*list.Element
}

type trackerEntry struct {
	id   uint64
	item MessageTrackerItem
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		order: list.New(),
		index: make(map[uint64]*list.Element),
	}
}

// Put inserts item keyed by id at the back of the insertion order. Callers
// must use strictly increasing (mod N) ids, as the request consumer does.
func (t *Tracker) Put(id uint64, item MessageTrackerItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el := t.order.PushBack(trackerEntry{id: id, item: item})
	t.index[id] = el
}

// Get returns the item for id, if present.
func (t *Tracker) Get(id uint64) (MessageTrackerItem, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.index[id]
	if !ok {
		return MessageTrackerItem{}, false
	}
	return el.Value.(trackerEntry).item, true
}

// Delete removes id from the tracker, if present.
func (t *Tracker) Delete(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delete(id)
}

func (t *Tracker) delete(id uint64) {
	el, ok := t.index[id]
	if !ok {
		return
	}
	t.order.Remove(el)
	delete(t.index, id)
}

// Len returns the number of entries currently tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}

// DiscardOlderThan pops and removes, oldest first, every entry inserted
// before id, and returns them for logging. It does not touch id itself. If
// id is not present, nothing is discarded: the caller is expected to check
// presence of id separately before calling this.
func (t *Tracker) DiscardOlderThan(id uint64) []MessageTrackerItem {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.index[id]
	if !ok {
		return nil
	}

	var discarded []MessageTrackerItem
	for el := t.order.Front(); el != nil && el != target; {
		next := el.Next()
		entry := el.Value.(trackerEntry)
		discarded = append(discarded, entry.item)
		t.order.Remove(el)
		delete(t.index, entry.id)
		el = next
	}
	return discarded
}
