package middleman

import (
	"sync"

	"github.com/concent-network/concent/pkg/metrics"
)

// defaultQueueCapacity bounds a connection's response channel. Once it is
// full, Send blocks until that connection's response consumer drains an item.
const defaultQueueCapacity = 64

// Pool is the process-wide mapping from connection id to a bounded response
// channel. Registration is idempotent; removal closes the channel so any
// reader blocked on an empty queue unblocks.
type Pool struct {
	mu      sync.RWMutex
	queues  map[int]chan ResponseQueueItem
	Metrics *metrics.Relay
}

// NewPool returns an empty queue pool.
func NewPool() *Pool {
	return &Pool{queues: make(map[int]chan ResponseQueueItem)}
}

// Register creates (or returns the existing) response queue for connID.
func (p *Pool) Register(connID int) chan ResponseQueueItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[connID]; ok {
		return q
	}
	q := make(chan ResponseQueueItem, defaultQueueCapacity)
	p.queues[connID] = q
	if p.Metrics != nil {
		p.Metrics.ActiveConnections.Set(float64(len(p.queues)))
	}
	return q
}

// Unregister removes connID from the pool and closes its response queue,
// releasing any consumer blocked on it.
func (p *Pool) Unregister(connID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[connID]; ok {
		delete(p.queues, connID)
		close(q)
		if p.Metrics != nil {
			p.Metrics.ActiveConnections.Set(float64(len(p.queues)))
		}
	}
}

// Get returns the response queue registered for connID, if any. Callers
// that only need to know whether a queue exists right now should prefer
// Send, which performs the membership check and the delivery under the same
// lock; a Get followed by a later send on the returned channel is racy
// against a concurrent Unregister closing it.
func (p *Pool) Get(connID int) (chan ResponseQueueItem, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.queues[connID]
	return q, ok
}

// Send delivers item to connID's response queue, reporting whether connID
// was still registered. The membership check and the channel send happen
// under the same read lock Unregister takes as a write lock, so a send can
// never race a close: Unregister either runs before Send observes the queue
// (Send then correctly reports false) or waits for Send's in-flight delivery
// to finish before it closes the channel.
func (p *Pool) Send(connID int, item ResponseQueueItem) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.queues[connID]
	if !ok {
		return false
	}
	q <- item
	return true
}

// Contains reports whether connID is currently registered. Safe under
// concurrent mutation of the pool.
func (p *Pool) Contains(connID int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.queues[connID]
	return ok
}

// Len returns the number of connections currently registered.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.queues)
}
