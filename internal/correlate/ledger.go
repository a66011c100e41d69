// ABOUTME: Request-id ledger correlating editor replies with issued commands
// ABOUTME: Guarantees each request id resolves at most once within a TTL and size bound

package correlate

import (
	"container/list"
	"sync"
	"time"
)

// State is the lifecycle position of a request id.
type State int

const (
	// StateUnknown means the ledger has no record of the id.
	StateUnknown State = iota
	// StateAwaiting means a command carrying the id was forwarded and no reply has arrived.
	StateAwaiting
	// StateResolved is terminal: a reply for the id has been accepted.
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateAwaiting:
		return "awaiting_reply"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

type entry struct {
	state     State
	timestamp time.Time
	element   *list.Element
}

// Ledger tracks request ids seen by the bridge. It is safe for concurrent use.
// Entries expire after ttl and the oldest entry is evicted once maxSize is
// reached, so a reply replayed after eviction would be accepted again.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // ids in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a ledger and starts its background expiry sweep.
func New(ttl time.Duration, maxSize int) *Ledger {
	if maxSize < 1 {
		maxSize = 1
	}
	l := &Ledger{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Await records that a command carrying id was issued. It does nothing if
// the id is already resolved.
func (l *Ledger) Await(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.liveLocked(id); ok {
		if e.state == StateResolved {
			return
		}
		e.timestamp = l.now()
		l.order.MoveToBack(e.element)
		return
	}
	l.insertLocked(id, StateAwaiting)
}

// Resolve marks id as resolved. first is true only for the first resolution;
// awaited reports whether the ledger had seen the id issued.
func (l *Ledger) Resolve(id string) (first, awaited bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.liveLocked(id)
	if !ok {
		l.insertLocked(id, StateResolved)
		return true, false
	}
	if e.state == StateResolved {
		return false, false
	}
	e.state = StateResolved
	e.timestamp = l.now()
	l.order.MoveToBack(e.element)
	return true, true
}

// State returns the current state of id.
func (l *Ledger) State(id string) State {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.liveLocked(id); ok {
		return e.state
	}
	return StateUnknown
}

// Pending returns the number of ids awaiting a reply.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.entries {
		if e.state == StateAwaiting && l.now().Sub(e.timestamp) < l.ttl {
			n++
		}
	}
	return n
}

// liveLocked returns the unexpired entry for id. Must be called with mu held.
func (l *Ledger) liveLocked(id string) (*entry, bool) {
	e, ok := l.entries[id]
	if !ok {
		return nil, false
	}
	if l.now().Sub(e.timestamp) >= l.ttl {
		l.order.Remove(e.element)
		delete(l.entries, id)
		return nil, false
	}
	return e, true
}

// insertLocked adds a new entry, evicting the oldest at capacity.
// Must be called with mu held.
func (l *Ledger) insertLocked(id string, state State) {
	if len(l.entries) >= l.maxSize {
		if front := l.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			l.order.Remove(front)
			delete(l.entries, oldest)
		}
	}
	l.entries[id] = &entry{
		state:     state,
		timestamp: l.now(),
		element:   l.order.PushBack(id),
	}
}

func (l *Ledger) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.expire()
		case <-l.done:
			return
		}
	}
}

// expire removes every expired entry.
func (l *Ledger) expire() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, e := range l.entries {
		if now.Sub(e.timestamp) >= l.ttl {
			l.order.Remove(e.element)
			delete(l.entries, id)
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
