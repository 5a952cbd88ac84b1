package wire

import (
	"sync"
	"sync/atomic"

	"github.com/jordanhubbard/unicom/pkg/protocol"
)

// pendingResult is the outcome of one in-flight request: either bytes or a
// typed error, set exactly once before notify is closed.
type pendingResult struct {
	bytes []byte
	err   error
}

type slot struct {
	notify chan struct{}
	once   sync.Once
	result pendingResult
}

// PendingTable correlates outgoing request IDs with their awaiters (§4.2).
// One PendingTable belongs to exactly one connector; IDs are monotonic and
// never reused for the connector's lifetime.
type PendingTable struct {
	mu      sync.Mutex
	slots   map[uint64]*slot
	counter uint64
}

// NewPendingTable constructs an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{slots: make(map[uint64]*slot)}
}

// Create allocates a fresh request ID and inserts an empty slot for it.
// The returned channel closes exactly once, when Update is called for this ID.
func (t *PendingTable) Create() (uint64, <-chan struct{}) {
	id := atomic.AddUint64(&t.counter, 1)
	s := &slot{notify: make(chan struct{})}

	t.mu.Lock()
	t.slots[id] = s
	t.mu.Unlock()

	return id, s.notify
}

// Update stores the result for id and fires its notifier exactly once.
// An unknown id is a protocol error (the peer responded to a request the
// table never issued or already reaped) and is reported, not panicked.
func (t *PendingTable) Update(id uint64, bytes []byte, err error) error {
	t.mu.Lock()
	s, ok := t.slots[id]
	t.mu.Unlock()
	if !ok {
		return &protocol.UnicomError{Kind: protocol.ErrParameterInvalid, Message: "update for unknown pending id"}
	}

	s.once.Do(func() {
		s.result = pendingResult{bytes: bytes, err: err}
		close(s.notify)
	})
	return nil
}

// Get removes and returns the slot's stored result. Callers invoke Get only
// after being woken by the notifier returned from Create, so the result is
// always populated by the time Get runs.
func (t *PendingTable) Get(id uint64) ([]byte, error) {
	t.mu.Lock()
	s, ok := t.slots[id]
	if ok {
		delete(t.slots, id)
	}
	t.mu.Unlock()

	if !ok {
		return nil, &protocol.UnicomError{Kind: protocol.ErrParameterInvalid, Message: "get for unknown pending id"}
	}
	return s.result.bytes, s.result.err
}

// Abandon removes id's slot without consuming a result — used when a call
// times out (see UnixConnector.Request); any late Update for this id now
// hits the "unknown id" path in Update, and UnixConnector.readLoop discards
// that error instead of failing loudly.
func (t *PendingTable) Abandon(id uint64) {
	t.mu.Lock()
	delete(t.slots, id)
	t.mu.Unlock()
}

// Len reports the number of in-flight requests — used by tests asserting the
// round-trip invariant that Create/Get always pair one-to-one.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
