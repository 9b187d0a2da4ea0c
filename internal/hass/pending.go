package hass

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
)

// firstRequestID is the id the table hands out first on every new connection.
const firstRequestID int64 = 1

// response is the value delivered through a pending request's completion slot.
type response struct {
	result json.RawMessage
	err    error
}

// pendingRequest is one in-flight or queued request.
//
// The completion slot is resolved at most once; every later resolve attempt
// is ignored and reports false.
type pendingRequest struct {
	msgType    string
	payload    any
	resendable bool
	seq        uint64 // issue order, stable across reconnects

	// gen pins the request to one connection generation. A pinned request
	// is never parked or carried across a reconnect.
	gen uint64

	// Guarded by the owning table's mutex.
	id   int64
	sent bool

	done     chan response
	resolved atomic.Bool
	once     sync.Once

	// onID is invoked under the table lock whenever an id is assigned.
	onID func(id int64)
}

func newPendingRequest(msgType string, payload any, resendable bool) *pendingRequest {
	return &pendingRequest{
		msgType:    msgType,
		payload:    payload,
		resendable: resendable,
		done:       make(chan response, 1),
	}
}

// resolve completes the request. Returns false if it was already resolved.
func (p *pendingRequest) resolve(result json.RawMessage, err error) bool {
	won := false
	p.once.Do(func() {
		won = true
		p.resolved.Store(true)
		p.done <- response{result: result, err: err}
	})
	return won
}

// pendingTable maps correlation ids to pending requests for one session.
//
// Requests issued while the connection is not Ready are parked without an id
// and receive one when they are finally written.
//
// Thread Safety:
//   - All methods are safe for concurrent use by callers and the reader.
type pendingTable struct {
	mu      sync.Mutex
	nextID  int64
	nextSeq uint64
	byID    map[int64]*pendingRequest
	parked  []*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		nextID: firstRequestID,
		byID:   make(map[int64]*pendingRequest),
	}
}

// stamp assigns the issue sequence number. Called once per request.
func (t *pendingTable) stamp(p *pendingRequest) {
	t.mu.Lock()
	t.nextSeq++
	p.seq = t.nextSeq
	t.mu.Unlock()
}

// add assigns the next correlation id and registers the request. The
// request counts as sent from here on: a frame whose write failed part way
// may still have reached the hub.
func (t *pendingTable) add(p *pendingRequest) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	p.id = id
	p.sent = true
	t.byID[id] = p
	if p.onID != nil {
		p.onID(id)
	}
	return id
}

// park queues a request until the next Ready.
func (t *pendingTable) park(p *pendingRequest) {
	t.mu.Lock()
	p.id = 0
	p.sent = false
	t.parked = append(t.parked, p)
	t.mu.Unlock()
}

// take atomically looks up and removes the request for id.
func (t *pendingTable) take(id int64) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	return p, ok
}

// remove drops p wherever it is held. Used by callers that stop waiting.
func (t *pendingTable) remove(p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.byID[p.id]; ok && cur == p {
		delete(t.byID, p.id)
		return
	}
	for i, q := range t.parked {
		if q == p {
			t.parked = append(t.parked[:i], t.parked[i+1:]...)
			return
		}
	}
}

// reset empties the table, restarts ids at firstRequestID and returns every
// held request in issue order, each with its sent flag as it was.
func (t *pendingTable) reset() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]*pendingRequest, 0, len(t.byID)+len(t.parked))
	for _, p := range t.byID {
		all = append(all, p)
	}
	all = append(all, t.parked...)

	t.byID = make(map[int64]*pendingRequest)
	t.parked = nil
	t.nextID = firstRequestID

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	return all
}

// drain removes every request and fails each with err exactly once.
// Returns the number of requests this call resolved.
func (t *pendingTable) drain(err error) int {
	failed := 0
	for _, p := range t.reset() {
		if p.resolve(nil, err) {
			failed++
		}
	}
	return failed
}

// len returns the number of held requests, in flight and parked.
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID) + len(t.parked)
}
