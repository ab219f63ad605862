package session

import (
	"sync"

	"github.com/msgr-im/msgr/logger"
)

// futureMap is the correlation table: outstanding request ids mapped to their
// pending continuations. An id is removed exactly once, either by the
// matching reply or by drainAll on session teardown, which makes duplicate or
// late server replies safe no-ops.
type futureMap struct {
	mu sync.Mutex
	m  map[string]*Reply
}

func newFutureMap() *futureMap {
	return &futureMap{m: make(map[string]*Reply)}
}

// add registers a pending reply under id. The caller mints ids from a
// monotonic counter, so a live id is never reused.
func (f *futureMap) add(id string, r *Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.m[id]; dup {
		logger.Warnf("correlation: duplicate request id %s", id)
	}
	f.m[id] = r
}

// take removes and returns the reply registered under id, or nil when the id
// is absent (already completed, or never registered).
func (f *futureMap) take(id string) *Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.m[id]
	if !ok {
		return nil
	}
	delete(f.m, id)
	return r
}

// remove drops an id without completing it, used when a send fails after
// registration.
func (f *futureMap) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, id)
}

// drainAll rejects every outstanding reply with err and empties the table.
// Rejections run outside the lock: a continuation may re-enter the table.
func (f *futureMap) drainAll(err error) {
	f.mu.Lock()
	pending := make([]*Reply, 0, len(f.m))
	for _, r := range f.m {
		pending = append(pending, r)
	}
	f.m = make(map[string]*Reply)
	f.mu.Unlock()

	for _, r := range pending {
		r.Reject(err)
	}
}

func (f *futureMap) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.m)
}
