package session

import (
	"context"
	"sync"

	"github.com/msgr-im/msgr/service/wire"
)

// SuccessFunc transforms the reply of a completed stage. Returning a nil
// message passes the incoming message through to the next stage; returning an
// error rejects the rest of the chain.
type SuccessFunc func(msg *wire.ServerMessage) (*wire.ServerMessage, error)

// FailureFunc observes a rejection. Returning a nil error recovers the chain
// with the returned message; returning an error keeps the chain rejected.
type FailureFunc func(err error) (*wire.ServerMessage, error)

// Reply is a single-assignment continuation for one request. It completes at
// most once, by Resolve or Reject, and supports sequential chaining: a
// failure in an earlier stage short-circuits later success handlers.
//
// Handlers run synchronously on whatever goroutine completes the reply, so
// they must not block. A handler may issue new requests; re-entrant
// registration into the correlation table is legal.
type Reply struct {
	mu        sync.Mutex
	done      bool
	msg       *wire.ServerMessage
	err       error
	onSuccess SuccessFunc
	onFailure FailureFunc
	next      *Reply
	doneCh    chan struct{}
}

// NewReply returns a pending reply.
func NewReply() *Reply {
	return &Reply{doneCh: make(chan struct{})}
}

// ResolvedReply returns a reply already completed with msg.
func ResolvedReply(msg *wire.ServerMessage) *Reply {
	r := NewReply()
	r.Resolve(msg)
	return r
}

// RejectedReply returns a reply already completed with err.
func RejectedReply(err error) *Reply {
	r := NewReply()
	r.Reject(err)
	return r
}

// IsDone reports whether the reply has completed.
func (r *Reply) IsDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Resolve completes the reply successfully. A second completion is a no-op.
func (r *Reply) Resolve(msg *wire.ServerMessage) {
	r.complete(msg, nil)
}

// Reject completes the reply with an error. A second completion is a no-op.
func (r *Reply) Reject(err error) {
	r.complete(nil, err)
}

func (r *Reply) complete(msg *wire.ServerMessage, err error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.msg = msg
	r.err = err
	onSuccess, onFailure, next := r.onSuccess, r.onFailure, r.next
	r.mu.Unlock()
	close(r.doneCh)

	if next != nil {
		runStage(msg, err, onSuccess, onFailure, next)
	}
}

// runStage feeds one completed stage into the next.
func runStage(msg *wire.ServerMessage, err error, onSuccess SuccessFunc, onFailure FailureFunc, next *Reply) {
	if err == nil {
		if onSuccess == nil {
			next.Resolve(msg)
			return
		}
		out, herr := onSuccess(msg)
		if herr != nil {
			next.Reject(herr)
			return
		}
		if out == nil {
			out = msg
		}
		next.Resolve(out)
		return
	}

	if onFailure == nil {
		next.Reject(err)
		return
	}
	out, herr := onFailure(err)
	if herr != nil {
		next.Reject(herr)
		return
	}
	next.Resolve(out)
}

// Then chains success and failure handlers and returns the reply of the next
// stage. If the receiver has already completed, the handlers run immediately
// on the calling goroutine.
func (r *Reply) Then(onSuccess SuccessFunc, onFailure FailureFunc) *Reply {
	next := NewReply()

	r.mu.Lock()
	if !r.done {
		// One consumer per stage, matching the request/reply chain shape.
		r.onSuccess = onSuccess
		r.onFailure = onFailure
		r.next = next
		r.mu.Unlock()
		return next
	}
	msg, err := r.msg, r.err
	r.mu.Unlock()

	runStage(msg, err, onSuccess, onFailure, next)
	return next
}

// ThenSuccess chains only a success handler.
func (r *Reply) ThenSuccess(onSuccess SuccessFunc) *Reply {
	return r.Then(onSuccess, nil)
}

// Wait blocks until the reply completes or ctx expires and returns the
// outcome. The core itself never adds timeouts; callers layer them through
// ctx.
func (r *Reply) Wait(ctx context.Context) (*wire.ServerMessage, error) {
	select {
	case <-r.doneCh:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
