package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/confer/internal/protocol"
)

// reply is the outcome of one request.
type reply struct {
	env protocol.Envelope
	err error
}

// waiter is a one-shot listener for a single reply event.
type waiter struct {
	event     protocol.Event
	requestID string
	ch        chan reply // buffered, written at most once
}

// waiters correlates replies with outstanding requests. A reply carrying a
// request id resolves that request; one without resolves the oldest request
// waiting for the same event.
type waiters struct {
	mu      sync.Mutex
	pending []*waiter
	closed  error
}

func newWaiters() *waiters {
	return &waiters{}
}

// expect registers a waiter. It must be registered before the request is sent.
func (ws *waiters) expect(event protocol.Event, requestID string) (*waiter, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed != nil {
		return nil, ws.closed
	}
	w := &waiter{event: event, requestID: requestID, ch: make(chan reply, 1)}
	ws.pending = append(ws.pending, w)
	return w, nil
}

// take removes and returns the first waiter matching pred.
func (ws *waiters) take(pred func(*waiter) bool) *waiter {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for i, w := range ws.pending {
		if pred(w) {
			ws.pending = append(ws.pending[:i], ws.pending[i+1:]...)
			return w
		}
	}
	return nil
}

// resolve hands env to its waiter. Returns false if nobody was waiting.
func (ws *waiters) resolve(env protocol.Envelope) bool {
	w := ws.take(func(w *waiter) bool {
		if w.event != env.Event {
			return false
		}
		return env.RequestID == "" || w.requestID == env.RequestID
	})
	if w == nil {
		return false
	}
	w.ch <- reply{env: env}
	return true
}

// reject fails the request identified by requestID, or the oldest request
// when the error carries no id.
func (ws *waiters) reject(requestID string, err error) bool {
	w := ws.take(func(w *waiter) bool {
		return requestID == "" || w.requestID == requestID
	})
	if w == nil {
		return false
	}
	w.ch <- reply{err: err}
	return true
}

// drop forgets w without resolving it.
func (ws *waiters) drop(w *waiter) {
	ws.take(func(x *waiter) bool { return x == w })
}

// close fails every outstanding request with err and refuses new ones.
func (ws *waiters) close(err error) {
	ws.mu.Lock()
	pending := ws.pending
	ws.pending = nil
	ws.closed = err
	ws.mu.Unlock()

	for _, w := range pending {
		w.ch <- reply{err: err}
	}
}

func (ws *waiters) len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.pending)
}

// wait blocks until w resolves, ctx ends or timeout elapses.
func (ws *waiters) wait(ctx context.Context, w *waiter, timeout time.Duration) (protocol.Envelope, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case r := <-w.ch:
		return r.env, r.err
	case <-expired:
		ws.drop(w)
		return protocol.Envelope{}, fmt.Errorf("%s: %w", w.event, ErrTimeout)
	case <-ctx.Done():
		ws.drop(w)
		return protocol.Envelope{}, ctx.Err()
	}
}

// serverError wraps a rejection received from the server.
type serverError struct {
	msg string
}

func (e *serverError) Error() string { return "sfu server: " + e.msg }

// IsServerError reports whether err is a rejection sent by the SFU server.
func IsServerError(err error) bool {
	var se *serverError
	return errors.As(err, &se)
}
