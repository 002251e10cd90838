package zmsg

import (
	"fmt"

	"go.uber.org/atomic"
)

// Action is one request/response exchange. It resolves exactly once, either
// with the reply frame or with a cancellation error. Whoever removes the
// action from the Registry is the one that resolves it.
//
// An Action may be reused through Reset once its previous use has resolved.
type Action struct {
	Request *Frame
	// ExpectReply keeps a posted action registered until its reply arrives.
	ExpectReply bool

	id    uint64
	inUse atomic.Bool
	reply *Frame
	err   error
	done  chan struct{}
}

// NewAction wraps req. The correlation id is assigned when the action is sent.
func NewAction(req *Frame) *Action {
	return &Action{Request: req, ExpectReply: true, done: make(chan struct{})}
}

// ID is the correlation id of the current use, 0 before it is registered.
func (a *Action) ID() uint64 {
	return a.id
}

func (a *Action) Done() <-chan struct{} {
	return a.done
}

func (a *Action) Resolved() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Reply is the inbound frame, valid after Done and nil on cancellation.
func (a *Action) Reply() *Frame {
	return a.reply
}

// Err is the cancellation cause, valid after Done.
func (a *Action) Err() error {
	return a.err
}

// Reset prepares a for another exchange carrying req.
func (a *Action) Reset(req *Frame) error {
	if a.inUse.Load() && !a.Resolved() {
		return fmt.Errorf("zmsg: action %d still in flight", a.id)
	}
	a.Request = req
	a.id = 0
	a.reply = nil
	a.err = nil
	a.done = make(chan struct{})
	a.inUse.Store(false)
	return nil
}

// acquire marks the start of one use; it fails if the action is already in flight.
func (a *Action) acquire() error {
	if !a.inUse.CompareAndSwap(false, true) {
		return fmt.Errorf("zmsg: action %d already in use", a.id)
	}
	if a.done == nil {
		a.done = make(chan struct{})
	}
	return nil
}

// resolve must only be called by the single owner that removed a from the
// registry, or by the sender when a was never registered.
func (a *Action) resolve(reply *Frame, err error) {
	a.reply = reply
	a.err = err
	close(a.done)
}
