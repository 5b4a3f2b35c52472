// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package async

import (
	"context"
	"runtime"
	"sync"
	"time"
	"weak"
)

const (
	// DefaultCloseReason is used when Close is called without a reason.
	DefaultCloseReason = ""
	// DefaultTimeoutReason is used when SetTimeout is armed without a reason.
	DefaultTimeoutReason = "timeout"
	// ReleasedReason reports a dependency that was dropped before it closed.
	ReleasedReason = "dependent closer released"
)

// CloseSignal is a hierarchical cancellation handle. It is a small
// copyable value; all copies share the same underlying state. The zero
// value is the null signal: it never closes, Waiter returns a nil
// channel (blocks forever in a select) and every mutating operation
// panics.
//
// Closing a signal closes all of its descendants with the same reason;
// closing a child never affects its parent. A timer may be armed with
// SetTimeout, paused with Stop and re-armed with Resume.
type CloseSignal struct {
	st *closeState
}

type closeState struct {
	mu            sync.Mutex
	closed        bool
	isTimeout     bool
	closeReason   string
	stopped       bool
	timeout       time.Duration // 0 = disarmed
	stopRemaining time.Duration
	timeoutReason string
	deadline      time.Time
	timerGen      uint64
	timer         *time.Timer
	waiters       []chan struct{}
	stopWaiters   []chan struct{}
	parent        *closeState
	children      []*closeState

	ctx       context.Context
	cancelCtx context.CancelFunc
}

// NewCloseSignal creates a fresh, unclosed root signal.
func NewCloseSignal() CloseSignal {
	return CloseSignal{st: &closeState{timeoutReason: DefaultTimeoutReason}}
}

// MakeTimeout creates a root signal that times out after dur.
func MakeTimeout(dur time.Duration) CloseSignal {
	c := NewCloseSignal()
	c.SetTimeout(dur, DefaultTimeoutReason)
	return c
}

// IsNil reports whether this is the null sentinel.
func (c CloseSignal) IsNil() bool {
	return c.st == nil
}

// IsClosed reports whether the signal has closed. The null signal is
// never closed.
func (c CloseSignal) IsClosed() bool {
	if c.st == nil {
		return false
	}
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.closed
}

// IsTimeout reports whether the close was caused by the timer.
func (c CloseSignal) IsTimeout() bool {
	if c.st == nil {
		return false
	}
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.isTimeout
}

// CloseReason returns the reason passed to the first successful close.
func (c CloseSignal) CloseReason() string {
	if c.st == nil {
		return ""
	}
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.closeReason
}

// GetTimeout returns the currently armed timeout, 0 when disarmed.
func (c CloseSignal) GetTimeout() time.Duration {
	if c.st == nil {
		return 0
	}
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.timeout
}

// IsStopped reports whether timeout delivery is paused.
func (c CloseSignal) IsStopped() bool {
	if c.st == nil {
		return false
	}
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.stopped
}

// Close closes the signal with the given reason, cancelling every
// waiter and closing all children. Closing an already closed signal is
// a no-op. Panics on the null signal.
func (c CloseSignal) Close(reason string) {
	if c.st == nil {
		panic("the null closer does not support the close operation")
	}
	c.st.close(false, reason)
}

// TryClose is the destructor-safe variant of Close: it never panics
// and reports whether the state transitioned (false on the null signal
// or when already closed).
func (c CloseSignal) TryClose(reason string) bool {
	if c.st == nil {
		return false
	}
	return c.st.close(false, reason)
}

// Waiter registers a single-slot notifier that receives exactly one
// value when the signal closes. When the signal is already closed the
// returned channel is immediately readable. The null signal returns a
// nil channel, which blocks forever inside a select.
func (c CloseSignal) Waiter() <-chan struct{} {
	if c.st == nil {
		return nil
	}
	return c.st.waiter()
}

// StopWaiter registers a notifier fired by Resume. Returns false when
// the signal is not currently stopped.
func (c CloseSignal) StopWaiter() (<-chan struct{}, bool) {
	if c.st == nil {
		return nil, false
	}
	return c.st.stopWaiter()
}

// Await blocks until the signal closes. It returns false when the
// close was caused by the timer, true otherwise. On the null signal it
// blocks forever.
func (c CloseSignal) Await() bool {
	if c.st == nil {
		select {}
	}
	<-c.st.waiter()
	return !c.IsTimeout()
}

// SetTimeout arms (or re-arms) the one-shot timer; dur = 0 disarms it.
// Re-arming while a timer is pending shifts the deadline by the delta
// between the old and new durations. Panics on the null signal.
func (c CloseSignal) SetTimeout(dur time.Duration, reason string) {
	if c.st == nil {
		panic("the null closer does not support the timeout operation")
	}
	if reason == "" {
		reason = DefaultTimeoutReason
	}
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	c.st.setTimeoutLocked(dur, reason)
}

// Stop pauses timeout delivery. When stopTimer is set and a timer is
// armed, the remaining duration is captured and the timer cancelled.
// Propagates to all children. Panics on the null signal.
func (c CloseSignal) Stop(stopTimer bool) {
	if c.st == nil {
		panic("the null closer does not support the stop operation")
	}
	c.st.stop(stopTimer)
}

// Resume re-arms the timer with the captured remainder and releases
// the stop waiters. Propagates to all children. Panics on the null
// signal.
func (c CloseSignal) Resume() {
	if c.st == nil {
		panic("the null closer does not support the resume operation")
	}
	c.st.resume()
}

// CreateChild returns a new signal that closes whenever this signal
// closes (with the same reason and timeout flag). Closing the child
// does not affect this signal. A child of a closed signal is returned
// already closed, carrying the parent's reason. On the null signal a
// fresh root is returned.
func (c CloseSignal) CreateChild() CloseSignal {
	if c.st == nil {
		return NewCloseSignal()
	}
	return CloseSignal{st: c.st.createChild()}
}

// AfterClose invokes cb from a background goroutine once the signal
// has closed, even when registration races with the close. On the null
// signal the callback never runs.
func (c CloseSignal) AfterClose(cb func()) {
	if c.st == nil {
		return
	}
	w := c.st.waiter()
	go func() {
		<-w
		cb()
	}()
}

// DependOn closes this signal when other closes, carrying other's
// reason (or the supplied one). If other is dropped without ever
// closing, this signal closes with ReleasedReason. Panics on the null
// signal; a null other never fires.
func (c CloseSignal) DependOn(other CloseSignal, reason string) {
	if c.st == nil {
		panic("the null closer does not support the depend_on operation")
	}
	if other.st == nil {
		return
	}
	w := other.st.waiter()
	released := make(chan struct{}, 1)
	runtime.AddCleanup(other.st, func(ch chan struct{}) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}, released)
	// The goroutine must not keep other's state alive, otherwise the
	// released case could never fire.
	wp := weak.Make(other.st)
	self := c.st
	selfW := self.waiter()
	go func() {
		select {
		case <-selfW:
			// the dependent side is done, nothing left to propagate
		case <-w:
			r := reason
			if r == "" {
				if st := wp.Value(); st != nil {
					st.mu.Lock()
					r = st.closeReason
					st.mu.Unlock()
				}
			}
			self.close(false, r)
		case <-released:
			r := reason
			if r == "" {
				r = ReleasedReason
			}
			self.close(false, r)
		}
	}()
}

// Context returns a context that is cancelled when the signal closes.
// The null signal maps to context.Background().
func (c CloseSignal) Context() context.Context {
	if c.st == nil {
		return context.Background()
	}
	c.st.mu.Lock()
	if c.st.ctx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.st.ctx, c.st.cancelCtx = ctx, cancel
		if c.st.closed {
			cancel()
		}
	}
	ctx := c.st.ctx
	c.st.mu.Unlock()
	return ctx
}

func (st *closeState) waiter() chan struct{} {
	ch := make(chan struct{}, 1)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		ch <- struct{}{}
		return ch
	}
	st.waiters = append(st.waiters, ch)
	return ch
}

func (st *closeState) stopWaiter() (chan struct{}, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.stopped {
		return nil, false
	}
	ch := make(chan struct{}, 1)
	st.stopWaiters = append(st.stopWaiters, ch)
	return ch, true
}

// closeSelfLocked performs the terminal transition. Callers hold the
// lock. Waiter channels are buffered single-slot, so the sends cannot
// block.
func (st *closeState) closeSelfLocked(isTimeout bool, reason string) {
	if st.closed {
		return
	}
	st.closed = true
	st.stopped = false
	st.closeReason = reason
	st.isTimeout = isTimeout
	st.timeout = 0
	st.timerGen++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	for _, w := range st.waiters {
		w <- struct{}{}
	}
	st.waiters = nil
	for _, w := range st.stopWaiters {
		w <- struct{}{}
	}
	st.stopWaiters = nil
	if st.cancelCtx != nil {
		st.cancelCtx()
	}
}

func (st *closeState) close(isTimeout bool, reason string) bool {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return false
	}
	st.closeSelfLocked(isTimeout, reason)
	parent := st.parent
	st.parent = nil
	children := st.children
	st.children = nil
	st.mu.Unlock()
	// Parent removal and child closes run outside the lock; the lock
	// order for the tree is always parent before child.
	if parent != nil {
		parent.removeChild(st)
	}
	for _, child := range children {
		child.close(isTimeout, reason)
	}
	return true
}

func (st *closeState) removeChild(child *closeState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	for i, c := range st.children {
		if c == child {
			st.children = append(st.children[:i], st.children[i+1:]...)
			return
		}
	}
}

func (st *closeState) createChild() *closeState {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		child := &closeState{timeoutReason: DefaultTimeoutReason}
		child.closeSelfLocked(st.isTimeout, st.closeReason)
		return child
	}
	child := &closeState{parent: st, timeoutReason: DefaultTimeoutReason}
	st.children = append(st.children, child)
	return child
}

func (st *closeState) setTimeoutLocked(dur time.Duration, reason string) {
	if st.closed {
		return
	}
	st.timeoutReason = reason
	if st.timeout == dur {
		return
	}
	old := st.timeout
	st.timeout = dur
	st.timerGen++
	gen := st.timerGen
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if dur == 0 {
		st.deadline = time.Time{}
		return
	}
	if old == 0 {
		st.deadline = time.Now().Add(dur)
	} else {
		// shift the pending deadline by the delta
		st.deadline = st.deadline.Add(dur - old)
	}
	st.timer = time.AfterFunc(time.Until(st.deadline), func() {
		st.fireTimer(gen)
	})
}

func (st *closeState) fireTimer(gen uint64) {
	st.mu.Lock()
	if st.timerGen != gen || st.closed || st.stopped || st.timeout == 0 {
		st.mu.Unlock()
		return
	}
	reason := st.timeoutReason
	st.mu.Unlock()
	st.close(true, reason)
}

func (st *closeState) stop(stopTimer bool) {
	st.mu.Lock()
	if st.closed || st.stopped {
		st.mu.Unlock()
		return
	}
	st.stopped = true
	if stopTimer && st.timeout > 0 {
		if remaining := time.Until(st.deadline); remaining > 0 {
			st.stopRemaining = remaining
		} else {
			st.stopRemaining = st.timeout
		}
		st.setTimeoutLocked(0, st.timeoutReason)
	}
	children := append([]*closeState(nil), st.children...)
	st.mu.Unlock()
	for _, child := range children {
		child.stop(stopTimer)
	}
}

func (st *closeState) resume() {
	st.mu.Lock()
	if !st.stopped {
		st.mu.Unlock()
		return
	}
	st.stopped = false
	for _, w := range st.stopWaiters {
		w <- struct{}{}
	}
	st.stopWaiters = nil
	if st.stopRemaining > 0 {
		st.setTimeoutLocked(st.stopRemaining, st.timeoutReason)
		st.stopRemaining = 0
	}
	children := append([]*closeState(nil), st.children...)
	st.mu.Unlock()
	for _, child := range children {
		child.resume()
	}
}

// WaitTimeout sleeps for dur, honouring the closer. It returns a
// CancelError when the closer closes first.
func WaitTimeout(dur time.Duration, closer CloseSignal) error {
	if closer.IsNil() {
		time.Sleep(dur)
		return nil
	}
	timeouter := closer.CreateChild()
	defer timeouter.TryClose(DefaultCloseReason)
	timeouter.SetTimeout(dur, DefaultTimeoutReason)
	if timeouter.Await() || closer.IsClosed() {
		return NewCancelError(closer)
	}
	return nil
}
