// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package async

import "sync"

// LazyBox is a write-once value with blocking readers. Get parks
// until Init is called (or the closer closes); after Init every Get
// resolves immediately.
type LazyBox[T any] struct {
	mu      sync.Mutex
	inited  bool
	value   T
	waiters []chan struct{}
}

func NewLazyBox[T any]() *LazyBox[T] {
	return &LazyBox[T]{}
}

// Init stores the value and wakes every parked reader. Only the first
// call takes effect.
func (b *LazyBox[T]) Init(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inited {
		return
	}
	b.inited = true
	b.value = v
	for _, w := range b.waiters {
		w <- struct{}{}
	}
	b.waiters = nil
}

// TryGet returns the stored value without blocking.
func (b *LazyBox[T]) TryGet() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, b.inited
}

// Get returns the stored value, blocking until Init or cancellation.
func (b *LazyBox[T]) Get(closer CloseSignal) (T, error) {
	b.mu.Lock()
	if b.inited {
		v := b.value
		b.mu.Unlock()
		return v, nil
	}
	w := make(chan struct{}, 1)
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()
	if _, err := ChanReadOrErr(closer, w); err != nil {
		var zero T
		return zero, err
	}
	b.mu.Lock()
	v := b.value
	b.mu.Unlock()
	return v, nil
}

type initState int

const (
	initStateNew initState = iota
	initStateRunning
	initStateDone
)

// InitOnce is a double-checked, single-flight initializer with reset:
// concurrent Access calls during initialization park until the flight
// finishes; a failed flight resets the box so the next caller retries;
// Reset discards a previously built value so it is rebuilt on demand.
type InitOnce[T any] struct {
	mu      sync.Mutex
	state   initState
	value   T
	waiters []chan struct{}
}

// Access returns the initialized value, running initFn at most once
// concurrently. The closer bounds the wait of parked callers; the
// running flight itself is driven by its initiator.
func (b *InitOnce[T]) Access(closer CloseSignal, initFn func() (T, error)) (T, error) {
	var zero T
	for {
		b.mu.Lock()
		switch b.state {
		case initStateDone:
			v := b.value
			b.mu.Unlock()
			return v, nil
		case initStateRunning:
			w := make(chan struct{}, 1)
			b.waiters = append(b.waiters, w)
			b.mu.Unlock()
			if _, err := ChanReadOrErr(closer, w); err != nil {
				return zero, err
			}
			continue
		default:
			b.state = initStateRunning
			b.mu.Unlock()
		}
		v, err := initFn()
		b.mu.Lock()
		if err != nil {
			b.state = initStateNew
		} else {
			b.state = initStateDone
			b.value = v
		}
		for _, w := range b.waiters {
			w <- struct{}{}
		}
		b.waiters = nil
		b.mu.Unlock()
		if err != nil {
			return zero, err
		}
		return v, nil
	}
}

// Reset forgets the built value. A flight in progress is left alone;
// its result will be stored as usual and a later Reset can discard it.
func (b *InitOnce[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == initStateDone {
		b.state = initStateNew
		var zero T
		b.value = zero
	}
}
