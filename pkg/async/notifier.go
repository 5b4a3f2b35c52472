// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package async

import "sync"

// StateNotifier wakes everyone who subscribed a receiver before the
// last Notify. Receivers are single-slot and fire at most once; a
// Notify with no receivers is a no-op.
type StateNotifier struct {
	mu  sync.Mutex
	chs []chan struct{}
}

func NewStateNotifier() *StateNotifier {
	return &StateNotifier{}
}

// Notify signals every registered receiver and clears the list.
func (n *StateNotifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.chs {
		MaybeWrite(ch, struct{}{})
	}
	n.chs = nil
}

// Receiver registers and returns a fresh single-slot receiver.
func (n *StateNotifier) Receiver() chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.chs = append(n.chs, ch)
	n.mu.Unlock()
	return ch
}
