// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package async

import "reflect"

// SelectOp describes one channel operation for Select. Build ops with
// Recv and Send; a Recv stores the received value through its out
// pointer when chosen.
type SelectOp struct {
	dir   reflect.SelectDir
	ch    reflect.Value
	send  reflect.Value
	store func(v reflect.Value, ok bool)
}

// Recv builds a receive op. When the op wins the received value is
// written to out (left at the zero value if the channel was closed).
func Recv[T any](ch <-chan T, out *T) SelectOp {
	return SelectOp{
		dir: reflect.SelectRecv,
		ch:  reflect.ValueOf(ch),
		store: func(v reflect.Value, ok bool) {
			if out == nil {
				return
			}
			if ok {
				*out = v.Interface().(T)
			} else {
				var zero T
				*out = zero
			}
		},
	}
}

// Send builds a send op for value v.
func Send[T any](ch chan<- T, v T) SelectOp {
	return SelectOp{
		dir:  reflect.SelectSend,
		ch:   reflect.ValueOf(ch),
		send: reflect.ValueOf(v),
	}
}

// Select evaluates the given channel operations together with the
// close signal. Exactly one op completes; the others are withdrawn
// untouched (no send performed, no value consumed). It returns the
// index of the completed op, or a CancelError when the closer closed
// first. Readiness ties are broken pseudo-randomly, which is fair over
// repeated calls.
func Select(closer CloseSignal, ops ...SelectOp) (int, error) {
	if closer.IsClosed() {
		return -1, NewCancelError(closer)
	}
	cases := make([]reflect.SelectCase, 0, len(ops)+1)
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(closer.Waiter()),
	})
	for _, op := range ops {
		cases = append(cases, reflect.SelectCase{Dir: op.dir, Chan: op.ch, Send: op.send})
	}
	chosen, recv, ok := reflect.Select(cases)
	if chosen == 0 {
		return -1, NewCancelError(closer)
	}
	op := ops[chosen-1]
	if op.dir == reflect.SelectRecv && op.store != nil {
		op.store(recv, ok)
	}
	return chosen - 1, nil
}
