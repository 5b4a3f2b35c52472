// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package async

import "errors"

// TaskFunc is one member of a task group. It must honour the provided
// closer: when the group cancels, the task is expected to return a
// CancelError promptly.
type TaskFunc[T any] func(closer CloseSignal) (T, error)

type taskResult[T any] struct {
	index int
	value T
	err   error
}

func spawnTasks[T any](group CloseSignal, tasks []TaskFunc[T]) <-chan taskResult[T] {
	ch := make(chan taskResult[T], len(tasks))
	for i, task := range tasks {
		go func(i int, task TaskFunc[T]) {
			v, err := task(group)
			ch <- taskResult[T]{index: i, value: v, err: err}
		}(i, task)
	}
	return ch
}

// AllTasks runs every task concurrently and waits for all of them.
// The first error (cancellation included) closes the group's signal
// and is returned. On success the results are in submission order.
// The group owns a child of closer, so cancelling closer cancels the
// group.
func AllTasks[T any](closer CloseSignal, tasks ...TaskFunc[T]) ([]T, error) {
	group := closer.CreateChild()
	defer group.TryClose("all-group done")
	ch := spawnTasks(group, tasks)
	results := make([]T, len(tasks))
	for range tasks {
		select {
		case res := <-ch:
			if res.err != nil {
				group.TryClose("some task of the all-group failed")
				return nil, res.err
			}
			results[res.index] = res.value
		case <-group.Waiter():
			return nil, NewCancelError(group)
		}
	}
	return results, nil
}

// AnyTasks runs every task concurrently and returns the first
// success, cancelling the rest. Task errors are collected; only when
// every task has failed is the first error surfaced.
func AnyTasks[T any](closer CloseSignal, tasks ...TaskFunc[T]) (T, error) {
	var zero T
	group := closer.CreateChild()
	defer group.TryClose("any-group done")
	ch := spawnTasks(group, tasks)
	var firstErr error
	for range tasks {
		select {
		case res := <-ch:
			if res.err == nil {
				group.TryClose("some task of the any-group succeeded")
				return res.value, nil
			}
			if firstErr == nil {
				firstErr = res.err
			}
		case <-group.Waiter():
			return zero, NewCancelError(group)
		}
	}
	return zero, firstErr
}

// SomeTasks runs every task concurrently and waits for the first k
// successes, keyed by submission index. It fails with the first error
// once the remaining tasks can no longer yield k successes.
func SomeTasks[T any](closer CloseSignal, k int, tasks ...TaskFunc[T]) (map[int]T, error) {
	group := closer.CreateChild()
	defer group.TryClose("some-group done")
	if k <= 0 {
		return map[int]T{}, nil
	}
	if k > len(tasks) {
		return nil, errors.New("the some-group can never collect enough successes")
	}
	ch := spawnTasks(group, tasks)
	results := make(map[int]T, k)
	var firstErr error
	failures := 0
	for range tasks {
		select {
		case res := <-ch:
			if res.err != nil {
				failures++
				if firstErr == nil {
					firstErr = res.err
				}
				if len(tasks)-failures < k {
					group.TryClose("too many tasks of the some-group failed")
					return nil, firstErr
				}
				continue
			}
			results[res.index] = res.value
			if len(results) == k {
				group.TryClose("enough tasks of the some-group succeeded")
				return results, nil
			}
		case <-group.Waiter():
			return nil, NewCancelError(group)
		}
	}
	return nil, firstErr
}
