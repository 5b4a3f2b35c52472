// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package async

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWorker(t *testing.T, m *AsyncBlockerManager, b *Blocker, closer CloseSignal, spins *atomic.Int64) {
	t.Helper()
	go func() {
		for {
			if err := m.WaitBlocker(b.ID(), closer); err != nil {
				return
			}
			spins.Add(1)
			if closer.IsClosed() {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestBlockerConfigureValidate(t *testing.T) {
	_, err := NewAsyncBlockerManager(BlockerConfigure{MinBatch: 0})
	require.Error(t, err)
	_, err = NewAsyncBlockerManager(BlockerConfigure{MinBatch: 3, TargetBatch: 2})
	require.Error(t, err)
	_, err = NewAsyncBlockerManager(BlockerConfigure{MinBatch: 1, TargetBatch: -1, BlockTimeout: time.Second})
	require.NoError(t, err)
}

func TestBlockerManagerLockBlocksBatch(t *testing.T) {
	closer := NewCloseSignal()
	defer closer.TryClose("test done")
	m, err := NewAsyncBlockerManager(BlockerConfigure{
		BlockTimeout: time.Second,
		TargetBatch:  2,
		MinBatch:     1,
	})
	require.NoError(t, err)
	var spins atomic.Int64
	var all []*Blocker
	for i := 0; i < 4; i++ {
		b, err := m.AddBlocker(0, closer)
		require.NoError(t, err)
		all = append(all, b)
		startWorker(t, m, b, closer, &spins)
	}
	require.NoError(t, m.Lock(closer))
	blocked := m.CollectLockedBlockers()
	assert.Len(t, blocked, 2)
	m.Unlock()
	for _, b := range all {
		assert.False(t, b.NeedBlock(), "blocker %d still requested to block after unlock", b.ID())
	}
}

func TestBlockerManagerUnlockClearsRequests(t *testing.T) {
	closer := NewCloseSignal()
	defer closer.TryClose("test done")
	m, err := NewAsyncBlockerManager(BlockerConfigure{
		BlockTimeout: time.Second,
		MinBatch:     1,
	})
	require.NoError(t, err)
	var spins atomic.Int64
	b, err := m.AddBlocker(0, closer)
	require.NoError(t, err)
	startWorker(t, m, b, closer, &spins)
	require.NoError(t, m.Lock(closer))
	// registrations queued during the lock complete at unlock
	added := make(chan *Blocker, 1)
	go func() {
		nb, aerr := m.AddBlocker(1, closer)
		require.NoError(t, aerr)
		added <- nb
	}()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-added:
		t.Fatal("the blocker registration completed while locked")
	default:
	}
	m.Unlock()
	select {
	case nb := <-added:
		assert.NotNil(t, nb)
	case <-time.After(time.Second):
		t.Fatal("the queued registration did not complete after unlock")
	}
	assert.False(t, b.NeedBlock())
}

func TestBlockerManagerFairnessAcrossLocks(t *testing.T) {
	closer := NewCloseSignal()
	defer closer.TryClose("test done")
	m, err := NewAsyncBlockerManager(BlockerConfigure{
		BlockTimeout: time.Second,
		TargetBatch:  1,
		MinBatch:     1,
	})
	require.NoError(t, err)
	var spins atomic.Int64
	ids := make([]uint32, 0, 2)
	for i := 0; i < 2; i++ {
		b, err := m.AddBlocker(0, closer)
		require.NoError(t, err)
		ids = append(ids, b.ID())
		startWorker(t, m, b, closer, &spins)
	}
	seen := map[uint32]int{}
	for i := 0; i < 2; i++ {
		require.NoError(t, m.Lock(closer))
		var chosen []uint32
		for _, b := range m.CollectLockedBlockers() {
			if b.NeedBlock() {
				chosen = append(chosen, b.ID())
			}
		}
		require.Len(t, chosen, 1)
		seen[chosen[0]]++
		m.Unlock()
		// let the released worker clear its blocked flag
		time.Sleep(50 * time.Millisecond)
	}
	// a blocker selected in one lock advances its epoch so the next
	// lock prefers the other
	assert.Equal(t, 1, seen[ids[0]])
	assert.Equal(t, 1, seen[ids[1]])
}

func TestBlockerManagerLockProgressWithoutWorkers(t *testing.T) {
	closer := NewCloseSignal()
	defer closer.TryClose("test done")
	m, err := NewAsyncBlockerManager(BlockerConfigure{
		BlockTimeout: 50 * time.Millisecond,
		MinBatch:     1,
	})
	require.NoError(t, err)
	// the blocker never runs WaitBlocker, so the lock can only make
	// progress through the block timeout
	_, err = m.AddBlocker(0, closer)
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, m.Lock(closer))
	assert.Less(t, time.Since(start), time.Second)
	m.Unlock()
}
