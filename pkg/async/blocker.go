// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package async

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// UserData is the tagged payload a worker may attach to its blocker.
type UserData struct {
	kind    userDataKind
	ptr     any
	integer int64
	float   float64
	str     string
}

type userDataKind int

const (
	userDataNone userDataKind = iota
	userDataPtr
	userDataInt
	userDataFloat
	userDataString
)

func PtrData(v any) UserData       { return UserData{kind: userDataPtr, ptr: v} }
func IntData(v int64) UserData     { return UserData{kind: userDataInt, integer: v} }
func FloatData(v float64) UserData { return UserData{kind: userDataFloat, float: v} }
func StringData(v string) UserData { return UserData{kind: userDataString, str: v} }

func (d UserData) HasValue() bool          { return d.kind != userDataNone }
func (d UserData) Ptr() (any, bool)        { return d.ptr, d.kind == userDataPtr }
func (d UserData) Int() (int64, bool)      { return d.integer, d.kind == userDataInt }
func (d UserData) Float() (float64, bool)  { return d.float, d.kind == userDataFloat }
func (d UserData) Str() (string, bool)     { return d.str, d.kind == userDataString }

// Blocker is a worker registration with an AsyncBlockerManager. The
// manager flips block on and off; the worker commits to blocked inside
// WaitBlocker.
type Blocker struct {
	id       uint32
	block    atomic.Bool
	blocked  atomic.Bool
	mu       sync.Mutex
	notifier *StateNotifier
	userData UserData
}

func newBlocker(id uint32) *Blocker {
	return &Blocker{id: id, notifier: NewStateNotifier()}
}

func (b *Blocker) ID() uint32        { return b.id }
func (b *Blocker) NeedBlock() bool   { return b.block.Load() }
func (b *Blocker) IsBlocked() bool   { return b.blocked.Load() }

func (b *Blocker) SetUserData(d UserData) {
	b.mu.Lock()
	b.userData = d
	b.mu.Unlock()
}

func (b *Blocker) GetUserData() UserData {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userData
}

// requestBlock is only called by the manager.
func (b *Blocker) requestBlock() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.block.Load() {
		return false
	}
	b.block.Store(true)
	b.notifier.Notify()
	return true
}

// requestUnblock is only called by the manager.
func (b *Blocker) requestUnblock() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.block.Load() {
		return false
	}
	b.block.Store(false)
	b.notifier.Notify()
	return true
}

// sync waits until the worker has caught up with the requested state:
// block implies blocked, unblock implies not blocked.
func (b *Blocker) sync(closer CloseSignal) bool {
	for {
		ch := b.notifier.Receiver()
		b.mu.Lock()
		settled := b.block.Load() == b.blocked.Load()
		b.mu.Unlock()
		if settled {
			return true
		}
		if _, ok := ChanRead(closer, ch); !ok {
			return false
		}
	}
}

// awaitUnblock is the worker side: commit to blocked while requested,
// then wait for the unblock.
func (b *Blocker) awaitUnblock(closer CloseSignal) bool {
	for {
		ch := b.notifier.Receiver()
		b.mu.Lock()
		if b.blocked.Load() {
			if !b.block.Load() {
				b.blocked.Store(false)
				b.notifier.Notify()
				b.mu.Unlock()
				return true
			}
		} else {
			if b.block.Load() {
				b.blocked.Store(true)
				b.notifier.Notify()
			} else {
				b.mu.Unlock()
				return true
			}
		}
		b.mu.Unlock()
		if _, ok := ChanRead(closer, ch); !ok {
			return false
		}
	}
}

// BlockerConfigure tunes an AsyncBlockerManager. TargetBatch > 0 is an
// absolute batch size (clamped to the number of blockers), 0 means
// MinBatch, and a negative value means "all blockers minus
// |TargetBatch|", never below MinBatch.
type BlockerConfigure struct {
	BlockTimeout time.Duration
	TargetBatch  int
	MinBatch     int
}

// Validate rejects configurations that cannot schedule anything.
func (c BlockerConfigure) Validate() error {
	if c.MinBatch < 1 {
		return errors.New("invalid min batch, it must be greater or equal than 1")
	}
	if c.TargetBatch > 0 && c.TargetBatch < c.MinBatch {
		return errors.New("invalid target batch, it must be greater or equal than min batch when positive")
	}
	return nil
}

type blockerInfo struct {
	blocker  *Blocker
	epoch    uint32
	priority int
	valid    bool
}

type blockerRequest struct {
	id       uint32
	priority int
	ch       chan *Blocker
}

// AsyncBlockerManager pauses a bounded batch of cooperative workers
// while an orchestrator runs a critical section, keeping the other
// workers running. Workers register a Blocker and call WaitBlocker in
// their loop; the orchestrator brackets the critical section with Lock
// and Unlock.
type AsyncBlockerManager struct {
	conf          BlockerConfigure
	mu            sync.Mutex
	blockers      []*blockerInfo
	requests      []*blockerRequest
	nextID        uint32
	nextEpoch     uint32
	locked        atomic.Bool
	readyNotifier *StateNotifier
}

// NewAsyncBlockerManager validates the configuration and builds a
// manager.
func NewAsyncBlockerManager(conf BlockerConfigure) (*AsyncBlockerManager, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &AsyncBlockerManager{conf: conf, readyNotifier: NewStateNotifier()}, nil
}

func (m *AsyncBlockerManager) calcBatchLocked() int {
	n := len(m.blockers)
	switch {
	case m.conf.TargetBatch > 0:
		if m.conf.TargetBatch > n {
			if m.conf.MinBatch > n {
				return m.conf.MinBatch
			}
			return n
		}
		return m.conf.TargetBatch
	case m.conf.TargetBatch < 0:
		b := n + m.conf.TargetBatch
		if b < m.conf.MinBatch {
			return m.conf.MinBatch
		}
		return b
	default:
		return m.conf.MinBatch
	}
}

// AddBlocker registers a worker with the given priority. While a lock
// is held, the registration is queued and completes at the next
// Unlock (or fails with a CancelError when the closer closes first).
func (m *AsyncBlockerManager) AddBlocker(priority int, closer CloseSignal) (*Blocker, error) {
	var req *blockerRequest
	m.mu.Lock()
	if !m.locked.Load() {
		b := newBlocker(m.nextID)
		m.nextID++
		m.blockers = append(m.blockers, &blockerInfo{blocker: b, epoch: m.nextEpoch, priority: priority, valid: true})
		m.nextEpoch++
		m.readyNotifier.Notify()
		m.mu.Unlock()
		return b, nil
	}
	req = &blockerRequest{id: m.nextID, priority: priority, ch: make(chan *Blocker, 1)}
	m.nextID++
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	b, ok := ChanRead(closer, req.ch)
	if ok {
		return b, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.requests {
		if r.id == req.id {
			m.requests = append(m.requests[:i], m.requests[i+1:]...)
			return nil, NewCancelError(closer)
		}
	}
	// The request was flushed by Unlock while we were cancelling.
	for _, info := range m.blockers {
		if info.blocker.id == req.id {
			return info.blocker, nil
		}
	}
	return nil, errors.New("blocker request vanished")
}

// RemoveBlocker deregisters a worker. During a lock the entry is only
// marked invalid; it is dropped at Unlock so the locked set stays
// stable.
func (m *AsyncBlockerManager) RemoveBlocker(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.requests {
		if r.id == id {
			m.requests = append(m.requests[:i], m.requests[i+1:]...)
			break
		}
	}
	if !m.locked.Load() {
		for i, info := range m.blockers {
			if info.blocker.id == id {
				m.blockers = append(m.blockers[:i], m.blockers[i+1:]...)
				return
			}
		}
		return
	}
	for _, info := range m.blockers {
		if info.blocker.id == id {
			info.valid = false
			return
		}
	}
}

// Lock selects a batch of blockers, asks each to block and waits until
// every selected blocker is synchronously observed as blocked. Workers
// that raced past the quota are unblocked again before Lock returns.
// On cancellation the lock is released.
func (m *AsyncBlockerManager) Lock(closer CloseSignal) error {
	if m.locked.Load() {
		return errors.New("already locked")
	}
	var batch int
	for {
		ch := m.readyNotifier.Receiver()
		m.mu.Lock()
		batch = m.calcBatchLocked()
		if batch <= len(m.blockers) {
			if m.locked.Load() {
				m.mu.Unlock()
				return errors.New("already locked")
			}
			m.locked.Store(true)
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()
		if _, err := ChanReadOrErr(closer, ch); err != nil {
			return err
		}
	}
	err := m.blockSelection(closer, batch)
	if err != nil {
		m.Unlock()
		return err
	}
	return nil
}

func (m *AsyncBlockerManager) blockSelection(closer CloseSignal, batch int) error {
	// Once locked the membership of m.blockers is frozen (removals are
	// deferred), so the slice can be sorted and iterated outside the
	// lock.
	m.mu.Lock()
	selects := append([]*blockerInfo(nil), m.blockers...)
	m.mu.Unlock()
	sort.SliceStable(selects, func(i, j int) bool {
		a, b := selects[i], selects[j]
		if a.epoch != b.epoch {
			return a.epoch < b.epoch
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.blocker.id < b.blocker.id
	})
	if batch < len(selects) {
		selects = selects[:batch]
	}
	tasks := make([]TaskFunc[struct{}], 0, len(selects))
	for _, info := range selects {
		blocker := info.blocker
		tasks = append(tasks, func(c CloseSignal) (struct{}, error) {
			child := c.CreateChild()
			defer child.TryClose("block request done")
			child.SetTimeout(m.conf.BlockTimeout, "block timeout")
			blocker.requestBlock()
			if !blocker.sync(child) {
				blocker.requestUnblock()
			}
			return struct{}{}, nil
		})
	}
	if _, err := AllTasks(closer, tasks...); err != nil {
		return err
	}
	for _, info := range selects {
		if !info.blocker.sync(closer) {
			return NewCancelError(closer)
		}
	}
	// unblock blockers exceeding the plan
	blocked := 0
	for _, info := range selects {
		if info.blocker.IsBlocked() {
			blocked++
			if blocked > batch {
				info.blocker.requestUnblock()
			}
		}
	}
	for _, info := range selects {
		if !info.blocker.sync(closer) {
			return NewCancelError(closer)
		}
	}
	return nil
}

// Unlock releases every blocker, drops invalidated entries and flushes
// registrations queued during the lock.
func (m *AsyncBlockerManager) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked.Load() {
		return
	}
	m.locked.Store(false)
	// a blocker that was paused moves to the back of the epoch order,
	// so the next lock prefers the others
	for _, info := range m.blockers {
		if info.blocker.requestUnblock() {
			info.epoch = m.nextEpoch
			m.nextEpoch++
		}
	}
	kept := m.blockers[:0]
	for _, info := range m.blockers {
		if info.valid {
			kept = append(kept, info)
		}
	}
	m.blockers = kept
	for _, req := range m.requests {
		b := newBlocker(req.id)
		m.blockers = append(m.blockers, &blockerInfo{blocker: b, epoch: m.nextEpoch, priority: req.priority, valid: true})
		m.nextEpoch++
		MustWrite(req.ch, b)
		m.readyNotifier.Notify()
	}
	m.requests = nil
}

// CollectLockedBlockers returns the blockers currently observed as
// blocked.
func (m *AsyncBlockerManager) CollectLockedBlockers() []*Blocker {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Blocker
	for _, info := range m.blockers {
		if info.blocker.IsBlocked() {
			out = append(out, info.blocker)
		}
	}
	return out
}

// WaitBlocker yields while the worker's blocker is requested to block
// and returns when it is released. Unknown ids return immediately.
func (m *AsyncBlockerManager) WaitBlocker(id uint32, closer CloseSignal) error {
	var blocker *Blocker
	m.mu.Lock()
	for _, info := range m.blockers {
		if info.blocker.id == id {
			blocker = info.blocker
			break
		}
	}
	m.mu.Unlock()
	if blocker == nil {
		return nil
	}
	if !blocker.awaitUnblock(closer) {
		return fmt.Errorf("wait blocker %d: %w", id, NewCancelError(closer))
	}
	return nil
}
