// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rapidaai/conference-client-go/pkg/async"
	"github.com/rapidaai/conference-client-go/pkg/commons"
)

// KeepAliveContext is handed to the keep-alive callback on every tick.
// TimeoutNum counts consecutive missed beats; TimeoutDur accumulates
// their duration. Warmup is true until the first beat from the peer
// arrived.
type KeepAliveContext struct {
	Err        error
	TimeoutNum int
	TimeoutDur time.Duration
	Warmup     bool
}

// KeepAliveCb inspects the tick context; returning true stops the
// keep-alive loop.
type KeepAliveCb func(ctx *KeepAliveContext) bool

// KeepAlive runs a ping/pong loop against the given socket in a room.
// The active side sends a ping every timeout period and expects a pong
// within the same period; the passive side expects pings and reports
// missed ones. Pongs are sent by the envelope dispatch for every ping,
// whether or not a passive loop runs. The loop runs in the background
// until the closer closes or the callback returns true.
func (s *Signal) KeepAlive(closer async.CloseSignal, room, socketID string, active bool, timeout time.Duration, cb KeepAliveCb) error {
	if timeout <= 0 {
		return errors.New("the keep alive timeout must be positive")
	}
	if err := s.Connect(closer); err != nil {
		return err
	}
	watch := closer.CreateChild()
	watch.DependOn(s.notify, "")
	if active {
		go s.keepAliveActive(watch, room, socketID, timeout, cb)
	} else {
		go s.keepAlivePassive(watch, room, socketID, timeout, cb)
	}
	return nil
}

func (s *Signal) keepAliveActive(closer async.CloseSignal, room, socketID string, timeout time.Duration, cb KeepAliveCb) {
	defer closer.TryClose("keep alive done")
	pongCh := make(chan *PongMessage, 16)
	cbID := s.raw.OnMsg(func(m *RawMessage, acker RawAcker) (bool, error) {
		if m.Evt != "pong" {
			return true, nil
		}
		var pm PongMessage
		if err := json.Unmarshal(m.Payload, &pm); err != nil {
			return true, fmt.Errorf("unable to decode pong payload: %w", err)
		}
		if pm.Router.Room == room && pm.Router.SocketFrom == socketID {
			async.MaybeWrite(pongCh, &pm)
		}
		return true, nil
	})
	defer s.raw.OffMsg(cbID)
	ctx := &KeepAliveContext{Warmup: true}
	var msgID uint32
	for {
		msgID++
		nextTick := time.Now().Add(timeout)
		ping := PingMessage{Router: Router{Room: room, SocketTo: socketID}, MsgID: msgID}
		ctx.Err = nil
		raw, err := s.raw.CreateMsg("ping", ping, false)
		if err == nil {
			_, err = s.raw.SendMsg(closer, raw)
		}
		if err != nil {
			if closer.IsClosed() {
				return
			}
			ctx.Err = err
		} else {
			got, canceled := awaitPong(closer, pongCh, msgID, timeout)
			if canceled {
				return
			}
			if got {
				ctx.TimeoutNum = 0
				ctx.TimeoutDur = 0
				ctx.Warmup = false
			} else {
				ctx.TimeoutNum++
				ctx.TimeoutDur += timeout
			}
		}
		if cb != nil && cb(ctx) {
			return
		}
		if remain := time.Until(nextTick); remain > 0 {
			if err := async.WaitTimeout(remain, closer); err != nil {
				return
			}
		}
	}
}

// awaitPong waits for a pong with a msg id not older than want. The
// second result reports that the closer was closed.
func awaitPong(closer async.CloseSignal, pongCh <-chan *PongMessage, want uint32, timeout time.Duration) (bool, bool) {
	waiter := closer.CreateChild()
	defer waiter.TryClose("pong awaited")
	waiter.SetTimeout(timeout, "pong timeout")
	for {
		pm, err := async.ChanReadOrErr(waiter, pongCh)
		if err != nil {
			if async.IsTimeoutError(err) && !closer.IsClosed() {
				return false, false
			}
			return false, true
		}
		if pm.MsgID >= want {
			return true, false
		}
	}
}

func (s *Signal) keepAlivePassive(closer async.CloseSignal, room, socketID string, timeout time.Duration, cb KeepAliveCb) {
	defer closer.TryClose("keep alive done")
	pingCh := make(chan *PingMessage, 16)
	cbID := s.raw.OnMsg(func(m *RawMessage, acker RawAcker) (bool, error) {
		if m.Evt != "ping" {
			return true, nil
		}
		var pm PingMessage
		if err := json.Unmarshal(m.Payload, &pm); err != nil {
			return true, fmt.Errorf("unable to decode ping payload: %w", err)
		}
		if pm.Router.Room == room && pm.Router.SocketFrom == socketID {
			async.MaybeWrite(pingCh, &pm)
		}
		return true, nil
	})
	defer s.raw.OffMsg(cbID)
	ctx := &KeepAliveContext{Warmup: true}
	for {
		waiter := closer.CreateChild()
		waiter.SetTimeout(timeout, "ping timeout")
		_, err := async.ChanReadOrErr(waiter, pingCh)
		waiter.TryClose("ping awaited")
		if err != nil {
			if closer.IsClosed() {
				return
			}
			if async.IsTimeoutError(err) {
				ctx.TimeoutNum++
				ctx.TimeoutDur += timeout
				if cb != nil && cb(ctx) {
					return
				}
				continue
			}
			ctx.Err = err
		} else {
			// the pong reply itself is issued by the dispatch layer;
			// the passive role only monitors the beats
			ctx.Err = nil
			ctx.TimeoutNum = 0
			ctx.TimeoutDur = 0
			ctx.Warmup = false
		}
		if cb != nil && cb(ctx) {
			return
		}
	}
}

// MakeKeepAliveCallback builds the standard keep-alive policy: close
// the given signal and stop the loop once the missed-beat count or the
// accumulated missed duration exceeds its threshold. A negative
// maxTimeouts (or zero maxDur) disables that bound; the warmup bounds,
// when set, replace the regular ones until the first beat arrived.
func MakeKeepAliveCallback(signal async.CloseSignal, maxTimeouts int, maxDur time.Duration, warmupMaxTimeouts int, warmupMaxDur time.Duration, termWhenErr bool, logger commons.Logger) KeepAliveCb {
	if logger == nil {
		logger = commons.NopLogger()
	}
	return func(ctx *KeepAliveContext) bool {
		if ctx.Err != nil {
			if termWhenErr {
				logger.Errorf("keep alive failed, %v", ctx.Err)
				signal.TryClose(fmt.Sprintf("keep alive failed, %v", ctx.Err))
				return true
			}
			logger.Warnf("keep alive error ignored, %v", ctx.Err)
			return false
		}
		num, dur := maxTimeouts, maxDur
		if ctx.Warmup {
			if warmupMaxTimeouts >= 0 {
				num = warmupMaxTimeouts
			}
			if warmupMaxDur > 0 {
				dur = warmupMaxDur
			}
		}
		if num >= 0 && ctx.TimeoutNum > num {
			signal.TryClose("keep alive timeout")
			return true
		}
		if dur > 0 && ctx.TimeoutDur > dur {
			signal.TryClose("keep alive timeout")
			return true
		}
		return false
	}
}
