// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package signal

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/conference-client-go/pkg/async"
	"github.com/rapidaai/conference-client-go/pkg/config"
)

func testConf(url string) config.SignalConfigure {
	return config.SignalConfigure{
		URL:          url,
		Token:        "",
		ReadyTimeout: 30 * time.Second,
	}
}

func newTestSignal(t *testing.T, closer async.CloseSignal, srv *testServer, token string) *Signal {
	t.Helper()
	conf := testConf(srv.url())
	conf.Token = token
	return NewWebsocketSignal(closer, conf, nil)
}

func TestFrameCodecRoundTrip(t *testing.T) {
	frame := encodeFrame("subscribe", 3, FlagNeedAck, []byte(`{"id":"x;y"}`))
	evt, msgID, flag, payload, err := decodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "subscribe", evt)
	assert.Equal(t, uint64(3), msgID)
	assert.Equal(t, FlagNeedAck, flag)
	assert.Equal(t, `{"id":"x;y"}`, string(payload))

	evt, msgID, flag, payload, err = decodeFrame([]byte(";42;0;null"))
	require.NoError(t, err)
	assert.Equal(t, "", evt)
	assert.Equal(t, uint64(42), msgID)
	assert.Equal(t, FlagAckNormal, flag)
	assert.Equal(t, "null", string(payload))

	_, _, _, _, err = decodeFrame([]byte("no separators here"))
	require.Error(t, err)
}

func TestRawMsgIDsAreOdd(t *testing.T) {
	closer := async.NewCloseSignal()
	defer closer.TryClose("test done")
	raw := NewWebsocketRawSignal(closer, testConf("ws://localhost/ws"), nil)
	for want := uint64(1); want < 10; want += 2 {
		msg, err := raw.CreateMsg("evt", struct{}{}, false)
		require.NoError(t, err)
		assert.Equal(t, want, msg.MsgID)
	}
}

func TestRawCallbackIDRoundTrip(t *testing.T) {
	closer := async.NewCloseSignal()
	defer closer.TryClose("test done")
	raw := NewWebsocketRawSignal(closer, testConf("ws://localhost/ws"), nil)
	id0 := raw.OnMsg(func(msg *RawMessage, acker RawAcker) (bool, error) { return true, nil })
	id1 := raw.OnMsg(func(msg *RawMessage, acker RawAcker) (bool, error) { return true, nil })
	assert.NotEqual(t, id0, id1)
	raw.OffMsg(id0)
	raw.OffMsg(id1)
	raw.OffMsg(id0) // removing twice is harmless
}

func TestSignalConnect(t *testing.T) {
	srv := newTestServer(t)
	closer := async.NewCloseSignal()
	defer closer.TryClose("test done")
	sig := newTestSignal(t, closer, srv, srv.grantToken("1", "room", true))
	require.NoError(t, sig.Connect(closer, "123456789"))
	id, err := sig.ID(closer)
	require.NoError(t, err)
	assert.Equal(t, "123456789", id)
	assert.Contains(t, sig.Rooms(), "room")
	uid, err := sig.UserID(closer)
	require.NoError(t, err)
	assert.Equal(t, "1", uid)
}

func TestSignalJoinAndLeave(t *testing.T) {
	srv := newTestServer(t)
	closer := async.NewCloseSignal()
	defer closer.TryClose("test done")
	sig := newTestSignal(t, closer, srv, srv.grantToken("1", "root.*", false))
	require.NoError(t, sig.Connect(closer))
	require.NoError(t, sig.Join(closer, "root.room1"))
	assert.ElementsMatch(t, []string{"root.room1"}, sig.Rooms())
	require.NoError(t, sig.Join(closer, "root.room3", "root.room2"))
	assert.ElementsMatch(t, []string{"root.room1", "root.room2", "root.room3"}, sig.Rooms())

	err := sig.Join(closer, "room1")
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "no right for room room1", serverErr.Msg)
	assert.ElementsMatch(t, []string{"root.room1", "root.room2", "root.room3"}, sig.Rooms())

	err = sig.Join(closer, "root.room4", "room4")
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "no right for room room4", serverErr.Msg)

	require.NoError(t, sig.Leave(closer, "root.room1"))
	assert.ElementsMatch(t, []string{"root.room2", "root.room3"}, sig.Rooms())
	require.NoError(t, sig.Leave(closer, "root.room4"))
	assert.ElementsMatch(t, []string{"root.room2", "root.room3"}, sig.Rooms())
}

func TestSignalSendMessage(t *testing.T) {
	srv := newTestServer(t)
	closer := async.NewCloseSignal()
	defer closer.TryClose("test done")
	sig1 := newTestSignal(t, closer, srv, srv.grantToken("1", "room", true))
	require.NoError(t, sig1.Connect(closer))
	id1, err := sig1.ID(closer)
	require.NoError(t, err)
	sig2 := newTestSignal(t, closer, srv, srv.grantToken("2", "room", true))
	require.NoError(t, sig2.Connect(closer))
	id2, err := sig2.ID(closer)
	require.NoError(t, err)

	sig1Done := make(chan struct{}, 1)
	sig1.OnMessage(func(msg *Message, acker *Acker) (bool, error) {
		assert.Equal(t, "room", msg.Room())
		assert.Equal(t, id2, msg.SocketID())
		assert.Equal(t, "hello", msg.Evt())
		assert.Equal(t, "world from 2", msg.Payload())
		assert.False(t, msg.Ack())
		assert.NoError(t, acker.Ack(closer, "ack"))
		async.MustWrite(sig1Done, struct{}{})
		return false, nil
	})
	sig2Done := make(chan struct{}, 1)
	sig2.OnMessage(func(msg *Message, acker *Acker) (bool, error) {
		assert.Equal(t, "room", msg.Room())
		assert.Equal(t, id1, msg.SocketID())
		assert.Equal(t, "hello", msg.Evt())
		assert.Equal(t, "world from 1", msg.Payload())
		assert.False(t, msg.Ack())
		assert.NoError(t, acker.Ack(closer, "ack"))
		async.MustWrite(sig2Done, struct{}{})
		return false, nil
	})

	waiter := closer.CreateChild()
	defer waiter.TryClose("messaging awaited")
	waiter.SetTimeout(5*time.Second, "messaging timeout")
	ackFrom2, err := sig1.SendMessage(waiter, sig1.CreateMessage("hello", false, "room", id2, "world from 1"))
	require.NoError(t, err)
	assert.Equal(t, "", ackFrom2)
	ackFrom1, err := sig2.SendMessage(waiter, sig2.CreateMessage("hello", false, "room", id1, "world from 2"))
	require.NoError(t, err)
	assert.Equal(t, "", ackFrom1)
	_, err = async.ChanReadOrErr(waiter, sig1Done)
	require.NoError(t, err)
	_, err = async.ChanReadOrErr(waiter, sig2Done)
	require.NoError(t, err)
}

func TestSignalSendParallelMessages(t *testing.T) {
	srv := newTestServer(t)
	closer := async.NewCloseSignal()
	defer closer.TryClose("test done")
	sig1 := newTestSignal(t, closer, srv, srv.grantToken("1", "room", true))
	require.NoError(t, sig1.Connect(closer))
	id1, err := sig1.ID(closer)
	require.NoError(t, err)
	sig2 := newTestSignal(t, closer, srv, srv.grantToken("2", "room", true))
	require.NoError(t, sig2.Connect(closer))
	id2, err := sig2.ID(closer)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	timeouter := closer.CreateChild()
	defer timeouter.TryClose("parallel messaging awaited")
	timeouter.SetTimeout(10*time.Second, "parallel messaging timeout")
	const count = 30
	var eg errgroup.Group
	for i := 0; i < count; i++ {
		evt := fmt.Sprintf("hello%03d", i)
		eg.Go(func() error {
			cbID := sig2.OnMessage(func(msg *Message, acker *Acker) (bool, error) {
				if msg.Evt() != evt {
					return true, nil
				}
				if msg.Payload() != "world from 1" || !msg.Ack() {
					return false, errors.New("unexpected message")
				}
				if err := acker.Ack(timeouter, "accepted"); err != nil {
					return false, err
				}
				return false, nil
			})
			defer sig2.OffMessage(cbID)
			resp, err := sig1.SendMessage(timeouter, sig1.CreateMessage(evt, true, "room", id2, "world from 1"))
			if err != nil {
				return err
			}
			if resp != "accepted" {
				return fmt.Errorf("unexpected ack %q for %s", resp, evt)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}

func TestSignalKeepAlive(t *testing.T) {
	srv := newTestServer(t)
	closer := async.NewCloseSignal()
	defer closer.TryClose("test done")
	sig1 := newTestSignal(t, closer, srv, srv.grantToken("1", "room", true))
	require.NoError(t, sig1.Connect(closer))
	id1, err := sig1.ID(closer)
	require.NoError(t, err)
	sig2 := newTestSignal(t, closer, srv, srv.grantToken("2", "room", true))
	require.NoError(t, sig2.Connect(closer))
	id2, err := sig2.ID(closer)
	require.NoError(t, err)

	kaCloser := closer.CreateChild()
	require.NoError(t, sig1.KeepAlive(kaCloser, "room", id2, true, 200*time.Millisecond, func(ctx *KeepAliveContext) bool {
		if ctx.Err != nil {
			t.Errorf("active keep alive error: %v", ctx.Err)
			return true
		}
		if ctx.TimeoutNum > 1 {
			t.Error("pong timeout")
			return true
		}
		return false
	}))
	require.NoError(t, sig2.KeepAlive(kaCloser, "room", id1, false, 400*time.Millisecond, func(ctx *KeepAliveContext) bool {
		if ctx.Err != nil {
			t.Errorf("passive keep alive error: %v", ctx.Err)
			return true
		}
		if ctx.TimeoutNum > 1 {
			t.Error("ping timeout")
			return true
		}
		return false
	}))
	require.NoError(t, async.WaitTimeout(1500*time.Millisecond, closer))
	kaCloser.Close("keep alive round done")

	kaCloser = closer.CreateChild()
	require.NoError(t, sig1.KeepAlive(kaCloser, "room", id2, true, 200*time.Millisecond,
		MakeKeepAliveCallback(kaCloser, 0, 400*time.Millisecond, -1, 0, true, nil)))
	require.NoError(t, async.WaitTimeout(700*time.Millisecond, closer))
	assert.False(t, kaCloser.IsClosed())
	sig2.Close()
	deadline := time.Now().Add(2 * time.Second)
	for !kaCloser.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, kaCloser.IsClosed())
}

func TestSignalSubscribeHandshake(t *testing.T) {
	srv := newTestServer(t)
	srv.onSubscribe = func(socket *testSocket, subID string, msg *SubscribeMessage) {
		socket.writeFrame("subscribed", srv.allocMsgID(), FlagNoAck, SubscribedMessage{
			SubID: subID,
			PubID: "pub-1",
			SdpID: 7,
			Tracks: []TrackMessage{
				{Type: "video", PubID: "pub-1", GlobalID: "g-1", BindID: "0", StreamID: "stream-1"},
			},
		})
	}
	closer := async.NewCloseSignal()
	defer closer.TryClose("test done")
	sig := newTestSignal(t, closer, srv, srv.grantToken("1", "room", true))
	require.NoError(t, sig.Connect(closer))
	res, err := sig.Subscribe(closer, &SubscribeMessage{
		Op:       SubscribeOpAdd,
		ReqTypes: []string{"video"},
		Pattern:  Pattern{Op: PatternOpPublishID, Args: []string{"pub-1"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ID)
	waiter := closer.CreateChild()
	defer waiter.TryClose("subscribed awaited")
	waiter.SetTimeout(5*time.Second, "subscribed timeout")
	subMsg, err := sig.WaitSubscribed(waiter, res)
	require.NoError(t, err)
	assert.Equal(t, res.ID, subMsg.SubID)
	assert.Equal(t, "pub-1", subMsg.PubID)
	assert.Equal(t, 7, subMsg.SdpID)
	require.Len(t, subMsg.Tracks, 1)
	assert.Equal(t, "0", subMsg.Tracks[0].BindID)

	// the subscribed envelope is consumed exactly once
	_, err = sig.WaitSubscribed(waiter, res)
	require.Error(t, err)
}

func TestSignalSendMessageAckError(t *testing.T) {
	srv := newTestServer(t)
	closer := async.NewCloseSignal()
	defer closer.TryClose("test done")
	sig1 := newTestSignal(t, closer, srv, srv.grantToken("1", "room", true))
	require.NoError(t, sig1.Connect(closer))
	sig2 := newTestSignal(t, closer, srv, srv.grantToken("2", "room", true))
	require.NoError(t, sig2.Connect(closer))
	id2, err := sig2.ID(closer)
	require.NoError(t, err)
	sig2.OnMessage(func(msg *Message, acker *Acker) (bool, error) {
		return false, acker.AckErr(closer, &ServerErrorObject{Code: 500, Msg: "refused"})
	})
	waiter := closer.CreateChild()
	defer waiter.TryClose("ack awaited")
	waiter.SetTimeout(5*time.Second, "ack timeout")
	_, err = sig1.SendMessage(waiter, sig1.CreateMessage("evt", true, "room", id2, "payload"))
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "refused", serverErr.Msg)
	assert.Equal(t, 500, serverErr.Code)
}

func TestSignalCloseCancelsPendingSend(t *testing.T) {
	srv := newTestServer(t)
	closer := async.NewCloseSignal()
	defer closer.TryClose("test done")
	sig1 := newTestSignal(t, closer, srv, srv.grantToken("1", "room", true))
	require.NoError(t, sig1.Connect(closer))
	sig2 := newTestSignal(t, closer, srv, srv.grantToken("2", "room", true))
	require.NoError(t, sig2.Connect(closer))
	id2, err := sig2.ID(closer)
	require.NoError(t, err)
	// sig2 never acks, so the send parks on the ack slot until sig1
	// closes underneath it
	errCh := make(chan error, 1)
	go func() {
		_, serr := sig1.SendMessage(closer, sig1.CreateMessage("evt", true, "room", id2, "payload"))
		errCh <- serr
	}()
	time.Sleep(50 * time.Millisecond)
	sig1.Close()
	select {
	case serr := <-errCh:
		require.Error(t, serr)
		assert.True(t, async.IsCancelError(serr))
	case <-time.After(2 * time.Second):
		t.Fatal("the pending send did not observe the close")
	}
}
