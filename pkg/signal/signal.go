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
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"github.com/rapidaai/conference-client-go/pkg/async"
	"github.com/rapidaai/conference-client-go/pkg/commons"
	"github.com/rapidaai/conference-client-go/pkg/config"
)

const customEvtPrefix = "custom:"

// Message is a room/user scoped application message.
type Message struct {
	evt      string
	ack      bool
	room     string
	socketID string
	payload  string
	msgID    uint32
}

func (m *Message) Evt() string      { return m.evt }
func (m *Message) Ack() bool        { return m.ack }
func (m *Message) Room() string     { return m.room }
func (m *Message) SocketID() string { return m.socketID }
func (m *Message) Payload() string  { return m.payload }
func (m *Message) MsgID() uint32    { return m.msgID }

// Acker replies to a delivered custom message that requested an ack.
type Acker struct {
	signal *Signal
	msg    *Message
}

// Ack sends the reply payload back to the message sender. On a
// message that did not request an ack this is a no-op.
func (a *Acker) Ack(closer async.CloseSignal, payload string) error {
	if !a.msg.ack {
		return nil
	}
	return a.signal.sendCustomAck(closer, a.msg, payload, false)
}

// AckErr reports a failure back to the message sender.
func (a *Acker) AckErr(closer async.CloseSignal, seo *ServerErrorObject) error {
	if !a.msg.ack {
		return nil
	}
	raw, err := json.Marshal(seo)
	if err != nil {
		return fmt.Errorf("unable to marshal ack error: %w", err)
	}
	return a.signal.sendCustomAck(closer, a.msg, string(raw), true)
}

// MsgCb handles a delivered custom message; returning false
// deregisters it. Callbacks run on their own goroutines, so they may
// suspend.
type MsgCb func(msg *Message, acker *Acker) (bool, error)

// CandCb and SdpCb observe negotiation envelopes. They run inline on
// the reader loop and must not suspend; returning false deregisters.
type CandCb func(msg *CandidateMessage) bool

type SdpCb func(msg *SdpMessage) bool

type ParticipantJoinCb func(msg *ParticipantJoinMessage) bool

type ParticipantLeaveCb func(msg *ParticipantLeaveMessage) bool

type customAckKey struct {
	id     uint32
	room   string
	socket string
}

// Signal is the room/user envelope layer on top of a RawSignal:
// identity, rooms, custom messages with user-level acks, negotiation
// forwards, subscribe/publish handshakes and keep-alive.
type Signal struct {
	logger commons.Logger
	conf   config.SignalConfigure
	raw    RawSignal
	// notify observes the raw signal's lifetime; shared so that every
	// pending wait can depend on it without growing the closer tree
	notify async.CloseSignal

	registerOnce sync.Once
	readyBox     *async.LazyBox[*UserInfoMessage]

	roomMu sync.Mutex
	rooms  map[string]struct{}

	nextCbID        atomic.Uint64
	nextCustomMsgID atomic.Uint32

	candCbs   *cbRegistry[CandCb]
	sdpCbs    *cbRegistry[SdpCb]
	customCbs *cbRegistry[MsgCb]
	pJoinCbs  *cbRegistry[ParticipantJoinCb]
	pLeaveCbs *cbRegistry[ParticipantLeaveCb]

	ackMu        sync.Mutex
	customAckChs map[customAckKey]chan *CustomAckMessage

	subMu           sync.Mutex
	subscribedBoxes map[string]*async.LazyBox[*SubscribedMessage]
}

// NewWebsocketSignal builds a Signal over a fresh websocket raw
// signal. The raw signal owns a child of closer.
func NewWebsocketSignal(closer async.CloseSignal, conf config.SignalConfigure, logger commons.Logger) *Signal {
	return NewSignal(NewWebsocketRawSignal(closer, conf, logger), conf, logger)
}

// NewSignal wraps an existing raw signal; used directly by tests that
// substitute the transport.
func NewSignal(raw RawSignal, conf config.SignalConfigure, logger commons.Logger) *Signal {
	if logger == nil {
		logger = commons.NopLogger()
	}
	return &Signal{
		logger:          commons.Category(logger, "signal"),
		conf:            conf,
		raw:             raw,
		notify:          raw.NotifyCloser(),
		readyBox:        async.NewLazyBox[*UserInfoMessage](),
		rooms:           map[string]struct{}{},
		candCbs:         newCbRegistry[CandCb](),
		sdpCbs:          newCbRegistry[SdpCb](),
		customCbs:       newCbRegistry[MsgCb](),
		pJoinCbs:        newCbRegistry[ParticipantJoinCb](),
		pLeaveCbs:       newCbRegistry[ParticipantLeaveCb](),
		customAckChs:    map[customAckKey]chan *CustomAckMessage{},
		subscribedBoxes: map[string]*async.LazyBox[*SubscribedMessage]{},
	}
}

// NotifyCloser observes the signal's close without owning it.
func (s *Signal) NotifyCloser() async.CloseSignal {
	return s.raw.NotifyCloser()
}

// Closer owns the signal; closing it shuts the transport.
func (s *Signal) Closer() async.CloseSignal {
	return s.raw.Closer()
}

// Close shuts the signal down, cancelling all pending operations.
func (s *Signal) Close() {
	s.raw.Close()
}

// Connect dials the transport and waits for the server's ready
// envelope, bounded by the configured ready timeout. An optional
// socket id asks the server to adopt it for this connection.
func (s *Signal) Connect(closer async.CloseSignal, socketID ...string) error {
	s.registerOnce.Do(func() {
		s.raw.OnMsg(s.dispatchRawMsg)
		s.raw.OnMsg(func(msg *RawMessage, acker RawAcker) (bool, error) {
			if msg.Evt != "ready" {
				return true, nil
			}
			var ui UserInfoMessage
			if err := json.Unmarshal(msg.Payload, &ui); err != nil {
				return true, fmt.Errorf("unable to decode ready payload: %w", err)
			}
			s.roomMu.Lock()
			for _, room := range ui.Rooms {
				s.rooms[room] = struct{}{}
			}
			s.roomMu.Unlock()
			s.readyBox.Init(&ui)
			return false, nil
		})
	})
	sid := ""
	if len(socketID) > 0 {
		sid = socketID[0]
	}
	if err := s.raw.Connect(closer, sid); err != nil {
		return err
	}
	if _, ok := s.readyBox.TryGet(); ok {
		return nil
	}
	waiter := closer.CreateChild()
	defer waiter.TryClose("ready awaited")
	if s.conf.ReadyTimeout > 0 {
		waiter.SetTimeout(s.conf.ReadyTimeout, "timeout when waiting the ready message")
	}
	waiter.DependOn(s.notify, "")
	_, err := s.readyBox.Get(waiter)
	return err
}

// dispatchRawMsg fans the raw stream out to the typed registries.
// Candidate and sdp callbacks run inline to keep their ordering;
// custom message callbacks are spawned because they may suspend.
func (s *Signal) dispatchRawMsg(msg *RawMessage, acker RawAcker) (bool, error) {
	switch {
	case msg.Evt == "candidate":
		if err := acker.Ack(async.CloseSignal{}, "ack"); err != nil {
			s.logger.Warnf("unable to ack candidate msg: %v", err)
		}
		var cm CandidateMessage
		if err := json.Unmarshal(msg.Payload, &cm); err != nil {
			return true, fmt.Errorf("unable to decode candidate payload: %w", err)
		}
		s.candCbs.forEach(func(id uint64, cb CandCb) {
			if !cb(&cm) {
				s.candCbs.remove(id)
			}
		})
	case msg.Evt == "sdp":
		if err := acker.Ack(async.CloseSignal{}, "ack"); err != nil {
			s.logger.Warnf("unable to ack sdp msg: %v", err)
		}
		var sm SdpMessage
		if err := json.Unmarshal(msg.Payload, &sm); err != nil {
			return true, fmt.Errorf("unable to decode sdp payload: %w", err)
		}
		s.sdpCbs.forEach(func(id uint64, cb SdpCb) {
			if !cb(&sm) {
				s.sdpCbs.remove(id)
			}
		})
	case msg.Evt == "custom-ack":
		var am CustomAckMessage
		if err := json.Unmarshal(msg.Payload, &am); err != nil {
			return true, fmt.Errorf("unable to decode custom ack payload: %w", err)
		}
		key := customAckKey{id: am.MsgID, room: am.Router.Room, socket: am.Router.SocketFrom}
		s.ackMu.Lock()
		ch, ok := s.customAckChs[key]
		if ok {
			delete(s.customAckChs, key)
		}
		s.ackMu.Unlock()
		if ok {
			async.MustWrite(ch, &am)
		}
	case strings.HasPrefix(msg.Evt, customEvtPrefix):
		var cm CustomMessage
		if err := json.Unmarshal(msg.Payload, &cm); err != nil {
			return true, fmt.Errorf("unable to decode custom payload: %w", err)
		}
		delivered := &Message{
			evt:      msg.Evt[len(customEvtPrefix):],
			ack:      cm.Ack,
			room:     cm.Router.Room,
			socketID: cm.Router.SocketFrom,
			payload:  cm.Content,
			msgID:    cm.MsgID,
		}
		dAcker := &Acker{signal: s, msg: delivered}
		s.customCbs.forEach(func(id uint64, cb MsgCb) {
			go func() {
				keep, err := cb(delivered, dAcker)
				if err != nil {
					if async.IsCancelError(err) {
						s.logger.Debugf("message callback canceled, %v", err)
					} else {
						s.logger.Errorf("message callback failed, %v", err)
					}
					return
				}
				if !keep {
					s.customCbs.remove(id)
				}
			}()
		})
	case msg.Evt == "ping":
		var pm PingMessage
		if err := json.Unmarshal(msg.Payload, &pm); err != nil {
			return true, fmt.Errorf("unable to decode ping payload: %w", err)
		}
		// pings are answered unconditionally; keep-alive loops only
		// monitor the beats
		pong := PongMessage{
			Router: Router{Room: pm.Router.Room, SocketTo: pm.Router.SocketFrom},
			MsgID:  pm.MsgID,
		}
		go func() {
			raw, err := s.raw.CreateMsg("pong", pong, false)
			if err != nil {
				return
			}
			if _, err := s.raw.SendMsg(s.notify, raw); err != nil && !async.IsCancelError(err) {
				s.logger.Warnf("unable to reply pong: %v", err)
			}
		}()
	case msg.Evt == "participant-join":
		var pm ParticipantJoinMessage
		if err := json.Unmarshal(msg.Payload, &pm); err != nil {
			return true, fmt.Errorf("unable to decode participant join payload: %w", err)
		}
		s.pJoinCbs.forEach(func(id uint64, cb ParticipantJoinCb) {
			if !cb(&pm) {
				s.pJoinCbs.remove(id)
			}
		})
	case msg.Evt == "participant-leave":
		var pm ParticipantLeaveMessage
		if err := json.Unmarshal(msg.Payload, &pm); err != nil {
			return true, fmt.Errorf("unable to decode participant leave payload: %w", err)
		}
		s.pLeaveCbs.forEach(func(id uint64, cb ParticipantLeaveCb) {
			if !cb(&pm) {
				s.pLeaveCbs.remove(id)
			}
		})
	}
	return true, nil
}

func (s *Signal) userInfo(closer async.CloseSignal) (*UserInfoMessage, error) {
	return s.readyBox.Get(closer)
}

// ID returns the socket id assigned by the server, blocking until the
// ready envelope arrives.
func (s *Signal) ID(closer async.CloseSignal) (string, error) {
	ui, err := s.userInfo(closer)
	if err != nil {
		return "", err
	}
	return ui.SocketID, nil
}

func (s *Signal) UserID(closer async.CloseSignal) (string, error) {
	ui, err := s.userInfo(closer)
	if err != nil {
		return "", err
	}
	return ui.UserID, nil
}

func (s *Signal) UserName(closer async.CloseSignal) (string, error) {
	ui, err := s.userInfo(closer)
	if err != nil {
		return "", err
	}
	return ui.UserName, nil
}

func (s *Signal) Role(closer async.CloseSignal) (string, error) {
	ui, err := s.userInfo(closer)
	if err != nil {
		return "", err
	}
	return ui.Role, nil
}

// Rooms returns the rooms this socket is currently joined to.
func (s *Signal) Rooms() []string {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	return out
}

// InRoom reports whether the socket is joined to room.
func (s *Signal) InRoom(room string) bool {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

// Join asks the server to add this socket to the given rooms. A
// rejection surfaces as *ServerError and leaves the room set
// unchanged.
func (s *Signal) Join(closer async.CloseSignal, rooms ...string) error {
	if len(rooms) == 0 {
		return nil
	}
	if err := s.Connect(closer); err != nil {
		return err
	}
	msg, err := s.raw.CreateMsg("join", JoinMessage{Rooms: rooms}, true)
	if err != nil {
		return err
	}
	if _, err := s.raw.SendMsg(closer, msg); err != nil {
		return err
	}
	s.roomMu.Lock()
	for _, room := range rooms {
		s.rooms[room] = struct{}{}
	}
	s.roomMu.Unlock()
	return nil
}

// Leave asks the server to remove this socket from the given rooms.
func (s *Signal) Leave(closer async.CloseSignal, rooms ...string) error {
	if len(rooms) == 0 {
		return nil
	}
	if err := s.Connect(closer); err != nil {
		return err
	}
	msg, err := s.raw.CreateMsg("leave", LeaveMessage{Rooms: rooms}, true)
	if err != nil {
		return err
	}
	if _, err := s.raw.SendMsg(closer, msg); err != nil {
		return err
	}
	s.roomMu.Lock()
	for _, room := range rooms {
		delete(s.rooms, room)
	}
	s.roomMu.Unlock()
	return nil
}

// SendCandidate forwards an ICE candidate to the peer side.
func (s *Signal) SendCandidate(closer async.CloseSignal, msg *CandidateMessage) error {
	if err := s.Connect(closer); err != nil {
		return err
	}
	raw, err := s.raw.CreateMsg("candidate", msg, true)
	if err != nil {
		return err
	}
	_, err = s.raw.SendMsg(closer, raw)
	return err
}

func (s *Signal) OnCandidate(cb CandCb) uint64 {
	id := s.nextCbID.Add(1) - 1
	s.candCbs.add(id, cb)
	return id
}

func (s *Signal) OffCandidate(id uint64) {
	s.candCbs.remove(id)
}

// SendSdp forwards a session description to the peer side.
func (s *Signal) SendSdp(closer async.CloseSignal, msg *SdpMessage) error {
	if err := s.Connect(closer); err != nil {
		return err
	}
	raw, err := s.raw.CreateMsg("sdp", msg, true)
	if err != nil {
		return err
	}
	_, err = s.raw.SendMsg(closer, raw)
	return err
}

func (s *Signal) OnSdp(cb SdpCb) uint64 {
	id := s.nextCbID.Add(1) - 1
	s.sdpCbs.add(id, cb)
	return id
}

func (s *Signal) OffSdp(id uint64) {
	s.sdpCbs.remove(id)
}

func (s *Signal) OnParticipantJoin(cb ParticipantJoinCb) uint64 {
	id := s.nextCbID.Add(1) - 1
	s.pJoinCbs.add(id, cb)
	return id
}

func (s *Signal) OffParticipantJoin(id uint64) {
	s.pJoinCbs.remove(id)
}

func (s *Signal) OnParticipantLeave(cb ParticipantLeaveCb) uint64 {
	id := s.nextCbID.Add(1) - 1
	s.pLeaveCbs.add(id, cb)
	return id
}

func (s *Signal) OffParticipantLeave(id uint64) {
	s.pLeaveCbs.remove(id)
}

// Subscribe sends the subscribe request and returns its result id.
// The subscribed envelope matching that id is collected in the
// background; consume it with WaitSubscribed.
func (s *Signal) Subscribe(closer async.CloseSignal, msg *SubscribeMessage) (*SubscribeResultMessage, error) {
	if err := s.Connect(closer); err != nil {
		return nil, err
	}
	lazySubID := async.NewLazyBox[string]()
	subscribedCh := make(chan *SubscribedMessage, 16)
	cbID := s.raw.OnMsg(func(m *RawMessage, acker RawAcker) (bool, error) {
		if m.Evt != "subscribed" {
			return true, nil
		}
		// cheap peek before the full decode
		if gjson.GetBytes(m.Payload, "subId").String() == "" {
			return true, nil
		}
		var sm SubscribedMessage
		if err := json.Unmarshal(m.Payload, &sm); err != nil {
			return true, fmt.Errorf("unable to decode subscribed payload: %w", err)
		}
		if !async.MaybeWrite(subscribedCh, &sm) {
			s.logger.Warnw("dropping subscribed msg, matcher is saturated", "subId", sm.SubID)
		}
		return true, nil
	})
	watch := s.raw.NotifyCloser()
	go func() {
		defer s.raw.OffMsg(cbID)
		defer watch.TryClose("subscribed matcher done")
		subID, err := lazySubID.Get(watch)
		if err != nil || subID == "" {
			return
		}
		for {
			sm, ok := async.ChanRead(watch, subscribedCh)
			if !ok {
				return
			}
			if sm.SubID != subID {
				continue
			}
			s.subMu.Lock()
			box, ok := s.subscribedBoxes[subID]
			s.subMu.Unlock()
			if ok {
				box.Init(sm)
			}
			return
		}
	}()
	raw, err := s.raw.CreateMsg("subscribe", msg, true)
	if err != nil {
		lazySubID.Init("")
		return nil, err
	}
	res, err := s.raw.SendMsg(closer, raw)
	if err != nil {
		lazySubID.Init("")
		return nil, err
	}
	var subRes SubscribeResultMessage
	if err := json.Unmarshal(res, &subRes); err != nil {
		lazySubID.Init("")
		return nil, fmt.Errorf("unable to decode subscribe result: %w", err)
	}
	if subRes.ID == "" {
		lazySubID.Init("")
		return nil, errors.New("no id found on the subscribe ack msg")
	}
	s.subMu.Lock()
	s.subscribedBoxes[subRes.ID] = async.NewLazyBox[*SubscribedMessage]()
	s.subMu.Unlock()
	lazySubID.Init(subRes.ID)
	return &subRes, nil
}

// Unsubscribe revokes a subscription.
func (s *Signal) Unsubscribe(closer async.CloseSignal, subID string) error {
	if err := s.Connect(closer); err != nil {
		return err
	}
	raw, err := s.raw.CreateMsg("subscribe", SubscribeMessage{Op: SubscribeOpRemove, ID: subID}, true)
	if err != nil {
		return err
	}
	_, err = s.raw.SendMsg(closer, raw)
	return err
}

// WaitSubscribed consumes the subscribed envelope for a subscribe
// result, exactly once.
func (s *Signal) WaitSubscribed(closer async.CloseSignal, res *SubscribeResultMessage) (*SubscribedMessage, error) {
	s.subMu.Lock()
	box, ok := s.subscribedBoxes[res.ID]
	if ok {
		delete(s.subscribedBoxes, res.ID)
	}
	s.subMu.Unlock()
	if !ok {
		return nil, errors.New("call subscribe at first")
	}
	return box.Get(closer)
}

// PublishHandle binds a publication to its published envelopes. Close
// deregisters the underlying callback.
type PublishHandle struct {
	ID        string
	ch        chan *PublishedMessage
	raw       RawSignal
	cbID      uint64
	closeOnce sync.Once
}

// WaitPublished suspends until the server confirms the publication.
func (h *PublishHandle) WaitPublished(closer async.CloseSignal) (*PublishedMessage, error) {
	return async.ChanReadOrErr(closer, h.ch)
}

func (h *PublishHandle) Close() {
	h.closeOnce.Do(func() {
		h.raw.OffMsg(h.cbID)
	})
}

// Publish sends the publish request and returns a handle bound to the
// publication.
func (s *Signal) Publish(closer async.CloseSignal, msg *PublishAddMessage) (*PublishHandle, error) {
	if err := s.Connect(closer); err != nil {
		return nil, err
	}
	raw, err := s.raw.CreateMsg("publish", msg, true)
	if err != nil {
		return nil, err
	}
	res, err := s.raw.SendMsg(closer, raw)
	if err != nil {
		return nil, err
	}
	var pubRes PublishResultMessage
	if err := json.Unmarshal(res, &pubRes); err != nil {
		return nil, fmt.Errorf("unable to decode publish result: %w", err)
	}
	ch := make(chan *PublishedMessage, 16)
	cbID := s.raw.OnMsg(func(m *RawMessage, acker RawAcker) (bool, error) {
		if m.Evt != "published" {
			return true, nil
		}
		var pm PublishedMessage
		if err := json.Unmarshal(m.Payload, &pm); err != nil {
			return true, fmt.Errorf("unable to decode published payload: %w", err)
		}
		if pm.PubID == pubRes.ID {
			async.MaybeWrite(ch, &pm)
		}
		return true, nil
	})
	return &PublishHandle{ID: pubRes.ID, ch: ch, raw: s.raw, cbID: cbID}, nil
}

// Unpublish removes a publication.
func (s *Signal) Unpublish(closer async.CloseSignal, pubID string) error {
	if err := s.Connect(closer); err != nil {
		return err
	}
	raw, err := s.raw.CreateMsg("publish", PublishAddMessage{Op: PublishOpRemove, ID: pubID}, true)
	if err != nil {
		return err
	}
	_, err = s.raw.SendMsg(closer, raw)
	return err
}

// CreateMessage allocates a custom message addressed to a socket in a
// room.
func (s *Signal) CreateMessage(evt string, ack bool, room, to, payload string) *Message {
	return &Message{
		evt:      evt,
		ack:      ack,
		room:     room,
		socketID: to,
		payload:  payload,
		msgID:    s.nextCustomMsgID.Add(1) - 1,
	}
}

// SendMessage delivers a custom message. When the message requests an
// ack the call suspends until the receiver replies and returns the
// reply payload; receiver-reported failures surface as *ServerError.
func (s *Signal) SendMessage(closer async.CloseSignal, msg *Message) (string, error) {
	if err := s.Connect(closer); err != nil {
		return "", err
	}
	cm := CustomMessage{
		Router:  Router{Room: msg.room, SocketTo: msg.socketID},
		Content: msg.payload,
		MsgID:   msg.msgID,
		Ack:     msg.ack,
	}
	key := customAckKey{id: msg.msgID, room: msg.room, socket: msg.socketID}
	var ackCh chan *CustomAckMessage
	if msg.ack {
		ackCh = make(chan *CustomAckMessage, 1)
		s.ackMu.Lock()
		s.customAckChs[key] = ackCh
		s.ackMu.Unlock()
	}
	raw, err := s.raw.CreateMsg(customEvtPrefix+msg.evt, cm, false)
	if err != nil {
		s.dropCustomAckSlot(key)
		return "", err
	}
	if _, err := s.raw.SendMsg(closer, raw); err != nil {
		s.dropCustomAckSlot(key)
		return "", err
	}
	if !msg.ack {
		return "", nil
	}
	child := closer.CreateChild()
	defer child.TryClose("custom ack awaited")
	child.DependOn(s.notify, "")
	am, err := async.ChanReadOrErr(child, ackCh)
	if err != nil {
		s.dropCustomAckSlot(key)
		return "", err
	}
	if am.Err {
		var seo ServerErrorObject
		if uerr := json.Unmarshal([]byte(am.Content), &seo); uerr != nil {
			return "", fmt.Errorf("unable to decode custom ack error: %w", uerr)
		}
		return "", NewServerError(seo)
	}
	return am.Content, nil
}

func (s *Signal) dropCustomAckSlot(key customAckKey) {
	s.ackMu.Lock()
	delete(s.customAckChs, key)
	s.ackMu.Unlock()
}

// sendCustomAck replies to a delivered message; the reply itself never
// asks for an ack.
func (s *Signal) sendCustomAck(closer async.CloseSignal, msg *Message, content string, isErr bool) error {
	am := CustomAckMessage{
		Router:  Router{Room: msg.room, SocketTo: msg.socketID},
		MsgID:   msg.msgID,
		Content: content,
		Err:     isErr,
	}
	raw, err := s.raw.CreateMsg("custom-ack", am, false)
	if err != nil {
		return err
	}
	_, err = s.raw.SendMsg(closer, raw)
	return err
}

// OnMessage registers a custom message callback; returning false from
// the callback deregisters it.
func (s *Signal) OnMessage(cb MsgCb) uint64 {
	id := s.nextCbID.Add(1) - 1
	s.customCbs.add(id, cb)
	return id
}

func (s *Signal) OffMessage(id uint64) {
	s.customCbs.remove(id)
}
