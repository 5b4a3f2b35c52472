// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/conference-client-go/pkg/async"
	"github.com/rapidaai/conference-client-go/pkg/commons"
	"github.com/rapidaai/conference-client-go/pkg/config"
)

// WsMsgFlag is the third field of a wire frame.
type WsMsgFlag int

const (
	FlagAckNormal WsMsgFlag = 0
	FlagAckErr    WsMsgFlag = 1
	FlagNeedAck   WsMsgFlag = 2
	FlagNoAck     WsMsgFlag = 4
)

// encodeFrame renders the text frame `event;msg_id;flag;payload_json`.
// The event is empty for ack frames.
func encodeFrame(evt string, msgID uint64, flag WsMsgFlag, payload []byte) []byte {
	var b strings.Builder
	b.Grow(len(evt) + len(payload) + 24)
	b.WriteString(evt)
	b.WriteByte(';')
	b.WriteString(strconv.FormatUint(msgID, 10))
	b.WriteByte(';')
	b.WriteString(strconv.Itoa(int(flag)))
	b.WriteByte(';')
	b.Write(payload)
	return []byte(b.String())
}

// decodeFrame splits a wire frame. The payload is the remainder after
// the third separator, verbatim.
func decodeFrame(data []byte) (evt string, msgID uint64, flag WsMsgFlag, payload []byte, err error) {
	s := string(data)
	p1 := strings.IndexByte(s, ';')
	if p1 < 0 {
		return "", 0, 0, nil, fmt.Errorf("malformed frame: %q", truncateFrame(s))
	}
	p2 := strings.IndexByte(s[p1+1:], ';')
	if p2 < 0 {
		return "", 0, 0, nil, fmt.Errorf("malformed frame: %q", truncateFrame(s))
	}
	p2 += p1 + 1
	p3 := strings.IndexByte(s[p2+1:], ';')
	if p3 < 0 {
		return "", 0, 0, nil, fmt.Errorf("malformed frame: %q", truncateFrame(s))
	}
	p3 += p2 + 1
	evt = s[:p1]
	msgID, err = strconv.ParseUint(s[p1+1:p2], 10, 64)
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("malformed msg id in frame: %w", err)
	}
	rawFlag, err := strconv.Atoi(s[p2+1 : p3])
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("malformed flag in frame: %w", err)
	}
	return evt, msgID, WsMsgFlag(rawFlag), data[p3+1:], nil
}

func truncateFrame(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}

// RawMessage is one message of the wire layer.
type RawMessage struct {
	MsgID   uint64
	Evt     string
	Payload json.RawMessage
	Ack     bool
}

// RawAcker replies to a message that requested an ack. For messages
// that did not, both methods are no-ops.
type RawAcker interface {
	Ack(closer async.CloseSignal, payload any) error
	AckErr(closer async.CloseSignal, seo *ServerErrorObject) error
}

// RawMsgCb handles an inbound raw message. Returning false
// deregisters the callback.
type RawMsgCb func(msg *RawMessage, acker RawAcker) (bool, error)

// RawSignal is the wire layer: websocket framing, msg-id correlation
// and per-message ack slots.
type RawSignal interface {
	// ID is the client uuid sent as the Signal-Id handshake header.
	ID() string
	// Connect dials the server. A non-empty socketID asks the server
	// to adopt it as this connection's socket id.
	Connect(closer async.CloseSignal, socketID string) error
	// SendMsg writes the message. When the message wants an ack the
	// call suspends on the ack slot and returns the ack payload;
	// ack-error frames surface as *ServerError.
	SendMsg(closer async.CloseSignal, msg *RawMessage) (json.RawMessage, error)
	// CreateMsg allocates a client-originated message. Client msg ids
	// are odd, monotonically increasing by 2 from 1.
	CreateMsg(evt string, payload any, ack bool) (*RawMessage, error)
	OnMsg(cb RawMsgCb) uint64
	OffMsg(id uint64)
	// NotifyCloser observes the raw signal's close without owning it.
	NotifyCloser() async.CloseSignal
	// Closer owns the raw signal: closing it shuts the websocket.
	Closer() async.CloseSignal
	Close()
}

// cbRegistry is a callback map supporting re-entrant deregistration
// while a dispatch loop is running (lazy remove).
type cbRegistry[V any] struct {
	mu      sync.Mutex
	items   map[uint64]V
	order   []uint64
	looping int
	removed map[uint64]struct{}
}

func newCbRegistry[V any]() *cbRegistry[V] {
	return &cbRegistry[V]{items: map[uint64]V{}, removed: map[uint64]struct{}{}}
}

func (r *cbRegistry[V]) add(id uint64, v V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id] = v
	r.order = append(r.order, id)
}

func (r *cbRegistry[V]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.looping > 0 {
		r.removed[id] = struct{}{}
		return
	}
	r.dropLocked(id)
}

func (r *cbRegistry[V]) dropLocked(id uint64) {
	delete(r.items, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// forEach snapshots the registry and invokes cb for each live entry in
// registration order. Entries removed re-entrantly are dropped once
// every loop has completed.
func (r *cbRegistry[V]) forEach(cb func(id uint64, v V)) {
	r.mu.Lock()
	r.looping++
	ids := append([]uint64(nil), r.order...)
	r.mu.Unlock()
	for _, id := range ids {
		r.mu.Lock()
		v, ok := r.items[id]
		_, gone := r.removed[id]
		r.mu.Unlock()
		if !ok || gone {
			continue
		}
		cb(id, v)
	}
	r.mu.Lock()
	r.looping--
	if r.looping == 0 {
		for id := range r.removed {
			r.dropLocked(id)
		}
		r.removed = map[uint64]struct{}{}
	}
	r.mu.Unlock()
}

type wsAck struct {
	payload json.RawMessage
	err     bool
}

type websocketRawSignal struct {
	conf   config.SignalConfigure
	logger commons.Logger
	id     string

	closer async.CloseSignal

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected bool

	writeMu sync.Mutex

	nextMsgID  atomic.Uint64
	nextCbID   atomic.Uint64
	msgCbs     *cbRegistry[RawMsgCb]

	ackMu  sync.Mutex
	ackChs map[uint64]chan wsAck

	listenMu      sync.Mutex
	listenClosers map[async.CloseSignal]struct{}
}

// NewWebsocketRawSignal builds the wire layer over a gorilla
// websocket. The signal owns a child of closer: closing either shuts
// the websocket.
func NewWebsocketRawSignal(closer async.CloseSignal, conf config.SignalConfigure, logger commons.Logger) RawSignal {
	if logger == nil {
		logger = commons.NopLogger()
	}
	s := &websocketRawSignal{
		conf:          conf,
		logger:        commons.Category(logger, "websocket"),
		id:            uuid.New().String(),
		closer:        closer.CreateChild(),
		msgCbs:        newCbRegistry[RawMsgCb](),
		ackChs:        map[uint64]chan wsAck{},
		listenClosers: map[async.CloseSignal]struct{}{},
	}
	s.nextMsgID.Store(1)
	return s
}

func (s *websocketRawSignal) ID() string {
	return s.id
}

func (s *websocketRawSignal) CreateMsg(evt string, payload any, ack bool) (*RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal %s payload: %w", evt, err)
	}
	msgID := s.nextMsgID.Add(2) - 2
	return &RawMessage{MsgID: msgID, Evt: evt, Payload: raw, Ack: ack}, nil
}

func (s *websocketRawSignal) Connect(closer async.CloseSignal, socketID string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.connected {
		return nil
	}
	if s.closer.IsClosed() {
		return async.NewCancelError(s.closer)
	}
	dialURL := s.conf.URL
	if socketID != "" {
		parsed, err := url.Parse(dialURL)
		if err != nil {
			return fmt.Errorf("invalid signal url %s: %w", dialURL, err)
		}
		query := parsed.Query()
		query.Set("id", socketID)
		parsed.RawQuery = query.Encode()
		dialURL = parsed.String()
	}
	header := http.Header{}
	header.Set("Authorization", s.conf.Token)
	header.Set("Signal-Id", s.id)
	dialer := &websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	dial := func() (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(closer.Context(), dialURL, header)
		if err != nil {
			if resp != nil {
				err = fmt.Errorf("websocket handshake with %s failed (%s): %w", dialURL, resp.Status, err)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return nil, backoff.Permanent(err)
				}
				return nil, err
			}
			return nil, fmt.Errorf("websocket dial %s failed: %w", dialURL, err)
		}
		return conn, nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), closer.Context())
	conn, err := backoff.RetryWithData(dial, bo)
	if err != nil {
		if closer.IsClosed() {
			return async.NewCancelError(closer)
		}
		return err
	}
	s.conn = conn
	s.connected = true
	s.run()
	return nil
}

// run spawns the closer watcher and the reader loop.
func (s *websocketRawSignal) run() {
	go func() {
		s.closer.Await()
		reason := s.closer.CloseReason()
		if reason == "" {
			s.logger.Debug("the raw signal closed")
		} else {
			s.logger.Debugf("the raw signal closed, %s", reason)
		}
		s.processListenClosers(reason)
		s.conn.Close()
	}()
	go func() {
		for {
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				s.closer.TryClose(err.Error())
				return
			}
			evt, msgID, flag, payload, err := s.decodeAndLog(data)
			if err != nil {
				continue
			}
			if flag == FlagAckNormal || flag == FlagAckErr {
				s.deliverAck(msgID, wsAck{payload: append([]byte(nil), payload...), err: flag == FlagAckErr})
				continue
			}
			msg := &RawMessage{
				MsgID:   msgID,
				Evt:     evt,
				Payload: append([]byte(nil), payload...),
				Ack:     flag == FlagNeedAck,
			}
			acker := makeAcker(s, msg.Ack, msgID)
			s.msgCbs.forEach(func(id uint64, cb RawMsgCb) {
				keep, err := cb(msg, acker)
				if err != nil {
					if async.IsCancelError(err) {
						s.logger.Debugf("msg callback canceled, %v", err)
					} else {
						s.logger.Errorf("msg callback failed, %v", err)
					}
					return
				}
				if !keep {
					s.msgCbs.remove(id)
				}
			})
		}
	}()
}

func (s *websocketRawSignal) decodeAndLog(data []byte) (string, uint64, WsMsgFlag, []byte, error) {
	evt, msgID, flag, payload, err := decodeFrame(data)
	if err != nil {
		s.logger.Warnf("dropping frame: %v", err)
		return "", 0, 0, nil, err
	}
	return evt, msgID, flag, payload, nil
}

func (s *websocketRawSignal) deliverAck(msgID uint64, ack wsAck) {
	s.ackMu.Lock()
	ch, ok := s.ackChs[msgID]
	if ok {
		delete(s.ackChs, msgID)
	}
	s.ackMu.Unlock()
	if ok {
		async.MustWrite(ch, ack)
	}
}

func (s *websocketRawSignal) writeFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *websocketRawSignal) SendMsg(closer async.CloseSignal, msg *RawMessage) (json.RawMessage, error) {
	child := closer.CreateChild()
	defer child.TryClose("send done")
	s.registerListenCloser(child)
	defer s.unregisterListenCloser(child)
	flag := FlagNoAck
	var ackCh chan wsAck
	if msg.Ack {
		flag = FlagNeedAck
		ackCh = make(chan wsAck, 1)
		s.ackMu.Lock()
		s.ackChs[msg.MsgID] = ackCh
		s.ackMu.Unlock()
	}
	frame := encodeFrame(msg.Evt, msg.MsgID, flag, msg.Payload)
	if err := s.writeFrame(frame); err != nil {
		s.dropAckSlot(msg.MsgID)
		s.closer.TryClose(err.Error())
		return nil, fmt.Errorf("unable to write %s frame: %w", msg.Evt, err)
	}
	if !msg.Ack {
		return nil, nil
	}
	ack, err := async.ChanReadOrErr(child, ackCh)
	if err != nil {
		s.dropAckSlot(msg.MsgID)
		return nil, err
	}
	if ack.err {
		var seo ServerErrorObject
		if err := json.Unmarshal(ack.payload, &seo); err != nil {
			return nil, fmt.Errorf("unable to decode ack error: %w", err)
		}
		return nil, NewServerError(seo)
	}
	return ack.payload, nil
}

func (s *websocketRawSignal) dropAckSlot(msgID uint64) {
	s.ackMu.Lock()
	delete(s.ackChs, msgID)
	s.ackMu.Unlock()
}

func (s *websocketRawSignal) OnMsg(cb RawMsgCb) uint64 {
	id := s.nextCbID.Add(1) - 1
	s.msgCbs.add(id, cb)
	return id
}

func (s *websocketRawSignal) OffMsg(id uint64) {
	s.msgCbs.remove(id)
}

func (s *websocketRawSignal) NotifyCloser() async.CloseSignal {
	return s.closer.CreateChild()
}

func (s *websocketRawSignal) Closer() async.CloseSignal {
	return s.closer
}

func (s *websocketRawSignal) Close() {
	s.closer.TryClose("")
}

// registerListenCloser subscribes a per-send closer to the transport
// lifetime: a transport failure cancels every in-flight send with the
// failure reason.
func (s *websocketRawSignal) registerListenCloser(closer async.CloseSignal) {
	if s.closer.IsClosed() {
		closer.TryClose(s.closer.CloseReason())
		return
	}
	s.listenMu.Lock()
	s.listenClosers[closer] = struct{}{}
	s.listenMu.Unlock()
}

func (s *websocketRawSignal) unregisterListenCloser(closer async.CloseSignal) {
	s.listenMu.Lock()
	delete(s.listenClosers, closer)
	s.listenMu.Unlock()
}

func (s *websocketRawSignal) processListenClosers(reason string) {
	s.listenMu.Lock()
	closers := make([]async.CloseSignal, 0, len(s.listenClosers))
	for c := range s.listenClosers {
		closers = append(closers, c)
	}
	s.listenClosers = map[async.CloseSignal]struct{}{}
	s.listenMu.Unlock()
	for _, c := range closers {
		c.TryClose(reason)
	}
}

type wsAcker struct {
	signal *websocketRawSignal
	msgID  uint64
}

func makeAcker(s *websocketRawSignal, ack bool, msgID uint64) RawAcker {
	if !ack {
		return fakeAcker{}
	}
	return &wsAcker{signal: s, msgID: msgID}
}

func (a *wsAcker) Ack(closer async.CloseSignal, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("unable to marshal ack payload: %w", err)
	}
	return a.signal.writeFrame(encodeFrame("", a.msgID, FlagAckNormal, raw))
}

func (a *wsAcker) AckErr(closer async.CloseSignal, seo *ServerErrorObject) error {
	raw, err := json.Marshal(seo)
	if err != nil {
		return fmt.Errorf("unable to marshal ack error payload: %w", err)
	}
	return a.signal.writeFrame(encodeFrame("", a.msgID, FlagAckErr, raw))
}

type fakeAcker struct{}

func (fakeAcker) Ack(async.CloseSignal, any) error                 { return nil }
func (fakeAcker) AckErr(async.CloseSignal, *ServerErrorObject) error { return nil }
