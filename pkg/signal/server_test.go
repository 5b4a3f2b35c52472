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
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// testToken describes the rights granted to one connecting user.
type testToken struct {
	userID   string
	userName string
	role     string
	scope    string // a room name or a "prefix.*" wildcard
	autoJoin bool
}

type testSocket struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	rooms   map[string]struct{}
	token   testToken
}

func (s *testSocket) writeFrame(evt string, msgID uint64, flag WsMsgFlag, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, encodeFrame(evt, msgID, flag, raw))
}

// testServer is an in-process signal server speaking the wire format:
// ready envelope, join rights, custom message routing, ping/pong
// forwarding and scripted subscribe replies.
type testServer struct {
	t        *testing.T
	httpSrv  *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	tokens    map[string]testToken
	sockets   map[string]*testSocket
	nextSubID int
	nextMsgID uint64

	// onSubscribe scripts the subscribed envelope for a subscribe
	// request; nil acks without a follow-up.
	onSubscribe func(socket *testSocket, subID string, msg *SubscribeMessage)
}

func newTestServer(t *testing.T) *testServer {
	s := &testServer{
		t:         t,
		tokens:    map[string]testToken{},
		sockets:   map[string]*testSocket{},
		nextMsgID: 2,
	}
	s.httpSrv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.httpSrv.Close)
	return s
}

func (s *testServer) url() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http") + "/ws"
}

// grantToken registers a token scoped to one room (or wildcard).
func (s *testServer) grantToken(uid, scope string, autoJoin bool) string {
	token := fmt.Sprintf("token-%s-%s-%v", uid, scope, autoJoin)
	s.mu.Lock()
	s.tokens[token] = testToken{userID: uid, userName: uid, role: "test", scope: scope, autoJoin: autoJoin}
	s.mu.Unlock()
	return token
}

func (s *testServer) allocMsgID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextMsgID
	s.nextMsgID += 2
	return id
}

func (s *testServer) socketByID(id string) *testSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockets[id]
}

func roomAllowed(scope, room string) bool {
	if scope == room {
		return true
	}
	if strings.HasSuffix(scope, ".*") {
		return strings.HasPrefix(room, strings.TrimSuffix(scope, "*"))
	}
	return false
}

func (s *testServer) handle(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	s.mu.Lock()
	info, ok := s.tokens[token]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Header.Get("Signal-Id") == "" {
		http.Error(w, "missing signal id", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	socketID := r.URL.Query().Get("id")
	if socketID == "" {
		socketID = fmt.Sprintf("socket-%s", r.Header.Get("Signal-Id"))
	}
	socket := &testSocket{id: socketID, conn: conn, rooms: map[string]struct{}{}, token: info}
	var rooms []string
	if info.autoJoin {
		socket.rooms[info.scope] = struct{}{}
		rooms = []string{info.scope}
	}
	s.mu.Lock()
	s.sockets[socketID] = socket
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sockets, socketID)
		s.mu.Unlock()
		conn.Close()
	}()
	socket.writeFrame("ready", s.allocMsgID(), FlagNoAck, UserInfoMessage{
		SocketID: socketID,
		Key:      info.userID,
		UserID:   info.userID,
		UserName: info.userName,
		Role:     info.role,
		Rooms:    rooms,
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		evt, msgID, flag, payload, err := decodeFrame(data)
		if err != nil {
			continue
		}
		s.handleFrame(socket, evt, msgID, flag, payload)
	}
}

func (s *testServer) handleFrame(socket *testSocket, evt string, msgID uint64, flag WsMsgFlag, payload []byte) {
	switch {
	case evt == "join":
		var jm JoinMessage
		json.Unmarshal(payload, &jm)
		for _, room := range jm.Rooms {
			if !roomAllowed(socket.token.scope, room) {
				socket.writeFrame("", msgID, FlagAckErr, ServerErrorObject{
					Code: 403,
					Msg:  fmt.Sprintf("no right for room %s", room),
				})
				return
			}
		}
		for _, room := range jm.Rooms {
			socket.rooms[room] = struct{}{}
		}
		socket.writeFrame("", msgID, FlagAckNormal, struct{}{})
	case evt == "leave":
		var lm LeaveMessage
		json.Unmarshal(payload, &lm)
		for _, room := range lm.Rooms {
			delete(socket.rooms, room)
		}
		socket.writeFrame("", msgID, FlagAckNormal, struct{}{})
	case evt == "subscribe":
		var sm SubscribeMessage
		json.Unmarshal(payload, &sm)
		if sm.Op == SubscribeOpRemove {
			socket.writeFrame("", msgID, FlagAckNormal, struct{}{})
			return
		}
		s.mu.Lock()
		s.nextSubID++
		subID := fmt.Sprintf("sub-%d", s.nextSubID)
		onSubscribe := s.onSubscribe
		s.mu.Unlock()
		socket.writeFrame("", msgID, FlagAckNormal, SubscribeResultMessage{ID: subID})
		if onSubscribe != nil {
			go onSubscribe(socket, subID, &sm)
		}
	case evt == "ping" || evt == "pong":
		var pm PingMessage
		json.Unmarshal(payload, &pm)
		target := s.socketByID(pm.Router.SocketTo)
		if target == nil {
			return
		}
		pm.Router.SocketFrom = socket.id
		pm.Router.SocketTo = ""
		target.writeFrame(evt, s.allocMsgID(), FlagNoAck, pm)
	case evt == "custom-ack":
		var am CustomAckMessage
		json.Unmarshal(payload, &am)
		target := s.socketByID(am.Router.SocketTo)
		if target == nil {
			return
		}
		am.Router.SocketFrom = socket.id
		am.Router.SocketTo = ""
		target.writeFrame("custom-ack", s.allocMsgID(), FlagNoAck, am)
	case strings.HasPrefix(evt, "custom:"):
		var cm CustomMessage
		json.Unmarshal(payload, &cm)
		target := s.socketByID(cm.Router.SocketTo)
		if target == nil {
			return
		}
		cm.Router.SocketFrom = socket.id
		cm.Router.SocketTo = ""
		target.writeFrame(evt, s.allocMsgID(), FlagNoAck, cm)
	default:
		if flag == FlagNeedAck {
			socket.writeFrame("", msgID, FlagAckNormal, struct{}{})
		}
	}
}
