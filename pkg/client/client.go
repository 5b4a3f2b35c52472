// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package client

import (
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/rapidaai/conference-client-go/pkg/async"
	"github.com/rapidaai/conference-client-go/pkg/commons"
	"github.com/rapidaai/conference-client-go/pkg/config"
	"github.com/rapidaai/conference-client-go/pkg/rtc"
	"github.com/rapidaai/conference-client-go/pkg/signal"
)

// Client is the user-facing facade: a signal plus the webrtc
// negotiation layer, sharing one root closer.
type Client struct {
	conf   config.Configuration
	logger commons.Logger
	closer async.CloseSignal
	signal *signal.Signal
	webrtc *rtc.Webrtc
}

// NewClient builds a client from the configuration. Closing the given
// closer (or calling Close) shuts everything down.
func NewClient(closer async.CloseSignal, conf config.Configuration, logger commons.Logger) *Client {
	if closer.IsNil() {
		closer = async.NewCloseSignal()
	}
	if logger == nil {
		logger = commons.NopLogger()
	}
	sig := signal.NewWebsocketSignal(closer, conf.Signal, logger)
	c := &Client{
		conf:   conf,
		logger: logger,
		closer: closer,
		signal: sig,
		webrtc: rtc.NewWebrtc(sig, conf, logger),
	}
	// the signal closer is a child of closer, so either close tears down the peer
	sig.Closer().AfterClose(c.webrtc.Close)
	return c
}

// Signal exposes the envelope layer for message-level use.
func (c *Client) Signal() *signal.Signal {
	return c.signal
}

// Closer owns the client; closing it cancels everything.
func (c *Client) Closer() async.CloseSignal {
	return c.signal.Closer()
}

// NotifyCloser observes the client's close without owning it.
func (c *Client) NotifyCloser() async.CloseSignal {
	return c.signal.NotifyCloser()
}

// Connect dials the signal server and waits for the ready envelope.
// An optional socket id asks the server to adopt it.
func (c *Client) Connect(closer async.CloseSignal, socketID ...string) error {
	return c.signal.Connect(closer, socketID...)
}

func (c *Client) ID(closer async.CloseSignal) (string, error) {
	return c.signal.ID(closer)
}

func (c *Client) UserID(closer async.CloseSignal) (string, error) {
	return c.signal.UserID(closer)
}

func (c *Client) UserName(closer async.CloseSignal) (string, error) {
	return c.signal.UserName(closer)
}

func (c *Client) Role(closer async.CloseSignal) (string, error) {
	return c.signal.Role(closer)
}

func (c *Client) Rooms() []string {
	return c.signal.Rooms()
}

func (c *Client) Join(closer async.CloseSignal, rooms ...string) error {
	return c.signal.Join(closer, rooms...)
}

func (c *Client) Leave(closer async.CloseSignal, rooms ...string) error {
	return c.signal.Leave(closer, rooms...)
}

// OnMessage registers a custom message callback.
func (c *Client) OnMessage(cb signal.MsgCb) uint64 {
	return c.signal.OnMessage(cb)
}

func (c *Client) OffMessage(id uint64) {
	c.signal.OffMessage(id)
}

// SendMessage delivers a custom message to a socket in a room; with
// ack set it returns the receiver's reply payload.
func (c *Client) SendMessage(closer async.CloseSignal, evt string, ack bool, room, to, payload string) (string, error) {
	return c.signal.SendMessage(closer, c.signal.CreateMessage(evt, ack, room, to, payload))
}

// KeepAlive runs a ping/pong loop against another socket.
func (c *Client) KeepAlive(closer async.CloseSignal, room, socketID string, active bool, timeout time.Duration, cb signal.KeepAliveCb) error {
	return c.signal.KeepAlive(closer, room, socketID, active, timeout, cb)
}

// Subscribe requests the tracks matched by pattern and returns the
// assembled subscription.
func (c *Client) Subscribe(closer async.CloseSignal, pattern signal.Pattern, reqTypes []string) (*rtc.Subscription, error) {
	return c.webrtc.Subscribe(closer, pattern, reqTypes)
}

func (c *Client) Unsubscribe(closer async.CloseSignal, subID string) error {
	return c.webrtc.Unsubscribe(closer, subID)
}

// Publish negotiates local tracks into the peer and then announces them.
func (c *Client) Publish(closer async.CloseSignal, locals []pionwebrtc.TrackLocal, labels map[string]string) (*rtc.Publication, error) {
	return c.webrtc.Publish(closer, locals, labels)
}

// Close shuts the client down: the peer connection is torn down and
// the signal closed, cancelling all pending operations.
func (c *Client) Close() {
	c.webrtc.Close()
	c.signal.Close()
}
