// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package rtc

import (
	"fmt"
	"sync"

	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/rapidaai/conference-client-go/pkg/async"
	"github.com/rapidaai/conference-client-go/pkg/signal"
	"github.com/rapidaai/conference-client-go/pkg/track"
)

// Subscription is a server-confirmed grant of media tracks, bound to
// the peer's media sections by bind id == mid.
type Subscription struct {
	SubID  string
	PubID  string
	Tracks []*track.Track

	webrtc    *Webrtc
	closeOnce sync.Once
}

// Unsubscribe revokes the subscription on the server side.
func (s *Subscription) Unsubscribe(closer async.CloseSignal) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.webrtc.signal.Unsubscribe(closer, s.SubID)
	})
	return err
}

// Subscribe runs the full subscribe handshake: request, subscribed
// envelope, passive negotiation and track attachment. It returns the
// assembled subscription once every advertised bind id has a webrtc
// track attached.
func (w *Webrtc) Subscribe(closer async.CloseSignal, pattern signal.Pattern, reqTypes []string) (*Subscription, error) {
	if !w.subMux.Acquire(closer) {
		return nil, async.NewCancelError(closer)
	}
	defer w.subMux.Release()
	w.logger.Debug("subscribing...")
	subRes, err := w.signal.Subscribe(closer, &signal.SubscribeMessage{
		Op:       signal.SubscribeOpAdd,
		ReqTypes: reqTypes,
		Pattern:  pattern,
	})
	if err != nil {
		return nil, err
	}
	revoke := true
	defer func() {
		if revoke {
			if uerr := w.signal.Unsubscribe(async.CloseSignal{}, subRes.ID); uerr != nil {
				w.logger.Warnf("unable to revoke subscription %s: %v", subRes.ID, uerr)
			}
		}
	}()
	subMsg, err := w.signal.WaitSubscribed(closer, subRes)
	if err != nil {
		return nil, err
	}
	w.logger.Debugf("subscribed with sdp id %d, pub id %s and %d tracks", subMsg.SdpID, subMsg.PubID, len(subMsg.Tracks))
	box, err := w.AccessPeerBox(closer)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		SubID:  subMsg.SubID,
		PubID:  subMsg.PubID,
		webrtc: w,
	}
	pending := map[string]*track.Track{}
	for i := range subMsg.Tracks {
		t := track.NewTrack(&subMsg.Tracks[i], w.conf.Track, w.logger)
		sub.Tracks = append(sub.Tracks, t)
		pending[t.BindID] = t
	}
	if err := w.Negotiate(closer, box, subMsg.SdpID, false); err != nil {
		return nil, err
	}
	watch := closer.CreateChild()
	defer watch.TryClose("tracks attached")
	watch.DependOn(box.closer, "")
	for len(pending) > 0 {
		rt, err := async.ChanReadOrErr(watch, box.trackCh)
		if err != nil {
			return nil, err
		}
		t, ok := pending[rt.mid]
		if !ok {
			w.logger.Debugf("ignore track with unmatched mid %s", rt.mid)
			continue
		}
		t.Bind(box.closer, rt.remote, rt.receiver)
		delete(pending, rt.mid)
	}
	revoke = false
	return sub, nil
}

// Unsubscribe revokes a subscription by id.
func (w *Webrtc) Unsubscribe(closer async.CloseSignal, subID string) error {
	return w.signal.Unsubscribe(closer, subID)
}

// Publication is a live local publication: the senders feeding the
// peer and the handle bound to its published envelopes.
type Publication struct {
	PubID   string
	Senders []*pionwebrtc.RTPSender

	handle    *signal.PublishHandle
	webrtc    *Webrtc
	closeOnce sync.Once
}

// Close withdraws the publication: the server-side publish entry is
// removed, the local senders stopped and the handle's callback
// deregistered.
func (p *Publication) Close(closer async.CloseSignal) error {
	var err error
	p.closeOnce.Do(func() {
		p.handle.Close()
		err = p.webrtc.signal.Unpublish(closer, p.PubID)
		for _, sender := range p.Senders {
			if serr := sender.Stop(); serr != nil && err == nil {
				err = serr
			}
		}
	})
	return err
}

// Publish adds the local tracks to the peer, runs the active
// negotiation and then announces them. The bind ids are the mids
// assigned to the senders' media sections during negotiation.
func (w *Webrtc) Publish(closer async.CloseSignal, locals []pionwebrtc.TrackLocal, labels map[string]string) (*Publication, error) {
	if len(locals) == 0 {
		return nil, fmt.Errorf("nothing to publish")
	}
	if !w.subMux.Acquire(closer) {
		return nil, async.NewCancelError(closer)
	}
	defer w.subMux.Release()
	box, err := w.AccessPeerBox(closer)
	if err != nil {
		return nil, err
	}
	senders := make([]*pionwebrtc.RTPSender, 0, len(locals))
	for _, local := range locals {
		sender, err := box.peer.AddTrack(local)
		if err != nil {
			for _, s := range senders {
				s.Stop()
			}
			return nil, fmt.Errorf("unable to add the local track %s: %w", local.ID(), err)
		}
		senders = append(senders, sender)
	}
	// The offer assigns mids to the new sections; announce afterwards
	// so the publish message can carry the bind ids.
	if err := w.Negotiate(closer, box, 0, true); err != nil {
		return nil, err
	}
	msgs := make([]signal.TrackMessage, 0, len(locals))
	for i, local := range locals {
		msgs = append(msgs, signal.TrackMessage{
			Type:     local.Kind().String(),
			BindID:   midOfSender(box.peer, senders[i]),
			StreamID: local.StreamID(),
			Labels:   labels,
		})
	}
	handle, err := w.signal.Publish(closer, &signal.PublishAddMessage{Op: signal.PublishOpAdd, Tracks: msgs})
	if err != nil {
		return nil, err
	}
	return &Publication{
		PubID:   handle.ID,
		Senders: senders,
		handle:  handle,
		webrtc:  w,
	}, nil
}

func midOfSender(peer *pionwebrtc.PeerConnection, sender *pionwebrtc.RTPSender) string {
	for _, tr := range peer.GetTransceivers() {
		if tr.Sender() == sender {
			return tr.Mid()
		}
	}
	return ""
}

// Close tears the peer connection down. Pending subscribe and publish
// operations observe the box closer.
func (w *Webrtc) Close() {
	w.boxMu.Lock()
	box := w.box
	w.boxMu.Unlock()
	if box != nil {
		w.resetPeerBox(box, "webrtc closed")
	}
}
