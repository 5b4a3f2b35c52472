// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package rtc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/rapidaai/conference-client-go/pkg/async"
	"github.com/rapidaai/conference-client-go/pkg/commons"
	"github.com/rapidaai/conference-client-go/pkg/config"
	"github.com/rapidaai/conference-client-go/pkg/signal"
)

// SignalOperator is the slice of the signal layer the negotiation FSM
// depends on. Tests substitute it with an in-process pair.
type SignalOperator interface {
	SendCandidate(closer async.CloseSignal, msg *signal.CandidateMessage) error
	OnCandidate(cb signal.CandCb) uint64
	OffCandidate(id uint64)
	SendSdp(closer async.CloseSignal, msg *signal.SdpMessage) error
	OnSdp(cb signal.SdpCb) uint64
	OffSdp(id uint64)
	Subscribe(closer async.CloseSignal, msg *signal.SubscribeMessage) (*signal.SubscribeResultMessage, error)
	WaitSubscribed(closer async.CloseSignal, res *signal.SubscribeResultMessage) (*signal.SubscribedMessage, error)
	Unsubscribe(closer async.CloseSignal, subID string) error
	Publish(closer async.CloseSignal, msg *signal.PublishAddMessage) (*signal.PublishHandle, error)
	Unpublish(closer async.CloseSignal, pubID string) error
	NotifyCloser() async.CloseSignal
}

// remoteTrack is one inbound track surfaced by the peer, tagged with
// the mid of its media section.
type remoteTrack struct {
	mid      string
	remote   *pionwebrtc.TrackRemote
	receiver *pionwebrtc.RTPReceiver
}

// PeerBox holds one live peer connection and its track channel. The
// box is rebuilt after the peer reaches Closed or Failed.
type PeerBox struct {
	peer    *pionwebrtc.PeerConnection
	trackCh chan remoteTrack
	closer  async.CloseSignal
}

// Webrtc drives the peer connection lifecycle and the negotiation
// state machine on top of a signal.
type Webrtc struct {
	logger commons.Logger
	signal SignalOperator
	conf   config.Configuration

	boxMu     sync.Mutex
	boxState  int // 0 new, 1 initializing, 2 initialized
	box       *PeerBox
	boxWaiters []chan struct{}

	negMux async.AsyncMutex
	subMux async.AsyncMutex
}

// NewWebrtc builds the negotiation layer over the given signal.
func NewWebrtc(sig SignalOperator, conf config.Configuration, logger commons.Logger) *Webrtc {
	if logger == nil {
		logger = commons.NopLogger()
	}
	return &Webrtc{
		logger: commons.Category(logger, "webrtc"),
		signal: sig,
		conf:   conf,
	}
}

// AccessPeerBox is the double-checked, single-flight constructor of
// the peer connection. Concurrent callers during initialization park
// until the flight completes; after the peer reaches Closed or Failed
// the box resets so the next call rebuilds it.
func (w *Webrtc) AccessPeerBox(closer async.CloseSignal) (*PeerBox, error) {
	for {
		w.boxMu.Lock()
		switch w.boxState {
		case 2:
			box := w.box
			w.boxMu.Unlock()
			return box, nil
		case 1:
			ch := make(chan struct{}, 1)
			w.boxWaiters = append(w.boxWaiters, ch)
			w.boxMu.Unlock()
			if _, err := async.ChanReadOrErr(closer, ch); err != nil {
				return nil, err
			}
			continue
		default:
			w.boxState = 1
			w.boxMu.Unlock()
		}
		box, err := w.buildPeerBox()
		w.boxMu.Lock()
		if err != nil {
			w.boxState = 0
		} else {
			w.boxState = 2
			w.box = box
		}
		for _, ch := range w.boxWaiters {
			ch <- struct{}{}
		}
		w.boxWaiters = nil
		w.boxMu.Unlock()
		if err != nil {
			return nil, err
		}
		return box, nil
	}
}

// resetPeerBox tears the current box down so the next access rebuilds
// the peer.
func (w *Webrtc) resetPeerBox(box *PeerBox, reason string) {
	w.boxMu.Lock()
	if w.box != box || w.boxState != 2 {
		w.boxMu.Unlock()
		return
	}
	w.boxState = 0
	w.box = nil
	w.boxMu.Unlock()
	box.closer.TryClose(reason)
	box.peer.Close()
}

func (w *Webrtc) buildPeerBox() (*PeerBox, error) {
	mediaEngine := &pionwebrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("unable to register default codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := pionwebrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("unable to register default interceptors: %w", err)
	}
	api := pionwebrtc.NewAPI(
		pionwebrtc.WithMediaEngine(mediaEngine),
		pionwebrtc.WithInterceptorRegistry(registry),
	)
	peer, err := api.NewPeerConnection(w.conf.RTC)
	if err != nil {
		return nil, fmt.Errorf("unable to create the peer connection: %w", err)
	}
	box := &PeerBox{
		peer:    peer,
		trackCh: make(chan remoteTrack, 32),
		closer:  async.NewCloseSignal(),
	}
	peer.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		w.logger.Debugf("peer state changed to %s", state.String())
		if state == pionwebrtc.PeerConnectionStateClosed || state == pionwebrtc.PeerConnectionStateFailed {
			w.resetPeerBox(box, fmt.Sprintf("peer state changed to %s", state.String()))
		}
	})
	peer.OnICECandidate(func(cand *pionwebrtc.ICECandidate) {
		msg := &signal.CandidateMessage{Op: signal.CandidateOpEnd}
		if cand != nil {
			init := cand.ToJSON()
			msg.Op = signal.CandidateOpAdd
			msg.Candidate = signal.RTCIceCandidateInit{
				Candidate:        init.Candidate,
				SdpMLineIndex:    init.SDPMLineIndex,
				SdpMid:           init.SDPMid,
				UsernameFragment: init.UsernameFragment,
			}
		}
		go func() {
			if err := w.signal.SendCandidate(box.closer, msg); err != nil {
				if !async.IsCancelError(err) {
					w.logger.Warnf("unable to send local candidate: %v", err)
				}
			}
		}()
	})
	peer.OnTrack(func(remote *pionwebrtc.TrackRemote, receiver *pionwebrtc.RTPReceiver) {
		mid := midOfReceiver(peer, receiver)
		w.logger.Debugf("accept track with mid %s", mid)
		if !async.MaybeWrite(box.trackCh, remoteTrack{mid: mid, remote: remote, receiver: receiver}) {
			w.logger.Warnw("dropping inbound track, the track channel is saturated", "mid", mid)
		}
	})
	return box, nil
}

func midOfReceiver(peer *pionwebrtc.PeerConnection, receiver *pionwebrtc.RTPReceiver) string {
	for _, tr := range peer.GetTransceivers() {
		if tr.Receiver() == receiver {
			return tr.Mid()
		}
	}
	return ""
}

func addCandidate(peer *pionwebrtc.PeerConnection, msg *signal.CandidateMessage) error {
	if msg.Op != signal.CandidateOpAdd {
		return nil
	}
	return peer.AddICECandidate(pionwebrtc.ICECandidateInit{
		Candidate:        msg.Candidate.Candidate,
		SDPMid:           msg.Candidate.SdpMid,
		SDPMLineIndex:    msg.Candidate.SdpMLineIndex,
		UsernameFragment: msg.Candidate.UsernameFragment,
	})
}

// Negotiate runs one offer/answer exchange for the media section
// identified by sdpID. The whole procedure is serialized per peer, so
// at most one negotiation runs at a time. Remote candidates received
// before the remote description is applied are buffered and flushed
// right after it, in arrival order.
func (w *Webrtc) Negotiate(closer async.CloseSignal, box *PeerBox, sdpID int, active bool) error {
	if !w.negMux.Acquire(closer) {
		return async.NewCancelError(closer)
	}
	defer w.negMux.Release()
	peer := box.peer

	var remoted atomic.Bool
	var candMu sync.Mutex
	var cands []*signal.CandidateMessage
	candCbID := w.signal.OnCandidate(func(msg *signal.CandidateMessage) bool {
		// The release-store below authorizes direct adds; earlier
		// candidates sit in the buffer guarded by candMu.
		if remoted.Load() {
			if err := addCandidate(peer, msg); err != nil {
				w.logger.Warnf("unable to add remote candidate: %v", err)
			}
			return true
		}
		candMu.Lock()
		defer candMu.Unlock()
		if remoted.Load() {
			if err := addCandidate(peer, msg); err != nil {
				w.logger.Warnf("unable to add remote candidate: %v", err)
			}
			return true
		}
		cands = append(cands, msg)
		return true
	})
	defer w.signal.OffCandidate(candCbID)

	releaseGate := func() {
		candMu.Lock()
		defer candMu.Unlock()
		remoted.Store(true)
		for _, msg := range cands {
			if err := addCandidate(peer, msg); err != nil {
				w.logger.Warnf("unable to add buffered remote candidate: %v", err)
			}
		}
		cands = nil
	}

	if active {
		sdpCh := make(chan *signal.SdpMessage, 8)
		sdpCbID := w.signal.OnSdp(func(msg *signal.SdpMessage) bool {
			if msg.Mid == sdpID && (msg.Type == signal.SdpTypeAnswer || msg.Type == signal.SdpTypePranswer) {
				async.MaybeWrite(sdpCh, msg)
			}
			return true
		})
		defer w.signal.OffSdp(sdpCbID)
		offer, err := peer.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("unable to create the offer: %w", err)
		}
		if err := peer.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("unable to set the local description: %w", err)
		}
		if err := w.signal.SendSdp(closer, &signal.SdpMessage{Type: signal.SdpTypeOffer, Sdp: offer.SDP, Mid: sdpID}); err != nil {
			return err
		}
		for {
			msg, err := async.ChanReadOrErr(closer, sdpCh)
			if err != nil {
				return err
			}
			sdpType := pionwebrtc.NewSDPType(msg.Type)
			if err := peer.SetRemoteDescription(pionwebrtc.SessionDescription{Type: sdpType, SDP: msg.Sdp}); err != nil {
				return fmt.Errorf("unable to set the remote description: %w", err)
			}
			releaseGate()
			if msg.Type == signal.SdpTypeAnswer {
				return nil
			}
		}
	}

	offerCh := make(chan *signal.SdpMessage, 1)
	sdpCbID := w.signal.OnSdp(func(msg *signal.SdpMessage) bool {
		if msg.Mid != sdpID {
			return true
		}
		async.MaybeWrite(offerCh, msg)
		return false
	})
	defer w.signal.OffSdp(sdpCbID)
	msg, err := async.ChanReadOrErr(closer, offerCh)
	if err != nil {
		return err
	}
	if msg.Type != signal.SdpTypeOffer {
		return fmt.Errorf("expect an offer sdp msg, but got %s", msg.Type)
	}
	if err := peer.SetRemoteDescription(pionwebrtc.SessionDescription{Type: pionwebrtc.SDPTypeOffer, SDP: msg.Sdp}); err != nil {
		return fmt.Errorf("unable to set the remote description: %w", err)
	}
	releaseGate()
	answer, err := peer.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("unable to create the answer: %w", err)
	}
	if err := peer.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("unable to set the local description: %w", err)
	}
	return w.signal.SendSdp(closer, &signal.SdpMessage{Type: signal.SdpTypeAnswer, Sdp: answer.SDP, Mid: sdpID})
}
