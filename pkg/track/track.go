// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package track

import (
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/rapidaai/conference-client-go/pkg/async"
	"github.com/rapidaai/conference-client-go/pkg/commons"
	"github.com/rapidaai/conference-client-go/pkg/config"
	"github.com/rapidaai/conference-client-go/pkg/ringbuffer"
	"github.com/rapidaai/conference-client-go/pkg/signal"
)

// MsgType selects which cache ReceiveMsg and AwaitMsg pop from.
type MsgType int

const (
	MsgTypeAll MsgType = iota
	MsgTypeRtp
	MsgTypeRtcp
)

// Msg is one cached packet with the track's monotonic sequence.
type Msg struct {
	Seq  uint32
	Data []byte
	Rtcp bool
}

// UnmarshalRtp decodes the payload as an RTP packet.
func (m *Msg) UnmarshalRtp() (*rtp.Packet, error) {
	if m.Rtcp {
		return nil, errors.New("the msg is not an rtp packet")
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(m.Data); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// UnmarshalRtcp decodes the payload as a compound RTCP packet.
func (m *Msg) UnmarshalRtcp() ([]rtcp.Packet, error) {
	if !m.Rtcp {
		return nil, errors.New("the msg is not an rtcp packet")
	}
	return rtcp.Unmarshal(m.Data)
}

type cacheEntry struct {
	seq  uint32
	data []byte
}

// Statistics counts received and dropped traffic per cache.
type Statistics struct {
	RtpReceivesBytes    uint64
	RtpReceivesPackets  uint64
	RtpDropsBytes       uint64
	RtpDropsPackets     uint64
	RtcpReceivesBytes   uint64
	RtcpReceivesPackets uint64
	RtcpDropsBytes      uint64
	RtcpDropsPackets    uint64
}

func rate(drops, receives uint64) float64 {
	if receives == 0 {
		return 0
	}
	return float64(drops) / float64(receives)
}

func (s *Statistics) RtpDropPacketsRate() float64  { return rate(s.RtpDropsPackets, s.RtpReceivesPackets) }
func (s *Statistics) RtpDropBytesRate() float64    { return rate(s.RtpDropsBytes, s.RtpReceivesBytes) }
func (s *Statistics) RtcpDropPacketsRate() float64 { return rate(s.RtcpDropsPackets, s.RtcpReceivesPackets) }
func (s *Statistics) RtcpDropBytesRate() float64   { return rate(s.RtcpDropsBytes, s.RtcpReceivesBytes) }

func (s *Statistics) RtpPacketMeanSize() float64 {
	if s.RtpReceivesPackets == 0 {
		return 0
	}
	return float64(s.RtpReceivesBytes) / float64(s.RtpReceivesPackets)
}

func (s *Statistics) RtcpPacketMeanSize() float64 {
	if s.RtcpReceivesPackets == 0 {
		return 0
	}
	return float64(s.RtcpReceivesBytes) / float64(s.RtcpReceivesPackets)
}

// DropPacketsRate merges both caches.
func (s *Statistics) DropPacketsRate() float64 {
	return rate(s.RtpDropsPackets+s.RtcpDropsPackets, s.RtpReceivesPackets+s.RtcpReceivesPackets)
}

func (s *Statistics) DropBytesRate() float64 {
	return rate(s.RtpDropsBytes+s.RtcpDropsBytes, s.RtpReceivesBytes+s.RtcpReceivesBytes)
}

// OnDataCb observes every packet before it is cached.
type OnDataCb func(data []byte, isRtp bool)

// OnStatCb observes the statistics after every received packet.
type OnStatCb func(stats Statistics)

// Track is one media track granted by a subscription. Incoming rtp
// and rtcp packets are cached in adaptive ring buffers with force
// enqueue, so a full cache drops its oldest packet. The caches are
// guarded by the track's mutex: the receiver loops fill them and
// ReceiveMsg / AwaitMsg drain them.
type Track struct {
	Type     string
	PubID    string
	GlobalID string
	BindID   string
	RID      string
	StreamID string
	Labels   map[string]string

	logger commons.Logger

	mu        sync.Mutex
	seq       uint32
	rtpCache  *ringbuffer.AdaptiveRingBuffer[cacheEntry]
	rtcpCache *ringbuffer.AdaptiveRingBuffer[cacheEntry]
	stats     Statistics
	onData    OnDataCb
	onStat    OnStatCb

	msgNotifier *async.StateNotifier
	openCh      chan struct{}
	closedCh    chan struct{}
	bound       atomic.Bool
	closed      atomic.Bool

	remote   *pionwebrtc.TrackRemote
	receiver *pionwebrtc.RTPReceiver
}

// NewTrack builds an unbound track from the server's track message.
func NewTrack(msg *signal.TrackMessage, conf config.TrackConfigure, logger commons.Logger) *Track {
	if logger == nil {
		logger = commons.NopLogger()
	}
	return &Track{
		Type:        msg.Type,
		PubID:       msg.PubID,
		GlobalID:    msg.GlobalID,
		BindID:      msg.BindID,
		RID:         msg.RID,
		StreamID:    msg.StreamID,
		Labels:      msg.Labels,
		logger:      commons.Category(logger, "track"),
		rtpCache:    ringbuffer.NewAdaptiveRingBuffer[cacheEntry](conf.RtpCapSegments, conf.RtpMaxSegments, conf.RtpMinSegments),
		rtcpCache:   ringbuffer.NewAdaptiveRingBuffer[cacheEntry](conf.RtcpCapSegments, conf.RtcpMaxSegments, conf.RtcpMinSegments),
		msgNotifier: async.NewStateNotifier(),
		openCh:      make(chan struct{}, 1),
		closedCh:    make(chan struct{}, 1),
	}
}

// Bound reports whether the webrtc track has been attached.
func (t *Track) Bound() bool {
	return t.bound.Load()
}

// Remote returns the attached webrtc track, nil before Bind.
func (t *Track) Remote() *pionwebrtc.TrackRemote {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// Bind attaches the webrtc track whose mid matches this track's
// BindID and starts the receiver loops. The loops run until a read
// from the track or receiver fails (for example when the peer
// connection closes); the closer does not stop them, it only
// suppresses the log line for that failure.
func (t *Track) Bind(closer async.CloseSignal, remote *pionwebrtc.TrackRemote, receiver *pionwebrtc.RTPReceiver) {
	t.mu.Lock()
	t.remote = remote
	t.receiver = receiver
	t.mu.Unlock()
	if !t.bound.CompareAndSwap(false, true) {
		return
	}
	async.MustWrite(t.openCh, struct{}{})
	t.msgNotifier.Notify()
	go t.runRtpLoop(closer, remote)
	go t.runRtcpLoop(closer, receiver)
}

func (t *Track) runRtpLoop(closer async.CloseSignal, remote *pionwebrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !closer.IsClosed() {
				t.logger.Debugf("rtp read loop of track %s stopped, %v", t.GlobalID, err)
			}
			t.markClosed()
			return
		}
		t.onTrackMsg(append([]byte(nil), buf[:n]...), false)
	}
}

func (t *Track) runRtcpLoop(closer async.CloseSignal, receiver *pionwebrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		n, _, err := receiver.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !closer.IsClosed() {
				t.logger.Debugf("rtcp read loop of track %s stopped, %v", t.GlobalID, err)
			}
			t.markClosed()
			return
		}
		t.onTrackMsg(append([]byte(nil), buf[:n]...), true)
	}
}

func (t *Track) markClosed() {
	if t.closed.CompareAndSwap(false, true) {
		async.MustWrite(t.closedCh, struct{}{})
		t.msgNotifier.Notify()
	}
}

// Closed reports whether the receiver loops have stopped.
func (t *Track) Closed() bool {
	return t.closed.Load()
}

// makesureMinSeqLocked returns the smallest sequence currently cached,
// dropping stray zero-seq heads left by a previous rebase.
func (t *Track) makesureMinSeqLocked() uint32 {
	for {
		rtpHead, rtpOk := t.rtpCache.Head()
		rtcpHead, rtcpOk := t.rtcpCache.Head()
		switch {
		case !rtpOk && !rtcpOk:
			return 0
		case !rtpOk:
			if rtcpHead.seq == 0 {
				t.rtcpCache.Dequeue()
				continue
			}
			return rtcpHead.seq
		case !rtcpOk:
			if rtpHead.seq == 0 {
				t.rtpCache.Dequeue()
				continue
			}
			return rtpHead.seq
		default:
			minSeq := rtpHead.seq
			if rtcpHead.seq < minSeq {
				minSeq = rtcpHead.seq
			}
			if minSeq == 0 {
				if rtpHead.seq == 0 {
					t.rtpCache.Dequeue()
				} else {
					t.rtcpCache.Dequeue()
				}
				continue
			}
			return minSeq
		}
	}
}

func rebase(cache *ringbuffer.AdaptiveRingBuffer[cacheEntry], offset uint32) {
	cache.ForEach(func(e *cacheEntry) bool {
		e.seq -= offset
		return true
	})
}

// onTrackMsg assigns the next sequence and caches the packet,
// counting drops when the cache is full. Near the sequence wrap the
// caches are rebased by the current minimum.
func (t *Track) onTrackMsg(data []byte, isRtcp bool) {
	t.mu.Lock()
	if t.seq == math.MaxUint32 {
		offset := t.makesureMinSeqLocked()
		rebase(t.rtpCache, offset)
		rebase(t.rtcpCache, offset)
		t.seq -= offset
	}
	cache := t.rtpCache
	if isRtcp {
		cache = t.rtcpCache
	}
	if isRtcp {
		t.stats.RtcpReceivesBytes += uint64(len(data))
		t.stats.RtcpReceivesPackets++
		if cache.Full() {
			if head, ok := cache.Head(); ok {
				t.stats.RtcpDropsBytes += uint64(len(head.data))
			}
			t.stats.RtcpDropsPackets++
		}
	} else {
		t.stats.RtpReceivesBytes += uint64(len(data))
		t.stats.RtpReceivesPackets++
		if cache.Full() {
			if head, ok := cache.Head(); ok {
				t.stats.RtpDropsBytes += uint64(len(head.data))
			}
			t.stats.RtpDropsPackets++
		}
	}
	if t.onData != nil {
		t.onData(data, !isRtcp)
	}
	if t.onStat != nil {
		t.onStat(t.stats)
	}
	t.seq++
	cache.Enqueue(cacheEntry{seq: t.seq, data: data}, true)
	t.mu.Unlock()
	t.msgNotifier.Notify()
}

// ReceiveMsg pops the next cached packet of the requested kind;
// MsgTypeAll picks the older head of the two caches. Returns nil when
// the selected cache is empty.
func (t *Track) ReceiveMsg(msgType MsgType) *Msg {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch msgType {
	case MsgTypeRtp:
		return popEntry(t.rtpCache, false)
	case MsgTypeRtcp:
		return popEntry(t.rtcpCache, true)
	default:
		rtpHead, rtpOk := t.rtpCache.Head()
		rtcpHead, rtcpOk := t.rtcpCache.Head()
		switch {
		case !rtpOk && !rtcpOk:
			return nil
		case !rtpOk:
			return popEntry(t.rtcpCache, true)
		case !rtcpOk:
			return popEntry(t.rtpCache, false)
		case rtpHead.seq > rtcpHead.seq:
			return popEntry(t.rtcpCache, true)
		default:
			return popEntry(t.rtpCache, false)
		}
	}
}

func popEntry(cache *ringbuffer.AdaptiveRingBuffer[cacheEntry], isRtcp bool) *Msg {
	e, ok := cache.Dequeue()
	if !ok {
		return nil
	}
	return &Msg{Seq: e.seq, Data: e.data, Rtcp: isRtcp}
}

// AwaitOpenOrClosed waits until the track has been bound or its
// receiver loops stopped. Returns false on cancellation.
func (t *Track) AwaitOpenOrClosed(closer async.CloseSignal) bool {
	if t.bound.Load() || t.closed.Load() {
		return true
	}
	select {
	case <-t.openCh:
		async.MustWrite(t.openCh, struct{}{})
		return true
	case <-t.closedCh:
		async.MustWrite(t.closedCh, struct{}{})
		return true
	case <-closer.Waiter():
		return false
	}
}

// AwaitMsg waits for the next cached packet of the requested kind. It
// returns nil without error when the track closed with the caches
// drained, and a CancelError when the closer closes first.
func (t *Track) AwaitMsg(msgType MsgType, closer async.CloseSignal) (*Msg, error) {
	if msg := t.ReceiveMsg(msgType); msg != nil {
		return msg, nil
	}
	if closer.IsClosed() {
		return nil, async.NewCancelError(closer)
	}
	if !t.AwaitOpenOrClosed(closer) {
		return nil, async.NewCancelError(closer)
	}
	for {
		notify := t.msgNotifier.Receiver()
		if msg := t.ReceiveMsg(msgType); msg != nil {
			return msg, nil
		}
		if t.closed.Load() {
			return nil, nil
		}
		if _, err := async.ChanReadOrErr(closer, notify); err != nil {
			return nil, err
		}
	}
}

// SetOnData observes every packet before caching; the callback runs on
// the receiver loop and must be cheap.
func (t *Track) SetOnData(cb OnDataCb) {
	t.mu.Lock()
	t.onData = cb
	t.mu.Unlock()
}

func (t *Track) UnsetOnData() {
	t.SetOnData(nil)
}

func (t *Track) SetOnStat(cb OnStatCb) {
	t.mu.Lock()
	t.onStat = cb
	t.mu.Unlock()
}

func (t *Track) UnsetOnStat() {
	t.SetOnStat(nil)
}

// Statistics returns a snapshot of the counters.
func (t *Track) Statistics() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// ResetRtpStatistics clears the rtp counters.
func (t *Track) ResetRtpStatistics() {
	t.mu.Lock()
	t.stats.RtpReceivesBytes = 0
	t.stats.RtpReceivesPackets = 0
	t.stats.RtpDropsBytes = 0
	t.stats.RtpDropsPackets = 0
	t.mu.Unlock()
}

// ResetRtcpStatistics clears the rtcp counters.
func (t *Track) ResetRtcpStatistics() {
	t.mu.Lock()
	t.stats.RtcpReceivesBytes = 0
	t.stats.RtcpReceivesPackets = 0
	t.stats.RtcpDropsBytes = 0
	t.stats.RtcpDropsPackets = 0
	t.mu.Unlock()
}
