package client

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/pion/webrtc/v3"
)

// Call kinds carried in call-user.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Peer is the local end of one call's peer connection. Descriptions and
// candidates use the browser JSON shapes so they pass through the relay
// unchanged.
type Peer interface {
	// CreateOffer creates and applies the local offer.
	CreateOffer() (wire.RawJSON, error)
	// Accept applies a remote offer and returns the applied local answer.
	Accept(offer wire.RawJSON) (wire.RawJSON, error)
	// SetAnswer applies the remote answer to an offer from CreateOffer.
	SetAnswer(answer wire.RawJSON) error
	AddCandidate(candidate wire.RawJSON) error
	Close() error
}

// PeerHooks are invoked from the peer's own goroutines.
type PeerHooks struct {
	OnCandidate func(candidate wire.RawJSON)
	OnFailed    func()
}

// PeerFactory creates peers. media may be nil for a receive-only peer.
type PeerFactory interface {
	NewPeer(kind string, media Media, hooks PeerHooks) (Peer, error)
}

// Media is a set of local capture tracks. Stop releases the capture.
type Media interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// MediaSource opens local capture for a call kind.
type MediaSource interface {
	Open(kind string) (Media, error)
}

// PionFactory builds peers on pion/webrtc.
type PionFactory struct {
	// ICEServers are STUN/TURN URLs. Empty means host candidates only.
	ICEServers []string
}

func (f PionFactory) NewPeer(kind string, media Media, hooks PeerHooks) (Peer, error) {
	cfg := webrtc.Configuration{}
	if len(f.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: f.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	covered := map[webrtc.RTPCodecType]bool{}
	if media != nil {
		for _, tr := range media.Tracks() {
			if _, err := pc.AddTrack(tr); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s track: %w", tr.Kind(), err)
			}
			covered[tr.Kind()] = true
		}
	}
	// still negotiate what we cannot send so the remote media arrives
	for _, k := range codecKinds(kind) {
		if covered[k] {
			continue
		}
		init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
		if _, err := pc.AddTransceiverFromKind(k, init); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", k, err)
		}
	}

	p := &pionPeer{pc: pc}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || hooks.OnCandidate == nil || p.closed.Load() {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		hooks.OnCandidate(b)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed && hooks.OnFailed != nil && !p.closed.Load() {
			hooks.OnFailed()
		}
	})
	return p, nil
}

func codecKinds(kind string) []webrtc.RTPCodecType {
	if kind == KindVideo {
		return []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}
	}
	return []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
}

type pionPeer struct {
	pc     *webrtc.PeerConnection
	closed atomic.Bool
}

func (p *pionPeer) CreateOffer() (wire.RawJSON, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	return json.Marshal(offer)
}

func (p *pionPeer) Accept(raw wire.RawJSON) (wire.RawJSON, error) {
	offer, err := parseDescription(raw, webrtc.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	return json.Marshal(answer)
}

func (p *pionPeer) SetAnswer(raw wire.RawJSON) error {
	answer, err := parseDescription(raw, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *pionPeer) AddCandidate(raw wire.RawJSON) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.pc.Close()
}

func parseDescription(raw wire.RawJSON, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var d webrtc.SessionDescription
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("decode %s: %w", want, err)
	}
	if d.Type != want {
		return d, fmt.Errorf("expected %s, got %s", want, d.Type)
	}
	return d, nil
}

// SampleSource hands out pion sample tracks that the application feeds with
// already encoded frames (opus audio, VP8 video).
type SampleSource struct {
	StreamID string
}

func (s SampleSource) Open(kind string) (Media, error) {
	id := s.StreamID
	if id == "" {
		id = "securechat"
	}
	m := &SampleMedia{}
	var err error
	m.Audio, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", id)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	if kind == KindVideo {
		m.Video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", id)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
	}
	return m, nil
}

// SampleMedia is the Media returned by SampleSource.
type SampleMedia struct {
	Audio   *webrtc.TrackLocalStaticSample
	Video   *webrtc.TrackLocalStaticSample
	stopped atomic.Bool
}

func (m *SampleMedia) Tracks() []webrtc.TrackLocal {
	out := []webrtc.TrackLocal{m.Audio}
	if m.Video != nil {
		out = append(out, m.Video)
	}
	return out
}

// Stop marks the capture released; producers check Stopped and stop
// feeding frames.
func (m *SampleMedia) Stop() { m.stopped.Store(true) }

func (m *SampleMedia) Stopped() bool { return m.stopped.Load() }
