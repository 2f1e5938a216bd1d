// Package rtc owns the WebRTC peer connection for one call: SDP negotiation,
// ICE candidate ordering, and media capture via Pion. Coupling to the call
// state machine runs through callback hooks only.
package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("nexus:rtc")

// ErrClosed is returned by negotiation calls after Close.
var ErrClosed = errors.New("rtc: peer closed")

// Config carries the per-call connection settings.
type Config struct {
	// STUNServers in "stun:host:port" form. Empty uses the Google default.
	STUNServers []string

	// Video requests camera capture in addition to the microphone.
	Video bool
}

// Hooks are the callbacks a Peer fires into the call layer. All fields are
// optional. Callbacks run on Pion's goroutines; keep them short.
type Hooks struct {
	// LocalCandidate fires for every gathered ICE candidate, already
	// marshalled for the signaling channel.
	LocalCandidate func(candidate json.RawMessage)

	// ConnectionState fires on every peer connection state change.
	ConnectionState func(state webrtc.PeerConnectionState)

	// RemoteTrack fires once per inbound media track.
	RemoteTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// Peer wraps one webrtc.PeerConnection with the candidate-queue and
// signaling-state discipline the call flow needs.
type Peer struct {
	pc    *webrtc.PeerConnection
	media *localMedia
	hooks Hooks

	mu        sync.Mutex
	remoteSet bool
	queued    []webrtc.ICECandidateInit
	closed    bool
}

// NewPeer builds a peer connection with local media attached when the
// platform supports capture, falling back to receive-only transceivers.
func NewPeer(cfg Config, hooks Hooks) (*Peer, error) {
	pc, media, err := newPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("rtc: create peer connection: %w", err)
	}

	p := &Peer{pc: pc, media: media, hooks: hooks}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || hooks.LocalCandidate == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Warnf("RTC: encode local candidate: %v", err)
			return
		}
		hooks.LocalCandidate(raw)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Infof("RTC: connection state %s", state)
		if hooks.ConnectionState != nil {
			hooks.ConnectionState(state)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Infof("RTC: remote track %s (%s)", track.ID(), track.Kind())
		if hooks.RemoteTrack != nil {
			hooks.RemoteTrack(track, receiver)
		}
	})

	return p, nil
}

// CreateOffer produces the local offer and installs it as the local
// description. Candidate gathering starts as a side effect.
func (p *Peer) CreateOffer() (json.RawMessage, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("rtc: set local offer: %w", err)
	}
	return json.Marshal(offer)
}

// HandleOffer installs the remote offer and returns the local answer. A
// duplicate offer after the remote description is already set is a benign
// retransmit and returns (nil, nil); queued candidates are drained in
// arrival order once the remote description lands.
func (p *Peer) HandleOffer(sdp json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.remoteSet {
		p.mu.Unlock()
		log.Debugf("RTC: duplicate offer ignored")
		return nil, nil
	}
	p.mu.Unlock()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &offer); err != nil {
		return nil, fmt.Errorf("rtc: decode offer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("rtc: set remote offer: %w", err)
	}
	p.drainCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("rtc: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("rtc: set local answer: %w", err)
	}
	return json.Marshal(answer)
}

// HandleAnswer installs the remote answer. Outside have-local-offer the
// answer is a stale retransmit from a glare race and is dropped silently.
func (p *Peer) HandleAnswer(sdp json.RawMessage) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	if p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Debugf("RTC: answer in state %s ignored", p.pc.SignalingState())
		return nil
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &answer); err != nil {
		return fmt.Errorf("rtc: decode answer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("rtc: set remote answer: %w", err)
	}
	p.drainCandidates()
	return nil
}

// AddRemoteCandidate applies a remote ICE candidate, queueing it until the
// remote description is set. Queued candidates keep arrival order.
func (p *Peer) AddRemoteCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("rtc: decode candidate: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.remoteSet {
		p.queued = append(p.queued, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("rtc: add candidate: %w", err)
	}
	return nil
}

// SetVideoEnabled pauses or resumes the outgoing camera by swapping the
// video sender's track. No-op when this peer captured no video.
func (p *Peer) SetVideoEnabled(enabled bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	media := p.media
	p.mu.Unlock()

	if media == nil || media.videoSender == nil {
		return nil
	}
	if enabled {
		return media.videoSender.ReplaceTrack(media.videoTrack)
	}
	return media.videoSender.ReplaceTrack(nil)
}

// QueuedCandidates returns how many candidates are waiting for the remote
// description.
func (p *Peer) QueuedCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queued)
}

// drainCandidates flushes the queue after the remote description is set.
func (p *Peer) drainCandidates() {
	p.mu.Lock()
	p.remoteSet = true
	queued := p.queued
	p.queued = nil
	p.mu.Unlock()

	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			log.Warnf("RTC: add queued candidate: %v", err)
		}
	}
	if len(queued) > 0 {
		log.Debugf("RTC: drained %d queued candidates", len(queued))
	}
}

// Close stops local capture and tears down the peer connection. Idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queued = nil
	p.mu.Unlock()

	if p.media != nil && p.media.stop != nil {
		p.media.stop()
	}
	return p.pc.Close()
}
