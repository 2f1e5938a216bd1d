// Package call runs the signaling state machine for one-at-a-time calls:
// invite/accept/reject, ring timeout, busy handling, and the SDP/ICE relay
// into the WebRTC layer. Coupling to transport and media runs through the
// Signaler and Negotiator interfaces only.
package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/AngkinV/Nexus-All/internal/wire"
)

var log = logging.Logger("nexus:call")

var (
	// ErrBusy means a call already exists; exactly one call at a time.
	ErrBusy = errors.New("call: another call is active")

	// ErrNoCall means the operation needs an active call and there is none.
	ErrNoCall = errors.New("call: no active call")

	// ErrNotRinging means Accept/Reject was called outside the ringing state.
	ErrNotRinging = errors.New("call: not ringing")
)

const (
	// ringTimeout bounds how long an unanswered call rings on both ends.
	ringTimeout = 60 * time.Second

	// endGrace keeps the ended call visible before the machine resets to
	// idle, so the UI can show the end reason.
	endGrace = 2 * time.Second
)

// Signaler is the outbound signaling side of the transport.
type Signaler interface {
	Publish(wire.Frame) error
}

// Manager is the call state machine. It owns at most one session; every
// transition runs under its lock, and every inbound signal is filtered by
// call id before it can touch the session.
type Manager struct {
	sig          Signaler
	selfID       string
	newPeer      NegotiatorFactory
	checkDevices DeviceChecker
	listener     Events

	ringTimeout time.Duration
	endGrace    time.Duration

	mu     sync.Mutex
	sess   *session
	closed bool
}

// New creates a Manager. factory and checker must be non-nil; listener may
// be nil.
func New(sig Signaler, selfID string, factory NegotiatorFactory, checker DeviceChecker, listener Events) *Manager {
	return &Manager{
		sig:          sig,
		selfID:       selfID,
		newPeer:      factory,
		checkDevices: checker,
		listener:     listener,
		ringTimeout:  ringTimeout,
		endGrace:     endGrace,
	}
}

// Current returns a snapshot of the active call, if any.
func (m *Manager) Current() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Info{}, false
	}
	return m.sess.info(), true
}

// Status returns the current call status, StatusIdle when no call exists.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StatusIdle
	}
	return m.sess.status
}

// Place starts an outgoing call to calleeID. callType is "audio" or
// "video". Devices are checked before any signal leaves, so a missing
// camera fails the call locally without ringing the remote.
func (m *Manager) Place(calleeID, callType string) (string, error) {
	video := callType == "video"
	if err := m.checkDevices(video); err != nil {
		return "", fmt.Errorf("call: place: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrNoCall
	}
	if m.sess != nil {
		m.mu.Unlock()
		return "", ErrBusy
	}
	sess := &session{
		callID:    uuid.NewString(),
		callType:  callType,
		remoteID:  calleeID,
		direction: Outgoing,
		status:    StatusCalling,
		videoOn:   video,
	}
	sess.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.ringExpired(sess.callID) })
	m.sess = sess
	callID := sess.callID
	info := sess.info()
	m.mu.Unlock()

	log.Infof("CALL [%s]: calling %s (%s)", callID, calleeID, callType)
	err := m.send(wire.KindInvite, wire.CallSignal{
		CallID:   callID,
		CallType: callType,
		CallerID: m.selfID,
		CalleeID: calleeID,
	})
	if err != nil {
		m.end(ReasonFailed)
		return "", fmt.Errorf("call: place: %w", err)
	}
	m.notify(func(e Events) { e.CallStatusChanged(info) })
	return callID, nil
}

// Accept answers the ringing incoming call. A device failure sends REJECT
// with a permission reason so the caller sees why, then ends the call
// locally as failed.
func (m *Manager) Accept() error {
	m.mu.Lock()
	sess := m.sess
	if sess == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	if sess.status != StatusRinging {
		m.mu.Unlock()
		return ErrNotRinging
	}
	sess.stopRingTimer()
	callID := sess.callID
	remoteID := sess.remoteID
	video := sess.callType == "video"
	m.mu.Unlock()

	if err := m.checkDevices(video); err != nil {
		m.send(wire.KindReject, wire.CallSignal{
			CallID:   callID,
			CallerID: remoteID,
			CalleeID: m.selfID,
			Reason:   "permission_denied",
		})
		m.end(ReasonFailed)
		return fmt.Errorf("call: accept: %w", err)
	}

	peer, err := m.buildPeer(callID, video)
	if err != nil {
		m.send(wire.KindReject, wire.CallSignal{
			CallID:   callID,
			CallerID: remoteID,
			CalleeID: m.selfID,
			Reason:   "failed",
		})
		m.end(ReasonFailed)
		return fmt.Errorf("call: accept: %w", err)
	}

	m.mu.Lock()
	if m.sess != sess || sess.status != StatusRinging {
		m.mu.Unlock()
		peer.Close()
		return ErrNotRinging
	}
	sess.peer = peer
	sess.status = StatusConnecting
	info := sess.info()
	m.mu.Unlock()

	log.Infof("CALL [%s]: accepted", callID)
	if err := m.send(wire.KindAccept, wire.CallSignal{
		CallID:   callID,
		CallerID: remoteID,
		CalleeID: m.selfID,
	}); err != nil {
		m.end(ReasonFailed)
		return fmt.Errorf("call: accept: %w", err)
	}
	m.notify(func(e Events) { e.CallStatusChanged(info) })
	return nil
}

// Reject declines the ringing incoming call.
func (m *Manager) Reject() error {
	m.mu.Lock()
	sess := m.sess
	if sess == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	if sess.status != StatusRinging {
		m.mu.Unlock()
		return ErrNotRinging
	}
	callID := sess.callID
	remoteID := sess.remoteID
	m.mu.Unlock()

	m.send(wire.KindReject, wire.CallSignal{
		CallID:   callID,
		CallerID: remoteID,
		CalleeID: m.selfID,
		Reason:   "rejected",
	})
	m.end(ReasonRejected)
	return nil
}

// HangUp ends the current call: CANCEL while still ringing out, END once
// negotiation has started.
func (m *Manager) HangUp() error {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.status == StatusEnded {
		m.mu.Unlock()
		return ErrNoCall
	}
	status := sess.status
	callID := sess.callID
	remoteID := sess.remoteID
	duration := sess.duration()
	m.mu.Unlock()

	switch status {
	case StatusCalling:
		m.send(wire.KindCancel, wire.CallSignal{
			CallID:   callID,
			CallerID: m.selfID,
			CalleeID: remoteID,
		})
		m.end(ReasonCancelled)
	case StatusRinging:
		return m.Reject()
	case StatusConnecting:
		m.send(wire.KindEnd, wire.CallSignal{
			CallID:   callID,
			CallerID: m.selfID,
			CalleeID: remoteID,
			Reason:   string(ReasonCancelled),
		})
		m.end(ReasonCancelled)
	case StatusConnected:
		m.send(wire.KindEnd, wire.CallSignal{
			CallID:   callID,
			CallerID: m.selfID,
			CalleeID: remoteID,
			Reason:   string(ReasonCompleted),
			Duration: duration,
		})
		m.end(ReasonCompleted)
	}
	return nil
}

// ToggleMute flips the local mute state and tells the remote. Returns the
// new muted state.
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.status == StatusEnded {
		m.mu.Unlock()
		return false, ErrNoCall
	}
	sess.muted = !sess.muted
	muted := sess.muted
	callID := sess.callID
	remoteID := sess.remoteID
	m.mu.Unlock()

	m.send(wire.KindMute, wire.CallSignal{
		CallID:       callID,
		UserID:       m.selfID,
		RemoteUserID: remoteID,
		IsMuted:      muted,
	})
	return muted, nil
}

// ToggleVideo flips the local camera state and tells the remote. Returns
// the new enabled state.
func (m *Manager) ToggleVideo() (bool, error) {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.status == StatusEnded {
		m.mu.Unlock()
		return false, ErrNoCall
	}
	sess.videoOn = !sess.videoOn
	on := sess.videoOn
	callID := sess.callID
	remoteID := sess.remoteID
	peer := sess.peer
	m.mu.Unlock()

	if peer != nil {
		if err := peer.SetVideoEnabled(on); err != nil {
			log.Warnf("CALL [%s]: toggle video track: %v", callID, err)
		}
	}
	m.send(wire.KindVideoToggle, wire.CallSignal{
		CallID:       callID,
		UserID:       m.selfID,
		RemoteUserID: remoteID,
		VideoEnabled: on,
	})
	return on, nil
}

// HandleSignal routes one inbound call signal. Signals carrying a call id
// other than the active call's are dropped, except INVITE which gets a
// BUSY reply.
func (m *Manager) HandleSignal(kind wire.Kind, sig wire.CallSignal) {
	if kind == wire.KindInvite {
		m.handleInvite(sig)
		return
	}

	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.callID != sig.CallID {
		m.mu.Unlock()
		log.Debugf("CALL: %s for unknown call %s dropped", kind, sig.CallID)
		return
	}
	status := sess.status
	peer := sess.peer
	m.mu.Unlock()

	switch kind {
	case wire.KindAccept:
		m.handleAccept(sess, status)

	case wire.KindOffer:
		if peer == nil {
			log.Warnf("CALL [%s]: offer before negotiator ready", sig.CallID)
			return
		}
		answer, err := peer.HandleOffer(sig.SDP)
		if err != nil {
			log.Errorf("CALL [%s]: handle offer: %v", sig.CallID, err)
			m.failCall(sig.CallID)
			return
		}
		if answer == nil {
			return
		}
		m.send(wire.KindAnswer, wire.CallSignal{
			CallID:   sig.CallID,
			CallerID: sess.remoteID,
			CalleeID: m.selfID,
			SDP:      answer,
		})

	case wire.KindAnswer:
		if peer == nil {
			return
		}
		if err := peer.HandleAnswer(sig.SDP); err != nil {
			log.Errorf("CALL [%s]: handle answer: %v", sig.CallID, err)
			m.failCall(sig.CallID)
		}

	case wire.KindIceCandidate:
		if peer == nil {
			log.Debugf("CALL [%s]: candidate before negotiator ready dropped", sig.CallID)
			return
		}
		if err := peer.AddRemoteCandidate(sig.Candidate); err != nil {
			log.Warnf("CALL [%s]: add candidate: %v", sig.CallID, err)
		}

	case wire.KindReject:
		log.Infof("CALL [%s]: rejected by remote (%s)", sig.CallID, sig.Reason)
		m.end(ReasonRejected)

	case wire.KindCancel:
		log.Infof("CALL [%s]: cancelled by caller", sig.CallID)
		m.end(ReasonCancelled)

	case wire.KindBusy:
		log.Infof("CALL [%s]: remote busy", sig.CallID)
		m.end(ReasonBusy)

	case wire.KindTimeout:
		m.end(ReasonTimeout)

	case wire.KindEnd:
		m.end(ReasonCompleted)

	case wire.KindMute:
		m.notify(func(e Events) { e.RemoteMuteChanged(sig.IsMuted) })

	case wire.KindVideoToggle:
		m.notify(func(e Events) { e.RemoteVideoChanged(sig.VideoEnabled) })
	}
}

// Close ends any active call and stops the manager.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	active := m.sess != nil && m.sess.status != StatusEnded
	m.mu.Unlock()

	if active {
		m.HangUp()
	}
}

func (m *Manager) handleInvite(sig wire.CallSignal) {
	m.mu.Lock()
	if m.closed || m.sess != nil {
		dup := m.sess != nil && m.sess.callID == sig.CallID
		m.mu.Unlock()
		if dup {
			return
		}
		log.Infof("CALL [%s]: busy, declining invite from %s", sig.CallID, sig.CallerID)
		m.send(wire.KindBusy, wire.CallSignal{
			CallID:   sig.CallID,
			CallerID: sig.CallerID,
			CalleeID: m.selfID,
		})
		return
	}
	sess := &session{
		callID:    sig.CallID,
		callType:  sig.CallType,
		remoteID:  sig.CallerID,
		direction: Incoming,
		status:    StatusRinging,
		videoOn:   sig.CallType == "video",
	}
	sess.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.ringExpired(sess.callID) })
	m.sess = sess
	info := sess.info()
	m.mu.Unlock()

	log.Infof("CALL [%s]: ringing, %s call from %s", sig.CallID, sig.CallType, sig.CallerID)
	m.notify(func(e Events) { e.CallRinging(info) })
}

// handleAccept moves the outgoing call into negotiation: build the peer,
// create the offer, send it.
func (m *Manager) handleAccept(sess *session, status Status) {
	if status != StatusCalling {
		log.Debugf("CALL [%s]: accept in state %s ignored", sess.callID, status)
		return
	}

	peer, err := m.buildPeer(sess.callID, sess.videoOn)
	if err != nil {
		log.Errorf("CALL [%s]: build negotiator: %v", sess.callID, err)
		m.failCall(sess.callID)
		return
	}

	m.mu.Lock()
	if m.sess != sess || sess.status != StatusCalling {
		m.mu.Unlock()
		peer.Close()
		return
	}
	sess.stopRingTimer()
	sess.peer = peer
	sess.status = StatusConnecting
	info := sess.info()
	m.mu.Unlock()

	m.notify(func(e Events) { e.CallStatusChanged(info) })

	offer, err := peer.CreateOffer()
	if err != nil {
		log.Errorf("CALL [%s]: create offer: %v", sess.callID, err)
		m.failCall(sess.callID)
		return
	}
	m.send(wire.KindOffer, wire.CallSignal{
		CallID:   sess.callID,
		CallerID: m.selfID,
		CalleeID: sess.remoteID,
		SDP:      offer,
	})
}

// buildPeer creates the Negotiator with hooks bound to this call id, so a
// stale peer from an ended call can never signal into a newer one.
func (m *Manager) buildPeer(callID string, video bool) (Negotiator, error) {
	hooks := NegotiatorHooks{
		LocalCandidate: func(candidate json.RawMessage) {
			m.mu.Lock()
			sess := m.sess
			if sess == nil || sess.callID != callID || sess.status == StatusEnded {
				m.mu.Unlock()
				return
			}
			remoteID := sess.remoteID
			m.mu.Unlock()

			m.send(wire.KindIceCandidate, wire.CallSignal{
				CallID:       callID,
				UserID:       m.selfID,
				RemoteUserID: remoteID,
				Candidate:    candidate,
			})
		},
		StateChange: func(state NegotiatorState) {
			switch state {
			case NegotiatorConnected:
				m.connected(callID)
			case NegotiatorDisconnected, NegotiatorFailed:
				m.failCall(callID)
			}
		},
	}
	return m.newPeer(video, hooks)
}

// connected marks the call live and starts the duration clock.
func (m *Manager) connected(callID string) {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.callID != callID || sess.status != StatusConnecting {
		m.mu.Unlock()
		return
	}
	sess.status = StatusConnected
	sess.startedAt = time.Now()
	info := sess.info()
	m.mu.Unlock()

	log.Infof("CALL [%s]: connected", callID)
	m.notify(func(e Events) { e.CallStatusChanged(info) })
}

// failCall ends the call as failed and tells the remote, filtered by call id.
func (m *Manager) failCall(callID string) {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.callID != callID || sess.status == StatusEnded {
		m.mu.Unlock()
		return
	}
	remoteID := sess.remoteID
	m.mu.Unlock()

	m.send(wire.KindEnd, wire.CallSignal{
		CallID:   callID,
		CallerID: m.selfID,
		CalleeID: remoteID,
		Reason:   string(ReasonFailed),
	})
	m.end(ReasonFailed)
}

// ringExpired fires on the ring timer: whichever side is still waiting
// signals TIMEOUT to the peer and ends the call as timed out.
func (m *Manager) ringExpired(callID string) {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.callID != callID {
		m.mu.Unlock()
		return
	}
	status := sess.status
	remoteID := sess.remoteID
	direction := sess.direction
	m.mu.Unlock()

	if status != StatusCalling && status != StatusRinging {
		return
	}

	log.Infof("CALL [%s]: no answer", callID)
	sig := wire.CallSignal{CallID: callID}
	if direction == Outgoing {
		sig.CallerID = m.selfID
		sig.CalleeID = remoteID
	} else {
		sig.CallerID = remoteID
		sig.CalleeID = m.selfID
	}
	m.send(wire.KindTimeout, sig)
	m.end(ReasonTimeout)
}

// end finishes the current call exactly once, closes the peer outside the
// lock, and schedules the reset to idle after the grace period.
func (m *Manager) end(reason EndReason) {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.status == StatusEnded {
		m.mu.Unlock()
		return
	}
	sess.stopRingTimer()
	sess.status = StatusEnded
	sess.endedAt = time.Now()
	sess.reason = reason
	peer := sess.peer
	sess.peer = nil
	info := sess.info()
	callID := sess.callID
	grace := m.endGrace
	m.mu.Unlock()

	log.Infof("CALL [%s]: ended (%s), %ds", callID, reason, info.Duration)
	if peer != nil {
		if err := peer.Close(); err != nil {
			log.Warnf("CALL [%s]: close negotiator: %v", callID, err)
		}
	}
	m.notify(func(e Events) { e.CallEnded(info, reason) })

	time.AfterFunc(grace, func() { m.reset(callID) })
}

// reset clears the ended session so a new call can start.
func (m *Manager) reset(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil && m.sess.callID == callID && m.sess.status == StatusEnded {
		m.sess = nil
	}
}

func (m *Manager) notify(fn func(Events)) {
	if m.listener != nil {
		fn(m.listener)
	}
}

func (m *Manager) send(kind wire.Kind, sig wire.CallSignal) error {
	f, err := wire.New(kind, sig)
	if err == nil {
		err = m.sig.Publish(f)
	}
	if err != nil {
		log.Warnf("CALL: send %s: %v", kind, err)
	}
	return err
}
