package call

import (
	"encoding/json"
	"fmt"
)

// Status is the call lifecycle state. Exactly one call exists at a time;
// a second invite while any non-idle status holds is answered with BUSY.
type Status int

const (
	StatusIdle Status = iota
	StatusRinging
	StatusCalling
	StatusConnecting
	StatusConnected
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRinging:
		return "ringing"
	case StatusCalling:
		return "calling"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

// EndReason records why a call ended.
type EndReason string

const (
	ReasonCompleted EndReason = "completed"
	ReasonRejected  EndReason = "rejected"
	ReasonCancelled EndReason = "cancelled"
	ReasonBusy      EndReason = "busy"
	ReasonTimeout   EndReason = "timeout"
	ReasonFailed    EndReason = "failed"
	ReasonMissed    EndReason = "missed"
)

// Direction distinguishes who initiated the call.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// Info is a snapshot of the current call handed to event listeners.
type Info struct {
	CallID    string
	CallType  string // "audio" or "video"
	RemoteID  string
	Direction Direction
	Status    Status
	StartedAt int64 // unix millis, zero until connected
	Duration  int64 // seconds, set when ended
}

// FormattedDuration renders the connected time as MM:SS, or H:MM:SS past
// an hour.
func (i Info) FormattedDuration() string {
	d := i.Duration
	if d < 0 {
		d = 0
	}
	h, m, s := d/3600, (d%3600)/60, d%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// NegotiatorState is the reduced peer-connection state the call machine
// reacts to.
type NegotiatorState int

const (
	NegotiatorConnected NegotiatorState = iota
	NegotiatorDisconnected
	NegotiatorFailed
)

// NegotiatorHooks are the callbacks a Negotiator fires back into the call
// machine.
type NegotiatorHooks struct {
	LocalCandidate func(candidate json.RawMessage)
	StateChange    func(state NegotiatorState)
}

// Negotiator is the only surface the call machine needs from the WebRTC
// layer. rtc.Peer satisfies it directly.
type Negotiator interface {
	CreateOffer() (json.RawMessage, error)
	HandleOffer(sdp json.RawMessage) (json.RawMessage, error)
	HandleAnswer(sdp json.RawMessage) error
	AddRemoteCandidate(candidate json.RawMessage) error
	SetVideoEnabled(enabled bool) error
	Close() error
}

// NegotiatorFactory builds one Negotiator per call.
type NegotiatorFactory func(video bool, hooks NegotiatorHooks) (Negotiator, error)

// DeviceChecker verifies capture hardware and permissions before a call is
// placed or accepted.
type DeviceChecker func(video bool) error

// Events receives call lifecycle notifications. Implementations must not
// call back into the Manager from inside a notification.
type Events interface {
	CallRinging(info Info)
	CallStatusChanged(info Info)
	CallEnded(info Info, reason EndReason)
	RemoteMuteChanged(muted bool)
	RemoteVideoChanged(enabled bool)
}
