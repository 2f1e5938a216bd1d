// Package router demultiplexes inbound frames to exactly one handler family
// by frame kind. Unknown kinds are logged and dropped; dispatch never raises
// to the transport.
package router

import (
	"encoding/json"

	logging "github.com/ipfs/go-log/v2"

	"github.com/AngkinV/Nexus-All/internal/wire"
)

var log = logging.Logger("nexus:router")

// MessageSink receives chat, receipt, group, and presence events. Calls are
// best-effort side effects; errors are logged here and go no further.
type MessageSink interface {
	MergeInbound(msg wire.ChatMessage) error
	MarkRead(conversationID, userID, messageID string) error
	ApplyGroupEvent(kind wire.Kind, ev wire.GroupEvent) error
	SetPresence(userID string, online bool, lastSeen int64) error
}

// AckSink receives delivery lifecycle frames.
type AckSink interface {
	HandleAck(wire.Ack)
	HandleFailed(wire.DeliveryFailed)
	HandleDelivered(wire.Delivered)
}

// CallSink receives call-signal frames.
type CallSink interface {
	HandleSignal(kind wire.Kind, sig wire.CallSignal)
}

// Router routes decoded frames to the subsystem handlers.
type Router struct {
	messages MessageSink
	acks     AckSink
	calls    CallSink
	typing   *TypingSet
}

// New creates a Router over the given sinks. Any sink may be nil; frames for
// it are then dropped.
func New(messages MessageSink, acks AckSink, calls CallSink, typing *TypingSet) *Router {
	return &Router{messages: messages, acks: acks, calls: calls, typing: typing}
}

// Typing exposes the router's typing set to the UI layer.
func (r *Router) Typing() *TypingSet { return r.typing }

// Dispatch routes one inbound frame. Runs to completion before the
// transport reads the next frame.
func (r *Router) Dispatch(f wire.Frame) {
	if f.Type.IsCallSignal() {
		r.dispatchCall(f)
		return
	}
	if f.Type.IsGroupEvent() {
		var ev wire.GroupEvent
		if !r.decode(f, &ev) {
			return
		}
		if r.messages != nil {
			if err := r.messages.ApplyGroupEvent(f.Type, ev); err != nil {
				log.Warnf("ROUTER: group event %s: %v", f.Type, err)
			}
		}
		return
	}

	switch f.Type {
	case wire.KindChatMessage:
		var msg wire.ChatMessage
		if !r.decode(f, &msg) {
			return
		}
		if r.messages != nil {
			if err := r.messages.MergeInbound(msg); err != nil {
				log.Warnf("ROUTER: merge inbound: %v", err)
			}
		}

	case wire.KindMessageAck:
		var ack wire.Ack
		if r.decode(f, &ack) && r.acks != nil {
			r.acks.HandleAck(ack)
		}

	case wire.KindDelivered:
		var d wire.Delivered
		if r.decode(f, &d) && r.acks != nil {
			r.acks.HandleDelivered(d)
		}

	case wire.KindDeliveryFailed:
		var fail wire.DeliveryFailed
		if r.decode(f, &fail) && r.acks != nil {
			r.acks.HandleFailed(fail)
		}

	case wire.KindTyping:
		var t wire.Typing
		if !r.decode(f, &t) {
			return
		}
		if r.typing != nil {
			if t.IsTyping {
				r.typing.Set(t.ConversationID, t.UserID)
			} else {
				r.typing.Clear(t.ConversationID, t.UserID)
			}
		}

	case wire.KindMessageRead:
		var rr wire.ReadReceipt
		if !r.decode(f, &rr) {
			return
		}
		if r.messages != nil {
			if err := r.messages.MarkRead(rr.ConversationID, rr.UserID, rr.MessageID); err != nil {
				log.Warnf("ROUTER: read receipt: %v", err)
			}
		}

	case wire.KindUserOnline, wire.KindUserOffline:
		var p wire.Presence
		if !r.decode(f, &p) {
			return
		}
		if r.messages != nil {
			online := f.Type == wire.KindUserOnline
			lastSeen := p.LastSeen
			if !online && lastSeen == 0 {
				lastSeen = f.Timestamp
			}
			if err := r.messages.SetPresence(p.UserID, online, lastSeen); err != nil {
				log.Warnf("ROUTER: presence for %s: %v", p.UserID, err)
			}
		}

	case wire.KindError:
		var e wire.ErrorPayload
		if !r.decode(f, &e) {
			return
		}
		log.Errorw("ROUTER: server error", "conversation", e.ConversationID, "error", e.Error)
		if r.acks != nil && e.ConversationID != "" {
			r.acks.HandleFailed(wire.DeliveryFailed{ConversationID: e.ConversationID, Error: e.Error})
		}

	default:
		log.Debugf("ROUTER: dropping unknown frame type %q", f.Type)
	}
}

func (r *Router) dispatchCall(f wire.Frame) {
	sig, err := f.Call()
	if err != nil {
		log.Warnf("ROUTER: call signal %s: %v", f.Type, err)
		return
	}
	if r.calls != nil {
		r.calls.HandleSignal(f.Type, sig)
	}
}

func (r *Router) decode(f wire.Frame, v any) bool {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		log.Warnf("ROUTER: decode %s payload: %v", f.Type, err)
		return false
	}
	return true
}
