// Package wire defines the frame model for the unified event channel.
// Every inbound and outbound frame is {type, payload, timestamp}; the type
// field is a closed enum decoded once at the transport boundary so the rest
// of the engine never switches on raw strings.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the frame type on the wire.
type Kind string

// Chat-channel frame kinds.
const (
	KindChatMessage    Kind = "CHAT_MESSAGE"
	KindMessageAck     Kind = "MESSAGE_ACK"
	KindDelivered      Kind = "MESSAGE_DELIVERED"
	KindDeliveryFailed Kind = "MESSAGE_DELIVERY_FAILED"
	KindTyping         Kind = "TYPING"
	KindMessageRead    Kind = "MESSAGE_READ"
	KindError          Kind = "ERROR"
)

// Contact-channel frame kinds.
const (
	KindUserOnline  Kind = "USER_ONLINE"
	KindUserOffline Kind = "USER_OFFLINE"
)

// Group/membership frame kinds.
const (
	KindGroupMemberJoined  Kind = "GROUP_MEMBER_JOINED"
	KindGroupMemberLeft    Kind = "GROUP_MEMBER_LEFT"
	KindGroupUpdated       Kind = "GROUP_UPDATED"
	KindGroupDeleted       Kind = "GROUP_DELETED"
	KindGroupAdminChanged  Kind = "GROUP_ADMIN_CHANGED"
	KindGroupOwnerChanged  Kind = "GROUP_OWNERSHIP_TRANSFERRED"
)

// Call-signal frame kinds.
const (
	KindInvite       Kind = "INVITE"
	KindAccept       Kind = "ACCEPT"
	KindReject       Kind = "REJECT"
	KindCancel       Kind = "CANCEL"
	KindBusy         Kind = "BUSY"
	KindTimeout      Kind = "TIMEOUT"
	KindEnd          Kind = "END"
	KindOffer        Kind = "OFFER"
	KindAnswer       Kind = "ANSWER"
	KindIceCandidate Kind = "ICE_CANDIDATE"
	KindMute         Kind = "MUTE"
	KindVideoToggle  Kind = "VIDEO_TOGGLE"
)

// Client→server frame kinds.
const (
	KindSubscribe Kind = "SUBSCRIBE"
	KindHeartbeat Kind = "HEARTBEAT"
)

// IsCallSignal reports whether k belongs to the call-signaling family.
func (k Kind) IsCallSignal() bool {
	switch k {
	case KindInvite, KindAccept, KindReject, KindCancel, KindBusy,
		KindTimeout, KindEnd, KindOffer, KindAnswer, KindIceCandidate,
		KindMute, KindVideoToggle:
		return true
	}
	return false
}

// IsGroupEvent reports whether k belongs to the group/membership family.
func (k Kind) IsGroupEvent() bool {
	switch k {
	case KindGroupMemberJoined, KindGroupMemberLeft, KindGroupUpdated,
		KindGroupDeleted, KindGroupAdminChanged, KindGroupOwnerChanged:
		return true
	}
	return false
}

// Frame is the envelope carried on the unified channel.
type Frame struct {
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Decode parses one raw inbound frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("wire: frame missing type")
	}
	return f, nil
}

// New builds an outbound frame with the payload marshalled and a timestamp.
func New(kind Kind, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encode %s payload: %w", kind, err)
	}
	return Frame{Type: kind, Payload: raw, Timestamp: time.Now().UnixMilli()}, nil
}

// ChatMessage is the payload of a CHAT_MESSAGE frame.
type ChatMessage struct {
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName,omitempty"`
	Content        string `json:"content"`
	Kind           string `json:"kind"` // "text" or "media"
	AttachmentRef  string `json:"attachmentRef,omitempty"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
	Sequence       int64  `json:"sequenceNumber,omitempty"`
	CreatedAt      int64  `json:"createdAt,omitempty"`
}

// OutboundMessage is the client→server send envelope.
type OutboundMessage struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	Kind           string `json:"kind"`
	AttachmentRef  string `json:"attachmentRef,omitempty"`
	ClientMsgID    string `json:"clientMsgId"`
}

// Ack is the payload of a MESSAGE_ACK frame.
type Ack struct {
	ClientMsgID    string `json:"clientMsgId"`
	ServerMsgID    string `json:"serverMsgId"`
	ConversationID string `json:"conversationId"`
	Sequence       int64  `json:"sequenceNumber"`
}

// Delivered is the payload of a MESSAGE_DELIVERED frame.
type Delivered struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// DeliveryFailed is the payload of a MESSAGE_DELIVERY_FAILED frame.
type DeliveryFailed struct {
	ClientMsgID    string `json:"clientMsgId,omitempty"`
	ConversationID string `json:"conversationId"`
	Error          string `json:"error"`
}

// Typing is the payload of a TYPING frame.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadReceipt is the payload of a MESSAGE_READ frame. MessageID "all" marks
// every message in the conversation read.
type ReadReceipt struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	MessageID      string `json:"messageId"`
}

// Presence is the payload of USER_ONLINE and USER_OFFLINE frames.
type Presence struct {
	UserID   string `json:"userId"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// GroupEvent is the payload shared by the group/membership frame kinds.
type GroupEvent struct {
	GroupID     string          `json:"groupId"`
	MemberID    string          `json:"memberId,omitempty"`
	MemberCount int             `json:"memberCount,omitempty"`
	IsAdmin     bool            `json:"isAdmin,omitempty"`
	NewOwnerID  string          `json:"newOwnerId,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
}

// ErrorPayload is the payload of an ERROR frame.
type ErrorPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error"`
}

// CallSignal is the payload shared by all call-signal frame kinds.
// Directed signals (INVITE..END, OFFER, ANSWER) carry callerId/calleeId;
// bidirectional signals (ICE_CANDIDATE, MUTE, VIDEO_TOGGLE) carry
// userId/remoteUserId.
type CallSignal struct {
	CallID       string          `json:"callId"`
	CallType     string          `json:"callType,omitempty"` // "audio" or "video"
	CallerID     string          `json:"callerId,omitempty"`
	CalleeID     string          `json:"calleeId,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	RemoteUserID string          `json:"remoteUserId,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Duration     int64           `json:"duration,omitempty"`
	SDP          json.RawMessage `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	IsMuted      bool            `json:"isMuted,omitempty"`
	VideoEnabled bool            `json:"isVideoEnabled,omitempty"`
}

// Subscribe is the payload of a SUBSCRIBE frame.
type Subscribe struct {
	Channel string `json:"channel"`
}

// Heartbeat is the payload of a HEARTBEAT frame.
type Heartbeat struct {
	UserID string `json:"userId"`
}

// Call decodes the frame payload as a CallSignal.
func (f Frame) Call() (CallSignal, error) {
	var s CallSignal
	if err := json.Unmarshal(f.Payload, &s); err != nil {
		return CallSignal{}, fmt.Errorf("wire: decode %s payload: %w", f.Type, err)
	}
	return s, nil
}
