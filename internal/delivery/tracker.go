// Package delivery correlates outbound messages with server ACKs. Every send
// gets a client-generated UUID and a pending entry with an expiry timer;
// exactly one entry exists per unresolved message, and every entry is
// resolved exactly once: on ACK, server failure, local timeout, or
// disconnect.
package delivery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/AngkinV/Nexus-All/internal/wire"
)

var log = logging.Logger("nexus:delivery")

var (
	// ErrTimeout means no ACK arrived within the window. The optimistic
	// record stays visible as failed so the user can retry manually.
	ErrTimeout = errors.New("delivery: ack timeout")

	// ErrDisconnected rejects every outstanding send when the session drops.
	ErrDisconnected = errors.New("delivery: disconnected")

	// ErrRejected wraps a server-reported delivery failure.
	ErrRejected = errors.New("delivery: rejected by server")
)

const ackWindow = 10 * time.Second

// Ack is the server's acknowledgement of a durably accepted message.
type Ack struct {
	ServerMsgID    string
	ConversationID string
	Sequence       int64
}

// Result resolves a send future: either Ack or Err is set.
type Result struct {
	Ack Ack
	Err error
}

// Publisher is the outbound side of the transport.
type Publisher interface {
	Publish(wire.Frame) error
}

// Cache is the slice of the local cache the tracker writes through to.
// All calls are best-effort; a slow or failing cache never blocks delivery.
type Cache interface {
	SaveOptimistic(msg wire.ChatMessage) error
	BindServerID(conversationID, clientMsgID, serverMsgID string, sequence int64) error
	MarkFailed(conversationID, clientMsgID string) error
	MarkDelivered(conversationID, serverMsgID string) error
}

type pendingAck struct {
	conversationID string
	ch             chan Result
	timer          *time.Timer
}

// Tracker tracks outbound messages awaiting MESSAGE_ACK.
type Tracker struct {
	pub    Publisher
	cache  Cache
	selfID string

	mu      sync.Mutex
	pending map[string]*pendingAck
}

// New creates a Tracker sending as selfID.
func New(pub Publisher, cache Cache, selfID string) *Tracker {
	return &Tracker{
		pub:     pub,
		cache:   cache,
		selfID:  selfID,
		pending: make(map[string]*pendingAck),
	}
}

// Send publishes one outbound message and returns its client id plus a
// future resolving on ACK, failure, or timeout. The result channel is
// buffered; resolution never blocks on a slow consumer.
func (t *Tracker) Send(conversationID, content, kind, attachmentRef string) (string, <-chan Result) {
	clientID := uuid.NewString()

	// Optimistic record first so the caller sees the message immediately.
	t.cacheWrite("save optimistic", func() error {
		return t.cache.SaveOptimistic(wire.ChatMessage{
			ConversationID: conversationID,
			SenderID:       t.selfID,
			Content:        content,
			Kind:           kind,
			AttachmentRef:  attachmentRef,
			ClientMsgID:    clientID,
		})
	})

	return clientID, t.publish(conversationID, content, kind, attachmentRef, clientID)
}

// Resend replays a message under its original client id. The optimistic
// record already exists, so only the publish and the pending entry happen;
// the server dedups repeats of the same client id.
func (t *Tracker) Resend(conversationID, content, kind, attachmentRef, clientID string) <-chan Result {
	return t.publish(conversationID, content, kind, attachmentRef, clientID)
}

func (t *Tracker) publish(conversationID, content, kind, attachmentRef, clientID string) <-chan Result {
	ch := make(chan Result, 1)

	env := wire.OutboundMessage{
		ConversationID: conversationID,
		SenderID:       t.selfID,
		Content:        content,
		Kind:           kind,
		AttachmentRef:  attachmentRef,
		ClientMsgID:    clientID,
	}

	f, err := wire.New(wire.KindChatMessage, env)
	if err == nil {
		err = t.pub.Publish(f)
	}
	if err != nil {
		t.cacheWrite("mark failed", func() error {
			return t.cache.MarkFailed(conversationID, clientID)
		})
		ch <- Result{Err: fmt.Errorf("delivery: send: %w", err)}
		return ch
	}

	p := &pendingAck{conversationID: conversationID, ch: ch}
	p.timer = time.AfterFunc(ackWindow, func() { t.expire(clientID) })

	t.mu.Lock()
	t.pending[clientID] = p
	t.mu.Unlock()

	log.Debugf("DELIVERY: sent %s to %s", clientID[:8], conversationID)
	return ch
}

// HandleAck resolves the matching pending entry and upgrades the optimistic
// cache record to its server identity. Unknown client ids are ignored;
// the entry may already have expired.
func (t *Tracker) HandleAck(ack wire.Ack) {
	p := t.take(ack.ClientMsgID)
	if p == nil {
		return
	}
	p.timer.Stop()
	p.ch <- Result{Ack: Ack{
		ServerMsgID:    ack.ServerMsgID,
		ConversationID: ack.ConversationID,
		Sequence:       ack.Sequence,
	}}

	t.cacheWrite("bind server id", func() error {
		return t.cache.BindServerID(ack.ConversationID, ack.ClientMsgID, ack.ServerMsgID, ack.Sequence)
	})
	log.Debugf("DELIVERY: acked %s → %s", ack.ClientMsgID[:8], ack.ServerMsgID)
}

// HandleFailed rejects the matching pending entry with the server error and
// marks the optimistic record failed.
func (t *Tracker) HandleFailed(fail wire.DeliveryFailed) {
	log.Warnf("DELIVERY: server rejected %s: %s", fail.ClientMsgID, fail.Error)
	if p := t.take(fail.ClientMsgID); p != nil {
		p.timer.Stop()
		p.ch <- Result{Err: fmt.Errorf("%w: %s", ErrRejected, fail.Error)}
	}
	if fail.ClientMsgID != "" {
		t.cacheWrite("mark failed", func() error {
			return t.cache.MarkFailed(fail.ConversationID, fail.ClientMsgID)
		})
	}
}

// HandleDelivered records that a message reached its recipient.
func (t *Tracker) HandleDelivered(d wire.Delivered) {
	t.cacheWrite("mark delivered", func() error {
		return t.cache.MarkDelivered(d.ConversationID, d.MessageID)
	})
}

// RejectAll rejects every outstanding entry and clears the table. Called on
// explicit disconnect so no caller hangs on a future that can never resolve.
func (t *Tracker) RejectAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingAck)
	t.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	log.Infof("DELIVERY: rejecting %d pending sends: %v", len(pending), err)
	for id, p := range pending {
		p.timer.Stop()
		p.ch <- Result{Err: err}
		t.cacheWrite("mark failed", func() error {
			return t.cache.MarkFailed(p.conversationID, id)
		})
	}
}

// PendingCount returns the number of unresolved sends.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// expire fires on the ACK window timer. If the entry was already resolved
// the take returns nil and nothing happens; a timeout can never
// double-reject an entry resolved by ACK or disconnect.
func (t *Tracker) expire(clientID string) {
	p := t.take(clientID)
	if p == nil {
		return
	}
	log.Warnf("DELIVERY: ack timeout for %s", clientID[:8])
	p.ch <- Result{Err: ErrTimeout}
	t.cacheWrite("mark failed", func() error {
		return t.cache.MarkFailed(p.conversationID, clientID)
	})
}

// take removes and returns the pending entry for clientID, or nil.
func (t *Tracker) take(clientID string) *pendingAck {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[clientID]
	if !ok {
		return nil
	}
	delete(t.pending, clientID)
	return p
}

func (t *Tracker) cacheWrite(op string, fn func() error) {
	if t.cache == nil {
		return
	}
	if err := fn(); err != nil {
		log.Warnf("DELIVERY: cache %s: %v", op, err)
	}
}
