// Package client assembles the messaging engine: transport, delivery
// tracking, event routing, call signaling, media, storage, and sync, wired
// behind one facade the application drives.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/AngkinV/Nexus-All/internal/call"
	"github.com/AngkinV/Nexus-All/internal/config"
	"github.com/AngkinV/Nexus-All/internal/delivery"
	"github.com/AngkinV/Nexus-All/internal/router"
	"github.com/AngkinV/Nexus-All/internal/rtc"
	"github.com/AngkinV/Nexus-All/internal/storage"
	"github.com/AngkinV/Nexus-All/internal/syncer"
	"github.com/AngkinV/Nexus-All/internal/transport"
	"github.com/AngkinV/Nexus-All/internal/util"
	"github.com/AngkinV/Nexus-All/internal/wire"
)

var log = logging.Logger("nexus:client")

// ErrQueued means the message was stored in the offline outbox and will be
// replayed on the next reconnect.
var ErrQueued = errors.New("client: queued for later delivery")

const eventLogSize = 200

// Event is one entry in the client's recent-activity log.
type Event struct {
	At     time.Time
	Kind   string
	Detail string
}

// Client is the top-level messaging engine for one identity.
type Client struct {
	cfg   config.Config
	store *storage.DB

	transport *transport.Manager
	tracker   *delivery.Tracker
	calls     *call.Manager
	router    *router.Router
	sync      *syncer.Syncer

	events *util.Ring[Event]

	callListener call.Events
}

// New wires a Client from configuration and an open cache. SetCallListener,
// if needed, must be called before Run.
func New(cfg config.Config, store *storage.DB) *Client {
	c := &Client{
		cfg:    cfg,
		store:  store,
		events: util.NewRing[Event](eventLogSize),
	}

	c.transport = transport.New(transport.Config{
		URL:   cfg.Server.WSURL,
		Token: cfg.Identity.Token,
	})

	c.tracker = delivery.New(c.transport, store, cfg.Identity.UserID)
	c.sync = syncer.New(cfg.Server.APIURL, cfg.Identity.Token, store, c.tracker)
	c.calls = call.New(c.transport, cfg.Identity.UserID, c.negotiatorFactory(), c.deviceChecker(), &callEvents{c: c})
	c.router = router.New(store, c.tracker, c.calls, router.NewTypingSet())

	c.transport.SetHandler(c.router.Dispatch)
	c.transport.OnDisconnect(func() {
		c.record("transport", "disconnected")
		c.tracker.RejectAll(delivery.ErrDisconnected)
	})

	return c
}

// SetCallListener registers the application's call event listener.
func (c *Client) SetCallListener(l call.Events) { c.callListener = l }

// Run connects and blocks until ctx is cancelled. Every successful
// (re)connect triggers a delta sync and an outbox flush.
func (c *Client) Run(ctx context.Context) error {
	c.transport.Connect(c.cfg.Identity.UserID, func(err error) {
		if err != nil {
			c.record("transport", err.Error())
			log.Errorf("CLIENT: connect: %v", err)
			return
		}
		c.record("transport", "connected")
		go c.backfill(ctx)
	})

	<-ctx.Done()
	c.Close()
	return ctx.Err()
}

// Resume forces an immediate reconnect attempt with backoff reset. Call on
// process wake.
func (c *Client) Resume() { c.transport.Resume() }

// Connected reports whether the event channel is up.
func (c *Client) Connected() bool { return c.transport.Connected() }

// SendMessage sends a chat message, or queues it in the outbox while
// offline. Returns the client message id and a future resolving with the
// delivery outcome; a queued message resolves immediately with ErrQueued.
func (c *Client) SendMessage(conversationID, content, kind, attachmentRef string) (string, <-chan delivery.Result) {
	if c.transport.Connected() {
		return c.tracker.Send(conversationID, content, kind, attachmentRef)
	}
	return c.queueMessage(conversationID, content, kind, attachmentRef)
}

// SendTyping publishes a typing indicator. Best-effort; a send failure is
// not worth surfacing.
func (c *Client) SendTyping(conversationID string, isTyping bool) {
	f, err := wire.New(wire.KindTyping, wire.Typing{
		ConversationID: conversationID,
		UserID:         c.cfg.Identity.UserID,
		IsTyping:       isTyping,
	})
	if err == nil {
		err = c.transport.Publish(f)
	}
	if err != nil {
		log.Debugf("CLIENT: typing: %v", err)
	}
}

// MarkRead marks messageID read, updates the cache, and tells the server.
// messageID "all" covers the whole conversation.
func (c *Client) MarkRead(conversationID, messageID string) error {
	if err := c.store.MarkRead(conversationID, c.cfg.Identity.UserID, messageID); err != nil {
		return fmt.Errorf("client: mark read: %w", err)
	}
	f, err := wire.New(wire.KindMessageRead, wire.ReadReceipt{
		ConversationID: conversationID,
		UserID:         c.cfg.Identity.UserID,
		MessageID:      messageID,
	})
	if err == nil {
		err = c.transport.Publish(f)
	}
	if err != nil {
		log.Warnf("CLIENT: read receipt: %v", err)
	}
	return nil
}

// Messages returns cached messages for a conversation, oldest first.
func (c *Client) Messages(conversationID string, limit int) ([]storage.Message, error) {
	return c.store.Messages(conversationID, limit)
}

// Chats returns the cached conversation list.
func (c *Client) Chats() ([]storage.Chat, error) { return c.store.Chats() }

// Contacts returns the cached contact list.
func (c *Client) Contacts() ([]storage.Contact, error) { return c.store.Contacts() }

// Typing returns the users currently typing in a conversation.
func (c *Client) Typing(conversationID string) []string {
	return c.router.Typing().Typing(conversationID)
}

// PlaceCall starts an outgoing call.
func (c *Client) PlaceCall(calleeID, callType string) (string, error) {
	if c.cfg.Media.VideoDisabled && callType == "video" {
		return "", fmt.Errorf("call: %w", &rtc.PermissionError{Code: rtc.CodeNotSupported})
	}
	return c.calls.Place(calleeID, callType)
}

// AcceptCall answers the ringing call.
func (c *Client) AcceptCall() error { return c.calls.Accept() }

// RejectCall declines the ringing call.
func (c *Client) RejectCall() error { return c.calls.Reject() }

// HangUp ends the current call.
func (c *Client) HangUp() error { return c.calls.HangUp() }

// ToggleMute flips the microphone for the current call.
func (c *Client) ToggleMute() (bool, error) { return c.calls.ToggleMute() }

// ToggleVideo flips the camera for the current call.
func (c *Client) ToggleVideo() (bool, error) { return c.calls.ToggleVideo() }

// CurrentCall returns a snapshot of the active call, if any.
func (c *Client) CurrentCall() (call.Info, bool) { return c.calls.Current() }

// RecentEvents returns the recent-activity log, oldest first.
func (c *Client) RecentEvents() []Event { return c.events.Snapshot() }

// Close shuts the engine down: calls first so the remote gets an END, then
// the transport. The storage handle stays open; its owner closes it.
func (c *Client) Close() {
	c.calls.Close()
	c.tracker.RejectAll(delivery.ErrDisconnected)
	c.router.Typing().Stop()
	c.transport.Close()
}

// queueMessage stores an offline send: optimistic cache row plus an outbox
// entry replayed by the next flush.
func (c *Client) queueMessage(conversationID, content, kind, attachmentRef string) (string, <-chan delivery.Result) {
	clientID := uuid.NewString()
	ch := make(chan delivery.Result, 1)

	msg := wire.ChatMessage{
		ConversationID: conversationID,
		SenderID:       c.cfg.Identity.UserID,
		Content:        content,
		Kind:           kind,
		AttachmentRef:  attachmentRef,
		ClientMsgID:    clientID,
	}
	if err := c.store.SaveOptimistic(msg); err != nil {
		log.Warnf("CLIENT: save optimistic: %v", err)
	}
	err := c.store.Enqueue(storage.OutboxEntry{
		ConversationID: conversationID,
		Content:        content,
		Kind:           kind,
		AttachmentRef:  attachmentRef,
		ClientMsgID:    clientID,
	})
	if err != nil {
		ch <- delivery.Result{Err: fmt.Errorf("client: queue message: %w", err)}
		return clientID, ch
	}

	log.Infof("CLIENT: offline, queued message for %s", conversationID)
	c.record("outbox", "queued message for "+conversationID)
	ch <- delivery.Result{Err: ErrQueued}
	return clientID, ch
}

// backfill runs after every successful connect: pull missed events, then
// replay the offline outbox.
func (c *Client) backfill(ctx context.Context) {
	if err := c.sync.DeltaSync(ctx); err != nil {
		log.Warnf("CLIENT: delta sync: %v", err)
		c.record("sync", "delta sync failed: "+err.Error())
	}
	n, err := c.sync.FlushOutbox(ctx)
	if err != nil {
		log.Warnf("CLIENT: flush outbox: %v", err)
	}
	if n > 0 {
		c.record("outbox", fmt.Sprintf("flushed %d queued messages", n))
	}
}

// negotiatorFactory adapts rtc.Peer construction to the call machine's
// factory contract, reducing Pion connection states to the three the state
// machine cares about.
func (c *Client) negotiatorFactory() call.NegotiatorFactory {
	return func(video bool, hooks call.NegotiatorHooks) (call.Negotiator, error) {
		var peer *rtc.Peer
		peer, err := rtc.NewPeer(rtc.Config{
			STUNServers: c.cfg.Media.STUNServers,
			Video:       video && !c.cfg.Media.VideoDisabled,
		}, rtc.Hooks{
			LocalCandidate: hooks.LocalCandidate,
			ConnectionState: func(state webrtc.PeerConnectionState) {
				if hooks.StateChange == nil {
					return
				}
				switch state {
				case webrtc.PeerConnectionStateConnected:
					hooks.StateChange(call.NegotiatorConnected)
				case webrtc.PeerConnectionStateDisconnected:
					hooks.StateChange(call.NegotiatorDisconnected)
				case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
					hooks.StateChange(call.NegotiatorFailed)
				}
			},
			RemoteTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
				// Drain the track so RTCP feedback keeps flowing even before
				// a renderer attaches.
				go peer.Consume(track, nil)
			},
		})
		if err != nil {
			return nil, err
		}
		return peer, nil
	}
}

func (c *Client) deviceChecker() call.DeviceChecker {
	return func(video bool) error {
		return rtc.CheckDevices(video && !c.cfg.Media.VideoDisabled)
	}
}

func (c *Client) record(kind, detail string) {
	c.events.Push(Event{At: time.Now(), Kind: kind, Detail: detail})
}

// callEvents records call lifecycle entries and forwards to the
// application's listener.
type callEvents struct {
	c *Client
}

func (e *callEvents) CallRinging(info call.Info) {
	e.c.record("call", fmt.Sprintf("incoming %s call from %s", info.CallType, info.RemoteID))
	if l := e.c.callListener; l != nil {
		l.CallRinging(info)
	}
}

func (e *callEvents) CallStatusChanged(info call.Info) {
	e.c.record("call", fmt.Sprintf("call %s: %s", info.CallID, info.Status))
	if l := e.c.callListener; l != nil {
		l.CallStatusChanged(info)
	}
}

func (e *callEvents) CallEnded(info call.Info, reason call.EndReason) {
	e.c.record("call", fmt.Sprintf("call %s ended: %s", info.CallID, reason))
	if l := e.c.callListener; l != nil {
		l.CallEnded(info, reason)
	}
}

func (e *callEvents) RemoteMuteChanged(muted bool) {
	if l := e.c.callListener; l != nil {
		l.RemoteMuteChanged(muted)
	}
}

func (e *callEvents) RemoteVideoChanged(enabled bool) {
	if l := e.c.callListener; l != nil {
		l.RemoteVideoChanged(enabled)
	}
}
