// Package syncer backfills the local cache after a reconnect: one delta
// fetch over the REST API from the oldest checkpoint, then a replay of the
// offline outbox through the delivery tracker.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/AngkinV/Nexus-All/internal/delivery"
	"github.com/AngkinV/Nexus-All/internal/storage"
	"github.com/AngkinV/Nexus-All/internal/wire"
)

var log = logging.Logger("nexus:sync")

// Store is the slice of the cache the syncer reads and writes.
type Store interface {
	LastSyncTime(key string) (int64, error)
	SetLastSyncTime(key string, ts int64) error
	MergeInbound(msg wire.ChatMessage) error
	SaveChat(c storage.Chat) error
	SaveContacts(contacts []storage.Contact) error
	PendingOutbox() ([]storage.OutboxEntry, error)
	MarkOutboxSent(id int64) error
	ClearSentOutbox() error
}

// Sender replays one outbox entry under its original client id.
type Sender interface {
	Resend(conversationID, content, kind, attachmentRef, clientID string) <-chan delivery.Result
}

// Syncer pulls missed state from the REST API into the cache.
type Syncer struct {
	apiURL string
	token  string
	store  Store
	sender Sender
	hc     *http.Client
}

// New creates a Syncer against apiURL, e.g. "https://host/api".
func New(apiURL, token string, store Store, sender Sender) *Syncer {
	return &Syncer{
		apiURL: apiURL,
		token:  token,
		store:  store,
		sender: sender,
		hc:     &http.Client{Timeout: 30 * time.Second},
	}
}

// deltaPayload is the sync endpoint response.
type deltaPayload struct {
	Messages []wire.ChatMessage `json:"messages"`
	Chats    []chatPayload      `json:"chats"`
	Contacts []contactPayload   `json:"contacts"`
	// ServerTime becomes the next checkpoint for every synced kind, so
	// clock skew between client and server never skips events.
	ServerTime int64 `json:"serverTime"`
}

type chatPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	MemberCount   int    `json:"memberCount"`
	LastMessage   string `json:"lastMessage"`
	LastMessageAt int64  `json:"lastMessageAt"`
}

type contactPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	IsOnline bool   `json:"isOnline"`
	LastSeen int64  `json:"lastSeen"`
}

// DeltaSync fetches everything since the oldest checkpoint across the three
// synced kinds and merges it into the cache. A missing checkpoint for any
// kind falls back to the full snapshot endpoint.
func (s *Syncer) DeltaSync(ctx context.Context) error {
	since, err := s.oldestCheckpoint()
	if err != nil {
		return err
	}

	endpoint := s.apiURL + "/sync/full"
	if since > 0 {
		q := url.Values{}
		q.Set("since", fmt.Sprintf("%d", since))
		q.Set("types", "messages,chats,contacts")
		endpoint = s.apiURL + "/sync/delta?" + q.Encode()
	}

	var payload deltaPayload
	if err := s.get(ctx, endpoint, &payload); err != nil {
		return err
	}

	for _, msg := range payload.Messages {
		if err := s.store.MergeInbound(msg); err != nil {
			log.Warnf("SYNC: merge message %s: %v", msg.ID, err)
		}
	}
	for _, c := range payload.Chats {
		err := s.store.SaveChat(storage.Chat{
			ID:            c.ID,
			Name:          c.Name,
			Type:          c.Type,
			MemberCount:   c.MemberCount,
			LastMessage:   c.LastMessage,
			LastMessageAt: c.LastMessageAt,
		})
		if err != nil {
			log.Warnf("SYNC: save chat %s: %v", c.ID, err)
		}
	}
	if len(payload.Contacts) > 0 {
		contacts := make([]storage.Contact, 0, len(payload.Contacts))
		for _, c := range payload.Contacts {
			contacts = append(contacts, storage.Contact{
				ID:       c.ID,
				Name:     c.Name,
				Avatar:   c.Avatar,
				IsOnline: c.IsOnline,
				LastSeen: c.LastSeen,
			})
		}
		if err := s.store.SaveContacts(contacts); err != nil {
			log.Warnf("SYNC: save contacts: %v", err)
		}
	}

	checkpoint := payload.ServerTime
	if checkpoint == 0 {
		checkpoint = time.Now().UnixMilli()
	}
	for _, key := range []string{storage.SyncMessages, storage.SyncChats, storage.SyncContacts} {
		if err := s.store.SetLastSyncTime(key, checkpoint); err != nil {
			return fmt.Errorf("sync: checkpoint %s: %w", key, err)
		}
	}

	log.Infof("SYNC: merged %d messages, %d chats, %d contacts",
		len(payload.Messages), len(payload.Chats), len(payload.Contacts))
	return nil
}

// FlushOutbox replays pending offline messages in enqueue order, stopping
// on the first failure so ordering survives a flaky reconnect. Returns how
// many entries were flushed.
func (s *Syncer) FlushOutbox(ctx context.Context) (int, error) {
	pending, err := s.store.PendingOutbox()
	if err != nil {
		return 0, fmt.Errorf("sync: read outbox: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	log.Infof("SYNC: flushing %d queued messages", len(pending))

	flushed := 0
	for _, e := range pending {
		res := <-s.sender.Resend(e.ConversationID, e.Content, e.Kind, e.AttachmentRef, e.ClientMsgID)
		if res.Err != nil {
			return flushed, fmt.Errorf("sync: flush outbox entry %d: %w", e.ID, res.Err)
		}
		if err := s.store.MarkOutboxSent(e.ID); err != nil {
			log.Warnf("SYNC: mark outbox %d sent: %v", e.ID, err)
		}
		flushed++

		select {
		case <-ctx.Done():
			return flushed, ctx.Err()
		default:
		}
	}

	if err := s.store.ClearSentOutbox(); err != nil {
		log.Warnf("SYNC: clear sent outbox: %v", err)
	}
	return flushed, nil
}

// oldestCheckpoint returns the minimum of the three per-kind checkpoints;
// zero when any kind has never synced.
func (s *Syncer) oldestCheckpoint() (int64, error) {
	var oldest int64 = -1
	for _, key := range []string{storage.SyncMessages, storage.SyncChats, storage.SyncContacts} {
		ts, err := s.store.LastSyncTime(key)
		if err != nil {
			return 0, fmt.Errorf("sync: read checkpoint %s: %w", key, err)
		}
		if ts == 0 {
			return 0, nil
		}
		if oldest < 0 || ts < oldest {
			oldest = ts
		}
	}
	return oldest, nil
}

func (s *Syncer) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("sync: build request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("sync: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sync: fetch: unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sync: decode response: %w", err)
	}
	return nil
}
