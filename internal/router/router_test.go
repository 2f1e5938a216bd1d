package router

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/AngkinV/Nexus-All/internal/wire"
)

type presenceUpdate struct {
	userID   string
	online   bool
	lastSeen int64
}

type fakeMessages struct {
	merged   []wire.ChatMessage
	reads    []string
	groups   []wire.Kind
	presence []presenceUpdate
}

func (s *fakeMessages) MergeInbound(msg wire.ChatMessage) error {
	s.merged = append(s.merged, msg)
	return nil
}

func (s *fakeMessages) MarkRead(conversationID, userID, messageID string) error {
	s.reads = append(s.reads, conversationID+"/"+userID+"/"+messageID)
	return nil
}

func (s *fakeMessages) ApplyGroupEvent(kind wire.Kind, ev wire.GroupEvent) error {
	s.groups = append(s.groups, kind)
	return nil
}

func (s *fakeMessages) SetPresence(userID string, online bool, lastSeen int64) error {
	s.presence = append(s.presence, presenceUpdate{userID, online, lastSeen})
	return nil
}

type fakeAcks struct {
	acks      []wire.Ack
	failed    []wire.DeliveryFailed
	delivered []wire.Delivered
}

func (s *fakeAcks) HandleAck(a wire.Ack)             { s.acks = append(s.acks, a) }
func (s *fakeAcks) HandleFailed(f wire.DeliveryFailed) { s.failed = append(s.failed, f) }
func (s *fakeAcks) HandleDelivered(d wire.Delivered) { s.delivered = append(s.delivered, d) }

type fakeCalls struct {
	kinds []wire.Kind
	sigs  []wire.CallSignal
}

func (s *fakeCalls) HandleSignal(kind wire.Kind, sig wire.CallSignal) {
	s.kinds = append(s.kinds, kind)
	s.sigs = append(s.sigs, sig)
}

func frame(t *testing.T, kind wire.Kind, payload any) wire.Frame {
	t.Helper()
	f, err := wire.New(kind, payload)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestDispatchChatMessage(t *testing.T) {
	msgs := &fakeMessages{}
	r := New(msgs, &fakeAcks{}, &fakeCalls{}, NewTypingSet())

	r.Dispatch(frame(t, wire.KindChatMessage, wire.ChatMessage{
		ID:             "srv-1",
		ConversationID: "conv-1",
		SenderID:       "bob",
		Content:        "hi",
		Kind:           "text",
	}))

	if len(msgs.merged) != 1 || msgs.merged[0].ID != "srv-1" {
		t.Fatalf("merged = %+v", msgs.merged)
	}
}

func TestDispatchAckFamily(t *testing.T) {
	acks := &fakeAcks{}
	r := New(&fakeMessages{}, acks, nil, nil)

	r.Dispatch(frame(t, wire.KindMessageAck, wire.Ack{ClientMsgID: "c1", ServerMsgID: "s1"}))
	r.Dispatch(frame(t, wire.KindDelivered, wire.Delivered{MessageID: "s1", ConversationID: "conv-1"}))
	r.Dispatch(frame(t, wire.KindDeliveryFailed, wire.DeliveryFailed{ClientMsgID: "c2", Error: "nope"}))

	if len(acks.acks) != 1 || len(acks.delivered) != 1 || len(acks.failed) != 1 {
		t.Fatalf("acks = %+v", acks)
	}
}

func TestDispatchCallSignals(t *testing.T) {
	calls := &fakeCalls{}
	r := New(nil, nil, calls, nil)

	for _, kind := range []wire.Kind{wire.KindInvite, wire.KindOffer, wire.KindIceCandidate, wire.KindEnd} {
		r.Dispatch(frame(t, kind, wire.CallSignal{CallID: "call-1"}))
	}

	want := []wire.Kind{wire.KindInvite, wire.KindOffer, wire.KindIceCandidate, wire.KindEnd}
	if !reflect.DeepEqual(calls.kinds, want) {
		t.Fatalf("kinds = %v, want %v", calls.kinds, want)
	}
	for _, sig := range calls.sigs {
		if sig.CallID != "call-1" {
			t.Fatalf("sig = %+v", sig)
		}
	}
}

func TestDispatchGroupEvents(t *testing.T) {
	msgs := &fakeMessages{}
	r := New(msgs, nil, nil, nil)

	r.Dispatch(frame(t, wire.KindGroupMemberJoined, wire.GroupEvent{GroupID: "g1", MemberCount: 4}))
	r.Dispatch(frame(t, wire.KindGroupDeleted, wire.GroupEvent{GroupID: "g1"}))

	want := []wire.Kind{wire.KindGroupMemberJoined, wire.KindGroupDeleted}
	if !reflect.DeepEqual(msgs.groups, want) {
		t.Fatalf("groups = %v", msgs.groups)
	}
}

func TestDispatchReadReceipt(t *testing.T) {
	msgs := &fakeMessages{}
	r := New(msgs, nil, nil, nil)

	r.Dispatch(frame(t, wire.KindMessageRead, wire.ReadReceipt{
		ConversationID: "conv-1",
		UserID:         "bob",
		MessageID:      "all",
	}))

	if len(msgs.reads) != 1 || msgs.reads[0] != "conv-1/bob/all" {
		t.Fatalf("reads = %v", msgs.reads)
	}
}

func TestDispatchPresence(t *testing.T) {
	msgs := &fakeMessages{}
	r := New(msgs, nil, nil, nil)

	r.Dispatch(frame(t, wire.KindUserOnline, wire.Presence{UserID: "bob"}))
	r.Dispatch(frame(t, wire.KindUserOffline, wire.Presence{UserID: "bob", LastSeen: 4200}))

	if len(msgs.presence) != 2 {
		t.Fatalf("presence = %+v", msgs.presence)
	}
	if !msgs.presence[0].online || msgs.presence[0].userID != "bob" {
		t.Fatalf("online update = %+v", msgs.presence[0])
	}
	if msgs.presence[1].online || msgs.presence[1].lastSeen != 4200 {
		t.Fatalf("offline update = %+v", msgs.presence[1])
	}
}

func TestDispatchPresenceOfflineFallsBackToFrameTime(t *testing.T) {
	msgs := &fakeMessages{}
	r := New(msgs, nil, nil, nil)

	// An offline event without a lastSeen uses the frame timestamp.
	r.Dispatch(wire.Frame{
		Type:      wire.KindUserOffline,
		Payload:   json.RawMessage(`{"userId":"amy"}`),
		Timestamp: 9900,
	})
	if len(msgs.presence) != 1 || msgs.presence[0].lastSeen != 9900 {
		t.Fatalf("presence = %+v", msgs.presence)
	}
}

func TestDispatchErrorRoutesToAcks(t *testing.T) {
	acks := &fakeAcks{}
	r := New(nil, acks, nil, nil)

	r.Dispatch(frame(t, wire.KindError, wire.ErrorPayload{ConversationID: "conv-1", Error: "boom"}))
	if len(acks.failed) != 1 || acks.failed[0].Error != "boom" {
		t.Fatalf("failed = %+v", acks.failed)
	}

	// An error without a conversation is log-only.
	r.Dispatch(frame(t, wire.KindError, wire.ErrorPayload{Error: "global"}))
	if len(acks.failed) != 1 {
		t.Fatalf("failed = %+v", acks.failed)
	}
}

func TestDispatchUnknownKindDropped(t *testing.T) {
	r := New(&fakeMessages{}, &fakeAcks{}, &fakeCalls{}, NewTypingSet())
	r.Dispatch(wire.Frame{Type: "SOMETHING_NEW", Payload: json.RawMessage(`{}`)})
	// No panic, nothing routed.
}

func TestDispatchMalformedPayloadDropped(t *testing.T) {
	msgs := &fakeMessages{}
	r := New(msgs, nil, nil, nil)
	r.Dispatch(wire.Frame{Type: wire.KindChatMessage, Payload: json.RawMessage(`"not an object"`)})
	if len(msgs.merged) != 0 {
		t.Fatalf("merged = %+v", msgs.merged)
	}
}

func TestTypingSetExpiry(t *testing.T) {
	r := New(nil, nil, nil, NewTypingSet())

	r.Dispatch(frame(t, wire.KindTyping, wire.Typing{ConversationID: "conv-1", UserID: "bob", IsTyping: true}))
	r.Dispatch(frame(t, wire.KindTyping, wire.Typing{ConversationID: "conv-1", UserID: "amy", IsTyping: true}))

	got := r.Typing().Typing("conv-1")
	want := []string{"amy", "bob"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("typing = %v, want %v", got, want)
	}

	r.Dispatch(frame(t, wire.KindTyping, wire.Typing{ConversationID: "conv-1", UserID: "bob", IsTyping: false}))
	got = r.Typing().Typing("conv-1")
	if !reflect.DeepEqual(got, []string{"amy"}) {
		t.Fatalf("typing = %v", got)
	}

	r.Typing().Stop()
	if n := len(r.Typing().Typing("conv-1")); n != 0 {
		t.Fatalf("typing after stop = %d", n)
	}
}
