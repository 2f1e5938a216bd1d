package call

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AngkinV/Nexus-All/internal/wire"
)

type fakeSignaler struct {
	mu     sync.Mutex
	frames []wire.Frame
	peer   *Manager // when set, frames are delivered synchronously
	err    error
}

func (s *fakeSignaler) Publish(f wire.Frame) error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.frames = append(s.frames, f)
	peer := s.peer
	s.mu.Unlock()

	if peer != nil {
		sig, err := f.Call()
		if err != nil {
			return err
		}
		peer.HandleSignal(f.Type, sig)
	}
	return nil
}

func (s *fakeSignaler) byKind(kind wire.Kind) []wire.CallSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.CallSignal
	for _, f := range s.frames {
		if f.Type == kind {
			sig, _ := f.Call()
			out = append(out, sig)
		}
	}
	return out
}

func (s *fakeSignaler) count(kind wire.Kind) int { return len(s.byKind(kind)) }

type fakeNegotiator struct {
	mu         sync.Mutex
	gotOffer   json.RawMessage
	gotAnswer  json.RawMessage
	candidates []json.RawMessage
	videoSet   []bool
	closed     bool
}

func (n *fakeNegotiator) CreateOffer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (n *fakeNegotiator) HandleOffer(sdp json.RawMessage) (json.RawMessage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gotOffer != nil {
		return nil, nil
	}
	n.gotOffer = sdp
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (n *fakeNegotiator) HandleAnswer(sdp json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gotAnswer = sdp
	return nil
}

func (n *fakeNegotiator) AddRemoteCandidate(candidate json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.candidates = append(n.candidates, candidate)
	return nil
}

func (n *fakeNegotiator) SetVideoEnabled(enabled bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.videoSet = append(n.videoSet, enabled)
	return nil
}

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func (n *fakeNegotiator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

type fakeRTC struct {
	mu    sync.Mutex
	peers []*fakeNegotiator
	hooks []NegotiatorHooks
	err   error
}

func (f *fakeRTC) factory() NegotiatorFactory {
	return func(video bool, hooks NegotiatorHooks) (Negotiator, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.err != nil {
			return nil, f.err
		}
		n := &fakeNegotiator{}
		f.peers = append(f.peers, n)
		f.hooks = append(f.hooks, hooks)
		return n, nil
	}
}

func (f *fakeRTC) last(t *testing.T) (*fakeNegotiator, NegotiatorHooks) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		t.Fatal("no negotiator built")
	}
	return f.peers[len(f.peers)-1], f.hooks[len(f.hooks)-1]
}

type eventRec struct {
	mu       sync.Mutex
	ringing  []Info
	statuses []Status
	ended    []EndReason
	mutes    []bool
	videos   []bool
}

func (e *eventRec) CallRinging(info Info) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ringing = append(e.ringing, info)
}

func (e *eventRec) CallStatusChanged(info Info) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = append(e.statuses, info.Status)
}

func (e *eventRec) CallEnded(info Info, reason EndReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ended = append(e.ended, reason)
}

func (e *eventRec) RemoteMuteChanged(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mutes = append(e.mutes, muted)
}

func (e *eventRec) RemoteVideoChanged(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.videos = append(e.videos, enabled)
}

func (e *eventRec) lastEnd() (EndReason, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.ended) == 0 {
		return "", false
	}
	return e.ended[len(e.ended)-1], true
}

func okDevices(bool) error { return nil }

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func invite(callID, caller string) wire.CallSignal {
	return wire.CallSignal{CallID: callID, CallType: "audio", CallerID: caller, CalleeID: "alice"}
}

func TestPlaceSendsInvite(t *testing.T) {
	sig := &fakeSignaler{}
	m := New(sig, "alice", (&fakeRTC{}).factory(), okDevices, nil)

	callID, err := m.Place("bob", "audio")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status() != StatusCalling {
		t.Fatalf("status = %s", m.Status())
	}

	invites := sig.byKind(wire.KindInvite)
	if len(invites) != 1 {
		t.Fatalf("invites = %d", len(invites))
	}
	if invites[0].CallID != callID || invites[0].CalleeID != "bob" || invites[0].CallerID != "alice" {
		t.Fatalf("invite = %+v", invites[0])
	}
}

func TestPlaceWhileActiveIsBusy(t *testing.T) {
	sig := &fakeSignaler{}
	m := New(sig, "alice", (&fakeRTC{}).factory(), okDevices, nil)

	if _, err := m.Place("bob", "audio"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Place("carol", "audio"); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestPlaceDeviceFailureSendsNothing(t *testing.T) {
	sig := &fakeSignaler{}
	denied := errors.New("camera missing")
	m := New(sig, "alice", (&fakeRTC{}).factory(), func(bool) error { return denied }, nil)

	if _, err := m.Place("bob", "video"); !errors.Is(err, denied) {
		t.Fatalf("err = %v", err)
	}
	if m.Status() != StatusIdle {
		t.Fatalf("status = %s", m.Status())
	}
	if len(sig.frames) != 0 {
		t.Fatalf("frames = %d, want 0", len(sig.frames))
	}
}

func TestIncomingInviteRingsAndAccept(t *testing.T) {
	sig := &fakeSignaler{}
	rtc := &fakeRTC{}
	ev := &eventRec{}
	m := New(sig, "alice", rtc.factory(), okDevices, ev)

	m.HandleSignal(wire.KindInvite, invite("call-1", "bob"))
	if m.Status() != StatusRinging {
		t.Fatalf("status = %s", m.Status())
	}
	if len(ev.ringing) != 1 || ev.ringing[0].RemoteID != "bob" {
		t.Fatalf("ringing = %+v", ev.ringing)
	}

	if err := m.Accept(); err != nil {
		t.Fatal(err)
	}
	if m.Status() != StatusConnecting {
		t.Fatalf("status = %s", m.Status())
	}
	accepts := sig.byKind(wire.KindAccept)
	if len(accepts) != 1 || accepts[0].CallID != "call-1" {
		t.Fatalf("accepts = %+v", accepts)
	}
}

func TestAcceptOutsideRinging(t *testing.T) {
	m := New(&fakeSignaler{}, "alice", (&fakeRTC{}).factory(), okDevices, nil)
	if err := m.Accept(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("err = %v", err)
	}

	m.Place("bob", "audio")
	if err := m.Accept(); !errors.Is(err, ErrNotRinging) {
		t.Fatalf("err = %v", err)
	}
}

func TestAcceptPermissionFailureRejects(t *testing.T) {
	sig := &fakeSignaler{}
	ev := &eventRec{}
	denied := errors.New("mic permission denied")
	m := New(sig, "alice", (&fakeRTC{}).factory(), func(bool) error { return denied }, ev)
	m.endGrace = 5 * time.Millisecond

	m.HandleSignal(wire.KindInvite, invite("call-1", "bob"))
	if err := m.Accept(); !errors.Is(err, denied) {
		t.Fatalf("err = %v", err)
	}

	rejects := sig.byKind(wire.KindReject)
	if len(rejects) != 1 || rejects[0].Reason != "permission_denied" {
		t.Fatalf("rejects = %+v", rejects)
	}
	if reason, ok := ev.lastEnd(); !ok || reason != ReasonFailed {
		t.Fatalf("end reason = %v", reason)
	}
	waitUntil(t, func() bool { return m.Status() == StatusIdle })
}

func TestSecondInviteGetsBusyReply(t *testing.T) {
	sig := &fakeSignaler{}
	m := New(sig, "alice", (&fakeRTC{}).factory(), okDevices, nil)

	m.HandleSignal(wire.KindInvite, invite("call-1", "bob"))
	m.HandleSignal(wire.KindInvite, invite("call-2", "carol"))

	busy := sig.byKind(wire.KindBusy)
	if len(busy) != 1 || busy[0].CallID != "call-2" || busy[0].CallerID != "carol" {
		t.Fatalf("busy = %+v", busy)
	}
	// The first call still rings.
	if info, ok := m.Current(); !ok || info.CallID != "call-1" || info.Status != StatusRinging {
		t.Fatalf("current = %+v", info)
	}
}

func TestDuplicateInviteIgnored(t *testing.T) {
	sig := &fakeSignaler{}
	m := New(sig, "alice", (&fakeRTC{}).factory(), okDevices, nil)

	m.HandleSignal(wire.KindInvite, invite("call-1", "bob"))
	m.HandleSignal(wire.KindInvite, invite("call-1", "bob"))

	if n := sig.count(wire.KindBusy); n != 0 {
		t.Fatalf("busy replies = %d", n)
	}
}

func TestCallerNegotiationFlow(t *testing.T) {
	sig := &fakeSignaler{}
	rtc := &fakeRTC{}
	ev := &eventRec{}
	m := New(sig, "alice", rtc.factory(), okDevices, ev)
	m.endGrace = 5 * time.Millisecond

	callID, _ := m.Place("bob", "audio")

	m.HandleSignal(wire.KindAccept, wire.CallSignal{CallID: callID, CalleeID: "bob"})
	if m.Status() != StatusConnecting {
		t.Fatalf("status = %s", m.Status())
	}
	offers := sig.byKind(wire.KindOffer)
	if len(offers) != 1 || len(offers[0].SDP) == 0 {
		t.Fatalf("offers = %+v", offers)
	}

	peer, hooks := rtc.last(t)
	m.HandleSignal(wire.KindAnswer, wire.CallSignal{CallID: callID, SDP: json.RawMessage(`{"type":"answer"}`)})
	if peer.gotAnswer == nil {
		t.Fatal("answer not relayed to negotiator")
	}

	m.HandleSignal(wire.KindIceCandidate, wire.CallSignal{CallID: callID, Candidate: json.RawMessage(`{"candidate":"a"}`)})
	if len(peer.candidates) != 1 {
		t.Fatalf("candidates = %d", len(peer.candidates))
	}

	hooks.StateChange(NegotiatorConnected)
	if m.Status() != StatusConnected {
		t.Fatalf("status = %s", m.Status())
	}

	if err := m.HangUp(); err != nil {
		t.Fatal(err)
	}
	ends := sig.byKind(wire.KindEnd)
	if len(ends) != 1 || ends[0].Reason != string(ReasonCompleted) {
		t.Fatalf("ends = %+v", ends)
	}
	if !peer.isClosed() {
		t.Fatal("negotiator not closed on hangup")
	}
	if reason, _ := ev.lastEnd(); reason != ReasonCompleted {
		t.Fatalf("end reason = %s", reason)
	}
	waitUntil(t, func() bool { return m.Status() == StatusIdle })
}

func TestCalleeAnswersOffer(t *testing.T) {
	sig := &fakeSignaler{}
	rtc := &fakeRTC{}
	m := New(sig, "alice", rtc.factory(), okDevices, nil)

	m.HandleSignal(wire.KindInvite, invite("call-1", "bob"))
	if err := m.Accept(); err != nil {
		t.Fatal(err)
	}

	m.HandleSignal(wire.KindOffer, wire.CallSignal{CallID: "call-1", SDP: json.RawMessage(`{"type":"offer"}`)})
	answers := sig.byKind(wire.KindAnswer)
	if len(answers) != 1 || len(answers[0].SDP) == 0 {
		t.Fatalf("answers = %+v", answers)
	}

	// A retransmitted offer produces no second answer.
	m.HandleSignal(wire.KindOffer, wire.CallSignal{CallID: "call-1", SDP: json.RawMessage(`{"type":"offer"}`)})
	if n := sig.count(wire.KindAnswer); n != 1 {
		t.Fatalf("answers after dup = %d", n)
	}
}

func TestSignalsForOtherCallDropped(t *testing.T) {
	sig := &fakeSignaler{}
	m := New(sig, "alice", (&fakeRTC{}).factory(), okDevices, nil)

	callID, _ := m.Place("bob", "audio")
	m.HandleSignal(wire.KindEnd, wire.CallSignal{CallID: "stale-call"})
	m.HandleSignal(wire.KindReject, wire.CallSignal{CallID: "stale-call"})

	if info, ok := m.Current(); !ok || info.CallID != callID || info.Status != StatusCalling {
		t.Fatalf("current = %+v", info)
	}
}

func TestRingTimeoutCaller(t *testing.T) {
	sig := &fakeSignaler{}
	ev := &eventRec{}
	m := New(sig, "alice", (&fakeRTC{}).factory(), okDevices, ev)
	m.ringTimeout = 20 * time.Millisecond
	m.endGrace = 5 * time.Millisecond

	m.Place("bob", "audio")
	waitUntil(t, func() bool {
		reason, ok := ev.lastEnd()
		return ok && reason == ReasonTimeout
	})
	if n := sig.count(wire.KindTimeout); n != 1 {
		t.Fatalf("timeout frames = %d", n)
	}
	waitUntil(t, func() bool { return m.Status() == StatusIdle })
}

// An unanswered ring times out on the callee side too: the peer gets a
// TIMEOUT signal and the call ends with reason timeout.
func TestRingTimeoutCallee(t *testing.T) {
	sig := &fakeSignaler{}
	ev := &eventRec{}
	m := New(sig, "alice", (&fakeRTC{}).factory(), okDevices, ev)
	m.ringTimeout = 20 * time.Millisecond
	m.endGrace = 5 * time.Millisecond

	m.HandleSignal(wire.KindInvite, invite("call-1", "bob"))
	waitUntil(t, func() bool {
		reason, ok := ev.lastEnd()
		return ok && reason == ReasonTimeout
	})
	timeouts := sig.byKind(wire.KindTimeout)
	if len(timeouts) != 1 {
		t.Fatalf("timeout frames = %d", len(timeouts))
	}
	if timeouts[0].CallerID != "bob" || timeouts[0].CalleeID != "alice" {
		t.Fatalf("timeout signal = %+v", timeouts[0])
	}
}

func TestRemoteEndReasons(t *testing.T) {
	cases := []struct {
		kind wire.Kind
		want EndReason
	}{
		{wire.KindReject, ReasonRejected},
		{wire.KindBusy, ReasonBusy},
		{wire.KindTimeout, ReasonTimeout},
		{wire.KindEnd, ReasonCompleted},
	}
	for _, c := range cases {
		t.Run(string(c.kind), func(t *testing.T) {
			ev := &eventRec{}
			m := New(&fakeSignaler{}, "alice", (&fakeRTC{}).factory(), okDevices, ev)
			callID, _ := m.Place("bob", "audio")

			m.HandleSignal(c.kind, wire.CallSignal{CallID: callID})
			if reason, ok := ev.lastEnd(); !ok || reason != c.want {
				t.Fatalf("reason = %v, want %s", reason, c.want)
			}
		})
	}
}

func TestCancelWhileRinging(t *testing.T) {
	ev := &eventRec{}
	m := New(&fakeSignaler{}, "alice", (&fakeRTC{}).factory(), okDevices, ev)

	m.HandleSignal(wire.KindInvite, invite("call-1", "bob"))
	m.HandleSignal(wire.KindCancel, wire.CallSignal{CallID: "call-1"})

	if reason, ok := ev.lastEnd(); !ok || reason != ReasonCancelled {
		t.Fatalf("reason = %v", reason)
	}
}

func TestHangUpWhileCallingSendsCancel(t *testing.T) {
	sig := &fakeSignaler{}
	m := New(sig, "alice", (&fakeRTC{}).factory(), okDevices, nil)

	m.Place("bob", "audio")
	if err := m.HangUp(); err != nil {
		t.Fatal(err)
	}
	if n := sig.count(wire.KindCancel); n != 1 {
		t.Fatalf("cancel frames = %d", n)
	}
}

func TestNegotiatorFailureEndsCall(t *testing.T) {
	sig := &fakeSignaler{}
	rtc := &fakeRTC{}
	ev := &eventRec{}
	m := New(sig, "alice", rtc.factory(), okDevices, ev)

	callID, _ := m.Place("bob", "audio")
	m.HandleSignal(wire.KindAccept, wire.CallSignal{CallID: callID})
	_, hooks := rtc.last(t)
	hooks.StateChange(NegotiatorConnected)

	hooks.StateChange(NegotiatorFailed)
	if reason, ok := ev.lastEnd(); !ok || reason != ReasonFailed {
		t.Fatalf("reason = %v", reason)
	}
	ends := sig.byKind(wire.KindEnd)
	if len(ends) != 1 || ends[0].Reason != string(ReasonFailed) {
		t.Fatalf("ends = %+v", ends)
	}
}

func TestMuteAndVideoSignals(t *testing.T) {
	sig := &fakeSignaler{}
	ev := &eventRec{}
	fr := &fakeRTC{}
	m := New(sig, "alice", fr.factory(), okDevices, ev)

	callID, _ := m.Place("bob", "video")

	muted, err := m.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("muted = %v, %v", muted, err)
	}
	mutes := sig.byKind(wire.KindMute)
	if len(mutes) != 1 || !mutes[0].IsMuted || mutes[0].RemoteUserID != "bob" {
		t.Fatalf("mutes = %+v", mutes)
	}

	// Once negotiation starts, toggling also swaps the camera track.
	m.HandleSignal(wire.KindAccept, wire.CallSignal{CallID: callID})
	on, err := m.ToggleVideo()
	if err != nil || on {
		t.Fatalf("video = %v, %v", on, err)
	}
	peer, _ := fr.last(t)
	peer.mu.Lock()
	videoSet := append([]bool(nil), peer.videoSet...)
	peer.mu.Unlock()
	if len(videoSet) != 1 || videoSet[0] {
		t.Fatalf("videoSet = %v", videoSet)
	}

	// Remote toggles surface through the listener.
	m.HandleSignal(wire.KindMute, wire.CallSignal{CallID: callID, IsMuted: true})
	m.HandleSignal(wire.KindVideoToggle, wire.CallSignal{CallID: callID, VideoEnabled: false})
	if len(ev.mutes) != 1 || !ev.mutes[0] {
		t.Fatalf("remote mutes = %v", ev.mutes)
	}
	if len(ev.videos) != 1 || ev.videos[0] {
		t.Fatalf("remote videos = %v", ev.videos)
	}
}

// TestTwoPartyCall wires two managers through synchronous in-memory
// signaling and walks a full call: invite, accept, offer/answer, candidate
// exchange, connect, hangup.
func TestTwoPartyCall(t *testing.T) {
	sigA := &fakeSignaler{}
	sigB := &fakeSignaler{}
	rtcA := &fakeRTC{}
	rtcB := &fakeRTC{}
	evA := &eventRec{}
	evB := &eventRec{}

	a := New(sigA, "alice", rtcA.factory(), okDevices, evA)
	b := New(sigB, "bob", rtcB.factory(), okDevices, evB)
	a.endGrace = 5 * time.Millisecond
	b.endGrace = 5 * time.Millisecond
	sigA.peer = b
	sigB.peer = a

	callID, err := a.Place("bob", "audio")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status() != StatusRinging {
		t.Fatalf("callee status = %s", b.Status())
	}

	if err := b.Accept(); err != nil {
		t.Fatal(err)
	}
	// ACCEPT reached the caller synchronously: offer went out, answer came
	// back, both sides hold a negotiator with the remote description.
	if a.Status() != StatusConnecting || b.Status() != StatusConnecting {
		t.Fatalf("status a=%s b=%s", a.Status(), b.Status())
	}
	peerA, hooksA := rtcA.last(t)
	peerB, hooksB := rtcB.last(t)
	if peerB.gotOffer == nil {
		t.Fatal("callee never saw the offer")
	}
	if peerA.gotAnswer == nil {
		t.Fatal("caller never saw the answer")
	}

	// Trickle one candidate each way.
	hooksA.LocalCandidate(json.RawMessage(`{"candidate":"from-a"}`))
	hooksB.LocalCandidate(json.RawMessage(`{"candidate":"from-b"}`))
	if len(peerB.candidates) != 1 || len(peerA.candidates) != 1 {
		t.Fatalf("candidates a=%d b=%d", len(peerA.candidates), len(peerB.candidates))
	}

	hooksA.StateChange(NegotiatorConnected)
	hooksB.StateChange(NegotiatorConnected)
	if a.Status() != StatusConnected || b.Status() != StatusConnected {
		t.Fatalf("status a=%s b=%s", a.Status(), b.Status())
	}

	if err := a.HangUp(); err != nil {
		t.Fatal(err)
	}
	if reason, _ := evA.lastEnd(); reason != ReasonCompleted {
		t.Fatalf("caller end = %s", reason)
	}
	if reason, _ := evB.lastEnd(); reason != ReasonCompleted {
		t.Fatalf("callee end = %s", reason)
	}
	if !peerA.isClosed() || !peerB.isClosed() {
		t.Fatal("negotiators not closed")
	}

	waitUntil(t, func() bool { return a.Status() == StatusIdle && b.Status() == StatusIdle })
	_ = callID
}

func TestFormattedDuration(t *testing.T) {
	cases := []struct {
		secs int64
		want string
	}{
		{0, "00:00"},
		{-3, "00:00"},
		{59, "00:59"},
		{61, "01:01"},
		{600, "10:00"},
		{3599, "59:59"},
		{3600, "1:00:00"},
		{7325, "2:02:05"},
	}
	for _, c := range cases {
		if got := (Info{Duration: c.secs}).FormattedDuration(); got != c.want {
			t.Errorf("FormattedDuration(%d) = %q, want %q", c.secs, got, c.want)
		}
	}
}
