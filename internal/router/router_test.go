package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/teamforge/meeting-signaling/internal/models"
	"github.com/teamforge/meeting-signaling/internal/presence"
	"github.com/teamforge/meeting-signaling/internal/registry"
	"github.com/teamforge/meeting-signaling/internal/relay"
	"github.com/teamforge/meeting-signaling/internal/session"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Enqueue(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.frames = append(f.frames, data)
	return true
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) received(t *testing.T) []models.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	envs := make([]models.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env models.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("received frame is not an envelope: %v", err)
		}
		envs = append(envs, env)
	}
	return envs
}

func (f *fakeConn) lastOfKind(t *testing.T, kind models.Kind) (models.Envelope, bool) {
	t.Helper()
	envs := f.received(t)
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Kind == kind {
			return envs[i], true
		}
	}
	return models.Envelope{}, false
}

func (f *fakeConn) countOfKind(t *testing.T, kind models.Kind) int {
	t.Helper()
	n := 0
	for _, env := range f.received(t) {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

// recordingBridge captures presence transitions on a channel, since they
// are dispatched fire-and-forget.
type recordingBridge struct {
	events chan string
}

func newRecordingBridge() *recordingBridge {
	return &recordingBridge{events: make(chan string, 16)}
}

func (b *recordingBridge) MarkOnline(ctx context.Context, meetingCode, peerID, participantID string) error {
	b.events <- fmt.Sprintf("online %s %s %s", meetingCode, peerID, participantID)
	return nil
}

func (b *recordingBridge) MarkOffline(ctx context.Context, meetingCode, peerID string) error {
	b.events <- fmt.Sprintf("offline %s %s", meetingCode, peerID)
	return nil
}

func (b *recordingBridge) wait(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-b.events:
		if got != want {
			t.Errorf("presence event = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("timed out waiting for presence event %q", want)
	}
}

type fixture struct {
	sessions *session.Store
	meetings *registry.Registry
	conns    *relay.Table
	router   *Router
}

func newFixture(bridge presence.Bridge) *fixture {
	sessions := session.NewStore()
	meetings := registry.New()
	conns := relay.NewTable()
	engine := relay.NewEngine(meetings, sessions, conns)
	return &fixture{
		sessions: sessions,
		meetings: meetings,
		conns:    conns,
		router:   New(sessions, meetings, engine, bridge),
	}
}

// open simulates the lifecycle manager admitting a connection.
func (fx *fixture) open(connID string) (*fakeConn, State) {
	conn := &fakeConn{id: connID}
	fx.sessions.Create(connID)
	fx.conns.Add(conn)
	return conn, StateUnbound
}

// closed simulates the transport loop exiting for any reason.
func (fx *fixture) closed(conn *fakeConn, st State) State {
	fx.conns.Remove(conn.id)
	return fx.router.Closed(conn, st)
}

func (fx *fixture) send(t *testing.T, conn *fakeConn, st State, env models.Envelope) State {
	t.Helper()
	frame, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal test envelope: %v", err)
	}
	return fx.router.Dispatch(conn, st, frame)
}

func (fx *fixture) join(t *testing.T, conn *fakeConn, st State, meetingCode, peerID string) State {
	t.Helper()
	next := fx.send(t, conn, st, models.Envelope{
		Kind:        models.KindJoin,
		MeetingCode: meetingCode,
		FromPeerID:  peerID,
	})
	if next != StateJoined {
		t.Fatalf("join of %s did not reach JOINED", peerID)
	}
	return next
}

func peerList(t *testing.T, env models.Envelope) []string {
	t.Helper()
	var payload models.ParticipantListPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("participant list payload: %v", err)
	}
	return payload.Peers
}

// TestMeetingWalkthrough follows two peers through a full meeting: join,
// roster delivery, offer relay, disconnect, leave broadcast.
func TestMeetingWalkthrough(t *testing.T) {
	fx := newFixture(presence.Nop{})

	a, stA := fx.open("c-a")
	stA = fx.join(t, a, stA, "M1", "A")

	listA, ok := a.lastOfKind(t, models.KindParticipantList)
	if !ok {
		t.Fatal("A did not receive a participant list on join")
	}
	if peers := peerList(t, listA); len(peers) != 0 {
		t.Errorf("first joiner's roster = %v, want empty", peers)
	}

	b, stB := fx.open("c-b")
	stB = fx.join(t, b, stB, "M1", "B")

	joinEnv, ok := a.lastOfKind(t, models.KindJoin)
	if !ok {
		t.Fatal("A did not receive a JOIN broadcast for B")
	}
	if joinEnv.FromPeerID != "B" {
		t.Errorf("JOIN broadcast fromPeerId = %q, want B", joinEnv.FromPeerID)
	}

	listB, ok := b.lastOfKind(t, models.KindParticipantList)
	if !ok {
		t.Fatal("B did not receive a participant list on join")
	}
	if peers := peerList(t, listB); len(peers) != 1 || peers[0] != "A" {
		t.Errorf("B's roster = %v, want [A]", peers)
	}

	sdp, _ := json.Marshal(models.SDPPayload{Type: "offer", SDP: "v=0"})
	stA = fx.send(t, a, stA, models.Envelope{
		Kind:     models.KindOffer,
		ToPeerID: "B",
		Payload:  sdp,
	})

	offer, ok := b.lastOfKind(t, models.KindOffer)
	if !ok {
		t.Fatal("B did not receive the offer")
	}
	if offer.FromPeerID != "A" {
		t.Errorf("offer fromPeerId = %q, want A", offer.FromPeerID)
	}

	fx.closed(b, stB)

	leave, ok := a.lastOfKind(t, models.KindLeave)
	if !ok {
		t.Fatal("A did not receive a LEAVE for B")
	}
	if leave.FromPeerID != "B" {
		t.Errorf("LEAVE fromPeerId = %q, want B", leave.FromPeerID)
	}
	if members := fx.meetings.Members("M1"); len(members) != 1 || members[0] != "c-a" {
		t.Errorf("registry members = %v, want [c-a]", members)
	}
}

func TestRegistryAndSessionStayConsistent(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, st := fx.open("c-a")
	st = fx.join(t, a, st, "M1", "A")

	meta, ok := fx.sessions.Lookup("c-a")
	if !ok || meta.MeetingCode != "M1" {
		t.Fatalf("session metadata = %+v, want meeting M1", meta)
	}
	if !fx.meetings.Contains("M1", "c-a") {
		t.Fatal("joined connection missing from registry")
	}

	st = fx.send(t, a, st, models.Envelope{Kind: models.KindLeave})
	if st != StateUnbound {
		t.Fatalf("state after LEAVE = %v, want UNBOUND", st)
	}
	meta, _ = fx.sessions.Lookup("c-a")
	if meta.Bound() {
		t.Errorf("session still bound after LEAVE: %+v", meta)
	}
	if fx.meetings.Contains("M1", "c-a") {
		t.Error("connection still in registry after LEAVE")
	}
}

func TestRejoinDifferentMeetingAfterLeave(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, stA := fx.open("c-a")
	stA = fx.join(t, a, stA, "M1", "A")
	stA = fx.send(t, a, stA, models.Envelope{Kind: models.KindLeave})
	stA = fx.join(t, a, stA, "M2", "A")

	if !fx.meetings.Contains("M2", "c-a") {
		t.Error("rejoin did not land in the new meeting")
	}
	if !fx.meetings.IsEmpty("M1") {
		t.Error("old meeting not cleaned up")
	}
}

func TestMessagesBeforeJoinRejected(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, st := fx.open("c-a")

	st = fx.send(t, a, st, models.Envelope{Kind: models.KindOffer, ToPeerID: "B"})
	if st != StateUnbound {
		t.Fatalf("state advanced to %v without JOIN", st)
	}
	errEnv, ok := a.lastOfKind(t, models.KindError)
	if !ok {
		t.Fatal("no ERROR answered for pre-join message")
	}
	if errEnv.Error == "" {
		t.Error("ERROR envelope carries no message")
	}
}

func TestDuplicateJoinRejected(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, st := fx.open("c-a")
	st = fx.join(t, a, st, "M1", "A")

	st = fx.send(t, a, st, models.Envelope{Kind: models.KindJoin, MeetingCode: "M2", FromPeerID: "A"})
	if st != StateJoined {
		t.Fatalf("duplicate JOIN changed state to %v", st)
	}
	if _, ok := a.lastOfKind(t, models.KindError); !ok {
		t.Error("duplicate JOIN not answered with ERROR")
	}
	if !fx.meetings.Contains("M1", "c-a") || fx.meetings.Contains("M2", "c-a") {
		t.Error("duplicate JOIN moved the connection between meetings")
	}
}

func TestPeerIDCollisionRejected(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, stA := fx.open("c-a")
	fx.join(t, a, stA, "M1", "A")

	b, stB := fx.open("c-b")
	stB = fx.send(t, b, stB, models.Envelope{Kind: models.KindJoin, MeetingCode: "M1", FromPeerID: "A"})
	if stB != StateUnbound {
		t.Fatalf("colliding JOIN reached state %v", stB)
	}
	if _, ok := b.lastOfKind(t, models.KindError); !ok {
		t.Error("colliding JOIN not answered with ERROR")
	}
}

func TestChatReachesEveryoneIncludingSender(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, stA := fx.open("c-a")
	stA = fx.join(t, a, stA, "M1", "A")
	b, stB := fx.open("c-b")
	fx.join(t, b, stB, "M1", "B")

	chat, _ := json.Marshal(models.ChatPayload{Message: "hello", SenderName: "Ann", Timestamp: 1})
	fx.send(t, a, stA, models.Envelope{Kind: models.KindChatMessage, Payload: chat})

	for name, conn := range map[string]*fakeConn{"A": a, "B": b} {
		if got := conn.countOfKind(t, models.KindChatMessage); got != 1 {
			t.Errorf("%s received %d chat messages, want 1", name, got)
		}
	}
}

func TestMediaToggleExcludesSender(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, stA := fx.open("c-a")
	stA = fx.join(t, a, stA, "M1", "A")
	b, stB := fx.open("c-b")
	fx.join(t, b, stB, "M1", "B")

	fx.send(t, a, stA, models.Envelope{Kind: models.KindToggleAudio})

	if got := a.countOfKind(t, models.KindToggleAudio); got != 0 {
		t.Errorf("sender received its own toggle %d times", got)
	}
	if got := b.countOfKind(t, models.KindToggleAudio); got != 1 {
		t.Errorf("B received %d toggles, want 1", got)
	}
}

func TestOfferToUnknownPeer(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, stA := fx.open("c-a")
	stA = fx.join(t, a, stA, "M1", "A")
	b, stB := fx.open("c-b")
	fx.join(t, b, stB, "M1", "B")

	fx.send(t, a, stA, models.Envelope{Kind: models.KindOffer, ToPeerID: "ghost"})

	if _, ok := a.lastOfKind(t, models.KindError); !ok {
		t.Error("unresolved target not answered with ERROR")
	}
	if got := b.countOfKind(t, models.KindOffer); got != 0 {
		t.Errorf("offer to unknown peer leaked %d deliveries", got)
	}
}

func TestSenderIdentityOverwritten(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, stA := fx.open("c-a")
	stA = fx.join(t, a, stA, "M1", "A")
	b, stB := fx.open("c-b")
	fx.join(t, b, stB, "M1", "B")

	// Claimed identity must be replaced by the session's
	fx.send(t, a, stA, models.Envelope{Kind: models.KindChatMessage, FromPeerID: "mallory"})

	chat, ok := b.lastOfKind(t, models.KindChatMessage)
	if !ok {
		t.Fatal("chat not delivered")
	}
	if chat.FromPeerID != "A" {
		t.Errorf("delivered fromPeerId = %q, want A", chat.FromPeerID)
	}
}

func TestMeetingCodeMismatchRejected(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, stA := fx.open("c-a")
	stA = fx.join(t, a, stA, "M1", "A")

	fx.send(t, a, stA, models.Envelope{Kind: models.KindChatMessage, MeetingCode: "M2"})

	if _, ok := a.lastOfKind(t, models.KindError); !ok {
		t.Error("meeting code mismatch not answered with ERROR")
	}
}

func TestParticipantListRequest(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, stA := fx.open("c-a")
	stA = fx.join(t, a, stA, "M1", "A")
	b, stB := fx.open("c-b")
	fx.join(t, b, stB, "M1", "B")

	before := a.countOfKind(t, models.KindParticipantList)
	fx.send(t, a, stA, models.Envelope{Kind: models.KindParticipantList})

	if got := a.countOfKind(t, models.KindParticipantList); got != before+1 {
		t.Fatalf("requester received %d lists, want %d", got, before+1)
	}
	list, _ := a.lastOfKind(t, models.KindParticipantList)
	if peers := peerList(t, list); len(peers) != 1 || peers[0] != "B" {
		t.Errorf("roster = %v, want [B]", peers)
	}
	if got := b.countOfKind(t, models.KindParticipantList); got != 1 {
		t.Errorf("non-requester roster count = %d, want 1 (its own join roster)", got)
	}
}

func TestKickMatchesVoluntaryDisconnect(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, stA := fx.open("c-a")
	stA = fx.join(t, a, stA, "M1", "A")
	b, stB := fx.open("c-b")
	stB = fx.join(t, b, stB, "M1", "B")

	kick, _ := json.Marshal(models.KickPayload{TargetPeerID: "B"})
	fx.send(t, a, stA, models.Envelope{Kind: models.KindKickParticipant, Payload: kick})

	if !b.isClosed() {
		t.Fatal("kick did not close the target's connection")
	}

	// The target's transport loop exits and runs the ordinary close path
	fx.closed(b, stB)

	if got := a.countOfKind(t, models.KindLeave); got != 1 {
		t.Errorf("A received %d LEAVE broadcasts, want exactly 1", got)
	}
	if members := fx.meetings.Members("M1"); len(members) != 1 {
		t.Errorf("registry members after kick = %v, want [c-a]", members)
	}
	if _, ok := fx.sessions.Lookup("c-b"); ok {
		t.Error("kicked connection's session metadata not removed")
	}
}

func TestKickUnknownTarget(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, stA := fx.open("c-a")
	stA = fx.join(t, a, stA, "M1", "A")

	fx.send(t, a, stA, models.Envelope{Kind: models.KindKickParticipant, ToPeerID: "ghost"})

	if _, ok := a.lastOfKind(t, models.KindError); !ok {
		t.Error("kick of unknown peer not answered with ERROR")
	}
}

func TestCloseWithoutJoinIsCleanNoop(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, stA := fx.open("c-a")
	fx.join(t, a, stA, "M1", "A")

	b, stB := fx.open("c-b")
	st := fx.closed(b, stB)
	if st != StateClosed {
		t.Fatalf("state after close = %v, want CLOSED", st)
	}

	if got := a.countOfKind(t, models.KindLeave); got != 0 {
		t.Errorf("close of unbound connection broadcast %d LEAVEs", got)
	}

	// Closing again must be a no-op
	if fx.router.Closed(b, st) != StateClosed {
		t.Error("second close changed state")
	}
}

func TestMalformedFrameKeepsConnectionUsable(t *testing.T) {
	fx := newFixture(presence.Nop{})
	a, st := fx.open("c-a")

	st = fx.router.Dispatch(a, st, []byte(`{"kind":`))
	if st != StateUnbound {
		t.Fatalf("malformed frame changed state to %v", st)
	}
	if _, ok := a.lastOfKind(t, models.KindError); !ok {
		t.Fatal("malformed frame not answered with ERROR")
	}

	// A valid JOIN still works afterwards
	fx.join(t, a, st, "M1", "A")
}

func TestPresenceTransitions(t *testing.T) {
	bridge := newRecordingBridge()
	fx := newFixture(bridge)

	a, st := fx.open("c-a")
	payload, _ := json.Marshal(JoinPayload{ParticipantID: "user-7"})
	st = fx.send(t, a, st, models.Envelope{
		Kind:        models.KindJoin,
		MeetingCode: "M1",
		FromPeerID:  "A",
		Payload:     payload,
	})
	if st != StateJoined {
		t.Fatal("join did not reach JOINED")
	}
	bridge.wait(t, "online M1 A user-7")

	fx.closed(a, st)
	bridge.wait(t, "offline M1 A")
}
