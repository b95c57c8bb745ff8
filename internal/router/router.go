package router

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/teamforge/meeting-signaling/internal/models"
	"github.com/teamforge/meeting-signaling/internal/presence"
	"github.com/teamforge/meeting-signaling/internal/registry"
	"github.com/teamforge/meeting-signaling/internal/relay"
	"github.com/teamforge/meeting-signaling/internal/session"
)

// State is the per-connection protocol state. It is only ever advanced by
// the connection's own read loop, so it needs no synchronization.
type State int

const (
	// StateUnbound is a connection that has opened but not joined a meeting.
	StateUnbound State = iota
	// StateJoined is a connection bound to a meeting.
	StateJoined
	// StateClosed is terminal.
	StateClosed
)

// JoinPayload carries the optional backing-store identity supplied on JOIN.
type JoinPayload struct {
	ParticipantID string `json:"participantId"`
}

// Router dispatches inbound envelopes against the per-connection state
// machine. Every (state, kind) pair is either in the dispatch table or
// rejected with an ERROR envelope; there is no fallthrough.
type Router struct {
	sessions *session.Store
	meetings *registry.Registry
	relay    *relay.Engine
	presence presence.Bridge
}

// New creates a router over the shared indices.
func New(sessions *session.Store, meetings *registry.Registry, engine *relay.Engine, bridge presence.Bridge) *Router {
	return &Router{sessions: sessions, meetings: meetings, relay: engine, presence: bridge}
}

type handlerFunc func(rt *Router, conn relay.Conn, env models.Envelope, meta session.Metadata) State

// dispatch maps (state, kind) to a handler. Absent pairs are rejected in
// Dispatch with a state-appropriate ERROR.
var dispatch = map[State]map[models.Kind]handlerFunc{
	StateUnbound: {
		models.KindJoin:  (*Router).handleJoin,
		models.KindError: (*Router).handleClientError,
	},
	StateJoined: {
		models.KindJoin:             (*Router).handleDuplicateJoin,
		models.KindLeave:            (*Router).handleLeave,
		models.KindOffer:            (*Router).handleDirect,
		models.KindAnswer:           (*Router).handleDirect,
		models.KindICECandidate:     (*Router).handleDirect,
		models.KindToggleVideo:      (*Router).handleBroadcastOthers,
		models.KindToggleAudio:      (*Router).handleBroadcastOthers,
		models.KindScreenShareStart: (*Router).handleBroadcastOthers,
		models.KindScreenShareStop:  (*Router).handleBroadcastOthers,
		models.KindChatMessage:      (*Router).handleChat,
		models.KindParticipantList:  (*Router).handleParticipantList,
		models.KindKickParticipant:  (*Router).handleKick,
		models.KindError:            (*Router).handleClientError,
	},
}

// Dispatch decodes one inbound frame and advances the connection's state
// machine. Protocol violations answer with an ERROR envelope and leave the
// connection open; Dispatch never returns StateClosed.
func (rt *Router) Dispatch(conn relay.Conn, st State, frame []byte) State {
	if st == StateClosed {
		return StateClosed
	}

	env, err := models.DecodeEnvelope(frame)
	if err != nil {
		var decodeErr *models.DecodeError
		if errors.As(err, &decodeErr) {
			rt.sendError(conn, decodeErr.Reason)
		} else {
			rt.sendError(conn, "malformed envelope")
		}
		return st
	}

	meta, ok := rt.sessions.Lookup(conn.ID())
	if !ok {
		// Session was already torn down; the read loop is about to exit.
		return st
	}

	if st == StateJoined {
		// Identity is never trusted from the client past JOIN.
		if env.MeetingCode != "" && env.MeetingCode != meta.MeetingCode {
			rt.sendError(conn, "meetingCode does not match joined meeting")
			return st
		}
		env.MeetingCode = meta.MeetingCode
		env.FromPeerID = meta.PeerID
	}

	h, ok := dispatch[st][env.Kind]
	if !ok {
		if st == StateUnbound {
			rt.sendError(conn, "must join first")
		} else {
			rt.sendError(conn, "unexpected "+string(env.Kind))
		}
		return st
	}
	return h(rt, conn, env, meta)
}

// Closed runs the close path for a connection, for any reason: client
// disconnect, kick, transport error. Idempotent, and a clean no-op when
// the connection never joined a meeting.
func (rt *Router) Closed(conn relay.Conn, st State) State {
	if st == StateClosed {
		return StateClosed
	}

	meta, ok := rt.sessions.Lookup(conn.ID())
	rt.sessions.Remove(conn.ID())
	if !ok || !meta.Bound() {
		return StateClosed
	}

	rt.meetings.Leave(meta.MeetingCode, meta.ConnectionID)
	rt.relay.Broadcast(meta.MeetingCode, models.Envelope{
		Kind:        models.KindLeave,
		MeetingCode: meta.MeetingCode,
		FromPeerID:  meta.PeerID,
	}, "")

	rt.notifyOffline(meta)
	log.Printf("Peer %s left meeting %s", meta.PeerID, meta.MeetingCode)
	return StateClosed
}

func (rt *Router) handleJoin(conn relay.Conn, env models.Envelope, meta session.Metadata) State {
	meetingCode := env.MeetingCode
	peerID := env.FromPeerID

	// Peer ids are unique within a meeting.
	if _, taken := rt.relay.Resolve(meetingCode, peerID); taken {
		rt.sendError(conn, "peer id already in use in this meeting")
		return StateUnbound
	}

	var jp JoinPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &jp); err != nil {
			rt.sendError(conn, "malformed JOIN payload")
			return StateUnbound
		}
	}

	// Metadata and registry must stay consistent: both added together.
	rt.sessions.Bind(conn.ID(), peerID, meetingCode, jp.ParticipantID)
	rt.meetings.Join(meetingCode, conn.ID())

	// Announce the joiner to the existing members.
	rt.relay.Broadcast(meetingCode, models.Envelope{
		Kind:        models.KindJoin,
		MeetingCode: meetingCode,
		FromPeerID:  peerID,
	}, conn.ID())

	// Hand the joiner the roster it missed.
	rt.sendParticipantList(conn, meetingCode, peerID)

	bound, _ := rt.sessions.Lookup(conn.ID())
	rt.notifyOnline(bound)
	log.Printf("Peer %s joined meeting %s", peerID, meetingCode)
	return StateJoined
}

func (rt *Router) handleDuplicateJoin(conn relay.Conn, env models.Envelope, meta session.Metadata) State {
	rt.sendError(conn, "already joined a meeting")
	return StateJoined
}

func (rt *Router) handleLeave(conn relay.Conn, env models.Envelope, meta session.Metadata) State {
	rt.meetings.Leave(meta.MeetingCode, meta.ConnectionID)
	rt.sessions.Unbind(meta.ConnectionID)

	rt.relay.Broadcast(meta.MeetingCode, models.Envelope{
		Kind:        models.KindLeave,
		MeetingCode: meta.MeetingCode,
		FromPeerID:  meta.PeerID,
	}, conn.ID())

	rt.notifyOffline(meta)
	log.Printf("Peer %s left meeting %s", meta.PeerID, meta.MeetingCode)
	return StateUnbound
}

// handleDirect relays OFFER/ANSWER/ICE_CANDIDATE to the named peer. The
// payload is opaque passthrough; renegotiation on a miss is the client's
// responsibility.
func (rt *Router) handleDirect(conn relay.Conn, env models.Envelope, meta session.Metadata) State {
	if !rt.relay.Unicast(meta.MeetingCode, env.ToPeerID, env) {
		rt.sendError(conn, "peer "+env.ToPeerID+" not found in meeting")
	}
	return StateJoined
}

func (rt *Router) handleBroadcastOthers(conn relay.Conn, env models.Envelope, meta session.Metadata) State {
	rt.relay.Broadcast(meta.MeetingCode, env, conn.ID())
	return StateJoined
}

// handleChat includes the sender so its own UI confirms delivery.
func (rt *Router) handleChat(conn relay.Conn, env models.Envelope, meta session.Metadata) State {
	rt.relay.Broadcast(meta.MeetingCode, env, "")
	return StateJoined
}

func (rt *Router) handleParticipantList(conn relay.Conn, env models.Envelope, meta session.Metadata) State {
	rt.sendParticipantList(conn, meta.MeetingCode, meta.PeerID)
	return StateJoined
}

// handleKick closes the target's connection; cleanup and the LEAVE
// broadcast ride the ordinary close path, never duplicated here.
// Moderator authorization happens before the envelope reaches this core.
func (rt *Router) handleKick(conn relay.Conn, env models.Envelope, meta session.Metadata) State {
	target := env.ToPeerID
	if len(env.Payload) > 0 {
		var kp models.KickPayload
		if err := json.Unmarshal(env.Payload, &kp); err == nil && kp.TargetPeerID != "" {
			target = kp.TargetPeerID
		}
	}
	if target == "" {
		rt.sendError(conn, "KICK_PARTICIPANT requires a target")
		return StateJoined
	}

	victim, ok := rt.relay.Resolve(meta.MeetingCode, target)
	if !ok {
		rt.sendError(conn, "peer "+target+" not found in meeting")
		return StateJoined
	}

	log.Printf("Peer %s kicked from meeting %s by %s", target, meta.MeetingCode, meta.PeerID)
	if err := victim.Close(); err != nil {
		log.Printf("Failed to close kicked connection %s: %v", victim.ID(), err)
	}
	return StateJoined
}

func (rt *Router) handleClientError(conn relay.Conn, env models.Envelope, meta session.Metadata) State {
	log.Printf("Client error from connection %s: %s", conn.ID(), env.Error)
	if meta.Bound() {
		return StateJoined
	}
	return StateUnbound
}

func (rt *Router) sendParticipantList(conn relay.Conn, meetingCode, selfPeerID string) {
	peers := make([]string, 0)
	for _, connID := range rt.meetings.Members(meetingCode) {
		m, ok := rt.sessions.Lookup(connID)
		if !ok || m.PeerID == selfPeerID {
			continue
		}
		peers = append(peers, m.PeerID)
	}

	payload, err := json.Marshal(models.ParticipantListPayload{Peers: peers})
	if err != nil {
		log.Printf("Failed to marshal participant list for meeting %s: %v", meetingCode, err)
		return
	}
	rt.relay.Send(conn, models.Envelope{
		Kind:        models.KindParticipantList,
		MeetingCode: meetingCode,
		Payload:     payload,
	})
}

func (rt *Router) sendError(conn relay.Conn, message string) {
	rt.relay.Send(conn, models.Envelope{
		Kind:  models.KindError,
		Error: message,
	})
}

func (rt *Router) notifyOnline(meta session.Metadata) {
	presence.Notify(rt.presence, "online", func(ctx context.Context, b presence.Bridge) error {
		return b.MarkOnline(ctx, meta.MeetingCode, meta.PeerID, meta.ParticipantID)
	})
}

func (rt *Router) notifyOffline(meta session.Metadata) {
	presence.Notify(rt.presence, "offline", func(ctx context.Context, b presence.Bridge) error {
		return b.MarkOffline(ctx, meta.MeetingCode, meta.PeerID)
	})
}
