package models

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the variant of a signal envelope
type Kind string

const (
	KindJoin             Kind = "JOIN"
	KindLeave            Kind = "LEAVE"
	KindOffer            Kind = "OFFER"
	KindAnswer           Kind = "ANSWER"
	KindICECandidate     Kind = "ICE_CANDIDATE"
	KindToggleVideo      Kind = "TOGGLE_VIDEO"
	KindToggleAudio      Kind = "TOGGLE_AUDIO"
	KindScreenShareStart Kind = "SCREEN_SHARE_START"
	KindScreenShareStop  Kind = "SCREEN_SHARE_STOP"
	KindParticipantList  Kind = "PARTICIPANT_LIST"
	KindKickParticipant  Kind = "KICK_PARTICIPANT"
	KindChatMessage      Kind = "CHAT_MESSAGE"
	KindError            Kind = "ERROR"

	// KindConnected is server-to-client only: the greeting sent when the
	// transport is ready, carrying the assigned connection id.
	KindConnected Kind = "CONNECTED"
)

var knownKinds = map[Kind]bool{
	KindJoin:             true,
	KindLeave:            true,
	KindOffer:            true,
	KindAnswer:           true,
	KindICECandidate:     true,
	KindToggleVideo:      true,
	KindToggleAudio:      true,
	KindScreenShareStart: true,
	KindScreenShareStop:  true,
	KindParticipantList:  true,
	KindKickParticipant:  true,
	KindChatMessage:      true,
	KindError:            true,
}

// Envelope is the single message unit of the signaling protocol.
// Payload is opaque to the server except where a handler needs a field
// out of it (kick target, participant list).
type Envelope struct {
	Kind        Kind            `json:"kind"`
	MeetingCode string          `json:"meetingCode,omitempty"`
	FromPeerID  string          `json:"fromPeerId,omitempty"`
	ToPeerID    string          `json:"toPeerId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// DecodeError describes a malformed inbound envelope. The connection
// answers with an ERROR envelope and stays open.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode envelope: " + e.Reason
}

// DecodeEnvelope parses a wire frame and validates the fields required
// for its kind. Payload contents are not validated here.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed JSON"}
	}

	if env.Kind == "" {
		return Envelope{}, &DecodeError{Reason: "missing kind"}
	}
	if !knownKinds[env.Kind] {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unknown kind %q", env.Kind)}
	}

	switch env.Kind {
	case KindJoin:
		if env.MeetingCode == "" {
			return Envelope{}, &DecodeError{Reason: "JOIN requires meetingCode"}
		}
		if env.FromPeerID == "" {
			return Envelope{}, &DecodeError{Reason: "JOIN requires fromPeerId"}
		}
	case KindOffer, KindAnswer, KindICECandidate:
		if env.ToPeerID == "" {
			return Envelope{}, &DecodeError{Reason: string(env.Kind) + " requires toPeerId"}
		}
	case KindKickParticipant:
		if env.ToPeerID == "" && len(env.Payload) == 0 {
			return Envelope{}, &DecodeError{Reason: "KICK_PARTICIPANT requires a target"}
		}
	}

	return env, nil
}

// Encode marshals the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// SDPPayload is the offer/answer payload exchanged between peers.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is a network-path proposal relayed between peers.
type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// ChatPayload is relayed to every member of the meeting, sender included.
type ChatPayload struct {
	Message    string `json:"message"`
	SenderName string `json:"senderName"`
	Timestamp  int64  `json:"timestamp"`
}

// MediaTogglePayload accompanies TOGGLE_VIDEO / TOGGLE_AUDIO.
type MediaTogglePayload struct {
	PeerID    string `json:"peerId"`
	Enabled   bool   `json:"enabled"`
	MediaType string `json:"mediaType"`
}

// KickPayload names the peer to remove from the meeting.
type KickPayload struct {
	TargetPeerID string `json:"targetPeerId"`
}

// ParticipantListPayload is the roster returned to a joiner or requester.
type ParticipantListPayload struct {
	Peers []string `json:"peers"`
}

// ConnectedPayload is the greeting payload.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}
