package relay

import (
	"log"
	"sync"

	"github.com/teamforge/meeting-signaling/internal/models"
	"github.com/teamforge/meeting-signaling/internal/registry"
	"github.com/teamforge/meeting-signaling/internal/session"
)

// Conn is the outbound side of one signaling connection. Enqueue must not
// block: a recipient whose buffer is full is treated as a failed delivery,
// isolated to that recipient.
type Conn interface {
	ID() string
	Enqueue(data []byte) bool
	Close() error
}

// Table maps connection ids to their Conn handles. Connections are added by
// the lifecycle manager on open and removed on close.
type Table struct {
	conns sync.Map // connectionID -> Conn
}

// NewTable creates an empty connection table.
func NewTable() *Table {
	return &Table{}
}

func (t *Table) Add(c Conn) {
	t.conns.Store(c.ID(), c)
}

func (t *Table) Remove(connectionID string) {
	t.conns.Delete(connectionID)
}

func (t *Table) Get(connectionID string) (Conn, bool) {
	v, ok := t.conns.Load(connectionID)
	if !ok {
		return nil, false
	}
	return v.(Conn), true
}

// Engine delivers envelopes to meeting members. It holds no state of its
// own; membership comes from the registry snapshot and identity from the
// session store.
type Engine struct {
	meetings *registry.Registry
	sessions *session.Store
	conns    *Table
}

// NewEngine creates a relay engine over the shared indices.
func NewEngine(meetings *registry.Registry, sessions *session.Store, conns *Table) *Engine {
	return &Engine{meetings: meetings, sessions: sessions, conns: conns}
}

// Broadcast sends the envelope to every member of the meeting except the
// excluded connection (pass "" to exclude nobody). A failed send to one
// member never aborts delivery to the rest.
func (e *Engine) Broadcast(meetingCode string, env models.Envelope, excludeConnectionID string) {
	data, err := env.Encode()
	if err != nil {
		log.Printf("Failed to marshal %s envelope for meeting %s: %v", env.Kind, meetingCode, err)
		return
	}

	for _, connID := range e.meetings.Members(meetingCode) {
		if connID == excludeConnectionID {
			continue
		}
		conn, ok := e.conns.Get(connID)
		if !ok {
			// Member left between snapshot and delivery.
			continue
		}
		if !conn.Enqueue(data) {
			log.Printf("Failed to send %s to connection %s, buffer full", env.Kind, connID)
		}
	}
}

// Unicast delivers the envelope to the meeting member whose peer id matches
// the target. Peer ids are scoped to the meeting, so resolution is a linear
// scan over the member snapshot. Returns false when no member matches, so
// the caller can answer "peer not found".
func (e *Engine) Unicast(meetingCode, targetPeerID string, env models.Envelope) bool {
	conn, ok := e.Resolve(meetingCode, targetPeerID)
	if !ok {
		return false
	}

	data, err := env.Encode()
	if err != nil {
		log.Printf("Failed to marshal %s envelope for peer %s: %v", env.Kind, targetPeerID, err)
		return false
	}

	if !conn.Enqueue(data) {
		log.Printf("Failed to send %s to peer %s, buffer full", env.Kind, targetPeerID)
	}
	return true
}

// Resolve finds the connection of the meeting member with the given peer id.
func (e *Engine) Resolve(meetingCode, targetPeerID string) (Conn, bool) {
	for _, connID := range e.meetings.Members(meetingCode) {
		meta, ok := e.sessions.Lookup(connID)
		if !ok || meta.PeerID != targetPeerID {
			continue
		}
		return e.conns.Get(connID)
	}
	return nil, false
}

// Send delivers the envelope to a single known connection.
func (e *Engine) Send(conn Conn, env models.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Printf("Failed to marshal %s envelope: %v", env.Kind, err)
		return
	}
	if !conn.Enqueue(data) {
		log.Printf("Failed to send %s to connection %s, buffer full", env.Kind, conn.ID())
	}
}
