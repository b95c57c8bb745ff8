package session

import "sync"

// Metadata is the per-connection session record. It is an immutable value:
// a state transition stores a fresh copy rather than mutating in place, so
// concurrent readers never observe a half-updated record.
type Metadata struct {
	ConnectionID  string
	PeerID        string
	MeetingCode   string
	ParticipantID string
}

// Bound reports whether the connection has joined a meeting.
func (m Metadata) Bound() bool {
	return m.MeetingCode != ""
}

// Store maps connection ids to session metadata. Bind/Remove for a given
// connection are only ever issued by that connection's own processing
// goroutine, so per-entry locking is unnecessary; the backing map still has
// to tolerate concurrent access from unrelated connections, which sync.Map
// provides.
type Store struct {
	entries sync.Map // connectionID -> Metadata
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{}
}

// Create registers an empty record for a freshly opened connection.
func (s *Store) Create(connectionID string) {
	s.entries.Store(connectionID, Metadata{ConnectionID: connectionID})
}

// Bind records the identity the connection joined a meeting with. The
// previous record is replaced wholesale.
func (s *Store) Bind(connectionID, peerID, meetingCode, participantID string) {
	s.entries.Store(connectionID, Metadata{
		ConnectionID:  connectionID,
		PeerID:        peerID,
		MeetingCode:   meetingCode,
		ParticipantID: participantID,
	})
}

// Unbind resets the record to its pre-join state, keeping the connection
// registered so it can join a different meeting.
func (s *Store) Unbind(connectionID string) {
	s.entries.Store(connectionID, Metadata{ConnectionID: connectionID})
}

// Lookup returns the metadata for a connection, if present.
func (s *Store) Lookup(connectionID string) (Metadata, bool) {
	v, ok := s.entries.Load(connectionID)
	if !ok {
		return Metadata{}, false
	}
	return v.(Metadata), true
}

// Remove deletes the record and reports whether it existed, so the close
// path can stay idempotent.
func (s *Store) Remove(connectionID string) bool {
	_, existed := s.entries.LoadAndDelete(connectionID)
	return existed
}
