package registry

import "sync"

// meeting is one registry entry. Its lock covers only this meeting's
// member set, so traffic in unrelated meetings never contends.
type meeting struct {
	mu      sync.RWMutex
	members map[string]struct{}
	pruned  bool
}

// Registry is the membership index: meeting code -> set of live connection
// ids. Entries are created lazily on first join and pruned when the last
// member leaves.
type Registry struct {
	meetings sync.Map // meetingCode -> *meeting
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Join adds a connection to a meeting, creating the entry if needed.
func (r *Registry) Join(meetingCode, connectionID string) {
	for {
		v, _ := r.meetings.LoadOrStore(meetingCode, &meeting{members: make(map[string]struct{})})
		m := v.(*meeting)

		m.mu.Lock()
		if m.pruned {
			// Lost a race with the last leaver; the entry is gone from
			// the map, start over with a fresh one.
			m.mu.Unlock()
			continue
		}
		m.members[connectionID] = struct{}{}
		m.mu.Unlock()
		return
	}
}

// Leave removes a connection from a meeting. The entry is pruned when the
// last member leaves so idle meeting codes do not accumulate.
func (r *Registry) Leave(meetingCode, connectionID string) {
	v, ok := r.meetings.Load(meetingCode)
	if !ok {
		return
	}
	m := v.(*meeting)

	m.mu.Lock()
	delete(m.members, connectionID)
	if len(m.members) == 0 {
		m.pruned = true
		r.meetings.Delete(meetingCode)
	}
	m.mu.Unlock()
}

// Members returns a stable snapshot of the meeting's connection ids.
// Broadcasters iterate the snapshot, never the live set, so a concurrent
// join or leave cannot disturb an in-flight broadcast.
func (r *Registry) Members(meetingCode string) []string {
	v, ok := r.meetings.Load(meetingCode)
	if !ok {
		return nil
	}
	m := v.(*meeting)

	m.mu.RLock()
	snapshot := make([]string, 0, len(m.members))
	for id := range m.members {
		snapshot = append(snapshot, id)
	}
	m.mu.RUnlock()
	return snapshot
}

// Contains reports whether a connection is currently in the meeting.
func (r *Registry) Contains(meetingCode, connectionID string) bool {
	v, ok := r.meetings.Load(meetingCode)
	if !ok {
		return false
	}
	m := v.(*meeting)

	m.mu.RLock()
	_, in := m.members[connectionID]
	m.mu.RUnlock()
	return in
}

// IsEmpty reports whether the meeting has no members (or no entry at all).
func (r *Registry) IsEmpty(meetingCode string) bool {
	return len(r.Members(meetingCode)) == 0
}
