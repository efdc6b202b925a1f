package session

import (
	"sort"

	"github.com/amoylab/polyroom/internal/protocol"
)

// Roster is the set of participants currently in the room, keyed by
// participant id. Every mutation is idempotent: replaying an event leaves
// the roster as it was after the first application.
type Roster struct {
	users map[string]protocol.RoomUser
}

func NewRoster() *Roster {
	return &Roster{users: make(map[string]protocol.RoomUser)}
}

// UpsertSelf records the local participant optimistically when the socket opens
func (r *Roster) UpsertSelf(u protocol.RoomUser) bool {
	return r.upsert(u)
}

// ApplyConnected makes sure the identity confirmed by the server is present
func (r *Roster) ApplyConnected(id, language string) bool {
	if _, ok := r.users[id]; ok || id == "" {
		return false
	}
	r.users[id] = protocol.RoomUser{ParticipantID: id, Language: language}
	return true
}

// ApplyJoined adds id, or corrects its language when already present.
// It reports whether the roster changed.
func (r *Roster) ApplyJoined(id, language string) bool {
	return r.upsert(protocol.RoomUser{ParticipantID: id, Language: language})
}

// ApplyLeft removes id; removing an absent id is a no-op
func (r *Roster) ApplyLeft(id string) bool {
	if _, ok := r.users[id]; !ok {
		return false
	}
	delete(r.users, id)
	return true
}

// ReplaceSnapshot swaps the whole roster for an authoritative snapshot.
// A later duplicate of an id overrides the earlier one.
func (r *Roster) ReplaceSnapshot(users []protocol.RoomUser) {
	next := make(map[string]protocol.RoomUser, len(users))
	for _, u := range users {
		if u.ParticipantID == "" {
			continue
		}
		next[u.ParticipantID] = u
	}
	r.users = next
}

func (r *Roster) upsert(u protocol.RoomUser) bool {
	if u.ParticipantID == "" {
		return false
	}
	if cur, ok := r.users[u.ParticipantID]; ok && cur == u {
		return false
	}
	r.users[u.ParticipantID] = u
	return true
}

func (r *Roster) Has(id string) bool {
	_, ok := r.users[id]
	return ok
}

func (r *Roster) Len() int {
	return len(r.users)
}

// Snapshot returns the participants sorted by id
func (r *Roster) Snapshot() []protocol.RoomUser {
	out := make([]protocol.RoomUser, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

// Clear empties the roster when its Session is disposed
func (r *Roster) Clear() {
	r.users = make(map[string]protocol.RoomUser)
}
