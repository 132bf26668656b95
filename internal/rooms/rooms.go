// Package rooms tracks live subscriptions of connections to broadcast scopes.
//
// Two kinds of scope share one tracker: invite-code rooms, where live presence
// is the only gate, and persisted chats, which a connection subscribes to after
// its persisted membership has been checked elsewhere. Membership here is
// always keyed by connection so a participant on two devices holds two
// entries.
package rooms

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
)

const shardCount = 32

// Scope identifies a broadcast scope.
type Scope string

const (
	chatPrefix = "chat:"
	roomPrefix = "room:"
)

// ChatScope is the live subscription scope of a persisted chat.
func ChatScope(chatID string) Scope { return Scope(chatPrefix + chatID) }

// RoomScope is the scope of an invite-code room.
func RoomScope(roomID string) Scope { return Scope(roomPrefix + roomID) }

// IsRoom reports whether s is an invite-code room scope.
func (s Scope) IsRoom() bool { return strings.HasPrefix(string(s), roomPrefix) }

// IsChat reports whether s is a chat scope.
func (s Scope) IsChat() bool { return strings.HasPrefix(string(s), chatPrefix) }

// ID strips the kind prefix.
func (s Scope) ID() string {
	if i := strings.IndexByte(string(s), ':'); i >= 0 {
		return string(s)[i+1:]
	}
	return string(s)
}

// Member is one connection subscribed to a scope.
type Member struct {
	Scope         Scope
	ConnID        string
	ParticipantID string
	DisplayName   string
	seq           uint64
}

type room struct {
	mu      sync.Mutex
	members map[string]Member // connID -> member
	nextSeq uint64
	dead    bool
}

type connShard struct {
	mu     sync.Mutex
	scopes map[string]map[Scope]struct{} // connID -> scopes
}

// Tracker is safe for concurrent use. Each scope has its own lock; the scope
// table lock is only held to look up, create or drop a scope.
type Tracker struct {
	mu    sync.RWMutex
	rooms map[Scope]*room

	conns [shardCount]*connShard
}

// New returns an empty tracker.
func New() *Tracker {
	t := &Tracker{rooms: make(map[Scope]*room)}
	for i := range t.conns {
		t.conns[i] = &connShard{scopes: make(map[string]map[Scope]struct{})}
	}
	return t
}

func (t *Tracker) connShard(connID string) *connShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connID))
	return t.conns[h.Sum32()%shardCount]
}

func (t *Tracker) lockRoom(scope Scope) *room {
	for {
		t.mu.RLock()
		r := t.rooms[scope]
		t.mu.RUnlock()

		if r == nil {
			t.mu.Lock()
			r = t.rooms[scope]
			if r == nil {
				r = &room{members: make(map[string]Member)}
				t.rooms[scope] = r
			}
			t.mu.Unlock()
		}

		r.mu.Lock()
		if !r.dead {
			return r
		}
		// dropped by a concurrent last leave; pick up the replacement
		r.mu.Unlock()
	}
}

// Join subscribes member to its scope and returns the scope's members after
// the join along with whether the entry is new. Joining again from the same
// connection keeps a single entry and refreshes the display name.
func (t *Tracker) Join(m Member) (members []Member, added bool) {
	r := t.lockRoom(m.Scope)

	existing, ok := r.members[m.ConnID]
	if ok {
		existing.DisplayName = m.DisplayName
		r.members[m.ConnID] = existing
	} else {
		r.nextSeq++
		m.seq = r.nextSeq
		r.members[m.ConnID] = m
	}
	members = snapshot(r)
	r.mu.Unlock()

	if !ok {
		cs := t.connShard(m.ConnID)
		cs.mu.Lock()
		set := cs.scopes[m.ConnID]
		if set == nil {
			set = make(map[Scope]struct{})
			cs.scopes[m.ConnID] = set
		}
		set[m.Scope] = struct{}{}
		cs.mu.Unlock()
	}
	return members, !ok
}

// Leave unsubscribes connID from scope. Leaving a scope the connection is not
// in is a no-op and reports removed=false.
func (t *Tracker) Leave(scope Scope, connID string) (Member, bool) {
	m, ok := t.remove(scope, connID)
	if !ok {
		return Member{}, false
	}

	cs := t.connShard(connID)
	cs.mu.Lock()
	if set := cs.scopes[connID]; set != nil {
		delete(set, scope)
		if len(set) == 0 {
			delete(cs.scopes, connID)
		}
	}
	cs.mu.Unlock()
	return m, true
}

func (t *Tracker) remove(scope Scope, connID string) (Member, bool) {
	t.mu.RLock()
	r := t.rooms[scope]
	t.mu.RUnlock()
	if r == nil {
		return Member{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return Member{}, false
	}

	m, ok := r.members[connID]
	if !ok {
		return Member{}, false
	}
	delete(r.members, connID)

	if len(r.members) == 0 {
		r.dead = true
		t.mu.Lock()
		if t.rooms[scope] == r {
			delete(t.rooms, scope)
		}
		t.mu.Unlock()
	}
	return m, true
}

// RemoveConnection drops connID from every scope it joined and returns the
// removed entries. A second call for the same connection returns nothing.
func (t *Tracker) RemoveConnection(connID string) []Member {
	cs := t.connShard(connID)
	cs.mu.Lock()
	set := cs.scopes[connID]
	delete(cs.scopes, connID)
	cs.mu.Unlock()

	removed := make([]Member, 0, len(set))
	for scope := range set {
		if m, ok := t.remove(scope, connID); ok {
			removed = append(removed, m)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Scope < removed[j].Scope })
	return removed
}

// MembersOf returns the members of scope in join order.
func (t *Tracker) MembersOf(scope Scope) []Member {
	t.mu.RLock()
	r := t.rooms[scope]
	t.mu.RUnlock()
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return nil
	}
	return snapshot(r)
}

// IsMember reports whether connID is subscribed to scope.
func (t *Tracker) IsMember(scope Scope, connID string) bool {
	cs := t.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.scopes[connID][scope]
	return ok
}

// ScopesOf lists the scopes connID is subscribed to.
func (t *Tracker) ScopesOf(connID string) []Scope {
	cs := t.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := make([]Scope, 0, len(cs.scopes[connID]))
	for s := range cs.scopes[connID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type Stats struct {
	Rooms int `json:"rooms"`
	Chats int `json:"chats"`
}

func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var s Stats
	for scope := range t.rooms {
		switch {
		case scope.IsRoom():
			s.Rooms++
		case scope.IsChat():
			s.Chats++
		}
	}
	return s
}

func snapshot(r *room) []Member {
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
