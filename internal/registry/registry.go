// Package registry maps participants to their live connection handles.
//
// A participant may hold several connections at once (one per device). The
// registry reports the 0→1 and 1→0 edges of a participant's connection count
// so callers can drive presence transitions exactly once per cycle.
//
// State is striped across shards keyed by participant id and connection id so
// unrelated participants never contend on the same lock.
package registry

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// Conn is a live connection handle. Send must not block.
type Conn interface {
	ID() string
	ParticipantID() string
	Send(payload []byte) bool
}

type participantShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]Conn // participantID -> connID -> conn
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]Conn // connID -> conn
}

// Registry is safe for concurrent use. The zero value is not usable; construct
// with New.
type Registry struct {
	participants [shardCount]*participantShard
	byConn       [shardCount]*connShard
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.participants {
		r.participants[i] = &participantShard{conns: make(map[string]map[string]Conn)}
		r.byConn[i] = &connShard{conns: make(map[string]Conn)}
	}
	return r
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// Register records conn for its participant. first reports whether this was
// the participant's first live connection; onFirst, when non-nil, runs on that
// edge while the participant is still locked, so edge handlers for one
// participant never interleave. Registering the same handle twice is a no-op.
func (r *Registry) Register(conn Conn, onFirst func()) (first bool) {
	cs := r.byConn[shardFor(conn.ID())]
	cs.mu.Lock()
	if _, exists := cs.conns[conn.ID()]; exists {
		cs.mu.Unlock()
		return false
	}
	cs.conns[conn.ID()] = conn
	cs.mu.Unlock()

	ps := r.participants[shardFor(conn.ParticipantID())]
	ps.mu.Lock()
	defer ps.mu.Unlock()

	set := ps.conns[conn.ParticipantID()]
	if set == nil {
		set = make(map[string]Conn)
		ps.conns[conn.ParticipantID()] = set
	}
	set[conn.ID()] = conn
	if len(set) != 1 {
		return false
	}
	if onFirst != nil {
		onFirst()
	}
	return true
}

// Unregister removes conn. removed is false when the handle was not
// registered, which makes repeated calls harmless; last reports whether the
// participant has no live connection left. onLast runs on that edge under the
// same lock as Register's onFirst. Edge callbacks must not call back into the
// registry for the same participant.
func (r *Registry) Unregister(conn Conn, onLast func()) (removed, last bool) {
	cs := r.byConn[shardFor(conn.ID())]
	cs.mu.Lock()
	if _, exists := cs.conns[conn.ID()]; !exists {
		cs.mu.Unlock()
		return false, false
	}
	delete(cs.conns, conn.ID())
	cs.mu.Unlock()

	ps := r.participants[shardFor(conn.ParticipantID())]
	ps.mu.Lock()
	defer ps.mu.Unlock()

	set := ps.conns[conn.ParticipantID()]
	delete(set, conn.ID())
	if len(set) == 0 {
		delete(ps.conns, conn.ParticipantID())
		if onLast != nil {
			onLast()
		}
		return true, true
	}
	return true, false
}

// Lookup returns every live connection of participantID.
func (r *Registry) Lookup(participantID string) []Conn {
	ps := r.participants[shardFor(participantID)]
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	set := ps.conns[participantID]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Get resolves a connection handle id.
func (r *Registry) Get(connID string) (Conn, bool) {
	cs := r.byConn[shardFor(connID)]
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.conns[connID]
	return c, ok
}

// Count returns the number of live connections of participantID.
func (r *Registry) Count(participantID string) int {
	ps := r.participants[shardFor(participantID)]
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.conns[participantID])
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []Conn {
	var out []Conn
	for _, cs := range r.byConn {
		cs.mu.RLock()
		for _, c := range cs.conns {
			out = append(out, c)
		}
		cs.mu.RUnlock()
	}
	return out
}

// Stats is a point-in-time view of registry size.
type Stats struct {
	Connections  int `json:"connections"`
	Participants int `json:"participants"`
}

func (r *Registry) Stats() Stats {
	var s Stats
	for i := range r.byConn {
		cs := r.byConn[i]
		cs.mu.RLock()
		s.Connections += len(cs.conns)
		cs.mu.RUnlock()

		ps := r.participants[i]
		ps.mu.RLock()
		s.Participants += len(ps.conns)
		ps.mu.RUnlock()
	}
	return s
}

// SendTo delivers payload to every live connection of participantID and
// returns how many accepted it. Zero means the notification was dropped.
func (r *Registry) SendTo(participantID string, payload []byte) int {
	sent := 0
	for _, c := range r.Lookup(participantID) {
		if c.Send(payload) {
			sent++
		}
	}
	return sent
}

// Broadcast delivers payload to every live connection.
func (r *Registry) Broadcast(payload []byte) int {
	sent := 0
	for _, c := range r.All() {
		if c.Send(payload) {
			sent++
		}
	}
	return sent
}
