// Package presence derives online, away and offline transitions from the
// connection lifecycle and announces them to every live connection.
//
// The publisher does not count connections itself. Callers invoke OnConnect
// and OnDisconnect from the registry's edge callbacks, which run under the
// participant's registry lock, so announcements follow the live count in order.
package presence

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/chatverse/internal/async"
	"github.com/Tyrowin/chatverse/internal/protocol"
)

const shardCount = 32

type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
	Away    Status = "away"
)

// ErrNotKnown is returned by Lookup when no source has a record.
var ErrNotKnown = errors.New("presence: participant not known")

type Record struct {
	ParticipantID string    `json:"userId"`
	Status        Status    `json:"status"`
	LastSeen      time.Time `json:"lastSeen"`
}

// Sink receives every transition. Writes for one participant are applied in
// order and never overlap.
type Sink interface {
	SavePresence(ctx context.Context, rec Record) error
}

// Loader is implemented by sinks that can answer presence lookups for
// participants this process has not seen.
type Loader interface {
	LoadPresence(ctx context.Context, participantID string) (Record, error)
}

// Broadcaster fans a frame out to every live connection.
type Broadcaster interface {
	Broadcast(payload []byte) int
}

type entry struct {
	rec      Record
	version  uint64
	flushing bool
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type Publisher struct {
	shards [shardCount]*shard
	out    Broadcaster
	runner *async.Runner
	sinks  []Sink
	now    func() time.Time
}

// NewPublisher announces through out and persists through sinks using runner.
func NewPublisher(out Broadcaster, runner *async.Runner, sinks ...Sink) *Publisher {
	p := &Publisher{out: out, runner: runner, sinks: sinks, now: time.Now}
	for i := range p.shards {
		p.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return p
}

func (p *Publisher) shard(participantID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(participantID))
	return p.shards[h.Sum32()%shardCount]
}

// OnConnect marks participantID online.
func (p *Publisher) OnConnect(participantID string) Record {
	rec, _ := p.transition(participantID, Online, true)
	return rec
}

// OnDisconnect marks participantID offline and stamps lastSeen.
func (p *Publisher) OnDisconnect(participantID string) Record {
	rec, _ := p.transition(participantID, Offline, true)
	return rec
}

// SetStatus switches a connected participant between online and away. It
// reports whether the status changed.
func (p *Publisher) SetStatus(participantID string, status Status) (Record, bool, error) {
	if status != Online && status != Away {
		return Record{}, false, fmt.Errorf("presence: status %q cannot be set explicitly", status)
	}

	s := p.shard(participantID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[participantID]; !ok || e.rec.Status == Offline {
		return Record{}, false, fmt.Errorf("presence: %s is not connected", participantID)
	}
	rec, changed := p.transitionLocked(s, participantID, status, false)
	return rec, changed, nil
}

func (p *Publisher) transition(participantID string, status Status, force bool) (Record, bool) {
	s := p.shard(participantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.transitionLocked(s, participantID, status, force)
}

// transitionLocked must be called with s locked.
func (p *Publisher) transitionLocked(s *shard, participantID string, status Status, force bool) (Record, bool) {
	e := s.entries[participantID]
	if e == nil {
		e = &entry{}
		s.entries[participantID] = e
	}
	if !force && e.rec.Status == status {
		return e.rec, false
	}

	e.rec = Record{ParticipantID: participantID, Status: status, LastSeen: p.now().UTC()}
	e.version++

	ev := protocol.UserStatus{UserID: participantID, Status: string(status)}
	if status == Offline {
		seen := e.rec.LastSeen
		ev.LastSeen = &seen
	}
	if frame, err := protocol.Encode(ev); err != nil {
		log.Error().Err(err).Str("userID", participantID).Msg("Failed to encode presence event")
	} else {
		n := p.out.Broadcast(frame)
		log.Debug().Str("userID", participantID).Str("status", string(status)).Int("recipients", n).Msg("Presence changed")
	}

	p.scheduleFlush(participantID, e)
	return e.rec, true
}

// scheduleFlush must be called with the participant's shard locked.
func (p *Publisher) scheduleFlush(participantID string, e *entry) {
	if len(p.sinks) == 0 || p.runner == nil || e.flushing {
		return
	}
	e.flushing = true

	task := p.runner.Go("presence.save", func(ctx context.Context) error {
		return p.flush(ctx, participantID, e)
	})
	select {
	case <-task.Done():
		if errors.Is(task.Err(), async.ErrClosed) {
			e.flushing = false
		}
	default:
	}
}

// flush writes the latest record until no newer transition is pending.
func (p *Publisher) flush(ctx context.Context, participantID string, e *entry) error {
	s := p.shard(participantID)
	var errs []error
	for {
		s.mu.Lock()
		rec, version := e.rec, e.version
		s.mu.Unlock()

		for _, sink := range p.sinks {
			if err := sink.SavePresence(ctx, rec); err != nil {
				errs = append(errs, err)
			}
		}

		s.mu.Lock()
		if e.version == version {
			e.flushing = false
			s.mu.Unlock()
			return errors.Join(errs...)
		}
		s.mu.Unlock()
	}
}

// Get returns the in-process record of participantID.
func (p *Publisher) Get(participantID string) (Record, bool) {
	s := p.shard(participantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[participantID]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Lookup answers from process state first, then from any sink that can load.
func (p *Publisher) Lookup(ctx context.Context, participantID string) (Record, error) {
	if rec, ok := p.Get(participantID); ok {
		return rec, nil
	}
	for _, sink := range p.sinks {
		loader, ok := sink.(Loader)
		if !ok {
			continue
		}
		rec, err := loader.LoadPresence(ctx, participantID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotKnown) {
			log.Warn().Err(err).Str("userID", participantID).Msg("Presence lookup failed")
		}
	}
	return Record{}, ErrNotKnown
}
