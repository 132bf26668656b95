// Package memory is the process-local store used by default and in tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatverse/internal/store"
)

type messageRecord struct {
	mu  sync.Mutex
	msg store.Message
}

// Store keeps each message behind its own lock so receipts for different
// messages never contend.
type Store struct {
	mu    sync.RWMutex
	users map[string]store.User
	chats map[string]store.Chat

	messages sync.Map // id -> *messageRecord
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users: make(map[string]store.User),
		chats: make(map[string]store.Chat),
	}
}

func (s *Store) CreateUser(_ context.Context, u store.User) (store.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = "offline"
	}
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
	return u, nil
}

func (s *Store) FindUser(_ context.Context, id string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return store.User{}, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return u, nil
}

func (s *Store) UpdatePresence(_ context.Context, id, status string, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	u.Status = status
	u.LastSeen = lastSeen
	s.users[id] = u
	return nil
}

func (s *Store) CreateChat(_ context.Context, c store.Chat) (store.Chat, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	stored := c
	stored.Users = slices.Clone(c.Users)
	s.mu.Lock()
	s.chats[c.ID] = stored
	s.mu.Unlock()
	c.Users = slices.Clone(stored.Users)
	return c, nil
}

func (s *Store) FindChat(_ context.Context, id string) (store.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return store.Chat{}, fmt.Errorf("chat %s: %w", id, store.ErrNotFound)
	}
	c.Users = slices.Clone(c.Users)
	return c, nil
}

func (s *Store) SetLatestMessage(_ context.Context, chatID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("chat %s: %w", chatID, store.ErrNotFound)
	}
	c.LatestMessageID = messageID
	s.chats[chatID] = c
	return nil
}

func (s *Store) CreateMessage(_ context.Context, m store.Message) (store.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.DeliveredTo = nonNil(slices.Clone(m.DeliveredTo))
	m.ReadBy = nonNil(slices.Clone(m.ReadBy))

	if _, loaded := s.messages.LoadOrStore(m.ID, &messageRecord{msg: m}); loaded {
		return store.Message{}, fmt.Errorf("message %s already exists", m.ID)
	}
	return copyMessage(m), nil
}

func (s *Store) FindMessage(_ context.Context, id string) (store.Message, error) {
	rec, err := s.record(id)
	if err != nil {
		return store.Message{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return copyMessage(rec.msg), nil
}

func (s *Store) AddDelivered(_ context.Context, messageID, participantID string) (bool, error) {
	rec, err := s.record(messageID)
	if err != nil {
		return false, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return addTo(&rec.msg.DeliveredTo, participantID), nil
}

func (s *Store) AddRead(_ context.Context, messageID, participantID string) (bool, error) {
	rec, err := s.record(messageID)
	if err != nil {
		return false, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	addTo(&rec.msg.DeliveredTo, participantID)
	return addTo(&rec.msg.ReadBy, participantID), nil
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) record(id string) (*messageRecord, error) {
	v, ok := s.messages.Load(id)
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	return v.(*messageRecord), nil
}

func addTo(set *[]string, id string) bool {
	if slices.Contains(*set, id) {
		return false
	}
	*set = append(*set, id)
	return true
}

func copyMessage(m store.Message) store.Message {
	m.DeliveredTo = nonNil(slices.Clone(m.DeliveredTo))
	m.ReadBy = nonNil(slices.Clone(m.ReadBy))
	return m
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
