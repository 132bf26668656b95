// Package store declares the persistence collaborators of the realtime core.
// Adapters live in the memory, mongo and postgres sub-packages.
package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned, possibly wrapped, when a record does not exist.
var ErrNotFound = errors.New("store: not found")

type User struct {
	ID       string
	Name     string
	Status   string
	LastSeen time.Time
}

type Chat struct {
	ID              string
	Name            string
	Users           []string
	LatestMessageID string
}

// HasMember reports persisted membership of participantID.
func (c Chat) HasMember(participantID string) bool {
	return slices.Contains(c.Users, participantID)
}

// Message is a persisted chat message. DeliveredTo and ReadBy only ever grow.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	Content     string
	CreatedAt   time.Time
	DeliveredTo []string
	ReadBy      []string
}

func (m Message) DeliveredBy(participantID string) bool {
	return slices.Contains(m.DeliveredTo, participantID)
}

func (m Message) ReadByParticipant(participantID string) bool {
	return slices.Contains(m.ReadBy, participantID)
}

type Users interface {
	CreateUser(ctx context.Context, u User) (User, error)
	FindUser(ctx context.Context, id string) (User, error)
	UpdatePresence(ctx context.Context, id, status string, lastSeen time.Time) error
}

type Chats interface {
	CreateChat(ctx context.Context, c Chat) (Chat, error)
	FindChat(ctx context.Context, id string) (Chat, error)
	SetLatestMessage(ctx context.Context, chatID, messageID string) error
}

// Messages mutates delivery state only through atomic set-adds. AddDelivered
// and AddRead report whether the set actually grew; AddRead also adds the
// participant to DeliveredTo.
type Messages interface {
	CreateMessage(ctx context.Context, m Message) (Message, error)
	FindMessage(ctx context.Context, id string) (Message, error)
	AddDelivered(ctx context.Context, messageID, participantID string) (bool, error)
	AddRead(ctx context.Context, messageID, participantID string) (bool, error)
}

// Store bundles every collaborator behind one lifecycle.
type Store interface {
	Users
	Chats
	Messages
	Close(ctx context.Context) error
}
