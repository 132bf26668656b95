// Package delivery owns the per-recipient lifecycle of a chat message:
// sent → delivered → read.
//
// Delivered and read are tracked as two independent monotonically growing sets
// on the persisted message. Marking read also marks delivered, so readBy is
// always a subset of deliveredTo. Status notifications go to the sender's live
// connections only and are dropped when the sender is offline.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/chatverse/internal/apperr"
	"github.com/Tyrowin/chatverse/internal/protocol"
	"github.com/Tyrowin/chatverse/internal/store"
)

// State of one (message, recipient) pair.
type State string

const (
	Sent      State = "sent"
	Delivered State = "delivered"
	Read      State = "read"
)

// StateOf derives the state of participantID for m.
func StateOf(m store.Message, participantID string) State {
	switch {
	case m.ReadByParticipant(participantID):
		return Read
	case m.DeliveredBy(participantID):
		return Delivered
	default:
		return Sent
	}
}

// Notifier reaches every live connection of a participant.
type Notifier interface {
	SendTo(participantID string, payload []byte) int
}

// Receipt is the outcome of a delivered or read acknowledgement.
type Receipt struct {
	MessageID string
	Recipient string
	Status    State
	// Changed is false when the acknowledgement was already recorded.
	Changed bool
	// Notified counts the sender connections that accepted the update.
	Notified int
}

type Machine struct {
	messages store.Messages
	chats    store.Chats
	notify   Notifier
	timeout  time.Duration
	now      func() time.Time
}

// New builds a state machine. timeout bounds each store call; zero means the
// caller's context alone applies.
func New(messages store.Messages, chats store.Chats, notify Notifier, timeout time.Duration) *Machine {
	return &Machine{messages: messages, chats: chats, notify: notify, timeout: timeout, now: time.Now}
}

func (m *Machine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

// Create persists a new message with the sender already delivered. The caller
// must wait for it before emitting the message.
func (m *Machine) Create(ctx context.Context, chatID, senderID, content string) (store.Message, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	msg, err := m.messages.CreateMessage(ctx, store.Message{
		ChatID:      chatID,
		SenderID:    senderID,
		Content:     content,
		CreatedAt:   m.now().UTC(),
		DeliveredTo: []string{senderID},
		ReadBy:      []string{},
	})
	if err != nil {
		return store.Message{}, apperr.TransientStore("Failed to send message", err)
	}
	return msg, nil
}

// MarkDelivered records that recipientID received messageID. It is a no-op for
// the sender.
func (m *Machine) MarkDelivered(ctx context.Context, messageID, recipientID string) (Receipt, error) {
	return m.acknowledge(ctx, messageID, recipientID, Delivered)
}

// MarkRead records that recipientID read messageID, adding it to deliveredTo
// as well.
func (m *Machine) MarkRead(ctx context.Context, messageID, recipientID string) (Receipt, error) {
	return m.acknowledge(ctx, messageID, recipientID, Read)
}

func (m *Machine) acknowledge(ctx context.Context, messageID, recipientID string, status State) (Receipt, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	receipt := Receipt{MessageID: messageID, Recipient: recipientID, Status: status}

	msg, err := m.messages.FindMessage(ctx, messageID)
	if err != nil {
		return receipt, lookupError(err, "Message not found")
	}
	if msg.SenderID == recipientID {
		return receipt, nil
	}

	chat, err := m.chats.FindChat(ctx, msg.ChatID)
	if err != nil {
		return receipt, lookupError(err, "Chat not found")
	}
	if !chat.HasMember(recipientID) {
		return receipt, apperr.Authorization("Not a member of this chat")
	}

	var changed bool
	if status == Read {
		changed, err = m.messages.AddRead(ctx, messageID, recipientID)
	} else {
		changed, err = m.messages.AddDelivered(ctx, messageID, recipientID)
	}
	if err != nil {
		return receipt, lookupError(err, "Message not found")
	}
	receipt.Changed = changed
	if !changed {
		return receipt, nil
	}

	frame, err := protocol.Encode(protocol.MessageStatusUpdated{
		MessageID: messageID,
		UserID:    recipientID,
		Status:    string(status),
	})
	if err != nil {
		return receipt, err
	}
	receipt.Notified = m.notify.SendTo(msg.SenderID, frame)
	if receipt.Notified == 0 {
		log.Debug().Str("messageID", messageID).Str("senderID", msg.SenderID).Msg("Sender offline, status update dropped")
	}
	return receipt, nil
}

// Status returns the persisted delivery sets of messageID.
func (m *Machine) Status(ctx context.Context, messageID string) (store.Message, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	msg, err := m.messages.FindMessage(ctx, messageID)
	if err != nil {
		return store.Message{}, lookupError(err, "Message not found")
	}
	return msg, nil
}

func lookupError(err error, notFound string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(notFound)
	}
	return apperr.TransientStore("Failed to update message status", err)
}
