package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatverse/internal/apperr"
	"github.com/Tyrowin/chatverse/internal/protocol"
	"github.com/Tyrowin/chatverse/internal/store"
	"github.com/Tyrowin/chatverse/internal/store/memory"
)

type inbox struct {
	mu     sync.Mutex
	online map[string]bool
	got    map[string][]protocol.MessageStatusUpdated
}

func newInbox(online ...string) *inbox {
	in := &inbox{online: map[string]bool{}, got: map[string][]protocol.MessageStatusUpdated{}}
	for _, id := range online {
		in.online[id] = true
	}
	return in
}

func (in *inbox) SendTo(participantID string, payload []byte) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.online[participantID] {
		return 0
	}
	f, err := protocol.DecodeFrame(payload)
	if err != nil {
		panic(err)
	}
	var ev protocol.MessageStatusUpdated
	if err := f.DecodeData(&ev); err != nil {
		panic(err)
	}
	in.got[participantID] = append(in.got[participantID], ev)
	return 1
}

func (in *inbox) received(participantID string) []protocol.MessageStatusUpdated {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.got[participantID]
}

func setup(t *testing.T, online ...string) (*Machine, *memory.Store, *inbox, store.Chat) {
	t.Helper()
	s := memory.New()
	chat, err := s.CreateChat(context.Background(), store.Chat{ID: "C", Users: []string{"S", "T", "U"}})
	require.NoError(t, err)
	in := newInbox(online...)
	return New(s, s, in, 0), s, in, chat
}

func TestCreateSelfDelivers(t *testing.T) {
	t.Parallel()

	m, _, _, chat := setup(t)
	msg, err := m.Create(context.Background(), chat.ID, "S", "hi")
	require.NoError(t, err)

	assert.Equal(t, []string{"S"}, msg.DeliveredTo)
	assert.Empty(t, msg.ReadBy)
	assert.Equal(t, Delivered, StateOf(msg, "S"))
	assert.Equal(t, Sent, StateOf(msg, "T"))
}

func TestReadWithoutDeliveredNotifiesSenderOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, in, chat := setup(t, "S")
	msg, err := m.Create(ctx, chat.ID, "S", "hi")
	require.NoError(t, err)

	status, err := m.Status(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"S"}, status.DeliveredTo)
	assert.Empty(t, status.ReadBy)

	r, err := m.MarkRead(ctx, msg.ID, "T")
	require.NoError(t, err)
	assert.True(t, r.Changed)
	assert.Equal(t, 1, r.Notified)

	got := in.received("S")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.MessageStatusUpdated{MessageID: msg.ID, UserID: "T", Status: "read"}, got[0])

	status, err = m.Status(ctx, msg.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"S", "T"}, status.DeliveredTo)
	assert.Equal(t, []string{"T"}, status.ReadBy)
	assert.Equal(t, Read, StateOf(status, "T"))

	r, err = m.MarkDelivered(ctx, msg.ID, "T")
	require.NoError(t, err)
	assert.False(t, r.Changed, "read already implies delivered")
	assert.Len(t, in.received("S"), 1)
}

func TestDeliveredThenReadEndsInBothSets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, in, chat := setup(t, "S")
	msg, err := m.Create(ctx, chat.ID, "S", "hi")
	require.NoError(t, err)

	_, err = m.MarkDelivered(ctx, msg.ID, "T")
	require.NoError(t, err)
	_, err = m.MarkDelivered(ctx, msg.ID, "T")
	require.NoError(t, err)
	_, err = m.MarkRead(ctx, msg.ID, "T")
	require.NoError(t, err)

	status, err := m.Status(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, status.DeliveredBy("T"))
	assert.True(t, status.ReadByParticipant("T"))

	got := in.received("S")
	require.Len(t, got, 2)
	assert.Equal(t, "delivered", got[0].Status)
	assert.Equal(t, "read", got[1].Status)
}

func TestSenderAcknowledgementIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, in, chat := setup(t, "S")
	msg, err := m.Create(ctx, chat.ID, "S", "hi")
	require.NoError(t, err)

	r, err := m.MarkDelivered(ctx, msg.ID, "S")
	require.NoError(t, err)
	assert.False(t, r.Changed)
	r, err = m.MarkRead(ctx, msg.ID, "S")
	require.NoError(t, err)
	assert.False(t, r.Changed)
	assert.Empty(t, in.received("S"))
}

func TestOfflineSenderDropsNotification(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _, chat := setup(t)
	msg, err := m.Create(ctx, chat.ID, "S", "hi")
	require.NoError(t, err)

	r, err := m.MarkDelivered(ctx, msg.ID, "T")
	require.NoError(t, err)
	assert.True(t, r.Changed)
	assert.Zero(t, r.Notified)
}

func TestUnknownMessageIsSoftNotFound(t *testing.T) {
	t.Parallel()

	m, _, _, _ := setup(t, "S")
	_, err := m.MarkRead(context.Background(), "missing", "T")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, "Message not found", apperr.Message(err))
}

func TestNonMemberReceiptRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, in, chat := setup(t, "S")
	msg, err := m.Create(ctx, chat.ID, "S", "hi")
	require.NoError(t, err)

	_, err = m.MarkRead(ctx, msg.ID, "outsider")
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	assert.Empty(t, in.received("S"))
}

type failingMessages struct {
	store.Messages
}

func (failingMessages) CreateMessage(context.Context, store.Message) (store.Message, error) {
	return store.Message{}, errors.New("connection reset")
}

func (failingMessages) FindMessage(context.Context, string) (store.Message, error) {
	return store.Message{}, errors.New("connection reset")
}

func TestStoreFailureIsTransient(t *testing.T) {
	t.Parallel()

	s := memory.New()
	m := New(failingMessages{}, s, newInbox(), 0)

	_, err := m.Create(context.Background(), "C", "S", "hi")
	assert.Equal(t, apperr.KindTransientStore, apperr.KindOf(err))
	assert.Equal(t, "Failed to send message", apperr.Message(err))

	_, err = m.MarkDelivered(context.Background(), "m", "T")
	assert.Equal(t, apperr.KindTransientStore, apperr.KindOf(err))
}

func TestConcurrentReceiptsNotifyOncePerTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, in, chat := setup(t, "S")
	msg, err := m.Create(ctx, chat.ID, "S", "hi")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.MarkRead(ctx, msg.ID, "U")
		}()
	}
	wg.Wait()
	assert.Len(t, in.received("S"), 1)
}
