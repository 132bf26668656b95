package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatverse/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("CHATVERSE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CHATVERSE_TEST_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s, err := Open(ctx, uri, "chatverse_test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.users.Database().Drop(ctx)
		_ = s.Close(ctx)
	})
	return s
}

func TestOpenRejectsEmptyURI(t *testing.T) {
	_, err := Open(context.Background(), "", "db")
	assert.Error(t, err)
}

func TestMessageReceiptsAreSetAdds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMessage(ctx, store.Message{ChatID: "c", SenderID: "s", Content: "hi", DeliveredTo: []string{"s"}})
	require.NoError(t, err)

	changed, err := s.AddDelivered(ctx, m.ID, "t")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.AddDelivered(ctx, m.ID, "t")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.AddRead(ctx, m.ID, "u")
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.FindMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s", "t", "u"}, got.DeliveredTo)
	assert.Equal(t, []string{"u"}, got.ReadBy)
	assert.WithinDuration(t, m.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = s.AddRead(ctx, "missing", "u")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUsersAndChats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, store.User{Name: "Ana"})
	require.NoError(t, err)
	require.NoError(t, s.UpdatePresence(ctx, u.ID, "online", time.Now()))

	got, err := s.FindUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "online", got.Status)

	_, err = s.FindUser(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	c, err := s.CreateChat(ctx, store.Chat{Name: "pair", Users: []string{u.ID, "other"}})
	require.NoError(t, err)
	require.NoError(t, s.SetLatestMessage(ctx, c.ID, "m1"))

	chat, err := s.FindChat(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, chat.HasMember("other"))
	assert.Equal(t, "m1", chat.LatestMessageID)
}
