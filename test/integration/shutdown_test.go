package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatverse/internal/protocol"
	"github.com/Tyrowin/chatverse/internal/server"
	"github.com/Tyrowin/chatverse/test/testhelpers"
)

func TestGracefulShutdownWithClients(t *testing.T) {
	t.Parallel()
	env := testhelpers.NewEnv(t, nil)
	env.CreateUser(t, "P", "Pat")

	clients := []*websocket.Conn{env.Dial(t, ""), env.Dial(t, ""), env.Dial(t, env.Token(t, "P"))}
	for _, c := range clients {
		joinRoom(t, c, "r", "x")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, env.Server.Shutdown(ctx))

	for _, c := range clients {
		testhelpers.ExpectClosed(t, c, 2*time.Second)
	}
	assert.Equal(t, 0, env.Server.Hub().ClientCount())
	assert.Equal(t, server.Stats{}, env.Server.Router().Stats())

	require.NoError(t, env.Runner.Close(ctx))
	user, err := env.Store.FindUser(context.Background(), "P")
	require.NoError(t, err)
	assert.Equal(t, "offline", user.Status)
	assert.False(t, user.LastSeen.IsZero())
}

func TestShutdownWithActiveMessages(t *testing.T) {
	t.Parallel()
	env := testhelpers.NewEnv(t, nil)

	sender := env.Dial(t, "")
	receiver := env.Dial(t, "")
	joinRoom(t, sender, "r", "sender")
	joinRoom(t, receiver, "r", "receiver")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			err := testhelpers.Emit(sender, protocol.EventSendMessageToRoom,
				map[string]string{"roomId": "r", "message": "tick", "displayName": "sender"})
			if err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	testhelpers.Expect[protocol.RoomMessageReceived](t, receiver, protocol.EventRoomMessageReceived)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, env.Server.Shutdown(ctx))
	close(stop)
	wg.Wait()

	testhelpers.ExpectClosed(t, receiver, 2*time.Second)
	assert.Equal(t, 0, env.Server.Hub().ClientCount())
}

func TestConcurrentShutdown(t *testing.T) {
	t.Parallel()
	env := testhelpers.NewEnv(t, nil)
	env.Dial(t, "")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			assert.NoError(t, env.Server.Shutdown(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, env.Server.Hub().ClientCount())
}

func TestNoClientsShutdown(t *testing.T) {
	t.Parallel()
	env := testhelpers.NewEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.Server.Shutdown(ctx))
}

func TestConnectionsRefusedAfterShutdown(t *testing.T) {
	t.Parallel()
	env := testhelpers.NewEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.Server.Shutdown(ctx))

	conn, err := testhelpers.ConnectWebSocket(env.WebSocketURL(""), testhelpers.TestOrigin)
	if err == nil {
		testhelpers.ExpectClosed(t, conn, 2*time.Second)
		_ = conn.Close()
	}
	assert.Equal(t, 0, env.Server.Hub().ClientCount())
}
