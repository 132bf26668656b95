package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatverse/internal/async"
	"github.com/Tyrowin/chatverse/internal/auth"
	"github.com/Tyrowin/chatverse/internal/config"
	"github.com/Tyrowin/chatverse/internal/presence"
	"github.com/Tyrowin/chatverse/internal/protocol"
	"github.com/Tyrowin/chatverse/internal/store"
	"github.com/Tyrowin/chatverse/internal/store/memory"
)

const testSecret = "test-secret"

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	store    *memory.Store
	verifier *auth.Verifier
}

func newTestEnv(t *testing.T, customize func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{"http://localhost:8080"}
	cfg.Auth.JWTSecret = testSecret
	cfg.Heartbeat.Interval = time.Second
	cfg.Heartbeat.IdleTimeout = 5 * time.Second
	cfg.Server.ShutdownTimeout = 2 * time.Second
	if customize != nil {
		customize(&cfg)
	}

	st := memory.New()
	runner := async.NewRunner(4, time.Second)
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	srv := New(cfg, Dependencies{
		Users:         st,
		Chats:         st,
		Messages:      st,
		Verifier:      verifier,
		Runner:        runner,
		PresenceSinks: []presence.Sink{presence.UserRecords{Users: st}},
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		_ = runner.Close(ctx)
	})
	return &testEnv{srv: srv, http: ts, store: st, verifier: verifier}
}

func (e *testEnv) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (e *testEnv) token(t *testing.T, participantID string) string {
	t.Helper()
	tok, err := e.verifier.Issue(participantID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", "http://localhost:8080")
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(token), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// expect reads frames until one named event arrives.
func expect[T any](t *testing.T, conn *websocket.Conn, event string) T {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		f, err := protocol.DecodeFrame(raw)
		require.NoError(t, err)
		if f.Event != event {
			continue
		}
		var v T
		require.NoError(t, f.DecodeData(&v))
		return v
	}
}

func getJSON(t *testing.T, url, token string, v any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	var body map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, env.http.URL+"/", "", &body))
	assert.Equal(t, "healthy", body["status"])

	assert.Equal(t, http.StatusOK, getJSON(t, env.http.URL+"/api/v1/health", "", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, env.http.URL+"/nope", "", nil))
}

func TestWebSocketRejectsNonGet(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.http.URL+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(""), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketRequiresTokenWhenAnonymousDisabled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Auth.AllowAnonymous = false })

	header := http.Header{}
	header.Set("Origin", "http://localhost:8080")
	for _, token := range []string{"", "garbage", env.token(t, "ghost")} {
		_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(token), header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

func TestAnonymousRoomExchange(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	a := env.dial(t, "")
	b := env.dial(t, "")

	send(t, a, protocol.EventJoinRoom, map[string]string{"roomId": "lobby", "displayName": "Ann"})
	expect[protocol.RoomJoined](t, a, protocol.EventRoomJoined)

	send(t, b, protocol.EventJoinRoom, map[string]string{"roomId": "lobby", "displayName": "Bob"})
	joined := expect[protocol.RoomJoined](t, b, protocol.EventRoomJoined)
	assert.Len(t, joined.Members, 2)
	assert.Equal(t, "Bob", expect[protocol.UserJoinedRoom](t, a, protocol.EventUserJoinedRoom).UserName)

	send(t, b, protocol.EventSendMessageToRoom, map[string]string{"roomId": "lobby", "message": "hey", "displayName": "Bob"})
	assert.Equal(t, "hey", expect[protocol.RoomMessageReceived](t, a, protocol.EventRoomMessageReceived).Message)
	assert.Equal(t, "hey", expect[protocol.RoomMessageReceived](t, b, protocol.EventRoomMessageReceived).Message)

	require.NoError(t, b.Close())
	left := expect[protocol.UserLeftRoom](t, a, protocol.EventUserLeftRoom)
	assert.Equal(t, "Bob", left.UserName)

	send(t, a, protocol.EventJoinChat, "C")
	assert.Equal(t, "authentication required", expect[protocol.Error](t, a, protocol.EventError).Message)
}

func TestAuthenticatedChatDelivery(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, u := range []store.User{{ID: "S", Name: "Sam"}, {ID: "T", Name: "Tia"}, {ID: "X", Name: "Xavier"}} {
		_, err := env.store.CreateUser(ctx, u)
		require.NoError(t, err)
	}
	_, err := env.store.CreateChat(ctx, store.Chat{ID: "C", Users: []string{"S", "T"}})
	require.NoError(t, err)

	s := env.dial(t, env.token(t, "S"))
	tc := env.dial(t, env.token(t, "T"))

	// S learns T is online once T is registered.
	for {
		st := expect[protocol.UserStatus](t, s, protocol.EventUserStatus)
		if st.UserID == "T" {
			assert.Equal(t, "online", st.Status)
			break
		}
	}

	send(t, s, protocol.EventNewMessage, map[string]string{"chatId": "C", "content": "M"})
	update := expect[protocol.ChatUpdated](t, tc, protocol.EventChatUpdated)
	assert.Equal(t, "Sam", update.LatestMessage.SenderName)
	id := update.LatestMessage.ID

	send(t, tc, protocol.EventMessageRead, map[string]string{"messageId": id})
	status := expect[protocol.MessageStatusUpdated](t, s, protocol.EventMessageStatusUpdated)
	assert.Equal(t, protocol.MessageStatusUpdated{MessageID: id, UserID: "T", Status: "read"}, status)

	var resp Response[messageStatus]
	url := env.http.URL + "/api/v1/messages/" + id + "/status"
	require.Equal(t, http.StatusOK, getJSON(t, url, env.token(t, "T"), &resp))
	assert.ElementsMatch(t, []string{"S", "T"}, resp.Data.DeliveredTo)
	assert.Equal(t, []string{"T"}, resp.Data.ReadBy)
	assert.NotEmpty(t, resp.RequestID)

	assert.Equal(t, http.StatusForbidden, getJSON(t, url, env.token(t, "X"), nil))
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, url, "", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, env.http.URL+"/api/v1/messages/nope/status", env.token(t, "T"), nil))

	var rec Response[presence.Record]
	require.Equal(t, http.StatusOK, getJSON(t, env.http.URL+"/api/v1/users/T/presence", "", &rec))
	assert.Equal(t, presence.Online, rec.Data.Status)
	assert.Equal(t, http.StatusNotFound, getJSON(t, env.http.URL+"/api/v1/users/nobody/presence", "", nil))

	var stats Response[map[string]int]
	require.Equal(t, http.StatusOK, getJSON(t, env.http.URL+"/api/v1/stats", "", &stats))
	assert.Equal(t, 2, stats.Data["connections"])
	assert.Equal(t, 2, stats.Data["participants"])
}

func TestShutdownClosesClients(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	conns := []*websocket.Conn{env.dial(t, ""), env.dial(t, "")}
	for _, c := range conns {
		send(t, c, protocol.EventJoinRoom, map[string]string{"roomId": "r", "displayName": "x"})
		expect[protocol.RoomJoined](t, c, protocol.EventRoomJoined)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))

	assert.Equal(t, 0, env.srv.Hub().ClientCount())
	assert.Equal(t, Stats{}, env.srv.Router().Stats())

	for _, c := range conns {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
	}
}
