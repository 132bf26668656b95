// Package testhelpers provides common utilities for the chatverse integration tests.
//
// An Env runs a fully wired server on an httptest listener backed by the
// in-memory store, and the frame helpers speak the {"event", "data"} envelope
// over gorilla/websocket connections.
package testhelpers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatverse/internal/async"
	"github.com/Tyrowin/chatverse/internal/auth"
	"github.com/Tyrowin/chatverse/internal/config"
	"github.com/Tyrowin/chatverse/internal/presence"
	"github.com/Tyrowin/chatverse/internal/protocol"
	"github.com/Tyrowin/chatverse/internal/server"
	"github.com/Tyrowin/chatverse/internal/store"
	"github.com/Tyrowin/chatverse/internal/store/memory"
)

// TestOrigin is allowed by the default test configuration.
const TestOrigin = "http://localhost:8080"

const readTimeout = 2 * time.Second

// Env is a running server plus the collaborators tests seed and inspect.
type Env struct {
	Config   config.Config
	Server   *server.Server
	HTTP     *httptest.Server
	Store    *memory.Store
	Verifier *auth.Verifier
	Runner   *async.Runner
}

// NewEnv starts a server with test-friendly settings, adjusted by customize.
// Everything is torn down when the test ends.
func NewEnv(t *testing.T, customize func(cfg *config.Config)) *Env {
	t.Helper()

	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{TestOrigin}
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Auth.JWTSecret = "integration-secret"
	cfg.Heartbeat.Interval = time.Second
	cfg.Heartbeat.IdleTimeout = 5 * time.Second
	cfg.RateLimit.Burst = 1000
	if customize != nil {
		customize(&cfg)
	}
	require.NoError(t, cfg.Validate())

	st := memory.New()
	runner := async.NewRunner(cfg.Async.Workers, cfg.Store.Timeout)
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	srv := server.New(cfg, server.Dependencies{
		Users:         st,
		Chats:         st,
		Messages:      st,
		Verifier:      verifier,
		Runner:        runner,
		PresenceSinks: []presence.Sink{presence.UserRecords{Users: st}},
	})

	env := &Env{
		Config:   cfg,
		Server:   srv,
		HTTP:     httptest.NewServer(srv.Handler()),
		Store:    st,
		Verifier: verifier,
		Runner:   runner,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		env.HTTP.Close()
		_ = runner.Close(ctx)
	})
	return env
}

// WebSocketURL returns the ws:// endpoint, carrying token when non-empty.
func (e *Env) WebSocketURL(token string) string {
	u := "ws" + strings.TrimPrefix(e.HTTP.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// Token issues a bearer token for participantID.
func (e *Env) Token(t *testing.T, participantID string) string {
	t.Helper()
	token, err := e.Verifier.Issue(participantID, time.Hour)
	require.NoError(t, err)
	return token
}

// CreateUser seeds a user record.
func (e *Env) CreateUser(t *testing.T, id, name string) {
	t.Helper()
	_, err := e.Store.CreateUser(context.Background(), store.User{ID: id, Name: name})
	require.NoError(t, err)
}

// CreateChat seeds a chat with the given members.
func (e *Env) CreateChat(t *testing.T, id string, users ...string) {
	t.Helper()
	_, err := e.Store.CreateChat(context.Background(), store.Chat{ID: id, Users: users})
	require.NoError(t, err)
}

// Dial connects with the test origin; an empty token connects anonymously.
// The connection is closed when the test ends.
func (e *Env) Dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(e.WebSocketURL(token), TestOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ConnectWebSocket creates a WebSocket connection to url presenting origin.
func ConnectWebSocket(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// DialStatus attempts a connection and returns the handshake status code.
func DialStatus(url, origin string) (int, error) {
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, headers)
	if conn != nil {
		_ = conn.Close()
	}
	if resp == nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, err
}

// Emit sends one event frame.
func Emit(conn *websocket.Conn, event string, data any) error {
	return conn.WriteJSON(map[string]any{"event": event, "data": data})
}

// ReadFrame reads the next outbound frame.
func ReadFrame(conn *websocket.Conn, timeout time.Duration) (protocol.Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return protocol.Frame{}, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.DecodeFrame(raw)
}

// Expect reads frames, skipping others, until one named event arrives.
func Expect[T any](t *testing.T, conn *websocket.Conn, event string) T {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for {
		f, err := ReadFrame(conn, time.Until(deadline))
		require.NoError(t, err, "waiting for %s", event)
		if f.Event != event {
			continue
		}
		var v T
		require.NoError(t, f.DecodeData(&v))
		return v
	}
}

// ExpectNone fails if a frame named event arrives within window. A read
// deadline ends the connection's usefulness for reading, so call it last.
func ExpectNone(t *testing.T, conn *websocket.Conn, event string, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for {
		f, err := ReadFrame(conn, time.Until(deadline))
		if err != nil {
			return
		}
		require.NotEqual(t, event, f.Event, "unexpected %s frame", event)
	}
}

// ExpectClosed waits for the server to end the connection.
func ExpectClosed(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("connection still open after %s", timeout)
			}
			return
		}
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
