package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/chatverse/internal/config"
)

// ErrHubClosed is returned by Attach once shutdown has started.
var ErrHubClosed = errors.New("hub is shut down")

// Hub owns every live client and runs their pumps. Event fan-out does not go
// through the hub; the Router addresses connections through the registry so
// unrelated rooms never share a serializing loop.
type Hub struct {
	cfg     config.Config
	router  *Router
	clients map[*Client]struct{}
	mutex   sync.RWMutex
	wg      sync.WaitGroup
	closed  bool
}

// NewHub creates a hub whose clients dispatch inbound events to router.
func NewHub(cfg config.Config, router *Router) *Hub {
	return &Hub{
		cfg:     cfg,
		router:  router,
		clients: make(map[*Client]struct{}),
	}
}

// newSession assigns a connection id and, for anonymous connections, the
// synthetic participant id.
func newSession(participantID, displayName string) Session {
	s := Session{ConnID: uuid.NewString(), ParticipantID: participantID, DisplayName: displayName}
	if participantID == "" {
		s.Anonymous = true
		s.ParticipantID = anonymousParticipant(s.ConnID)
		s.DisplayName = ""
	}
	return s
}

// Attach registers a freshly upgraded connection and starts its pumps.
func (h *Hub) Attach(conn *websocket.Conn, session Session, addr string) (*Client, error) {
	client := newClient(conn, h, session, addr)

	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return nil, ErrHubClosed
	}
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.wg.Add(2)
	h.mutex.Unlock()

	log.Info().
		Str("connID", session.ConnID).
		Str("userID", session.ParticipantID).
		Bool("anonymous", session.Anonymous).
		Str("addr", addr).
		Int("clients", clientCount).
		Msg("Client registered")

	h.router.Connect(client)

	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
	return client, nil
}

func (h *Hub) detach(client *Client) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if ok {
		log.Info().
			Str("connID", client.ID()).
			Str("userID", client.ParticipantID()).
			Str("addr", client.addr).
			Int("clients", clientCount).
			Msg("Client unregistered")
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// shutdownClients asks every client to close; their read pumps run cleanup.
func (h *Hub) shutdownClients() int {
	h.mutex.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.close()
	}
	return len(clients)
}

// Shutdown closes every client and waits for their pumps and disconnect
// cleanup to finish, or for timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Info().Msg("Initiating hub shutdown...")

	closed := h.shutdownClients()
	log.Info().Int("clients", closed).Msg("Closing client connections")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Warn().Msg("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
