package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/chatverse/internal/apperr"
	"github.com/Tyrowin/chatverse/internal/auth"
	"github.com/Tyrowin/chatverse/internal/delivery"
	"github.com/Tyrowin/chatverse/internal/presence"
	"github.com/Tyrowin/chatverse/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Response is the envelope of every JSON API reply.
type Response[T any] struct {
	Message   string `json:"message"`
	Data      T      `json:"data"`
	RequestID string `json:"request_id"`
}

type errorBody struct {
	Message   string     `json:"message"`
	Errors    errorField `json:"errors"`
	Data      any        `json:"data"`
	RequestID string     `json:"request_id"`
}

type errorField struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("Error writing JSON response")
	}
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindAuthentication:
		return http.StatusUnauthorized
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidPayload:
		return http.StatusBadRequest
	case apperr.KindTransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandlerFunc is an API handler that reports failures instead of writing them.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// WrapHandler renders a failed HandlerFunc as a JSON error envelope.
func WrapHandler(fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		reqID := middleware.GetReqID(r.Context())
		kind := apperr.KindOf(err)
		code := statusFor(kind)
		if code >= http.StatusInternalServerError {
			log.Error().Err(err).Str("requestID", reqID).Str("path", r.URL.Path).Msg("Request failed")
		} else {
			log.Debug().Err(err).Str("requestID", reqID).Str("path", r.URL.Path).Msg("Request rejected")
		}

		var appErr *apperr.Error
		field := ""
		if errors.As(err, &appErr) {
			field = appErr.Field
		}
		writeJSON(w, code, errorBody{
			Message: "Error occur",
			Errors: errorField{
				Code:    code,
				Kind:    string(kind),
				Field:   field,
				Message: apperr.Message(err),
			},
			RequestID: reqID,
		})
	}
}

func respond[T any](w http.ResponseWriter, r *http.Request, message string, data T) error {
	writeJSON(w, http.StatusOK, Response[T]{
		Message:   message,
		Data:      data,
		RequestID: middleware.GetReqID(r.Context()),
	})
	return nil
}

// Handlers serves the HTTP surface: the websocket endpoint and the JSON API.
type Handlers struct {
	hub      *Hub
	router   *Router
	verifier *auth.Verifier
	users    store.Users
	chats    store.Chats
	presence *presence.Publisher
	delivery *delivery.Machine
	upgrader websocket.Upgrader

	allowAnonymous bool
	storeTimeout   time.Duration
	started        time.Time
}

// HandlersDeps collects what the HTTP surface reads from.
type HandlersDeps struct {
	Hub            *Hub
	Router         *Router
	Verifier       *auth.Verifier
	Users          store.Users
	Chats          store.Chats
	Presence       *presence.Publisher
	Delivery       *delivery.Machine
	AllowedOrigins []string
	AllowAnonymous bool
	StoreTimeout   time.Duration
}

func NewHandlers(deps HandlersDeps) *Handlers {
	policy := newOriginPolicy(deps.AllowedOrigins)
	return &Handlers{
		hub:      deps.Hub,
		router:   deps.Router,
		verifier: deps.Verifier,
		users:    deps.Users,
		chats:    deps.Chats,
		presence: deps.Presence,
		delivery: deps.Delivery,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		allowAnonymous: deps.AllowAnonymous,
		storeTimeout:   deps.StoreTimeout,
		started:        time.Now(),
	}
}

func (h *Handlers) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.storeTimeout <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), h.storeTimeout)
}

// authenticate resolves the participant behind the request credential.
func (h *Handlers) authenticate(r *http.Request) (store.User, error) {
	if h.verifier == nil || !h.verifier.Enabled() {
		return store.User{}, apperr.Authentication("authentication is not configured", nil)
	}
	token := auth.TokenFromRequest(r)
	if token == "" {
		return store.User{}, apperr.Authentication("missing token", nil)
	}
	participantID, err := h.verifier.Verify(token)
	if err != nil {
		return store.User{}, err
	}

	ctx, cancel := h.storeContext(r)
	defer cancel()
	user, err := h.users.FindUser(ctx, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, apperr.Authentication("unknown user", err)
	}
	if err != nil {
		return store.User{}, apperr.TransientStore("Failed to load user", err)
	}
	return user, nil
}

// WebSocket authenticates the request, upgrades it and attaches the
// connection to the hub. Credentials are checked before the upgrade so a
// rejected client never gets a socket.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	var session Session
	user, err := h.authenticate(r)
	switch {
	case err == nil:
		session = newSession(user.ID, user.Name)
	case h.allowAnonymous && apperr.KindOf(err) == apperr.KindAuthentication:
		session = newSession("", "")
	default:
		log.Info().Err(err).Str("addr", r.RemoteAddr).Msg("Rejected websocket connection")
		code := statusFor(apperr.KindOf(err))
		http.Error(w, apperr.Message(err), code)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	if _, err := h.hub.Attach(conn, session, r.RemoteAddr); err != nil {
		log.Info().Err(err).Str("addr", r.RemoteAddr).Msg("Refusing connection during shutdown")
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "chatverse",
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"timestamp": time.Now().Unix(),
	})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) error {
	type stats struct {
		Stats
		Clients int `json:"clients"`
	}
	return respond(w, r, "get websocket stats", stats{Stats: h.router.Stats(), Clients: h.hub.ClientCount()})
}

func (h *Handlers) UserPresence(w http.ResponseWriter, r *http.Request) error {
	userID := chi.URLParam(r, "userId")
	ctx, cancel := h.storeContext(r)
	defer cancel()

	rec, err := h.presence.Lookup(ctx, userID)
	if errors.Is(err, presence.ErrNotKnown) {
		return apperr.NotFound("User not found")
	}
	if err != nil {
		return apperr.TransientStore("Failed to load presence", err)
	}
	return respond(w, r, "get user presence", rec)
}

type messageStatus struct {
	MessageID   string   `json:"messageId"`
	ChatID      string   `json:"chatId"`
	SenderID    string   `json:"senderId"`
	DeliveredTo []string `json:"deliveredTo"`
	ReadBy      []string `json:"readBy"`
}

// MessageStatus returns the receipt sets of a message to a member of its chat.
func (h *Handlers) MessageStatus(w http.ResponseWriter, r *http.Request) error {
	user, err := h.authenticate(r)
	if err != nil {
		return err
	}

	msg, err := h.delivery.Status(r.Context(), chi.URLParam(r, "messageId"))
	if err != nil {
		return err
	}

	ctx, cancel := h.storeContext(r)
	defer cancel()
	chat, err := h.chats.FindChat(ctx, msg.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("Chat not found")
	}
	if err != nil {
		return apperr.TransientStore("Failed to load chat", err)
	}
	if !chat.HasMember(user.ID) {
		return apperr.Authorization("Not a member of this chat")
	}

	return respond(w, r, "get message status", messageStatus{
		MessageID:   msg.ID,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		DeliveredTo: msg.DeliveredTo,
		ReadBy:      msg.ReadBy,
	})
}

// TestPage serves a small page for joining a room and exchanging events by hand.
func (h *Handlers) TestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := w.Write([]byte(testPage)); err != nil {
		log.Debug().Err(err).Msg("Error writing HTML response")
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Chatverse WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Chatverse WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Token (optional)">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="roomInput" placeholder="Room" value="lobby">
        <input type="text" id="nameInput" placeholder="Display name" value="guest">
        <button onclick="joinRoom()">Join</button>
        <button onclick="leaveRoom()">Leave</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function emit(event, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ event: event, data: data }));
            }
        }

        function room() {
            return { roomId: document.getElementById('roomInput').value, displayName: document.getElementById('nameInput').value };
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = document.getElementById('tokenInput').value.trim();
            ws = new WebSocket(scheme + location.host + '/ws' + (token ? '?token=' + encodeURIComponent(token) : ''));
            ws.onopen = function() { addMessage('Connected'); updateStatus(true); };
            ws.onmessage = function(e) {
                const frame = JSON.parse(e.data);
                const color = frame.event === 'error' ? 'red' : 'green';
                addMessage(frame.event + ' ' + JSON.stringify(frame.data), color);
            };
            ws.onclose = function() { addMessage('Connection closed'); updateStatus(false); ws = null; };
            ws.onerror = function() { addMessage('Connection error', 'red'); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) { ws.close(); } else { connect(); }
        }

        function joinRoom() { emit('join_room', room()); }
        function leaveRoom() { emit('leave_room', room()); }

        function sendMessage() {
            const message = messageInput.value.trim();
            if (!message) { return; }
            const data = room();
            data.message = message;
            emit('send_message_to_room', data);
            messageInput.value = '';
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') { sendMessage(); }
        });
    </script>
</body>
</html>`
