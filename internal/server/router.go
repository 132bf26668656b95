package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/chatverse/internal/apperr"
	"github.com/Tyrowin/chatverse/internal/async"
	"github.com/Tyrowin/chatverse/internal/delivery"
	"github.com/Tyrowin/chatverse/internal/presence"
	"github.com/Tyrowin/chatverse/internal/protocol"
	"github.com/Tyrowin/chatverse/internal/registry"
	"github.com/Tyrowin/chatverse/internal/rooms"
	"github.com/Tyrowin/chatverse/internal/store"
)

// Conn is a live connection as seen by the Router.
type Conn interface {
	registry.Conn
	Session() Session
}

type handlerFunc func(ctx context.Context, conn Conn, ev protocol.Inbound) error

// Router is the single dispatch point for inbound events.
type Router struct {
	registry *registry.Registry
	rooms    *rooms.Tracker
	presence *presence.Publisher
	delivery *delivery.Machine
	chats    store.Chats
	runner   *async.Runner
	timeout  time.Duration
	now      func() time.Time

	handlers map[string]handlerFunc
}

// RouterDeps are the components a Router drives.
type RouterDeps struct {
	Registry     *registry.Registry
	Rooms        *rooms.Tracker
	Presence     *presence.Publisher
	Delivery     *delivery.Machine
	Chats        store.Chats
	Runner       *async.Runner
	StoreTimeout time.Duration
}

func NewEventRouter(deps RouterDeps) *Router {
	r := &Router{
		registry: deps.Registry,
		rooms:    deps.Rooms,
		presence: deps.Presence,
		delivery: deps.Delivery,
		chats:    deps.Chats,
		runner:   deps.Runner,
		timeout:  deps.StoreTimeout,
		now:      time.Now,
	}
	r.handlers = map[string]handlerFunc{
		protocol.EventJoinRoom:          r.joinRoom,
		protocol.EventLeaveRoom:         r.leaveRoom,
		protocol.EventSendMessageToRoom: r.sendMessageToRoom,
		protocol.EventRoomTyping:        r.roomTyping,
		protocol.EventJoinChat:          r.joinChat,
		protocol.EventLeaveChat:         r.leaveChat,
		protocol.EventNewMessage:        r.newMessage,
		protocol.EventTyping:            r.typing,
		protocol.EventStopTyping:        r.typing,
		protocol.EventMessageDelivered:  r.messageDelivered,
		protocol.EventMessageRead:       r.messageRead,
		protocol.EventSetStatus:         r.setStatus,
	}
	return r
}

// Connect registers conn and announces its participant online on the first
// connection.
func (r *Router) Connect(conn Conn) {
	s := conn.Session()
	var onFirst func()
	if !s.Anonymous {
		onFirst = func() { r.presence.OnConnect(s.ParticipantID) }
	}
	r.registry.Register(conn, onFirst)
}

// Disconnect purges conn from every scope, tells remaining room members, and
// announces the participant offline when this was its last connection.
// Repeated calls for the same connection have no further effect.
func (r *Router) Disconnect(conn Conn) {
	s := conn.Session()

	for _, m := range r.rooms.RemoveConnection(s.ConnID) {
		if !m.Scope.IsRoom() {
			continue
		}
		r.toScope(m.Scope, protocol.UserLeftRoom{
			RoomID:   m.Scope.ID(),
			UserID:   m.ParticipantID,
			UserName: m.DisplayName,
		}, nil)
	}

	var onLast func()
	if !s.Anonymous {
		onLast = func() { r.presence.OnDisconnect(s.ParticipantID) }
	}
	r.registry.Unregister(conn, onLast)
}

// Dispatch handles one inbound frame. Unknown events are ignored; every other
// failure is answered with an error event to conn alone.
func (r *Router) Dispatch(ctx context.Context, conn Conn, frame []byte) {
	ev, err := protocol.Decode(frame)
	if errors.Is(err, protocol.ErrUnknownEvent) {
		log.Debug().Err(err).Str("connID", conn.ID()).Msg("Ignoring unknown event")
		return
	}
	if err != nil {
		r.replyError(conn, "", err)
		return
	}

	handler, ok := r.handlers[ev.EventName()]
	if !ok {
		return
	}
	if err := handler(ctx, conn, ev); err != nil {
		r.replyError(conn, ev.EventName(), err)
	}
}

// Stats is a snapshot of live state for the stats endpoint.
type Stats struct {
	Connections  int `json:"connections"`
	Participants int `json:"participants"`
	Rooms        int `json:"rooms"`
	Chats        int `json:"chats"`
}

func (r *Router) Stats() Stats {
	conns, scopes := r.registry.Stats(), r.rooms.Stats()
	return Stats{
		Connections:  conns.Connections,
		Participants: conns.Participants,
		Rooms:        scopes.Rooms,
		Chats:        scopes.Chats,
	}
}

func (r *Router) replyError(conn Conn, event string, err error) {
	kind := apperr.KindOf(err)
	level := zerolog.DebugLevel
	switch kind {
	case apperr.KindTransientStore, apperr.KindInternal:
		level = zerolog.ErrorLevel
	case apperr.KindAuthorization, apperr.KindAuthentication:
		level = zerolog.InfoLevel
	}
	log.WithLevel(level).Err(err).
		Str("connID", conn.ID()).
		Str("userID", conn.ParticipantID()).
		Str("event", event).
		Str("kind", string(kind)).
		Msg("Event failed")

	r.reply(conn, protocol.Error{Message: apperr.Message(err), Event: event})
}

func (r *Router) reply(conn Conn, ev protocol.Outbound) bool {
	frame := encode(ev)
	return frame != nil && conn.Send(frame)
}

func encode(ev protocol.Outbound) []byte {
	frame, err := protocol.Encode(ev)
	if err != nil {
		log.Error().Err(err).Str("event", ev.EventName()).Msg("Failed to encode event")
		return nil
	}
	return frame
}

// toScope sends ev to every live member of scope for which skip is false and
// returns how many connections accepted it.
func (r *Router) toScope(scope rooms.Scope, ev protocol.Outbound, skip func(rooms.Member) bool) int {
	frame := encode(ev)
	if frame == nil {
		return 0
	}
	sent := 0
	for _, m := range r.rooms.MembersOf(scope) {
		if skip != nil && skip(m) {
			continue
		}
		if conn, ok := r.registry.Get(m.ConnID); ok && conn.Send(frame) {
			sent++
		}
	}
	return sent
}

func skipConn(connID string) func(rooms.Member) bool {
	return func(m rooms.Member) bool { return m.ConnID == connID }
}

func (r *Router) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func requireIdentity(s Session) error {
	if s.Anonymous {
		return apperr.Authorization("authentication required")
	}
	return nil
}

// memberChat loads chatID and checks persisted membership of participantID.
func (r *Router) memberChat(ctx context.Context, chatID, participantID string) (store.Chat, error) {
	ctx, cancel := r.storeContext(ctx)
	defer cancel()

	chat, err := r.chats.FindChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Chat{}, apperr.NotFound("Chat not found")
	}
	if err != nil {
		return store.Chat{}, apperr.TransientStore("Failed to load chat", err)
	}
	if !chat.HasMember(participantID) {
		return store.Chat{}, apperr.Authorization("Not a member of this chat")
	}
	return chat, nil
}

func (r *Router) joinRoom(_ context.Context, conn Conn, in protocol.Inbound) error {
	ev := in.(protocol.JoinRoom)
	s := conn.Session()
	scope := rooms.RoomScope(ev.RoomID)

	members, added := r.rooms.Join(rooms.Member{
		Scope:         scope,
		ConnID:        s.ConnID,
		ParticipantID: s.ParticipantID,
		DisplayName:   ev.DisplayName,
	})

	list := make([]protocol.RoomMember, 0, len(members))
	for _, m := range members {
		list = append(list, protocol.RoomMember{UserID: m.ParticipantID, UserName: m.DisplayName})
	}
	r.reply(conn, protocol.RoomJoined{RoomID: ev.RoomID, Members: list})

	if added {
		r.toScope(scope, protocol.UserJoinedRoom{
			RoomID:   ev.RoomID,
			UserID:   s.ParticipantID,
			UserName: ev.DisplayName,
		}, skipConn(s.ConnID))
	}
	return nil
}

func (r *Router) leaveRoom(_ context.Context, conn Conn, in protocol.Inbound) error {
	ev := in.(protocol.LeaveRoom)
	s := conn.Session()
	scope := rooms.RoomScope(ev.RoomID)

	m, removed := r.rooms.Leave(scope, s.ConnID)
	if !removed {
		return nil
	}
	name := m.DisplayName
	if name == "" {
		name = ev.DisplayName
	}
	r.toScope(scope, protocol.UserLeftRoom{RoomID: ev.RoomID, UserID: s.ParticipantID, UserName: name}, nil)
	return nil
}

func (r *Router) sendMessageToRoom(_ context.Context, conn Conn, in protocol.Inbound) error {
	ev := in.(protocol.SendMessageToRoom)
	s := conn.Session()
	scope := rooms.RoomScope(ev.RoomID)

	if !r.rooms.IsMember(scope, s.ConnID) {
		return apperr.Authorization("Join the room first")
	}

	ts := r.now().UTC()
	if ev.Timestamp != nil {
		ts = *ev.Timestamp
	}
	r.toScope(scope, protocol.RoomMessageReceived{
		ID:        uuid.NewString(),
		RoomID:    ev.RoomID,
		Message:   ev.Message,
		UserID:    s.ParticipantID,
		UserName:  ev.DisplayName,
		Timestamp: ts,
	}, nil)
	return nil
}

func (r *Router) roomTyping(_ context.Context, conn Conn, in protocol.Inbound) error {
	ev := in.(protocol.RoomTyping)
	s := conn.Session()
	scope := rooms.RoomScope(ev.RoomID)

	if !r.rooms.IsMember(scope, s.ConnID) {
		return apperr.Authorization("Join the room first")
	}

	name := ev.DisplayName
	if name == "" {
		for _, m := range r.rooms.MembersOf(scope) {
			if m.ConnID == s.ConnID {
				name = m.DisplayName
				break
			}
		}
	}
	r.toScope(scope, protocol.RoomTypingUpdate{
		RoomID:   ev.RoomID,
		UserID:   s.ParticipantID,
		UserName: name,
		IsTyping: ev.IsTyping,
	}, skipConn(s.ConnID))
	return nil
}

func (r *Router) joinChat(ctx context.Context, conn Conn, in protocol.Inbound) error {
	ev := in.(protocol.JoinChat)
	s := conn.Session()
	if err := requireIdentity(s); err != nil {
		return err
	}
	if _, err := r.memberChat(ctx, ev.ChatID, s.ParticipantID); err != nil {
		return err
	}
	r.rooms.Join(rooms.Member{
		Scope:         rooms.ChatScope(ev.ChatID),
		ConnID:        s.ConnID,
		ParticipantID: s.ParticipantID,
		DisplayName:   s.DisplayName,
	})
	return nil
}

func (r *Router) leaveChat(_ context.Context, conn Conn, in protocol.Inbound) error {
	ev := in.(protocol.LeaveChat)
	s := conn.Session()
	if err := requireIdentity(s); err != nil {
		return err
	}
	r.rooms.Leave(rooms.ChatScope(ev.ChatID), s.ConnID)
	return nil
}

// newMessage persists before emitting; the latest-message pointer is written
// afterwards without waiting.
func (r *Router) newMessage(ctx context.Context, conn Conn, in protocol.Inbound) error {
	ev := in.(protocol.NewMessage)
	s := conn.Session()
	if err := requireIdentity(s); err != nil {
		return err
	}

	chat, err := r.memberChat(ctx, ev.ChatID, s.ParticipantID)
	if err != nil {
		return err
	}

	msg, err := r.delivery.Create(ctx, chat.ID, s.ParticipantID, ev.Content)
	if err != nil {
		return err
	}

	payload := protocol.MessagePayload{
		ID:          msg.ID,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		SenderName:  s.DisplayName,
		Content:     msg.Content,
		CreatedAt:   msg.CreatedAt,
		DeliveredTo: msg.DeliveredTo,
		ReadBy:      msg.ReadBy,
	}

	r.toScope(rooms.ChatScope(chat.ID), protocol.MessageReceived{MessagePayload: payload}, func(m rooms.Member) bool {
		return !chat.HasMember(m.ParticipantID)
	})

	if updated := encode(protocol.ChatUpdated{ChatID: chat.ID, LatestMessage: payload}); updated != nil {
		for _, member := range chat.Users {
			if member == s.ParticipantID {
				continue
			}
			r.registry.SendTo(member, updated)
		}
	}

	chatID, messageID := chat.ID, msg.ID
	r.runner.Go("chat.latest_message", func(ctx context.Context) error {
		return r.chats.SetLatestMessage(ctx, chatID, messageID)
	})
	return nil
}

func (r *Router) typing(_ context.Context, conn Conn, in protocol.Inbound) error {
	s := conn.Session()
	if err := requireIdentity(s); err != nil {
		return err
	}

	var notice protocol.TypingNotice
	switch ev := in.(type) {
	case protocol.Typing:
		notice = protocol.TypingNotice{ChatID: ev.ChatID, UserID: s.ParticipantID}
	case protocol.StopTyping:
		notice = protocol.TypingNotice{ChatID: ev.ChatID, UserID: s.ParticipantID, Stopped: true}
	}

	scope := rooms.ChatScope(notice.ChatID)
	if !r.rooms.IsMember(scope, s.ConnID) {
		return apperr.Authorization("Join the chat first")
	}
	r.toScope(scope, notice, func(m rooms.Member) bool { return m.ParticipantID == s.ParticipantID })
	return nil
}

func (r *Router) messageDelivered(ctx context.Context, conn Conn, in protocol.Inbound) error {
	ev := in.(protocol.MessageDelivered)
	s := conn.Session()
	if err := requireIdentity(s); err != nil {
		return err
	}
	_, err := r.delivery.MarkDelivered(ctx, ev.MessageID, s.ParticipantID)
	return err
}

func (r *Router) messageRead(ctx context.Context, conn Conn, in protocol.Inbound) error {
	ev := in.(protocol.MessageRead)
	s := conn.Session()
	if err := requireIdentity(s); err != nil {
		return err
	}
	_, err := r.delivery.MarkRead(ctx, ev.MessageID, s.ParticipantID)
	return err
}

func (r *Router) setStatus(_ context.Context, conn Conn, in protocol.Inbound) error {
	ev := in.(protocol.SetStatus)
	s := conn.Session()
	if err := requireIdentity(s); err != nil {
		return err
	}
	if _, _, err := r.presence.SetStatus(s.ParticipantID, presence.Status(ev.Status)); err != nil {
		log.Debug().Err(err).Str("userID", s.ParticipantID).Msg("Status change rejected")
		return apperr.InvalidPayload("status cannot be set", "status")
	}
	return nil
}
