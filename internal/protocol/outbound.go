package protocol

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Outbound event names.
const (
	EventRoomJoined           = "room_joined"
	EventUserJoinedRoom       = "user_joined_room"
	EventUserLeftRoom         = "user_left_room"
	EventRoomMessageReceived  = "room_message_received"
	EventRoomTypingUpdate     = "room_typing_update"
	EventMessageReceived      = "message_received"
	EventChatUpdated          = "chat_updated"
	EventMessageStatusUpdated = "message_status_updated"
	EventUserStatus           = "user_status"
	EventError                = "error"
)

// Outbound is implemented by every server-to-client event.
type Outbound interface {
	EventName() string
	outbound()
}

type RoomMember struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type RoomJoined struct {
	RoomID  string       `json:"roomId"`
	Members []RoomMember `json:"members"`
}

type UserJoinedRoom struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type UserLeftRoom struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type RoomMessageReceived struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Message   string    `json:"message"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Timestamp time.Time `json:"timestamp"`
}

type RoomTypingUpdate struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// MessagePayload is the wire form of a persisted chat message.
type MessagePayload struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chatId"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName,omitempty"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	DeliveredTo []string  `json:"deliveredTo"`
	ReadBy      []string  `json:"readBy"`
}

type MessageReceived struct {
	MessagePayload
}

type ChatUpdated struct {
	ChatID        string         `json:"chatId"`
	LatestMessage MessagePayload `json:"latestMessage"`
}

// TypingNotice is emitted as "typing" or "stop_typing" depending on Stopped.
type TypingNotice struct {
	ChatID  string `json:"chatId"`
	UserID  string `json:"userId"`
	Stopped bool   `json:"-"`
}

type MessageStatusUpdated struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Status    string `json:"status"`
}

// UserStatus carries LastSeen only for offline transitions.
type UserStatus struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type Error struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func (RoomJoined) EventName() string           { return EventRoomJoined }
func (UserJoinedRoom) EventName() string       { return EventUserJoinedRoom }
func (UserLeftRoom) EventName() string         { return EventUserLeftRoom }
func (RoomMessageReceived) EventName() string  { return EventRoomMessageReceived }
func (RoomTypingUpdate) EventName() string     { return EventRoomTypingUpdate }
func (MessageReceived) EventName() string      { return EventMessageReceived }
func (ChatUpdated) EventName() string          { return EventChatUpdated }
func (MessageStatusUpdated) EventName() string { return EventMessageStatusUpdated }
func (UserStatus) EventName() string           { return EventUserStatus }
func (Error) EventName() string                { return EventError }

func (t TypingNotice) EventName() string {
	if t.Stopped {
		return EventStopTyping
	}
	return EventTyping
}

func (RoomJoined) outbound()           {}
func (UserJoinedRoom) outbound()       {}
func (UserLeftRoom) outbound()         {}
func (RoomMessageReceived) outbound()  {}
func (RoomTypingUpdate) outbound()     {}
func (MessageReceived) outbound()      {}
func (ChatUpdated) outbound()          {}
func (TypingNotice) outbound()         {}
func (MessageStatusUpdated) outbound() {}
func (UserStatus) outbound()           {}
func (Error) outbound()                {}

type outboundEnvelope struct {
	Event string   `json:"event"`
	Data  Outbound `json:"data"`
}

// Encode renders ev inside its envelope.
func Encode(ev Outbound) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Event: ev.EventName(), Data: ev})
}

// Frame is a decoded outbound envelope with its payload left raw. Clients and
// tests use it to dispatch on the event name before decoding data.
type Frame struct {
	Event string              `json:"event"`
	Data  jsoniter.RawMessage `json:"data"`
}

// DecodeFrame parses an outbound envelope.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// DecodeData unmarshals the frame payload into v.
func (f Frame) DecodeData(v any) error {
	return json.Unmarshal(f.Data, v)
}
