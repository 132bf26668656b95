// Package protocol defines the closed set of events exchanged over a realtime
// connection. Every frame is an envelope {"event": name, "data": payload};
// inbound payloads are decoded into concrete types and validated at the
// boundary so handlers never see free-form maps.
package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"github.com/Tyrowin/chatverse/internal/apperr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Inbound event names. The spaced forms used by older clients are accepted as
// aliases, see inboundAliases.
const (
	EventJoinRoom          = "join_room"
	EventLeaveRoom         = "leave_room"
	EventSendMessageToRoom = "send_message_to_room"
	EventRoomTyping        = "room_typing"
	EventJoinChat          = "join_chat"
	EventLeaveChat         = "leave_chat"
	EventNewMessage        = "new_message"
	EventTyping            = "typing"
	EventStopTyping        = "stop_typing"
	EventMessageDelivered  = "message_delivered"
	EventMessageRead       = "message_read"
	EventSetStatus         = "set_status"
)

var inboundAliases = map[string]string{
	"join chat":         EventJoinChat,
	"leave chat":        EventLeaveChat,
	"new message":       EventNewMessage,
	"stop typing":       EventStopTyping,
	"message delivered": EventMessageDelivered,
	"message read":      EventMessageRead,
}

// ErrUnknownEvent is returned by Decode for event names outside the table.
var ErrUnknownEvent = errors.New("unknown event")

// Inbound is implemented by every client-to-server event.
type Inbound interface {
	EventName() string
	inbound()
}

type JoinRoom struct {
	RoomID      string `json:"roomId" validate:"required"`
	DisplayName string `json:"displayName" validate:"required"`
}

type LeaveRoom struct {
	RoomID      string `json:"roomId" validate:"required"`
	DisplayName string `json:"displayName"`
}

// SendMessageToRoom carries an optional client timestamp; the server fills it
// in when absent.
type SendMessageToRoom struct {
	RoomID      string     `json:"roomId" validate:"required"`
	Message     string     `json:"message" validate:"required"`
	DisplayName string     `json:"displayName" validate:"required"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

type RoomTyping struct {
	RoomID      string `json:"roomId" validate:"required"`
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

type JoinChat struct {
	ChatID string `json:"chatId" validate:"required"`
}

type LeaveChat struct {
	ChatID string `json:"chatId" validate:"required"`
}

type NewMessage struct {
	ChatID  string `json:"chatId" validate:"required"`
	Content string `json:"content" validate:"required"`
}

type Typing struct {
	ChatID string `json:"chatId" validate:"required"`
}

type StopTyping struct {
	ChatID string `json:"chatId" validate:"required"`
}

type MessageDelivered struct {
	MessageID string `json:"messageId" validate:"required"`
}

type MessageRead struct {
	MessageID string `json:"messageId" validate:"required"`
}

// SetStatus lets an authenticated participant toggle between online and away.
type SetStatus struct {
	Status string `json:"status" validate:"required,oneof=online away"`
}

func (JoinRoom) EventName() string          { return EventJoinRoom }
func (LeaveRoom) EventName() string         { return EventLeaveRoom }
func (SendMessageToRoom) EventName() string { return EventSendMessageToRoom }
func (RoomTyping) EventName() string        { return EventRoomTyping }
func (JoinChat) EventName() string          { return EventJoinChat }
func (LeaveChat) EventName() string         { return EventLeaveChat }
func (NewMessage) EventName() string        { return EventNewMessage }
func (Typing) EventName() string            { return EventTyping }
func (StopTyping) EventName() string        { return EventStopTyping }
func (MessageDelivered) EventName() string  { return EventMessageDelivered }
func (MessageRead) EventName() string       { return EventMessageRead }
func (SetStatus) EventName() string         { return EventSetStatus }

func (JoinRoom) inbound()          {}
func (LeaveRoom) inbound()         {}
func (SendMessageToRoom) inbound() {}
func (RoomTyping) inbound()        {}
func (JoinChat) inbound()          {}
func (LeaveChat) inbound()         {}
func (NewMessage) inbound()        {}
func (Typing) inbound()            {}
func (StopTyping) inbound()        {}
func (MessageDelivered) inbound()  {}
func (MessageRead) inbound()       {}
func (SetStatus) inbound()         {}

type decodeFunc func(data []byte) (Inbound, error)

var decoders = map[string]decodeFunc{
	EventJoinRoom:          decodeInto[JoinRoom],
	EventLeaveRoom:         decodeInto[LeaveRoom],
	EventSendMessageToRoom: decodeInto[SendMessageToRoom],
	EventRoomTyping:        decodeInto[RoomTyping],
	EventJoinChat:          decodeChatRef(func(id string) Inbound { return JoinChat{ChatID: id} }),
	EventLeaveChat:         decodeChatRef(func(id string) Inbound { return LeaveChat{ChatID: id} }),
	EventNewMessage:        decodeInto[NewMessage],
	EventTyping:            decodeChatRef(func(id string) Inbound { return Typing{ChatID: id} }),
	EventStopTyping:        decodeChatRef(func(id string) Inbound { return StopTyping{ChatID: id} }),
	EventMessageDelivered:  decodeInto[MessageDelivered],
	EventMessageRead:       decodeInto[MessageRead],
	EventSetStatus:         decodeInto[SetStatus],
}

type envelope struct {
	Event string              `json:"event"`
	Data  jsoniter.RawMessage `json:"data,omitempty"`
}

// Canonical resolves an event name or alias to its canonical name.
func Canonical(name string) (string, bool) {
	if canonical, ok := inboundAliases[name]; ok {
		return canonical, true
	}
	_, ok := decoders[name]
	return name, ok
}

// Decode parses and validates one inbound frame. Unknown event names yield an
// error wrapping ErrUnknownEvent; malformed or incomplete payloads yield an
// *apperr.Error of kind KindInvalidPayload.
func Decode(frame []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, apperr.InvalidPayload("malformed event frame", "")
	}
	if env.Event == "" {
		return nil, apperr.InvalidPayload("event is required", "event")
	}

	name, ok := Canonical(env.Event)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	ev, err := decoders[name](env.Data)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(ev); err != nil {
		return nil, validationError(err)
	}
	return ev, nil
}

func decodeInto[T Inbound](data []byte) (Inbound, error) {
	var ev T
	if len(data) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, apperr.InvalidPayload("malformed event payload", "data")
	}
	return ev, nil
}

// decodeChatRef accepts either a bare chat id string or {"chatId": "..."}.
func decodeChatRef(build func(chatID string) Inbound) decodeFunc {
	return func(data []byte) (Inbound, error) {
		if len(data) == 0 {
			return build(""), nil
		}
		var id string
		if err := json.Unmarshal(data, &id); err == nil {
			return build(id), nil
		}
		var ref struct {
			ChatID string `json:"chatId"`
		}
		if err := json.Unmarshal(data, &ref); err != nil {
			return nil, apperr.InvalidPayload("malformed event payload", "data")
		}
		return build(ref.ChatID), nil
	}
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperr.InvalidPayload("invalid event payload", "")
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return apperr.InvalidPayload(fe.Field()+" is required", fe.Field())
	case "oneof":
		return apperr.InvalidPayload(fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()), fe.Field())
	default:
		return apperr.InvalidPayload(fe.Field()+" is invalid", fe.Field())
	}
}
