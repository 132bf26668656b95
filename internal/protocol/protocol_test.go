package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatverse/internal/apperr"
)

func TestDecodeJoinRoom(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"event":"join_room","data":{"roomId":"R7","displayName":"Ana"}}`))
	require.NoError(t, err)
	assert.Equal(t, JoinRoom{RoomID: "R7", DisplayName: "Ana"}, ev)
}

func TestDecodeRejectsMissingRequiredField(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"event":"send_message_to_room","data":{"roomId":"R7","displayName":"Ana"}}`))
	require.Error(t, err)

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindInvalidPayload, appErr.Kind)
	assert.Equal(t, "message", appErr.Field)
	assert.Equal(t, "message is required", appErr.Message)
}

func TestDecodeUnknownEvent(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"event":"launch_rockets","data":{}}`))
	assert.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestDecodeMalformedFrame(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`not json`))
	assert.Equal(t, apperr.KindInvalidPayload, apperr.KindOf(err))
}

func TestDecodeChatRefAcceptsBareStringAndObject(t *testing.T) {
	t.Parallel()

	bare, err := Decode([]byte(`{"event":"join chat","data":"chat-1"}`))
	require.NoError(t, err)
	assert.Equal(t, JoinChat{ChatID: "chat-1"}, bare)

	obj, err := Decode([]byte(`{"event":"stop_typing","data":{"chatId":"chat-2"}}`))
	require.NoError(t, err)
	assert.Equal(t, StopTyping{ChatID: "chat-2"}, obj)

	_, err = Decode([]byte(`{"event":"typing","data":null}`))
	assert.Equal(t, apperr.KindInvalidPayload, apperr.KindOf(err))
}

func TestDecodeAliases(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"event":"message read","data":{"messageId":"m1"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventMessageRead, ev.EventName())
}

func TestDecodeSetStatusRejectsOffline(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"event":"set_status","data":{"status":"offline"}}`))
	require.Error(t, err)
	assert.Contains(t, apperr.Message(err), "status must be one of")
}

func TestDecodeOptionalTimestamp(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"event":"send_message_to_room","data":{"roomId":"R","message":"hi","displayName":"A","timestamp":"2026-01-02T03:04:05Z"}}`))
	require.NoError(t, err)

	msg, ok := ev.(SendMessageToRoom)
	require.True(t, ok)
	require.NotNil(t, msg.Timestamp)
	assert.True(t, msg.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestEncodeUserStatusOmitsLastSeenWhenOnline(t *testing.T) {
	t.Parallel()

	raw, err := Encode(UserStatus{UserID: "u1", Status: "online"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"user_status","data":{"userId":"u1","status":"online"}}`, string(raw))

	seen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	raw, err = Encode(UserStatus{UserID: "u1", Status: "offline", LastSeen: &seen})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"user_status","data":{"userId":"u1","status":"offline","lastSeen":"2026-03-01T10:00:00Z"}}`, string(raw))
}

func TestEncodeTypingNoticeName(t *testing.T) {
	t.Parallel()

	raw, err := Encode(TypingNotice{ChatID: "c", UserID: "u", Stopped: true})
	require.NoError(t, err)

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, EventStopTyping, frame.Event)

	var notice TypingNotice
	require.NoError(t, frame.DecodeData(&notice))
	assert.Equal(t, "c", notice.ChatID)
}

func TestEncodeMessageReceivedFlattensPayload(t *testing.T) {
	t.Parallel()

	raw, err := Encode(MessageReceived{MessagePayload{ID: "m1", ChatID: "c1", SenderID: "s", Content: "hi", DeliveredTo: []string{"s"}, ReadBy: []string{}}})
	require.NoError(t, err)

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	var payload MessagePayload
	require.NoError(t, frame.DecodeData(&payload))
	assert.Equal(t, "m1", payload.ID)
	assert.Equal(t, []string{"s"}, payload.DeliveredTo)
}
