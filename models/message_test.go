package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTypeValid(t *testing.T) {
	for _, mt := range []MessageType{
		MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio,
		MessageTypeDocument, MessageTypeVoice, MessageTypeLocation, MessageTypeContact,
	} {
		assert.True(t, mt.Valid(), "type %q", mt)
	}
	assert.False(t, MessageType("sticker").Valid())
	assert.False(t, MessageType("").Valid())
}

func TestFromParticipantIsCaseInsensitive(t *testing.T) {
	msg := Message{SenderID: "550E8400-E29B-41D4-A716-446655440000"}

	assert.True(t, msg.FromParticipant("550e8400-e29b-41d4-a716-446655440000"))
	assert.False(t, msg.FromParticipant("some-other-id"))
}

func TestMessageWireFormat(t *testing.T) {
	raw := []byte(`{
		"id": "m1",
		"chat_id": "chat-1",
		"sender_id": "alice",
		"receiver_id": "bob",
		"message": "hello",
		"message_type": "text",
		"created_at": "2026-08-01T12:00:00Z",
		"is_from_me": true
	}`)

	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))

	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, MessageTypeText, msg.MessageType)
	assert.Equal(t, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), msg.CreatedAt)

	// Authorship is derived locally; a payload cannot smuggle it in.
	assert.False(t, msg.IsFromMe)

	// IsFromMe and DeliveryState are local-only and never serialized.
	msg.IsFromMe = true
	msg.DeliveryState = DeliveryPending
	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "pending")
	assert.NotContains(t, string(out), "DeliveryState")
	assert.NotContains(t, string(out), "is_from_me")
}

func TestDeliveryStateHelpers(t *testing.T) {
	assert.True(t, Message{DeliveryState: DeliveryPending}.Pending())
	assert.True(t, Message{DeliveryState: DeliveryFailed}.Failed())
	assert.False(t, Message{DeliveryState: DeliverySent}.Pending())
	assert.False(t, Message{DeliveryState: DeliverySent}.Failed())
}
