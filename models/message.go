package models

import (
	"strings"
	"time"
)

// MessageType enumerates the backend's message_type column values.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
	MessageTypeVoice    MessageType = "voice"
	MessageTypeLocation MessageType = "location"
	MessageTypeContact  MessageType = "contact"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio,
		MessageTypeDocument, MessageTypeVoice, MessageTypeLocation, MessageTypeContact:
		return true
	}
	return false
}

// DeliveryState is the local delivery lifecycle of a message. It never goes
// over the wire; the backend only ever returns canonical (sent) messages.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message represents one chat timeline entry. Wire keys match the backend's
// messages table columns; Content maps to the "message" column.
type Message struct {
	ID          string      `json:"id"`
	ChatID      string      `json:"chat_id"`
	SenderID    string      `json:"sender_id"`
	ReceiverID  string      `json:"receiver_id"`
	Content     string      `json:"message"`
	MessageType MessageType `json:"message_type"`
	CreatedAt   time.Time   `json:"created_at"`

	// IsFromMe and DeliveryState are derived locally and never cross the wire.
	IsFromMe      bool          `json:"-"`
	DeliveryState DeliveryState `json:"-"`
}

// Pending reports whether the message is an optimistic local entry that has
// not yet been confirmed by the backend.
func (m Message) Pending() bool {
	return m.DeliveryState == DeliveryPending
}

// Failed reports whether a send attempt for this entry failed.
func (m Message) Failed() bool {
	return m.DeliveryState == DeliveryFailed
}

// FromParticipant reports whether the message was authored by the given
// participant. Identifier comparison is case-insensitive because the backend
// stores UUIDs whose casing differs between the auth and REST surfaces.
func (m Message) FromParticipant(participantID string) bool {
	return strings.EqualFold(m.SenderID, participantID)
}

// SendResult is the send_message RPC response: the canonical stored message
// plus the conversation's updated total unread count for the counterpart.
type SendResult struct {
	Message          Message `json:"message"`
	TotalUnreadCount int     `json:"total_unread_count"`
}
