package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"walletchat/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (16 MB). It fits a
	// base64 payload of a 10 MiB attachment plus the JSON envelope.
	MaxFrameSize = 16 * 1024 * 1024
	// DefaultConnectionTimeout bounds dial and authentication.
	DefaultConnectionTimeout = 30 * time.Second
)

const (
	TypeAuthenticate  = "authenticate"
	TypeAuthenticated = "authenticated"
	TypeSendMessage   = "send_message"
	TypeNewMessage    = "new_message"
	TypeMessageSent   = "message_sent"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrMalformedEvent indicates an inbound frame that cannot be applied.
	ErrMalformedEvent = errors.New("network: malformed event")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// AuthenticateMessage is the first and only frame sent before authentication completes.
type AuthenticateMessage struct {
	Type          string `json:"type"`
	WalletAddress string `json:"walletAddress"`
}

// AuthenticatedMessage acknowledges authentication.
type AuthenticatedMessage struct {
	Type          string `json:"type"`
	WalletAddress string `json:"walletAddress"`
}

// SendMessage asks the relay to deliver content to a peer.
type SendMessage struct {
	Type       string             `json:"type"`
	To         string             `json:"to"`
	Content    string             `json:"content"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
}

// NewMessage carries a message addressed to or from the local identity.
type NewMessage struct {
	Type       string             `json:"type"`
	ID         MessageID          `json:"id"`
	From       string             `json:"from"`
	To         string             `json:"to"`
	Content    string             `json:"content"`
	Timestamp  string             `json:"timestamp"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
}

// MessageSent confirms that locally sent content was accepted under ID.
type MessageSent struct {
	Type      string    `json:"type"`
	ID        MessageID `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	Timestamp string    `json:"timestamp"`
	Delivered bool      `json:"delivered"`
}

// MessageID accepts both string and numeric ids on the wire.
type MessageID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = MessageID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	*id = MessageID(n.String())
	return nil
}

// EncodeJSON marshals a protocol message.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses the ISO-8601 forms seen on the wire. Values without a
// zone are taken as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrMalformedEvent)
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedEvent, value)
}

// DecodeAuthenticated decodes an authenticated frame.
func DecodeAuthenticated(payload []byte) (AuthenticatedMessage, error) {
	var msg AuthenticatedMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return AuthenticatedMessage{}, fmt.Errorf("%w: decode authenticated: %v", ErrMalformedEvent, err)
	}
	return msg, nil
}

// DecodeNewMessage decodes a new_message frame into a confirmed message.
func DecodeNewMessage(payload []byte) (models.Message, error) {
	var frame NewMessage
	if err := json.Unmarshal(payload, &frame); err != nil {
		return models.Message{}, fmt.Errorf("%w: decode new_message: %v", ErrMalformedEvent, err)
	}
	if frame.ID == "" || frame.From == "" || frame.To == "" {
		return models.Message{}, fmt.Errorf("%w: new_message missing id or endpoints", ErrMalformedEvent)
	}
	sentAt, err := ParseTimestamp(frame.Timestamp)
	if err != nil {
		return models.Message{}, err
	}

	return models.Message{
		ID:            string(frame.ID),
		From:          frame.From,
		To:            frame.To,
		Body:          frame.Content,
		SentAt:        sentAt,
		DeliveryState: models.DeliveryDelivered,
		Attachment:    frame.Attachment,
	}, nil
}

// DecodeMessageSent decodes a message_sent frame.
func DecodeMessageSent(payload []byte) (MessageSent, time.Time, error) {
	var frame MessageSent
	if err := json.Unmarshal(payload, &frame); err != nil {
		return MessageSent{}, time.Time{}, fmt.Errorf("%w: decode message_sent: %v", ErrMalformedEvent, err)
	}
	if frame.ID == "" || frame.From == "" || frame.To == "" {
		return MessageSent{}, time.Time{}, fmt.Errorf("%w: message_sent missing id or endpoints", ErrMalformedEvent)
	}

	// Confirmation timestamps are informational; a bad one keeps the local send time.
	sentAt, err := ParseTimestamp(frame.Timestamp)
	if err != nil {
		sentAt = time.Time{}
	}
	return frame, sentAt, nil
}
