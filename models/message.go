package models

import (
	"strings"
	"time"
)

// DeliveryState is the lifecycle stage of a message in the local log.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

// ProvisionalIDPrefix marks ids generated locally before the relay confirms a send.
// Confirmed ids assigned by the relay never carry it.
const ProvisionalIDPrefix = "local:"

// Valid reports whether s is a known delivery state.
func (s DeliveryState) Valid() bool {
	switch s {
	case DeliveryPending, DeliveryDelivered, DeliveryRead, DeliveryFailed:
		return true
	default:
		return false
	}
}

// Message is one entry of the local message log.
type Message struct {
	ID              string        `json:"id"`
	From            string        `json:"from"`
	To              string        `json:"to"`
	Body            string        `json:"body"`
	SentAt          time.Time     `json:"sent_at"`
	ReadByRecipient bool          `json:"read_by_recipient"`
	DeliveryState   DeliveryState `json:"delivery_state"`
	Attachment      *Attachment   `json:"attachment,omitempty"`
}

// IsProvisional reports whether the message still carries a locally generated id.
func (m Message) IsProvisional() bool {
	return IsProvisionalID(m.ID)
}

// IsInbound reports whether local is the recipient.
func (m Message) IsInbound(local string) bool {
	return SameIdentity(m.To, local) && !SameIdentity(m.From, local)
}

// Counterpart returns the identity on the other side of the message from local.
func (m Message) Counterpart(local string) string {
	if SameIdentity(m.From, local) {
		return NormalizeIdentity(m.To)
	}
	return NormalizeIdentity(m.From)
}

// Clone returns a deep copy so callers never share the attachment pointer with the log.
func (m Message) Clone() Message {
	out := m
	if m.Attachment != nil {
		att := *m.Attachment
		out.Attachment = &att
	}
	return out
}

// IsProvisionalID reports whether id was generated locally.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalIDPrefix)
}

// NormalizeIdentity is the canonical form used for every identity comparison.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// SameIdentity compares two addresses case-insensitively.
func SameIdentity(a, b string) bool {
	return NormalizeIdentity(a) == NormalizeIdentity(b)
}
