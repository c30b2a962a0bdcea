// Package history hydrates the message store from the durable history service.
package history

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"walletchat/attachment"
	"walletchat/models"
	"walletchat/network"
)

var (
	// ErrUnavailable indicates the history service answered with a failure status.
	ErrUnavailable = errors.New("history: service unavailable")
	// ErrMalformedRecord indicates a history row that cannot become a message.
	ErrMalformedRecord = errors.New("history: malformed record")
)

// Record is one history row as served by the history service.
type Record struct {
	ID             network.MessageID `json:"id"`
	From           string            `json:"from"`
	To             string            `json:"to"`
	Content        string            `json:"content"`
	Timestamp      string            `json:"timestamp"`
	Read           bool              `json:"read"`
	Delivered      bool              `json:"delivered"`
	AttachmentName string            `json:"attachmentName,omitempty"`
	AttachmentType string            `json:"attachmentType,omitempty"`
	AttachmentSize int64             `json:"attachmentSize,omitempty"`
	AttachmentData string            `json:"attachmentData,omitempty"`
}

// FromMessage converts a confirmed message into its history row.
func FromMessage(msg models.Message) Record {
	rec := Record{
		ID:        network.MessageID(msg.ID),
		From:      msg.From,
		To:        msg.To,
		Content:   msg.Body,
		Timestamp: msg.SentAt.UTC().Format(time.RFC3339Nano),
		Read:      msg.ReadByRecipient,
		Delivered: msg.DeliveryState != models.DeliveryPending && msg.DeliveryState != models.DeliveryFailed,
	}
	if msg.Attachment != nil {
		rec.AttachmentName = msg.Attachment.Name
		rec.AttachmentType = msg.Attachment.MediaType
		rec.AttachmentSize = msg.Attachment.SizeBytes
		rec.AttachmentData = msg.Attachment.Payload
	}
	return rec
}

// Message converts the row into a confirmed message. Attachments are checked with codec.
func (r Record) Message(codec *attachment.Codec) (models.Message, error) {
	if r.ID == "" || strings.TrimSpace(r.From) == "" || strings.TrimSpace(r.To) == "" {
		return models.Message{}, fmt.Errorf("%w: missing id or endpoints", ErrMalformedRecord)
	}
	sentAt, err := network.ParseTimestamp(r.Timestamp)
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: record %s: %v", ErrMalformedRecord, r.ID, err)
	}

	msg := models.Message{
		ID:              string(r.ID),
		From:            r.From,
		To:              r.To,
		Body:            r.Content,
		SentAt:          sentAt,
		ReadByRecipient: r.Read,
		DeliveryState:   models.DeliveryDelivered,
	}
	if r.Read {
		msg.DeliveryState = models.DeliveryRead
	}

	if r.AttachmentName != "" || r.AttachmentData != "" {
		att := models.Attachment{
			Name:      r.AttachmentName,
			MediaType: r.AttachmentType,
			SizeBytes: r.AttachmentSize,
			Payload:   r.AttachmentData,
		}
		if codec != nil {
			if err := codec.Validate(att); err != nil {
				return models.Message{}, fmt.Errorf("%w: record %s: %w", ErrMalformedRecord, r.ID, err)
			}
		}
		msg.Attachment = &att
	}
	return msg, nil
}
