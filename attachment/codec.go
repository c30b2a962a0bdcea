// Package attachment converts binary payloads to and from the inline text form
// carried by chat frames and history records.
package attachment

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/crypto/blake2b"

	"walletchat/models"
)

// DefaultMaxBytes is the largest attachment accepted when no limit is configured (10 MiB).
const DefaultMaxBytes = 10 * 1024 * 1024

var (
	// ErrSizeExceeded indicates the raw payload is larger than the configured maximum.
	ErrSizeExceeded = errors.New("attachment: size exceeded")
	// ErrCodec indicates the encoded payload is corrupt or disagrees with its declared size.
	ErrCodec = errors.New("attachment: invalid encoded payload")
	// ErrInvalidAttachment indicates missing metadata.
	ErrInvalidAttachment = errors.New("attachment: invalid attachment")
)

// Document is a decoded attachment handed to the document store.
type Document struct {
	Name      string
	MediaType string
	Digest    string
	Data      []byte
}

// DocumentStore files decoded attachments permanently.
type DocumentStore interface {
	File(ctx context.Context, doc Document) error
}

// Codec encodes and decodes attachments under one size limit.
type Codec struct {
	maxBytes int64
}

// NewCodec returns a codec; maxBytes <= 0 selects DefaultMaxBytes.
func NewCodec(maxBytes int64) *Codec {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Codec{maxBytes: maxBytes}
}

// MaxBytes returns the configured limit.
func (c *Codec) MaxBytes() int64 {
	return c.maxBytes
}

// Encode wraps raw bytes into an attachment. An empty mediaType is sniffed from the content.
func (c *Codec) Encode(raw []byte, name, mediaType string) (models.Attachment, error) {
	if int64(len(raw)) > c.maxBytes {
		return models.Attachment{}, fmt.Errorf("%w: %d bytes, limit %d", ErrSizeExceeded, len(raw), c.maxBytes)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Attachment{}, fmt.Errorf("%w: name is required", ErrInvalidAttachment)
	}

	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" {
		mediaType = mimetype.Detect(raw).String()
	}

	return models.Attachment{
		Name:      name,
		MediaType: mediaType,
		SizeBytes: int64(len(raw)),
		Payload:   base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// Decode returns the raw bytes of an attachment.
func (c *Codec) Decode(a models.Attachment) ([]byte, error) {
	if a.SizeBytes < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrCodec, a.SizeBytes)
	}
	if a.SizeBytes > c.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrSizeExceeded, a.SizeBytes, c.maxBytes)
	}
	if base64.StdEncoding.DecodedLen(len(a.Payload)) > int(c.maxBytes)+3 {
		return nil, fmt.Errorf("%w: payload longer than limit", ErrSizeExceeded)
	}

	raw, err := base64.StdEncoding.DecodeString(a.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	if int64(len(raw)) != a.SizeBytes {
		return nil, fmt.Errorf("%w: decoded %d bytes, declared %d", ErrCodec, len(raw), a.SizeBytes)
	}
	return raw, nil
}

// Validate checks an attachment received from a collaborator without keeping the bytes.
func (c *Codec) Validate(a models.Attachment) error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAttachment)
	}
	_, err := c.Decode(a)
	return err
}

// File decodes an attachment and hands it to the document store.
func (c *Codec) File(ctx context.Context, store DocumentStore, a models.Attachment) error {
	if store == nil {
		return errors.New("attachment: document store is not configured")
	}
	raw, err := c.Decode(a)
	if err != nil {
		return err
	}
	return store.File(ctx, Document{
		Name:      a.Name,
		MediaType: a.MediaType,
		Digest:    Digest(raw),
		Data:      raw,
	})
}

// Digest returns the hex BLAKE2b-256 digest of raw.
func Digest(raw []byte) string {
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
