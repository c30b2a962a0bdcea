package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"walletchat/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrNotArchivable indicates a message that has not been confirmed by the relay.
	ErrNotArchivable = errors.New("storage: message is not confirmed")
)

// DocumentRecord is the SQLite representation of a filed document.
type DocumentRecord struct {
	Digest     string
	Name       string
	MediaType  string
	SizeBytes  int64
	StoredPath string
	FiledAt    time.Time
}

type scanner interface {
	Scan(dest ...any) error
}

func archivedState(msg models.Message) (models.DeliveryState, error) {
	switch msg.DeliveryState {
	case "":
		if msg.ReadByRecipient {
			return models.DeliveryRead, nil
		}
		return models.DeliveryDelivered, nil
	case models.DeliveryDelivered, models.DeliveryRead:
		return msg.DeliveryState, nil
	default:
		return "", fmt.Errorf("%w: message %q is %s", ErrNotArchivable, msg.ID, msg.DeliveryState)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
