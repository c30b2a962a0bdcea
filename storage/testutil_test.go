package storage

import (
	"testing"
	"time"

	"walletchat/models"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()

	dataDir := t.TempDir()
	archive, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test archive: %v", err)
	}
	t.Cleanup(func() {
		if err := archive.Close(); err != nil {
			t.Fatalf("close test archive: %v", err)
		}
	})

	return archive
}

func confirmedMessage(id, from, to, body string, sentAt time.Time) models.Message {
	return models.Message{
		ID:            id,
		From:          from,
		To:            to,
		Body:          body,
		SentAt:        sentAt,
		DeliveryState: models.DeliveryDelivered,
	}
}
