package storage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"walletchat/chat"
	"walletchat/history"
	"walletchat/models"
)

func TestArchiverMirrorsConfirmedEntries(t *testing.T) {
	archive := newTestArchive(t)
	store := chat.NewStore("0xaa")
	archiver := NewArchiver(archive, store, zerolog.Nop())
	defer archiver.Close()

	sent, err := store.InsertProvisional(chat.Draft{To: "0xbb", Body: "hi"})
	if err != nil {
		t.Fatalf("InsertProvisional failed: %v", err)
	}
	count, err := archive.CountMessages()
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("provisional entry %q should not be archived", sent.ID)
	}

	if _, ok := store.Promote(chat.Confirmation{ID: "100", From: "0xaa", To: "0xbb", Body: "hi"}); !ok {
		t.Fatalf("Promote did not match")
	}
	if _, err := archive.GetMessage("100"); err != nil {
		t.Fatalf("promoted message not archived: %v", err)
	}

	inbound := confirmedMessage("101", "0xbb", "0xaa", "hey", time.Now().UTC())
	if _, err := store.InsertConfirmed(inbound); err != nil {
		t.Fatalf("InsertConfirmed failed: %v", err)
	}
	if store.MarkRead("0xbb") != 1 {
		t.Fatalf("expected one entry marked read")
	}

	got, err := archive.GetMessage("101")
	if err != nil {
		t.Fatalf("inbound message not archived: %v", err)
	}
	if !got.ReadByRecipient || got.DeliveryState != models.DeliveryRead {
		t.Fatalf("expected read mark mirrored, got read=%v state=%q", got.ReadByRecipient, got.DeliveryState)
	}
	if archiver.Failures() != 0 {
		t.Fatalf("expected no archive failures, got %d", archiver.Failures())
	}
}

func TestArchiverStopsAfterClose(t *testing.T) {
	archive := newTestArchive(t)
	store := chat.NewStore("0xaa")
	archiver := NewArchiver(archive, store, zerolog.Nop())
	archiver.Close()
	archiver.Close()

	if _, err := store.InsertConfirmed(confirmedMessage("5", "0xbb", "0xaa", "late", time.Now().UTC())); err != nil {
		t.Fatalf("InsertConfirmed failed: %v", err)
	}
	count, err := archive.CountMessages()
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected nothing archived after Close, got %d", count)
	}
}

func TestArchiveServesAsHistoryFallback(t *testing.T) {
	archive := newTestArchive(t)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := archive.SaveMessages([]models.Message{
		confirmedMessage("1", "0xbb", "0xaa", "first", base),
		confirmedMessage("2", "0xaa", "0xbb", "second", base.Add(time.Minute)),
	}); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}

	failing := history.SourceFunc(func(context.Context, string, int) ([]history.Record, error) {
		return nil, history.ErrUnavailable
	})
	store := chat.NewStore("0xaa")
	loader := history.NewLoader(history.WithFallback(failing, archive), store, nil, zerolog.Nop())

	loaded, err := loader.Load(context.Background(), "0xaa")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != 2 {
		t.Fatalf("expected 2 messages from archive fallback, got %d", loaded)
	}
	conversation := store.Query("0xbb")
	if len(conversation) != 2 || conversation[0].Body != "first" {
		t.Fatalf("unexpected conversation: %+v", conversation)
	}
}
