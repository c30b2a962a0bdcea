package storage

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"walletchat/chat"
	"walletchat/models"
)

// Archiver mirrors confirmed store entries and read marks into the archive.
type Archiver struct {
	archive *Archive
	log     zerolog.Logger

	failures atomic.Uint64

	unsubscribe func()
	closeOnce   sync.Once
}

// NewArchiver subscribes to store changes until Close.
func NewArchiver(archive *Archive, store *chat.Store, log zerolog.Logger) *Archiver {
	a := &Archiver{archive: archive, log: log}
	a.unsubscribe = store.Subscribe(a.apply)
	return a
}

// Failures returns the number of changes that could not be archived.
func (a *Archiver) Failures() uint64 {
	return a.failures.Load()
}

// Close stops mirroring.
func (a *Archiver) Close() {
	a.closeOnce.Do(func() {
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
	})
}

func (a *Archiver) apply(change chat.Change) {
	switch change.Kind {
	case chat.ChangeInserted, chat.ChangeBatch, chat.ChangePromoted, chat.ChangeRead:
	default:
		return
	}

	confirmed := make([]models.Message, 0, len(change.Messages))
	for _, msg := range change.Messages {
		if msg.IsProvisional() {
			continue
		}
		confirmed = append(confirmed, msg)
	}
	if len(confirmed) == 0 {
		return
	}

	if err := a.archive.SaveMessages(confirmed); err != nil {
		a.failures.Add(1)
		a.log.Warn().Stack().Err(err).Str("change", string(change.Kind)).Int("messages", len(confirmed)).Msg("archive write failed")
	}
}
