package history

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"walletchat/attachment"
	"walletchat/chat"
	"walletchat/models"
)

// Loader hydrates a store from a Source once per identity activation.
type Loader struct {
	source Source
	store  *chat.Store
	codec  *attachment.Codec
	log    zerolog.Logger
	limit  int
}

// NewLoader returns a loader that fills store from source.
func NewLoader(source Source, store *chat.Store, codec *attachment.Codec, log zerolog.Logger) *Loader {
	if codec == nil {
		codec = attachment.NewCodec(0)
	}
	return &Loader{source: source, store: store, codec: codec, log: log, limit: DefaultLimit}
}

// SetLimit changes the number of rows requested.
func (l *Loader) SetLimit(limit int) {
	if limit > 0 {
		l.limit = limit
	}
}

// Load fetches history for identity and inserts it as confirmed messages in one batch.
// Malformed rows are skipped. It returns the number of new entries.
func (l *Loader) Load(ctx context.Context, identity string) (int, error) {
	if !models.SameIdentity(identity, l.store.LocalIdentity()) {
		return 0, fmt.Errorf("history: store belongs to %q, not %q", l.store.LocalIdentity(), identity)
	}

	records, err := l.source.Fetch(ctx, identity, l.limit)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}

	msgs := make([]models.Message, 0, len(records))
	for _, rec := range records {
		msg, err := rec.Message(l.codec)
		if err != nil {
			l.log.Warn().Err(err).Str("message_id", string(rec.ID)).Msg("history record skipped")
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })

	if len(msgs) == 0 {
		l.log.Info().Int("records", len(records)).Msg("no history to load")
		return 0, nil
	}

	inserted, err := l.store.InsertConfirmedBatch(msgs)
	if err != nil {
		l.log.Warn().Err(err).Msg("history contained no messages for this identity")
		return 0, nil
	}

	l.log.Info().Int("records", len(records)).Int("inserted", inserted).Msg("history loaded")
	return inserted, nil
}
