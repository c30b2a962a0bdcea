package chat

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"walletchat/models"
)

// Reconciler applies relay delivery confirmations to the store.
type Reconciler struct {
	store  *Store
	log    zerolog.Logger
	misses atomic.Uint64
}

// NewReconciler returns a reconciler bound to store.
func NewReconciler(store *Store, log zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, log: log}
}

// Confirm promotes the pending entry matching c. A stale or duplicate confirmation
// is logged and reported as ErrReconciliationMiss without touching the store.
func (r *Reconciler) Confirm(c Confirmation) (models.Message, error) {
	msg, ok := r.store.Promote(c)
	if !ok {
		r.misses.Add(1)
		reconcileMissesTotal.Inc()
		r.log.Warn().
			Str("message_id", c.ID).
			Str("from", c.From).
			Str("to", c.To).
			Msg("delivery confirmation matched no pending message")
		return models.Message{}, fmt.Errorf("%w: id %q", ErrReconciliationMiss, c.ID)
	}

	r.log.Debug().Str("message_id", msg.ID).Str("to", msg.To).Msg("message delivered")
	return msg, nil
}

// Misses returns the number of confirmations that matched nothing.
func (r *Reconciler) Misses() uint64 {
	return r.misses.Load()
}
