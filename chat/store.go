// Package chat holds the local message log for one identity and the views derived from it.
package chat

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"walletchat/models"
)

var (
	// ErrInvalidMessage indicates a draft or confirmed message that breaks a log invariant.
	ErrInvalidMessage = errors.New("chat: invalid message")
	// ErrReconciliationMiss indicates a delivery confirmation with no matching pending entry.
	ErrReconciliationMiss = errors.New("chat: no pending message matches confirmation")
)

// ChangeKind names the mutation that produced a Change.
type ChangeKind string

const (
	ChangeInserted ChangeKind = "inserted"
	ChangeBatch    ChangeKind = "batch"
	ChangePromoted ChangeKind = "promoted"
	ChangeRead     ChangeKind = "read"
	ChangeFailed   ChangeKind = "failed"
)

// Change describes one store mutation. Messages are copies.
type Change struct {
	Kind     ChangeKind
	Messages []models.Message
}

// Draft is the user intent for an outbound message.
type Draft struct {
	To         string
	Body       string
	Attachment *models.Attachment
}

// Confirmation is the relay's echo of locally sent content.
type Confirmation struct {
	ID     string
	From   string
	To     string
	Body   string
	SentAt time.Time
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithLogger sets the store logger.
func WithLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// WithClock overrides the time source used for provisional entries.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the append-only message log of one local identity.
// Entries are never removed; ids and states change only through the methods below.
type Store struct {
	local string
	log   zerolog.Logger
	now   func() time.Time

	mu        sync.RWMutex
	entries   []models.Message
	confirmed map[string]int
	seq       uint64

	subMu   sync.Mutex
	subs    map[uint64]func(Change)
	nextSub uint64
}

// NewStore creates an empty log for the local identity.
func NewStore(local string, opts ...StoreOption) *Store {
	s := &Store{
		local:     models.NormalizeIdentity(local),
		log:       zerolog.Nop(),
		now:       time.Now,
		confirmed: make(map[string]int),
		subs:      make(map[uint64]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LocalIdentity returns the normalized local address.
func (s *Store) LocalIdentity() string {
	return s.local
}

// Subscribe registers fn for every later mutation. Callbacks run on the mutating goroutine
// after the store lock is released. The returned func unregisters fn.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// InsertProvisional appends an optimistic outbound entry in the pending state.
func (s *Store) InsertProvisional(draft Draft) (models.Message, error) {
	to := models.NormalizeIdentity(draft.To)
	if to == "" {
		return models.Message{}, fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	}
	if to == s.local {
		return models.Message{}, fmt.Errorf("%w: recipient is the local identity", ErrInvalidMessage)
	}
	if draft.Body == "" && draft.Attachment == nil {
		return models.Message{}, fmt.Errorf("%w: body or attachment is required", ErrInvalidMessage)
	}

	s.mu.Lock()
	s.seq++
	msg := models.Message{
		ID:            fmt.Sprintf("%s%d-%s", models.ProvisionalIDPrefix, s.seq, uuid.NewString()[:8]),
		From:          s.local,
		To:            to,
		Body:          draft.Body,
		SentAt:        s.now().UTC(),
		DeliveryState: models.DeliveryPending,
	}
	if draft.Attachment != nil {
		att := *draft.Attachment
		msg.Attachment = &att
	}
	s.entries = append(s.entries, msg)
	s.mu.Unlock()

	out := msg.Clone()
	s.publish(Change{Kind: ChangeInserted, Messages: []models.Message{out}})
	return out, nil
}

// InsertConfirmed appends a relay-confirmed message. Inserting an id that is already
// present is a no-op and reports false.
func (s *Store) InsertConfirmed(msg models.Message) (bool, error) {
	normalized, err := s.normalizeConfirmed(msg)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	inserted := s.appendConfirmedLocked(normalized)
	s.mu.Unlock()

	if !inserted {
		return false, nil
	}
	s.publish(Change{Kind: ChangeInserted, Messages: []models.Message{normalized.Clone()}})
	return true, nil
}

// InsertConfirmedBatch applies InsertConfirmed to each message and publishes one ChangeBatch.
// Invalid messages are skipped and logged; the count of newly inserted entries is returned.
func (s *Store) InsertConfirmedBatch(msgs []models.Message) (int, error) {
	valid := make([]models.Message, 0, len(msgs))
	var firstErr error
	for _, msg := range msgs {
		normalized, err := s.normalizeConfirmed(msg)
		if err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("skipping invalid confirmed message")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		valid = append(valid, normalized)
	}

	inserted := make([]models.Message, 0, len(valid))
	s.mu.Lock()
	for _, msg := range valid {
		if s.appendConfirmedLocked(msg) {
			inserted = append(inserted, msg.Clone())
		}
	}
	s.mu.Unlock()

	if len(inserted) > 0 {
		s.publish(Change{Kind: ChangeBatch, Messages: inserted})
	}
	if len(valid) == 0 && firstErr != nil {
		return 0, firstErr
	}
	return len(inserted), nil
}

// Promote finds the oldest pending provisional entry whose route and body match the
// confirmation and rewrites it with the confirmed id in the delivered state.
// Oldest-first keeps two identical outstanding sends from promoting out of order.
func (s *Store) Promote(c Confirmation) (models.Message, bool) {
	from := models.NormalizeIdentity(c.From)
	to := models.NormalizeIdentity(c.To)
	if c.ID == "" || models.IsProvisionalID(c.ID) || from != s.local {
		return models.Message{}, false
	}

	s.mu.Lock()
	if _, exists := s.confirmed[c.ID]; exists {
		s.mu.Unlock()
		return models.Message{}, false
	}

	idx := -1
	for i := range s.entries {
		e := &s.entries[i]
		if e.DeliveryState != models.DeliveryPending || !e.IsProvisional() {
			continue
		}
		if e.To == to && e.Body == c.Body {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return models.Message{}, false
	}

	e := &s.entries[idx]
	e.ID = c.ID
	e.DeliveryState = models.DeliveryDelivered
	if !c.SentAt.IsZero() {
		e.SentAt = c.SentAt.UTC()
	}
	s.confirmed[c.ID] = idx
	out := e.Clone()
	s.mu.Unlock()

	s.publish(Change{Kind: ChangePromoted, Messages: []models.Message{out}})
	return out, true
}

// MarkRead flags every unread inbound entry from peer as read and returns how many changed.
func (s *Store) MarkRead(peer string) int {
	peer = models.NormalizeIdentity(peer)

	var changed []models.Message
	s.mu.Lock()
	for i := range s.entries {
		e := &s.entries[i]
		if e.From != peer || e.To != s.local || e.ReadByRecipient {
			continue
		}
		e.ReadByRecipient = true
		e.DeliveryState = models.DeliveryRead
		changed = append(changed, e.Clone())
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.publish(Change{Kind: ChangeRead, Messages: changed})
	}
	return len(changed)
}

// MarkFailed moves one pending entry to the failed state.
func (s *Store) MarkFailed(id string) bool {
	s.mu.Lock()
	var out models.Message
	found := false
	for i := range s.entries {
		e := &s.entries[i]
		if e.ID == id && e.DeliveryState == models.DeliveryPending {
			e.DeliveryState = models.DeliveryFailed
			out = e.Clone()
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.publish(Change{Kind: ChangeFailed, Messages: []models.Message{out}})
	}
	return found
}

// ExpirePending marks pending entries created before cutoff as failed.
func (s *Store) ExpirePending(cutoff time.Time) []models.Message {
	var expired []models.Message
	s.mu.Lock()
	for i := range s.entries {
		e := &s.entries[i]
		if e.DeliveryState == models.DeliveryPending && e.SentAt.Before(cutoff) {
			e.DeliveryState = models.DeliveryFailed
			expired = append(expired, e.Clone())
		}
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		s.publish(Change{Kind: ChangeFailed, Messages: expired})
	}
	return expired
}

// Query returns the conversation with peer ordered by SentAt; ties keep insertion order.
func (s *Store) Query(peer string) []models.Message {
	peer = models.NormalizeIdentity(peer)

	s.mu.RLock()
	out := make([]models.Message, 0)
	for _, e := range s.entries {
		if e.Counterpart(s.local) == peer {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}

// All returns every entry in insertion order.
func (s *Store) All() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Clone()
	}
	return out
}

// Get looks an entry up by confirmed or provisional id.
func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if idx, ok := s.confirmed[id]; ok {
		return s.entries[idx].Clone(), true
	}
	for _, e := range s.entries {
		if e.ID == id {
			return e.Clone(), true
		}
	}
	return models.Message{}, false
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// PendingCount returns the number of entries awaiting confirmation.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if e.DeliveryState == models.DeliveryPending {
			n++
		}
	}
	return n
}

func (s *Store) normalizeConfirmed(msg models.Message) (models.Message, error) {
	if msg.ID == "" {
		return models.Message{}, fmt.Errorf("%w: id is required", ErrInvalidMessage)
	}
	if models.IsProvisionalID(msg.ID) {
		return models.Message{}, fmt.Errorf("%w: id %q uses the provisional prefix", ErrInvalidMessage, msg.ID)
	}

	out := msg.Clone()
	out.From = models.NormalizeIdentity(msg.From)
	out.To = models.NormalizeIdentity(msg.To)
	if out.From == "" || out.To == "" {
		return models.Message{}, fmt.Errorf("%w: message %q needs sender and recipient", ErrInvalidMessage, msg.ID)
	}
	if (out.From == s.local) == (out.To == s.local) {
		return models.Message{}, fmt.Errorf("%w: message %q does not involve exactly one local side", ErrInvalidMessage, msg.ID)
	}
	if out.Body == "" && out.Attachment == nil {
		return models.Message{}, fmt.Errorf("%w: message %q has no body or attachment", ErrInvalidMessage, msg.ID)
	}
	if out.DeliveryState == "" {
		out.DeliveryState = models.DeliveryDelivered
		if out.ReadByRecipient {
			out.DeliveryState = models.DeliveryRead
		}
	}
	if !out.DeliveryState.Valid() {
		return models.Message{}, fmt.Errorf("%w: message %q has delivery state %q", ErrInvalidMessage, msg.ID, out.DeliveryState)
	}
	if !out.SentAt.IsZero() {
		out.SentAt = out.SentAt.UTC()
	}
	return out, nil
}

func (s *Store) appendConfirmedLocked(msg models.Message) bool {
	if _, exists := s.confirmed[msg.ID]; exists {
		return false
	}
	s.entries = append(s.entries, msg)
	s.confirmed[msg.ID] = len(s.entries) - 1
	return true
}

func (s *Store) publish(change Change) {
	storeChangesTotal.WithLabelValues(string(change.Kind)).Inc()
	total, pending := s.Len(), s.PendingCount()
	storeEntries.WithLabelValues("pending").Set(float64(pending))
	storeEntries.WithLabelValues("all").Set(float64(total))

	s.subMu.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
