package chat

import (
	"sync"

	"walletchat/models"
)

// Rebuild groups messages by counterpart. The last message per peer is the one with the
// greatest SentAt; equal timestamps go to the later entry in log order.
func Rebuild(local string, all []models.Message) map[string]models.Conversation {
	local = models.NormalizeIdentity(local)
	out := make(map[string]models.Conversation)

	for i := range all {
		msg := all[i]
		peer := msg.Counterpart(local)
		if peer == "" || peer == local {
			continue
		}

		conv := out[peer]
		conv.Peer = peer
		if conv.LastMessage == nil || !msg.SentAt.Before(conv.LastMessage.SentAt) {
			last := msg.Clone()
			conv.LastMessage = &last
		}
		if msg.IsInbound(local) && !msg.ReadByRecipient {
			conv.UnreadCount++
		}
		out[peer] = conv
	}

	return out
}

// Aggregator keeps a conversation map rebuilt after every store mutation.
type Aggregator struct {
	store *Store

	mu       sync.RWMutex
	snapshot map[string]models.Conversation

	subMu sync.Mutex
	subs  []func(map[string]models.Conversation)

	unsubscribe func()
	closeOnce   sync.Once
}

// NewAggregator builds the initial snapshot and subscribes to store changes.
func NewAggregator(store *Store) *Aggregator {
	a := &Aggregator{store: store}
	a.rebuild()
	a.unsubscribe = store.Subscribe(func(Change) { a.rebuild() })
	return a
}

// Snapshot returns a copy of the current conversation map.
func (a *Aggregator) Snapshot() map[string]models.Conversation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyConversations(a.snapshot)
}

// Conversation returns the summary for one peer.
func (a *Aggregator) Conversation(peer string) (models.Conversation, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	conv, ok := a.snapshot[models.NormalizeIdentity(peer)]
	if ok && conv.LastMessage != nil {
		last := conv.LastMessage.Clone()
		conv.LastMessage = &last
	}
	return conv, ok
}

// Subscribe registers fn to receive every rebuilt snapshot.
func (a *Aggregator) Subscribe(fn func(map[string]models.Conversation)) {
	a.subMu.Lock()
	a.subs = append(a.subs, fn)
	a.subMu.Unlock()
}

// Close detaches the aggregator from the store.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
	})
}

func (a *Aggregator) rebuild() {
	a.mu.Lock()
	next := Rebuild(a.store.LocalIdentity(), a.store.All())
	a.snapshot = next
	published := copyConversations(next)
	a.mu.Unlock()

	a.subMu.Lock()
	subs := append([]func(map[string]models.Conversation){}, a.subs...)
	a.subMu.Unlock()
	for _, fn := range subs {
		fn(published)
	}
}

func copyConversations(in map[string]models.Conversation) map[string]models.Conversation {
	out := make(map[string]models.Conversation, len(in))
	for peer, conv := range in {
		if conv.LastMessage != nil {
			last := conv.LastMessage.Clone()
			conv.LastMessage = &last
		}
		out[peer] = conv
	}
	return out
}
