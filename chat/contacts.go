package chat

import (
	"sort"

	"walletchat/models"
)

// ContactResolver maps an address to a display name for presentation only.
type ContactResolver interface {
	DisplayName(identity string) (string, bool)
}

// ContactResolverFunc adapts a function to ContactResolver.
type ContactResolverFunc func(identity string) (string, bool)

// DisplayName implements ContactResolver.
func (f ContactResolverFunc) DisplayName(identity string) (string, bool) {
	return f(identity)
}

// ContactBook is a static, case-insensitive ContactResolver.
type ContactBook map[string]string

// DisplayName implements ContactResolver.
func (b ContactBook) DisplayName(identity string) (string, bool) {
	want := models.NormalizeIdentity(identity)
	for addr, name := range b {
		if models.NormalizeIdentity(addr) == want {
			return name, true
		}
	}
	return "", false
}

// Summary is a conversation ready for a list view.
type Summary struct {
	models.Conversation
	DisplayName string
}

// Summaries orders conversations by last activity, newest first. Peers without a
// resolved name are shown by address.
func Summaries(convs map[string]models.Conversation, resolver ContactResolver) []Summary {
	out := make([]Summary, 0, len(convs))
	for peer, conv := range convs {
		name := peer
		if resolver != nil {
			if resolved, ok := resolver.DisplayName(peer); ok && resolved != "" {
				name = resolved
			}
		}
		out = append(out, Summary{Conversation: conv, DisplayName: name})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a == nil && b == nil:
			return out[i].Peer < out[j].Peer
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.SentAt.Equal(b.SentAt):
			return a.SentAt.After(b.SentAt)
		default:
			return out[i].Peer < out[j].Peer
		}
	})
	return out
}
