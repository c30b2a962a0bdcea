package models

// Conversation is the derived per-peer summary of the message log.
type Conversation struct {
	Peer        string   `json:"peer"`
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}
