package models

// Attachment is a binary payload carried inline as base64 text.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"type"`
	SizeBytes int64  `json:"size"`
	Payload   string `json:"data"`
}
