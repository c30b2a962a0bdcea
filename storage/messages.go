package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"walletchat/history"
	"walletchat/models"
)

const selectMessageColumns = `
	m.message_id,
	m.from_identity,
	m.to_identity,
	m.content,
	m.sent_at,
	m.is_read,
	m.delivery_state,
	a.name,
	a.media_type,
	a.size_bytes,
	a.payload
FROM messages m
LEFT JOIN message_attachments a ON a.message_id = m.message_id`

// SaveMessage inserts or updates one confirmed message.
func (a *Archive) SaveMessage(message models.Message) error {
	return a.SaveMessages([]models.Message{message})
}

// SaveMessages upserts confirmed messages in one transaction. A read mark is never
// cleared by a later save.
func (a *Archive) SaveMessages(messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	for _, message := range messages {
		if err := validateArchivable(message); err != nil {
			return err
		}
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save messages: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	archivedAt := nowUnixMilli()
	for _, message := range messages {
		state, _ := archivedState(message)
		sentAt := message.SentAt
		if sentAt.IsZero() {
			sentAt = time.UnixMilli(archivedAt)
		}

		if _, err := tx.Exec(
			`INSERT INTO messages (
				message_id,
				from_identity,
				to_identity,
				content,
				sent_at,
				is_read,
				delivery_state,
				archived_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(message_id) DO UPDATE SET
				content = excluded.content,
				sent_at = excluded.sent_at,
				is_read = MAX(messages.is_read, excluded.is_read),
				delivery_state = CASE
					WHEN messages.delivery_state = 'read' THEN 'read'
					ELSE excluded.delivery_state
				END`,
			message.ID,
			models.NormalizeIdentity(message.From),
			models.NormalizeIdentity(message.To),
			message.Body,
			sentAt.UnixMilli(),
			boolToInt(message.ReadByRecipient),
			string(state),
			archivedAt,
		); err != nil {
			return fmt.Errorf("upsert message %q: %w", message.ID, err)
		}

		if message.Attachment == nil {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO message_attachments (message_id, name, media_type, size_bytes, payload)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(message_id) DO UPDATE SET
				name = excluded.name,
				media_type = excluded.media_type,
				size_bytes = excluded.size_bytes,
				payload = excluded.payload`,
			message.ID,
			message.Attachment.Name,
			message.Attachment.MediaType,
			message.Attachment.SizeBytes,
			message.Attachment.Payload,
		); err != nil {
			return fmt.Errorf("upsert attachment for message %q: %w", message.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save messages: %w", err)
	}
	return nil
}

// GetMessage fetches one message by id.
func (a *Archive) GetMessage(messageID string) (models.Message, error) {
	if messageID == "" {
		return models.Message{}, errors.New("message_id is required")
	}

	row := a.db.QueryRow(`SELECT`+selectMessageColumns+` WHERE m.message_id = ?`, messageID)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// Messages returns the newest limit messages involving identity, oldest first.
func (a *Archive) Messages(ctx context.Context, identity string, limit int) ([]models.Message, error) {
	identity = models.NormalizeIdentity(identity)
	if identity == "" {
		return nil, errors.New("identity is required")
	}
	if limit <= 0 {
		limit = history.DefaultLimit
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT`+selectMessageColumns+`
		WHERE m.from_identity = ? OR m.to_identity = ?
		ORDER BY m.sent_at DESC, m.archived_at DESC, m.rowid DESC
		LIMIT ?`,
		identity,
		identity,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for %q: %w", identity, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// History returns archived messages for identity as history rows.
func (a *Archive) History(ctx context.Context, identity string, limit int) ([]history.Record, error) {
	messages, err := a.Messages(ctx, identity, limit)
	if err != nil {
		return nil, err
	}

	records := make([]history.Record, 0, len(messages))
	for _, message := range messages {
		records = append(records, history.FromMessage(message))
	}
	return records, nil
}

// Fetch implements history.Source so the archive can serve as a fallback.
func (a *Archive) Fetch(ctx context.Context, identity string, limit int) ([]history.Record, error) {
	return a.History(ctx, identity, limit)
}

// MarkRead marks every inbound message from peer to local as read.
func (a *Archive) MarkRead(local, peer string) (int64, error) {
	local = models.NormalizeIdentity(local)
	peer = models.NormalizeIdentity(peer)
	if local == "" || peer == "" {
		return 0, errors.New("local and peer identities are required")
	}

	res, err := a.db.Exec(
		`UPDATE messages
		SET is_read = 1, delivery_state = 'read'
		WHERE from_identity = ? AND to_identity = ? AND is_read = 0`,
		peer,
		local,
	)
	if err != nil {
		return 0, fmt.Errorf("mark read from %q: %w", peer, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for mark read %q: %w", peer, err)
	}
	return rowsAffected, nil
}

// CountMessages returns the number of archived messages.
func (a *Archive) CountMessages() (int64, error) {
	var count int64
	if err := a.db.QueryRow(`SELECT COUNT(1) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func validateArchivable(message models.Message) error {
	if message.ID == "" {
		return errors.New("message_id is required")
	}
	if message.IsProvisional() {
		return fmt.Errorf("%w: %q is provisional", ErrNotArchivable, message.ID)
	}
	if strings.TrimSpace(message.From) == "" || strings.TrimSpace(message.To) == "" {
		return fmt.Errorf("message %q needs sender and recipient", message.ID)
	}
	if message.Body == "" && message.Attachment == nil {
		return fmt.Errorf("message %q has no content", message.ID)
	}
	_, err := archivedState(message)
	return err
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		message      models.Message
		sentAt       int64
		isRead       int
		state        string
		attName      sql.NullString
		attMediaType sql.NullString
		attSize      sql.NullInt64
		attPayload   sql.NullString
	)

	if err := row.Scan(
		&message.ID,
		&message.From,
		&message.To,
		&message.Body,
		&sentAt,
		&isRead,
		&state,
		&attName,
		&attMediaType,
		&attSize,
		&attPayload,
	); err != nil {
		return models.Message{}, err
	}

	message.SentAt = time.UnixMilli(sentAt).UTC()
	message.ReadByRecipient = isRead == 1
	message.DeliveryState = models.DeliveryState(state)
	if attName.Valid {
		message.Attachment = &models.Attachment{
			Name:      attName.String,
			MediaType: nullString(attMediaType),
			SizeBytes: attSize.Int64,
			Payload:   nullString(attPayload),
		}
	}

	return message, nil
}
