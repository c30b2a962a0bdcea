package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"walletchat/attachment"
)

// File stores the document bytes under the documents directory and records its
// metadata. Filing the same digest twice keeps one copy.
func (a *Archive) File(ctx context.Context, doc attachment.Document) error {
	if doc.Digest == "" || strings.ContainsAny(doc.Digest, `/\.`) {
		return fmt.Errorf("invalid document digest %q", doc.Digest)
	}
	if strings.TrimSpace(doc.Name) == "" {
		return errors.New("document name is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(a.documentsDir, 0o700); err != nil {
		return fmt.Errorf("create documents directory: %w", err)
	}
	storedPath := filepath.Join(a.documentsDir, doc.Digest+documentExtension(doc))
	if err := os.WriteFile(storedPath, doc.Data, 0o600); err != nil {
		return fmt.Errorf("write document %q: %w", doc.Name, err)
	}

	_, err := a.db.ExecContext(ctx,
		`INSERT INTO documents (
			digest,
			name,
			media_type,
			size_bytes,
			stored_path,
			filed_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(digest) DO UPDATE SET
			name = excluded.name,
			media_type = excluded.media_type,
			stored_path = excluded.stored_path`,
		doc.Digest,
		doc.Name,
		doc.MediaType,
		int64(len(doc.Data)),
		storedPath,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert document %q: %w", doc.Digest, err)
	}
	return nil
}

// GetDocument fetches document metadata by digest.
func (a *Archive) GetDocument(digest string) (*DocumentRecord, error) {
	row := a.db.QueryRow(
		`SELECT
			digest,
			name,
			media_type,
			size_bytes,
			stored_path,
			filed_at
		FROM documents
		WHERE digest = ?`,
		digest,
	)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document %q: %w", digest, err)
	}
	return doc, nil
}

// ListDocuments returns filed documents, newest first.
func (a *Archive) ListDocuments(limit int) ([]DocumentRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := a.db.Query(
		`SELECT
			digest,
			name,
			media_type,
			size_bytes,
			stored_path,
			filed_at
		FROM documents
		ORDER BY filed_at DESC, digest
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]DocumentRecord, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document rows: %w", err)
	}
	return docs, nil
}

func documentExtension(doc attachment.Document) string {
	if ext := filepath.Ext(doc.Name); ext != "" && !strings.ContainsAny(ext, `/\`) {
		return strings.ToLower(ext)
	}
	if doc.MediaType != "" {
		if mt := mimetype.Lookup(strings.TrimSpace(strings.SplitN(doc.MediaType, ";", 2)[0])); mt != nil {
			return mt.Extension()
		}
	}
	return mimetype.Detect(doc.Data).Extension()
}

func scanDocument(row scanner) (*DocumentRecord, error) {
	var (
		doc     DocumentRecord
		filedAt int64
	)
	if err := row.Scan(
		&doc.Digest,
		&doc.Name,
		&doc.MediaType,
		&doc.SizeBytes,
		&doc.StoredPath,
		&filedAt,
	); err != nil {
		return nil, err
	}
	doc.FiledAt = time.UnixMilli(filedAt).UTC()
	return &doc, nil
}
