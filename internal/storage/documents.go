package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const documentColumns = `id, owner_id, filename, content_type, storage_ref, size_bytes, status, embedding_status,
	raw_text, cleaned_text, classification, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (Document, error) {
	var d Document
	var rawText, cleanedText, classification sql.NullString
	var createdAt, updatedAt string
	err := r.Scan(&d.ID, &d.OwnerID, &d.Filename, &d.ContentType, &d.StorageRef, &d.SizeBytes,
		&d.Status, &d.EmbeddingStatus, &rawText, &cleanedText, &classification, &createdAt, &updatedAt)
	if err != nil {
		return Document{}, err
	}
	if rawText.Valid {
		d.RawText = &rawText.String
	}
	if cleanedText.Valid {
		d.CleanedText = &cleanedText.String
	}
	if classification.Valid {
		d.Classification = decodeClassification(classification.String)
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

// SaveDocument inserts a new document row. An empty status defaults to
// uploaded and an empty embedding status to pending.
func (s *Store) SaveDocument(d Document) error {
	if d.Status == "" {
		d.Status = StatusUploaded
	}
	if d.EmbeddingStatus == "" {
		d.EmbeddingStatus = StatusPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	classification, err := encodeClassification(d.Classification)
	if err != nil {
		return fmt.Errorf("encoding classification: %w", err)
	}
	created := d.CreatedAt.UTC().Format(time.RFC3339)
	_, err = s.db.Exec(`
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OwnerID, d.Filename, d.ContentType, d.StorageRef, d.SizeBytes, d.Status, d.EmbeddingStatus,
		d.RawText, d.CleanedText, classification, created, created,
	)
	return err
}

func (s *Store) GetDocument(id string) (Document, error) {
	d, err := scanDocument(s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return d, err
}

// UpdateDocument persists the pipeline-owned fields of d: statuses, texts and
// classification. Upload metadata is immutable.
func (s *Store) UpdateDocument(d Document) error {
	classification, err := encodeClassification(d.Classification)
	if err != nil {
		return fmt.Errorf("encoding classification: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE documents
		SET status = ?, embedding_status = ?, raw_text = ?, cleaned_text = ?, classification = ?, updated_at = ?
		WHERE id = ?`,
		d.Status, d.EmbeddingStatus, d.RawText, d.CleanedText, classification,
		time.Now().UTC().Format(time.RFC3339), d.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDocuments returns documents newest first. An empty owner lists all owners.
func (s *Store) ListDocuments(owner string, limit, offset int) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []any
	if owner != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	return s.queryDocuments(query, args...)
}

// ListIndexableDocuments returns completed documents with non-empty cleaned
// text in upload order. Reindexing rebuilds the vector index from this set.
func (s *Store) ListIndexableDocuments() ([]Document, error) {
	return s.queryDocuments(`SELECT `+documentColumns+` FROM documents
		WHERE status = ? AND cleaned_text IS NOT NULL AND cleaned_text != ''
		ORDER BY created_at ASC, id ASC`, StatusCompleted)
}

// CountDocumentsByStatus returns the number of documents per status value.
func (s *Store) CountDocumentsByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryDocuments(query string, args ...any) ([]Document, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}
