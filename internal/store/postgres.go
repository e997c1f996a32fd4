package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a document does not exist for the given
// owner. Owner scoping is deliberate: a miss under the wrong owner is
// indistinguishable from a miss.
var ErrNotFound = errors.New("document not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, name, content, content_hash, external_id, sync_status, last_error)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''))
	`, doc.ID, doc.OwnerID, doc.Name, doc.Content, doc.ContentHash, doc.ExternalID, doc.SyncStatus, doc.LastError)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, ownerID, documentID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, content, content_hash, COALESCE(external_id, ''), sync_status, COALESCE(last_error, ''), created_at, updated_at
		FROM documents
		WHERE id=$1 AND owner_id=$2
	`, documentID, ownerID).Scan(
		&doc.ID,
		&doc.OwnerID,
		&doc.Name,
		&doc.Content,
		&doc.ContentHash,
		&doc.ExternalID,
		&doc.SyncStatus,
		&doc.LastError,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, content, content_hash, COALESCE(external_id, ''), sync_status, COALESCE(last_error, ''), created_at, updated_at
		FROM documents
		WHERE owner_id=$1
		ORDER BY updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// ListByStatus returns every document in the given sync status across all
// owners. Used by reconciliation and retry sweeps, which run account-wide.
func (s *PostgresStore) ListByStatus(ctx context.Context, status SyncStatus) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, content, content_hash, COALESCE(external_id, ''), sync_status, COALESCE(last_error, ''), created_at, updated_at
		FROM documents
		WHERE sync_status=$1
		ORDER BY updated_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list documents by status: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	items := make([]Document, 0)
	for rows.Next() {
		var doc Document
		if err := rows.Scan(
			&doc.ID,
			&doc.OwnerID,
			&doc.Name,
			&doc.Content,
			&doc.ContentHash,
			&doc.ExternalID,
			&doc.SyncStatus,
			&doc.LastError,
			&doc.CreatedAt,
			&doc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// UpdateSyncState records the outcome of an external call. An empty
// externalID is stored as NULL so the completed-implies-external invariant
// is visible in the schema.
func (s *PostgresStore) UpdateSyncState(ctx context.Context, documentID string, status SyncStatus, externalID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET sync_status=$2, external_id=NULLIF($3, ''), last_error=NULLIF($4, ''), updated_at=NOW()
		WHERE id=$1
	`, documentID, status, externalID, lastError)
	if err != nil {
		return fmt.Errorf("update sync state: %w", err)
	}
	return nil
}

// CommitContent finalizes an edit: new content, new hash, new external id,
// back to COMPLETED.
func (s *PostgresStore) CommitContent(ctx context.Context, documentID, content, contentHash, externalID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET content=$2, content_hash=$3, external_id=$4, sync_status=$5, last_error=NULL, updated_at=NOW()
		WHERE id=$1
	`, documentID, content, contentHash, externalID, StatusCompleted)
	if err != nil {
		return fmt.Errorf("commit content: %w", err)
	}
	return nil
}

// UpdateContent replaces content and hash without touching sync state.
// Used when new content is accepted locally but the upload did not land.
func (s *PostgresStore) UpdateContent(ctx context.Context, documentID, content, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET content=$2, content_hash=$3, updated_at=NOW()
		WHERE id=$1
	`, documentID, content, contentHash)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// CompletedContentSize sums the content bytes of an owner's COMPLETED
// documents, for quota projection before an upload is attempted.
func (s *PostgresStore) CompletedContentSize(ctx context.Context, ownerID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(OCTET_LENGTH(content)), 0)
		FROM documents
		WHERE owner_id=$1 AND sync_status=$2
	`, ownerID, StatusCompleted).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum completed content: %w", err)
	}
	return total, nil
}

// CompletedExternalIDs returns the external ids every COMPLETED document
// claims, keyed by external id. This is the local side of the audit diff.
func (s *PostgresStore) CompletedExternalIDs(ctx context.Context) (map[string]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, content, content_hash, COALESCE(external_id, ''), sync_status, COALESCE(last_error, ''), created_at, updated_at
		FROM documents
		WHERE sync_status=$1 AND external_id IS NOT NULL
	`, StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("list completed external ids: %w", err)
	}
	defer rows.Close()

	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}
	byExternal := make(map[string]Document, len(docs))
	for _, doc := range docs {
		byExternal[doc.ExternalID] = doc
	}
	return byExternal, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
