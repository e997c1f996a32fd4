package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRegistry keeps agent links in the agent_links table, next to the
// documents they reference. This is the default backend.
type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) LinksFor(ctx context.Context, documentID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT agent_id FROM agent_links
		WHERE document_id=$1
		ORDER BY agent_id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

func (r *PostgresRegistry) DocumentsFor(ctx context.Context, agentID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT document_id FROM agent_links
		WHERE agent_id=$1
		ORDER BY document_id ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list agent documents: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return ids, nil
}

func (r *PostgresRegistry) Attach(ctx context.Context, documentID, agentID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_links (document_id, agent_id)
		VALUES ($1, $2)
		ON CONFLICT (document_id, agent_id) DO NOTHING
	`, documentID, agentID)
	if err != nil {
		return fmt.Errorf("attach link: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Detach(ctx context.Context, documentID, agentID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM agent_links WHERE document_id=$1 AND agent_id=$2
	`, documentID, agentID)
	if err != nil {
		return fmt.Errorf("detach link: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) IsInUse(ctx context.Context, documentID string) (bool, error) {
	var inUse bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM agent_links WHERE document_id=$1)
	`, documentID).Scan(&inUse)
	if err != nil {
		return false, fmt.Errorf("check in use: %w", err)
	}
	return inUse, nil
}

func (r *PostgresRegistry) RemoveDocument(ctx context.Context, documentID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM agent_links WHERE document_id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("remove document links: %w", err)
	}
	return nil
}
