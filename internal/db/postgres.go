package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"live-notifier/internal/models"
)

// PostgresStore keeps each document as one row of the documents table.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	var s models.Snapshot
	found, err := p.get(ctx, snapshotDocument, &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) SaveSnapshot(ctx context.Context, s models.Snapshot) error {
	return p.put(ctx, snapshotDocument, s)
}

func (p *PostgresStore) LoadLease(ctx context.Context, platform models.Platform) (*models.CredentialLease, error) {
	var l models.CredentialLease
	found, err := p.get(ctx, leaseDocument(platform), &l)
	if err != nil || !found {
		return nil, err
	}
	return &l, nil
}

func (p *PostgresStore) SaveLease(ctx context.Context, platform models.Platform, l models.CredentialLease) error {
	return p.put(ctx, leaseDocument(platform), l)
}

func (p *PostgresStore) get(ctx context.Context, name string, v any) (bool, error) {
	var body []byte
	err := p.db.GetContext(ctx, &body, "SELECT body FROM documents WHERE name = $1", name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load document %s: %w", name, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return false, fmt.Errorf("failed to decode document %s: %w", name, err)
	}
	return true, nil
}

func (p *PostgresStore) put(ctx context.Context, name string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", name, err)
	}

	// Sent as text: lib/pq would encode []byte as bytea.
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO documents (name, body, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET
			body = EXCLUDED.body,
			updated_at = NOW()`,
		name, string(body))
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", name, err)
	}
	return nil
}
