// Package db persists the monitoring snapshot and credential leases, either
// as JSON files or as JSONB documents in Postgres.
package db

import (
	"context"

	"live-notifier/internal/models"
)

// Store reads and writes the two durable documents. Load methods return
// (nil, nil) when nothing was saved yet.
type Store interface {
	LoadSnapshot(ctx context.Context) (*models.Snapshot, error)
	SaveSnapshot(ctx context.Context, s models.Snapshot) error
	LoadLease(ctx context.Context, platform models.Platform) (*models.CredentialLease, error)
	SaveLease(ctx context.Context, platform models.Platform, l models.CredentialLease) error
}

const snapshotDocument = "monitoring"

func leaseDocument(p models.Platform) string {
	return string(p) + "-token"
}
