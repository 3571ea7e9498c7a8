package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CredentialStore persists the provider credential rows the core-services
// Provider Error Tracker (spec §4.G) reads and flips, backing
// internal/core/errtracker.CredentialStore the same way TenantStore backs
// domain.TenantRepository elsewhere in this package: a thin SQL adapter
// over a single table, created lazily the way db.go's schema_migrations
// table is.
type CredentialStore struct {
	db *sql.DB
}

// NewCredentialStore opens (and, if needed, creates) the
// provider_credentials table backing a CredentialStore.
func NewCredentialStore(db *sql.DB) (*CredentialStore, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS provider_credentials (
			credential_id VARCHAR(255) PRIMARY KEY,
			provider_id   VARCHAR(255) NOT NULL,
			is_primary    BOOLEAN NOT NULL DEFAULT true,
			is_enabled    BOOLEAN NOT NULL DEFAULT true
		)
	`); err != nil {
		return nil, fmt.Errorf("failed to create provider_credentials table: %w", err)
	}
	return &CredentialStore{db: db}, nil
}

// EnsureCredential upserts a single-key-per-provider row, called at startup
// for every provider enabled in config.ProvidersConfig so the tracker has
// somewhere to record against.
func (s *CredentialStore) EnsureCredential(ctx context.Context, providerID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_credentials (credential_id, provider_id, is_primary, is_enabled)
		VALUES ($1, $1, true, $2)
		ON CONFLICT (credential_id) DO UPDATE SET is_enabled = EXCLUDED.is_enabled
	`, providerID, enabled)
	if err != nil {
		return fmt.Errorf("failed to upsert provider credential %q: %w", providerID, err)
	}
	return nil
}

// Get implements errtracker.CredentialStore.
func (s *CredentialStore) Get(ctx context.Context, credentialID string) (CredentialInfo, error) {
	var c CredentialInfo
	row := s.db.QueryRowContext(ctx, `
		SELECT credential_id, provider_id, is_primary, is_enabled FROM provider_credentials WHERE credential_id = $1
	`, credentialID)
	if err := row.Scan(&c.ID, &c.ProviderID, &c.IsPrimary, &c.IsEnabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CredentialInfo{}, fmt.Errorf("unknown credential %q", credentialID)
		}
		return CredentialInfo{}, fmt.Errorf("failed to load credential %q: %w", credentialID, err)
	}
	return c, nil
}

// ListByProvider implements errtracker.CredentialStore.
func (s *CredentialStore) ListByProvider(ctx context.Context, providerID string) ([]CredentialInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT credential_id, provider_id, is_primary, is_enabled FROM provider_credentials WHERE provider_id = $1
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials for provider %q: %w", providerID, err)
	}
	defer rows.Close()

	var out []CredentialInfo
	for rows.Next() {
		var c CredentialInfo
		if err := rows.Scan(&c.ID, &c.ProviderID, &c.IsPrimary, &c.IsEnabled); err != nil {
			return nil, fmt.Errorf("failed to scan credential row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetEnabled implements errtracker.CredentialStore.
func (s *CredentialStore) SetEnabled(ctx context.Context, credentialID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE provider_credentials SET is_enabled = $2 WHERE credential_id = $1`, credentialID, enabled)
	if err != nil {
		return fmt.Errorf("failed to set credential %q enabled=%v: %w", credentialID, enabled, err)
	}
	return nil
}

// CredentialInfo mirrors internal/core/errtracker.CredentialInfo without
// importing that package, so this file stays a plain SQL adapter; the
// caller (internal/core/services.go) constructs the errtracker.CredentialInfo
// value from this one.
type CredentialInfo struct {
	ID         string
	ProviderID string
	IsPrimary  bool
	IsEnabled  bool
}

// ProviderStore flips a provider's own enabled flag, backing
// internal/core/errtracker.ProviderStore against the same table (a
// provider's row is its primary credential, by convention credential_id ==
// provider_id, exactly as the in-memory stand-in seeds it).
type ProviderStore struct {
	db *sql.DB
}

// NewProviderStore returns a ProviderStore sharing CredentialStore's table.
func NewProviderStore(db *sql.DB) *ProviderStore {
	return &ProviderStore{db: db}
}

// SetEnabled implements errtracker.ProviderStore.
func (s *ProviderStore) SetEnabled(ctx context.Context, providerID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE provider_credentials SET is_enabled = $2 WHERE provider_id = $1`, providerID, enabled)
	if err != nil {
		return fmt.Errorf("failed to set provider %q enabled=%v: %w", providerID, enabled, err)
	}
	return nil
}
