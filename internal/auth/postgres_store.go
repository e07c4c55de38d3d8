package auth

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists API keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, key_hash, key_prefix, name, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.TenantID, key.Hash, key.Prefix, key.Name, key.Active, key.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	return p.scanKey(p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, key_hash, key_prefix, name, active, last_used_at, created_at
		FROM api_keys WHERE key_hash = $1`, hash))
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, key_hash, key_prefix, name, active, last_used_at, created_at
		FROM api_keys WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		k := &APIKey{}
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Hash, &k.Prefix, &k.Name,
			&k.Active, &lastUsed, &k.CreatedAt); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			k.LastUsedAt = &lastUsed.Time
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) CountActive(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM api_keys WHERE tenant_id = $1 AND active`, tenantID).Scan(&count)
	return count, err
}

func (p *PostgresStore) Deactivate(ctx context.Context, tenantID, keyID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET active = FALSE WHERE id = $1 AND tenant_id = $2`, keyID, tenantID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (p *PostgresStore) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, keyID, at)
	return err
}

func (p *PostgresStore) scanKey(row *sql.Row) (*APIKey, error) {
	k := &APIKey{}
	var lastUsed sql.NullTime
	err := row.Scan(&k.ID, &k.TenantID, &k.Hash, &k.Prefix, &k.Name,
		&k.Active, &lastUsed, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	return k, nil
}

var _ Store = (*PostgresStore)(nil)
