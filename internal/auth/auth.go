// Package auth provides API key authentication for widget requests.
//
// Keys look like "tryon_live_" + 32 hex chars. Only the SHA-256 hash is
// stored; the first 16 characters are kept as a display prefix so the
// dashboard can show which key is which.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"time"

	"github.com/tryonplugin/tryon/internal/idgen"
	"github.com/tryonplugin/tryon/internal/logging"
	"github.com/tryonplugin/tryon/internal/tenant"
)

// Errors
var (
	ErrMissingKey     = errors.New("auth: API key required")
	ErrBadFormat      = errors.New("auth: malformed API key")
	ErrKeyNotFound    = errors.New("auth: unknown API key")
	ErrKeyDeactivated = errors.New("auth: API key deactivated")
	ErrMaxKeys        = errors.New("auth: maximum active keys reached")
)

// MaxKeysPerTenant bounds live keys so a leaked signup can't mint
// unlimited credentials.
const MaxKeysPerTenant = 10

// KeyPrefixLen is how many characters of the raw key are stored for
// display ("tryon_live_" plus the first five hex chars).
const KeyPrefixLen = 16

var keyFormat = regexp.MustCompile(`^tryon_live_[a-f0-9]{32}$`)

// APIKey is the stored record for an issued key.
type APIKey struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"-"`
	Hash       string     `json:"-"`
	Prefix     string     `json:"keyPrefix"`
	Name       string     `json:"name"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*APIKey, error)
	CountActive(ctx context.Context, tenantID string) (int, error)
	Deactivate(ctx context.Context, tenantID, keyID string) error
	TouchLastUsed(ctx context.Context, keyID string, at time.Time) error
}

// Identity is the result of a successful authentication: who is calling
// and with which key. It is attached to the request context and never
// re-read from the store during the request.
type Identity struct {
	Tenant *tenant.Tenant
	Key    *APIKey
}

// Manager handles key issuance and authentication.
type Manager struct {
	keys    Store
	tenants tenant.Store
}

// NewManager creates a new auth manager.
func NewManager(keys Store, tenants tenant.Store) *Manager {
	return &Manager{keys: keys, tenants: tenants}
}

// GenerateKey creates a new API key for a tenant.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, tenantID, name string) (rawKey string, key *APIKey, err error) {
	count, err := m.keys.CountActive(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}
	if count >= MaxKeysPerTenant {
		return "", nil, ErrMaxKeys
	}

	rawKey = "tryon_live_" + idgen.Hex(16)

	key = &APIKey{
		ID:        idgen.WithPrefix("key_"),
		TenantID:  tenantID,
		Hash:      HashKey(rawKey),
		Prefix:    rawKey[:KeyPrefixLen],
		Name:      name,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.keys.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// Authenticate validates a raw API key and loads the owning tenant.
//
// Checks run cheapest-first: the lexical format check rejects garbage
// before any store access, and only a well-formed key is hashed and
// looked up. An inactive tenant still authenticates the key but is
// refused with ErrTenantInactive so the caller can report the status.
func (m *Manager) Authenticate(ctx context.Context, rawKey string) (*Identity, error) {
	ident, err := m.AuthenticateAnyStatus(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	if ident.Tenant.Status != tenant.StatusActive {
		return nil, &TenantInactiveError{Status: ident.Tenant.Status}
	}
	return ident, nil
}

// AuthenticateAnyStatus validates a raw API key without requiring the
// tenant to be active. Billing endpoints use it so a suspended store
// can still reach the portal and fix its payment.
func (m *Manager) AuthenticateAnyStatus(ctx context.Context, rawKey string) (*Identity, error) {
	if rawKey == "" {
		return nil, ErrMissingKey
	}
	if !keyFormat.MatchString(rawKey) {
		return nil, ErrBadFormat
	}

	key, err := m.keys.GetByHash(ctx, HashKey(rawKey))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	if !key.Active {
		return nil, ErrKeyDeactivated
	}

	t, err := m.tenants.Get(ctx, key.TenantID)
	if err != nil {
		return nil, err
	}

	// Update last used (fire and forget).
	go func() {
		if err := m.keys.TouchLastUsed(context.Background(), key.ID, time.Now().UTC()); err != nil {
			logging.L(ctx).Debug("failed to touch key last_used", "key_id", key.ID, "error", err)
		}
	}()

	return &Identity{Tenant: t, Key: key}, nil
}

// ListKeys returns all keys for a tenant, active and revoked.
func (m *Manager) ListKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	return m.keys.ListByTenant(ctx, tenantID)
}

// RevokeKey deactivates a key. The row stays so the dashboard can show
// revoked keys and their last use.
func (m *Manager) RevokeKey(ctx context.Context, tenantID, keyID string) error {
	return m.keys.Deactivate(ctx, tenantID, keyID)
}

// TenantInactiveError reports authentication against a suspended or
// cancelled tenant.
type TenantInactiveError struct {
	Status tenant.Status
}

func (e *TenantInactiveError) Error() string {
	return "auth: tenant is " + string(e.Status)
}

// HashKey returns the hex SHA-256 of a raw key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
