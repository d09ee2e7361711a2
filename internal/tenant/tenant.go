// Package tenant resolves caller API keys to tenants and holds the stored
// upstream-provider credentials for each tenant.
//
// Account management (signup, billing, team administration) lives outside this
// service. The gateway only needs the two contracts defined here: Resolver
// turns an opaque API key into a tenant + pricing tier, and CredentialStore
// turns a tenant into its upstream provider keys. Both are resolved once at
// startup from configuration and injected — there is no lazy client
// initialisation and no silent fallback.
package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

// Tier is the pricing tier of a tenant. It parameterises rate limits and
// daily quotas (see internal/ratelimit).
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier normalises a tier string from configuration.
// Unknown values map to TierFree so a typo never grants elevated limits.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierStarter:
		return TierStarter
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

// Tenant is an organisation using the gateway. Read-only to the core —
// lifecycle is owned by the external account-management system.
type Tenant struct {
	ID   string
	Name string
	Tier Tier

	// Provider is the tenant's preferred upstream provider. Empty means
	// "use the first available provider in the default fallback chain".
	Provider string
}

// ErrUnknownKey is returned by Resolve for keys that do not map to a tenant.
var ErrUnknownKey = errors.New("tenant: unknown api key")

// Resolver maps an opaque caller API key to a tenant.
type Resolver interface {
	Resolve(ctx context.Context, apiKey string) (*Tenant, error)
}

// CredentialStore returns the stored upstream credential for a tenant and
// provider. The second return value is false when no credential exists.
type CredentialStore interface {
	ProviderKey(ctx context.Context, tenantID, provider string) (string, bool)
}

// HashKey returns the SHA-256 hex digest of an API key. Keys are stored and
// looked up by hash so the plaintext never sits in a long-lived map.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// StaticDirectory is a config-backed Resolver + CredentialStore.
// It is immutable after construction apart from the internal lookup maps,
// so reads are guarded by an RWMutex only to allow future hot-reload.
type StaticDirectory struct {
	mu      sync.RWMutex
	byHash  map[string]*Tenant
	credMap map[string]map[string]string // tenant id → provider → key
}

// Entry is one tenant row loaded from configuration.
type Entry struct {
	ID       string
	Name     string
	APIKey   string // plaintext key; hashed on load
	KeyHash  string // pre-hashed alternative to APIKey
	Tier     string
	Provider string

	// Credentials maps provider name → upstream API key for this tenant.
	Credentials map[string]string
}

// NewStaticDirectory builds a directory from config entries.
// Entries without an ID or without any key material are rejected.
func NewStaticDirectory(entries []Entry) (*StaticDirectory, error) {
	d := &StaticDirectory{
		byHash:  make(map[string]*Tenant, len(entries)),
		credMap: make(map[string]map[string]string, len(entries)),
	}

	for _, e := range entries {
		if e.ID == "" {
			return nil, errors.New("tenant: entry missing id")
		}

		hash := strings.ToLower(strings.TrimSpace(e.KeyHash))
		if hash == "" {
			if e.APIKey == "" {
				return nil, errors.New("tenant: entry " + e.ID + " has neither api_key nor key_hash")
			}
			hash = HashKey(e.APIKey)
		}

		if _, dup := d.byHash[hash]; dup {
			return nil, errors.New("tenant: duplicate api key for " + e.ID)
		}

		d.byHash[hash] = &Tenant{
			ID:       e.ID,
			Name:     e.Name,
			Tier:     ParseTier(e.Tier),
			Provider: e.Provider,
		}

		if len(e.Credentials) > 0 {
			creds := make(map[string]string, len(e.Credentials))
			for prov, key := range e.Credentials {
				creds[strings.ToLower(prov)] = key
			}
			d.credMap[e.ID] = creds
		}
	}

	return d, nil
}

// Resolve implements Resolver.
func (d *StaticDirectory) Resolve(_ context.Context, apiKey string) (*Tenant, error) {
	if apiKey == "" {
		return nil, ErrUnknownKey
	}

	d.mu.RLock()
	t, ok := d.byHash[HashKey(apiKey)]
	d.mu.RUnlock()

	if !ok {
		return nil, ErrUnknownKey
	}

	// Return a copy — callers must not mutate shared tenant state.
	cp := *t
	return &cp, nil
}

// ProviderKey implements CredentialStore.
func (d *StaticDirectory) ProviderKey(_ context.Context, tenantID, provider string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	creds, ok := d.credMap[tenantID]
	if !ok {
		return "", false
	}
	key, ok := creds[strings.ToLower(provider)]
	return key, ok && key != ""
}

// Len returns the number of tenants in the directory.
func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byHash)
}
