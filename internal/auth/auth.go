// Package auth authenticates requests against the coordinator's three trust
// domains and manages the API keys that back the agent domain.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/c3po-dev/c3po/internal/apierr"
	"github.com/c3po-dev/c3po/internal/clock"
	"github.com/c3po-dev/c3po/internal/config"
	"github.com/c3po-dev/c3po/internal/logging"
	"github.com/c3po-dev/c3po/internal/store"
)

// Domain identifies which trust boundary a request arrived through.
type Domain int

const (
	DomainPublic Domain = iota
	DomainAgent
	DomainOAuth
	DomainAdmin
)

// DomainForPath maps an URL path to its trust domain by prefix.
func DomainForPath(path string) Domain {
	switch {
	case path == "/agent" || strings.HasPrefix(path, "/agent/"):
		return DomainAgent
	case path == "/oauth" || strings.HasPrefix(path, "/oauth/"):
		return DomainOAuth
	case path == "/admin" || strings.HasPrefix(path, "/admin/"):
		return DomainAdmin
	default:
		return DomainPublic
	}
}

func (d Domain) String() string {
	switch d {
	case DomainAgent:
		return "agent"
	case DomainOAuth:
		return "oauth"
	case DomainAdmin:
		return "admin"
	default:
		return "public"
	}
}

// Kind classifies how a principal authenticated.
type Kind string

const (
	KindDev   Kind = "dev"
	KindProxy Kind = "proxy"
	KindKey   Kind = "key"
	KindAdmin Kind = "admin"
)

// Principal is an authenticated caller. Pattern is the glob of agent
// identities the caller may act as.
type Principal struct {
	Kind    Kind
	KeyID   string
	Pattern string
}

// Allows reports whether the principal may act as the given agent identity.
func (p Principal) Allows(identity string) bool {
	return Match(p.Pattern, identity)
}

// Authenticator verifies bearer credentials per trust domain.
type Authenticator struct {
	cfg   *config.Config
	store store.Store
	log   *logging.Logger
	clk   clock.Clock
}

func New(cfg *config.Config, st store.Store, log *logging.Logger, clk clock.Clock) *Authenticator {
	return &Authenticator{cfg: cfg, store: st, log: log, clk: clk}
}

// Authenticate validates a bearer token for a domain and returns the caller's
// principal. With no secrets configured the coordinator runs open and every
// caller gets an unrestricted dev principal.
func (a *Authenticator) Authenticate(ctx context.Context, domain Domain, bearer string) (Principal, error) {
	if a.cfg.DevMode() {
		return Principal{Kind: KindDev, Pattern: "*"}, nil
	}

	switch domain {
	case DomainAgent:
		return a.authenticateKey(ctx, bearer)
	case DomainOAuth:
		return a.authenticateProxy(bearer)
	case DomainAdmin:
		return a.authenticateAdmin(bearer)
	default:
		return Principal{}, apierr.Unauthenticated("no trust domain for this path")
	}
}

func (a *Authenticator) authenticateProxy(bearer string) (Principal, error) {
	if a.cfg.ProxyBearerToken == "" {
		return Principal{}, apierr.Unauthenticated("oauth endpoints are disabled: no proxy bearer token configured")
	}
	if !equal(bearer, a.cfg.ProxyBearerToken) {
		return Principal{}, apierr.Unauthenticated("invalid proxy bearer token")
	}
	return Principal{Kind: KindProxy, Pattern: "*"}, nil
}

func (a *Authenticator) authenticateKey(ctx context.Context, bearer string) (Principal, error) {
	secret, raw, ok := splitComposite(bearer)
	if !ok || !equal(secret, a.cfg.ServerSecret) {
		return Principal{}, apierr.Unauthenticated("invalid bearer token")
	}

	sum := sha256.Sum256([]byte(raw))
	rec, err := a.lookupKey(ctx, hex.EncodeToString(sum[:]))
	if err != nil {
		return Principal{}, err
	}
	if rec == nil {
		return Principal{}, apierr.Unauthenticated("unknown API key")
	}
	if rec.RevokedAt != "" {
		return Principal{}, apierr.Unauthenticated("API key has been revoked")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(raw)); err != nil {
		return Principal{}, apierr.Unauthenticated("invalid bearer token")
	}
	return Principal{Kind: KindKey, KeyID: rec.KeyID, Pattern: rec.Pattern}, nil
}

func (a *Authenticator) authenticateAdmin(bearer string) (Principal, error) {
	if a.cfg.AdminKey == "" {
		return Principal{}, apierr.Unauthenticated("admin endpoints are disabled: no admin key configured")
	}
	if secret, key, ok := splitComposite(bearer); ok {
		if equal(secret, a.cfg.ServerSecret) && equal(key, a.cfg.AdminKey) {
			return Principal{Kind: KindAdmin, Pattern: "*"}, nil
		}
		return Principal{}, apierr.Unauthenticated("invalid admin credentials")
	}
	// Bare admin key without the server secret prefix still works but is
	// deprecated.
	if equal(bearer, a.cfg.AdminKey) {
		a.log.Warn("legacy_admin_token", "detail", "admin key presented without server secret prefix")
		return Principal{Kind: KindAdmin, Pattern: "*"}, nil
	}
	return Principal{}, apierr.Unauthenticated("invalid admin credentials")
}

// splitComposite separates a "{secret}.{key}" bearer at the first dot.
func splitComposite(bearer string) (secret, key string, ok bool) {
	i := strings.IndexByte(bearer, '.')
	if i < 0 {
		return "", "", false
	}
	return bearer[:i], bearer[i+1:], true
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// lookupKey fetches a key record by the sha256 hex of the raw key.
func (a *Authenticator) lookupKey(ctx context.Context, index string) (*KeyRecord, error) {
	raw, err := a.store.HGet(ctx, keysKey, index)
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	if raw == nil {
		return nil, nil
	}
	var rec KeyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	return &rec, nil
}
