// Package token implements the Credential & Token Manager of spec.md §4.A:
// per (connector-instance, principal) OAuth/service-account tokens, cached
// and refreshed a fixed lead time before expiry, with exactly one refresh
// in flight per principal (spec.md §5 "Shared-resource policy").
//
// Refresh-token material and service-account private keys are encrypted at
// rest with AES-GCM, the same envelope-key discipline the teacher applies
// to OAuth tokens and secrets (ground: infrastructure/secrets/manager.go,
// infrastructure/database/oauth_tokens_encryption.go).
package token

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/r3e-network/knowledgecore/internal/errs"
)

// RefreshLead is the fixed margin spec.md §4.A defines: a token is refreshed
// once now+RefreshLead >= expiry.
const RefreshLead = 20 * time.Minute

// AuthMethod distinguishes the two credential shapes this core supports.
type AuthMethod string

const (
	// AuthMethodOAuthRefresh is a classic refresh-token grant.
	AuthMethodOAuthRefresh AuthMethod = "oauth_refresh"
	// AuthMethodJWTAssertion is an RFC 7523 JWT-bearer / service-account
	// flow (e.g. Google domain-wide delegation).
	AuthMethodJWTAssertion AuthMethod = "jwt_assertion"
)

// Principal identifies who a credential belongs to.
type Principal struct {
	ConnectorInstanceKey string
	PrincipalID          string
}

// Credential is the full record the manager holds per Principal.
type Credential struct {
	Principal          Principal
	Method             AuthMethod
	AccessToken        string
	EncryptedRefresh   []byte // AES-GCM ciphertext; empty for JWT-assertion flow
	ClientID           string
	ClientSecret       string
	Scopes             []string
	Expiry             time.Time
	Active             bool

	// Service-account flow fields.
	ServiceAccountEmail     string
	EncryptedPrivateKeyPEM  []byte // AES-GCM ciphertext of the RSA private key
	TokenExchangeAudience   string
}

// Store is the durable persistence contract the manager depends on; it is
// an external collaborator (spec.md §1), not implemented here beyond a
// reference in-memory Store used by tests.
type Store interface {
	Get(ctx context.Context, p Principal) (*Credential, error)
	Put(ctx context.Context, c *Credential) error
	MarkInactive(ctx context.Context, p Principal) error
}

// Refresher exchanges a credential's refresh material for a fresh access
// token. Implementations are per-connector and vendor-specific; this
// package only defines the contract (spec.md §1's "vendor SDK shape
// mapping" is explicitly out of scope).
type Refresher interface {
	Refresh(ctx context.Context, c *Credential) (accessToken string, expiry time.Time, err error)
}

// Manager is the process-wide Credential & Token Manager.
type Manager struct {
	store      Store
	refreshers map[string]Refresher // keyed by connector name
	aead       cipher.AEAD

	mu       sync.Mutex
	inflight map[Principal]*refreshCall
}

type refreshCall struct {
	done chan struct{}
	tok  string
	err  error
}

// NewManager builds a Manager. masterKey must be 32 bytes (AES-256-GCM).
func NewManager(store Store, masterKey []byte) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("token: store is required")
	}
	key, err := normalizeMasterKey(masterKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:      store,
		refreshers: make(map[string]Refresher),
		aead:       aead,
		inflight:   make(map[Principal]*refreshCall),
	}, nil
}

// RegisterRefresher binds a connector name to the Refresher used for its
// credentials.
func (m *Manager) RegisterRefresher(connector string, r Refresher) {
	m.refreshers[connector] = r
}

// GetToken returns the current access token for (instance, principal),
// refreshing first if the lead-time margin has been crossed. Only one
// refresh is ever in flight per Principal; concurrent callers await it.
func (m *Manager) GetToken(ctx context.Context, connector string, p Principal) (string, error) {
	cred, err := m.store.Get(ctx, p)
	if err != nil {
		return "", errs.Transient("token_store_get", err)
	}
	if cred == nil {
		return "", errs.Auth("no credential on file", nil).WithDetail("principal", p.PrincipalID)
	}
	if !cred.Active {
		return "", errs.New(errs.KindAuth, "principal inactive")
	}

	if time.Now().Add(RefreshLead).Before(cred.Expiry) {
		return cred.AccessToken, nil
	}

	return m.refreshSingleFlight(ctx, connector, p, cred)
}

func (m *Manager) refreshSingleFlight(ctx context.Context, connector string, p Principal, cred *Credential) (string, error) {
	m.mu.Lock()
	if call, ok := m.inflight[p]; ok {
		m.mu.Unlock()
		<-call.done
		return call.tok, call.err
	}
	call := &refreshCall{done: make(chan struct{})}
	m.inflight[p] = call
	m.mu.Unlock()

	tok, err := m.doRefresh(ctx, connector, cred)
	call.tok, call.err = tok, err
	close(call.done)

	m.mu.Lock()
	delete(m.inflight, p)
	m.mu.Unlock()

	return tok, err
}

func (m *Manager) doRefresh(ctx context.Context, connector string, cred *Credential) (string, error) {
	r, ok := m.refreshers[connector]
	if !ok {
		return "", errs.New(errs.KindFatal, "no refresher registered").WithDetail("connector", connector)
	}

	tok, expiry, err := r.Refresh(ctx, cred)
	if err != nil {
		if isTerminalAuthError(err) {
			_ = m.store.MarkInactive(ctx, cred.Principal)
			return "", errs.Auth("refresh terminally failed", err)
		}
		return "", errs.Transient("token_refresh", err)
	}

	cred.AccessToken = tok
	cred.Expiry = expiry
	if putErr := m.store.Put(ctx, cred); putErr != nil {
		return "", errs.Transient("token_store_put", putErr)
	}
	return tok, nil
}

// isTerminalAuthError classifies invalid_grant-shaped errors as terminal,
// per spec.md §4.A. Real connectors surface this via a typed sentinel from
// their SDK; this is the generic fallback recognizing the OAuth2 error
// code by substring, the same "fragile safety net" spec.md §9 accepts for
// provider-string matching elsewhere.
func isTerminalAuthError(err error) bool {
	return strings.Contains(err.Error(), "invalid_grant")
}

// Revoke marks a principal's credential inactive, so GetToken refuses it.
// The stored token material is left in place.
func (m *Manager) Revoke(ctx context.Context, p Principal) error {
	return m.store.MarkInactive(ctx, p)
}

// --- Encryption helpers for refresh tokens and service-account keys ---

// Encrypt seals plaintext (a refresh token or PEM private key) for at-rest
// storage.
func (m *Manager) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := m.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return append(nonce, ciphertext...), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (m *Manager) Decrypt(raw []byte) (string, error) {
	if len(raw) < 13 {
		return "", fmt.Errorf("token: invalid ciphertext")
	}
	nonce, ciphertext := raw[:12], raw[12:]
	plain, err := m.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("token: decrypt: %w", err)
	}
	return string(plain), nil
}

func normalizeMasterKey(raw []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if decoded, err := hex.DecodeString(trimmed); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if len(raw) == 32 {
		return raw, nil
	}
	return nil, fmt.Errorf("token: master key must be 32 bytes or 64 hex chars")
}

// MintJWTAssertion builds the RFC 7523 JWT-bearer assertion a service
// account flow presents to a token endpoint in exchange for an access
// token. The caller (a connector-specific Refresher) performs the actual
// HTTP exchange; that step is vendor-specific and out of this package's
// scope.
func MintJWTAssertion(privateKeyPEM []byte, issuer, subject, audience string, scopes []string, ttl time.Duration) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("token: parse service-account key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   issuer,
		"sub":   subject,
		"aud":   audience,
		"scope": strings.Join(scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return t.SignedString(key)
}
