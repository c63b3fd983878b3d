// Package credential owns the device-flow state machine and the short-lived
// backend credential.
//
// All state lives in one immutable snapshot that is replaced atomically.
// Readers never lock; writers serialize on a mutex, and concurrent refreshes
// collapse into a single exchange.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/copilot-messages-gateway/internal/api/github"
	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
)

// SkewSeconds is subtracted from a credential's expiry when judging validity,
// so a token about to lapse is never handed to the backend.
const SkewSeconds = 60

// State is the derived lifecycle state.
type State int

const (
	StateUnauthenticated State = iota
	StateAwaitingVerification
	StateActive
)

func (s State) String() string {
	switch s {
	case StateAwaitingVerification:
		return "awaiting_verification"
	case StateActive:
		return "active"
	default:
		return "unauthenticated"
	}
}

// Verification statuses.
const (
	StatusPending    = "pending"
	StatusAuthorized = "authorized"
	StatusExpired    = "expired"
	StatusDenied     = "denied"
)

// Credential is the backend access token.
type Credential struct {
	Value     string `json:"-"`
	ExpiresAt int64  `json:"expires_at"`
}

// Verification describes a device-flow challenge for the user.
type Verification struct {
	VerificationURI string `json:"verification_uri"`
	UserCode        string `json:"user_code"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	Status          string `json:"status"`
}

// IdentityProvider is the upstream device authorization endpoint.
type IdentityProvider interface {
	Initiate(ctx context.Context) (*oauth2.DeviceAuthResponse, error)
	// Poll performs one check. It returns github.ErrAuthorizationPending or
	// github.ErrSlowDown while the user has not finished.
	Poll(ctx context.Context, deviceCode string) (*oauth2.Token, error)
}

// TokenExchanger trades an identity token for a backend credential.
type TokenExchanger interface {
	Exchange(ctx context.Context, identityToken string) (*Credential, error)
}

// TokenExchangerFunc adapts a function to TokenExchanger.
type TokenExchangerFunc func(ctx context.Context, identityToken string) (*Credential, error)

// Exchange calls f.
func (f TokenExchangerFunc) Exchange(ctx context.Context, identityToken string) (*Credential, error) {
	return f(ctx, identityToken)
}

// snapshot is never mutated after it is published.
type snapshot struct {
	identity     string
	credential   *Credential
	verification *Verification
	deviceCode   string
	flowExpiry   time.Time
}

func (s *snapshot) state() State {
	switch {
	case s.credential != nil:
		return StateActive
	case s.verification != nil && s.verification.Status == StatusPending:
		return StateAwaitingVerification
	default:
		return StateUnauthenticated
	}
}

// clone returns a shallow copy for building the next snapshot.
func (s *snapshot) clone() *snapshot {
	next := *s
	return &next
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithIdentityToken seeds an identity token so the device flow can be skipped.
func WithIdentityToken(token string) Option {
	return func(m *Manager) {
		m.seed = token
	}
}

// Manager is the credential lifecycle manager.
type Manager struct {
	provider  IdentityProvider
	exchanger TokenExchanger
	now       func() time.Time
	logger    *slog.Logger
	seed      string

	mu    sync.Mutex
	snap  atomic.Pointer[snapshot]
	group singleflight.Group
}

// NewManager creates a manager in the Unauthenticated state, or holding the
// seeded identity token.
func NewManager(provider IdentityProvider, exchanger TokenExchanger, opts ...Option) *Manager {
	m := &Manager{
		provider:  provider,
		exchanger: exchanger,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.snap.Store(&snapshot{identity: m.seed})
	return m
}

func (m *Manager) load() *snapshot {
	return m.snap.Load()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return m.load().state()
}

// IsAuthenticated reports whether a backend credential is held.
func (m *Manager) IsAuthenticated() bool {
	return m.State() == StateActive
}

// HasIdentity reports whether an identity token is held.
func (m *Manager) HasIdentity() bool {
	return m.load().identity != ""
}

// IsValid reports whether the held credential can be used right now.
func (m *Manager) IsValid() bool {
	return m.validAt(m.load().credential)
}

func (m *Manager) validAt(c *Credential) bool {
	return c != nil && m.now().Unix() < c.ExpiresAt-SkewSeconds
}

// Current returns a copy of the held credential, or nil.
func (m *Manager) Current() *Credential {
	c := m.load().credential
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Verification returns a copy of the latest device-flow descriptor, or nil.
func (m *Manager) Verification() *Verification {
	v := m.load().verification
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

// Clear drops the identity token, credential and any pending verification.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.load().state()
	m.snap.Store(&snapshot{})
	m.logger.Info("credential cleared", "previous_state", prev.String())
}

// BeginDeviceAuthorization starts a device flow and returns the challenge for
// the user. It does not wait for the user to approve.
func (m *Manager) BeginDeviceAuthorization(ctx context.Context) (*Verification, error) {
	if m.State() == StateActive {
		return nil, domain.ErrInvalidRequest("already authenticated; log out before starting a new device authorization").
			WithStatusCode(http.StatusConflict)
	}

	resp, err := m.provider.Initiate(ctx)
	if err != nil {
		m.logger.Error("device authorization failed", "error", err)
		return nil, domain.ErrAuthInitiationFailed(err)
	}

	expiresIn := 0
	if !resp.Expiry.IsZero() {
		expiresIn = int(resp.Expiry.Sub(m.now()).Round(time.Second).Seconds())
	}
	v := &Verification{
		VerificationURI: resp.VerificationURI,
		UserCode:        resp.UserCode,
		ExpiresIn:       expiresIn,
		Interval:        int(resp.Interval),
		Status:          StatusPending,
	}

	m.mu.Lock()
	next := m.load().clone()
	if next.credential != nil {
		m.mu.Unlock()
		return nil, domain.ErrInvalidRequest("already authenticated; log out before starting a new device authorization").
			WithStatusCode(http.StatusConflict)
	}
	next.verification = v
	next.deviceCode = resp.DeviceCode
	next.flowExpiry = resp.Expiry
	m.snap.Store(next)
	m.mu.Unlock()

	m.logger.Info("device authorization started",
		"state", StateAwaitingVerification.String(),
		"verification_uri", v.VerificationURI,
		"expires_in", v.ExpiresIn,
	)

	cp := *v
	return &cp, nil
}

// Poll performs at most one check with the identity provider. It returns
// true once a backend credential is held.
func (m *Manager) Poll(ctx context.Context) (bool, error) {
	snap := m.load()
	if snap.credential != nil {
		return true, nil
	}
	if snap.verification == nil || snap.verification.Status != StatusPending {
		return false, nil
	}
	deviceCode := snap.deviceCode

	if !snap.flowExpiry.IsZero() && !m.now().Before(snap.flowExpiry) {
		m.finishFlow(deviceCode, StatusExpired)
		m.logger.Info("device authorization expired")
		return false, nil
	}

	tok, err := m.provider.Poll(ctx, deviceCode)
	switch {
	case err == nil:
	case errors.Is(err, github.ErrAuthorizationPending):
		return false, nil
	case errors.Is(err, github.ErrSlowDown):
		m.slowDown(deviceCode)
		return false, nil
	default:
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			switch re.ErrorCode {
			case "expired_token":
				m.finishFlow(deviceCode, StatusExpired)
			case "access_denied":
				m.finishFlow(deviceCode, StatusDenied)
			}
		}
		m.logger.Error("device authorization check failed", "error", err)
		return false, domain.ErrAuthCheckFailed(err)
	}

	m.mu.Lock()
	next := m.load().clone()
	if next.deviceCode != deviceCode {
		// Logged out or restarted while the check was in flight.
		m.mu.Unlock()
		return false, nil
	}
	next.identity = tok.AccessToken
	next.deviceCode = ""
	v := *next.verification
	v.Status = StatusAuthorized
	next.verification = &v
	m.snap.Store(next)
	m.mu.Unlock()

	m.logger.Info("device authorization approved")

	if _, err := m.Refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// finishFlow marks the pending flow for deviceCode as no longer pollable.
func (m *Manager) finishFlow(deviceCode, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.load().clone()
	if next.deviceCode != deviceCode || next.verification == nil {
		return
	}
	v := *next.verification
	v.Status = status
	next.verification = &v
	next.deviceCode = ""
	m.snap.Store(next)
}

// slowDown widens the advertised polling interval by five seconds.
func (m *Manager) slowDown(deviceCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.load().clone()
	if next.deviceCode != deviceCode || next.verification == nil {
		return
	}
	v := *next.verification
	v.Interval += 5
	next.verification = &v
	m.snap.Store(next)
}

// Refresh exchanges the identity token for a new backend credential and
// replaces the held one. On failure the previous credential is kept.
// Concurrent callers share one exchange.
func (m *Manager) Refresh(ctx context.Context) (*Credential, error) {
	ch := m.group.DoChan("refresh", func() (any, error) {
		// The shared exchange must not be cut short by whichever caller
		// happened to start it.
		return m.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cp := *res.Val.(*Credential)
		return &cp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context) (*Credential, error) {
	identity := m.load().identity
	if identity == "" {
		return nil, domain.ErrNoIdentityToken()
	}

	cred, err := m.exchanger.Exchange(ctx, identity)
	if err != nil {
		m.logger.Error("credential exchange failed", "error", err)
		return nil, domain.ErrCredentialExchangeFailed(err)
	}
	if cred == nil || cred.Value == "" {
		return nil, domain.ErrCredentialExchangeFailed(fmt.Errorf("exchange returned an empty credential"))
	}

	m.mu.Lock()
	next := m.load().clone()
	if next.identity != identity {
		m.mu.Unlock()
		return nil, domain.ErrNoIdentityToken()
	}
	stored := *cred
	next.credential = &stored
	next.verification = nil
	m.snap.Store(next)
	m.mu.Unlock()

	m.logger.Info("credential refreshed",
		"state", StateActive.String(),
		"expires_at", stored.ExpiresAt,
	)
	return &stored, nil
}

// Token returns a valid credential value, refreshing first if the held one is
// missing or inside the skew window.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if c := m.load().credential; m.validAt(c) {
		return c.Value, nil
	}
	c, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return c.Value, nil
}
