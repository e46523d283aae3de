// Package session maintains the client's authentication state: the single
// source of truth for "is this user logged in", derived from the persisted
// token plus server-side verification.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AmossDvir1/sourcely-go/internal/api"
	"github.com/AmossDvir1/sourcely-go/internal/keystore"
)

// Status is the session's authentication state.
type Status string

const (
	// StatusChecking means a token exists and is being verified.
	StatusChecking Status = "checking"
	// StatusAuthenticated means the token was verified and User is set.
	StatusAuthenticated Status = "authenticated"
	// StatusUnauthenticated means no valid token exists.
	StatusUnauthenticated Status = "unauthenticated"
)

// Snapshot is an immutable view of the session state.
type Snapshot struct {
	Status Status
	User   *api.User
}

// Config holds manager configuration.
type Config struct {
	Client   *api.Client
	Keystore keystore.Store

	// MinCheckingTime is the minimum time spent in StatusChecking, to avoid
	// state flicker for observers. It runs concurrently with the
	// verification call, so the total wait is the larger of the two.
	MinCheckingTime time.Duration

	Logger *slog.Logger
}

// Manager is the session state machine. It watches the keystore's token
// slot, verifies tokens against the backend, and exposes login/logout.
//
// Stale verifications never apply: each verification attempt is tagged with
// a generation and cancelled when the token changes underneath it.
type Manager struct {
	client      *api.Client
	store       keystore.Store
	minChecking time.Duration
	logger      *slog.Logger

	mu            sync.Mutex
	status        Status
	user          *api.User
	gen           uint64
	verifyCancel  context.CancelFunc
	lastGoodToken string // token already validated server-side; skips re-verification
	subs          map[int]func(Snapshot)
	nextSub       int
}

// New creates a Manager in StatusChecking and registers it as the API
// client's auth-failure handler. Call Start to begin watching the token.
func New(cfg Config) (*Manager, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("session: Client is required")
	}
	if cfg.Keystore == nil {
		return nil, fmt.Errorf("session: Keystore is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		client:      cfg.Client,
		store:       cfg.Keystore,
		minChecking: cfg.MinCheckingTime,
		logger:      cfg.Logger,
		status:      StatusChecking,
		subs:        make(map[int]func(Snapshot)),
	}
	cfg.Client.SetAuthFailureHandler(m.handleAuthFailure)
	return m, nil
}

// Start evaluates the currently persisted token and then reacts to every
// token change (login, logout, or another process writing the store) until
// ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	changes, cancel := m.store.Subscribe()

	m.evaluate(ctx, m.currentToken(ctx))

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				if change.Key != keystore.KeyAuthToken {
					continue
				}
				// Re-read rather than trust the event payload: a burst of
				// changes may have been coalesced by the store.
				m.evaluate(ctx, m.currentToken(ctx))
			}
		}
	}()
}

// Current returns the session state.
func (m *Manager) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Status: m.status, User: m.user}
}

// OnChange registers a state observer and returns its unsubscribe function.
func (m *Manager) OnChange(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Login authenticates with the backend, persists the returned token and
// transitions directly to StatusAuthenticated: the credentials were just
// validated server-side, so there is no checking phase to go through.
func (m *Manager) Login(ctx context.Context, creds api.Credentials) error {
	res, err := m.client.Login(ctx, creds)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cancelVerifyLocked()
	m.lastGoodToken = res.AccessToken
	user := res.User
	m.setLocked(StatusAuthenticated, &user)
	subs, snap := m.observersLocked()
	m.mu.Unlock()

	if err := m.store.Set(ctx, keystore.KeyAuthToken, res.AccessToken); err != nil {
		m.logger.Warn("failed to persist access token", "error", err)
	}
	notify(subs, snap)
	return nil
}

// Logout invalidates the server session (best effort) and clears all local
// credentials.
func (m *Manager) Logout(ctx context.Context) {
	if err := m.client.Logout(ctx); err != nil {
		m.logger.Warn("server logout failed, clearing local session anyway", "error", err)
	}
	m.clearSession(ctx)
}

// UpdateUser replaces the in-memory profile without altering the status.
// Used after profile edits.
func (m *Manager) UpdateUser(user *api.User) {
	m.mu.Lock()
	m.user = user
	subs, snap := m.observersLocked()
	m.mu.Unlock()
	notify(subs, snap)
}

// handleAuthFailure reacts to an unrecoverable refresh failure reported by
// the API client. The client has already cleared the token slot and the
// server session is gone, so this is logout minus the server call.
func (m *Manager) handleAuthFailure() {
	m.logger.Info("session lost: token refresh failed")
	m.clearSession(context.Background())
}

func (m *Manager) clearSession(ctx context.Context) {
	m.mu.Lock()
	m.cancelVerifyLocked()
	m.lastGoodToken = ""
	m.setLocked(StatusUnauthenticated, nil)
	subs, snap := m.observersLocked()
	m.mu.Unlock()

	if err := m.store.Delete(context.WithoutCancel(ctx), keystore.KeyAuthToken); err != nil {
		m.logger.Warn("failed to clear persisted token", "error", err)
	}
	notify(subs, snap)
}

// evaluate reconciles session state with the given token value. Any
// in-flight verification is cancelled first, so only the newest token's
// verification can ever mutate state.
func (m *Manager) evaluate(ctx context.Context, token string) {
	m.mu.Lock()
	m.cancelVerifyLocked()

	if token == "" {
		m.lastGoodToken = ""
		m.setLocked(StatusUnauthenticated, nil)
		subs, snap := m.observersLocked()
		m.mu.Unlock()
		notify(subs, snap)
		return
	}

	if token == m.lastGoodToken && m.user != nil {
		// This exact token was already validated (login or a previous
		// verification); re-checking it would only flicker the state.
		m.setLocked(StatusAuthenticated, m.user)
		subs, snap := m.observersLocked()
		m.mu.Unlock()
		notify(subs, snap)
		return
	}

	m.setLocked(StatusChecking, nil)
	gen := m.gen
	vctx, cancel := context.WithCancel(ctx)
	m.verifyCancel = cancel
	subs, snap := m.observersLocked()
	m.mu.Unlock()
	notify(subs, snap)

	go m.verify(vctx, gen, token)
}

// verify runs the verification call and the minimum checking window
// concurrently and applies the outcome only if it is still current.
func (m *Manager) verify(ctx context.Context, gen uint64, token string) {
	var user *api.User
	var verifyErr error
	done := make(chan struct{})
	go func() {
		user, verifyErr = m.client.Verify(ctx)
		close(done)
	}()

	timer := time.NewTimer(m.minChecking)
	defer timer.Stop()

	<-done
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	m.mu.Lock()
	if gen != m.gen || ctx.Err() != nil {
		// The token changed while we were verifying; a newer evaluation
		// owns the state now.
		m.mu.Unlock()
		return
	}

	if verifyErr != nil {
		m.logger.Info("token verification failed", "error", verifyErr)
		m.lastGoodToken = ""
		m.setLocked(StatusUnauthenticated, nil)
		subs, snap := m.observersLocked()
		m.mu.Unlock()

		if err := m.store.Delete(context.WithoutCancel(ctx), keystore.KeyAuthToken); err != nil {
			m.logger.Warn("failed to clear invalid token", "error", err)
		}
		notify(subs, snap)
		return
	}

	m.lastGoodToken = token
	m.setLocked(StatusAuthenticated, user)
	subs, snap := m.observersLocked()
	m.mu.Unlock()
	notify(subs, snap)
}

func (m *Manager) currentToken(ctx context.Context) string {
	token, err := m.store.Get(ctx, keystore.KeyAuthToken)
	if err != nil {
		return ""
	}
	return token
}

// cancelVerifyLocked invalidates any in-flight verification.
func (m *Manager) cancelVerifyLocked() {
	m.gen++
	if m.verifyCancel != nil {
		m.verifyCancel()
		m.verifyCancel = nil
	}
}

func (m *Manager) setLocked(status Status, user *api.User) {
	m.status = status
	m.user = user
}

func (m *Manager) observersLocked() ([]func(Snapshot), Snapshot) {
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	return subs, Snapshot{Status: m.status, User: m.user}
}

func notify(subs []func(Snapshot), snap Snapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}
