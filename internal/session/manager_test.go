package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/AmossDvir1/sourcely-go/internal/api"
	"github.com/AmossDvir1/sourcely-go/internal/keystore"
)

// verifyBackend serves /auth/verify with per-token behavior: a mapped token
// returns its user after the configured latency, anything else gets a 401
// (and a failing refresh, so the 401 is terminal).
type verifyBackend struct {
	mu      sync.Mutex
	users   map[string]api.User
	latency map[string]time.Duration
}

func newVerifyBackend() *verifyBackend {
	return &verifyBackend{
		users:   make(map[string]api.User),
		latency: make(map[string]time.Duration),
	}
}

func (b *verifyBackend) allow(token string, user api.User, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[token] = user
	b.latency[token] = latency
}

func (b *verifyBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		var token string
		if len(auth) > 7 {
			token = auth[7:]
		}

		b.mu.Lock()
		user, ok := b.users[token]
		delay := b.latency[token]
		b.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(user)
	})
	mux.HandleFunc("/api/v1/code/analyses", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		var token string
		if len(auth) > 7 {
			token = auth[7:]
		}
		b.mu.Lock()
		_, ok := b.users[token]
		b.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/api/v1/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"logged out"}`))
	})
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds api.Credentials
		json.NewDecoder(r.Body).Decode(&creds)
		if creds.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid credentials"}`))
			return
		}
		user := api.User{ID: "u1", Email: creds.Email, FirstName: "Ada"}
		b.allow("login-token", user, 0)
		json.NewEncoder(w).Encode(api.LoginResult{AccessToken: "login-token", User: user})
	})
	return mux
}

func newTestManager(t *testing.T, backend *verifyBackend, minChecking time.Duration) (*Manager, *keystore.Memory) {
	t.Helper()

	ts := httptest.NewServer(backend.handler())
	t.Cleanup(ts.Close)

	store := keystore.NewMemory()
	client, err := api.New(api.Config{
		BaseURL:    ts.URL,
		Keystore:   store,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	mgr, err := New(Config{
		Client:          client,
		Keystore:        store,
		MinCheckingTime: minChecking,
	})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return mgr, store
}

func waitStatus(t *testing.T, mgr *Manager, want Status) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := mgr.Current()
		if snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for status %q (currently %q)", want, mgr.Current().Status)
	return Snapshot{}
}

func TestManager_NoToken_SettlesUnauthenticated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, _ := newTestManager(t, newVerifyBackend(), 0)
	mgr.Start(ctx)

	snap := waitStatus(t, mgr, StatusUnauthenticated)
	if snap.User != nil {
		t.Errorf("Expected nil user, got %+v", snap.User)
	}
}

func TestManager_ValidToken_SettlesAuthenticated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newVerifyBackend()
	backend.allow("good", api.User{ID: "u1", Email: "ada@example.com"}, 0)

	mgr, store := newTestManager(t, backend, 0)
	store.Set(ctx, keystore.KeyAuthToken, "good")
	mgr.Start(ctx)

	snap := waitStatus(t, mgr, StatusAuthenticated)
	if snap.User == nil || snap.User.Email != "ada@example.com" {
		t.Errorf("Expected verified user, got %+v", snap.User)
	}
}

func TestManager_InvalidToken_ClearsTokenAndSettlesUnauthenticated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, store := newTestManager(t, newVerifyBackend(), 0)
	store.Set(ctx, keystore.KeyAuthToken, "bogus")
	mgr.Start(ctx)

	waitStatus(t, mgr, StatusUnauthenticated)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.Get(ctx, keystore.KeyAuthToken); errors.Is(err, keystore.ErrNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("Expected invalid token to be cleared from the store")
}

// If the token changes while a verification is in flight, the stale result
// must never mutate session state.
func TestManager_StaleVerificationDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newVerifyBackend()
	backend.allow("token-a", api.User{ID: "a", Email: "a@example.com"}, 400*time.Millisecond)
	backend.allow("token-c", api.User{ID: "c", Email: "c@example.com"}, 0)

	mgr, store := newTestManager(t, backend, 0)

	var mu sync.Mutex
	var seenUsers []string
	mgr.OnChange(func(snap Snapshot) {
		if snap.User != nil {
			mu.Lock()
			seenUsers = append(seenUsers, snap.User.ID)
			mu.Unlock()
		}
	})

	store.Set(ctx, keystore.KeyAuthToken, "token-a")
	mgr.Start(ctx)
	time.Sleep(50 * time.Millisecond) // let the slow verification of A start
	store.Set(ctx, keystore.KeyAuthToken, "token-c")

	snap := waitStatus(t, mgr, StatusAuthenticated)
	if snap.User == nil || snap.User.ID != "c" {
		t.Fatalf("Expected user c, got %+v", snap.User)
	}

	// Give the stale verification time to resolve, then check it never
	// surfaced.
	time.Sleep(500 * time.Millisecond)
	if got := mgr.Current(); got.User == nil || got.User.ID != "c" {
		t.Errorf("Stale verification overwrote state: %+v", got.User)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range seenUsers {
		if id == "a" {
			t.Error("Observed a snapshot for the stale token's user")
		}
	}
}

// The minimum checking window overlaps verification; the total wait is the
// larger of the two, not their sum.
func TestManager_MinCheckingOverlapsVerification(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const verifyLatency = 150 * time.Millisecond
	const minChecking = 400 * time.Millisecond

	backend := newVerifyBackend()
	backend.allow("good", api.User{ID: "u1"}, verifyLatency)

	mgr, store := newTestManager(t, backend, minChecking)
	store.Set(ctx, keystore.KeyAuthToken, "good")

	start := time.Now()
	mgr.Start(ctx)
	waitStatus(t, mgr, StatusAuthenticated)
	elapsed := time.Since(start)

	if elapsed < minChecking {
		t.Errorf("Authenticated after %v, before the minimum checking window", elapsed)
	}
	if elapsed >= verifyLatency+minChecking {
		t.Errorf("Took %v; verification appears sequenced after the minimum window instead of overlapping it", elapsed)
	}
}

func TestManager_LoginTransitionsDirectlyToAuthenticated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newVerifyBackend()
	mgr, _ := newTestManager(t, backend, 0)
	mgr.Start(ctx)
	waitStatus(t, mgr, StatusUnauthenticated)

	var mu sync.Mutex
	var transitions []Status
	mgr.OnChange(func(snap Snapshot) {
		mu.Lock()
		transitions = append(transitions, snap.Status)
		mu.Unlock()
	})

	if err := mgr.Login(ctx, api.Credentials{Email: "ada@example.com", Password: "secret"}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	snap := waitStatus(t, mgr, StatusAuthenticated)
	if snap.User == nil || snap.User.Email != "ada@example.com" {
		t.Errorf("Expected logged-in user, got %+v", snap.User)
	}

	// The credentials were just validated; no checking phase may appear.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, status := range transitions {
		if status == StatusChecking {
			t.Error("Login passed through the checking state")
		}
	}
}

func TestManager_LoginFailurePropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, _ := newTestManager(t, newVerifyBackend(), 0)
	mgr.Start(ctx)
	waitStatus(t, mgr, StatusUnauthenticated)

	err := mgr.Login(ctx, api.Credentials{Email: "ada@example.com", Password: "wrong"})
	if !errors.Is(err, api.ErrUnauthenticated) {
		t.Errorf("Expected ErrUnauthenticated, got %v", err)
	}
	if got := mgr.Current().Status; got != StatusUnauthenticated {
		t.Errorf("Expected to remain unauthenticated, got %q", got)
	}
}

func TestManager_LogoutClearsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newVerifyBackend()
	backend.allow("good", api.User{ID: "u1"}, 0)

	mgr, store := newTestManager(t, backend, 0)
	store.Set(ctx, keystore.KeyAuthToken, "good")
	mgr.Start(ctx)
	waitStatus(t, mgr, StatusAuthenticated)

	mgr.Logout(ctx)

	snap := waitStatus(t, mgr, StatusUnauthenticated)
	if snap.User != nil {
		t.Errorf("Expected nil user after logout, got %+v", snap.User)
	}
	if _, err := store.Get(ctx, keystore.KeyAuthToken); !errors.Is(err, keystore.ErrNotFound) {
		t.Errorf("Expected token cleared after logout, got err=%v", err)
	}
}

func TestManager_UpdateUserKeepsStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newVerifyBackend()
	backend.allow("good", api.User{ID: "u1", FirstName: "Ada"}, 0)

	mgr, store := newTestManager(t, backend, 0)
	store.Set(ctx, keystore.KeyAuthToken, "good")
	mgr.Start(ctx)
	waitStatus(t, mgr, StatusAuthenticated)

	mgr.UpdateUser(&api.User{ID: "u1", FirstName: "Augusta"})

	snap := mgr.Current()
	if snap.Status != StatusAuthenticated {
		t.Errorf("Expected status unchanged, got %q", snap.Status)
	}
	if snap.User == nil || snap.User.FirstName != "Augusta" {
		t.Errorf("Expected updated profile, got %+v", snap.User)
	}
}

// A token written by another process (another tab) drives the same
// verification path as a local login.
func TestManager_ReactsToExternalTokenChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newVerifyBackend()
	backend.allow("external", api.User{ID: "u2", Email: "tab2@example.com"}, 0)

	mgr, store := newTestManager(t, backend, 0)
	mgr.Start(ctx)
	waitStatus(t, mgr, StatusUnauthenticated)

	store.Set(ctx, keystore.KeyAuthToken, "external")

	snap := waitStatus(t, mgr, StatusAuthenticated)
	if snap.User == nil || snap.User.ID != "u2" {
		t.Errorf("Expected externally logged-in user, got %+v", snap.User)
	}
}

// An unrecoverable refresh failure on any API call forces the session to
// logged-out without surfacing an error dialog path.
func TestManager_AuthFailureForcesLogout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newVerifyBackend()
	backend.allow("good", api.User{ID: "u1"}, 0)

	ts := httptest.NewServer(backend.handler())
	t.Cleanup(ts.Close)

	store := keystore.NewMemory()
	client, err := api.New(api.Config{
		BaseURL:    ts.URL,
		Keystore:   store,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := New(Config{Client: client, Keystore: store})
	if err != nil {
		t.Fatal(err)
	}

	store.Set(ctx, keystore.KeyAuthToken, "good")
	mgr.Start(ctx)
	waitStatus(t, mgr, StatusAuthenticated)

	// Invalidate the token server-side, then make a call on a protected
	// route; refresh fails, which must force logout via the signal.
	backend.mu.Lock()
	delete(backend.users, "good")
	backend.mu.Unlock()

	if _, err := client.ListAnalyses(ctx); !errors.Is(err, api.ErrRefreshFailed) {
		t.Fatalf("Expected ErrRefreshFailed, got %v", err)
	}

	snap := waitStatus(t, mgr, StatusUnauthenticated)
	if snap.User != nil {
		t.Errorf("Expected nil user after forced logout, got %+v", snap.User)
	}
}
