// Package stub implements an in-process Sourcely backend speaking the same
// wire contract as the real service: versioned REST endpoints, cookie-based
// token refresh, and a WebSocket chat channel. The CLI's stub command runs
// it for local development and the SDK's integration tests run against it.
package stub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/AmossDvir1/sourcely-go/internal/api"
	"github.com/AmossDvir1/sourcely-go/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// RefreshCookieName is the http-only cookie carrying the refresh credential.
const RefreshCookieName = "sourcely_refresh"

type account struct {
	user     api.User
	password string
}

type chatState struct {
	pollsLeft   int
	failed      bool
	suggestions []string
}

// Server is the stub backend. The zero value is not usable; call New.
type Server struct {
	logger *slog.Logger

	mu             sync.Mutex
	accounts       map[string]*account // keyed by email
	accountsByID   map[string]*account
	access         map[string]string // access token -> user ID
	refreshTokens  map[string]string // refresh cookie value -> user ID
	staged         map[string]api.Analysis
	saved          map[string]api.Analysis
	chats          map[string]*chatState
	preparingPolls int
	failRefresh    bool
	statusFailures int
	refreshCalls   int

	// ChatReply maps an inbound chat message to the bot-response fragments
	// streamed back. Replaceable in tests.
	ChatReply func(message string) []string
}

// New creates a stub backend with an empty account table.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:         logger,
		accounts:       make(map[string]*account),
		accountsByID:   make(map[string]*account),
		access:         make(map[string]string),
		refreshTokens:  make(map[string]string),
		staged:         make(map[string]api.Analysis),
		saved:          make(map[string]api.Analysis),
		chats:          make(map[string]*chatState),
		preparingPolls: 2,
		ChatReply:      defaultChatReply,
	}
}

// SeedAccount registers an account directly, bypassing the register
// endpoint. Returns the created user.
func (s *Server) SeedAccount(email, password, firstName, lastName string) api.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := &account{
		user: api.User{
			ID:        uuid.NewString(),
			Email:     email,
			FirstName: firstName,
			LastName:  lastName,
		},
		password: password,
	}
	s.accounts[email] = acc
	s.accountsByID[acc.user.ID] = acc
	return acc.user
}

// SetPreparingPolls sets how many "preparing" responses a chat session
// returns before flipping to "ready".
func (s *Server) SetPreparingPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preparingPolls = n
}

// SetFailRefresh makes the refresh endpoint reject every call when on.
func (s *Server) SetFailRefresh(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = on
}

// FailChat marks a chat session's indexing as terminally failed.
func (s *Server) FailChat(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.chats[id]; ok {
		state.failed = true
	}
}

// FailNextStatusPolls makes the next n chat-status polls return HTTP 500.
func (s *Server) FailNextStatusPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFailures = n
}

// ExpireAccessTokens invalidates every issued access token while leaving
// refresh cookies valid, simulating expiry.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

// RefreshCalls returns how many times the refresh endpoint was hit.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// Handler returns the stub's HTTP handler. The refresh endpoint lives at
// the root, outside the versioned API prefix, exactly like the real backend.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	r.Post("/auth/refresh", s.handleRefresh)
	r.Get("/ws/chat", s.handleChatSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/register", s.handleRegister)
		r.Get("/auth/verify", s.handleVerify)
		r.Post("/auth/logout", s.handleLogout)
		r.Put("/auth/users/me", s.handleUpdateProfile)

		r.Route("/code", func(r chi.Router) {
			r.Post("/prepare-analysis", s.handlePrepareAnalysis)
			r.Get("/models", s.handleModels)
			r.Post("/analyze", s.handleAnalyze)
			r.Get("/analyses", s.handleListAnalyses)
			r.Post("/analyses", s.handleSaveAnalysis)
			r.Get("/analyses/{id}", s.handleGetAnalysis)
			r.Delete("/analyses/{id}", s.handleDeleteAnalysis)
			r.Post("/chat/prepare", s.handlePrepareChat)
			r.Get("/chat/status/{id}", s.handleChatStatus)
		})
	})

	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds api.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	acc, ok := s.accounts[creds.Email]
	if !ok || acc.password != creds.Password {
		s.mu.Unlock()
		Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	accessToken, refreshToken := s.issueLocked(acc.user.ID)
	user := acc.user
	s.mu.Unlock()

	s.setRefreshCookie(w, refreshToken)
	JSON(w, http.StatusOK, api.LoginResult{AccessToken: accessToken, User: user})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg api.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if reg.Email == "" || reg.Password == "" {
		Error(w, http.StatusBadRequest, "email and password are required")
		return
	}

	s.mu.Lock()
	if _, exists := s.accounts[reg.Email]; exists {
		s.mu.Unlock()
		Error(w, http.StatusConflict, "account already exists")
		return
	}
	acc := &account{
		user: api.User{
			ID:        uuid.NewString(),
			Email:     reg.Email,
			FirstName: reg.FirstName,
			LastName:  reg.LastName,
		},
		password: reg.Password,
	}
	s.accounts[reg.Email] = acc
	s.accountsByID[acc.user.ID] = acc
	user := acc.user
	s.mu.Unlock()

	JSON(w, http.StatusCreated, user)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	user, ok := s.bearerUser(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	JSON(w, http.StatusOK, user)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.refreshCalls++
	if s.failRefresh {
		s.mu.Unlock()
		Error(w, http.StatusUnauthorized, "refresh token invalid")
		return
	}

	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil {
		s.mu.Unlock()
		Error(w, http.StatusUnauthorized, "missing refresh cookie")
		return
	}
	userID, ok := s.refreshTokens[cookie.Value]
	if !ok {
		s.mu.Unlock()
		Error(w, http.StatusUnauthorized, "refresh token invalid")
		return
	}

	accessToken := "acc-" + uuid.NewString()
	s.access[accessToken] = userID
	s.mu.Unlock()

	JSON(w, http.StatusOK, map[string]string{"access_token": accessToken})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if token := bearerToken(r); token != "" {
		delete(s.access, token)
	}
	if cookie, err := r.Cookie(RefreshCookieName); err == nil {
		delete(s.refreshTokens, cookie.Value)
	}
	s.mu.Unlock()

	JSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := s.bearerUser(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	var update api.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	acc := s.accountsByID[user.ID]
	acc.user.FirstName = update.FirstName
	acc.user.LastName = update.LastName
	updated := acc.user
	s.mu.Unlock()

	JSON(w, http.StatusOK, updated)
}

// issueLocked mints an access token and a refresh credential for userID.
func (s *Server) issueLocked(userID string) (accessToken, refreshToken string) {
	accessToken = "acc-" + uuid.NewString()
	refreshToken = "ref-" + uuid.NewString()
	s.access[accessToken] = userID
	s.refreshTokens[refreshToken] = userID
	return accessToken, refreshToken
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// bearerUser resolves the request's bearer token to a user.
func (s *Server) bearerUser(r *http.Request) (api.User, bool) {
	token := bearerToken(r)
	if token == "" {
		return api.User{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.access[token]
	if !ok {
		return api.User{}, false
	}
	acc, ok := s.accountsByID[userID]
	if !ok {
		return api.User{}, false
	}
	return acc.user, true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}
