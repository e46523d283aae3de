package stub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/AmossDvir1/sourcely-go/internal/api"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

var stubModels = []api.Model{
	{ID: "swift-1", Name: "Swift", Description: "Fast summaries for small repositories"},
	{ID: "deep-1", Name: "Deep", Description: "Thorough architectural analysis"},
}

var stubSuggestions = []string{
	"What does this repository do?",
	"Where is the entry point?",
	"Which parts look hardest to maintain?",
}

func (s *Server) handlePrepareAnalysis(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GithubURL string `json:"githubUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GithubURL == "" {
		Error(w, http.StatusBadRequest, "githubUrl is required")
		return
	}

	JSON(w, http.StatusOK, api.PrepareResult{
		Extensions: []string{".go", ".md", ".mod"},
		RepoName:   repoName(req.GithubURL),
		Codebase:   "",
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, stubModels)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req api.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GithubURL == "" {
		Error(w, http.StatusBadRequest, "githubUrl is required")
		return
	}

	// Guests may analyze; the staged result is claimed on save.
	tempID := "tmp-" + uuid.NewString()
	content := fmt.Sprintf("## %s\n\nGenerated with model %q.\n\nThis repository appears to be a %s project.",
		repoName(req.GithubURL), req.ModelID, describeMask(req.IncludedExtensions))

	s.mu.Lock()
	s.staged[tempID] = api.Analysis{
		ID:              tempID,
		Name:            repoName(req.GithubURL),
		Repository:      req.GithubURL,
		ModelUsed:       req.ModelID,
		AnalysisContent: content,
		SourceCode:      "placeholder",
		AnalysisDate:    time.Now().UTC().Format(time.RFC3339),
	}
	s.mu.Unlock()

	JSON(w, http.StatusOK, api.AnalyzeResult{TempID: tempID})
}

func (s *Server) handleSaveAnalysis(w http.ResponseWriter, r *http.Request) {
	user, ok := s.bearerUser(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	var req api.SaveAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var record api.Analysis
	if req.TempID != "" {
		staged, ok := s.staged[req.TempID]
		if !ok {
			Error(w, http.StatusNotFound, "staged analysis not found")
			return
		}
		delete(s.staged, req.TempID)
		record = staged
		if req.Name != "" {
			record.Name = req.Name
		}
		record.Description = req.Description
	} else {
		record = api.Analysis{
			Name:            req.Name,
			Description:     req.Description,
			Repository:      req.Repository,
			ModelUsed:       req.ModelUsed,
			AnalysisContent: req.AnalysisContent,
			SourceCode:      req.SourceCode,
			AnalysisDate:    time.Now().UTC().Format(time.RFC3339),
		}
	}
	record.ID = uuid.NewString()
	record.UserID = user.ID
	s.saved[record.ID] = record

	JSON(w, http.StatusCreated, record)
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	record, ok := s.saved[id]
	if !ok {
		record, ok = s.staged[id]
	}
	s.mu.Unlock()

	if !ok {
		Error(w, http.StatusNotFound, "analysis not found")
		return
	}
	JSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteAnalysis(w http.ResponseWriter, r *http.Request) {
	user, ok := s.bearerUser(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	record, exists := s.saved[id]
	if exists && record.UserID == user.ID {
		delete(s.saved, id)
	}
	s.mu.Unlock()

	if !exists || record.UserID != user.ID {
		Error(w, http.StatusNotFound, "analysis not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	user, ok := s.bearerUser(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	s.mu.Lock()
	out := make([]api.Analysis, 0)
	for _, record := range s.saved {
		if record.UserID == user.ID {
			out = append(out, record)
		}
	}
	s.mu.Unlock()

	JSON(w, http.StatusOK, out)
}

func (s *Server) handlePrepareChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GithubURL string `json:"githubUrl"`
		Mode      string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GithubURL == "" {
		Error(w, http.StatusBadRequest, "githubUrl is required")
		return
	}

	id := "chat-" + uuid.NewString()
	s.mu.Lock()
	s.chats[id] = &chatState{
		pollsLeft:   s.preparingPolls,
		suggestions: stubSuggestions,
	}
	s.mu.Unlock()

	s.logger.Info("chat session prepared", "session_id", id, "repo", req.GithubURL, "mode", req.Mode)
	JSON(w, http.StatusOK, api.ChatPrepareResult{ChatSessionID: id})
}

func (s *Server) handleChatStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	if s.statusFailures > 0 {
		s.statusFailures--
		s.mu.Unlock()
		Error(w, http.StatusInternalServerError, "status check unavailable")
		return
	}
	state, ok := s.chats[id]
	if !ok {
		s.mu.Unlock()
		Error(w, http.StatusNotFound, "chat session not found")
		return
	}
	if state.failed {
		s.mu.Unlock()
		JSON(w, http.StatusOK, api.ChatStatusResult{Status: api.ChatStatusError})
		return
	}
	if state.pollsLeft > 0 {
		state.pollsLeft--
		s.mu.Unlock()
		JSON(w, http.StatusOK, api.ChatStatusResult{Status: api.ChatStatusPreparing})
		return
	}
	suggestions := state.suggestions
	s.mu.Unlock()

	JSON(w, http.StatusOK, api.ChatStatusResult{Status: api.ChatStatusReady, Suggestions: suggestions})
}

// handleChatSocket upgrades to WebSocket and streams bot replies. Inbound
// frames are plain-text user messages; each reply is written as a sequence
// of text fragments the client coalesces.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")

	s.mu.Lock()
	state, ok := s.chats[id]
	ready := ok && state.pollsLeft <= 0
	s.mu.Unlock()
	if !ready {
		http.Error(w, "chat session not ready", http.StatusConflict)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("failed to accept chat socket", "error", err, "session_id", id)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			s.logger.Debug("failed to close chat socket", "error", closeErr, "session_id", id)
		}
	}()

	ctx := r.Context()
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				s.logger.Debug("chat socket closed by client", "session_id", id)
			}
			return
		}

		for _, fragment := range s.ChatReply(string(message)) {
			if err := ws.Write(ctx, websocket.MessageText, []byte(fragment)); err != nil {
				s.logger.Warn("chat socket write failed", "error", err, "session_id", id)
				return
			}
		}
	}
}

// defaultChatReply echoes the question back in three fragments.
func defaultChatReply(message string) []string {
	return []string{"You asked: ", message, ". The stub backend has no real answer."}
}

func repoName(githubURL string) string {
	trimmed := strings.TrimRight(githubURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return strings.TrimSuffix(trimmed, ".git")
}

func describeMask(extensions []string) string {
	if len(extensions) == 0 {
		return "mixed-language"
	}
	return strings.Join(extensions, "/")
}
