// Package chat implements the repository-chat protocol client: a two-phase
// bridge from asynchronous server-side indexing (status polling) into a
// bidirectional streaming conversation over WebSocket.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/AmossDvir1/sourcely-go/internal/api"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrIndexingFailed is returned when the backend reports a terminal error
// for the indexing phase, or the polling failure budget is exhausted.
var ErrIndexingFailed = errors.New("chat: repository indexing failed")

// IndexingStatus is the server-side indexing state of a chat session.
type IndexingStatus string

const (
	StatusPreparing IndexingStatus = "preparing"
	StatusReady     IndexingStatus = "ready"
	StatusError     IndexingStatus = "error"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is one chat message. Consecutive bot fragments coalesce into a
// single message; a new message starts only when the sender role changes.
type Message struct {
	ID     string
	Text   string
	Sender Sender
}

// Config holds chat session configuration.
type Config struct {
	Client *api.Client

	// BaseURL is the backend root used for the WebSocket dial. The ws://
	// or wss:// scheme is derived from it.
	BaseURL string

	// PollInterval is the indexing-status polling period. Zero means 800ms.
	PollInterval time.Duration

	// PollFailureBudget is how many consecutive poll failures are tolerated
	// before the session is declared failed. Zero means 3; set 1 to fail on
	// the first error.
	PollFailureBudget int

	Logger *slog.Logger
}

// Session is one repository-indexing-then-chat conversation.
type Session struct {
	client       *api.Client
	baseURL      string
	pollInterval time.Duration
	pollBudget   int
	logger       *slog.Logger

	mu          sync.Mutex
	id          string
	status      IndexingStatus
	suggestions []string
	messages    []Message
	connected   bool
	conn        *websocket.Conn
	readCancel  context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
	updates   chan struct{}
}

// New creates a chat session client. Call Prepare, then WaitReady, then
// Connect; Close must be called on disposal.
func New(cfg Config) (*Session, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("chat: Client is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chat: BaseURL is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 800 * time.Millisecond
	}
	if cfg.PollFailureBudget == 0 {
		cfg.PollFailureBudget = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Session{
		client:       cfg.Client,
		baseURL:      cfg.BaseURL,
		pollInterval: cfg.PollInterval,
		pollBudget:   cfg.PollFailureBudget,
		logger:       cfg.Logger,
		status:       StatusPreparing,
		closed:       make(chan struct{}),
		updates:      make(chan struct{}, 1),
	}, nil
}

// Prepare requests indexing for repoURL and records the issued session ID.
func (s *Session) Prepare(ctx context.Context, repoURL, mode string) error {
	res, err := s.client.PrepareChat(ctx, repoURL, mode)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.id = res.ChatSessionID
	s.status = StatusPreparing
	s.mu.Unlock()
	s.notify()
	return nil
}

// ID returns the server-issued chat session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// WaitReady polls the indexing status until it is ready (nil) or failed
// (ErrIndexingFailed). Polling stops immediately on either terminal state,
// on ctx cancellation, or when the session is closed.
func (s *Session) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	if id == "" {
		return fmt.Errorf("chat: session not prepared")
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return fmt.Errorf("chat: session closed")
		case <-ticker.C:
		}

		res, err := s.client.ChatStatus(ctx, id)
		if err != nil {
			failures++
			s.logger.Warn("chat status poll failed", "session_id", id, "attempt", failures, "error", err)
			if failures >= s.pollBudget {
				s.setStatus(StatusError, nil)
				return fmt.Errorf("%w: %v", ErrIndexingFailed, err)
			}
			continue
		}
		failures = 0

		switch res.Status {
		case api.ChatStatusReady:
			s.setStatus(StatusReady, res.Suggestions)
			return nil
		case api.ChatStatusError:
			s.setStatus(StatusError, nil)
			return ErrIndexingFailed
		}
	}
}

// Connect opens the streaming channel. Only valid once indexing is ready.
// Incoming bot fragments are appended to the message list until the
// connection drops or the session is closed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusReady {
		s.mu.Unlock()
		return fmt.Errorf("chat: cannot connect while indexing is %q", s.status)
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	id := s.id
	s.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, s.socketURL(id), nil)
	if err != nil {
		return fmt.Errorf("chat: dial streaming channel: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.readCancel = cancel
	s.mu.Unlock()
	s.notify()

	go s.readLoop(readCtx, conn)
	return nil
}

// Send appends an optimistic user message and transmits it. It reports
// whether the message was sent: blank input, an unready session, or a
// disconnected channel make it a no-op.
func (s *Session) Send(ctx context.Context, text string) bool {
	if text == "" {
		return false
	}

	s.mu.Lock()
	if s.status != StatusReady || !s.connected || s.conn == nil {
		s.mu.Unlock()
		return false
	}
	conn := s.conn
	s.messages = append(s.messages, Message{
		ID:     uuid.NewString(),
		Text:   text,
		Sender: SenderUser,
	})
	s.mu.Unlock()
	s.notify()

	if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		s.logger.Warn("chat send failed", "error", err)
		s.markDisconnected()
		return false
	}
	return true
}

// Messages returns a copy of the conversation so far.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Suggestions returns the server-suggested prompts. Empty until ready.
func (s *Session) Suggestions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.suggestions))
	copy(out, s.suggestions)
	return out
}

// Status returns the indexing status.
func (s *Session) Status() IndexingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Connected reports whether the streaming channel is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Updates signals (coalesced) whenever messages, status, or connection
// state change. Consumers re-read the accessors on each signal.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Close tears the session down: the polling loop stops and the streaming
// channel is closed. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		conn := s.conn
		cancel := s.readCancel
		s.conn = nil
		s.connected = false
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "session ended")
		}
	})
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				s.logger.Debug("chat channel closed by server")
			} else if ctx.Err() == nil {
				s.logger.Warn("chat channel read error", "error", err)
			}
			s.markDisconnected()
			return
		}
		s.appendBotFragment(string(data))
	}
}

// appendBotFragment applies the coalescing rule: a fragment extends the
// most recent bot message; a new bot message starts only after a user turn.
func (s *Session) appendBotFragment(fragment string) {
	s.mu.Lock()
	if n := len(s.messages); n > 0 && s.messages[n-1].Sender == SenderBot {
		s.messages[n-1].Text += fragment
	} else {
		s.messages = append(s.messages, Message{
			ID:     uuid.NewString(),
			Text:   fragment,
			Sender: SenderBot,
		})
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) setStatus(status IndexingStatus, suggestions []string) {
	s.mu.Lock()
	s.status = status
	if suggestions != nil {
		s.suggestions = suggestions
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	changed := s.connected
	s.connected = false
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) socketURL(id string) string {
	return s.baseURL + "/ws/chat?sessionId=" + url.QueryEscape(id)
}
