// ABOUTME: Conversation session owning turn-scoped identity and the message log
// ABOUTME: Enforces single-flight turns, credit accounting, and first-write-wins session ids

package conversation

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Turn rejection reasons
var (
	ErrBusy         = errors.New("a turn is already in flight")
	ErrNoCredits    = errors.New("no credits remaining")
	ErrEmptyMessage = errors.New("message is empty")
)

// Role identifies who a message is attributed to.
type Role string

const (
	RoleUser        Role = "user"
	RoleAgent       Role = "agent"
	RoleAgentAction Role = "agent_action"
	RoleThinking    Role = "thinking"
)

// Message is one entry in the append-only conversation log.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Icon      string    `json:"icon,omitempty"`
}

// Draft is a message that has not been appended yet.
type Draft struct {
	Role    Role
	Content string
	Icon    string
}

// HistoryEntry is the role/content pair sent to the agent backend.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn is the handle returned by StartTurn.
type Turn struct {
	ID        string
	UserText  string
	SessionID string // empty when the backend has not assigned one yet
	History   []HistoryEntry
}

// UpdateKind classifies a published session change.
type UpdateKind string

const (
	UpdateMessage   UpdateKind = "message"
	UpdateState     UpdateKind = "state"
	UpdateSessionID UpdateKind = "session_id"
	UpdateReset     UpdateKind = "reset"
)

// Update describes one change to the session, for UI fan-out.
type Update struct {
	Kind      UpdateKind `json:"kind"`
	Message   *Message   `json:"message,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Busy      bool       `json:"busy"`
	Credits   int        `json:"credits"`
}

// Publisher receives session updates.
type Publisher interface {
	Publish(Update) int
}

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	SessionID string    `json:"session_id,omitempty"`
	Busy      bool      `json:"busy"`
	Credits   int       `json:"credits"`
	Messages  []Message `json:"messages"`
}

// Session holds the state of one conversation. All mutations are expected
// to come from a single dispatch loop; the mutex only makes snapshots safe
// to take from other goroutines.
type Session struct {
	mu        sync.RWMutex
	sessionID string
	messages  []Message
	busy      bool
	credits   int
	seq       uint64

	publisher Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithPublisher sends every update to p.
func WithPublisher(p Publisher) Option {
	return func(s *Session) { s.publisher = p }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSession creates a session with the given starting credits.
func NewSession(credits int, opts ...Option) *Session {
	if credits < 0 {
		credits = 0
	}
	s := &Session{
		credits: credits,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "conversation")
	return s
}

// StartTurn opens a turn for userText. A rejected turn changes nothing.
// On accept the user message is appended, busy is set, and one credit is spent.
func (s *Session) StartTurn(userText string) (*Turn, error) {
	s.mu.Lock()

	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	if s.credits == 0 {
		s.mu.Unlock()
		return nil, ErrNoCredits
	}
	if strings.TrimSpace(userText) == "" {
		s.mu.Unlock()
		return nil, ErrEmptyMessage
	}

	history := make([]HistoryEntry, 0, len(s.messages))
	for _, m := range s.messages {
		history = append(history, HistoryEntry{Role: string(m.Role), Content: m.Content})
	}

	turn := &Turn{
		ID:        uuid.New().String(),
		UserText:  userText,
		SessionID: s.sessionID,
		History:   history,
	}

	msg := s.appendLocked(Draft{Role: RoleUser, Content: userText})
	s.busy = true
	s.credits--
	if s.credits < 0 {
		s.credits = 0
	}
	state := s.stateLocked(UpdateState)
	s.mu.Unlock()

	s.logger.Debug("turn started", "turn_id", turn.ID, "credits", state.Credits)
	s.publish(Update{Kind: UpdateMessage, Message: &msg, Busy: true, Credits: state.Credits})
	s.publish(state)
	return turn, nil
}

// EndTurn clears the busy flag. It is safe to call more than once.
func (s *Session) EndTurn() {
	s.mu.Lock()
	wasBusy := s.busy
	s.busy = false
	state := s.stateLocked(UpdateState)
	s.mu.Unlock()

	if wasBusy {
		s.publish(state)
	}
}

// Reset discards the session id and the message log. Callers must not reset
// while a turn is in flight. Message ids keep counting so none is reused.
func (s *Session) Reset() {
	s.mu.Lock()
	s.sessionID = ""
	s.messages = nil
	state := s.stateLocked(UpdateReset)
	s.mu.Unlock()

	s.logger.Info("conversation reset")
	s.publish(state)
}

// AdoptSessionID records id if the session has none. It reports whether id
// was adopted; an already-set id is never overwritten.
func (s *Session) AdoptSessionID(id string) bool {
	if id == "" {
		return false
	}

	s.mu.Lock()
	if s.sessionID != "" {
		current := s.sessionID
		s.mu.Unlock()
		if current != id {
			s.logger.Debug("ignoring different session id", "current", current, "offered", id)
		}
		return false
	}
	s.sessionID = id
	state := s.stateLocked(UpdateSessionID)
	s.mu.Unlock()

	s.logger.Info("session id stored", "session_id", id)
	s.publish(state)
	return true
}

// Append adds a message to the log and returns it.
func (s *Session) Append(d Draft) Message {
	s.mu.Lock()
	msg := s.appendLocked(d)
	busy, credits := s.busy, s.credits
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateMessage, Message: &msg, Busy: busy, Credits: credits})
	return msg
}

// SessionID returns the backend-assigned id and whether one is set.
func (s *Session) SessionID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID, s.sessionID != ""
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy
}

// Credits returns the remaining credit count.
func (s *Session) Credits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credits
}

// Messages returns a copy of the log in insertion order.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Snapshot returns a copy of the full session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	return Snapshot{
		SessionID: s.sessionID,
		Busy:      s.busy,
		Credits:   s.credits,
		Messages:  msgs,
	}
}

// appendLocked must be called with mu held.
func (s *Session) appendLocked(d Draft) Message {
	s.seq++
	msg := Message{
		ID:        "msg-" + strconv.FormatUint(s.seq, 10),
		Role:      d.Role,
		Content:   d.Content,
		CreatedAt: s.now(),
		Icon:      d.Icon,
	}
	s.messages = append(s.messages, msg)
	return msg
}

// stateLocked must be called with mu held.
func (s *Session) stateLocked(kind UpdateKind) Update {
	return Update{
		Kind:      kind,
		SessionID: s.sessionID,
		Busy:      s.busy,
		Credits:   s.credits,
	}
}

func (s *Session) publish(u Update) {
	if s.publisher != nil {
		s.publisher.Publish(u)
	}
}
