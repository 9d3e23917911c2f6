package qrlogin

import (
	"context"
	"sync"
	"time"

	"github.com/pysugar/bililink/internal/db"
)

// State is a login session's position in the QR flow.
type State string

const (
	StateIdle            State = "IDLE"
	StateAwaitingScan    State = "AWAITING_SCAN"
	StateAwaitingConfirm State = "AWAITING_CONFIRM"
	StateResolving       State = "RESOLVING"
	StateDone            State = "DONE"
	StateExpired         State = "EXPIRED"
	StateCancelled       State = "CANCELLED"
	StateFailed          State = "FAILED"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateExpired, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// Session is one in-flight QR login for a local identity. Only the manager
// mutates it.
type Session struct {
	ID          string
	Identity    string
	DisplayName string
	QRURL       string
	QRKey       string
	CreatedAt   time.Time
	ExpireAt    time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	state       State
	accountID   int64
	accountName string
	bindResult  db.BindResult
	message     string
}

// Snapshot is a copy of a session's visible fields.
type Snapshot struct {
	SessionID   string        `json:"session_id"`
	Identity    string        `json:"identity"`
	State       State         `json:"state"`
	QRURL       string        `json:"qr_url,omitempty"`
	QRKey       string        `json:"qrcode_key,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpireAt    time.Time     `json:"expire_at"`
	AccountID   int64         `json:"account_id,omitempty"`
	AccountName string        `json:"account_name,omitempty"`
	BindResult  db.BindResult `json:"bind_result,omitempty"`
	Message     string        `json:"message,omitempty"`
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:   s.ID,
		Identity:    s.Identity,
		State:       s.state,
		QRURL:       s.QRURL,
		QRKey:       s.QRKey,
		CreatedAt:   s.CreatedAt,
		ExpireAt:    s.ExpireAt,
		AccountID:   s.accountID,
		AccountName: s.accountName,
		BindResult:  s.bindResult,
		Message:     s.message,
	}
}

// advance moves a live session to a non-terminal state. It returns false
// once the session is terminal.
func (s *Session) advance(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = to
	return true
}

// terminate moves the session to a terminal state exactly once.
func (s *Session) terminate(to State, message string) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.message = message
	s.mu.Unlock()
	close(s.done)
	return true
}

func (s *Session) setAccount(id int64, name string) {
	s.mu.Lock()
	s.accountID, s.accountName = id, name
	s.mu.Unlock()
}

func (s *Session) setBindResult(r db.BindResult) {
	s.mu.Lock()
	s.bindResult = r
	s.mu.Unlock()
}
