// Package relay drives one upstream call from connect to terminal event.
package relay

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chat-gateway/internal/models"
)

// State is a StreamSession lifecycle state.
type State string

const (
	StatePending           State = "pending"
	StateHeadersReceived   State = "headers_received"
	StateRelaying          State = "relaying"
	StateErrorAccumulating State = "error_accumulating"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateTimedOut          State = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// Outcome classifies a finished call for usage reporting.
type Outcome string

const (
	OutcomeCompleted          Outcome = "completed"
	OutcomeFailed             Outcome = "failed"
	OutcomeTimedOut           Outcome = "timed_out"
	OutcomeClientDisconnected Outcome = "client_disconnected"
)

// ErrorKind names a client-visible failure.
type ErrorKind string

const (
	KindInvalidRequest  ErrorKind = "invalid_request_error"
	KindConnectFailed   ErrorKind = "upstream_connect_failed"
	KindUpstreamHTTP    ErrorKind = "upstream_error"
	KindTruncated       ErrorKind = "upstream_truncated"
	KindIdleTimeout     ErrorKind = "idle_timeout"
	KindResponseInvalid ErrorKind = "upstream_invalid_response"
)

// Error is a failure surfaced to the client exactly once.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

func newError(kind ErrorKind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

// upstreamStatus mirrors 4xx/5xx statuses and maps anything else to 502.
func upstreamStatus(status int) int {
	if status >= 400 && status <= 599 {
		return status
	}
	return http.StatusBadGateway
}

// Session is the live state of one relay. It is owned by a single Run call
// and never shared.
type Session struct {
	ID           string
	Target       models.ProviderTarget
	State        State
	Status       int
	ErrorBuffer  []byte
	LastActivity time.Time

	maxErrorBytes int
	truncatedErr  bool
}

func newSession(target models.ProviderTarget, maxErrorBytes int, now time.Time) *Session {
	return &Session{
		ID:            uuid.NewString(),
		Target:        target,
		State:         StatePending,
		LastActivity:  now,
		maxErrorBytes: maxErrorBytes,
	}
}

func (s *Session) transition(to State) {
	if s.State == to || s.State.Terminal() {
		return
	}
	log.Debug().
		Str("session_id", s.ID).
		Str("provider", string(s.Target.ProviderID)).
		Str("from", string(s.State)).
		Str("state", string(to)).
		Msg("relay transition")
	s.State = to
}

// accumulate appends an error body fragment verbatim up to the cap.
func (s *Session) accumulate(fragment []byte) {
	room := s.maxErrorBytes - len(s.ErrorBuffer)
	if room <= 0 {
		s.truncatedErr = true
		return
	}
	if len(fragment) > room {
		fragment = fragment[:room]
		s.truncatedErr = true
	}
	s.ErrorBuffer = append(s.ErrorBuffer, fragment...)
}
