package models

import (
	"errors"
	"fmt"
	"sync"
)

// Status is the connectivity status shared by monitors and the broker
type Status string

const (
	StatusStarting             Status = "starting"
	StatusMonitoring           Status = "monitoring"
	StatusConnected            Status = "connected"
	StatusDisconnected         Status = "disconnected"
	StatusLoggingIn            Status = "logging-in"
	StatusLoginRequested       Status = "login-requested"
	StatusLoginRequestFailed   Status = "login-request-failed"
	StatusExtensionInvalidated Status = "extension-invalidated"
	StatusError                Status = "error"
)

// ErrInvalidTransition is returned when a status move is not declared in the transition table
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions declares every allowed move. Self-transitions are always allowed.
var transitions = map[Status][]Status{
	StatusStarting:             {StatusMonitoring, StatusConnected, StatusDisconnected, StatusLoggingIn, StatusExtensionInvalidated},
	StatusMonitoring:           {StatusConnected, StatusDisconnected, StatusLoggingIn, StatusExtensionInvalidated},
	StatusConnected:            {StatusMonitoring, StatusDisconnected, StatusLoggingIn, StatusExtensionInvalidated},
	StatusDisconnected:         {StatusConnected, StatusLoggingIn, StatusExtensionInvalidated},
	StatusLoggingIn:            {StatusLoginRequested, StatusLoginRequestFailed, StatusConnected, StatusDisconnected, StatusError, StatusExtensionInvalidated},
	StatusLoginRequested:       {StatusConnected, StatusDisconnected, StatusLoggingIn, StatusLoginRequestFailed},
	StatusLoginRequestFailed:   {StatusConnected, StatusDisconnected, StatusLoggingIn},
	StatusError:                {StatusMonitoring, StatusConnected, StatusDisconnected, StatusLoggingIn},
	StatusExtensionInvalidated: {StatusStarting, StatusMonitoring},
}

// ParseStatus converts a wire string into a Status
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := transitions[status]; !ok {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return status, nil
}

// CanTransition reports whether moving from s to next is declared
func (s Status) CanTransition(next Status) bool {
	if s == next {
		_, known := transitions[s]
		return known
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// StateMachine holds a current status and only moves along declared transitions.
// Safe for concurrent use.
type StateMachine struct {
	mu      sync.Mutex
	current Status
}

// NewStateMachine creates a machine at the given initial status
func NewStateMachine(initial Status) *StateMachine {
	return &StateMachine{current: initial}
}

// Current returns the current status
func (m *StateMachine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves to next. changed is false for a self-transition.
// An undeclared move leaves the state untouched and returns ErrInvalidTransition.
func (m *StateMachine) Transition(next Status) (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current.CanTransition(next) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.current, next)
	}
	changed = m.current != next
	m.current = next
	return changed, nil
}

// Reset forces the machine to a status regardless of the table.
// Used on process start and after a reload.
func (m *StateMachine) Reset(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = status
}
