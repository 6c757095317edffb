package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus("logging-in")
	require.NoError(t, err)
	assert.Equal(t, StatusLoggingIn, status)

	_, err = ParseStatus("on-fire")
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusMonitoring, StatusDisconnected, true},
		{StatusDisconnected, StatusLoggingIn, true},
		{StatusLoggingIn, StatusLoginRequested, true},
		{StatusLoginRequested, StatusConnected, true},
		{StatusConnected, StatusConnected, true},
		// A late login-requested after the network recovered is stale
		{StatusConnected, StatusLoginRequested, false},
		{StatusMonitoring, StatusLoginRequested, false},
		{StatusDisconnected, StatusLoginRequestFailed, false},
		{StatusExtensionInvalidated, StatusConnected, false},
		{Status("bogus"), Status("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStateMachine_PassiveDetectionSequence(t *testing.T) {
	m := NewStateMachine(StatusStarting)

	sequence := []Status{
		StatusMonitoring,
		StatusDisconnected,
		StatusDisconnected,
		StatusLoggingIn,
		StatusLoginRequested,
		StatusConnected,
	}
	for _, next := range sequence {
		_, err := m.Transition(next)
		require.NoError(t, err, "transition to %s", next)
	}
	assert.Equal(t, StatusConnected, m.Current())
}

func TestStateMachine_RejectsUndeclared(t *testing.T) {
	m := NewStateMachine(StatusConnected)

	changed, err := m.Transition(StatusLoginRequested)
	assert.False(t, changed)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusConnected, m.Current())

	changed, err = m.Transition(StatusConnected)
	require.NoError(t, err)
	assert.False(t, changed)

	m.Reset(StatusMonitoring)
	assert.Equal(t, StatusMonitoring, m.Current())
}

func TestCredentialsComplete(t *testing.T) {
	assert.True(t, Credentials{Username: "guest", Password: "secret"}.Complete())
	assert.False(t, Credentials{Username: "guest"}.Complete())
	assert.False(t, Credentials{Password: "secret"}.Complete())
}
