package models

import "time"

// LoginTabStatus tracks the progress of a hidden login tab
type LoginTabStatus string

const (
	LoginTabCreated LoginTabStatus = "created"
	LoginTabSuccess LoginTabStatus = "success"
)

// Priority of a login request
type Priority string

const (
	PriorityNormal  Priority = "normal"
	PriorityInstant Priority = "instant"
)

// LoginTab is the broker's record of one pending background login
type LoginTab struct {
	TabID         string         `json:"tabId"`
	OriginalTabID string         `json:"originalTabId,omitempty"` // Requesting page, empty for the popup
	CreatedAt     time.Time      `json:"createdAt"`
	Status        LoginTabStatus `json:"status"`
	Priority      Priority       `json:"priority"`
	Trigger       string         `json:"trigger,omitempty"`
}

// Age returns how long the tab has been tracked at the given instant
func (t *LoginTab) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}
