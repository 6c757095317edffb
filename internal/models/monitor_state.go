package models

import "time"

// MonitorState is a point-in-time view of one connectivity monitor
type MonitorState struct {
	IsActive      bool       `json:"isActive"`
	Status        Status     `json:"status"`
	FailureStreak int        `json:"failures"`
	LastCheck     *time.Time `json:"lastCheck"`
}
