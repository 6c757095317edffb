package models

// Action names of the broker message interface
const (
	ActionBackgroundLogin = "backgroundLogin"
	ActionStatusUpdate    = "statusUpdate"
	ActionLoginSuccess    = "loginSuccess"
	ActionGetStatus       = "getStatus"
	ActionStatusChanged   = "statusChanged"
)

// TriggerPassiveDetection marks login requests raised by a monitor
const TriggerPassiveDetection = "passive-detection"

// ManualTriggerURL is the currentUrl the popup sends with manual requests
const ManualTriggerURL = "popup-manual-trigger"

// BrokerMethod is the method tag reported by getStatus
const BrokerMethod = "enhanced-background-v2.1"

// Message is a request to the broker
type Message struct {
	Action     string   `json:"action"`
	CurrentURL string   `json:"currentUrl,omitempty"`
	Trigger    string   `json:"trigger,omitempty"`
	Priority   Priority `json:"priority,omitempty"`
	Manual     bool     `json:"manual,omitempty"`
	Status     string   `json:"status,omitempty"`
	TabID      string   `json:"tabId,omitempty"`
}

// Sender identifies where a message came from
type Sender struct {
	TabID string // Tab or page id of the sender, empty for the popup and CLI
	URL   string
}

// Response is the broker's reply to a Message
type Response struct {
	Success           bool   `json:"success"`
	Message           string `json:"message,omitempty"`
	Method            string `json:"method,omitempty"`
	LoginTabID        string `json:"loginTabId,omitempty"`
	CooldownRemaining int    `json:"cooldownRemaining,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Badge is the global indicator text/color pair
type Badge struct {
	Text  string `json:"text"`
	Color string `json:"color"`
}

// BrokerStatus is the getStatus diagnostic snapshot
type BrokerStatus struct {
	Success             bool   `json:"success"`
	LastLoginAttempt    int64  `json:"lastLoginAttempt"` // Unix milliseconds, 0 when never
	BackgroundLoginTabs int    `json:"backgroundLoginTabs"`
	Method              string `json:"method"`
	IsActive            bool   `json:"isActive"`
	StartTime           int64  `json:"startTime"`
	Status              Status `json:"status"`
	Badge               Badge  `json:"badge"`
}

// Broadcast is pushed to every listening context
type Broadcast struct {
	Action string `json:"action"`
	Status Status `json:"status,omitempty"`
	Badge  *Badge `json:"badge,omitempty"`
}
