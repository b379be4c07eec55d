package models

import "time"

// SessionState represents the lifecycle state of the print session
type SessionState string

const (
	StateIdle         SessionState = "IDLE"
	StateProvisioning SessionState = "PROVISIONING"
	StateActive       SessionState = "ACTIVE"
	StateEnding       SessionState = "ENDING"
)

// Session represents the single operator-initiated print session
type Session struct {
	ID        string       `json:"id"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"createdAt"`
	UploadURL string       `json:"uploadUrl"`
	Sandbox   *Sandbox     `json:"-"`
}

// Sandbox is the isolated container backing one session
type Sandbox struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Image        string    `json:"image"`
	Running      bool      `json:"running"`
	PrintAddress string    `json:"printAddress,omitempty"` // host:port of the sandbox CUPS daemon
	CreatedAt    time.Time `json:"createdAt"`
}

// StartSessionResponse is returned by POST /start-session
type StartSessionResponse struct {
	SessionID string `json:"sessionId"`
	UploadURL string `json:"uploadUrl"`
}

// SessionStatus is the synchronous snapshot served to late joiners
type SessionStatus struct {
	Active    bool          `json:"active"`
	State     SessionState  `json:"state"`
	SessionID string        `json:"sessionId,omitempty"`
	Files     []*FileRecord `json:"files"`
}
