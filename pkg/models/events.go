package models

// EventType names a push notification
type EventType string

const (
	EventSessionStarted EventType = "session-started"
	EventSessionEnded   EventType = "session-ended"
	EventFileUploaded   EventType = "file-uploaded"
	EventFileDeleted    EventType = "file-deleted"
	EventCurrentStatus  EventType = "current-session-status"
)

// Event is a lifecycle or queue change broadcast to observers.
// Fields are populated according to Type.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	UploadURL string         `json:"uploadUrl,omitempty"`
	File      *FileRecord    `json:"file,omitempty"`
	FileID    string         `json:"fileId,omitempty"`
	Reason    RemovalReason  `json:"reason,omitempty"`
	Status    *SessionStatus `json:"status,omitempty"`
}
