package models

import (
	"fmt"
	"time"
)

// RemovalReason records which path took a file out of the queue
type RemovalReason string

const (
	ReasonExpired    RemovalReason = "expired"
	ReasonPrinted    RemovalReason = "printed"
	ReasonSessionEnd RemovalReason = "session-ended"
)

// FileRecord is an uploaded document waiting to be printed or purged
type FileRecord struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	StoredName   string    `json:"storedName"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	UploadedAt   time.Time `json:"uploadedAt"`
	TicketNumber int       `json:"ticketNumber"`
	Ticket       string    `json:"ticket"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Path         string    `json:"-"`
}

// FormatTicket renders a ticket number for display, e.g. 1 -> "#001"
func FormatTicket(n int) string {
	return fmt.Sprintf("#%03d", n)
}

// UploadMeta describes an incoming payload before it is queued
type UploadMeta struct {
	OriginalName string
	MimeType     string
}

// UploadResponse is returned by POST /upload
type UploadResponse struct {
	FileID       string `json:"fileId"`
	TicketNumber int    `json:"ticketNumber"`
	Ticket       string `json:"ticket"`
}
