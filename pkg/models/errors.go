package models

import "errors"

var (
	ErrSessionConflict    = errors.New("a session is already in progress")
	ErrNoActiveSession    = errors.New("no active session")
	ErrProvisioningFailed = errors.New("sandbox provisioning failed")
	ErrInvalidSession     = errors.New("invalid session")
	ErrFileNotFound       = errors.New("file not found")
	ErrPrintFailed        = errors.New("print failed")
	ErrSessionMismatch    = errors.New("file does not belong to session")
	ErrNoFile             = errors.New("no file uploaded")
	ErrSandboxNotFound    = errors.New("sandbox not found")
	ErrTargetNotFound     = errors.New("printer not found")
	ErrQueueClosed        = errors.New("file queue is closed")
)
