package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/shehryarbajwa/printbox/internal/metrics"
	"github.com/shehryarbajwa/printbox/internal/printer"
	"github.com/shehryarbajwa/printbox/internal/queue"
	"github.com/shehryarbajwa/printbox/internal/retention"
	"github.com/shehryarbajwa/printbox/pkg/models"
)

// Provisioner creates and destroys the per-session sandbox
type Provisioner interface {
	CreateSandbox(ctx context.Context, sessionID string) (*models.Sandbox, error)
	DestroySandbox(ctx context.Context, sandbox *models.Sandbox) error
}

// Dispatcher lists print targets and sends queued files to them
type Dispatcher interface {
	ListTargets(ctx context.Context, server string) []models.PrinterTarget
	Dispatch(ctx context.Context, q printer.Queue, job printer.Job) error
}

// Notifier receives lifecycle and queue events. Implementations must not block.
type Notifier interface {
	Notify(event models.Event)
}

// Options configures a Manager
type Options struct {
	StorageDir       string
	BaseURL          string // externally reachable root used to build the upload locator
	FileTTL          time.Duration
	ProvisionTimeout time.Duration
	TeardownTimeout  time.Duration
	Clock            clockwork.Clock
}

// Manager owns the single print session: Idle -> Provisioning -> Active -> Ending -> Idle.
// Every state change happens under mu; slow sandbox work runs outside it with the
// transient state guarding against concurrent transitions.
type Manager struct {
	provisioner Provisioner
	dispatcher  Dispatcher
	notifier    Notifier
	scheduler   *retention.Scheduler
	opts        Options

	mu              sync.Mutex
	state           models.SessionState
	session         *models.Session
	queue           *queue.Queue
	provisionCancel context.CancelFunc
	provisionDone   chan struct{}
}

// NewManager creates an idle session manager
func NewManager(provisioner Provisioner, dispatcher Dispatcher, notifier Notifier, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.FileTTL <= 0 {
		opts.FileTTL = queue.DefaultTTL
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = 3 * time.Minute
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 30 * time.Second
	}

	return &Manager{
		provisioner: provisioner,
		dispatcher:  dispatcher,
		notifier:    notifier,
		scheduler:   retention.NewScheduler(opts.Clock),
		opts:        opts,
		state:       models.StateIdle,
	}
}

// StartSession provisions a sandbox and opens a new session.
// It fails with models.ErrSessionConflict unless the manager is idle.
func (m *Manager) StartSession(ctx context.Context) (*models.StartSessionResponse, error) {
	m.mu.Lock()
	if m.state != models.StateIdle {
		m.mu.Unlock()
		metrics.SessionsStartedTotal.WithLabelValues("conflict").Inc()
		return nil, models.ErrSessionConflict
	}

	sessionID := uuid.New().String()
	provisionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ProvisionTimeout)
	done := make(chan struct{})

	m.setState(models.StateProvisioning)
	m.session = &models.Session{
		ID:        sessionID,
		State:     models.StateProvisioning,
		CreatedAt: m.opts.Clock.Now(),
		UploadURL: m.uploadURL(sessionID),
	}
	m.provisionCancel = cancel
	m.provisionDone = done
	m.mu.Unlock()

	defer close(done)
	defer cancel()

	slog.Info("Provisioning session", "session_id", sessionID)

	dir := m.sessionDir(sessionID)
	sandbox, err := m.provisioner.CreateSandbox(provisionCtx, sessionID)
	if err == nil {
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			err = fmt.Errorf("%w: failed to create storage area: %w", models.ErrProvisioningFailed, mkErr)
		}
	}

	m.mu.Lock()
	aborted := m.state != models.StateProvisioning
	if err == nil && !aborted {
		m.session.Sandbox = sandbox
		m.queue = queue.New(queue.Options{
			SessionID: sessionID,
			Dir:       dir,
			TTL:       m.opts.FileTTL,
			Clock:     m.opts.Clock,
			Scheduler: m.scheduler,
			Notifier:  m.notifier,
		})
		m.setState(models.StateActive)
		m.provisionCancel = nil
		m.provisionDone = nil
		uploadURL := m.session.UploadURL
		m.mu.Unlock()

		metrics.SessionsStartedTotal.WithLabelValues("ok").Inc()
		slog.Info("Session started", "session_id", sessionID, "sandbox", sandbox.Name)
		m.notifier.Notify(models.Event{
			Type:      models.EventSessionStarted,
			SessionID: sessionID,
			UploadURL: uploadURL,
		})

		return &models.StartSessionResponse{SessionID: sessionID, UploadURL: uploadURL}, nil
	}
	m.mu.Unlock()

	if err == nil {
		err = fmt.Errorf("%w: session ended during provisioning", models.ErrProvisioningFailed)
	}

	m.rollback(sessionID, sandbox, dir)

	m.mu.Lock()
	m.session = nil
	m.queue = nil
	m.provisionCancel = nil
	m.provisionDone = nil
	m.setState(models.StateIdle)
	m.mu.Unlock()

	metrics.SessionsStartedTotal.WithLabelValues("provisioning_failed").Inc()
	slog.Error("Session provisioning failed", "session_id", sessionID, "error", err)

	if !errors.Is(err, models.ErrProvisioningFailed) {
		err = fmt.Errorf("%w: %w", models.ErrProvisioningFailed, err)
	}
	return nil, err
}

// rollback releases whatever a failed or aborted provisioning left behind
func (m *Manager) rollback(sessionID string, sandbox *models.Sandbox, dir string) {
	if sandbox != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
		defer cancel()
		if err := m.provisioner.DestroySandbox(ctx, sandbox); err != nil {
			slog.Warn("Failed to release sandbox during rollback", "session_id", sessionID, "error", err)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("Failed to remove storage area during rollback", "session_id", sessionID, "error", err)
	}
}

// EndSession tears the current session down and returns to Idle.
// Ending a session that is still provisioning aborts the provisioning.
func (m *Manager) EndSession(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case models.StateProvisioning:
		cancel, done := m.provisionCancel, m.provisionDone
		m.setState(models.StateEnding)
		m.mu.Unlock()

		slog.Info("Aborting session provisioning")
		cancel()
		<-done
		return nil

	case models.StateActive:
		// handled below

	default:
		m.mu.Unlock()
		return models.ErrNoActiveSession
	}

	current := m.session
	q := m.queue
	q.Close()
	m.setState(models.StateEnding)
	m.mu.Unlock()

	slog.Info("Ending session", "session_id", current.ID)

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.TeardownTimeout)
	defer cancel()
	teardownErr := m.provisioner.DestroySandbox(teardownCtx, current.Sandbox)
	if teardownErr != nil {
		slog.Error("Sandbox teardown failed", "session_id", current.ID, "error", teardownErr)
	}

	drained := q.DrainAll()
	if err := os.RemoveAll(q.Dir()); err != nil {
		metrics.PayloadDeleteErrorsTotal.Inc()
		slog.Warn("Failed to remove storage area", "session_id", current.ID, "error", err)
	}

	m.mu.Lock()
	m.session = nil
	m.queue = nil
	m.setState(models.StateIdle)
	m.mu.Unlock()

	metrics.SessionsEndedTotal.Inc()
	slog.Info("Session ended", "session_id", current.ID, "files_purged", drained)
	m.notifier.Notify(models.Event{
		Type:      models.EventSessionEnded,
		SessionID: current.ID,
	})

	if teardownErr != nil {
		return fmt.Errorf("session ended but sandbox teardown failed: %w", teardownErr)
	}
	return nil
}

// Upload queues a file for the active session identified by sessionID.
// The payload is copied without holding the manager lock.
func (m *Manager) Upload(sessionID string, meta models.UploadMeta, payload io.Reader) (*models.FileRecord, error) {
	m.mu.Lock()
	if m.state != models.StateActive || m.session.ID != sessionID {
		m.mu.Unlock()
		return nil, models.ErrInvalidSession
	}
	q := m.queue
	m.mu.Unlock()

	record, err := q.Enqueue(meta, payload)
	if errors.Is(err, models.ErrQueueClosed) {
		return nil, models.ErrInvalidSession
	}
	return record, err
}

// Print dispatches a queued file to target on the session's print server
func (m *Manager) Print(ctx context.Context, sessionID, fileID, target string) error {
	m.mu.Lock()
	if m.state != models.StateActive {
		m.mu.Unlock()
		return models.ErrNoActiveSession
	}
	q := m.queue
	server := m.printServer()
	m.mu.Unlock()

	// The spooler call runs outside mu; removal through the queue is idempotent,
	// so a concurrent EndSession or TTL expiry cannot double-delete.
	return m.dispatcher.Dispatch(ctx, q, printer.Job{
		SessionID:   sessionID,
		FileID:      fileID,
		Target:      target,
		PrintServer: server,
	})
}

// Printers lists the targets of the active session's print server, or of the
// default spooler when no session is active
func (m *Manager) Printers(ctx context.Context) []models.PrinterTarget {
	m.mu.Lock()
	server := ""
	if m.state == models.StateActive {
		server = m.printServer()
	}
	m.mu.Unlock()

	return m.dispatcher.ListTargets(ctx, server)
}

// printServer must be called with mu held
func (m *Manager) printServer() string {
	if m.session == nil || m.session.Sandbox == nil {
		return ""
	}
	return m.session.Sandbox.PrintAddress
}

// Files returns the queue of sessionID, or an empty list if it is not the active session
func (m *Manager) Files(sessionID string) []*models.FileRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != models.StateActive || m.session.ID != sessionID {
		return []*models.FileRecord{}
	}
	return m.queue.List()
}

// CurrentStatus returns a consistent snapshot for observers joining mid-session
func (m *Manager) CurrentStatus() models.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := models.SessionStatus{
		Active: m.state == models.StateActive,
		State:  m.state,
		Files:  []*models.FileRecord{},
	}
	if m.session != nil {
		status.SessionID = m.session.ID
	}
	if m.queue != nil && m.state == models.StateActive {
		status.Files = m.queue.List()
	}
	return status
}

// State returns the current lifecycle state
func (m *Manager) State() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Shutdown ends any session in progress
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.EndSession(ctx)
	if errors.Is(err, models.ErrNoActiveSession) {
		return nil
	}
	return err
}

// setState must be called with mu held
func (m *Manager) setState(state models.SessionState) {
	m.state = state
	if m.session != nil {
		m.session.State = state
	}
	if state == models.StateActive {
		metrics.SessionActive.Set(1)
	} else {
		metrics.SessionActive.Set(0)
	}
}

func (m *Manager) sessionDir(sessionID string) string {
	return filepath.Join(m.opts.StorageDir, sessionID)
}

func (m *Manager) uploadURL(sessionID string) string {
	return m.opts.BaseURL + "/upload?sessionId=" + url.QueryEscape(sessionID)
}
