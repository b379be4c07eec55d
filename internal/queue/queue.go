package queue

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/shehryarbajwa/printbox/internal/metrics"
	"github.com/shehryarbajwa/printbox/pkg/models"
)

// DefaultTTL is how long an undispatched file is retained
const DefaultTTL = 2 * time.Minute

// Notifier receives queue change events. Implementations must not block.
type Notifier interface {
	Notify(event models.Event)
}

// Scheduler arms and cancels per-file retention timers
type Scheduler interface {
	Schedule(id string, ttl time.Duration, fn func())
	Cancel(id string) bool
}

// Queue holds the files uploaded to one session.
// Each record leaves the queue exactly once, through Remove.
type Queue struct {
	sessionID string
	dir       string
	ttl       time.Duration
	clock     clockwork.Clock
	scheduler Scheduler
	notifier  Notifier

	mu         sync.Mutex
	records    map[string]*models.FileRecord
	nextTicket int
	closed     bool
}

// Options configures a new Queue
type Options struct {
	SessionID string
	Dir       string // per-session storage area, must already exist
	TTL       time.Duration
	Clock     clockwork.Clock
	Scheduler Scheduler
	Notifier  Notifier
}

// New creates an empty queue for a session
func New(opts Options) *Queue {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Queue{
		sessionID:  opts.SessionID,
		dir:        opts.Dir,
		ttl:        opts.TTL,
		clock:      opts.Clock,
		scheduler:  opts.Scheduler,
		notifier:   opts.Notifier,
		records:    make(map[string]*models.FileRecord),
		nextTicket: 1,
	}
}

// SessionID returns the owning session id
func (q *Queue) SessionID() string {
	return q.sessionID
}

// Dir returns the per-session storage area
func (q *Queue) Dir() string {
	return q.dir
}

// Enqueue stores the payload, assigns the next ticket and arms the retention timer.
// The payload is written outside the lock; a queue closed meanwhile rejects it.
func (q *Queue) Enqueue(meta models.UploadMeta, payload io.Reader) (*models.FileRecord, error) {
	if q.isClosed() {
		return nil, models.ErrQueueClosed
	}

	fileID := uuid.New().String()
	storedName := storedFileName(meta.OriginalName)
	path := filepath.Join(q.dir, storedName)

	size, err := writePayload(path, payload)
	if err != nil {
		if q.isClosed() {
			return nil, models.ErrQueueClosed
		}
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			metrics.PayloadDeleteErrorsTotal.Inc()
		}
		return nil, models.ErrQueueClosed
	}

	now := q.clock.Now()
	ticket := q.nextTicket
	q.nextTicket++

	record := &models.FileRecord{
		ID:           fileID,
		SessionID:    q.sessionID,
		StoredName:   storedName,
		OriginalName: meta.OriginalName,
		Size:         size,
		MimeType:     meta.MimeType,
		UploadedAt:   now,
		TicketNumber: ticket,
		Ticket:       models.FormatTicket(ticket),
		ExpiresAt:    now.Add(q.ttl),
		Path:         path,
	}
	q.records[fileID] = record

	q.scheduler.Schedule(fileID, q.ttl, func() {
		q.Remove(fileID, models.ReasonExpired)
	})

	metrics.FilesEnqueuedTotal.Inc()
	metrics.QueueDepth.Inc()
	slog.Info("File queued",
		"session_id", q.sessionID, "file_id", fileID, "ticket", record.Ticket,
		"name", meta.OriginalName, "size", size)

	copied := *record
	q.notifier.Notify(models.Event{
		Type:      models.EventFileUploaded,
		SessionID: q.sessionID,
		File:      &copied,
	})

	return &copied, nil
}

// Remove takes a file out of the queue. It reports whether this call performed
// the removal; later calls for the same id are no-ops.
func (q *Queue) Remove(fileID string, reason models.RemovalReason) bool {
	q.mu.Lock()
	record, ok := q.records[fileID]
	if !ok {
		q.mu.Unlock()
		slog.Debug("File already removed", "session_id", q.sessionID, "file_id", fileID, "reason", reason)
		return false
	}
	delete(q.records, fileID)
	q.mu.Unlock()

	q.scheduler.Cancel(fileID)

	if err := os.Remove(record.Path); err != nil && !os.IsNotExist(err) {
		metrics.PayloadDeleteErrorsTotal.Inc()
		slog.Warn("Failed to delete stored payload",
			"session_id", q.sessionID, "file_id", fileID, "path", record.Path, "error", err)
	}

	metrics.FilesRemovedTotal.WithLabelValues(string(reason)).Inc()
	metrics.QueueDepth.Dec()
	slog.Info("File removed", "session_id", q.sessionID, "file_id", fileID, "reason", reason)

	q.notifier.Notify(models.Event{
		Type:      models.EventFileDeleted,
		SessionID: q.sessionID,
		FileID:    fileID,
		Reason:    reason,
	})

	return true
}

// Get returns a copy of a record
func (q *Queue) Get(fileID string) (*models.FileRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	record, ok := q.records[fileID]
	if !ok {
		return nil, models.ErrFileNotFound
	}
	copied := *record
	return &copied, nil
}

// List returns copies of all records ordered by ticket
func (q *Queue) List() []*models.FileRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	files := make([]*models.FileRecord, 0, len(q.records))
	for _, record := range q.records {
		copied := *record
		files = append(files, &copied)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].TicketNumber < files[j].TicketNumber
	})
	return files
}

// Len returns the number of queued files
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Close rejects further uploads, including ones whose payload is still being written
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// DrainAll closes the queue to new uploads and removes every remaining record
func (q *Queue) DrainAll() int {
	q.mu.Lock()
	q.closed = true
	ids := make([]string, 0, len(q.records))
	for id := range q.records {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	removed := 0
	for _, id := range ids {
		if q.Remove(id, models.ReasonSessionEnd) {
			removed++
		}
	}
	return removed
}

// storedFileName prefixes the original name with a random component so
// two uploads of the same document never collide.
func storedFileName(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "upload"
	}
	return uuid.New().String()[:8] + "-" + base
}

func writePayload(path string, payload io.Reader) (int64, error) {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, err
	}

	size, err := io.Copy(out, payload)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	return size, nil
}
