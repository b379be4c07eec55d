package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/printbox/internal/printer"
	"github.com/shehryarbajwa/printbox/pkg/models"
)

const (
	testTTL          = 2 * time.Minute
	testPrintAddress = "127.0.0.1:49153"
)

// fakeProvisioner stands in for the docker-backed provisioner.
type fakeProvisioner struct {
	mu          sync.Mutex
	createErr   error
	createGate  chan struct{}
	destroyErr  error
	destroyGate chan struct{}
	created     int
	destroyed   int
}

func (f *fakeProvisioner) CreateSandbox(ctx context.Context, sessionID string) (*models.Sandbox, error) {
	if f.createGate != nil {
		select {
		case <-f.createGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	return &models.Sandbox{
		ID:           "cid-" + sessionID,
		Name:         "print-session-" + sessionID[:8],
		Running:      true,
		PrintAddress: testPrintAddress,
	}, nil
}

func (f *fakeProvisioner) DestroySandbox(ctx context.Context, sandbox *models.Sandbox) error {
	if f.destroyGate != nil {
		<-f.destroyGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return f.destroyErr
}

func (f *fakeProvisioner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.destroyed
}

// instantBackend accepts every job immediately unless submitGate is set.
type instantBackend struct {
	mu            sync.Mutex
	submitted     int
	submitErr     error
	servers       []string
	submitStarted chan struct{}
	submitGate    chan struct{}
}

func (b *instantBackend) ListTargets(ctx context.Context, server string) ([]models.PrinterTarget, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.servers = append(b.servers, server)
	return []models.PrinterTarget{{Name: "Office_Laser", Status: models.PrinterIdle}}, nil
}

func (b *instantBackend) Submit(ctx context.Context, server, target, path, title string) error {
	if b.submitStarted != nil {
		b.submitStarted <- struct{}{}
	}
	if b.submitGate != nil {
		<-b.submitGate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.servers = append(b.servers, server)
	b.submitted++
	return b.submitErr
}

func (b *instantBackend) seenServers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.servers...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (n *recordingNotifier) Notify(event models.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) snapshot() []models.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Event(nil), n.events...)
}

func (n *recordingNotifier) count(eventType models.EventType) int {
	total := 0
	for _, e := range n.snapshot() {
		if e.Type == eventType {
			total++
		}
	}
	return total
}

type harness struct {
	manager     *Manager
	provisioner *fakeProvisioner
	backend     *instantBackend
	notifier    *recordingNotifier
	clock       *clockwork.FakeClock
	storage     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := clockwork.NewFakeClock()
	provisioner := &fakeProvisioner{}
	backend := &instantBackend{}
	notifier := &recordingNotifier{}
	storage := t.TempDir()

	dispatcher := printer.NewDispatcher(backend, printer.DispatcherOptions{
		Clock:          clock,
		SimulatedDelay: 2 * time.Second,
	})

	manager := NewManager(provisioner, dispatcher, notifier, Options{
		StorageDir:       storage,
		BaseURL:          "http://192.168.1.20:8080",
		FileTTL:          testTTL,
		ProvisionTimeout: 5 * time.Second,
		TeardownTimeout:  5 * time.Second,
		Clock:            clock,
	})

	return &harness{
		manager:     manager,
		provisioner: provisioner,
		backend:     backend,
		notifier:    notifier,
		clock:       clock,
		storage:     storage,
	}
}

func (h *harness) start(t *testing.T) string {
	t.Helper()
	resp, err := h.manager.StartSession(context.Background())
	require.NoError(t, err)
	return resp.SessionID
}

func (h *harness) upload(t *testing.T, sessionID, name string, size int) *models.FileRecord {
	t.Helper()
	record, err := h.manager.Upload(sessionID, models.UploadMeta{OriginalName: name, MimeType: "application/octet-stream"},
		strings.NewReader(strings.Repeat("x", size)))
	require.NoError(t, err)
	return record
}

func TestManager_StartSession(t *testing.T) {
	h := newHarness(t)

	resp, err := h.manager.StartSession(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "http://192.168.1.20:8080/upload?sessionId="+resp.SessionID, resp.UploadURL)
	assert.Equal(t, models.StateActive, h.manager.State())
	assert.DirExists(t, filepath.Join(h.storage, resp.SessionID))

	events := h.notifier.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventSessionStarted, events[0].Type)
	assert.Equal(t, resp.SessionID, events[0].SessionID)
	assert.Equal(t, resp.UploadURL, events[0].UploadURL)
}

func TestManager_SecondStartConflicts(t *testing.T) {
	h := newHarness(t)
	sessionID := h.start(t)

	_, err := h.manager.StartSession(context.Background())
	assert.ErrorIs(t, err, models.ErrSessionConflict)

	status := h.manager.CurrentStatus()
	assert.True(t, status.Active)
	assert.Equal(t, sessionID, status.SessionID)
	created, _ := h.provisioner.counts()
	assert.Equal(t, 1, created)
}

func TestManager_ConcurrentStartsYieldOneSession(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.manager.StartSession(context.Background())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, models.ErrSessionConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, conflicts)
}

func TestManager_ProvisioningFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.provisioner.createErr = errors.New("image build failed")

	_, err := h.manager.StartSession(context.Background())
	assert.ErrorIs(t, err, models.ErrProvisioningFailed)

	assert.Equal(t, models.StateIdle, h.manager.State())
	assert.Zero(t, h.notifier.count(models.EventSessionStarted))
	entries, readErr := os.ReadDir(h.storage)
	require.NoError(t, readErr)
	assert.Empty(t, entries)

	h.provisioner.mu.Lock()
	h.provisioner.createErr = nil
	h.provisioner.mu.Unlock()
	h.start(t)
	assert.Equal(t, models.StateActive, h.manager.State())
}

func TestManager_StatusServableDuringProvisioning(t *testing.T) {
	h := newHarness(t)
	h.provisioner.createGate = make(chan struct{})

	result := make(chan error, 1)
	go func() {
		_, err := h.manager.StartSession(context.Background())
		result <- err
	}()

	require.Eventually(t, func() bool {
		return h.manager.State() == models.StateProvisioning
	}, time.Second, time.Millisecond)

	status := h.manager.CurrentStatus()
	assert.False(t, status.Active)
	assert.Equal(t, models.StateProvisioning, status.State)
	assert.Empty(t, status.Files)

	_, err := h.manager.StartSession(context.Background())
	assert.ErrorIs(t, err, models.ErrSessionConflict)

	_, err = h.manager.Upload(status.SessionID, models.UploadMeta{OriginalName: "a.pdf"}, strings.NewReader("a"))
	assert.ErrorIs(t, err, models.ErrInvalidSession)

	close(h.provisioner.createGate)
	require.NoError(t, <-result)
	assert.True(t, h.manager.CurrentStatus().Active)
}

func TestManager_EndDuringProvisioningAborts(t *testing.T) {
	h := newHarness(t)
	h.provisioner.createGate = make(chan struct{})

	result := make(chan error, 1)
	go func() {
		_, err := h.manager.StartSession(context.Background())
		result <- err
	}()
	require.Eventually(t, func() bool {
		return h.manager.State() == models.StateProvisioning
	}, time.Second, time.Millisecond)

	require.NoError(t, h.manager.EndSession(context.Background()))

	err := <-result
	assert.ErrorIs(t, err, models.ErrProvisioningFailed)
	assert.Equal(t, models.StateIdle, h.manager.State())
	assert.Zero(t, h.notifier.count(models.EventSessionStarted))
	assert.Zero(t, h.notifier.count(models.EventSessionEnded))
}

func TestManager_EndWithoutSession(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.manager.EndSession(context.Background()), models.ErrNoActiveSession)
}

func TestManager_UploadRejectsUnknownSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	_, err := h.manager.Upload("not-the-session", models.UploadMeta{OriginalName: "a.pdf"}, strings.NewReader("a"))
	assert.ErrorIs(t, err, models.ErrInvalidSession)
}

func TestManager_UploadRejectedWhileEnding(t *testing.T) {
	h := newHarness(t)
	sessionID := h.start(t)
	h.provisioner.destroyGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.manager.EndSession(context.Background()) }()
	require.Eventually(t, func() bool {
		return h.manager.State() == models.StateEnding
	}, time.Second, time.Millisecond)

	_, err := h.manager.Upload(sessionID, models.UploadMeta{OriginalName: "late.pdf"}, strings.NewReader("x"))
	assert.ErrorIs(t, err, models.ErrInvalidSession)

	status := h.manager.CurrentStatus()
	assert.Equal(t, models.StateEnding, status.State)
	assert.False(t, status.Active)

	close(h.provisioner.destroyGate)
	require.NoError(t, <-done)
	assert.Equal(t, models.StateIdle, h.manager.State())
}

func TestManager_SlowUploadDoesNotBlockStatus(t *testing.T) {
	h := newHarness(t)
	sessionID := h.start(t)

	pr, pw := io.Pipe()
	uploaded := make(chan error, 1)
	go func() {
		_, err := h.manager.Upload(sessionID, models.UploadMeta{OriginalName: "big.pdf"}, pr)
		uploaded <- err
	}()
	_, err := pw.Write([]byte("first chunk"))
	require.NoError(t, err)

	status := make(chan models.SessionStatus, 1)
	go func() { status <- h.manager.CurrentStatus() }()
	select {
	case s := <-status:
		assert.True(t, s.Active)
		assert.Empty(t, s.Files)
	case <-time.After(time.Second):
		t.Fatal("CurrentStatus blocked behind an upload in progress")
	}

	require.NoError(t, pw.Close())
	require.NoError(t, <-uploaded)
	assert.Len(t, h.manager.Files(sessionID), 1)
}

func TestManager_UploadInProgressRejectedOnEnd(t *testing.T) {
	h := newHarness(t)
	sessionID := h.start(t)
	h.provisioner.destroyGate = make(chan struct{})

	pr, pw := io.Pipe()
	uploaded := make(chan error, 1)
	go func() {
		_, err := h.manager.Upload(sessionID, models.UploadMeta{OriginalName: "big.pdf"}, pr)
		uploaded <- err
	}()
	_, err := pw.Write([]byte("first chunk"))
	require.NoError(t, err)

	ended := make(chan error, 1)
	go func() { ended <- h.manager.EndSession(context.Background()) }()
	require.Eventually(t, func() bool {
		return h.manager.State() == models.StateEnding
	}, time.Second, time.Millisecond)

	require.NoError(t, pw.Close())
	assert.ErrorIs(t, <-uploaded, models.ErrInvalidSession)

	close(h.provisioner.destroyGate)
	require.NoError(t, <-ended)
	assert.Equal(t, 0, h.notifier.count(models.EventFileUploaded))
	assert.NoDirExists(t, filepath.Join(h.storage, sessionID))
}

func TestManager_TicketsSurviveRemovals(t *testing.T) {
	h := newHarness(t)
	sessionID := h.start(t)

	h.upload(t, sessionID, "a.pdf", 1)
	b := h.upload(t, sessionID, "b.pdf", 1)
	h.upload(t, sessionID, "c.pdf", 1)

	require.NoError(t, h.manager.Print(context.Background(), sessionID, b.ID, "Office_Laser"))

	d := h.upload(t, sessionID, "d.pdf", 1)
	assert.Equal(t, 4, d.TicketNumber)
}

func TestManager_PrintJustBeforeExpiryDeletesOnce(t *testing.T) {
	h := newHarness(t)
	sessionID := h.start(t)
	record := h.upload(t, sessionID, "report.pdf", 10)

	h.clock.Advance(testTTL - time.Millisecond)
	require.NoError(t, h.manager.Print(context.Background(), sessionID, record.ID, "Office_Laser"))

	h.clock.Advance(time.Millisecond)
	h.clock.Advance(testTTL)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, h.notifier.count(models.EventFileDeleted))
	assert.Empty(t, h.manager.Files(sessionID))

	err := h.manager.Print(context.Background(), sessionID, record.ID, "Office_Laser")
	assert.ErrorIs(t, err, models.ErrFileNotFound)
}

func TestManager_ExpiredFileCannotBePrinted(t *testing.T) {
	h := newHarness(t)
	sessionID := h.start(t)
	record := h.upload(t, sessionID, "report.pdf", 10)

	h.clock.Advance(testTTL)
	require.Eventually(t, func() bool {
		return len(h.manager.Files(sessionID)) == 0
	}, time.Second, time.Millisecond)

	err := h.manager.Print(context.Background(), sessionID, record.ID, printer.SimulatedTarget)
	assert.ErrorIs(t, err, models.ErrFileNotFound)
	assert.NoFileExists(t, record.Path)
}

func TestManager_PrintFailureKeepsFile(t *testing.T) {
	h := newHarness(t)
	sessionID := h.start(t)
	record := h.upload(t, sessionID, "report.pdf", 10)
	h.backend.submitErr = errors.New("paper jam")

	err := h.manager.Print(context.Background(), sessionID, record.ID, "Office_Laser")
	assert.ErrorIs(t, err, models.ErrPrintFailed)

	files := h.manager.Files(sessionID)
	require.Len(t, files, 1)
	assert.Equal(t, record.ID, files[0].ID)
}

func TestManager_PrintRequiresActiveSession(t *testing.T) {
	h := newHarness(t)
	err := h.manager.Print(context.Background(), "s", "f", printer.SimulatedTarget)
	assert.ErrorIs(t, err, models.ErrNoActiveSession)
}

func TestManager_PrintWithStaleSessionID(t *testing.T) {
	h := newHarness(t)
	sessionID := h.start(t)
	record := h.upload(t, sessionID, "report.pdf", 10)

	err := h.manager.Print(context.Background(), "previous-session", record.ID, printer.SimulatedTarget)
	assert.ErrorIs(t, err, models.ErrSessionMismatch)
}

func TestManager_EndSessionWithPendingWork(t *testing.T) {
	h := newHarness(t)
	sessionID := h.start(t)

	pending := h.upload(t, sessionID, "pending.pdf", 10)
	printing := h.upload(t, sessionID, "printing.pdf", 10)
	require.NoError(t, h.manager.Print(context.Background(), sessionID, printing.ID, printer.SimulatedTarget))

	require.NoError(t, h.manager.EndSession(context.Background()))

	assert.Equal(t, models.StateIdle, h.manager.State())
	assert.NoDirExists(t, filepath.Join(h.storage, sessionID))
	assert.NoFileExists(t, pending.Path)
	assert.NoFileExists(t, printing.Path)

	endedAt := len(h.notifier.snapshot())
	assert.Equal(t, models.EventSessionEnded, h.notifier.snapshot()[endedAt-1].Type)

	h.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.notifier.snapshot(), endedAt, "no events after session-ended")
	assert.Equal(t, 2, h.notifier.count(models.EventFileDeleted))
}

func TestManager_EndSessionDuringSpoolerSubmit(t *testing.T) {
	h := newHarness(t)
	sessionID := h.start(t)
	record := h.upload(t, sessionID, "report.pdf", 10)

	h.backend.submitStarted = make(chan struct{}, 1)
	h.backend.submitGate = make(chan struct{})

	printed := make(chan error, 1)
	go func() {
		printed <- h.manager.Print(context.Background(), sessionID, record.ID, "Office_Laser")
	}()
	<-h.backend.submitStarted

	require.NoError(t, h.manager.EndSession(context.Background()))
	events := h.notifier.snapshot()
	endedAt := len(events)
	assert.Equal(t, models.EventSessionEnded, events[endedAt-1].Type)

	close(h.backend.submitGate)
	require.NoError(t, <-printed)

	assert.Len(t, h.notifier.snapshot(), endedAt, "no events after session-ended")
	assert.Equal(t, 1, h.notifier.count(models.EventFileDeleted))
	assert.Equal(t, models.ReasonSessionEnd, events[endedAt-2].Reason)
	assert.NoDirExists(t, filepath.Join(h.storage, sessionID))
	assert.NoFileExists(t, record.Path)
}

func TestManager_PrintingUsesSandboxPrintServer(t *testing.T) {
	h := newHarness(t)

	h.manager.Printers(context.Background())
	sessionID := h.start(t)
	record := h.upload(t, sessionID, "report.pdf", 10)

	h.manager.Printers(context.Background())
	require.NoError(t, h.manager.Print(context.Background(), sessionID, record.ID, "Office_Laser"))

	assert.Equal(t, []string{"", testPrintAddress, testPrintAddress}, h.backend.seenServers())
}

func TestManager_SpoolerCommandsTargetSandbox(t *testing.T) {
	var mu sync.Mutex
	var commands [][]string
	backend := printer.NewCUPSBackend("").WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		commands = append(commands, append([]string{name}, args...))
		return []byte("printer PDF is idle.  enabled since Mon 01 Jan 2024\n"), nil
	})
	clock := clockwork.NewFakeClock()
	manager := NewManager(&fakeProvisioner{}, printer.NewDispatcher(backend, printer.DispatcherOptions{Clock: clock}),
		&recordingNotifier{}, Options{StorageDir: t.TempDir(), BaseURL: "http://localhost:8080", Clock: clock})

	resp, err := manager.StartSession(context.Background())
	require.NoError(t, err)
	record, err := manager.Upload(resp.SessionID, models.UploadMeta{OriginalName: "a.pdf"}, strings.NewReader("a"))
	require.NoError(t, err)

	targets := manager.Printers(context.Background())
	assert.Equal(t, "PDF", targets[0].Name)
	require.NoError(t, manager.Print(context.Background(), resp.SessionID, record.ID, "PDF"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, commands, 2)
	assert.Equal(t, []string{"lpstat", "-h", testPrintAddress, "-p"}, commands[0])
	assert.Equal(t, []string{"lp", "-h", testPrintAddress, "-d", "PDF", "-t", "a.pdf", "--", record.Path}, commands[1])
}

func TestManager_TeardownErrorStillReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.provisioner.destroyErr = errors.New("daemon unavailable")

	err := h.manager.EndSession(context.Background())
	assert.Error(t, err)
	assert.Equal(t, models.StateIdle, h.manager.State())
	assert.Equal(t, 1, h.notifier.count(models.EventSessionEnded))

	h.provisioner.mu.Lock()
	h.provisioner.destroyErr = nil
	h.provisioner.mu.Unlock()
	h.start(t)
}

func TestManager_FilesForOtherSessionIsEmpty(t *testing.T) {
	h := newHarness(t)
	sessionID := h.start(t)
	h.upload(t, sessionID, "a.pdf", 1)

	assert.Len(t, h.manager.Files(sessionID), 1)
	assert.NotNil(t, h.manager.Files("other"))
	assert.Empty(t, h.manager.Files("other"))
}

func TestManager_ShutdownEndsActiveSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	require.NoError(t, h.manager.Shutdown(context.Background()))
	assert.Equal(t, models.StateIdle, h.manager.State())
	require.NoError(t, h.manager.Shutdown(context.Background()))
}

// Start, upload two files, print one on the simulated printer, end.
func TestManager_PrintSessionWalkthrough(t *testing.T) {
	h := newHarness(t)
	sessionID := h.start(t)

	report := h.upload(t, sessionID, "report.pdf", 2_400_000)
	assert.Equal(t, "#001", report.Ticket)
	assert.Equal(t, int64(2_400_000), report.Size)

	photo := h.upload(t, sessionID, "photo.jpg", 1024)
	assert.Equal(t, "#002", photo.Ticket)

	targets := h.manager.Printers(context.Background())
	assert.Equal(t, printer.SimulatedTarget, targets[len(targets)-1].Name)

	require.NoError(t, h.manager.Print(context.Background(), sessionID, report.ID, printer.SimulatedTarget))
	h.clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		return h.notifier.count(models.EventFileDeleted) == 1
	}, time.Second, time.Millisecond)
	for _, e := range h.notifier.snapshot() {
		if e.Type == models.EventFileDeleted {
			assert.Equal(t, report.ID, e.FileID)
			assert.Equal(t, sessionID, e.SessionID)
			assert.Equal(t, models.ReasonPrinted, e.Reason)
		}
	}

	files := h.manager.Files(sessionID)
	require.Len(t, files, 1)
	assert.Equal(t, "photo.jpg", files[0].OriginalName)

	require.NoError(t, h.manager.EndSession(context.Background()))
	assert.Empty(t, h.manager.Files(sessionID))
	assert.NoDirExists(t, filepath.Join(h.storage, sessionID))
}
