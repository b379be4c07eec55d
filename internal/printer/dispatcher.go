package printer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/printbox/internal/metrics"
	"github.com/shehryarbajwa/printbox/pkg/models"
)

const (
	// SimulatedTarget is the always-available sink that prints nothing
	SimulatedTarget = "Simulated_Printer"

	DefaultSimulatedDelay = 2 * time.Second
	DefaultSpoolerTimeout = 30 * time.Second

	maxConcurrentSubmits = 4
)

// Queue is the part of the file queue the dispatcher needs
type Queue interface {
	Get(fileID string) (*models.FileRecord, error)
	Remove(fileID string, reason models.RemovalReason) bool
}

// Dispatcher sends queued files to a printer and removes them once dispatched
type Dispatcher struct {
	backend        Backend
	clock          clockwork.Clock
	simulatedDelay time.Duration
	spoolerTimeout time.Duration
	submits        *semaphore.Weighted
}

// DispatcherOptions configures a Dispatcher
type DispatcherOptions struct {
	Clock          clockwork.Clock
	SimulatedDelay time.Duration
	SpoolerTimeout time.Duration
}

// NewDispatcher creates a dispatcher for backend. A nil backend offers only the simulated target.
func NewDispatcher(backend Backend, opts DispatcherOptions) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SimulatedDelay <= 0 {
		opts.SimulatedDelay = DefaultSimulatedDelay
	}
	if opts.SpoolerTimeout <= 0 {
		opts.SpoolerTimeout = DefaultSpoolerTimeout
	}

	return &Dispatcher{
		backend:        backend,
		clock:          opts.Clock,
		simulatedDelay: opts.SimulatedDelay,
		spoolerTimeout: opts.SpoolerTimeout,
		submits:        semaphore.NewWeighted(maxConcurrentSubmits),
	}
}

// Job is one print request against a session's queue
type Job struct {
	SessionID string
	FileID    string
	Target    string
	// PrintServer is the spooler address of the session's sandbox ("" for the backend default)
	PrintServer string
}

// ListTargets returns the printers of the spooler at server followed by the simulated target.
// A spooler error is logged and only the simulated target is returned.
func (d *Dispatcher) ListTargets(ctx context.Context, server string) []models.PrinterTarget {
	var targets []models.PrinterTarget

	if d.backend != nil {
		ctx, cancel := context.WithTimeout(ctx, d.spoolerTimeout)
		defer cancel()

		found, err := d.backend.ListTargets(ctx, server)
		if err != nil {
			slog.Warn("Failed to list printers", "print_server", server, "error", err)
		}
		targets = append(targets, found...)
	}

	return append(targets, models.PrinterTarget{Name: SimulatedTarget, Status: models.PrinterIdle})
}

// Dispatch prints job.FileID from q on job.Target on behalf of job.SessionID.
// A file that is already gone yields models.ErrFileNotFound. A spooler failure
// yields models.ErrPrintFailed and leaves the file queued.
func (d *Dispatcher) Dispatch(ctx context.Context, q Queue, job Job) error {
	sessionID, fileID, target := job.SessionID, job.FileID, job.Target

	record, err := q.Get(fileID)
	if err != nil {
		return err
	}
	if record.SessionID != sessionID {
		return models.ErrSessionMismatch
	}

	if target == SimulatedTarget {
		d.clock.AfterFunc(d.simulatedDelay, func() {
			q.Remove(fileID, models.ReasonPrinted)
		})
		metrics.PrintDispatchTotal.WithLabelValues("simulated", "ok").Inc()
		slog.Info("Simulated print scheduled", "session_id", sessionID, "file_id", fileID, "delay", d.simulatedDelay)
		return nil
	}

	if d.backend == nil || target == "" {
		return fmt.Errorf("%w: %q", models.ErrTargetNotFound, target)
	}

	if err := d.submits.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %w", models.ErrPrintFailed, err)
	}
	defer d.submits.Release(1)

	submitCtx, cancel := context.WithTimeout(ctx, d.spoolerTimeout)
	defer cancel()

	if err := d.backend.Submit(submitCtx, job.PrintServer, target, record.Path, record.OriginalName); err != nil {
		metrics.PrintDispatchTotal.WithLabelValues("spooler", "error").Inc()
		slog.Error("Print failed", "session_id", sessionID, "file_id", fileID, "printer", target, "print_server", job.PrintServer, "error", err)
		return fmt.Errorf("%w: %w", models.ErrPrintFailed, err)
	}

	metrics.PrintDispatchTotal.WithLabelValues("spooler", "ok").Inc()
	slog.Info("File sent to printer", "session_id", sessionID, "file_id", fileID, "printer", target, "print_server", job.PrintServer)

	q.Remove(fileID, models.ReasonPrinted)
	return nil
}
