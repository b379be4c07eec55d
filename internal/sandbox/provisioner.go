package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shehryarbajwa/printbox/internal/metrics"
	"github.com/shehryarbajwa/printbox/pkg/models"
)

const imageBuildTimeout = 15 * time.Minute

// Runtime is the container capability the provisioner drives.
// Destroy must return models.ErrSandboxNotFound for an instance that no longer exists.
type Runtime interface {
	EnsureImage(ctx context.Context, ref string) (built bool, err error)
	Create(ctx context.Context, spec Spec) (*models.Sandbox, error)
	Destroy(ctx context.Context, ref string) error
}

// Spec describes one sandbox to create
type Spec struct {
	Name      string
	Image     string
	SessionID string
}

// Provisioner builds the shared base image once and creates one sandbox per session
type Provisioner struct {
	runtime Runtime
	image   string

	buildGroup singleflight.Group
	mu         sync.Mutex
	imageReady bool
}

// NewProvisioner creates a provisioner for the given base image reference
func NewProvisioner(runtime Runtime, image string) *Provisioner {
	return &Provisioner{
		runtime: runtime,
		image:   image,
	}
}

// Image returns the base image reference
func (p *Provisioner) Image() string {
	return p.image
}

// EnsureBaseArtifact makes the base image available. Concurrent callers share one
// in-flight build; once it has succeeded later calls return immediately.
func (p *Provisioner) EnsureBaseArtifact(ctx context.Context) error {
	p.mu.Lock()
	ready := p.imageReady
	p.mu.Unlock()
	if ready {
		return nil
	}

	results := p.buildGroup.DoChan(p.image, func() (any, error) {
		p.mu.Lock()
		ready := p.imageReady
		p.mu.Unlock()
		if ready {
			return nil, nil
		}

		// Detached so one caller giving up does not fail the others waiting on this build
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), imageBuildTimeout)
		defer cancel()

		built, err := p.runtime.EnsureImage(buildCtx, p.image)
		if err != nil {
			metrics.ImageBuildsTotal.WithLabelValues("error").Inc()
			return nil, err
		}

		if built {
			metrics.ImageBuildsTotal.WithLabelValues("built").Inc()
			slog.Info("Sandbox image built", "image", p.image)
		} else {
			metrics.ImageBuildsTotal.WithLabelValues("present").Inc()
		}

		p.mu.Lock()
		p.imageReady = true
		p.mu.Unlock()
		return nil, nil
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return fmt.Errorf("%w: base image %s: %w", models.ErrProvisioningFailed, p.image, res.Err)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for base image: %w", models.ErrProvisioningFailed, ctx.Err())
	}

	return nil
}

// CreateSandbox creates and starts the sandbox for a session.
// On failure it removes whatever was partially created before returning.
func (p *Provisioner) CreateSandbox(ctx context.Context, sessionID string) (*models.Sandbox, error) {
	start := time.Now()

	if err := p.EnsureBaseArtifact(ctx); err != nil {
		return nil, err
	}

	name := SandboxName(sessionID)
	sandbox, err := p.runtime.Create(ctx, Spec{
		Name:      name,
		Image:     p.image,
		SessionID: sessionID,
	})
	if err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if destroyErr := p.runtime.Destroy(cleanupCtx, name); destroyErr != nil && !errors.Is(destroyErr, models.ErrSandboxNotFound) {
			slog.Warn("Failed to clean up partial sandbox", "sandbox", name, "error", destroyErr)
		}
		return nil, fmt.Errorf("%w: %w", models.ErrProvisioningFailed, err)
	}

	metrics.ProvisionDuration.Observe(time.Since(start).Seconds())
	slog.Info("Sandbox ready", "session_id", sessionID, "sandbox", name, "print_address", sandbox.PrintAddress)

	return sandbox, nil
}

// DestroySandbox stops a sandbox. One that is already gone counts as destroyed.
func (p *Provisioner) DestroySandbox(ctx context.Context, sandbox *models.Sandbox) error {
	if sandbox == nil {
		return nil
	}

	ref := sandbox.ID
	if ref == "" {
		ref = sandbox.Name
	}

	err := p.runtime.Destroy(ctx, ref)
	switch {
	case errors.Is(err, models.ErrSandboxNotFound):
		metrics.SandboxTeardownsTotal.WithLabelValues("missing").Inc()
		slog.Info("Sandbox already gone", "sandbox", sandbox.Name)
	case err != nil:
		metrics.SandboxTeardownsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to destroy sandbox %s: %w", sandbox.Name, err)
	default:
		metrics.SandboxTeardownsTotal.WithLabelValues("ok").Inc()
	}

	sandbox.Running = false
	return nil
}

// SandboxName derives the container name from a session id
func SandboxName(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("print-session-%s", short)
}
