package printer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/shehryarbajwa/printbox/pkg/models"
)

// CommandRunner executes a spooler command and returns its combined output
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CUPSBackend talks to a CUPS spooler through the lpstat and lp clients
type CUPSBackend struct {
	server string
	run    CommandRunner
}

// NewCUPSBackend creates a backend whose fallback CUPS server is server.
// Calls that name no server use it, and "" there means the host default.
func NewCUPSBackend(server string) *CUPSBackend {
	return &CUPSBackend{server: server, run: execRunner}
}

// WithRunner replaces the command runner
func (b *CUPSBackend) WithRunner(run CommandRunner) *CUPSBackend {
	b.run = run
	return b
}

func (b *CUPSBackend) serverArgs(server string) []string {
	if server == "" {
		server = b.server
	}
	if server == "" {
		return nil
	}
	return []string{"-h", server}
}

// ListTargets returns the printers lpstat reports. A host with no printers
// configured yields an empty list rather than an error.
func (b *CUPSBackend) ListTargets(ctx context.Context, server string) ([]models.PrinterTarget, error) {
	args := append(b.serverArgs(server), "-p")
	out, err := b.run(ctx, "lpstat", args...)
	if err != nil {
		if noDestinations(out) {
			return nil, nil
		}
		return nil, fmt.Errorf("lpstat failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	return parseLpstat(out), nil
}

// Submit sends the file at path to target. lp uploads the payload, so the
// spooler does not need to see the host filesystem.
func (b *CUPSBackend) Submit(ctx context.Context, server, target, path, title string) error {
	args := append(b.serverArgs(server), "-d", target, "-t", title, "--", path)
	out, err := b.run(ctx, "lp", args...)
	if err != nil {
		return fmt.Errorf("lp failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func noDestinations(out []byte) bool {
	return bytes.Contains(out, []byte("No destinations added"))
}

// parseLpstat reads lines such as
//
//	printer Office_Laser is idle.  enabled since Mon 01 Jan 2024
//	printer Label_Printer disabled since Tue 02 Jan 2024 -
func parseLpstat(out []byte) []models.PrinterTarget {
	var targets []models.PrinterTarget

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[0] != "printer" {
			continue
		}

		status := models.PrinterUnknown
		rest := strings.Join(fields[2:], " ")
		switch {
		case strings.Contains(rest, "disabled"):
			status = models.PrinterDisabled
		case strings.HasPrefix(rest, "is idle"):
			status = models.PrinterIdle
		case strings.HasPrefix(rest, "now printing"):
			status = models.PrinterPrinting
		}

		targets = append(targets, models.PrinterTarget{Name: fields[1], Status: status})
	}

	return targets
}
