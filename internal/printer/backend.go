package printer

import (
	"context"

	"github.com/shehryarbajwa/printbox/pkg/models"
)

// Backend is a print spooler the dispatcher can submit to.
// server addresses a specific spooler; "" leaves the choice to the backend.
type Backend interface {
	ListTargets(ctx context.Context, server string) ([]models.PrinterTarget, error)
	Submit(ctx context.Context, server, target, path, title string) error
}
