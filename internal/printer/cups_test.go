package printer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/printbox/pkg/models"
)

const lpstatOutput = `printer Office_Laser is idle.  enabled since Mon 01 Jan 2024 09:00:00 AM
printer Label_Printer disabled since Tue 02 Jan 2024 10:00:00 AM -
	reason unknown
printer Photo_Inkjet now printing Photo_Inkjet-12.  enabled since Wed 03 Jan 2024
`

func TestParseLpstat(t *testing.T) {
	targets := parseLpstat([]byte(lpstatOutput))

	assert.Equal(t, []models.PrinterTarget{
		{Name: "Office_Laser", Status: models.PrinterIdle},
		{Name: "Label_Printer", Status: models.PrinterDisabled},
		{Name: "Photo_Inkjet", Status: models.PrinterPrinting},
	}, targets)
}

func TestCUPSBackend_ListTargetsPassesServer(t *testing.T) {
	var gotName string
	var gotArgs []string
	backend := NewCUPSBackend("printhost:631").WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte(lpstatOutput), nil
	})

	targets, err := backend.ListTargets(context.Background(), "")
	require.NoError(t, err)

	assert.Len(t, targets, 3)
	assert.Equal(t, "lpstat", gotName)
	assert.Equal(t, []string{"-h", "printhost:631", "-p"}, gotArgs)
}

func TestCUPSBackend_NoDestinationsIsEmpty(t *testing.T) {
	backend := NewCUPSBackend("").WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("lpstat: No destinations added.\n"), errors.New("exit status 1")
	})

	targets, err := backend.ListTargets(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestCUPSBackend_ListTargetsError(t *testing.T) {
	backend := NewCUPSBackend("").WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("lpstat: Bad file descriptor"), errors.New("exit status 1")
	})

	_, err := backend.ListTargets(context.Background(), "")
	assert.ErrorContains(t, err, "Bad file descriptor")
}

func TestCUPSBackend_Submit(t *testing.T) {
	var gotName string
	var gotArgs []string
	backend := NewCUPSBackend("").WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte("request id is Office_Laser-7 (1 file(s))"), nil
	})

	require.NoError(t, backend.Submit(context.Background(), "", "Office_Laser", "/tmp/a-report.pdf", "report.pdf"))

	assert.Equal(t, "lp", gotName)
	assert.Equal(t, []string{"-d", "Office_Laser", "-t", "report.pdf", "--", "/tmp/a-report.pdf"}, gotArgs)
}

func TestCUPSBackend_SubmitError(t *testing.T) {
	backend := NewCUPSBackend("").WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("lp: The printer or class does not exist."), errors.New("exit status 1")
	})

	err := backend.Submit(context.Background(), "", "Missing", "/tmp/x", "x")
	assert.ErrorContains(t, err, "does not exist")
}

func TestCUPSBackend_SubmitPrefersRequestedServer(t *testing.T) {
	var gotArgs []string
	backend := NewCUPSBackend("printhost:631").WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return nil, nil
	})

	require.NoError(t, backend.Submit(context.Background(), "127.0.0.1:49153", "PDF", "/tmp/a.pdf", "a.pdf"))
	assert.Equal(t, []string{"-h", "127.0.0.1:49153", "-d", "PDF", "-t", "a.pdf", "--", "/tmp/a.pdf"}, gotArgs)

	_, err := backend.ListTargets(context.Background(), "127.0.0.1:49153")
	require.NoError(t, err)
	assert.Equal(t, []string{"-h", "127.0.0.1:49153", "-p"}, gotArgs)
}
