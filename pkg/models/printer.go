package models

// PrinterStatus is the readiness of a print target
type PrinterStatus string

const (
	PrinterIdle     PrinterStatus = "idle"
	PrinterPrinting PrinterStatus = "printing"
	PrinterDisabled PrinterStatus = "disabled"
	PrinterUnknown  PrinterStatus = "unknown"
)

// PrinterTarget is a named output queried on demand from the spooler
type PrinterTarget struct {
	Name   string        `json:"name"`
	Status PrinterStatus `json:"status"`
}

// PrintJobRequest is the payload for POST /print-job
type PrintJobRequest struct {
	SessionID   string `json:"sessionId"`
	FileID      string `json:"fileId"`
	PrinterName string `json:"printerName"`
}
