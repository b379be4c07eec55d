package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/netip"
	"path/filepath"

	"github.com/shehryarbajwa/printbox/internal/ratelimit"
	"github.com/shehryarbajwa/printbox/internal/session"
	"github.com/shehryarbajwa/printbox/pkg/models"
)

const multipartMemory = 8 << 20

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessionMgr     *session.Manager
	limiter        *ratelimit.Limiter
	maxUploadBytes int64
	trustedProxies []netip.Prefix
}

// HandlerOptions configures request limits
type HandlerOptions struct {
	MaxUploadBytes int64
	TrustedProxies []netip.Prefix
}

// NewHandler creates a new HTTP handler
func NewHandler(sessionMgr *session.Manager, limiter *ratelimit.Limiter, opts HandlerOptions) *Handler {
	return &Handler{
		sessionMgr:     sessionMgr,
		limiter:        limiter,
		maxUploadBytes: opts.MaxUploadBytes,
		trustedProxies: opts.TrustedProxies,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type okResponse struct {
	Status string `json:"status"`
}

// StartSession handles POST /start-session
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	resp, err := h.sessionMgr.StartSession(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// EndSession handles POST /end-session
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessionMgr.EndSession(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	if h.limiter != nil {
		h.limiter.Reset()
	}
	writeJSON(w, http.StatusOK, okResponse{Status: "ok"})
}

// Upload handles POST /upload?sessionId=
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, models.ErrInvalidSession)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file too large"})
			return
		}
		writeError(w, models.ErrNoFile)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, models.ErrNoFile)
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(header.Filename)); byExt != "" {
			mimeType = byExt
		}
	}

	record, err := h.sessionMgr.Upload(sessionID, models.UploadMeta{
		OriginalName: header.Filename,
		MimeType:     mimeType,
	}, file)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.UploadResponse{
		FileID:       record.ID,
		TicketNumber: record.TicketNumber,
		Ticket:       record.Ticket,
	})
}

// SessionFiles handles GET /session-files?sessionId=
func (h *Handler) SessionFiles(w http.ResponseWriter, r *http.Request) {
	files := h.sessionMgr.Files(r.URL.Query().Get("sessionId"))
	writeJSON(w, http.StatusOK, files)
}

// SessionStatus handles GET /session-status
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessionMgr.CurrentStatus())
}

// Printers handles GET /printers
func (h *Handler) Printers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessionMgr.Printers(r.Context()))
}

// PrintJob handles POST /print-job
func (h *Handler) PrintJob(w http.ResponseWriter, r *http.Request) {
	var req models.PrintJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}
	if req.FileID == "" || req.PrinterName == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "fileId and printerName are required"})
		return
	}

	if err := h.sessionMgr.Print(r.Context(), req.SessionID, req.FileID, req.PrinterName); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, okResponse{Status: "ok"})
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"sessionState": string(h.sessionMgr.State()),
	})
}

// statusFor maps an error kind to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrPrintFailed),
		errors.Is(err, models.ErrProvisioningFailed):
		return http.StatusInternalServerError
	case errors.Is(err, models.ErrSessionConflict),
		errors.Is(err, models.ErrNoActiveSession),
		errors.Is(err, models.ErrInvalidSession),
		errors.Is(err, models.ErrSessionMismatch),
		errors.Is(err, models.ErrNoFile),
		errors.Is(err, models.ErrTargetNotFound):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}
