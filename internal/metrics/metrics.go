package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session lifecycle metrics
var (
	// SessionsStartedTotal tracks session start attempts by outcome
	SessionsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printbox_sessions_started_total",
			Help: "Session start attempts by result (ok/conflict/provisioning_failed)",
		},
		[]string{"result"},
	)

	// SessionsEndedTotal tracks completed session teardowns
	SessionsEndedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printbox_sessions_ended_total",
			Help: "Total sessions torn down",
		},
	)

	// SessionActive is 1 while a session is active, 0 otherwise
	SessionActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "printbox_session_active",
			Help: "Whether a print session is currently active",
		},
	)
)

// Sandbox metrics
var (
	// ProvisionDuration tracks sandbox provisioning latency in seconds
	ProvisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "printbox_sandbox_provision_duration_seconds",
			Help:    "Sandbox provisioning duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// ImageBuildsTotal tracks base image builds by result
	ImageBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printbox_image_builds_total",
			Help: "Base image ensure attempts by result",
		},
		[]string{"result"},
	)

	// SandboxTeardownsTotal tracks sandbox teardowns by result (ok/missing/error)
	SandboxTeardownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printbox_sandbox_teardowns_total",
			Help: "Sandbox teardowns by result",
		},
		[]string{"result"},
	)
)

// Queue metrics
var (
	// FilesEnqueuedTotal tracks accepted uploads
	FilesEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printbox_files_enqueued_total",
			Help: "Total files accepted into the queue",
		},
	)

	// FilesRemovedTotal tracks queue removals by reason
	FilesRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printbox_files_removed_total",
			Help: "Files removed from the queue by reason (expired/printed/session-ended)",
		},
		[]string{"reason"},
	)

	// QueueDepth tracks files currently held by the active session
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "printbox_queue_depth",
			Help: "Files currently in the active session queue",
		},
	)

	// PayloadDeleteErrorsTotal tracks failures to delete stored payloads
	PayloadDeleteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printbox_payload_delete_errors_total",
			Help: "Stored payloads that could not be deleted",
		},
	)
)

// Print metrics
var (
	// PrintDispatchTotal tracks dispatch attempts by target kind and result
	PrintDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printbox_print_dispatch_total",
			Help: "Print dispatches by target kind (spooler/simulated) and result",
		},
		[]string{"kind", "result"},
	)
)

// Notification metrics
var (
	// ObserversConnected tracks connected WebSocket observers
	ObserversConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "printbox_observers_connected",
			Help: "Connected WebSocket observers",
		},
	)

	// NotificationsDroppedTotal tracks notifications dropped for slow observers
	NotificationsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printbox_notifications_dropped_total",
			Help: "Notifications dropped because an observer buffer was full",
		},
	)
)
