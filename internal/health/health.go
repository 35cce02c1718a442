// Package health computes facts-memory health snapshots, compares them
// against configured thresholds, and maintains a bounded alert ring buffer.
package health

import (
	"os"
	"time"

	"nerdwf/internal/config"
	"nerdwf/internal/factsstore"
	"nerdwf/internal/logging"
)

// Severity of a health alert.
type Severity string

const (
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Status is the overall health summary status.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusDisabled Status = "disabled"
)

// Snapshot captures the measurements ComputeStatus evaluates against
// thresholds.
type Snapshot struct {
	DbSizeMb      float64
	TotalMemories int
	ErrorsToday   int
	StaleDays     int // days since last daily summary
	FtsAvailable  bool
	CapturedAt    time.Time
}

// Alert records one threshold violation.
type Alert struct {
	Severity  Severity
	Type      string
	Message   string
	Timestamp time.Time
}

// AlertBuffer is a bounded ring buffer of alerts; newest entries win when
// full (oldest are evicted).
type AlertBuffer struct {
	capacity int
	entries  []Alert
}

// NewAlertBuffer creates a ring buffer with the given capacity; a capacity
// of zero or less becomes 50.
func NewAlertBuffer(capacity int) *AlertBuffer {
	if capacity <= 0 {
		capacity = 50
	}
	return &AlertBuffer{capacity: capacity}
}

// Push appends an alert, evicting the oldest entry if at capacity.
func (b *AlertBuffer) Push(a Alert) {
	b.entries = append(b.entries, a)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
}

// Active returns all alerts currently in the buffer, oldest first.
func (b *AlertBuffer) Active() []Alert {
	out := make([]Alert, len(b.entries))
	copy(out, b.entries)
	return out
}

// CaptureSnapshot measures the current facts store state.
func CaptureSnapshot(store *factsstore.Store, errorsToday int, now time.Time) (Snapshot, error) {
	var dbSizeMb float64
	if info, err := os.Stat(store.Path()); err == nil {
		dbSizeMb = float64(info.Size()) / (1024 * 1024)
	}

	all, err := store.List(factsstore.ListOptions{})
	if err != nil {
		return Snapshot{}, err
	}

	staleDays := 0
	if latest, found, err := store.LatestDailySummary(); err != nil {
		return Snapshot{}, err
	} else if found {
		staleDays = int(now.Sub(latest.GeneratedAt).Hours() / 24)
	} else {
		staleDays = 9999
	}

	return Snapshot{
		DbSizeMb:      dbSizeMb,
		TotalMemories: len(all),
		ErrorsToday:   errorsToday,
		StaleDays:     staleDays,
		FtsAvailable:  store.FtsAvailable(),
		CapturedAt:    now,
	}, nil
}

// ComputeStatus compares a snapshot against configured thresholds, appends
// any violations to alerts, and returns the alerts raised this run.
func ComputeStatus(snapshot Snapshot, thresholds config.HealthThresholds, alerts *AlertBuffer) []Alert {
	var raised []Alert

	if thresholds.DbSizeMb > 0 && snapshot.DbSizeMb > float64(thresholds.DbSizeMb) {
		raised = append(raised, Alert{
			Severity:  SeverityWarn,
			Type:      "db_size",
			Message:   "facts database exceeds configured size threshold",
			Timestamp: snapshot.CapturedAt,
		})
	}
	if thresholds.ErrorsPerDay > 0 && snapshot.ErrorsToday > thresholds.ErrorsPerDay {
		raised = append(raised, Alert{
			Severity:  SeverityCritical,
			Type:      "error_rate",
			Message:   "facts memory error rate exceeds configured threshold",
			Timestamp: snapshot.CapturedAt,
		})
	}
	if thresholds.StaleDays > 0 && snapshot.StaleDays > thresholds.StaleDays {
		raised = append(raised, Alert{
			Severity:  SeverityWarn,
			Type:      "stale_summary",
			Message:   "no daily summary generated within the staleness threshold",
			Timestamp: snapshot.CapturedAt,
		})
	}
	if !snapshot.FtsAvailable {
		raised = append(raised, Alert{
			Severity:  SeverityWarn,
			Type:      "fts_unavailable",
			Message:   "full text search is unavailable on this sqlite build",
			Timestamp: snapshot.CapturedAt,
		})
	}

	for _, a := range raised {
		alerts.Push(a)
		logging.Health("health alert [%s] %s: %s", a.Severity, a.Type, a.Message)
	}
	return raised
}

// Summary is returned by GetHealthSummary.
type Summary struct {
	Status       Status
	Snapshot     Snapshot
	Thresholds   config.HealthThresholds
	ActiveAlerts []Alert
}

// GetHealthSummary reports {status, snapshot, thresholds, activeAlerts}
// where status is the max severity among active alerts, or disabled when
// facts memory is turned off.
func GetHealthSummary(enabled bool, snapshot Snapshot, thresholds config.HealthThresholds, alerts *AlertBuffer) Summary {
	if !enabled {
		return Summary{Status: StatusDisabled, Snapshot: snapshot, Thresholds: thresholds}
	}
	active := alerts.Active()
	status := StatusOK
	for _, a := range active {
		if a.Severity == SeverityCritical {
			status = StatusCritical
			break
		}
		if a.Severity == SeverityWarn && status == StatusOK {
			status = StatusWarning
		}
	}
	return Summary{Status: status, Snapshot: snapshot, Thresholds: thresholds, ActiveAlerts: active}
}

// RunHealthCheck composes CaptureSnapshot + ComputeStatus, the unit the
// scheduler's health job invokes.
func RunHealthCheck(store *factsstore.Store, errorsToday int, thresholds config.HealthThresholds, alerts *AlertBuffer, now time.Time) (Snapshot, []Alert, error) {
	snapshot, err := CaptureSnapshot(store, errorsToday, now)
	if err != nil {
		return Snapshot{}, nil, err
	}
	raised := ComputeStatus(snapshot, thresholds, alerts)
	return snapshot, raised, nil
}
