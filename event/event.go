package event

import "time"

// Type tags an Event.
type Type string

const (
	TypeLog           Type = "log"
	TypeStatus        Type = "status"
	TypeCaseStarted   Type = "case_started"
	TypeCaseFinished  Type = "case_finished"
	TypeWorkerExiting Type = "worker_exiting"
)

// Severity levels for log events.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// RiskSnapshot is the risk tracker's state as carried in status events and
// GET_RISK responses.
type RiskSnapshot struct {
	Active         bool           `json:"active"`
	OrderCount     int            `json:"order_count"`
	CancelCount    int            `json:"cancel_count"`
	MaxOrderCount  int            `json:"max_order_count"`
	MaxCancelCount int            `json:"max_cancel_count"`
	MaxRepeatCount int            `json:"max_repeat_count"`
	SymbolCounts   map[string]int `json:"symbol_counts,omitempty"`
}

// StatusSnapshot describes the worker at a point in time.
type StatusSnapshot struct {
	State          string        `json:"state"`
	Busy           bool          `json:"busy"`
	CurrentCase    string        `json:"current_case,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	LastFinishedAt time.Time     `json:"last_finished_at,omitempty"`
	Risk           *RiskSnapshot `json:"risk,omitempty"`
}

// Event is the single message type on the push channel. Type selects which
// of the optional fields are meaningful. Seq is a per-producer monotonic
// sequence number; gaps indicate events dropped under overflow.
type Event struct {
	Type Type      `json:"event_type"`
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`

	// log
	Message  string `json:"message,omitempty"`
	Severity string `json:"severity,omitempty"`

	// status
	Status *StatusSnapshot `json:"status,omitempty"`

	// case_started / case_finished
	CaseID    string `json:"case_id,omitempty"`
	CaseOK    bool   `json:"case_ok,omitempty"`
	CaseError string `json:"case_error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`

	// worker_exiting
	Reason string `json:"reason,omitempty"`
}

func Log(severity, message string) Event {
	return Event{Type: TypeLog, Severity: severity, Message: message}
}

func Status(s StatusSnapshot) Event {
	return Event{Type: TypeStatus, Status: &s}
}

func CaseStarted(caseID string) Event {
	return Event{Type: TypeCaseStarted, CaseID: caseID}
}

func CaseFinished(caseID string, ok bool, caseErr string, elapsed time.Duration) Event {
	return Event{
		Type:      TypeCaseFinished,
		CaseID:    caseID,
		CaseOK:    ok,
		CaseError: caseErr,
		ElapsedMS: elapsed.Milliseconds(),
	}
}

func WorkerExiting(reason string) Event {
	return Event{Type: TypeWorkerExiting, Reason: reason}
}
