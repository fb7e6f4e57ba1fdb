package worker

import (
	"fmt"
	"sync"

	"github.com/gatelab/gwharness/event"
	"go.uber.org/zap"
)

// Risk defaults, counted per worker process lifetime.
const (
	defaultMaxOrderCount  = 5
	defaultMaxCancelCount = 5
	defaultMaxRepeatCount = 2
)

// RiskTracker holds the shared admin state mutated by the RESET_RISK and
// SET_THRESHOLDS operations: order/cancel counters, per-symbol repeat
// counters, thresholds, and the emergency-stop flag. Threshold breaches are
// surfaced as warning events, not errors; the session layer decides whether
// to reject.
type RiskTracker struct {
	log    *zap.SugaredLogger
	events *event.Producer

	mu             sync.Mutex
	active         bool
	orderCount     int
	cancelCount    int
	maxOrderCount  int
	maxCancelCount int
	maxRepeatCount int
	symbolCounts   map[string]int
}

func NewRiskTracker(log *zap.SugaredLogger, events *event.Producer) *RiskTracker {
	return &RiskTracker{
		log:            log.Named("risk"),
		events:         events,
		active:         true,
		maxOrderCount:  defaultMaxOrderCount,
		maxCancelCount: defaultMaxCancelCount,
		maxRepeatCount: defaultMaxRepeatCount,
		symbolCounts:   map[string]int{},
	}
}

// CheckOrder records an order attempt for symbol and reports whether trading
// is currently allowed.
func (r *RiskTracker) CheckOrder(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		r.warn("trading paused, order rejected")
		return false
	}

	r.orderCount++
	r.symbolCounts[symbol]++

	if r.symbolCounts[symbol] > r.maxRepeatCount {
		r.warnf("repeat orders for %s exceed threshold (%d > %d)", symbol, r.symbolCounts[symbol], r.maxRepeatCount)
	}
	if r.orderCount > r.maxOrderCount {
		r.warnf("order count exceeds threshold (%d > %d)", r.orderCount, r.maxOrderCount)
	}
	return true
}

// OnCancel records a completed cancel.
func (r *RiskTracker) OnCancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelCount++
	if r.cancelCount > r.maxCancelCount {
		r.warnf("cancel count exceeds threshold (%d > %d)", r.cancelCount, r.maxCancelCount)
	}
}

// EmergencyStop pauses trading until Reset.
func (r *RiskTracker) EmergencyStop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.warn("emergency stop triggered, rejecting further orders")
}

// SetThresholds updates the non-nil thresholds and returns the resulting
// snapshot.
func (r *RiskTracker) SetThresholds(maxOrder, maxCancel, maxRepeat *int) event.RiskSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxOrder != nil {
		r.maxOrderCount = *maxOrder
	}
	if maxCancel != nil {
		r.maxCancelCount = *maxCancel
	}
	if maxRepeat != nil {
		r.maxRepeatCount = *maxRepeat
	}
	return r.snapshotLocked()
}

// Reset clears the counters and re-enables trading.
func (r *RiskTracker) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = true
	r.orderCount = 0
	r.cancelCount = 0
	r.symbolCounts = map[string]int{}
	r.log.Info("risk counters reset")
}

func (r *RiskTracker) Snapshot() event.RiskSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *RiskTracker) snapshotLocked() event.RiskSnapshot {
	counts := make(map[string]int, len(r.symbolCounts))
	for k, v := range r.symbolCounts {
		counts[k] = v
	}
	return event.RiskSnapshot{
		Active:         r.active,
		OrderCount:     r.orderCount,
		CancelCount:    r.cancelCount,
		MaxOrderCount:  r.maxOrderCount,
		MaxCancelCount: r.maxCancelCount,
		MaxRepeatCount: r.maxRepeatCount,
		SymbolCounts:   counts,
	}
}

func (r *RiskTracker) warn(msg string) {
	r.log.Warn(msg)
	r.events.Emit(event.Log(event.SeverityWarning, msg))
}

func (r *RiskTracker) warnf(format string, args ...interface{}) {
	r.log.Warnf(format, args...)
	r.events.Emit(event.Log(event.SeverityWarning, fmt.Sprintf(format, args...)))
}
