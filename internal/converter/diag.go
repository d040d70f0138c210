package converter

import (
	"encoding/hex"
	"log/slog"
	"sync"

	"zigbee-tuya-bridge/internal/tuya"
)

// Diagnostic categories. None of them aborts the frame being decoded.
const (
	CategoryUnrecognized   = "unrecognized_dp"
	CategoryWireType       = "wire_type_mismatch"
	CategoryOutOfRange     = "out_of_range"
	CategoryAmbiguousState = "ambiguous_state"
)

// Reporter logs semantic mismatches at debug level and counts them per
// category. A nil *Reporter discards everything.
type Reporter struct {
	logger *slog.Logger

	mu     sync.Mutex
	counts map[string]uint64
	hook   func(Diagnostic)
}

// Diagnostic is one reported mismatch, as handed to an OnReport hook.
type Diagnostic struct {
	Device   string `json:"device"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// NewReporter creates a reporter writing to logger.
func NewReporter(logger *slog.Logger) *Reporter {
	return &Reporter{
		logger: logger.With("component", "diagnostics"),
		counts: make(map[string]uint64),
	}
}

func (r *Reporter) report(device, category, msg string, args ...any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.counts[category]++
	hook := r.hook
	r.mu.Unlock()
	args = append([]any{"device", device, "category", category}, args...)
	r.logger.Debug(msg, args...)
	if hook != nil {
		hook(Diagnostic{Device: device, Category: category, Message: msg})
	}
}

// OnReport registers fn to run after every report, outside the lock.
func (r *Reporter) OnReport(fn func(Diagnostic)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.hook = fn
	r.mu.Unlock()
}

// Unrecognized reports a DP id the device's converters do not map.
func (r *Reporter) Unrecognized(device string, dp tuya.DpValue) {
	r.report(device, CategoryUnrecognized, "unrecognized dp",
		"dp", dp.DP, "type", dp.Type.String(), "data", hex.EncodeToString(dp.Data))
}

// WireTypeMismatch reports a DP whose wire type differs from the mapping.
func (r *Reporter) WireTypeMismatch(device string, dp tuya.DpValue, expected tuya.WireType) {
	r.report(device, CategoryWireType, "wire type mismatch",
		"dp", dp.DP, "actual", dp.Type.String(), "expected", expected.String(),
		"data", hex.EncodeToString(dp.Data))
}

// OutOfRange reports a decoded value outside its declared domain. min and
// max may be nil when the domain is an enum table.
func (r *Reporter) OutOfRange(device string, dp uint8, field string, value, min, max any) {
	r.report(device, CategoryOutOfRange, "value out of range",
		"dp", dp, "field", field, "value", value, "min", min, "max", max)
}

// Ambiguous reports a decode step that needs state which is not known yet.
func (r *Reporter) Ambiguous(device string, dp uint8, field, dependency string) {
	r.report(device, CategoryAmbiguousState, "ambiguous state",
		"dp", dp, "field", field, "dependency", dependency)
}

// Counts returns a snapshot of the per-category counters.
func (r *Reporter) Counts() map[string]uint64 {
	out := map[string]uint64{
		CategoryUnrecognized:   0,
		CategoryWireType:       0,
		CategoryOutOfRange:     0,
		CategoryAmbiguousState: 0,
	}
	if r == nil {
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}
