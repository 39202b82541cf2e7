package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrCommandInFlight is returned when a command is issued while the
	// adapter is still waiting on a previous one.
	ErrCommandInFlight = errors.New("a flight controller command is already in flight")
	// ErrInvalidTransition marks a transition missing from the state table.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAborted is the abort reason recorded for external abort requests.
	ErrAborted = errors.New("mission aborted")
)

// TransientLinkError is a command send or ack failure that a retry may fix.
type TransientLinkError struct {
	Op  string
	Err error
}

func NewTransientLinkError(op string, err error) error {
	return &TransientLinkError{Op: op, Err: err}
}

func (e *TransientLinkError) Error() string {
	return fmt.Sprintf("transient link error during %s: %v", e.Op, e.Err)
}

func (e *TransientLinkError) Unwrap() error { return e.Err }

// TimeoutError means an expected confirmation was not observed in time.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func NewTimeoutError(op string, after time.Duration) error {
	return &TimeoutError{Op: op, After: after}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s not confirmed within %v", e.Op, e.After)
}

// MalformedPlanError lists every structural problem found in a plan.
type MalformedPlanError struct {
	Source   string
	Problems []string
}

func (e *MalformedPlanError) Error() string {
	return fmt.Sprintf("malformed mission plan %s: %s", e.Source, strings.Join(e.Problems, "; "))
}

const (
	MetricBattery  = "battery"
	MetricAltitude = "altitude"
)

// SafetyThresholdError is a battery or altitude breach.
type SafetyThresholdError struct {
	Metric string
	Value  float64
	Limit  float64
}

func (e *SafetyThresholdError) Error() string {
	return fmt.Sprintf("safety threshold breached: %s %.1f (limit %.1f)", e.Metric, e.Value, e.Limit)
}

// HardFaultError is an unrecoverable flight controller condition.
type HardFaultError struct {
	Reason string
	Err    error
}

func NewHardFaultError(reason string, err error) error {
	return &HardFaultError{Reason: reason, Err: err}
}

func (e *HardFaultError) Error() string {
	if e.Err == nil {
		return "hard fault: " + e.Reason
	}
	return fmt.Sprintf("hard fault: %s: %v", e.Reason, e.Err)
}

func (e *HardFaultError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	var transient *TransientLinkError
	var timeout *TimeoutError
	return errors.As(err, &transient) || errors.As(err, &timeout)
}

func IsHardFault(err error) bool {
	var hard *HardFaultError
	return errors.As(err, &hard)
}

func IsSafetyThreshold(err error) bool {
	var safety *SafetyThresholdError
	return errors.As(err, &safety)
}

// IsBatteryThreshold reports a low-battery breach, the one safety abort
// that is recovered by charging.
func IsBatteryThreshold(err error) bool {
	var safety *SafetyThresholdError
	return errors.As(err, &safety) && safety.Metric == MetricBattery
}

func IsMalformedPlan(err error) bool {
	var malformed *MalformedPlanError
	return errors.As(err, &malformed)
}
