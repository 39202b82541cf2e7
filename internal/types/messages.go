package types

import "time"

const (
	MessageTypeStateChanged   = "state-changed"
	MessageTypeCycleCompleted = "cycle-completed"
	MessageTypeFault          = "fault"
	MessageTypeActionStarted  = "action-started"
	MessageTypeVehicleStatus  = "vehicle-status"
	MessageTypeTelemetry      = "telemetry"
	MessageTypeAbort          = "abort"
	MessageTypeReset          = "reset"
	MessageTypeSyncPlan       = "sync-plan"
)

type StateChanged struct {
	CycleID string `json:"cycle_id"`
	Cycle   int    `json:"cycle"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

type CycleCompleted struct {
	CycleID  string        `json:"cycle_id"`
	Cycle    int           `json:"cycle"`
	PlanID   string        `json:"plan_id"`
	Actions  int           `json:"actions"`
	Duration time.Duration `json:"duration"`
}

// ActionStarted reports mission progress; Action counts from 1.
type ActionStarted struct {
	CycleID string `json:"cycle_id"`
	Cycle   int    `json:"cycle"`
	Action  int    `json:"action"`
	Total   int    `json:"total"`
	Kind    string `json:"kind"`
}

type Fault struct {
	CycleID string `json:"cycle_id"`
	Cycle   int    `json:"cycle"`
	State   string `json:"state"`
	Error   string `json:"error"`
}

// VehicleStatus is posted whenever armed state, flight mode, landed state
// or link health changes.
type VehicleStatus struct {
	Armed      bool        `json:"armed"`
	FlightMode FlightMode  `json:"flight_mode"`
	Landed     LandedState `json:"landed"`
	LinkUp     bool        `json:"link_up"`
}

type AbortRequested struct {
	Reason string `json:"reason"`
}

type ResetRequested struct{}

type SyncPlan struct{}
