package fsm

import (
	"fmt"

	"github.com/google/uuid"
)

type State int

const (
	Idle State = iota
	Arming
	TakingOff
	ExecutingMission
	Landing
	Charging
	Aborting
	Faulted
)

var stateNames = map[State]string{
	Idle:             "Idle",
	Arming:           "Arming",
	TakingOff:        "TakingOff",
	ExecutingMission: "ExecutingMission",
	Landing:          "Landing",
	Charging:         "Charging",
	Aborting:         "Aborting",
	Faulted:          "Faulted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal states ignore abort requests.
func (s State) Terminal() bool {
	return s == Faulted
}

// allowed is the complete transition table. Every state can fault.
var allowed = map[State]map[State]bool{
	Idle:             {Arming: true, Charging: true, Aborting: true, Faulted: true},
	Arming:           {TakingOff: true, Aborting: true, Faulted: true},
	TakingOff:        {ExecutingMission: true, Aborting: true, Faulted: true},
	ExecutingMission: {ExecutingMission: true, Landing: true, Aborting: true, Faulted: true},
	Landing:          {Charging: true, Faulted: true},
	Charging:         {Idle: true, Aborting: true, Faulted: true},
	Aborting:         {Landing: true, Faulted: true},
	Faulted:          {Idle: true},
}

func canTransition(from, to State) bool {
	return allowed[from][to]
}

// MissionContext is the per-cycle bookkeeping of the running machine.
type MissionContext struct {
	CycleID          string
	Cycle            int
	ActionIndex      int
	RetriesRemaining int
	AbortReason      string

	// Completed is set once the vehicle landed at the end of an
	// uninterrupted mission.
	Completed bool

	abortErr error
}

func newMissionContext(cycle int) *MissionContext {
	return &MissionContext{
		CycleID: uuid.New().String(),
		Cycle:   cycle,
	}
}
