package types

import "fmt"

type ActionKind string

const (
	ActionTakeoff  ActionKind = "takeoff"
	ActionWaypoint ActionKind = "waypoint"
	ActionHold     ActionKind = "hold"
	ActionLand     ActionKind = "land"
)

// Action is one step of a mission plan. Which fields are meaningful
// depends on Kind: waypoints use Lat/Lon/Alt, takeoff uses Alt, hold uses
// Hold.
type Action struct {
	Kind ActionKind `yaml:"kind" json:"kind"`
	Lat  float64    `yaml:"lat,omitempty" json:"lat,omitempty"`
	Lon  float64    `yaml:"lon,omitempty" json:"lon,omitempty"`
	Alt  float64    `yaml:"alt,omitempty" json:"alt,omitempty"`
	Hold Duration   `yaml:"hold,omitempty" json:"hold,omitempty"`
}

func (a Action) Target() Position {
	return Position{Lat: a.Lat, Lon: a.Lon, Alt: a.Alt}
}

func (a Action) String() string {
	switch a.Kind {
	case ActionTakeoff:
		return fmt.Sprintf("takeoff to %.1fm", a.Alt)
	case ActionWaypoint:
		return fmt.Sprintf("waypoint %s", a.Target())
	case ActionHold:
		return fmt.Sprintf("hold %v", a.Hold.Duration)
	case ActionLand:
		return "land"
	}
	return string(a.Kind)
}

// MissionPlan is an ordered, validated list of actions. Plans handed out by
// the mission store are copies; nothing mutates a loaded plan.
type MissionPlan struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	Actions []Action `yaml:"actions" json:"actions"`
}

// TakeoffAltitude is the altitude of a leading takeoff action, or def.
func (p *MissionPlan) TakeoffAltitude(def float64) float64 {
	if len(p.Actions) > 0 && p.Actions[0].Kind == ActionTakeoff {
		return p.Actions[0].Alt
	}
	return def
}

func (p *MissionPlan) Clone() *MissionPlan {
	out := *p
	out.Actions = append([]Action(nil), p.Actions...)
	return &out
}
