package types

import (
	"fmt"
	"time"
)

type LandedState uint8

const (
	LandedUnknown LandedState = iota
	LandedOnGround
	LandedInAir
	LandedTakeoff
	LandedLanding
)

func (s LandedState) String() string {
	switch s {
	case LandedOnGround:
		return "on-ground"
	case LandedInAir:
		return "in-air"
	case LandedTakeoff:
		return "takeoff"
	case LandedLanding:
		return "landing"
	}
	return "unknown"
}

func (s LandedState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FlightMode is the autopilot mode name as reported by the flight
// controller, e.g. "GUIDED" or "LAND".
type FlightMode string

type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

func (p Position) String() string {
	return fmt.Sprintf("(%.7f, %.7f, %.1fm)", p.Lat, p.Lon, p.Alt)
}

// DroneState is a telemetry snapshot. Altitude is relative to home.
type DroneState struct {
	Armed      bool        `json:"armed"`
	Altitude   float64     `json:"altitude"`
	Position   Position    `json:"position"`
	BatteryPct float64     `json:"battery_pct"`
	FlightMode FlightMode  `json:"flight_mode"`
	Landed     LandedState `json:"landed"`
	Healthy    bool        `json:"healthy"`
	LinkUp     bool        `json:"link_up"`
	Fault      string      `json:"fault,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// OnGround reports ground contact. Without an extended landed state the
// altitude above home is used.
func (s DroneState) OnGround(groundTolerance float64) bool {
	switch s.Landed {
	case LandedOnGround:
		return true
	case LandedInAir, LandedTakeoff, LandedLanding:
		return false
	}
	return s.Altitude <= groundTolerance
}
