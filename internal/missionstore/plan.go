// Package missionstore loads, validates and caches mission plans.
package missionstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tiiuae/missioncontroller/internal/config"
	"github.com/tiiuae/missioncontroller/internal/types"
)

// Limits bound the altitudes a plan may command.
type Limits struct {
	MinAltitude float64
	MaxAltitude float64
}

func LimitsFromConfig(m config.Mission) Limits {
	return Limits{MinAltitude: m.MinAltitude, MaxAltitude: m.MaxAltitude}
}

func malformed(source string, problems ...string) error {
	return &types.MalformedPlanError{Source: source, Problems: problems}
}

// Decode parses a plan, choosing JSON or YAML by the extension of name.
func Decode(name string, data []byte) (*types.MissionPlan, error) {
	var plan types.MissionPlan
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&plan); err != nil {
			return nil, malformed(name, err.Error())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&plan); err != nil {
			if err == io.EOF {
				return nil, malformed(name, "empty file")
			}
			return nil, malformed(name, err.Error())
		}
	default:
		return nil, malformed(name, fmt.Sprintf("unsupported extension %q", filepath.Ext(name)))
	}
	if plan.ID == "" {
		plan.ID = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	return &plan, nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func (l Limits) checkAltitude(problems []string, i int, alt float64) []string {
	if !finite(alt) || alt < l.MinAltitude || alt > l.MaxAltitude {
		problems = append(problems, fmt.Sprintf("action %d: altitude %.1f outside [%.1f, %.1f]", i+1, alt, l.MinAltitude, l.MaxAltitude))
	}
	return problems
}

// Validate collects every structural problem of plan.
func Validate(source string, plan *types.MissionPlan, limits Limits) error {
	var problems []string
	if len(plan.Actions) == 0 {
		problems = append(problems, "plan has no actions")
	}

	last := len(plan.Actions) - 1
	for i, a := range plan.Actions {
		switch a.Kind {
		case types.ActionTakeoff:
			if i != 0 {
				problems = append(problems, fmt.Sprintf("action %d: takeoff must be the first action", i+1))
			}
			problems = limits.checkAltitude(problems, i, a.Alt)
		case types.ActionWaypoint:
			if !finite(a.Lat) || a.Lat < -90 || a.Lat > 90 {
				problems = append(problems, fmt.Sprintf("action %d: latitude %f out of range", i+1, a.Lat))
			}
			if !finite(a.Lon) || a.Lon < -180 || a.Lon > 180 {
				problems = append(problems, fmt.Sprintf("action %d: longitude %f out of range", i+1, a.Lon))
			}
			problems = limits.checkAltitude(problems, i, a.Alt)
		case types.ActionHold:
			if a.Hold.Duration <= 0 {
				problems = append(problems, fmt.Sprintf("action %d: hold duration must be positive", i+1))
			}
		case types.ActionLand:
			if i != last {
				problems = append(problems, fmt.Sprintf("action %d: land must be the last action", i+1))
			}
		default:
			problems = append(problems, fmt.Sprintf("action %d: unknown kind %q", i+1, a.Kind))
		}
	}

	if len(problems) > 0 {
		return malformed(source, problems...)
	}
	return nil
}

// LoadFile reads, decodes and validates the plan at path.
func LoadFile(path string, limits Limits) (*types.MissionPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, malformed(path, err.Error())
	}
	plan, err := Decode(path, data)
	if err != nil {
		return nil, err
	}
	if err := Validate(path, plan, limits); err != nil {
		return nil, err
	}
	return plan, nil
}
