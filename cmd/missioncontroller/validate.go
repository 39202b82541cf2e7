package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tiiuae/missioncontroller/internal/config"
	"github.com/tiiuae/missioncontroller/internal/missionstore"
	"github.com/tiiuae/missioncontroller/internal/types"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan>",
		Short: "Check a mission plan file and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			plan, err := missionstore.LoadFile(args[0], missionstore.LimitsFromConfig(cfg.Mission))
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), plan, cfg.Mission.TakeoffAltitude)
			return nil
		},
	}
}

// printSummary lists the actions and the horizontal distance flown
// between waypoints.
func printSummary(w io.Writer, plan *types.MissionPlan, defaultAltitude float64) {
	title := plan.ID
	if plan.Name != "" {
		title = fmt.Sprintf("%s (%s)", plan.ID, plan.Name)
	}
	fmt.Fprintf(w, "Plan %s: %d actions, takeoff to %.1f m\n", title, len(plan.Actions), plan.TakeoffAltitude(defaultAltitude))

	var last *types.Position
	total := 0.0
	for i, a := range plan.Actions {
		fmt.Fprintf(w, "  %2d. %s\n", i+1, a)
		if a.Kind != types.ActionWaypoint {
			continue
		}
		p := a.Target()
		if last != nil {
			total += types.Distance(*last, p)
		}
		last = &p
	}
	fmt.Fprintf(w, "Waypoint legs: %.0f m\n", total)
}
