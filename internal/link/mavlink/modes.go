package mavlink

import (
	"fmt"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

// ArduCopter custom_mode numbers.
var arduCopterModes = map[uint32]string{
	0:  "STABILIZE",
	1:  "ACRO",
	2:  "ALT_HOLD",
	3:  "AUTO",
	4:  "GUIDED",
	5:  "LOITER",
	6:  "RTL",
	7:  "CIRCLE",
	9:  "LAND",
	16: "POSHOLD",
	17: "BRAKE",
	21: "SMART_RTL",
}

// PX4 packs a main mode into bits 16-23 and an auto sub mode into 24-31.
var px4MainModes = map[uint32]string{
	1: "MANUAL",
	2: "ALTCTL",
	3: "POSCTL",
	4: "AUTO",
	5: "ACRO",
	6: "OFFBOARD",
	7: "STABILIZED",
}

var px4AutoModes = map[uint32]string{
	2: "AUTO.TAKEOFF",
	3: "AUTO.LOITER",
	4: "AUTO.MISSION",
	5: "AUTO.RTL",
	6: "AUTO.LAND",
}

func modeName(autopilot common.MAV_AUTOPILOT, custom uint32) string {
	if autopilot == common.MAV_AUTOPILOT_PX4 {
		mainMode := (custom >> 16) & 0xff
		if mainMode == 4 {
			if name, ok := px4AutoModes[(custom>>24)&0xff]; ok {
				return name
			}
		}
		if name, ok := px4MainModes[mainMode]; ok {
			return name
		}
		return fmt.Sprintf("PX4(%d)", custom)
	}
	if name, ok := arduCopterModes[custom]; ok {
		return name
	}
	return fmt.Sprintf("MODE(%d)", custom)
}

// modeNumber is the inverse of modeName.
func modeNumber(autopilot common.MAV_AUTOPILOT, name string) (uint32, bool) {
	if autopilot == common.MAV_AUTOPILOT_PX4 {
		for sub, n := range px4AutoModes {
			if n == name {
				return 4<<16 | sub<<24, true
			}
		}
		for mainMode, n := range px4MainModes {
			if n == name {
				return mainMode << 16, true
			}
		}
		return 0, false
	}
	for num, n := range arduCopterModes {
		if n == name {
			return num, true
		}
	}
	return 0, false
}
