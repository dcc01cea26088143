package types

import "fmt"

// CurrentOptionsVersion is the current version of the options struct.
// Increment this value when adding new fields that require default values.
const CurrentOptionsVersion = 2

// Options are the user-adjustable settings that survive restarts.
type Options struct {
	// Global hourly dampening factors
	Dampening []float64 `json:"dampening"`
	// Hard limit in kW, either one value or one per API key
	HardLimits []float64 `json:"hardLimits"`
}

// OptionsDocument is the persisted form of Options.
type OptionsDocument struct {
	Version int     `json:"version"`
	Options Options `json:"options"`
}

// MigrateOptions migrates the options to the current version.
// It returns the migrated options, a boolean indicating if changes were made, and an error if migration failed.
func MigrateOptions(o Options, currentVersion int) (Options, bool, error) {
	if currentVersion > CurrentOptionsVersion {
		return o, false, fmt.Errorf("unknown options version %d", currentVersion)
	}
	if currentVersion == CurrentOptionsVersion {
		return o, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentOptionsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if len(o.Dampening) == 0 {
				o.Dampening = DefaultFactors(HourlyFactors)
				migrated = true
			}
		case 2:
			// version 2: the disabled marker is an empty list instead of 100
			if len(o.HardLimits) > 0 {
				disabled := true
				for _, v := range o.HardLimits {
					if v < HardLimitDisabled {
						disabled = false
						break
					}
				}
				if disabled {
					o.HardLimits = nil
					migrated = true
				}
			}
		default:
			return o, false, fmt.Errorf("unknown options version %d", version)
		}
	}
	return o, migrated, nil
}
