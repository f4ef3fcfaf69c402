package elm327

import (
	"errors"
	"fmt"
)

// Category selects the value class a PID reading belongs to.
type Category string

const (
	CategoryRPM         Category = "rpm"
	CategorySpeed       Category = "speed"
	CategoryPercentage  Category = "percentage"
	CategoryPressure    Category = "pressure"
	CategoryTemperature Category = "temperature"
	CategoryVoltage     Category = "voltage"
)

// PIDDefinition describes one monitored OBD-II parameter.
type PIDDefinition struct {
	Key       string   `json:"key" yaml:"key"`         // Stable identifier, snapshot key
	Name      string   `json:"name" yaml:"name"`       // Display name
	Command   string   `json:"command" yaml:"command"` // Mode 01 + PID, 4 hex digits
	Unit      string   `json:"unit" yaml:"unit"`
	Category  Category `json:"category" yaml:"category"`
	Icon      string   `json:"icon" yaml:"icon"`
	Precision int      `json:"precision" yaml:"precision"` // Decimal places for display
}

// Mode 01 command codes understood by the decoder.
const (
	PIDEngineRPM          = "010C"
	PIDVehicleSpeed       = "010D"
	PIDThrottlePosition   = "0111"
	PIDFuelLevel          = "012F"
	PIDBarometricPressure = "0133"
	PIDAmbientTemperature = "0146"
	PIDBatteryVoltage     = "0142"
)

var defaultPIDs = []PIDDefinition{
	{Key: "engine_rpm", Name: "Engine RPM", Command: PIDEngineRPM, Unit: "rpm", Category: CategoryRPM, Icon: "mdi:engine", Precision: 0},
	{Key: "vehicle_speed", Name: "Vehicle Speed", Command: PIDVehicleSpeed, Unit: "km/h", Category: CategorySpeed, Icon: "mdi:speedometer", Precision: 1},
	{Key: "throttle_position", Name: "Throttle Position", Command: PIDThrottlePosition, Unit: "%", Category: CategoryPercentage, Icon: "mdi:gas-cylinder", Precision: 1},
	{Key: "fuel_level", Name: "Fuel Level", Command: PIDFuelLevel, Unit: "%", Category: CategoryPercentage, Icon: "mdi:fuel", Precision: 1},
	{Key: "barometric_pressure", Name: "Barometric Pressure", Command: PIDBarometricPressure, Unit: "kPa", Category: CategoryPressure, Icon: "mdi:gauge", Precision: 1},
	{Key: "ambient_temperature", Name: "Ambient Temperature", Command: PIDAmbientTemperature, Unit: "°C", Category: CategoryTemperature, Icon: "mdi:thermometer", Precision: 1},
	{Key: "battery_voltage", Name: "Battery Voltage", Command: PIDBatteryVoltage, Unit: "V", Category: CategoryVoltage, Icon: "mdi:car-battery", Precision: 2},
}

// DefaultPIDs returns a copy of the built-in PID set in collection order.
func DefaultPIDs() []PIDDefinition {
	out := make([]PIDDefinition, len(defaultPIDs))
	copy(out, defaultPIDs)
	return out
}

// SelectPIDs returns the built-in definitions named by keys, in canonical
// collection order. An empty keys slice selects everything.
func SelectPIDs(keys []string) ([]PIDDefinition, error) {
	if len(keys) == 0 {
		return DefaultPIDs(), nil
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		if _, ok := LookupPID(k); !ok {
			return nil, fmt.Errorf("elm327: unknown pid key %q", k)
		}
		want[k] = true
	}
	out := make([]PIDDefinition, 0, len(want))
	for _, d := range defaultPIDs {
		if want[d.Key] {
			out = append(out, d)
		}
	}
	return out, nil
}

// LookupPID finds a built-in definition by key.
func LookupPID(key string) (PIDDefinition, bool) {
	for _, d := range defaultPIDs {
		if d.Key == key {
			return d, true
		}
	}
	return PIDDefinition{}, false
}

// ValidatePIDs checks that a configured set is usable: non-empty, with
// unique keys and unique command codes.
func ValidatePIDs(defs []PIDDefinition) error {
	if len(defs) == 0 {
		return errors.New("elm327: at least one pid required")
	}
	keys := make(map[string]bool, len(defs))
	cmds := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d.Key == "" {
			return fmt.Errorf("elm327: pid %q has no key", d.Command)
		}
		if len(d.Command) != 4 {
			return fmt.Errorf("elm327: pid %s: command %q is not 4 hex digits", d.Key, d.Command)
		}
		if keys[d.Key] {
			return fmt.Errorf("elm327: duplicate pid key %q", d.Key)
		}
		if cmds[d.Command] {
			return fmt.Errorf("elm327: duplicate pid command %q", d.Command)
		}
		keys[d.Key] = true
		cmds[d.Command] = true
	}
	return nil
}
