package k1ws

import (
	"fmt"
	"math"
)

// Heater identifies a controllable heater.
type Heater int

const (
	HeaterNozzle Heater = iota
	HeaterBed
)

func (h Heater) String() string {
	switch h {
	case HeaterNozzle:
		return "nozzle"
	case HeaterBed:
		return "bed"
	}
	return fmt.Sprintf("heater(%d)", int(h))
}

// ParseHeater resolves a heater by name.
func ParseHeater(name string) (Heater, error) {
	switch name {
	case "nozzle", "extruder", "hotend":
		return HeaterNozzle, nil
	case "bed", "heater_bed":
		return HeaterBed, nil
	}
	return 0, fmt.Errorf("unknown heater %q", name)
}

// FanValue converts a percentage into the M106 S value for spec, rounding
// half away from zero and clamping to [0, spec.Scale].
func FanValue(spec FanSpec, percent int) int {
	v := (percent*spec.Scale + 50) / 100
	if percent < 0 {
		v = 0
	}
	if v > spec.Scale {
		v = spec.Scale
	}
	return v
}

// FanGCode builds the M106 line for a slot.
//
//	M106 P<index> S<value>
func FanGCode(slot FanSlot, percent int) (string, error) {
	if !slot.Valid() {
		return "", fmt.Errorf("unknown fan slot %d", int(slot))
	}
	spec := FanTable[slot]
	return fmt.Sprintf("M106 P%d S%d", spec.Index, FanValue(spec, percent)), nil
}

// HeaterGCode builds the target temperature line for a heater. Index selects
// the tool or bed zone; K1 printers only have index 0.
//
//	M104 T<index> S<celsius>   nozzle
//	M140 I<index> S<celsius>   bed
func HeaterGCode(h Heater, index int, celsius float64) (string, error) {
	t := int(math.Round(celsius))
	switch h {
	case HeaterNozzle:
		return fmt.Sprintf("M104 T%d S%d", index, t), nil
	case HeaterBed:
		return fmt.Sprintf("M140 I%d S%d", index, t), nil
	}
	return "", fmt.Errorf("unknown heater %d", int(h))
}
