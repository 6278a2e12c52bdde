package k1ws

import "fmt"

// FanSlot identifies a named fan output.
type FanSlot int

const (
	FanModel FanSlot = iota
	FanCase
	FanSide

	NumFanSlots = 3
)

// FanSpec describes how one fan slot maps onto the protocol.
type FanSpec struct {
	Slot FanSlot
	Name string
	// PercentKey is the status key carrying the speed in percent.
	PercentKey string
	// ToggleKey is the status key carrying the on/off flag.
	ToggleKey string
	// Index is the M106 P parameter.
	Index int
	// Scale is the M106 S value for 100%.
	Scale int
}

// FanTable is the K1 fan layout. Firmware variants with a different layout
// add a table rather than branching in the codec.
var FanTable = [NumFanSlots]FanSpec{
	{Slot: FanModel, Name: "model", PercentKey: "modelFanPct", ToggleKey: "fan", Index: 0, Scale: 255},
	{Slot: FanCase, Name: "case", PercentKey: "caseFanPct", ToggleKey: "fanCase", Index: 1, Scale: 255},
	{Slot: FanSide, Name: "side", PercentKey: "auxiliaryFanPct", ToggleKey: "fanAuxiliary", Index: 2, Scale: 255},
}

func (s FanSlot) String() string {
	if s.Valid() {
		return FanTable[s].Name
	}
	return fmt.Sprintf("fan(%d)", int(s))
}

// Valid reports whether s is a known slot.
func (s FanSlot) Valid() bool {
	return s >= 0 && int(s) < NumFanSlots
}

// ParseFanSlot resolves a slot by name. "auxiliary" is accepted for "side".
func ParseFanSlot(name string) (FanSlot, error) {
	for _, spec := range FanTable {
		if spec.Name == name {
			return spec.Slot, nil
		}
	}
	if name == "auxiliary" {
		return FanSide, nil
	}
	return 0, fmt.Errorf("unknown fan slot %q", name)
}
