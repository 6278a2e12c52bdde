package k1ws

import "fmt"

// PrintState is the firmware's print state code.
type PrintState int

const (
	PrintStopped  PrintState = 0
	PrintPrinting PrintState = 1
	PrintComplete PrintState = 2
	PrintFailed   PrintState = 3
	PrintAborted  PrintState = 4
	PrintPaused   PrintState = 5
)

var printStateNames = map[PrintState]string{
	PrintStopped:  "Stopped",
	PrintPrinting: "Printing",
	PrintComplete: "Complete",
	PrintFailed:   "Failed",
	PrintAborted:  "Aborted",
	PrintPaused:   "Paused",
}

func (s PrintState) String() string {
	if name, ok := printStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Active reports whether a job is in progress.
func (s PrintState) Active() bool {
	return s == PrintPrinting || s == PrintPaused
}

// Finished reports whether the state ends a job.
func (s PrintState) Finished() bool {
	switch s {
	case PrintStopped, PrintComplete, PrintFailed, PrintAborted:
		return true
	}
	return false
}

// MarshalText renders the state name.
func (s PrintState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts a state name.
func (s *PrintState) UnmarshalText(b []byte) error {
	for code, name := range printStateNames {
		if name == string(b) {
			*s = code
			return nil
		}
	}
	return fmt.Errorf("unknown print state %q", b)
}

// Temperatures groups the heater readings of a frame.
type Temperatures struct {
	Nozzle       Opt[float64] `json:"nozzle"`
	NozzleTarget Opt[float64] `json:"nozzle_target"`
	NozzleMax    Opt[float64] `json:"nozzle_max"`
	Bed          Opt[float64] `json:"bed"`
	BedTarget    Opt[float64] `json:"bed_target"`
	BedMax       Opt[float64] `json:"bed_max"`
	Chamber      Opt[float64] `json:"chamber"`
}

// Fan is one fan slot reading.
type Fan struct {
	Percent Opt[int]  `json:"percent"`
	On      Opt[bool] `json:"on"`
}

// StatusFrame is one decoded telemetry message. Every field is optional:
// the firmware only reports what changed.
type StatusFrame struct {
	State           Opt[PrintState]  `json:"state"`
	Temps           Temperatures     `json:"temperatures"`
	Progress        Opt[int]         `json:"progress"`
	ElapsedSec      Opt[int]         `json:"elapsed_sec"`
	RemainingSec    Opt[int]         `json:"remaining_sec"`
	Layer           Opt[int]         `json:"layer"`
	TotalLayers     Opt[int]         `json:"total_layers"`
	Fans            [NumFanSlots]Fan `json:"fans"`
	Light           Opt[bool]        `json:"light"`
	UsedMaterial    Opt[float64]     `json:"used_material"`
	Model           Opt[string]      `json:"model"`
	HardwareVersion Opt[string]      `json:"hardware_version"`
	SoftwareVersion Opt[string]      `json:"software_version"`
}

// Empty reports whether the frame carries no recognized field.
func (f *StatusFrame) Empty() bool {
	return *f == StatusFrame{}
}

// Merge copies every known field of o into f, leaving fields o does not
// report untouched. It reports whether f changed.
func (f *StatusFrame) Merge(o StatusFrame) bool {
	before := *f

	f.State.Merge(o.State)
	f.Temps.Nozzle.Merge(o.Temps.Nozzle)
	f.Temps.NozzleTarget.Merge(o.Temps.NozzleTarget)
	f.Temps.NozzleMax.Merge(o.Temps.NozzleMax)
	f.Temps.Bed.Merge(o.Temps.Bed)
	f.Temps.BedTarget.Merge(o.Temps.BedTarget)
	f.Temps.BedMax.Merge(o.Temps.BedMax)
	f.Temps.Chamber.Merge(o.Temps.Chamber)
	f.Progress.Merge(o.Progress)
	f.ElapsedSec.Merge(o.ElapsedSec)
	f.RemainingSec.Merge(o.RemainingSec)
	f.Layer.Merge(o.Layer)
	f.TotalLayers.Merge(o.TotalLayers)
	for i := range f.Fans {
		f.Fans[i].Percent.Merge(o.Fans[i].Percent)
		f.Fans[i].On.Merge(o.Fans[i].On)
	}
	f.Light.Merge(o.Light)
	f.UsedMaterial.Merge(o.UsedMaterial)
	f.Model.Merge(o.Model)
	f.HardwareVersion.Merge(o.HardwareVersion)
	f.SoftwareVersion.Merge(o.SoftwareVersion)

	return *f != before
}

// FanPercent returns the effective speed of a slot: 0 when the fan is
// reported off, otherwise the reported percentage clamped to [0, 100].
func (f *StatusFrame) FanPercent(slot FanSlot) Opt[int] {
	if !slot.Valid() {
		return Opt[int]{}
	}
	fan := f.Fans[slot]
	if on, ok := fan.On.Get(); ok && !on {
		return Some(0)
	}
	p, ok := fan.Percent.Get()
	if !ok {
		return Opt[int]{}
	}
	return Some(min(max(p, 0), 100))
}
