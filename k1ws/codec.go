package k1ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// ModeHeartbeat is the ModeCode of heartbeat frames in both directions.
const ModeHeartbeat = "heart_beat"

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	FrameStatus FrameKind = iota
	FrameHeartbeat
	FrameAck
)

func (k FrameKind) String() string {
	switch k {
	case FrameStatus:
		return "status"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameAck:
		return "ack"
	}
	return "unknown"
}

// Frame is a decoded inbound message. Status is only set for FrameStatus.
type Frame struct {
	Kind   FrameKind
	Status StatusFrame
}

type heartbeat struct {
	ModeCode string  `json:"ModeCode"`
	Msg      float64 `json:"msg"` // unix seconds
}

type setRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// EncodeStatusQuery builds the periodic heartbeat the printer answers with
// its status push. msg carries the send time as a JSON number of seconds.
//
//	{"ModeCode":"heart_beat","msg":1700000000.25}
func EncodeStatusQuery(now time.Time) []byte {
	b, _ := json.Marshal(heartbeat{
		ModeCode: ModeHeartbeat,
		Msg:      float64(now.Unix()) + float64(now.Nanosecond())/1e9,
	})
	return b
}

// EncodeSet wraps params in a "set" request.
func EncodeSet(params any) ([]byte, error) {
	return json.Marshal(setRequest{Method: "set", Params: params})
}

// EncodeGCode wraps a single G-code line.
//
//	{"method":"set","params":{"gcodeCmd":"M106 P0 S255"}}
func EncodeGCode(line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.ContainsAny(line, "\r\n") {
		return nil, errors.New("gcode must be a single non-empty line")
	}
	return EncodeSet(map[string]string{"gcodeCmd": line})
}

// EncodeFan builds the M106 command frame for a slot.
func EncodeFan(slot FanSlot, percent int) ([]byte, error) {
	line, err := FanGCode(slot, percent)
	if err != nil {
		return nil, err
	}
	return EncodeGCode(line)
}

// EncodeLight builds the light toggle frame.
//
//	{"method":"set","params":{"lightSw":1}}
func EncodeLight(on bool) []byte {
	v := 0
	if on {
		v = 1
	}
	b, _ := EncodeSet(map[string]int{"lightSw": v})
	return b
}

// EncodeHeater builds the target temperature frame for heater index 0.
func EncodeHeater(h Heater, celsius float64) ([]byte, error) {
	line, err := HeaterGCode(h, 0, celsius)
	if err != nil {
		return nil, err
	}
	return EncodeGCode(line)
}

// Decode parses one inbound frame. Plain "ok" acknowledgements and
// heartbeat echoes are recognized; any other JSON object is read as a
// status frame with unknown keys ignored. Everything else is a DecodeError.
func Decode(raw []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if strings.EqualFold(string(trimmed), "ok") {
		return Frame{Kind: FrameAck}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Frame{}, &DecodeError{Frame: raw, Err: err}
	}
	if fields == nil {
		return Frame{}, &DecodeError{Frame: raw, Err: errors.New("not a JSON object")}
	}

	if mode, ok := stringField(fields, "ModeCode").Get(); ok && mode == ModeHeartbeat {
		return Frame{Kind: FrameHeartbeat}, nil
	}

	return Frame{Kind: FrameStatus, Status: parseStatus(fields)}, nil
}

// parseStatus extracts the recognized keys of a status push.
func parseStatus(m map[string]json.RawMessage) StatusFrame {
	var f StatusFrame

	if code, ok := intField(m, "state").Get(); ok {
		f.State = Some(PrintState(code))
	}

	f.Temps.Nozzle = floatField(m, "nozzleTemp")
	f.Temps.NozzleTarget = floatField(m, "targetNozzleTemp")
	f.Temps.NozzleMax = floatField(m, "maxNozzleTemp")
	f.Temps.Bed = floatField(m, "bedTemp0", "bedTemp")
	f.Temps.BedTarget = floatField(m, "targetBedTemp0", "targetBedTemp")
	f.Temps.BedMax = floatField(m, "maxBedTemp")
	f.Temps.Chamber = floatField(m, "boxTemp")

	f.Progress = intField(m, "printProgress")
	f.ElapsedSec = intField(m, "printJobTime")
	f.RemainingSec = intField(m, "printLeftTime")
	f.Layer = intField(m, "layer")
	f.TotalLayers = intField(m, "TotalLayer")

	for _, spec := range FanTable {
		f.Fans[spec.Slot] = Fan{
			Percent: intField(m, spec.PercentKey),
			On:      boolField(m, spec.ToggleKey),
		}
	}

	f.Light = boolField(m, "lightSw")
	f.UsedMaterial = floatField(m, "usedMaterialLength")
	f.Model = stringField(m, "model")

	if v, ok := stringField(m, "modelVersion").Get(); ok {
		f.HardwareVersion, f.SoftwareVersion = parseModelVersion(v)
	}

	return f
}

// parseModelVersion reads "a:..;b:..;hw label:HW;sw label:SW".
func parseModelVersion(v string) (hw, sw Opt[string]) {
	parts := strings.Split(v, ";")
	if len(parts) < 4 {
		return hw, sw
	}
	value := func(part string) Opt[string] {
		_, after, found := strings.Cut(part, ":")
		after = strings.TrimSpace(after)
		if !found || after == "" {
			return Opt[string]{}
		}
		return Some(after)
	}
	return value(parts[2]), value(parts[3])
}

// floatField returns the first key present with a numeric value. Numbers
// may arrive as JSON numbers or numeric strings.
func floatField(m map[string]json.RawMessage, keys ...string) Opt[float64] {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		if v, ok := parseFloat(raw); ok {
			return Some(v)
		}
	}
	return Opt[float64]{}
}

func intField(m map[string]json.RawMessage, keys ...string) Opt[int] {
	if v, ok := floatField(m, keys...).Get(); ok {
		return Some(int(math.Round(v)))
	}
	return Opt[int]{}
}

func boolField(m map[string]json.RawMessage, key string) Opt[bool] {
	raw, ok := m[key]
	if !ok || isNull(raw) {
		return Opt[bool]{}
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return Some(b)
	}
	if v, ok := parseFloat(raw); ok {
		return Some(v != 0)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return Some(b)
		}
	}
	return Opt[bool]{}
}

func stringField(m map[string]json.RawMessage, key string) Opt[string] {
	raw, ok := m[key]
	if !ok || isNull(raw) {
		return Opt[string]{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Some(s)
	}
	if v, ok := parseFloat(raw); ok {
		return Some(strconv.FormatFloat(v, 'f', -1, 64))
	}
	return Opt[string]{}
}

func parseFloat(raw json.RawMessage) (float64, bool) {
	if isNull(raw) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// isNull reports a JSON null. Unmarshal leaves scalars untouched on null,
// which would otherwise read as a zero value.
func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
