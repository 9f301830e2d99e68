package ftms

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ControlCommand is a command written to the FTMS Control Point.
type ControlCommand interface {
	fmt.Stringer
	opCode() byte
	payload() []byte
}

// SetSpeed sets the target belt speed in km/h.
type SetSpeed struct{ Kmh float64 }

// SetInclination sets the target inclination in percent.
type SetInclination struct{ Percent float64 }

// Start starts or resumes the belt.
type Start struct{}

// Stop stops or pauses the belt.
type Stop struct{}

// RequestControl asks the machine for control permission.
type RequestControl struct{}

// Reset resets the machine's control state.
type Reset struct{}

func (SetSpeed) opCode() byte       { return OpCodeSetTargetSpeed }
func (SetInclination) opCode() byte { return OpCodeSetTargetInclination }
func (Start) opCode() byte          { return OpCodeStartOrResume }
func (Stop) opCode() byte           { return OpCodeStopOrPause }
func (RequestControl) opCode() byte { return OpCodeRequestControl }
func (Reset) opCode() byte          { return OpCodeReset }

// Speed is UINT16 with 0.01 km/h resolution
func (c SetSpeed) payload() []byte {
	return binary.LittleEndian.AppendUint16(nil, saturateUint16(c.Kmh*100))
}

// Inclination is SINT16 with 0.1 % resolution
func (c SetInclination) payload() []byte {
	return binary.LittleEndian.AppendUint16(nil, uint16(saturateInt16(c.Percent*10)))
}

func (Start) payload() []byte          { return nil }
func (Stop) payload() []byte           { return nil }
func (RequestControl) payload() []byte { return nil }
func (Reset) payload() []byte          { return nil }

func (c SetSpeed) String() string       { return fmt.Sprintf("Set Target Speed %.2f km/h", c.Kmh) }
func (c SetInclination) String() string { return fmt.Sprintf("Set Target Inclination %.1f%%", c.Percent) }
func (Start) String() string            { return "Start/Resume" }
func (Stop) String() string             { return "Stop/Pause" }
func (RequestControl) String() string   { return "Request Control" }
func (Reset) String() string            { return "Reset" }

// Encode returns the control point bytes for cmd: the op code followed by the
// little-endian parameter, if any. Out of range values saturate.
func Encode(cmd ControlCommand) []byte {
	return append([]byte{cmd.opCode()}, cmd.payload()...)
}

// ParseCommand decodes control point bytes written by a client. It is the
// inverse of Encode and is used by the simulated treadmill.
func ParseCommand(buf []byte) (ControlCommand, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("control point command is empty")
	}
	param := func() (uint16, error) {
		if len(buf) < 3 {
			return 0, fmt.Errorf("op code 0x%02X needs a 2 byte parameter, got %d bytes", buf[0], len(buf)-1)
		}
		return binary.LittleEndian.Uint16(buf[1:3]), nil
	}
	switch buf[0] {
	case OpCodeRequestControl:
		return RequestControl{}, nil
	case OpCodeReset:
		return Reset{}, nil
	case OpCodeSetTargetSpeed:
		raw, err := param()
		if err != nil {
			return nil, err
		}
		return SetSpeed{Kmh: float64(raw) / 100.0}, nil
	case OpCodeSetTargetInclination:
		raw, err := param()
		if err != nil {
			return nil, err
		}
		return SetInclination{Percent: float64(int16(raw)) / 10.0}, nil
	case OpCodeStartOrResume:
		return Start{}, nil
	case OpCodeStopOrPause:
		return Stop{}, nil
	default:
		return nil, fmt.Errorf("unsupported op code 0x%02X", buf[0])
	}
}

// ControlPointResponse is an indication sent by the machine in reply to a command.
// Format: [0x80, RequestOpCode, ResultCode, ...]
type ControlPointResponse struct {
	RequestOpCode byte
	ResultCode    byte
}

// ParseControlPointResponse decodes a control point indication.
func ParseControlPointResponse(buf []byte) (ControlPointResponse, error) {
	if len(buf) < 3 {
		return ControlPointResponse{}, fmt.Errorf("control point response too short: %d bytes", len(buf))
	}
	if buf[0] != OpCodeResponseCode {
		return ControlPointResponse{}, fmt.Errorf("unexpected control point op code: 0x%02X", buf[0])
	}
	return ControlPointResponse{RequestOpCode: buf[1], ResultCode: buf[2]}, nil
}

// Response builds the indication bytes for r.
func (r ControlPointResponse) Response() []byte {
	return []byte{OpCodeResponseCode, r.RequestOpCode, r.ResultCode}
}

// Success reports whether the machine accepted the request.
func (r ControlPointResponse) Success() bool {
	return r.ResultCode == ResultSuccess
}

func (r ControlPointResponse) String() string {
	return fmt.Sprintf("%s -> %s", OpCodeName(r.RequestOpCode), ResultName(r.ResultCode))
}

// OpCodeName returns a display name for a control point op code.
func OpCodeName(op byte) string {
	switch op {
	case OpCodeRequestControl:
		return "Request Control"
	case OpCodeReset:
		return "Reset"
	case OpCodeSetTargetSpeed:
		return "Set Target Speed"
	case OpCodeSetTargetInclination:
		return "Set Target Inclination"
	case OpCodeStartOrResume:
		return "Start/Resume"
	case OpCodeStopOrPause:
		return "Stop/Pause"
	default:
		return fmt.Sprintf("OpCode 0x%02X", op)
	}
}

// ResultName returns a display name for a control point result code.
func ResultName(code byte) string {
	switch code {
	case ResultSuccess:
		return "Success"
	case ResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case ResultInvalidParameter:
		return "Invalid Parameter"
	case ResultOperationFailed:
		return "Operation Failed"
	case ResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return fmt.Sprintf("Result 0x%02X", code)
	}
}

func saturateUint16(v float64) uint16 {
	v = math.Round(v)
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}

func saturateInt16(v float64) int16 {
	v = math.Round(v)
	switch {
	case math.IsNaN(v):
		return 0
	case v <= math.MinInt16:
		return math.MinInt16
	case v >= math.MaxInt16:
		return math.MaxInt16
	}
	return int16(v)
}
