package protocol

import (
	"errors"
	"fmt"

	"gitlab.com/gomidi/midi/v2"

	"github.com/chase3718/hichord-qa/internal/device"
)

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrForeignManufacturer is a malformed-frame kind: valid SysEx from
	// another vendor sharing the cable.
	ErrForeignManufacturer = fmt.Errorf("%w: foreign manufacturer", ErrMalformedFrame)
	ErrUnknownCommand      = errors.New("protocol: unknown command")
	ErrUnsupported         = errors.New("protocol: unsupported channel message")
	ErrDataRange           = errors.New("protocol: data byte out of range")
)

// Decode turns one raw MIDI message into a typed Message. SysEx goes through
// the vendor codec; channel messages decode into NoteOn, NoteOff or
// ControlChange.
func Decode(raw []byte) (Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedFrame)
	}
	if raw[0] == SysExStart {
		return DecodeSysEx(raw)
	}
	if raw[0] < 0x80 {
		return nil, fmt.Errorf("%w: no status byte (% X)", ErrMalformedFrame, raw)
	}
	return decodeChannel(raw)
}

// DecodeSysEx decodes one complete vendor frame.
func DecodeSysEx(raw []byte) (Message, error) {
	n := len(raw)
	if n < 3 || raw[0] != SysExStart || raw[n-1] != SysExEnd {
		return nil, fmt.Errorf("%w: missing F0/F7 framing (% X)", ErrMalformedFrame, raw)
	}
	if raw[1] != ManufacturerID {
		return nil, fmt.Errorf("%w 0x%02X", ErrForeignManufacturer, raw[1])
	}
	if n < 4 {
		return nil, fmt.Errorf("%w: no command byte", ErrMalformedFrame)
	}
	cmd := Command(raw[2])
	payload := raw[3 : n-1]
	for i, b := range payload {
		if b&0x80 != 0 {
			return nil, fmt.Errorf("%w: status byte 0x%02X inside payload at %d", ErrMalformedFrame, b, i)
		}
	}

	switch cmd {
	case CmdEnterTestMode:
		return EnterTestMode{}, nil
	case CmdExitTestMode:
		return ExitTestMode{}, nil
	case CmdRequestHWInfo:
		return RequestHWInfo{}, nil
	case CmdRestart:
		return Restart{}, nil
	case CmdStepResult:
		return decodeStepResult(payload)
	case CmdHWInfo:
		if len(payload) < 4 {
			return nil, fmt.Errorf("%w: HW_INFO payload has %d bytes, want 4", ErrMalformedFrame, len(payload))
		}
		return HWInfo{Identity: device.Identity{
			FirmwareMajor: payload[0],
			FirmwareMinor: payload[1],
			PCBBatch:      payload[2],
			ButtonSystem:  device.ButtonSystemFromFlag(payload[3]),
		}}, nil
	case CmdFinalReport:
		if len(payload) < 2 {
			return nil, fmt.Errorf("%w: FINAL_REPORT payload has %d bytes, want 2", ErrMalformedFrame, len(payload))
		}
		return FinalReport{Passed: payload[0], Failed: payload[1]}, nil
	}
	return nil, fmt.Errorf("%w 0x%02X", ErrUnknownCommand, byte(cmd))
}

func decodeStepResult(payload []byte) (Message, error) {
	switch {
	case len(payload) == 0:
		return nil, fmt.Errorf("%w: empty STEP_RESULT payload", ErrMalformedFrame)
	case len(payload) == 1:
		return StepResult{Passed: payload[0] != 0}, nil
	}
	if payload[0] == 0 {
		return nil, fmt.Errorf("%w: STEP_RESULT for step 0", ErrMalformedFrame)
	}
	m := StepResult{Index: payload[0], Passed: payload[1] != 0}
	if len(payload) >= 3 {
		m.Observed = Observed(payload[2])
	}
	return m, nil
}

func decodeChannel(raw []byte) (Message, error) {
	kind := raw[0] & 0xF0
	switch kind {
	case 0x80, 0x90, 0xB0:
		if len(raw) < 3 {
			return nil, fmt.Errorf("%w: short channel message (% X)", ErrMalformedFrame, raw)
		}
	default:
		return nil, fmt.Errorf("%w: % X", ErrUnsupported, raw)
	}

	msg := midi.Message(raw)
	var ch, key, vel uint8
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		return NoteOn{Channel: ch, Key: key, Velocity: vel}, nil
	case msg.GetNoteEnd(&ch, &key):
		return NoteOff{Channel: ch, Key: key}, nil
	case msg.GetControlChange(&ch, &key, &vel):
		return ControlChange{Channel: ch, Controller: key, Value: vel}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, msg.String())
}

// Encode produces the bit-exact wire form of m.
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case EnterTestMode:
		return frame(CmdEnterTestMode), nil
	case ExitTestMode:
		return frame(CmdExitTestMode), nil
	case RequestHWInfo:
		return frame(CmdRequestHWInfo), nil
	case Restart:
		return frame(CmdRestart), nil
	case StepResult:
		if !m.HasIndex() {
			return frame(CmdStepResult, flag(m.Passed)), nil
		}
		payload := []byte{m.Index, flag(m.Passed)}
		if m.Observed != nil {
			payload = append(payload, *m.Observed)
		}
		return checked(CmdStepResult, payload)
	case HWInfo:
		id := m.Identity
		return checked(CmdHWInfo, []byte{id.FirmwareMajor, id.FirmwareMinor, id.PCBBatch, id.ButtonSystem.Flag()})
	case FinalReport:
		return checked(CmdFinalReport, []byte{m.Passed, m.Failed})
	case NoteOn:
		return []byte(midi.NoteOn(m.Channel, m.Key, m.Velocity)), nil
	case NoteOff:
		return []byte(midi.NoteOff(m.Channel, m.Key)), nil
	case ControlChange:
		return []byte(midi.ControlChange(m.Channel, m.Controller, m.Value)), nil
	}
	return nil, fmt.Errorf("protocol: cannot encode %T", m)
}

// Handshake is the control change that enables the firmware's MIDI output
// path: CC127 = 1 on the first channel.
func Handshake() []byte {
	return []byte(midi.ControlChange(0, CCHandshake, 1))
}

func checked(cmd Command, payload []byte) ([]byte, error) {
	for _, b := range payload {
		if b > 0x7F {
			return nil, fmt.Errorf("%w: %s payload byte 0x%02X", ErrDataRange, cmd, b)
		}
	}
	return frame(cmd, payload...), nil
}

func flag(b bool) byte {
	if b {
		return 1
	}
	return 0
}
