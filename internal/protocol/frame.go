package protocol

const (
	SysExStart     = 0xF0
	SysExEnd       = 0xF7
	ManufacturerID = 0x7D
)

// Command is the opcode byte following the manufacturer ID.
type Command uint8

const (
	CmdEnterTestMode Command = 0x10
	CmdExitTestMode  Command = 0x11
	CmdStepResult    Command = 0x12
	CmdRequestHWInfo Command = 0x13
	CmdHWInfo        Command = 0x14
	CmdFinalReport   Command = 0x15
	CmdRestart       Command = 0x99
)

// Controller numbers the firmware listens to.
const (
	CCVolume    = 7
	CCHandshake = 127
)

func (c Command) String() string {
	switch c {
	case CmdEnterTestMode:
		return "ENTER_TEST_MODE"
	case CmdExitTestMode:
		return "EXIT_TEST_MODE"
	case CmdStepResult:
		return "STEP_RESULT"
	case CmdRequestHWInfo:
		return "REQUEST_HW_INFO"
	case CmdHWInfo:
		return "HW_INFO"
	case CmdFinalReport:
		return "FINAL_REPORT"
	case CmdRestart:
		return "RESTART"
	}
	return "UNKNOWN"
}

// frame builds the on-wire representation:
//
//	[F0][7D][CMD][payload...][F7]
func frame(cmd Command, payload ...byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, SysExStart, ManufacturerID, byte(cmd))
	out = append(out, payload...)
	return append(out, SysExEnd)
}
