package device

import "fmt"

// ButtonSystem is the button-sensing technology fitted to a PCB batch.
type ButtonSystem uint8

const (
	ButtonADC ButtonSystem = iota
	ButtonI2C
)

func (b ButtonSystem) String() string {
	if b == ButtonI2C {
		return "I2C"
	}
	return "ADC"
}

func (b ButtonSystem) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *ButtonSystem) UnmarshalText(text []byte) error {
	switch string(text) {
	case "I2C":
		*b = ButtonI2C
	case "ADC":
		*b = ButtonADC
	default:
		return fmt.Errorf("unknown button system %q", text)
	}
	return nil
}

// ButtonSystemFromFlag maps the HW_INFO flag byte. Anything but 1 is ADC.
func ButtonSystemFromFlag(flag uint8) ButtonSystem {
	if flag == 1 {
		return ButtonI2C
	}
	return ButtonADC
}

// Flag is the inverse of ButtonSystemFromFlag.
func (b ButtonSystem) Flag() uint8 {
	if b == ButtonI2C {
		return 1
	}
	return 0
}

// Identity is what the instrument reports about itself in HW_INFO.
// It is filled once per session and never changed afterwards.
type Identity struct {
	FirmwareMajor uint8        `json:"firmwareMajor"`
	FirmwareMinor uint8        `json:"firmwareMinor"`
	PCBBatch      uint8        `json:"pcbBatch"`
	ButtonSystem  ButtonSystem `json:"buttonSystem"`
}

// FirmwareVersion renders the version the way the boot screen shows it.
func (id Identity) FirmwareVersion() string {
	return fmt.Sprintf("%d.%d", id.FirmwareMajor, id.FirmwareMinor)
}

func (id Identity) String() string {
	return fmt.Sprintf("firmware v%s, batch %d, %s buttons", id.FirmwareVersion(), id.PCBBatch, id.ButtonSystem)
}
