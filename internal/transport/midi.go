package transport

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// OpenMIDI creates the rtmidi-backed driver. Hosts without an ALSA/CoreMIDI/
// WinMM backend fail here.
func OpenMIDI() (Driver, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("%w: rtmididrv: %v", ErrPlatformUnsupported, err)
	}
	return &midiDriver{drv: drv}, nil
}

type midiDriver struct {
	drv *rtmididrv.Driver
}

func (d *midiDriver) Ins() ([]In, error) {
	ins, err := d.drv.Ins()
	if err != nil {
		return nil, err
	}
	res := make([]In, 0, len(ins))
	for _, in := range ins {
		res = append(res, midiIn{port: in})
	}
	return res, nil
}

func (d *midiDriver) Outs() ([]Out, error) {
	outs, err := d.drv.Outs()
	if err != nil {
		return nil, err
	}
	res := make([]Out, 0, len(outs))
	for _, out := range outs {
		res = append(res, midiOut{port: out})
	}
	return res, nil
}

func (d *midiDriver) Close() error {
	return d.drv.Close()
}

type midiIn struct {
	port drivers.In
}

func (p midiIn) String() string { return p.port.String() }
func (p midiIn) Open() error    { return p.port.Open() }
func (p midiIn) Close() error   { return p.port.Close() }

func (p midiIn) Listen(onMsg func([]byte), onErr func(error)) (func(), error) {
	return midi.ListenTo(p.port, func(msg midi.Message, _ int32) {
		onMsg(msg)
	}, midi.UseSysEx(), midi.HandleError(onErr))
}

type midiOut struct {
	port drivers.Out
}

func (p midiOut) String() string      { return p.port.String() }
func (p midiOut) Open() error         { return p.port.Open() }
func (p midiOut) Close() error        { return p.port.Close() }
func (p midiOut) Send(b []byte) error { return p.port.Send(b) }
