package session

import (
	"bytes"
	"sync"

	"github.com/chase3718/hichord-qa/internal/device"
	"github.com/chase3718/hichord-qa/internal/protocol"
	"github.com/chase3718/hichord-qa/internal/transport"
)

// fakeDevice is a scripted instrument behind one transport port pair.
type fakeDevice struct {
	name     string
	identity *device.Identity

	mu    sync.Mutex
	sent  [][]byte
	onMsg func([]byte)
	onErr func(error)
}

func newFakeDevice(name string) *fakeDevice {
	return &fakeDevice{
		name:     name,
		identity: &device.Identity{FirmwareMajor: 1, FirmwareMinor: 95, PCBBatch: 4, ButtonSystem: device.ButtonI2C},
	}
}

func (d *fakeDevice) driver() func() (transport.Driver, error) {
	return func() (transport.Driver, error) { return fakeDriver{d}, nil }
}

// emit sends a message from the device to the host.
func (d *fakeDevice) emit(m protocol.Message) {
	raw, err := protocol.Encode(m)
	if err != nil {
		panic(err)
	}
	d.emitRaw(raw)
}

func (d *fakeDevice) emitRaw(raw []byte) {
	d.mu.Lock()
	fn := d.onMsg
	d.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

func (d *fakeDevice) unplug() {
	d.mu.Lock()
	fn := d.onErr
	d.mu.Unlock()
	if fn != nil {
		fn(errUnplugged)
	}
}

func (d *fakeDevice) received() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

func (d *fakeDevice) receivedFrame(want []byte) bool {
	for _, b := range d.received() {
		if bytes.Equal(b, want) {
			return true
		}
	}
	return false
}

func (d *fakeDevice) handle(b []byte) {
	d.mu.Lock()
	d.sent = append(d.sent, append([]byte(nil), b...))
	d.mu.Unlock()

	msg, err := protocol.Decode(b)
	if err != nil {
		return
	}
	if _, ok := msg.(protocol.RequestHWInfo); ok && d.identity != nil {
		d.emit(protocol.HWInfo{Identity: *d.identity})
	}
}

type fakeDriver struct{ d *fakeDevice }

func (f fakeDriver) Ins() ([]transport.In, error) {
	return []transport.In{fakeIn{f.d}}, nil
}

func (f fakeDriver) Outs() ([]transport.Out, error) {
	return []transport.Out{fakeOut{f.d}}, nil
}

func (f fakeDriver) Close() error { return nil }

type fakeIn struct{ d *fakeDevice }

func (p fakeIn) String() string { return p.d.name }
func (p fakeIn) Open() error    { return nil }
func (p fakeIn) Close() error   { return nil }

func (p fakeIn) Listen(onMsg func([]byte), onErr func(error)) (func(), error) {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	p.d.onMsg, p.d.onErr = onMsg, onErr
	return func() {
		p.d.mu.Lock()
		defer p.d.mu.Unlock()
		p.d.onMsg, p.d.onErr = nil, nil
	}, nil
}

type fakeOut struct{ d *fakeDevice }

func (p fakeOut) String() string      { return p.d.name }
func (p fakeOut) Open() error         { return nil }
func (p fakeOut) Close() error        { return nil }
func (p fakeOut) Send(b []byte) error { p.d.handle(b); return nil }
