package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// MIDIBaud is the DIN/TRS MIDI line rate.
const MIDIBaud = 31250

const serialPollInterval = 100 * time.Millisecond

// OpenSerial returns a driver opener for instruments reached through a
// USB-serial MIDI interface. Each serial port appears as one input and one
// output sharing the same handle; names carry the USB product string so the
// usual tokens match.
func OpenSerial(baud int) func() (Driver, error) {
	return func() (Driver, error) {
		if _, err := enumerator.GetDetailedPortsList(); err != nil {
			return nil, fmt.Errorf("%w: serial enumerator: %v", ErrPlatformUnsupported, err)
		}
		return &serialDriver{baud: baud, links: map[string]*serialLink{}}, nil
	}
}

type serialDriver struct {
	mu    sync.Mutex
	baud  int
	links map[string]*serialLink
}

func (d *serialDriver) scan() ([]*serialLink, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res := make([]*serialLink, 0, len(ports))
	for _, p := range ports {
		link, ok := d.links[p.Name]
		if !ok {
			label := p.Name
			if p.IsUSB && p.Product != "" {
				label = fmt.Sprintf("%s (%s)", p.Product, p.Name)
			}
			link = &serialLink{device: p.Name, label: label, baud: d.baud}
			d.links[p.Name] = link
		}
		res = append(res, link)
	}
	return res, nil
}

func (d *serialDriver) Ins() ([]In, error) {
	links, err := d.scan()
	if err != nil {
		return nil, err
	}
	res := make([]In, 0, len(links))
	for _, l := range links {
		res = append(res, &serialIn{link: l})
	}
	return res, nil
}

func (d *serialDriver) Outs() ([]Out, error) {
	links, err := d.scan()
	if err != nil {
		return nil, err
	}
	res := make([]Out, 0, len(links))
	for _, l := range links {
		res = append(res, &serialOut{link: l})
	}
	return res, nil
}

func (d *serialDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.links {
		l.forceClose()
	}
	return nil
}

// serialLink is one serial device shared by its input and output side.
type serialLink struct {
	mu     sync.Mutex
	device string
	label  string
	baud   int
	port   serial.Port
	refs   int
}

func (l *serialLink) open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		p, err := serial.Open(l.device, &serial.Mode{BaudRate: l.baud})
		if err != nil {
			return err
		}
		if err := p.SetReadTimeout(serialPollInterval); err != nil {
			_ = p.Close()
			return err
		}
		l.port = p
	}
	l.refs++
	return nil
}

func (l *serialLink) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs > 0 {
		l.refs--
	}
	if l.refs > 0 || l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	return err
}

func (l *serialLink) forceClose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port != nil {
		_ = l.port.Close()
		l.port = nil
	}
	l.refs = 0
}

func (l *serialLink) handle() serial.Port {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

type serialIn struct {
	link *serialLink
}

func (p *serialIn) String() string { return p.link.label }
func (p *serialIn) Open() error    { return p.link.open() }
func (p *serialIn) Close() error   { return p.link.close() }

func (p *serialIn) Listen(onMsg func([]byte), onErr func(error)) (func(), error) {
	port := p.link.handle()
	if port == nil {
		return nil, fmt.Errorf("serial %s: not open", p.link.device)
	}
	var stopped atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		sp := &splitter{emit: onMsg}
		buf := make([]byte, 256)
		for !stopped.Load() {
			n, err := port.Read(buf)
			if err != nil {
				if !stopped.Load() {
					onErr(err)
				}
				return
			}
			for _, b := range buf[:n] {
				sp.feed(b)
			}
		}
	}()
	return func() {
		stopped.Store(true)
		<-done
	}, nil
}

type serialOut struct {
	link *serialLink
}

func (p *serialOut) String() string { return p.link.label }
func (p *serialOut) Open() error    { return p.link.open() }
func (p *serialOut) Close() error   { return p.link.close() }

func (p *serialOut) Send(b []byte) error {
	port := p.link.handle()
	if port == nil {
		return fmt.Errorf("serial %s: not open", p.link.device)
	}
	_, err := port.Write(b)
	return err
}

// splitter cuts a raw MIDI byte stream into messages: running status,
// real-time bytes interleaved anywhere, SysEx up to F7.
type splitter struct {
	emit    func([]byte)
	status  byte
	need    int
	buf     []byte
	inSysEx bool
}

func (s *splitter) feed(b byte) {
	switch {
	case b >= 0xF8:
		s.emit([]byte{b})
		return
	case b == 0xF0:
		s.flushSysEx()
		s.inSysEx = true
		s.status = 0
		s.buf = append(s.buf[:0], b)
		return
	case b == 0xF7:
		if s.inSysEx {
			s.emit(append(s.buf, b))
			s.buf = nil
			s.inSysEx = false
		}
		return
	case b >= 0x80:
		s.flushSysEx()
		s.status = b
		s.need = dataLen(b)
		s.buf = append(s.buf[:0], b)
		if s.need == 0 {
			s.emit(s.buf)
			s.buf = nil
			s.status = 0
		}
		return
	}

	if s.inSysEx {
		s.buf = append(s.buf, b)
		return
	}
	if s.status == 0 {
		return
	}
	if len(s.buf) == 0 {
		s.buf = append(s.buf, s.status)
	}
	s.buf = append(s.buf, b)
	if len(s.buf) == s.need+1 {
		s.emit(s.buf)
		s.buf = nil
		if s.status >= 0xF0 {
			s.status = 0
		}
	}
}

// flushSysEx hands an unterminated SysEx to the codec, which rejects it.
func (s *splitter) flushSysEx() {
	if s.inSysEx {
		s.emit(s.buf)
		s.buf = nil
		s.inSysEx = false
	}
}

func dataLen(status byte) int {
	switch status & 0xF0 {
	case 0xC0, 0xD0:
		return 1
	case 0xF0:
		switch status {
		case 0xF1, 0xF3:
			return 1
		case 0xF2:
			return 2
		}
		return 0
	}
	return 2
}
