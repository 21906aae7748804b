package transport

import (
	"errors"
	"sync"
)

type fakeIn struct {
	name  string
	mu    sync.Mutex
	open  bool
	onMsg func([]byte)
	onErr func(error)
	stops int
}

func (p *fakeIn) String() string { return p.name }

func (p *fakeIn) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = true
	return nil
}

func (p *fakeIn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
	return nil
}

func (p *fakeIn) Listen(onMsg func([]byte), onErr func(error)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMsg, p.onErr = onMsg, onErr
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.onMsg, p.onErr = nil, nil
		p.stops++
	}, nil
}

func (p *fakeIn) deliver(b []byte) {
	p.mu.Lock()
	fn := p.onMsg
	p.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

func (p *fakeIn) fail(err error) {
	p.mu.Lock()
	fn := p.onErr
	p.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

type fakeOut struct {
	name string
	mu   sync.Mutex
	open bool
	sent [][]byte
}

func (p *fakeOut) String() string { return p.name }

func (p *fakeOut) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = true
	return nil
}

func (p *fakeOut) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
	return nil
}

func (p *fakeOut) Send(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return errors.New("port closed")
	}
	p.sent = append(p.sent, append([]byte(nil), b...))
	return nil
}

func (p *fakeOut) Sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.sent...)
}

type fakeDriver struct {
	ins  []*fakeIn
	outs []*fakeOut
}

func newFakeDriver(names ...string) *fakeDriver {
	d := &fakeDriver{}
	for _, n := range names {
		d.ins = append(d.ins, &fakeIn{name: n})
		d.outs = append(d.outs, &fakeOut{name: n})
	}
	return d
}

func (d *fakeDriver) Ins() ([]In, error) {
	res := make([]In, 0, len(d.ins))
	for _, p := range d.ins {
		res = append(res, p)
	}
	return res, nil
}

func (d *fakeDriver) Outs() ([]Out, error) {
	res := make([]Out, 0, len(d.outs))
	for _, p := range d.outs {
		res = append(res, p)
	}
	return res, nil
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) opener() func() (Driver, error) {
	return func() (Driver, error) { return d, nil }
}
