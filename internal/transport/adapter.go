package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/lo"
)

var (
	ErrDeviceNotFound      = errors.New("transport: device not found")
	ErrPlatformUnsupported = errors.New("transport: MIDI not available on this host")
)

// DefaultTokens match the instrument and the names its Daisy Seed board
// enumerates under before the product string is flashed.
var DefaultTokens = []string{"hichord", "daisy seed", "electrosmith"}

// DefaultExcluded are virtual/system ports that are never bound.
var DefaultExcluded = []string{"Midi Through", "Through Port", "Dummy"}

// In is a host input port.
type In interface {
	String() string
	Open() error
	Close() error
	// Listen delivers every received message to onMsg, in host order, until
	// stop is called. onErr reports a listener failure (usually unplug).
	Listen(onMsg func([]byte), onErr func(error)) (stop func(), err error)
}

// Out is a host output port.
type Out interface {
	String() string
	Open() error
	Close() error
	Send([]byte) error
}

// Driver enumerates the host's ports.
type Driver interface {
	Ins() ([]In, error)
	Outs() ([]Out, error)
	Close() error
}

// BoundPorts names the pair the adapter bound to.
type BoundPorts struct {
	In  string
	Out string
}

// PortStatus is one enumerated port and whether it would be bound.
type PortStatus struct {
	Name     string
	Output   bool
	Match    bool
	Excluded bool
}

// Adapter discovers the instrument by name and owns its port pair.
type Adapter struct {
	mu       sync.Mutex
	openDrv  func() (Driver, error)
	tokens   []string
	excluded []string
	buffer   int
	log      *slog.Logger

	drv    Driver
	in     In
	out    Out
	stopFn func()
	stream *stream
}

type Option func(*Adapter)

// WithTokens replaces the device-name tokens.
func WithTokens(tokens ...string) Option {
	return func(a *Adapter) { a.tokens = tokens }
}

// WithExcluded replaces the excluded port patterns.
func WithExcluded(patterns ...string) Option {
	return func(a *Adapter) { a.excluded = patterns }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithBuffer sets the inbound channel capacity.
func WithBuffer(n int) Option {
	return func(a *Adapter) { a.buffer = n }
}

// NewAdapter returns an unbound adapter. openDrv is called lazily on the
// first Open or Scan; an error from it means the platform has no MIDI.
func NewAdapter(openDrv func() (Driver, error), opts ...Option) *Adapter {
	a := &Adapter{
		openDrv:  openDrv,
		tokens:   DefaultTokens,
		excluded: DefaultExcluded,
		buffer:   256,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Open binds the first input and output whose names match a token.
func (a *Adapter) Open(ctx context.Context) (BoundPorts, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return BoundPorts{}, err
	}
	if a.in != nil && a.out != nil {
		return BoundPorts{In: a.in.String(), Out: a.out.String()}, nil
	}
	if err := a.ensureDriver(); err != nil {
		return BoundPorts{}, err
	}

	ins, err := a.drv.Ins()
	if err != nil {
		return BoundPorts{}, fmt.Errorf("list inputs: %w", err)
	}
	outs, err := a.drv.Outs()
	if err != nil {
		return BoundPorts{}, fmt.Errorf("list outputs: %w", err)
	}
	in, inOK := lo.Find(ins, func(p In) bool { return a.matches(p.String()) })
	out, outOK := lo.Find(outs, func(p Out) bool { return a.matches(p.String()) })
	if !inOK || !outOK {
		a.log.Debug("midi: no matching port pair", "tokens", strings.Join(a.tokens, ", "), "input", inOK, "output", outOK)
		return BoundPorts{}, ErrDeviceNotFound
	}

	if err := out.Open(); err != nil {
		return BoundPorts{}, fmt.Errorf("open %q: %w", out.String(), err)
	}
	if err := in.Open(); err != nil {
		_ = out.Close()
		return BoundPorts{}, fmt.Errorf("open %q: %w", in.String(), err)
	}

	st := newStream(a.buffer)
	name := in.String()
	stop, err := in.Listen(st.push, func(listenErr error) {
		a.log.Warn("midi: listener error", "device", name, "err", listenErr)
		// Must not stop the listener from inside its own callback.
		go a.drop(st)
	})
	if err != nil {
		_ = in.Close()
		_ = out.Close()
		return BoundPorts{}, fmt.Errorf("listen %q: %w", name, err)
	}

	a.in, a.out, a.stopFn, a.stream = in, out, stop, st
	a.log.Info("midi: connected", "input", in.String(), "output", out.String())
	return BoundPorts{In: in.String(), Out: out.String()}, nil
}

// Send transmits one message. It is a no-op while nothing is bound so a
// teardown race never crashes the caller.
func (a *Adapter) Send(b []byte) {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		a.log.Debug("midi: send dropped, output not bound", "bytes", fmt.Sprintf("% X", b))
		return
	}
	if err := out.Send(b); err != nil {
		a.log.Error("midi: send failed", "device", out.String(), "err", err)
		return
	}
	a.log.Debug("midi: sent", "bytes", fmt.Sprintf("% X", b))
}

// Messages is the inbound stream of the current binding. It is closed when
// the binding ends. Nil before the first successful Open.
func (a *Adapter) Messages() <-chan []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == nil {
		return nil
	}
	return a.stream.ch
}

// Bound reports whether a port pair is currently held.
func (a *Adapter) Bound() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out != nil
}

// Release closes the bound ports but keeps the driver for a later Open.
func (a *Adapter) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeConn()
}

// Close releases the ports and the driver.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeConn()
	if a.drv == nil {
		return nil
	}
	err := a.drv.Close()
	a.drv = nil
	return err
}

// Scan lists every port with its match verdict, for diagnostics.
func (a *Adapter) Scan() ([]PortStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureDriver(); err != nil {
		return nil, err
	}
	ins, err := a.drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("list inputs: %w", err)
	}
	outs, err := a.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	status := func(name string, output bool) PortStatus {
		return PortStatus{
			Name:     name,
			Output:   output,
			Match:    a.matches(name),
			Excluded: a.isExcluded(name),
		}
	}
	res := lo.Map(ins, func(p In, _ int) PortStatus { return status(p.String(), false) })
	return append(res, lo.Map(outs, func(p Out, _ int) PortStatus { return status(p.String(), true) })...), nil
}

func (a *Adapter) ensureDriver() error {
	if a.drv != nil {
		return nil
	}
	drv, err := a.openDrv()
	if err != nil {
		if errors.Is(err, ErrPlatformUnsupported) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPlatformUnsupported, err)
	}
	a.drv = drv
	return nil
}

func (a *Adapter) matches(name string) bool {
	if a.isExcluded(name) {
		return false
	}
	return lo.SomeBy(a.tokens, func(tok string) bool { return containsCI(name, tok) })
}

func (a *Adapter) isExcluded(name string) bool {
	return lo.SomeBy(a.excluded, func(pat string) bool { return containsCI(name, pat) })
}

// drop ends the binding that owns st, if it is still current.
func (a *Adapter) drop(st *stream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == st {
		a.closeConn()
	}
}

func (a *Adapter) closeConn() {
	// Close the stream first: a listener blocked on a full channel must be
	// released before stopFn waits for it.
	if a.stream != nil {
		a.stream.close()
	}
	if a.stopFn != nil {
		a.stopFn()
		a.stopFn = nil
	}
	if a.in != nil {
		_ = a.in.Close()
		a.log.Info("midi: input closed", "device", a.in.String())
		a.in = nil
	}
	if a.out != nil {
		_ = a.out.Close()
		a.out = nil
	}
}

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// stream is the inbound channel of one binding. Pushes after close are
// dropped; a blocked push is released by close.
type stream struct {
	mu     sync.RWMutex
	ch     chan []byte
	done   chan struct{}
	closed bool
	once   sync.Once
}

func newStream(buffer int) *stream {
	return &stream{ch: make(chan []byte, buffer), done: make(chan struct{})}
}

func (s *stream) push(b []byte) {
	msg := append([]byte(nil), b...)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	case <-s.done:
	}
}

func (s *stream) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
