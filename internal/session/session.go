// Package session owns the connection to one instrument: handshake,
// identity query, test-mode entry and exit, and routing of everything the
// device sends to the active sequencer and to the registered hooks.
//
// All session state lives on the goroutine running Run. Public methods post
// work to it and wait, so they are safe to call from any goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chase3718/hichord-qa/internal/device"
	"github.com/chase3718/hichord-qa/internal/protocol"
	"github.com/chase3718/hichord-qa/internal/report"
	"github.com/chase3718/hichord-qa/internal/sequencer"
	"github.com/chase3718/hichord-qa/internal/steps"
	"github.com/chase3718/hichord-qa/internal/transport"
)

var (
	ErrNotConnected      = errors.New("session: not connected")
	ErrAlreadyConnecting = errors.New("session: connect already in progress")
	ErrClosed            = errors.New("session: closed")
	ErrDeviceLost        = errors.New("session: device disconnected")
	ErrUnexpected        = errors.New("session: unexpected message")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	TestModeEntered
	TestRunning
	TestComplete
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case TestModeEntered:
		return "test-mode"
	case TestRunning:
		return "running"
	case TestComplete:
		return "complete"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// connected reports whether a port pair is held in this state.
func (s State) connected() bool {
	return s >= Connected
}

// Transport is the part of transport.Adapter the session uses.
type Transport interface {
	Open(ctx context.Context) (transport.BoundPorts, error)
	Send(b []byte)
	Messages() <-chan []byte
	Release()
}

// Delays are the settle times the firmware needs between host commands.
type Delays struct {
	Handshake time.Duration
	Info      time.Duration
	Enter     time.Duration
}

var DefaultDelays = Delays{
	Handshake: 200 * time.Millisecond,
	Info:      500 * time.Millisecond,
	Enter:     200 * time.Millisecond,
}

type Session struct {
	tr      Transport
	hooks   Hooks
	delays  Delays
	catalog steps.Catalog
	log     *slog.Logger
	seqOpts []sequencer.Option

	inbox   chan func()
	stopped chan struct{}

	// Owned by the Run goroutine.
	state    State
	identity *device.Identity
	seq      *sequencer.Sequencer
	msgs     <-chan []byte
	waiters  []chan device.Identity
}

type Option func(*Session)

func WithHooks(h Hooks) Option {
	return func(s *Session) { s.hooks = h }
}

func WithDelays(d Delays) Option {
	return func(s *Session) { s.delays = d }
}

// WithCatalog sets the step table sequences are drawn from.
func WithCatalog(c steps.Catalog) Option {
	return func(s *Session) { s.catalog = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithSequencerOptions passes extra options to every sequencer the session
// creates.
func WithSequencerOptions(opts ...sequencer.Option) Option {
	return func(s *Session) { s.seqOpts = append(s.seqOpts, opts...) }
}

func New(tr Transport, opts ...Option) *Session {
	s := &Session{
		tr:      tr,
		delays:  DefaultDelays,
		catalog: steps.Default(),
		log:     slog.Default(),
		inbox:   make(chan func()),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run processes commands and inbound messages until ctx is done, then
// releases the transport. It must be called exactly once.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		case fn := <-s.inbox:
			fn()
		case raw, ok := <-s.msgs:
			if !ok {
				s.msgs = nil
				s.lost()
				continue
			}
			s.dispatch(raw)
		}
	}
}

// do runs fn on the session goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.inbox <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrClosed
	}
}

// Connect binds the device, enables its MIDI output and asks for its
// identity. The identity is nil if the device did not answer within the
// info settle window; it is still delivered through OnIdentity later.
func (s *Session) Connect(ctx context.Context) (*device.Identity, error) {
	var (
		id   *device.Identity
		done bool
		err  error
	)
	if e := s.do(ctx, func() {
		switch {
		case s.state == Connecting:
			err = ErrAlreadyConnecting
		case s.state.connected():
			done = true
			if s.identity != nil {
				cp := *s.identity
				id = &cp
			}
		default:
			s.setState(Connecting)
		}
	}); e != nil {
		return nil, e
	}
	if err != nil || done {
		return id, err
	}

	ports, err := s.tr.Open(ctx)
	if err != nil {
		_ = s.do(context.WithoutCancel(ctx), func() { s.setState(Disconnected) })
		return nil, fmt.Errorf("connect: %w", err)
	}
	s.log.Info("session: ports bound", "input", ports.In, "output", ports.Out)

	if e := s.do(ctx, func() {
		if !s.stillConnecting() {
			err = ErrDeviceLost
			return
		}
		s.msgs = s.tr.Messages()
		s.tr.Send(protocol.Handshake())
	}); e != nil {
		return nil, s.abandonConnect(ctx, e)
	}
	if err != nil {
		return nil, err
	}
	if err := sleep(ctx, s.delays.Handshake); err != nil {
		return nil, s.abandonConnect(ctx, err)
	}

	waiter := make(chan device.Identity, 1)
	if err := s.do(ctx, func() {
		if s.identity != nil {
			waiter <- *s.identity
			return
		}
		s.waiters = append(s.waiters, waiter)
		s.send(protocol.RequestHWInfo{})
	}); err != nil {
		return nil, s.abandonConnect(ctx, err)
	}

	timer := time.NewTimer(s.delays.Info)
	defer timer.Stop()
	select {
	case got := <-waiter:
		id = &got
	case <-timer.C:
		s.log.Warn("session: no HW_INFO within settle window", "wait", s.delays.Info)
	case <-ctx.Done():
		return nil, s.abandonConnect(ctx, ctx.Err())
	}

	if e := s.do(ctx, func() {
		if !s.stillConnecting() {
			err = ErrDeviceLost
			return
		}
		s.setState(Connected)
	}); e != nil {
		return nil, e
	}
	return id, err
}

// stillConnecting reports whether the connect in flight still owns the
// session. A Disconnect that ran while the transport was opening found nothing
// bound, so the ports Open bound afterwards are released here.
func (s *Session) stillConnecting() bool {
	if s.state == Connecting {
		return true
	}
	if s.state == Disconnected {
		s.tr.Release()
		s.msgs = nil
	}
	return false
}

func (s *Session) abandonConnect(ctx context.Context, cause error) error {
	_ = s.do(context.WithoutCancel(ctx), func() {
		if s.state == Connecting {
			s.release()
		}
	})
	return cause
}

// EnterTestMode asks the firmware to start its self-test and waits for it
// to settle. Repeated calls resend the command.
func (s *Session) EnterTestMode(ctx context.Context) error {
	var err error
	if e := s.do(ctx, func() {
		if !s.state.connected() {
			err = ErrNotConnected
			return
		}
		s.send(protocol.EnterTestMode{})
		if s.state != TestRunning {
			s.setState(TestModeEntered)
		}
	}); e != nil {
		return e
	}
	if err != nil {
		return err
	}
	return sleep(ctx, s.delays.Enter)
}

// ExitTestMode leaves the self-test. A running sequence ends as aborted.
// Without a device it does nothing.
func (s *Session) ExitTestMode(ctx context.Context) error {
	return s.do(ctx, func() {
		if !s.state.connected() {
			s.log.Debug("session: exit test mode while " + s.state.String())
			return
		}
		s.send(protocol.ExitTestMode{})
		s.abortRunning()
		s.setState(Connected)
	})
}

// StartSequence arms the sequencer for the first n steps of the catalog.
func (s *Session) StartSequence(ctx context.Context, n int) error {
	var err error
	if e := s.do(ctx, func() {
		if !s.state.connected() {
			err = ErrNotConnected
			return
		}
		if s.seq == nil {
			s.seq = s.newSequencer()
		}
		if err = s.seq.Start(n); err != nil {
			return
		}
		s.setState(TestRunning)
	}); e != nil {
		return e
	}
	return err
}

// AbortSequence ends the running sequence with its partial results. It
// returns false when nothing was running.
func (s *Session) AbortSequence(ctx context.Context) (bool, error) {
	var aborted bool
	if e := s.do(ctx, func() { aborted = s.abortRunning() }); e != nil {
		return false, e
	}
	return aborted, nil
}

// SkipStep fails a step the operator could not get the device to report.
// Index 0 skips the lowest step without a result.
func (s *Session) SkipStep(ctx context.Context, index uint8) (report.StepResult, error) {
	var (
		res report.StepResult
		err error
	)
	if e := s.do(ctx, func() {
		if s.state != TestRunning || s.seq == nil {
			err = sequencer.ErrNotRunning
			return
		}
		res, err = s.seq.Skip(index)
	}); e != nil {
		return report.StepResult{}, e
	}
	return res, err
}

// Restart reboots the device. The device re-enumerates, so the session is
// released and must be connected again.
func (s *Session) Restart(ctx context.Context) error {
	var err error
	if e := s.do(ctx, func() {
		if !s.state.connected() {
			err = ErrNotConnected
			return
		}
		s.abortRunning()
		s.send(protocol.Restart{})
		s.release()
	}); e != nil {
		return e
	}
	return err
}

// Disconnect releases the ports. A running sequence ends as aborted.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.do(ctx, func() {
		if s.state == Disconnected {
			return
		}
		s.abortRunning()
		s.release()
	})
}

// Report returns the current run's report, in any state.
func (s *Session) Report(ctx context.Context) (report.FinalReport, error) {
	var r report.FinalReport
	err := s.do(ctx, func() { r = s.report() })
	return r, err
}

func (s *Session) State(ctx context.Context) (State, error) {
	var st State
	err := s.do(ctx, func() { st = s.state })
	return st, err
}

// Identity is nil until HW_INFO has been received on this connection.
func (s *Session) Identity(ctx context.Context) (*device.Identity, error) {
	var id *device.Identity
	err := s.do(ctx, func() {
		if s.identity != nil {
			cp := *s.identity
			id = &cp
		}
	})
	return id, err
}

func (s *Session) dispatch(raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupported) {
			s.log.Debug("session: ignored message", "bytes", fmt.Sprintf("% X", raw))
			return
		}
		s.warn(err)
		return
	}

	switch m := msg.(type) {
	case protocol.HWInfo:
		id := m.Identity
		if s.identity != nil {
			if *s.identity == id {
				s.log.Debug("session: repeated HW_INFO ignored")
				return
			}
			s.warn(fmt.Errorf("%w: HW_INFO %s after identity %s", ErrUnexpected, id, *s.identity))
			return
		}
		s.identity = &id
		s.log.Info("session: identity", "firmware", id.FirmwareVersion(), "batch", id.PCBBatch, "buttons", id.ButtonSystem)
		for _, w := range s.waiters {
			w <- id
		}
		s.waiters = nil
		s.hooks.identity(id)
	case protocol.StepResult:
		if s.state != TestRunning {
			s.warn(fmt.Errorf("%w: STEP_RESULT %s while %s", ErrUnexpected, m, s.state))
			return
		}
		s.seq.OnStepResult(m.Index, m.Passed, m.Observed)
	case protocol.FinalReport:
		if s.state != TestRunning {
			s.warn(fmt.Errorf("%w: FINAL_REPORT while %s", ErrUnexpected, s.state))
			return
		}
		if s.seq.OnFinalReport(m.Passed, m.Failed) {
			s.setState(TestComplete)
			s.hooks.finalReport(s.report())
		}
	case protocol.NoteOn, protocol.NoteOff, protocol.ControlChange:
		s.hooks.channelMessage(m)
	case protocol.EnterTestMode, protocol.ExitTestMode, protocol.RequestHWInfo, protocol.Restart:
		s.warn(fmt.Errorf("%w: host command %T echoed by device", ErrUnexpected, m))
	default:
		s.warn(fmt.Errorf("%w: %T", ErrUnexpected, m))
	}
}

func (s *Session) newSequencer() *sequencer.Sequencer {
	opts := []sequencer.Option{
		sequencer.WithGate(func() bool {
			return s.state == TestModeEntered || s.state == TestRunning
		}),
		sequencer.WithWarn(func(msg string) {
			s.warn(fmt.Errorf("%w: %s", ErrUnexpected, msg))
		}),
		sequencer.WithResultHook(s.hooks.stepResult),
		sequencer.WithLogger(s.log),
	}
	return sequencer.New(s.catalog, append(opts, s.seqOpts...)...)
}

// abortRunning finishes a running sequence and publishes its report.
func (s *Session) abortRunning() bool {
	if s.state != TestRunning || s.seq == nil || !s.seq.Abort() {
		return false
	}
	s.setState(TestComplete)
	s.hooks.finalReport(s.report())
	return true
}

func (s *Session) report() report.FinalReport {
	var r report.FinalReport
	if s.seq != nil {
		r = s.seq.Report()
	}
	if s.identity != nil {
		id := *s.identity
		r.Identity = &id
	}
	return r
}

// lost handles the inbound stream closing under us.
func (s *Session) lost() {
	if s.state == Disconnected {
		return
	}
	s.log.Warn("session: device lost", "state", s.state)
	s.abortRunning()
	s.warn(ErrDeviceLost)
	s.release()
}

func (s *Session) release() {
	s.tr.Release()
	s.msgs = nil
	s.identity = nil
	s.seq = nil
	s.waiters = nil
	s.setState(Disconnected)
}

func (s *Session) teardown() {
	if s.state == Disconnected {
		return
	}
	s.abortRunning()
	s.release()
}

func (s *Session) send(m protocol.Message) {
	b, err := protocol.Encode(m)
	if err != nil {
		s.log.Error("session: encode failed", "message", fmt.Sprintf("%T", m), "err", err)
		return
	}
	s.tr.Send(b)
}

func (s *Session) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.log.Debug("session: state", "from", from, "to", to)
	s.hooks.stateChange(from, to)
}

func (s *Session) warn(err error) {
	s.log.Warn("session: protocol warning", "err", err)
	s.hooks.warning(err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
