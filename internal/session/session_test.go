package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chase3718/hichord-qa/internal/device"
	"github.com/chase3718/hichord-qa/internal/protocol"
	"github.com/chase3718/hichord-qa/internal/report"
	"github.com/chase3718/hichord-qa/internal/sequencer"
	"github.com/chase3718/hichord-qa/internal/transport"
)

var (
	errUnplugged = errors.New("device unplugged")
	quiet        = slog.New(slog.NewTextHandler(io.Discard, nil))
	fastDelays   = Delays{Info: time.Second}
)

type recorder struct {
	mu       sync.Mutex
	warnings []error
	steps    []report.StepResult
	reports  chan report.FinalReport
	states   []State
	channel  []protocol.Message
}

func newRecorder() *recorder {
	return &recorder{reports: make(chan report.FinalReport, 4)}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnStepResult: func(s report.StepResult) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.steps = append(r.steps, s)
		},
		OnFinalReport: func(fr report.FinalReport) { r.reports <- fr },
		OnProtocolWarning: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.warnings = append(r.warnings, err)
		},
		OnStateChange: func(_, to State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, to)
		},
		OnChannelMessage: func(m protocol.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.channel = append(r.channel, m)
		},
	}
}

func (r *recorder) warningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.warnings)
}

func (r *recorder) stepCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps)
}

type fixture struct {
	dev  *fakeDevice
	sess *Session
	rec  *recorder
	ctx  context.Context
}

func start(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dev := newFakeDevice("ExampleDevice Port A")
	rec := newRecorder()
	adapter := transport.NewAdapter(dev.driver(),
		transport.WithTokens("ExampleDevice"),
		transport.WithLogger(quiet),
	)
	base := []Option{WithHooks(rec.hooks()), WithDelays(fastDelays), WithLogger(quiet)}
	sess := New(adapter, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{dev: dev, sess: sess, rec: rec, ctx: ctx}
}

func (f *fixture) connectAndEnter(t *testing.T) {
	t.Helper()
	_, err := f.sess.Connect(f.ctx)
	require.NoError(t, err)
	require.NoError(t, f.sess.EnterTestMode(f.ctx))
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	assert.Eventually(t, func() bool {
		st, err := f.sess.State(f.ctx)
		return err == nil && st == want
	}, time.Second, 5*time.Millisecond)
}

func TestConnectHandshakeAndIdentity(t *testing.T) {
	f := start(t)

	id, err := f.sess.Connect(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, device.Identity{FirmwareMajor: 1, FirmwareMinor: 95, PCBBatch: 4, ButtonSystem: device.ButtonI2C}, *id)

	sent := f.dev.received()
	require.Len(t, sent, 2)
	assert.Equal(t, []byte{0xB0, 0x7F, 0x01}, sent[0])
	assert.Equal(t, []byte{0xF0, 0x7D, 0x13, 0xF7}, sent[1])

	st, err := f.sess.State(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, Connected, st)
}

func TestConnectWithoutIdentity(t *testing.T) {
	f := start(t, WithDelays(Delays{Info: 20 * time.Millisecond}))
	f.dev.identity = nil

	id, err := f.sess.Connect(f.ctx)
	require.NoError(t, err)
	assert.Nil(t, id)

	f.dev.emit(protocol.HWInfo{Identity: device.Identity{FirmwareMajor: 1, FirmwareMinor: 90, PCBBatch: 1}})
	assert.Eventually(t, func() bool {
		got, _ := f.sess.Identity(f.ctx)
		return got != nil && got.PCBBatch == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConnectDeviceNotFound(t *testing.T) {
	rec := newRecorder()
	dev := newFakeDevice("Some Keyboard")
	sess := New(transport.NewAdapter(dev.driver(), transport.WithTokens("ExampleDevice"), transport.WithLogger(quiet)),
		WithHooks(rec.hooks()), WithLogger(quiet))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	_, err := sess.Connect(ctx)
	assert.ErrorIs(t, err, transport.ErrDeviceNotFound)
	st, _ := sess.State(ctx)
	assert.Equal(t, Disconnected, st)
}

func TestEndToEndAllPass(t *testing.T) {
	f := start(t)
	f.connectAndEnter(t)
	assert.True(t, f.dev.receivedFrame([]byte{0xF0, 0x7D, 0x10, 0xF7}))

	require.NoError(t, f.sess.StartSequence(f.ctx, 19))
	for i := uint8(1); i <= 19; i++ {
		f.dev.emit(protocol.StepResult{Index: i, Passed: true, Observed: protocol.Observed(i)})
	}
	f.dev.emit(protocol.FinalReport{Passed: 19, Failed: 0})

	var r report.FinalReport
	select {
	case r = <-f.rec.reports:
	case <-time.After(2 * time.Second):
		t.Fatal("no final report")
	}
	assert.Equal(t, 19, r.PassedCount)
	assert.Equal(t, 0, r.FailedCount)
	assert.Equal(t, 19, r.TotalCount)
	assert.False(t, r.Aborted)
	assert.False(t, r.Discrepancy())
	require.NotNil(t, r.Identity)
	assert.Equal(t, uint8(4), r.Identity.PCBBatch)
	assert.Equal(t, 19, f.rec.stepCount())

	st, _ := f.sess.State(f.ctx)
	assert.Equal(t, TestComplete, st)
	assert.Zero(t, f.rec.warningCount())
}

func TestStartRequiresTestMode(t *testing.T) {
	f := start(t)
	assert.ErrorIs(t, f.sess.StartSequence(f.ctx, 19), ErrNotConnected)

	_, err := f.sess.Connect(f.ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, f.sess.StartSequence(f.ctx, 19), sequencer.ErrNotInTestMode)

	require.NoError(t, f.sess.EnterTestMode(f.ctx))
	assert.ErrorIs(t, f.sess.StartSequence(f.ctx, 40), sequencer.ErrStepCount)
	require.NoError(t, f.sess.StartSequence(f.ctx, 19))
}

func TestMalformedFramesLeaveStateAlone(t *testing.T) {
	f := start(t)
	f.connectAndEnter(t)
	require.NoError(t, f.sess.StartSequence(f.ctx, 19))

	f.dev.emitRaw([]byte{0xF0, 0x7D, 0x12, 0x01, 0x01, 0x01})
	f.dev.emitRaw([]byte{0xF0, 0x41, 0x12, 0x01, 0x01, 0x01, 0xF7})

	assert.Eventually(t, func() bool { return f.rec.warningCount() == 2 }, time.Second, 5*time.Millisecond)
	st, _ := f.sess.State(f.ctx)
	assert.Equal(t, TestRunning, st)
	r, err := f.sess.Report(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, r.PerStepResults)
}

func TestStepResultOutsideRunIsWarnedOnce(t *testing.T) {
	f := start(t)
	f.connectAndEnter(t)

	f.dev.emit(protocol.StepResult{Index: 1, Passed: true})

	assert.Eventually(t, func() bool { return f.rec.warningCount() == 1 }, time.Second, 5*time.Millisecond)
	f.rec.mu.Lock()
	assert.ErrorIs(t, f.rec.warnings[0], ErrUnexpected)
	f.rec.mu.Unlock()
	st, _ := f.sess.State(f.ctx)
	assert.Equal(t, TestModeEntered, st)
	assert.Zero(t, f.rec.stepCount())
}

func TestAbortProducesPartialReport(t *testing.T) {
	f := start(t)
	f.connectAndEnter(t)
	require.NoError(t, f.sess.StartSequence(f.ctx, 19))
	for i := uint8(1); i <= 5; i++ {
		f.dev.emit(protocol.StepResult{Index: i, Passed: true})
	}
	assert.Eventually(t, func() bool { return f.rec.stepCount() == 5 }, time.Second, 5*time.Millisecond)

	aborted, err := f.sess.AbortSequence(f.ctx)
	require.NoError(t, err)
	assert.True(t, aborted)

	r := <-f.rec.reports
	assert.True(t, r.Aborted)
	assert.Len(t, r.PerStepResults, 5)
	st, _ := f.sess.State(f.ctx)
	assert.Equal(t, TestComplete, st)

	aborted, err = f.sess.AbortSequence(f.ctx)
	require.NoError(t, err)
	assert.False(t, aborted)
}

func TestExitTestModeAbortsRun(t *testing.T) {
	f := start(t)
	f.connectAndEnter(t)
	require.NoError(t, f.sess.StartSequence(f.ctx, 19))

	require.NoError(t, f.sess.ExitTestMode(f.ctx))

	assert.True(t, f.dev.receivedFrame([]byte{0xF0, 0x7D, 0x11, 0xF7}))
	r := <-f.rec.reports
	assert.True(t, r.Aborted)
	st, _ := f.sess.State(f.ctx)
	assert.Equal(t, Connected, st)
}

func TestUnplugDropsToDisconnected(t *testing.T) {
	f := start(t)
	f.connectAndEnter(t)
	require.NoError(t, f.sess.StartSequence(f.ctx, 19))
	f.dev.emit(protocol.StepResult{Index: 1, Passed: true})
	assert.Eventually(t, func() bool { return f.rec.stepCount() == 1 }, time.Second, 5*time.Millisecond)

	f.dev.unplug()

	f.waitState(t, Disconnected)
	r := <-f.rec.reports
	assert.True(t, r.Aborted)
	assert.Len(t, r.PerStepResults, 1)
	id, _ := f.sess.Identity(f.ctx)
	assert.Nil(t, id)

	_, err := f.sess.Connect(f.ctx)
	require.NoError(t, err)
}

func TestRestartReleasesSession(t *testing.T) {
	f := start(t)
	f.connectAndEnter(t)

	require.NoError(t, f.sess.Restart(f.ctx))

	assert.True(t, f.dev.receivedFrame([]byte{0xF0, 0x7D, 0x99, 0xF7}))
	st, _ := f.sess.State(f.ctx)
	assert.Equal(t, Disconnected, st)
	assert.ErrorIs(t, f.sess.EnterTestMode(f.ctx), ErrNotConnected)
}

func TestChannelMessagesReachHook(t *testing.T) {
	f := start(t)
	_, err := f.sess.Connect(f.ctx)
	require.NoError(t, err)

	f.dev.emitRaw([]byte{0x90, 0x3C, 0x64})
	f.dev.emitRaw([]byte{0xB0, 0x07, 0x40})
	f.dev.emitRaw([]byte{0xF8})

	assert.Eventually(t, func() bool {
		f.rec.mu.Lock()
		defer f.rec.mu.Unlock()
		return len(f.rec.channel) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.rec.warningCount())
}

func TestStateChangesInOrder(t *testing.T) {
	f := start(t)
	f.connectAndEnter(t)
	require.NoError(t, f.sess.StartSequence(f.ctx, 1))
	f.dev.emit(protocol.StepResult{Index: 1, Passed: true})
	f.dev.emit(protocol.FinalReport{Passed: 1})
	<-f.rec.reports

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Equal(t, []State{Connecting, Connected, TestModeEntered, TestRunning, TestComplete}, f.rec.states)
}

func TestChainCallsEveryHook(t *testing.T) {
	var a, b int
	h := Chain(
		Hooks{OnProtocolWarning: func(error) { a++ }},
		Hooks{},
		Hooks{OnProtocolWarning: func(error) { b++ }},
	)
	h.warning(errors.New("x"))
	h.identity(device.Identity{})
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestMethodsAfterRunStops(t *testing.T) {
	sess := New(transport.NewAdapter(newFakeDevice("ExampleDevice").driver(), transport.WithLogger(quiet)), WithLogger(quiet))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Run(ctx)
	}()
	cancel()
	<-done

	_, err := sess.State(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIdentityFixedOnceReceived(t *testing.T) {
	f := start(t)
	f.connectAndEnter(t)
	require.NoError(t, f.sess.StartSequence(f.ctx, 19))

	f.dev.emit(protocol.HWInfo{Identity: *f.dev.identity})
	f.dev.emit(protocol.HWInfo{Identity: device.Identity{FirmwareMajor: 9, FirmwareMinor: 9, PCBBatch: 1, ButtonSystem: device.ButtonADC}})

	assert.Eventually(t, func() bool { return f.rec.warningCount() == 1 }, time.Second, 5*time.Millisecond)
	f.rec.mu.Lock()
	assert.ErrorIs(t, f.rec.warnings[0], ErrUnexpected)
	f.rec.mu.Unlock()

	id, err := f.sess.Identity(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, uint8(4), id.PCBBatch)
	assert.Equal(t, uint8(95), id.FirmwareMinor)

	r, err := f.sess.Report(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, r.Identity)
	assert.Equal(t, uint8(4), r.Identity.PCBBatch)
}

func TestSkipStepFailsCurrentStep(t *testing.T) {
	f := start(t)
	f.connectAndEnter(t)

	_, err := f.sess.SkipStep(f.ctx, 0)
	assert.ErrorIs(t, err, sequencer.ErrNotRunning)

	require.NoError(t, f.sess.StartSequence(f.ctx, 19))
	f.dev.emit(protocol.StepResult{Index: 1, Passed: true})
	assert.Eventually(t, func() bool { return f.rec.stepCount() == 1 }, time.Second, 5*time.Millisecond)

	res, err := f.sess.SkipStep(f.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), res.Index)
	assert.True(t, res.Skipped)
	assert.Equal(t, 2, f.rec.stepCount())

	r, err := f.sess.Report(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.PassedCount)
	assert.Equal(t, 1, r.FailedCount)

	f.dev.emit(protocol.StepResult{Index: 2, Passed: true})
	assert.Eventually(t, func() bool { return f.rec.stepCount() == 3 }, time.Second, 5*time.Millisecond)
	r, err = f.sess.Report(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r.PassedCount)
	assert.Zero(t, r.FailedCount)
	assert.Empty(t, r.Skipped())
}

func TestExitTestModeWithoutDevice(t *testing.T) {
	f := start(t)
	assert.NoError(t, f.sess.ExitTestMode(f.ctx))
	assert.Empty(t, f.dev.received())
	st, _ := f.sess.State(f.ctx)
	assert.Equal(t, Disconnected, st)
}

// gatedTransport blocks Open until the test lets it bind.
type gatedTransport struct {
	opening chan struct{}
	proceed chan struct{}
	msgs    chan []byte

	mu       sync.Mutex
	bound    bool
	releases int
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{
		opening: make(chan struct{}),
		proceed: make(chan struct{}),
		msgs:    make(chan []byte),
	}
}

func (g *gatedTransport) Open(ctx context.Context) (transport.BoundPorts, error) {
	close(g.opening)
	<-g.proceed
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bound = true
	return transport.BoundPorts{In: "ExampleDevice Port A", Out: "ExampleDevice Port A"}, nil
}

func (g *gatedTransport) Send([]byte) {}

func (g *gatedTransport) Messages() <-chan []byte { return g.msgs }

func (g *gatedTransport) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bound = false
	g.releases++
}

func (g *gatedTransport) isBound() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bound
}

func TestDisconnectDuringOpenReleasesPorts(t *testing.T) {
	tr := newGatedTransport()
	sess := New(tr, WithDelays(fastDelays), WithLogger(quiet))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	connectErr := make(chan error, 1)
	go func() {
		_, err := sess.Connect(ctx)
		connectErr <- err
	}()

	<-tr.opening
	require.NoError(t, sess.Disconnect(ctx))
	close(tr.proceed)

	assert.ErrorIs(t, <-connectErr, ErrDeviceLost)
	assert.False(t, tr.isBound())
	st, err := sess.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, Disconnected, st)
}
