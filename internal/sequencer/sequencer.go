// Package sequencer tracks one firmware self-test run: which steps were
// planned, which results came back, and how the run ended.
//
// A Sequencer is not safe for concurrent use. The session owns it and only
// touches it from its own goroutine.
package sequencer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/chase3718/hichord-qa/internal/report"
	"github.com/chase3718/hichord-qa/internal/steps"
)

var (
	ErrNotInTestMode = errors.New("sequencer: device is not in test mode")
	ErrStepCount     = errors.New("sequencer: step count out of range")
	ErrNotRunning    = errors.New("sequencer: no sequence running")
	ErrStepIndex     = errors.New("sequencer: step not in the running sequence")
)

type State int

const (
	Idle State = iota
	Running
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Sequencer struct {
	catalog steps.Catalog
	gate    func() bool
	warn    func(string)
	onStep  func(report.StepResult)
	now     func() time.Time
	newID   func() string
	log     *slog.Logger

	state    State
	planned  []steps.Step
	results  map[uint8]report.StepResult
	runID    string
	started  time.Time
	finished time.Time
	aborted  bool
	device   *report.Tally
}

type Option func(*Sequencer)

// WithGate sets the check Start uses to refuse when the device has not
// entered test mode.
func WithGate(fn func() bool) Option {
	return func(s *Sequencer) { s.gate = fn }
}

// WithWarn receives one message per discarded protocol event.
func WithWarn(fn func(string)) Option {
	return func(s *Sequencer) { s.warn = fn }
}

// WithResultHook is called for every recorded step result.
func WithResultHook(fn func(report.StepResult)) Option {
	return func(s *Sequencer) { s.onStep = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(s *Sequencer) { s.now = fn }
}

func WithRunIDs(fn func() string) Option {
	return func(s *Sequencer) { s.newID = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.log = l }
}

func New(catalog steps.Catalog, opts ...Option) *Sequencer {
	s := &Sequencer{
		catalog: catalog,
		gate:    func() bool { return true },
		warn:    func(string) {},
		onStep:  func(report.StepResult) {},
		now:     time.Now,
		newID:   uuid.NewString,
		log:     slog.Default(),
		results: map[uint8]report.StepResult{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sequencer) State() State { return s.state }

func (s *Sequencer) RunID() string { return s.runID }

// Planned returns the steps of the current run.
func (s *Sequencer) Planned() []steps.Step {
	return append([]steps.Step(nil), s.planned...)
}

// Start arms a new run over the first n steps of the catalog. It may be
// called again from Running or Finished; the previous run is discarded.
func (s *Sequencer) Start(n int) error {
	if !s.gate() {
		return ErrNotInTestMode
	}
	if n < 1 || n > s.catalog.Len() {
		return fmt.Errorf("%w: %d not in 1..%d", ErrStepCount, n, s.catalog.Len())
	}
	if s.state == Running {
		s.log.Warn("sequencer: restarting a running sequence", "run", s.runID, "received", len(s.results))
	}

	s.planned = s.catalog.Head(n).Steps()
	s.results = map[uint8]report.StepResult{}
	s.runID = s.newID()
	s.started = s.now()
	s.finished = time.Time{}
	s.aborted = false
	s.device = nil
	s.state = Running
	s.log.Info("sequencer: started", "run", s.runID, "steps", n)
	return nil
}

// OnStepResult records a result. Index 0 means the frame did not name its
// step; it binds to the lowest planned step without a result. A repeated
// index overwrites the earlier result and counts another attempt.
func (s *Sequencer) OnStepResult(index uint8, passed bool, observed *uint8) (report.StepResult, bool) {
	if s.state != Running {
		s.discard("step result while %s", s.state)
		return report.StepResult{}, false
	}
	index, ok := s.resolve(index)
	if !ok {
		s.discard("unindexed step result after every step reported")
		return report.StepResult{}, false
	}
	if int(index) > len(s.planned) {
		s.discard("step result for step %d of a %d-step run", index, len(s.planned))
		return report.StepResult{}, false
	}
	return s.record(index, passed, observed, false), true
}

// Skip records step index as failed on the operator's behalf, for a control
// that never responds. Index 0 skips the lowest step without a result. A
// later result from the device for the same step replaces the skip.
func (s *Sequencer) Skip(index uint8) (report.StepResult, error) {
	if s.state != Running {
		return report.StepResult{}, ErrNotRunning
	}
	index, ok := s.resolve(index)
	if !ok || int(index) > len(s.planned) {
		return report.StepResult{}, fmt.Errorf("%w: %d of %d", ErrStepIndex, index, len(s.planned))
	}
	s.log.Info("sequencer: step skipped", "run", s.runID, "step", index)
	return s.record(index, false, nil, true), nil
}

// resolve maps index 0 to the lowest planned step without a result.
func (s *Sequencer) resolve(index uint8) (uint8, bool) {
	if index != 0 {
		return index, true
	}
	next, ok := lo.Find(s.planned, func(st steps.Step) bool {
		_, seen := s.results[st.Index]
		return !seen
	})
	return next.Index, ok
}

func (s *Sequencer) record(index uint8, passed bool, observed *uint8, skipped bool) report.StepResult {
	def := s.planned[index-1]
	res := report.StepResult{
		RunID:           s.runID,
		Index:           index,
		Label:           def.Label,
		Passed:          passed,
		Skipped:         skipped,
		ObservedInputID: observed,
		ExpectedInputID: def.ExpectedInputID,
		Attempts:        1,
		ReceivedAt:      s.now(),
	}
	if prev, ok := s.results[index]; ok {
		res.Attempts = prev.Attempts + 1
		s.log.Debug("sequencer: step retried", "step", index, "attempt", res.Attempts, "passed", passed)
	}
	s.results[index] = res

	if res.InputMismatch() {
		s.log.Warn("sequencer: observed input differs", "step", index, "observed", *observed, "expected", def.ExpectedInputID)
	}
	s.onStep(res)
	return res
}

// OnFinalReport ends the run. The firmware's counts are stored as reported
// and never replace the local tally.
func (s *Sequencer) OnFinalReport(passed, failed uint8) bool {
	if s.state != Running {
		s.discard("final report while %s", s.state)
		return false
	}
	s.device = &report.Tally{Passed: int(passed), Failed: int(failed)}
	s.finish()
	local := len(s.results)
	if s.device.Total() != local {
		s.log.Info("sequencer: device tally differs", "run", s.runID, "device", s.device.Total(), "local", local)
	}
	return true
}

// Abort ends a running sequence keeping the partial results. Outside Running
// it does nothing.
func (s *Sequencer) Abort() bool {
	if s.state != Running {
		return false
	}
	s.aborted = true
	s.finish()
	s.log.Info("sequencer: aborted", "run", s.runID, "received", len(s.results))
	return true
}

func (s *Sequencer) finish() {
	s.state = Finished
	s.finished = s.now()
}

// Results returns the recorded results in step order.
func (s *Sequencer) Results() []report.StepResult {
	return s.Report().PerStepResults
}

// Report derives the current report. It is valid in any state.
func (s *Sequencer) Report() report.FinalReport {
	return report.Build(report.Input{
		RunID:          s.runID,
		StartedAt:      s.started,
		FinishedAt:     s.finished,
		Planned:        s.planned,
		Results:        s.results,
		Aborted:        s.aborted,
		Finished:       s.state == Finished,
		DeviceReported: s.device,
	})
}

func (s *Sequencer) discard(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.log.Debug("sequencer: discarded", "reason", msg)
	s.warn(msg)
}
