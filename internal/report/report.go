// Package report turns the results a sequencer collected into the summary
// the UI renders and the stores persist.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/chase3718/hichord-qa/internal/device"
	"github.com/chase3718/hichord-qa/internal/steps"
)

// StepResult is the recorded outcome of one step.
type StepResult struct {
	RunID           string    `json:"runId,omitempty"`
	Index           uint8     `json:"index"`
	Label           string    `json:"label"`
	Passed          bool      `json:"passed"`
	Skipped         bool      `json:"skipped,omitempty"`
	ObservedInputID *uint8    `json:"observedInputId,omitempty"`
	ExpectedInputID uint8     `json:"expectedInputId"`
	Attempts        int       `json:"attempts"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// InputMismatch reports a result whose observed input differs from the
// expected one. The firmware's pass flag stays authoritative.
func (r StepResult) InputMismatch() bool {
	return r.ObservedInputID != nil && *r.ObservedInputID != r.ExpectedInputID
}

// Tally is a passed/failed pair.
type Tally struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

func (t Tally) Total() int { return t.Passed + t.Failed }

type Status string

const (
	StatusPassed     Status = "passed"
	StatusFailed     Status = "failed"
	StatusIncomplete Status = "incomplete"
	StatusAborted    Status = "aborted"
)

// FinalReport summarises one run. PassedCount and FailedCount always count
// the results received here; the firmware's own numbers are kept apart in
// DeviceReported.
type FinalReport struct {
	RunID          string           `json:"runId"`
	Identity       *device.Identity `json:"identity,omitempty"`
	StartedAt      time.Time        `json:"startedAt"`
	FinishedAt     time.Time        `json:"finishedAt"`
	PassedCount    int              `json:"passedCount"`
	FailedCount    int              `json:"failedCount"`
	TotalCount     int              `json:"totalCount"`
	Aborted        bool             `json:"aborted"`
	Finished       bool             `json:"finished"`
	DeviceReported *Tally           `json:"deviceReported,omitempty"`
	PerStepResults []StepResult     `json:"perStepResults"`
	Missing        []uint8          `json:"missing,omitempty"`

	// Flat copies of the two tallies for consumers that read them by name.
	// Device fields are nil until FINAL_REPORT arrives.
	LocallyObservedPassed int  `json:"locallyObservedPassed"`
	LocallyObservedFailed int  `json:"locallyObservedFailed"`
	DeviceReportedPassed  *int `json:"deviceReportedPassed,omitempty"`
	DeviceReportedFailed  *int `json:"deviceReportedFailed,omitempty"`
}

// Input is everything Build needs.
type Input struct {
	RunID          string
	Identity       *device.Identity
	StartedAt      time.Time
	FinishedAt     time.Time
	Planned        []steps.Step
	Results        map[uint8]StepResult
	Aborted        bool
	Finished       bool
	DeviceReported *Tally
}

// Build derives a report. Results are ordered by step index.
func Build(in Input) FinalReport {
	results := lo.Values(in.Results)
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })

	passed := lo.CountBy(results, func(r StepResult) bool { return r.Passed })
	missing := lo.FilterMap(in.Planned, func(s steps.Step, _ int) (uint8, bool) {
		_, ok := in.Results[s.Index]
		return s.Index, !ok
	})

	r := FinalReport{
		RunID:                 in.RunID,
		Identity:              in.Identity,
		StartedAt:             in.StartedAt,
		FinishedAt:            in.FinishedAt,
		PassedCount:           passed,
		FailedCount:           len(results) - passed,
		TotalCount:            len(in.Planned),
		Aborted:               in.Aborted,
		Finished:              in.Finished,
		DeviceReported:        in.DeviceReported,
		PerStepResults:        results,
		Missing:               missing,
		LocallyObservedPassed: passed,
		LocallyObservedFailed: len(results) - passed,
	}
	if d := in.DeviceReported; d != nil {
		r.DeviceReportedPassed = lo.ToPtr(d.Passed)
		r.DeviceReportedFailed = lo.ToPtr(d.Failed)
	}
	return r
}

// Skipped lists the steps the operator skipped that the device never
// reported afterwards.
func (r FinalReport) Skipped() []StepResult {
	return lo.Filter(r.PerStepResults, func(s StepResult, _ int) bool { return s.Skipped })
}

// Received is the number of step results recorded.
func (r FinalReport) Received() int { return r.PassedCount + r.FailedCount }

// Discrepancy reports whether the firmware's tally disagrees with the local
// one. Informational only.
func (r FinalReport) Discrepancy() bool {
	if r.DeviceReported == nil {
		return false
	}
	return r.DeviceReported.Passed != r.PassedCount || r.DeviceReported.Failed != r.FailedCount
}

func (r FinalReport) Status() Status {
	switch {
	case r.Aborted:
		return StatusAborted
	case r.FailedCount > 0:
		return StatusFailed
	case r.Received() < r.TotalCount:
		return StatusIncomplete
	}
	return StatusPassed
}

// Failures lists the failed steps in order.
func (r FinalReport) Failures() []StepResult {
	return lo.Filter(r.PerStepResults, func(s StepResult, _ int) bool { return !s.Passed })
}

func (r FinalReport) String() string {
	return fmt.Sprintf("%s: %d passed, %d failed of %d", r.Status(), r.PassedCount, r.FailedCount, r.TotalCount)
}
