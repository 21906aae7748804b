package protocol

import (
	"fmt"

	"github.com/chase3718/hichord-qa/internal/device"
)

// Message is one decoded MIDI message. The set of implementations is closed;
// consumers switch on the concrete type.
type Message interface {
	isMessage()
}

// Host to device.
type (
	EnterTestMode struct{}
	ExitTestMode  struct{}
	RequestHWInfo struct{}
	Restart       struct{}
)

// HWInfo is the device identity response.
type HWInfo struct {
	Identity device.Identity
}

// StepResult reports the outcome of one self-test step.
//
// Three payload forms exist in the field:
//
//	[index, pass, observed]  current firmware
//	[index, pass]            legacy, no observed input
//	[pass]                   oldest, index implied by the firmware's cursor
//
// Index is zero only for the oldest form. Observed is nil unless the full
// form was received.
type StepResult struct {
	Index    uint8
	Passed   bool
	Observed *uint8
}

// HasIndex reports whether the frame named the step explicitly.
func (m StepResult) HasIndex() bool { return m.Index != 0 }

func (m StepResult) String() string {
	obs := "-"
	if m.Observed != nil {
		obs = fmt.Sprint(*m.Observed)
	}
	return fmt.Sprintf("step=%d passed=%t observed=%s", m.Index, m.Passed, obs)
}

// FinalReport carries the firmware's own tally at the end of a run.
type FinalReport struct {
	Passed uint8
	Failed uint8
}

// Channel messages, used by manual-mode verification only.
type (
	NoteOn struct {
		Channel  uint8
		Key      uint8
		Velocity uint8
	}
	NoteOff struct {
		Channel uint8
		Key     uint8
	}
	ControlChange struct {
		Channel    uint8
		Controller uint8
		Value      uint8
	}
)

func (EnterTestMode) isMessage() {}
func (ExitTestMode) isMessage()  {}
func (RequestHWInfo) isMessage() {}
func (Restart) isMessage()       {}
func (HWInfo) isMessage()        {}
func (StepResult) isMessage()    {}
func (FinalReport) isMessage()   {}
func (NoteOn) isMessage()        {}
func (NoteOff) isMessage()       {}
func (ControlChange) isMessage() {}

// Observed returns a pointer suitable for StepResult.Observed.
func Observed(id uint8) *uint8 { return &id }
