package session

import (
	"github.com/chase3718/hichord-qa/internal/device"
	"github.com/chase3718/hichord-qa/internal/protocol"
	"github.com/chase3718/hichord-qa/internal/report"
)

// Hooks are called from the session goroutine, in message order. A hook must
// not call back into the Session synchronously.
type Hooks struct {
	OnIdentity        func(device.Identity)
	OnStepResult      func(report.StepResult)
	OnFinalReport     func(report.FinalReport)
	OnProtocolWarning func(error)
	OnStateChange     func(from, to State)
	OnChannelMessage  func(protocol.Message)
}

// Chain fans each event out to every non-nil hook in order.
func Chain(hooks ...Hooks) Hooks {
	return Hooks{
		OnIdentity: func(id device.Identity) {
			for _, h := range hooks {
				h.identity(id)
			}
		},
		OnStepResult: func(r report.StepResult) {
			for _, h := range hooks {
				h.stepResult(r)
			}
		},
		OnFinalReport: func(r report.FinalReport) {
			for _, h := range hooks {
				h.finalReport(r)
			}
		},
		OnProtocolWarning: func(err error) {
			for _, h := range hooks {
				h.warning(err)
			}
		},
		OnStateChange: func(from, to State) {
			for _, h := range hooks {
				h.stateChange(from, to)
			}
		},
		OnChannelMessage: func(m protocol.Message) {
			for _, h := range hooks {
				h.channelMessage(m)
			}
		},
	}
}

func (h Hooks) identity(id device.Identity) {
	if h.OnIdentity != nil {
		h.OnIdentity(id)
	}
}

func (h Hooks) stepResult(r report.StepResult) {
	if h.OnStepResult != nil {
		h.OnStepResult(r)
	}
}

func (h Hooks) finalReport(r report.FinalReport) {
	if h.OnFinalReport != nil {
		h.OnFinalReport(r)
	}
}

func (h Hooks) warning(err error) {
	if h.OnProtocolWarning != nil {
		h.OnProtocolWarning(err)
	}
}

func (h Hooks) stateChange(from, to State) {
	if h.OnStateChange != nil {
		h.OnStateChange(from, to)
	}
}

func (h Hooks) channelMessage(m protocol.Message) {
	if h.OnChannelMessage != nil {
		h.OnChannelMessage(m)
	}
}
