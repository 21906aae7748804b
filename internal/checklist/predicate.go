package checklist

import (
	"context"
	"fmt"
	"time"

	"github.com/chase3718/hichord-qa/internal/protocol"
)

// Outcome is the verdict of one automated item.
type Outcome struct {
	Passed  bool
	Message string
}

// Predicate consumes channel messages until it can decide.
type Predicate interface {
	// Observe returns true once the predicate has passed.
	Observe(m protocol.Message) bool
	// Outcome reports the verdict so far.
	Outcome() Outcome
}

// NoteSeen passes once notes on `want` distinct keys have been seen.
func NoteSeen(want int) Predicate {
	return &noteSeen{want: want, keys: map[uint8]struct{}{}}
}

type noteSeen struct {
	want int
	keys map[uint8]struct{}
}

func (p *noteSeen) Observe(m protocol.Message) bool {
	if on, ok := m.(protocol.NoteOn); ok {
		p.keys[on.Key] = struct{}{}
	}
	return len(p.keys) >= p.want
}

func (p *noteSeen) Outcome() Outcome {
	if len(p.keys) >= p.want {
		return Outcome{Passed: true, Message: fmt.Sprintf("all %d chord buttons detected", p.want)}
	}
	return Outcome{Message: fmt.Sprintf("detected %d/%d chord buttons", len(p.keys), p.want)}
}

// ControllerSweep passes after `want` jumps larger than minDelta on
// controller cc.
func ControllerSweep(cc uint8, want int, minDelta int) Predicate {
	return &controllerSweep{cc: cc, want: want, minDelta: minDelta, last: -1}
}

type controllerSweep struct {
	cc       uint8
	want     int
	minDelta int
	last     int
	changes  int
}

func (p *controllerSweep) Observe(m protocol.Message) bool {
	c, ok := m.(protocol.ControlChange)
	if !ok || c.Controller != p.cc {
		return p.changes >= p.want
	}
	v := int(c.Value)
	if p.last >= 0 && abs(v-p.last) > p.minDelta {
		p.changes++
	}
	p.last = v
	return p.changes >= p.want
}

func (p *controllerSweep) Outcome() Outcome {
	if p.changes >= p.want {
		return Outcome{Passed: true, Message: fmt.Sprintf("volume control working (%d changes detected)", p.changes)}
	}
	return Outcome{Message: fmt.Sprintf("insufficient volume changes (%d/%d)", p.changes, p.want)}
}

// ClickCount passes after `want` note-on events.
func ClickCount(want int) Predicate {
	return &clickCount{want: want}
}

type clickCount struct {
	want   int
	clicks int
}

func (p *clickCount) Observe(m protocol.Message) bool {
	if _, ok := m.(protocol.NoteOn); ok {
		p.clicks++
	}
	return p.clicks >= p.want
}

func (p *clickCount) Outcome() Outcome {
	if p.clicks >= p.want {
		return Outcome{Passed: true, Message: fmt.Sprintf("joystick clicks detected (%d)", p.clicks)}
	}
	return Outcome{Message: fmt.Sprintf("detected %d/%d clicks", p.clicks, p.want)}
}

// Evaluate feeds msgs to a fresh predicate of a until it passes, the item's
// timeout expires, msgs is closed or ctx is done.
func Evaluate(ctx context.Context, a Automated, msgs <-chan protocol.Message) Outcome {
	p := a.Predicate()
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return p.Outcome()
			}
			if p.Observe(m) {
				return p.Outcome()
			}
		case <-timer.C:
			return p.Outcome()
		case <-ctx.Done():
			return p.Outcome()
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
