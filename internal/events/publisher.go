// Package events mirrors session events onto NATS so bench dashboards can
// follow a run live. Subjects are <prefix>.<runID>.<kind>.
package events

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	json "github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"

	"github.com/chase3718/hichord-qa/internal/device"
	"github.com/chase3718/hichord-qa/internal/report"
	"github.com/chase3718/hichord-qa/internal/session"
)

const (
	KindIdentity = "identity"
	KindStep     = "step"
	KindReport   = "report"
	KindWarning  = "warning"
	KindState    = "state"
)

// idleRun stands in for the run ID when no sequence has started yet.
const idleRun = "idle"

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Close()
}

type Publisher struct {
	conn   Conn
	prefix string
	log    *slog.Logger

	mu  sync.Mutex
	run string
}

// Connect dials NATS and returns a publisher on it.
func Connect(url, prefix string, log *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("hichord-qa"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	log.Info("events: connected to nats", "url", nc.ConnectedUrl())
	return New(nc, prefix, log), nil
}

func New(conn Conn, prefix string, log *slog.Logger) *Publisher {
	return &Publisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), log: log, run: idleRun}
}

// Subject builds the subject for an event of kind in run.
func Subject(prefix, runID, kind string) string {
	if runID == "" {
		runID = idleRun
	}
	return fmt.Sprintf("%s.%s.%s", prefix, runID, kind)
}

// Publish encodes payload as JSON on the subject for runID and kind.
func (p *Publisher) Publish(runID, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}
	subject := Subject(p.prefix, runID, kind)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.log.Debug("events: published", "subject", subject, "bytes", len(data))
	return nil
}

func (p *Publisher) Close() {
	p.conn.Close()
}

type warningEvent struct {
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

type stateEvent struct {
	From session.State `json:"from"`
	To   session.State `json:"to"`
	At   time.Time     `json:"at"`
}

// Hooks returns session hooks that publish every event. Publish failures are
// logged and never reach the session.
func (p *Publisher) Hooks() session.Hooks {
	return session.Hooks{
		OnIdentity: func(id device.Identity) {
			p.emit(p.current(), KindIdentity, id)
		},
		OnStepResult: func(r report.StepResult) {
			p.setRun(r.RunID)
			p.emit(r.RunID, KindStep, r)
		},
		OnFinalReport: func(r report.FinalReport) {
			p.setRun(r.RunID)
			p.emit(r.RunID, KindReport, r)
		},
		OnProtocolWarning: func(err error) {
			p.emit(p.current(), KindWarning, warningEvent{Error: err.Error(), At: time.Now()})
		},
		OnStateChange: func(from, to session.State) {
			p.emit(p.current(), KindState, stateEvent{From: from, To: to, At: time.Now()})
		},
	}
}

func (p *Publisher) emit(runID, kind string, payload any) {
	if err := p.Publish(runID, kind, payload); err != nil {
		p.log.Warn("events: publish failed", "kind", kind, "err", err)
	}
}

func (p *Publisher) current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run
}

func (p *Publisher) setRun(id string) {
	if id == "" {
		return
	}
	p.mu.Lock()
	p.run = id
	p.mu.Unlock()
}
