package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/chase3718/hichord-qa/internal/config"
	"github.com/chase3718/hichord-qa/internal/events"
	"github.com/chase3718/hichord-qa/internal/session"
	"github.com/chase3718/hichord-qa/internal/steps"
	"github.com/chase3718/hichord-qa/internal/store"
	"github.com/chase3718/hichord-qa/internal/transport"
)

func newAdapter(c *config.Config) *transport.Adapter {
	open := transport.OpenMIDI
	if c.Transport.Kind == "serial" {
		open = transport.OpenSerial(c.Transport.SerialBaud)
	}
	return transport.NewAdapter(open,
		transport.WithTokens(c.Device.Tokens...),
		transport.WithExcluded(c.Device.Excluded...),
		transport.WithBuffer(c.Transport.Buffer),
		transport.WithLogger(logger),
	)
}

// loadCatalog picks the profile file when one is configured, else the
// embedded profile for the step count, else the default table.
func loadCatalog(c *config.Config) (steps.Catalog, error) {
	if c.Test.Profile != "" {
		return steps.Load(c.Test.Profile)
	}
	cat, err := steps.ForCount(c.Test.Steps)
	if errors.Is(err, steps.ErrUnknownProfile) {
		return steps.Default(), nil
	}
	return cat, err
}

func newSession(c *config.Config, tr session.Transport, cat steps.Catalog, hooks session.Hooks) *session.Session {
	return session.New(tr,
		session.WithHooks(hooks),
		session.WithCatalog(cat),
		session.WithDelays(session.Delays{
			Handshake: c.Timing.HandshakeSettle,
			Info:      c.Timing.InfoSettle,
			Enter:     c.Timing.EnterSettle,
		}),
		session.WithLogger(logger),
	)
}

// openStore returns Postgres when a DSN is set, the report directory
// otherwise, and nil when both are empty.
func openStore(ctx context.Context, c *config.Config) (store.ReportStore, error) {
	switch {
	case c.Database.DSN != "":
		return store.NewPostgresStore(ctx, c.Database.DSN)
	case c.Report.Dir != "":
		return store.NewFileStore(c.Report.Dir)
	}
	return nil, nil
}

// openPublisher is nil when no NATS URL is configured.
func openPublisher(c *config.Config) (*events.Publisher, error) {
	if c.NATS.URL == "" {
		return nil, nil
	}
	return events.Connect(c.NATS.URL, c.NATS.SubjectPrefix, logger)
}

// startSession runs s in the background. The returned stop cancels it and
// waits for the transport to be released.
func startSession(s *session.Session) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("session: run ended", "err", err)
		}
	}
}

func describeConnectErr(err error) error {
	switch {
	case errors.Is(err, transport.ErrDeviceNotFound):
		return fmt.Errorf("%w; check the USB cable and run 'hichord-qa ports'", err)
	case errors.Is(err, transport.ErrPlatformUnsupported):
		return fmt.Errorf("%w; try --transport serial", err)
	}
	return err
}
