package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chase3718/hichord-qa/internal/api"
	"github.com/chase3718/hichord-qa/internal/report"
	"github.com/chase3718/hichord-qa/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP control API for the bench UI",
	Long: `Start the session and expose it over HTTP for the browser checklist UI.
Finished reports are saved to the configured store and events are published
to NATS when nats.url is set.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :8088)")
	_ = v.BindPFlag("http.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	rs, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if rs != nil {
		defer rs.Close()
	}
	pub, err := openPublisher(cfg)
	if err != nil {
		return err
	}
	if pub != nil {
		defer pub.Close()
	}

	var hooks session.Hooks
	if rs != nil {
		hooks.OnFinalReport = func(r report.FinalReport) {
			// Hooks run on the session goroutine; saving must not block it.
			go func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := rs.Save(sctx, r); err != nil {
					logger.Error("serve: save report failed", "run", r.RunID, "err", err)
				}
			}()
		}
	}
	if pub != nil {
		hooks = session.Chain(hooks, pub.Hooks())
	}

	tr := newAdapter(cfg)
	defer tr.Close()
	sess := newSession(cfg, tr, cat, hooks)
	stopSession := startSession(sess)
	defer stopSession()

	opts := []api.Option{
		api.WithCatalog(cat),
		api.WithDefaultSteps(cfg.Test.Steps),
		api.WithCORSOrigins(cfg.HTTP.CORSOrigins...),
		api.WithLogger(logger),
	}
	if rs != nil {
		opts = append(opts, api.WithReportStore(rs))
	}
	srv := api.NewServer(sess, opts...)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(cfg.HTTP.Addr) }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("serve: shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
