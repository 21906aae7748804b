package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/chase3718/hichord-qa/internal/report"
	"github.com/chase3718/hichord-qa/internal/session"
	"github.com/chase3718/hichord-qa/internal/steps"
)

var promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the firmware self-test and record the results",
	Long: `Connect to the instrument, enter test mode and walk the operator through
every step of the firmware self-test. The report is printed, saved to the
report directory (or Postgres when database.dsn is set) and published to NATS
when nats.url is set.

Example:
  hichord-qa run --steps 21 --restart`,
	RunE: runSelfTest,
}

func init() {
	f := runCmd.Flags()
	f.Int("steps", 0, "number of self-test steps the firmware runs (19, 20 or 21)")
	f.String("profile", "", "YAML step profile overriding the embedded tables")
	f.Duration("timeout", 0, "abort the run when no final report arrives in time")
	f.Bool("restart", false, "restart the device after the run")
	_ = v.BindPFlag("test.steps", f.Lookup("steps"))
	_ = v.BindPFlag("test.profile", f.Lookup("profile"))
	_ = v.BindPFlag("test.timeout", f.Lookup("timeout"))
	_ = v.BindPFlag("test.restart", f.Lookup("restart"))
}

func runSelfTest(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	n := cfg.Test.Steps
	planned := cat.Head(n)

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

	done := make(chan report.FinalReport, 1)
	hooks := session.Hooks{
		OnStepResult: func(r report.StepResult) {
			fmt.Println(report.RenderStep(r))
			if next, ok := planned.Step(r.Index + 1); ok {
				prompt(next)
			}
		},
		OnFinalReport: func(r report.FinalReport) {
			select {
			case done <- r:
			default:
			}
		},
	}
	if pub != nil {
		hooks = session.Chain(hooks, pub.Hooks())
	}

	tr := newAdapter(cfg)
	defer tr.Close()
	sess := newSession(cfg, tr, cat, hooks)
	stopSession := startSession(sess)
	defer stopSession()

	id, err := sess.Connect(ctx)
	if err != nil {
		return describeConnectErr(err)
	}
	if id != nil {
		fmt.Println(promptStyle.Render("● " + id.String()))
	} else {
		logger.Warn("run: continuing without device identity")
	}

	if err := sess.EnterTestMode(ctx); err != nil {
		return fmt.Errorf("enter test mode: %w", err)
	}
	if err := sess.StartSequence(ctx, n); err != nil {
		return fmt.Errorf("start sequence: %w", err)
	}
	fmt.Printf("Running %d self-test steps. Press Ctrl+C to abort.\n\n", n)
	if first, ok := planned.Step(1); ok {
		prompt(first)
	}

	final, err := awaitReport(ctx, sess, done, cfg.Test.Timeout)
	if err != nil {
		return err
	}

	// The signal context may already be cancelled here.
	tail, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if st, err := sess.State(tail); err == nil && st != session.Disconnected {
		if err := sess.ExitTestMode(tail); err != nil {
			logger.Warn("run: exit test mode failed", "err", err)
		}
		if cfg.Test.Restart {
			if err := sess.Restart(tail); err != nil {
				logger.Warn("run: restart failed", "err", err)
			}
		}
	}

	fmt.Println()
	fmt.Print(report.Render(final))

	if rs != nil {
		if err := rs.Save(tail, final); err != nil {
			logger.Error("run: save report failed", "run", final.RunID, "err", err)
		} else {
			logger.Info("run: report saved", "run", final.RunID)
		}
	}

	if st := final.Status(); st != report.StatusPassed {
		return fmt.Errorf("self-test %s", st)
	}
	return nil
}

// awaitReport waits for the final report, aborting the run on timeout or
// signal and returning the partial report instead.
func awaitReport(ctx context.Context, sess *session.Session, done <-chan report.FinalReport, timeout time.Duration) (report.FinalReport, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case r := <-done:
		return r, nil
	case <-expire:
		logger.Warn("run: no final report, aborting", "timeout", timeout)
	case <-ctx.Done():
		logger.Warn("run: interrupted, aborting")
	}

	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sess.AbortSequence(bg); err != nil {
		return report.FinalReport{}, fmt.Errorf("abort sequence: %w", err)
	}
	select {
	case r := <-done:
		return r, nil
	default:
	}
	return sess.Report(bg)
}

func prompt(s steps.Step) {
	fmt.Println(promptStyle.Render(fmt.Sprintf("→ %02d %s", s.Index, s.Instruction())))
}
