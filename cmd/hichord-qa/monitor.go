package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/chase3718/hichord-qa/internal/checklist"
	"github.com/chase3718/hichord-qa/internal/protocol"
	"github.com/chase3718/hichord-qa/internal/session"
)

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print the notes and controllers the instrument sends",
	Long: `Connect without entering test mode and print every note and controller
message. With --check, run the automated checklist items instead (volume
sweep, joystick clicks, MIDI output) and print a verdict for each.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().Bool("check", false, "run the automated checklist items")
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	check, _ := cmd.Flags().GetBool("check")

	msgs := make(chan protocol.Message, 64)
	hooks := session.Hooks{
		OnChannelMessage: func(m protocol.Message) {
			select {
			case msgs <- m:
			default:
				logger.Debug("monitor: dropped message, reader behind")
			}
		},
	}

	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
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
	var batch uint8
	if id != nil {
		batch = id.PCBBatch
		fmt.Println(promptStyle.Render("● " + id.String()))
	}

	if !check {
		fmt.Println("Listening. Press Ctrl+C to stop.")
		for {
			select {
			case m := <-msgs:
				fmt.Println("  " + describe(m))
			case <-ctx.Done():
				return nil
			}
		}
	}

	failed := 0
	for _, d := range checklist.ForBatch(checklist.Default(), batch) {
		item, ok := d.(checklist.Automated)
		if !ok {
			continue
		}
		fmt.Printf("\n%s\n  %s\n", checklist.Label(item), item.Instruction)
		// Drop anything played between items.
		for len(msgs) > 0 {
			<-msgs
		}
		out := checklist.Evaluate(ctx, item, msgs)
		if out.Passed {
			fmt.Println("  " + passStyle.Render("✓ "+out.Message))
		} else {
			failed++
			fmt.Println("  " + failStyle.Render("✗ "+out.Message))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d automated checks failed", failed)
	}
	return nil
}

func describe(m protocol.Message) string {
	switch m := m.(type) {
	case protocol.NoteOn:
		return fmt.Sprintf("note on   ch %2d  key %3d  vel %3d", m.Channel+1, m.Key, m.Velocity)
	case protocol.NoteOff:
		return fmt.Sprintf("note off  ch %2d  key %3d", m.Channel+1, m.Key)
	case protocol.ControlChange:
		name := fmt.Sprintf("cc %d", m.Controller)
		if m.Controller == protocol.CCVolume {
			name = "volume"
		}
		return fmt.Sprintf("control   ch %2d  %-7s %3d", m.Channel+1, name, m.Value)
	}
	return fmt.Sprintf("%T", m)
}
