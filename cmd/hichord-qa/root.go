package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/chase3718/hichord-qa/internal/config"
)

var (
	v       = config.New()
	cfg     *config.Config
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "hichord-qa",
	Short: "Bench QA harness for HiChord instruments",
	Long: `hichord-qa connects to a HiChord over USB MIDI, puts the firmware into its
self-test mode and records every button, joystick and slider check.

Quick start:
  1. List ports:        hichord-qa ports
  2. Run the self-test: hichord-qa run --steps 19
  3. Manual checklist:  hichord-qa checklist --batch 4
  4. Bench UI backend:  hichord-qa serve`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		level, err := config.ParseLevel(c.Log.Level)
		if err != nil {
			return err
		}
		if debug {
			level = slog.LevelDebug
		}
		initLogger(level)
		cfg = c
		logger.Debug("config: loaded", "file", v.ConfigFileUsed(), "transport", cfg.Transport.Kind)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./hichord-qa.yaml)")
	pf.BoolVar(&debug, "debug", false, "enable debug logging")
	pf.String("transport", "", "host MIDI backend: midi or serial")
	pf.StringSlice("token", nil, "port name substring identifying the device (repeatable)")
	_ = v.BindPFlag("transport.kind", pf.Lookup("transport"))
	_ = v.BindPFlag("device.tokens", pf.Lookup("token"))

	rootCmd.AddCommand(runCmd, portsCmd, monitorCmd, checklistCmd, serveCmd)
}
