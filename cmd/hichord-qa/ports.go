package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	matchStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	excludeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List host MIDI ports and which ones would be bound",
	RunE: func(cmd *cobra.Command, args []string) error {
		tr := newAdapter(cfg)
		defer tr.Close()

		ports, err := tr.Scan()
		if err != nil {
			return describeConnectErr(err)
		}
		if len(ports) == 0 {
			fmt.Println("No MIDI ports found.")
			return nil
		}
		for _, p := range ports {
			dir := "in "
			if p.Output {
				dir = "out"
			}
			line := fmt.Sprintf("  %s  %s", dir, p.Name)
			switch {
			case p.Excluded:
				fmt.Println(excludeStyle.Render(line + "  (excluded)"))
			case p.Match:
				fmt.Println(matchStyle.Render(line + "  ← device"))
			default:
				fmt.Println(line)
			}
		}
		return nil
	},
}
