package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/chase3718/hichord-qa/internal/checklist"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	noteStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

var checklistCmd = &cobra.Command{
	Use:   "checklist",
	Short: "Print the bench checklist for a PCB batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, _ := cmd.Flags().GetUint8("batch")
		defs := checklist.Default()

		for _, d := range checklist.ForBatch(defs, batch) {
			fmt.Println(headingStyle.Render(checklist.Label(d)))
			switch d := d.(type) {
			case checklist.Manual:
				for _, p := range d.Procedure {
					fmt.Println("  - " + p)
				}
				fmt.Println("  Expected:")
				for _, e := range d.Expected {
					fmt.Println("    ✓ " + e)
				}
			case checklist.Automated:
				fmt.Println("  " + d.Instruction)
				fmt.Println(noteStyle.Render("  automated: hichord-qa monitor --check"))
			}
			if note := d.Base().Note; note != "" {
				fmt.Println(noteStyle.Render("  " + note))
			}
			fmt.Println()
		}
		for _, d := range checklist.Skipped(defs, batch) {
			fmt.Println(noteStyle.Render(fmt.Sprintf("skipped %s", checklist.Label(d))))
		}
		return nil
	},
}

func init() {
	checklistCmd.Flags().Uint8("batch", 0, "PCB batch of the unit under test")
}
