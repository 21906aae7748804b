package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	orange = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
	gray   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
)

// RenderStep formats one result line.
func RenderStep(r StepResult) string {
	mark := green.Render("✓")
	if !r.Passed {
		mark = red.Render("✗")
	}
	line := fmt.Sprintf("  %s %02d %s", mark, r.Index, r.Label)
	if r.Skipped {
		line += orange.Render(" skipped")
	}
	if r.Attempts > 1 {
		line += gray.Render(fmt.Sprintf(" (attempt %d)", r.Attempts))
	}
	if r.InputMismatch() {
		line += orange.Render(fmt.Sprintf(" observed input %d, expected %d", *r.ObservedInputID, r.ExpectedInputID))
	}
	return line
}

// Render formats the whole report for a terminal.
func Render(r FinalReport) string {
	var b strings.Builder

	header := "● Self-test report"
	if r.RunID != "" {
		header += gray.Render(" " + r.RunID)
	}
	b.WriteString(cyan.Render(header) + "\n")
	if r.Identity != nil {
		b.WriteString(gray.Render("  "+r.Identity.String()) + "\n")
	}
	for _, s := range r.PerStepResults {
		b.WriteString(RenderStep(s) + "\n")
	}
	for _, idx := range r.Missing {
		b.WriteString(gray.Render(fmt.Sprintf("  - %02d no result", idx)) + "\n")
	}
	b.WriteString("\n")

	summary := fmt.Sprintf("%d/%d passed, %d failed", r.PassedCount, r.TotalCount, r.FailedCount)
	switch r.Status() {
	case StatusPassed:
		b.WriteString(green.Render("✓ "+summary) + "\n")
	case StatusAborted:
		b.WriteString(orange.Render("■ aborted: "+summary) + "\n")
	case StatusIncomplete:
		b.WriteString(orange.Render("… incomplete: "+summary) + "\n")
	default:
		b.WriteString(red.Render("✗ "+summary) + "\n")
	}
	if r.Discrepancy() {
		b.WriteString(gray.Render(fmt.Sprintf("  device reported %d passed, %d failed",
			r.DeviceReported.Passed, r.DeviceReported.Failed)) + "\n")
	}
	return b.String()
}
