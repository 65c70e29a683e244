// Package replay renders an archived orchestrator session (spec.md §6's
// event stream, as persisted by internal/state) for forensic review.
// Grounded on the teacher's internal/replay/styles.go color scheme and
// src/internal/replay/pager.go's bubbletea viewport pager, adapted from the
// teacher's XML tool-call transcript to this engine's events.Event log.
package replay

import "github.com/charmbracelet/lipgloss"

// Component color scheme, trimmed to this engine's event taxonomy but kept
// in the teacher's palette (gray metadata, white flow, green/red/yellow
// outcomes, cyan for verification).
var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	flowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	verificationStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("14"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(5).
			Align(lipgloss.Right)

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)
