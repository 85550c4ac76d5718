// Package ui provides terminal output styling for the tlab CLI: colored
// labels in interactive terminals, plain text for pipes and CI.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// ANSI 256 colors for broad terminal compatibility.
var (
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	styleInfo    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	styleCode    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleHeader  = lipgloss.NewStyle().Bold(true)
)

var colorsEnabled = detectColors()

// detectColors decides color output once at startup: stdout must be a TTY,
// NO_COLOR (https://no-color.org/) must be unset, and TERM must not be dumb.
func detectColors() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// EnableColors returns whether styled output is active.
func EnableColors() bool {
	return colorsEnabled
}

// SetColors overrides detection. Used by the --no-color flag and tests.
func SetColors(enabled bool) {
	colorsEnabled = enabled
}

func render(style lipgloss.Style, s string) string {
	if !colorsEnabled {
		return s
	}
	return style.Render(s)
}

// Success returns text styled as a success message.
func Success(s string) string { return render(styleSuccess, s) }

// Error returns text styled as an error label.
func Error(s string) string { return render(styleError, s) }

// Warning returns text styled as a warning label.
func Warning(s string) string { return render(styleWarning, s) }

// Info returns text styled as informational text.
func Info(s string) string { return render(styleInfo, s) }

// Code returns text styled as an error code (e.g. E4001).
func Code(s string) string { return render(styleCode, s) }

// Dim returns text styled as dim/muted.
func Dim(s string) string { return render(styleDim, s) }

// Header returns text styled as a table header.
func Header(s string) string { return render(styleHeader, s) }
