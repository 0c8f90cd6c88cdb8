// Package ui renders terminal output for the tasksync CLI.
package ui

import (
	"os"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var colorEnabled atomic.Bool

func init() {
	colorEnabled.Store(term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == "")
}

// SetColor forces colour output on or off.
func SetColor(enabled bool) {
	colorEnabled.Store(enabled)
}

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boldStyle   = lipgloss.NewStyle().Bold(true)

	priorityStyles = map[string]lipgloss.Style{
		"high":   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		"medium": lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		"low":    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

func render(style lipgloss.Style, s string) string {
	if !colorEnabled.Load() {
		return s
	}
	return style.Render(s)
}

// RenderAccent renders informational markers.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass renders success markers.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn renders warnings.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail renders errors.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// RenderBold renders headings.
func RenderBold(s string) string { return render(boldStyle, s) }
