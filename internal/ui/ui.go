// Package ui renders queue state for the terminal.
package ui

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/schoolhub/syncq/internal/syncq/projection"
	"github.com/schoolhub/syncq/internal/syncq/task"
)

// ErrNotInteractive is returned by Confirm when stdin is not a terminal.
var ErrNotInteractive = errors.New("not an interactive terminal")

// Printer renders styled output for one writer.
type Printer struct {
	out io.Writer
	r   *lipgloss.Renderer

	header  lipgloss.Style
	dim     lipgloss.Style
	good    lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	neutral lipgloss.Style
}

// NewPrinter creates a printer for w. Colors are used only when w is a
// terminal that supports them and NO_COLOR is unset.
func NewPrinter(w io.Writer) *Printer {
	profile := termenv.Ascii
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		profile = termenv.EnvColorProfile()
	}
	return newPrinter(w, profile)
}

// NewPlainPrinter creates a printer that never emits escape codes.
func NewPlainPrinter(w io.Writer) *Printer {
	return newPrinter(w, termenv.Ascii)
}

func newPrinter(w io.Writer, profile termenv.Profile) *Printer {
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(profile)

	return &Printer{
		out:     w,
		r:       r,
		header:  r.NewStyle().Bold(true),
		dim:     r.NewStyle().Faint(true),
		good:    r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("3")),
		bad:     r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		neutral: r.NewStyle().Foreground(lipgloss.Color("4")),
	}
}

// Printf writes formatted text.
func (p *Printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

// Status returns a colored status label.
func (p *Printer) Status(s task.Status) string {
	switch s {
	case task.StatusPending:
		return p.warn.Render(string(s))
	case task.StatusInflight:
		return p.neutral.Render(string(s))
	case task.StatusDone:
		return p.good.Render(string(s))
	case task.StatusFailed:
		return p.bad.Render(string(s))
	}
	return string(s)
}

// Banner is the one-line queue summary shown by status and run.
func (p *Printer) Banner(c projection.Counts, online bool) string {
	conn := p.good.Render("online")
	if !online {
		conn = p.warn.Render("offline")
	}

	parts := []string{conn, fmt.Sprintf("%d waiting", c.Waiting())}
	if c.Failed > 0 {
		parts = append(parts, p.bad.Render(fmt.Sprintf("%d failed", c.Failed)))
	} else {
		parts = append(parts, "0 failed")
	}
	return strings.Join(parts, p.dim.Render(" | "))
}

// column widths for TaskTable
const (
	colID       = 10
	colStatus   = 9
	colMethod   = 7
	colEndpoint = 36
	colAttempts = 4
	colAge      = 8
)

// TaskTable renders tasks as an aligned table. Ages are relative to now.
func (p *Printer) TaskTable(tasks []task.Task, now time.Time) string {
	if len(tasks) == 0 {
		return p.dim.Render("queue is empty") + "\n"
	}

	cell := func(s lipgloss.Style, width int, text string) string {
		return s.Width(width).MaxWidth(width).Render(truncate(text, width-1))
	}
	plain := p.r.NewStyle()

	var sb strings.Builder
	sb.WriteString(strings.Join([]string{
		cell(p.header, colID, "ID"),
		cell(p.header, colStatus, "STATUS"),
		cell(p.header, colMethod, "METHOD"),
		cell(p.header, colEndpoint, "ENDPOINT"),
		cell(p.header, colAttempts, "TRY"),
		cell(p.header, colAge, "AGE"),
		p.header.Render("LAST ERROR"),
	}, ""))
	sb.WriteString("\n")

	for _, t := range tasks {
		sb.WriteString(strings.Join([]string{
			cell(plain, colID, ShortID(t.ID)),
			plain.Width(colStatus).Render(p.Status(t.Status)),
			cell(plain, colMethod, string(t.Method)),
			cell(plain, colEndpoint, t.Endpoint),
			cell(plain, colAttempts, fmt.Sprint(t.Attempts)),
			cell(p.dim, colAge, Age(now.Sub(t.Created()))),
			p.dim.Render(truncate(t.LastError, 60)),
		}, ""))
		sb.WriteString("\n")
	}
	return sb.String()
}

// ShortID returns the first 8 characters of an id.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Age formats a duration compactly: 42s, 5m, 3h, 2d.
func Age(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

// Confirm asks a yes/no question on the terminal. It returns
// ErrNotInteractive when stdin is not a terminal, so callers can require
// an explicit flag instead.
func Confirm(title, description string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, ErrNotInteractive
	}

	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}
