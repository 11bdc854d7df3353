// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders command-line output for the hedge binaries.
//
// Output has two modes. Styled output uses the Aleutian teal palette and
// status icons; machine output is plain key=value lines for scripts. The
// mode is detected from the terminal unless HEDGE_OUTPUT overrides it.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles holds the shared lipgloss styles.
var Styles = struct {
	Title      lipgloss.Style
	Label      lipgloss.Style
	Value      lipgloss.Style
	Muted      lipgloss.Style
	Success    lipgloss.Style
	Warning    lipgloss.Style
	Error      lipgloss.Style
	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Label:   lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Value:   lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon is a status icon.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// Render returns the styled icon.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// Mode selects the output format.
type Mode string

const (
	ModeStyled  Mode = "styled"
	ModeMachine Mode = "machine"
)

// ParseMode parses a mode name. Unknown names yield ModeStyled.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "machine", "plain", "quiet", "q":
		return ModeMachine
	default:
		return ModeStyled
	}
}

// DetectMode returns HEDGE_OUTPUT when set, ModeStyled when w is a
// terminal and ModeMachine otherwise.
func DetectMode(w io.Writer) Mode {
	if v := os.Getenv("HEDGE_OUTPUT"); v != "" {
		return ParseMode(v)
	}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return ModeStyled
	}
	return ModeMachine
}

// Field is one labelled value of a summary.
type Field struct {
	Label string
	Value string
}

// Printer writes command output in one mode.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter returns a printer writing to w. An empty mode is detected.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	if mode == "" {
		mode = DetectMode(w)
	}
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Title prints a heading. Machine output omits it.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.w, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.w, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Summary prints labelled fields. Styled output draws them in a box,
// machine output as one key=value line.
func (p *Printer) Summary(title string, fields []Field, ok bool) {
	if p.mode == ModeMachine {
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			parts = append(parts, fmt.Sprintf("%s=%s", machineKey(f.Label), f.Value))
		}
		fmt.Fprintf(p.w, "%s %s\n", machineKey(title), strings.Join(parts, " "))
		return
	}

	width := 0
	for _, f := range fields {
		width = max(width, lipgloss.Width(f.Label))
	}
	var b strings.Builder
	b.WriteString(Styles.Title.Render(title))
	for _, f := range fields {
		b.WriteString("\n")
		b.WriteString(Styles.Label.Width(width + 2).Render(f.Label))
		b.WriteString(Styles.Value.Render(f.Value))
	}
	box := Styles.Box
	if !ok {
		box = Styles.WarningBox
	}
	fmt.Fprintln(p.w, box.Render(b.String()))
}

// ProgressBar renders current/total as a bar of the given width.
func (p *Printer) ProgressBar(current, total, width int) string {
	if p.mode == ModeMachine || total <= 0 {
		return fmt.Sprintf("%d/%d", current, total)
	}
	pct := min(1, float64(current)/float64(total))
	filled := int(pct * float64(width))
	return fmt.Sprintf("%s%s %3.0f%%",
		Styles.Success.Render(strings.Repeat("█", filled)),
		Styles.Muted.Render(strings.Repeat("░", width-filled)),
		pct*100)
}

func machineKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}
