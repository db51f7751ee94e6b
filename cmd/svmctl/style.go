package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

const (
	red   = "\x1b[31m"
	green = "\x1b[32m"
	bold  = "\x1b[1m"
	reset = "\x1b[m"
)

// paint styles s when stdout is a terminal.
func (e *env) paint(style, s string) string {
	if !e.isTerm {
		return s
	}
	return style + s + reset
}

// width is the terminal width, or zero when output is not a terminal.
func (e *env) width() int {
	if !e.isTerm {
		return 0
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return w
}

// fit truncates every line of s to the terminal width less indent.
func (e *env) fit(s string, indent int) string {
	w := e.width()
	if w == 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if ansi.StringWidth(l)+indent > w {
			lines[i] = ansi.Truncate(l, w-indent, "…")
		}
	}
	return strings.Join(lines, "\n"+strings.Repeat(" ", indent))
}

// pad right-pads s to n visible cells.
func pad(s string, n int) string {
	if w := ansi.StringWidth(s); w < n {
		return s + strings.Repeat(" ", n-w)
	}
	return s
}
