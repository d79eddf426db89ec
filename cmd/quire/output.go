package main

import (
	"fmt"
	"os"
)

// ANSI styling for human-facing output. Status lines go to stderr so data
// written to stdout stays pipeable.

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

func styled(code, text string) string {
	if noColor {
		return text
	}
	return code + text + ansiReset
}

// bold highlights identifiers in listings.
func bold(text string) string { return styled(ansiBold, text) }

func statusLine(code, glyph, format string, args ...any) {
	fmt.Fprintln(os.Stderr, styled(code, glyph+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { statusLine(ansiGreen, "✓", format, args...) }

func printWarning(format string, args ...any) { statusLine(ansiYellow, "⚠", format, args...) }

func printStep(format string, args ...any) { statusLine(ansiCyan, "→", format, args...) }
