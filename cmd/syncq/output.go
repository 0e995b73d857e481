package main

import (
	"fmt"
	"os"

	"github.com/kalambet/syncq/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func statusColor(s storage.Status) string {
	switch s {
	case storage.StatusFailed:
		return colorize(colorRed, string(s))
	case storage.StatusProcessing:
		return colorize(colorCyan, string(s))
	default:
		return colorize(colorYellow, string(s))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatOperation renders one list row: id, status, method, endpoint, action.
func formatOperation(op storage.Operation) string {
	line := fmt.Sprintf("%s  %-10s  %-6s %-28s %s",
		colorize(colorCyan, shortID(op.ID)),
		statusColor(op.Status),
		op.Method,
		truncate(op.Endpoint, 28),
		truncate(op.Action, 40),
	)
	if op.RetryCount > 0 {
		line += fmt.Sprintf("  (retries: %d)", op.RetryCount)
	}
	if op.LastError != "" {
		line += "\n          " + colorize(colorRed, truncate(op.LastError, 100))
	}
	return line
}
