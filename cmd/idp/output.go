package main

import (
	"fmt"
	"io"
	"os"
	"strings"
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

// statusColor picks a color for a document or embedding status.
func statusColor(status string) string {
	switch status {
	case "completed":
		return colorize(colorGreen, status)
	case "failed":
		return colorize(colorRed, status)
	case "processing", "pending", "uploaded":
		return colorize(colorYellow, status)
	default:
		return status
	}
}

// oneLine collapses whitespace and cuts s to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func printSearchResults(w io.Writer, results []searchResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for i, r := range results {
		label := ""
		if r.Classification != nil {
			label = " " + colorize(colorCyan, "["+*r.Classification+"]")
		}
		fmt.Fprintf(w, "\n%s %s%s [score: %.3f]\n",
			colorize(colorBold, fmt.Sprintf("%d.", i+1)), r.Filename, label, r.Score)
		fmt.Fprintf(w, "   id: %s\n", r.DocumentID)
		if r.Snippet != "" {
			fmt.Fprintf(w, "   %s\n", oneLine(r.Snippet, 200))
		}
	}
}
