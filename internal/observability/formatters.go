// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jonathan/court-capture/internal/pipeline"
	"github.com/jonathan/court-capture/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to a terminal; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintProgress writes one line per pipeline event.
//
//nolint:errcheck
func (p *Printer) PrintProgress(e pipeline.ProgressEvent) {
	if e.Total > 0 {
		fmt.Fprintf(p.out, "[%d/%d] %s: %s\n", e.Position, e.Total, e.Step, e.Message)
		return
	}
	fmt.Fprintf(p.out, "      %s: %s\n", e.Step, e.Message)
}

// PrintRunSummary outputs a human-readable summary of a finished capture run.
func (p *Printer) PrintRunSummary(run *types.CaptureRun) {
	if run == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:       %s\n", run.ID))
	sb.WriteString(fmt.Sprintf("Dataset:   %s\n", run.Kind))
	sb.WriteString(fmt.Sprintf("Tribunal:  %s (%s)\n", strings.Join(run.TribunalCodes, ", "), run.Instance))
	sb.WriteString(fmt.Sprintf("Lawyer:    %d\n", run.LawyerID))
	sb.WriteString(fmt.Sprintf("Status:    %s\n", run.Status))
	sb.WriteString(fmt.Sprintf("Items:     %d in %d pages\n", run.ItemCount, run.PageCount))
	if run.DurationMs != nil {
		sb.WriteString(fmt.Sprintf("Duration:  %s\n", (time.Duration(*run.DurationMs) * time.Millisecond).String()))
	}

	if len(run.Summary) > 0 {
		keys := make([]string, 0, len(run.Summary))
		for k := range run.Summary {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nSummary:\n")
		count := min(len(keys), maxItemsToShow)
		for _, k := range keys[:count] {
			sb.WriteString(fmt.Sprintf("  • %s: %v\n", k, run.Summary[k]))
		}
		if len(keys) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(keys)-maxItemsToShow))
		}
	}

	if run.Error != nil {
		sb.WriteString(fmt.Sprintf("\nError: %s\n", *run.Error))
	}

	p.printBox("CAPTURE RUN", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintBatchSummary outputs per-request results of a batch, failures first.
func (p *Printer) PrintBatchSummary(results []pipeline.BatchResult) {
	if len(results) == 0 {
		return
	}

	var failed []pipeline.BatchResult
	items := 0
	for _, r := range results {
		if r.Err != nil || r.Error != "" {
			failed = append(failed, r)
			continue
		}
		if r.Outcome != nil && r.Outcome.Run != nil {
			items += r.Outcome.Run.ItemCount
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Requests:  %d\n", len(results)))
	sb.WriteString(fmt.Sprintf("Completed: %d (%d items)\n", len(results)-len(failed), items))
	sb.WriteString(fmt.Sprintf("Failed:    %d\n", len(failed)))

	if len(failed) > 0 {
		sb.WriteString("\n")
		count := min(len(failed), maxItemsToShow)
		for _, r := range failed[:count] {
			msg := r.Error
			if msg == "" {
				msg = r.Err.Error()
			}
			sb.WriteString(fmt.Sprintf("• %s/%s %s\n", r.Request.TribunalCode, r.Request.Instance, r.Request.Kind))
			sb.WriteString(fmt.Sprintf("  %s\n", msg))
		}
		if len(failed) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("... and %d more failures\n", len(failed)-maxItemsToShow))
		}
	}

	p.printBox("BATCH RESULTS", strings.TrimSuffix(sb.String(), "\n"))
}
