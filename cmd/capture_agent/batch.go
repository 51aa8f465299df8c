package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jonathan/court-capture/internal/observability"
	"github.com/jonathan/court-capture/internal/pipeline"
	"github.com/spf13/cobra"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run several captures from a JSON request file",
	Long: `Runs independent captures with bounded concurrency. The file holds either a JSON
array of capture requests or an object {"requests": [...]}. One failed capture does
not stop the others.`,
	RunE: runBatch,
}

var (
	batchFile        string
	batchConcurrency int
	batchOut         string
	batchProgress    bool
)

func init() {
	batchCmd.Flags().StringVarP(&batchFile, "file", "f", "", "Path to the JSON request file (required)")
	batchCmd.Flags().IntVarP(&batchConcurrency, "concurrency", "c", 0, "Captures in flight (defaults to CAPTURE_CONCURRENCY)")
	batchCmd.Flags().StringVarP(&batchOut, "out", "o", "", "Write JSON results to this file instead of stdout")
	batchCmd.Flags().BoolVarP(&batchProgress, "progress", "v", false, "Print step progress to stderr")
	_ = batchCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(batchCmd)
}

// parseBatch decodes a request file and validates every entry up front.
func parseBatch(data []byte) ([]pipeline.Request, error) {
	var reqs []pipeline.Request
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			return nil, fmt.Errorf("failed to parse batch file: %w", err)
		}
	} else {
		var wrapped struct {
			Requests []pipeline.Request `json:"requests"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to parse batch file: %w", err)
		}
		reqs = wrapped.Requests
	}

	if len(reqs) == 0 {
		return nil, fmt.Errorf("batch file contains no requests")
	}
	for i := range reqs {
		if err := reqs[i].Validate(); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
	}
	return reqs, nil
}

func runBatch(_ *cobra.Command, _ []string) error {
	data, err := os.ReadFile(batchFile)
	if err != nil {
		return fmt.Errorf("failed to read batch file: %w", err)
	}
	reqs, err := parseBatch(data)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stack, err := a.captureStack()
	if err != nil {
		return err
	}

	concurrency := batchConcurrency
	if concurrency <= 0 {
		concurrency = a.defaults.Concurrency
	}

	results := stack.service.RunBatch(ctx, reqs, concurrency, progressPrinter(batchProgress))
	if err := writeJSON(batchOut, results); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	observability.NewPrinter(os.Stderr).PrintBatchSummary(results)
	if failed > 0 {
		return fmt.Errorf("%d of %d captures failed", failed, len(results))
	}
	return nil
}
