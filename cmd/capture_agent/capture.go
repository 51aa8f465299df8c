package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonathan/court-capture/internal/observability"
	"github.com/jonathan/court-capture/internal/pipeline"
	"github.com/jonathan/court-capture/internal/pje"
	"github.com/jonathan/court-capture/internal/types"
	"github.com/spf13/cobra"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run one capture and print the result as JSON",
	Long: `Logs in to one tribunal instance with the lawyer's stored credential, captures
every page of a dataset and records the run.

Hearing datasets require --from and --to (YYYY-MM-DD).

--kinds captures several datasets over a single login, one recorded run each.
Pass --kinds=all for every hearing and pending dataset.`,
	RunE: runCapture,
}

var (
	captureLawyerID int64
	captureTribunal string
	captureInstance string
	captureKind     string
	captureKinds    []string
	captureFrom     string
	captureTo       string
	captureOut      string
	captureProgress bool
)

func init() {
	captureCmd.Flags().Int64Var(&captureLawyerID, "lawyer-id", 0, "Lawyer whose credential is used (required)")
	captureCmd.Flags().StringVarP(&captureTribunal, "tribunal", "t", "", "Tribunal code, e.g. TRT3 (required)")
	captureCmd.Flags().StringVarP(&captureInstance, "instance", "i", string(types.InstanceFirstDegree), "Instance: primeiro_grau, segundo_grau, tribunal_superior, 1 or 2")
	captureCmd.Flags().StringVarP(&captureKind, "kind", "k", "", fmt.Sprintf("Dataset kind, one of %v ", pje.Kinds()))
	captureCmd.Flags().StringSliceVar(&captureKinds, "kinds", nil, "Capture several dataset kinds over one login (comma-separated, or \"all\")")
	captureCmd.Flags().StringVar(&captureFrom, "from", "", "First date of a hearings range (YYYY-MM-DD)")
	captureCmd.Flags().StringVar(&captureTo, "to", "", "Last date of a hearings range (YYYY-MM-DD)")
	captureCmd.Flags().StringVarP(&captureOut, "out", "o", "", "Write JSON to this file instead of stdout")
	captureCmd.Flags().BoolVarP(&captureProgress, "progress", "v", false, "Print step progress to stderr")

	_ = captureCmd.MarkFlagRequired("lawyer-id")
	_ = captureCmd.MarkFlagRequired("tribunal")
	captureCmd.MarkFlagsOneRequired("kind", "kinds")
	captureCmd.MarkFlagsMutuallyExclusive("kind", "kinds")

	rootCmd.AddCommand(captureCmd)
}

// parseDate parses an optional YYYY-MM-DD flag.
func parseDate(name, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: expected YYYY-MM-DD", name, s)
	}
	return &t, nil
}

// buildRequest assembles and validates a capture request from flag values.
func buildRequest(lawyerID int64, tribunalCode, instance, kind, from, to string) (pipeline.Request, error) {
	inst, err := types.ParseInstance(instance)
	if err != nil {
		return pipeline.Request{}, err
	}
	req := pipeline.Request{
		LawyerID:     lawyerID,
		TribunalCode: tribunalCode,
		Instance:     inst,
		Kind:         types.DatasetKind(kind),
	}
	if req.Filters.DateFrom, err = parseDate("from", from); err != nil {
		return pipeline.Request{}, err
	}
	if req.Filters.DateTo, err = parseDate("to", to); err != nil {
		return pipeline.Request{}, err
	}
	if err := req.Validate(); err != nil {
		return pipeline.Request{}, err
	}
	return req, nil
}

// buildCombinedRequest assembles and validates a multi-dataset request. "all" or
// an empty list selects the default combined datasets.
func buildCombinedRequest(lawyerID int64, tribunalCode, instance string, kinds []string, from, to string) (pipeline.CombinedRequest, error) {
	inst, err := types.ParseInstance(instance)
	if err != nil {
		return pipeline.CombinedRequest{}, err
	}
	req := pipeline.CombinedRequest{
		LawyerID:     lawyerID,
		TribunalCode: tribunalCode,
		Instance:     inst,
	}
	if !(len(kinds) == 1 && kinds[0] == "all") {
		for _, k := range kinds {
			req.Kinds = append(req.Kinds, types.DatasetKind(k))
		}
	}
	if req.Filters.DateFrom, err = parseDate("from", from); err != nil {
		return pipeline.CombinedRequest{}, err
	}
	if req.Filters.DateTo, err = parseDate("to", to); err != nil {
		return pipeline.CombinedRequest{}, err
	}
	if err := req.Validate(); err != nil {
		return pipeline.CombinedRequest{}, err
	}
	return req, nil
}

// progressPrinter returns a callback writing one line per event to stderr.
func progressPrinter(enabled bool) pipeline.ProgressCallback {
	if !enabled {
		return nil
	}
	return observability.NewPrinter(os.Stderr).PrintProgress
}

// signalContext is cancelled on SIGINT/SIGTERM so interrupted captures are
// still recorded as failed.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCapture(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("kinds") {
		return runCombinedCapture()
	}

	req, err := buildRequest(captureLawyerID, captureTribunal, captureInstance, captureKind, captureFrom, captureTo)
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

	out, capErr := stack.service.Capture(ctx, req, progressPrinter(captureProgress))
	if captureProgress && out != nil {
		observability.NewPrinter(os.Stderr).PrintRunSummary(out.Run)
	}
	if out != nil {
		if err := writeJSON(captureOut, out); err != nil {
			return err
		}
	}
	if capErr != nil {
		if out != nil && out.Run.Error != nil {
			return fmt.Errorf("capture %s failed: %s", out.Run.ID, *out.Run.Error)
		}
		return capErr
	}
	if captureOut != "" {
		fmt.Fprintf(os.Stdout, "Captured %d items in %d pages (run %s)\n", out.Run.ItemCount, out.Run.PageCount, out.Run.ID)
		fmt.Fprintf(os.Stdout, "Output: %s\n", captureOut)
	}
	return nil
}

func runCombinedCapture() error {
	req, err := buildCombinedRequest(captureLawyerID, captureTribunal, captureInstance, captureKinds, captureFrom, captureTo)
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

	results, capErr := stack.service.CaptureCombined(ctx, req, progressPrinter(captureProgress))
	if results != nil {
		if err := writeJSON(captureOut, results); err != nil {
			return err
		}
		observability.NewPrinter(os.Stderr).PrintBatchSummary(results)
	}
	if capErr != nil {
		if len(results) > 0 && results[0].Error != "" {
			return fmt.Errorf("combined capture failed: %s", results[0].Error)
		}
		return capErr
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d datasets failed", failed, len(results))
	}
	return nil
}
