package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/jonathan/court-capture/internal/db"
	"github.com/jonathan/court-capture/internal/types"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded capture runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List capture runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print one capture run as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var (
	runsLawyerID int64
	runsTribunal string
	runsKind     string
	runsStatus   string
	runsSince    string
	runsUntil    string
	runsLimit    int
	runsOffset   int
	runsJSON     bool
)

func init() {
	runsListCmd.Flags().Int64Var(&runsLawyerID, "lawyer-id", 0, "Only runs for this lawyer")
	runsListCmd.Flags().StringVarP(&runsTribunal, "tribunal", "t", "", "Only runs touching this tribunal")
	runsListCmd.Flags().StringVarP(&runsKind, "kind", "k", "", "Only this dataset kind")
	runsListCmd.Flags().StringVarP(&runsStatus, "status", "s", "", "Only this status (pending, in_progress, completed, failed)")
	runsListCmd.Flags().StringVar(&runsSince, "since", "", "Runs started on or after this date (YYYY-MM-DD)")
	runsListCmd.Flags().StringVar(&runsUntil, "until", "", "Runs started before this date (YYYY-MM-DD)")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", db.DefaultRunListLimit, "Maximum runs to list")
	runsListCmd.Flags().IntVar(&runsOffset, "offset", 0, "Runs to skip")
	runsListCmd.Flags().BoolVar(&runsJSON, "json", false, "Print JSON instead of a table")

	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// runFilters builds list filters from flag values.
func runFilters(lawyerID int64, tribunalCode, kind, status, since, until string, limit, offset int) (db.RunFilters, error) {
	f := db.RunFilters{
		LawyerID:     lawyerID,
		TribunalCode: tribunalCode,
		Kind:         types.DatasetKind(kind),
		Limit:        limit,
		Offset:       offset,
	}
	if status != "" {
		s := types.RunStatus(status)
		switch s {
		case types.RunStatusPending, types.RunStatusInProgress, types.RunStatusCompleted, types.RunStatusFailed:
			f.Status = s
		default:
			return f, fmt.Errorf("unknown status %q", status)
		}
	}
	var err error
	if f.Since, err = parseDate("since", since); err != nil {
		return f, err
	}
	if f.Until, err = parseDate("until", until); err != nil {
		return f, err
	}
	return f, nil
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	filters, err := runFilters(runsLawyerID, runsTribunal, runsKind, runsStatus, runsSince, runsUntil, runsLimit, runsOffset)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	page, err := a.db.ListCaptureRuns(ctx, filters)
	if err != nil {
		return err
	}
	if runsJSON {
		return writeJSON("", page)
	}
	printRuns(cmd.OutOrStdout(), page)
	return nil
}

func printRuns(w io.Writer, page *db.RunPage) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tKIND\tLAWYER\tTRIBUNAL\tSTATUS\tITEMS\tPAGES\tDURATION")
	for _, r := range page.Runs {
		duration := "-"
		if r.DurationMs != nil {
			duration = fmt.Sprintf("%dms", *r.DurationMs)
		}
		tribunalCode := ""
		if len(r.TribunalCodes) > 0 {
			tribunalCode = r.TribunalCodes[0]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s/%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Kind, r.LawyerID, tribunalCode, r.Instance,
			r.Status, r.ItemCount, r.PageCount, duration)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "Showing %d of %d runs (offset %d)\n", len(page.Runs), page.Total, page.Offset)
}

func runRunsShow(_ *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run ID %q", args[0])
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.db.GetCaptureRun(ctx, id)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("capture run %s not found", id)
	}
	return writeJSON("", run)
}
