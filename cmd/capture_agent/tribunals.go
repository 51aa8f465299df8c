package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jonathan/court-capture/internal/tribunal"
	"github.com/spf13/cobra"
)

var tribunalsCmd = &cobra.Command{
	Use:   "tribunals",
	Short: "Manage tribunal connection profiles",
}

var tribunalsImportCmd = &cobra.Command{
	Use:   "import <profiles.yaml>",
	Short: "Create or update profiles from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTribunalsImport,
}

var tribunalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured profiles",
	RunE:  runTribunalsList,
}

var tribunalsInvalidateCmd = &cobra.Command{
	Use:   "invalidate <code>",
	Short: "Drop a running server's cached profiles for a tribunal",
	Long: `Profiles are cached per process. After editing profiles directly in the
database, ask the running server to reload them.`,
	Args: cobra.ExactArgs(1),
	RunE: runTribunalsInvalidate,
}

var (
	tribunalsDryRun    bool
	tribunalsServerURL string
)

func init() {
	tribunalsImportCmd.Flags().BoolVar(&tribunalsDryRun, "dry-run", false, "Validate the file without writing")
	tribunalsInvalidateCmd.Flags().StringVar(&tribunalsServerURL, "server", "http://localhost:8080", "Base URL of the running server")

	tribunalsCmd.AddCommand(tribunalsImportCmd, tribunalsListCmd, tribunalsInvalidateCmd)
	rootCmd.AddCommand(tribunalsCmd)
}

func runTribunalsImport(cmd *cobra.Command, args []string) error {
	profiles, err := tribunal.LoadProfilesYAML(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if tribunalsDryRun {
		fmt.Fprintf(out, "%d profiles are valid\n", len(profiles))
		return nil
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	for i := range profiles {
		stored, err := a.db.UpsertProfile(ctx, &profiles[i])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s/%s: version %d\n", stored.TribunalCode, stored.Instance, stored.Version)
	}
	return nil
}

func runTribunalsList(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	profiles, err := a.db.ListProfiles(ctx)
	if err != nil {
		return err
	}
	printProfiles(cmd.OutOrStdout(), profiles)
	return nil
}

func printProfiles(w io.Writer, profiles []tribunal.Profile) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tINSTANCE\tACCESS\tSYSTEM\tVERSION\tOVERRIDES\tAPI")
	for _, p := range profiles {
		var overrides []string
		for _, op := range tribunal.Operations {
			if d, ok := p.CustomTimeouts[op]; ok {
				overrides = append(overrides, fmt.Sprintf("%s=%s", op, d))
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			p.TribunalCode, p.Instance, p.AccessMode, p.System, p.Version, strings.Join(overrides, ","), p.APIURL)
	}
	_ = tw.Flush()
}

func runTribunalsInvalidate(cmd *cobra.Command, args []string) error {
	endpoint, err := url.JoinPath(tribunalsServerURL, "tribunals", args[0], "cache")
	if err != nil {
		return fmt.Errorf("invalid --server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Invalidated cached profiles for %s\n", args[0])
	return nil
}
