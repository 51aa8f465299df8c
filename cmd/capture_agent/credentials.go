package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/jonathan/court-capture/internal/types"
	"github.com/jonathan/court-capture/internal/vault"
	"github.com/spf13/cobra"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage encrypted court credentials",
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store (or replace) a lawyer's credential for one tribunal instance",
	Long: `Seals the username and password with VAULT_MASTER_KEY and stores the blob.
The password is read from the first line of stdin, or from COURT_PASSWORD when set;
it is never accepted as a flag.`,
	RunE: runCredentialsSet,
}

var credentialsDeactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Deactivate a credential so captures can no longer use it",
	RunE:  runCredentialsDeactivate,
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credential metadata (never secrets)",
	RunE:  runCredentialsList,
}

var (
	credLawyerID int64
	credTribunal string
	credInstance string
	credUsername string
)

func init() {
	for _, c := range []*cobra.Command{credentialsSetCmd, credentialsDeactivateCmd} {
		c.Flags().Int64Var(&credLawyerID, "lawyer-id", 0, "Lawyer ID (required)")
		c.Flags().StringVarP(&credTribunal, "tribunal", "t", "", "Tribunal code (required)")
		c.Flags().StringVarP(&credInstance, "instance", "i", string(types.InstanceFirstDegree), "Instance")
		_ = c.MarkFlagRequired("lawyer-id")
		_ = c.MarkFlagRequired("tribunal")
	}
	credentialsSetCmd.Flags().StringVarP(&credUsername, "username", "u", "", "Login username, usually the CPF (required)")
	_ = credentialsSetCmd.MarkFlagRequired("username")

	credentialsListCmd.Flags().Int64Var(&credLawyerID, "lawyer-id", 0, "Only this lawyer")

	credentialsCmd.AddCommand(credentialsSetCmd, credentialsDeactivateCmd, credentialsListCmd)
	rootCmd.AddCommand(credentialsCmd)
}

// credentialKey builds and validates the key addressed by the flags.
func credentialKey(lawyerID int64, tribunalCode, instance string) (vault.Key, error) {
	inst, err := types.ParseInstance(instance)
	if err != nil {
		return vault.Key{}, err
	}
	if lawyerID <= 0 {
		return vault.Key{}, fmt.Errorf("--lawyer-id must be positive")
	}
	if tribunalCode == "" {
		return vault.Key{}, fmt.Errorf("--tribunal is required")
	}
	return vault.Key{LawyerID: lawyerID, Tribunal: tribunalCode, Instance: inst}, nil
}

// readPassword prefers COURT_PASSWORD and otherwise reads one line from r.
func readPassword(r io.Reader) (string, error) {
	if p := os.Getenv("COURT_PASSWORD"); p != "" {
		return p, nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("password is empty: pipe it on stdin or set COURT_PASSWORD")
	}
	return password, nil
}

func runCredentialsSet(cmd *cobra.Command, _ []string) error {
	key, err := credentialKey(credLawyerID, credTribunal, credInstance)
	if err != nil {
		return err
	}
	password, err := readPassword(cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	v, vcfg, err := a.vault()
	if err != nil {
		return err
	}
	sealed, err := v.Seal(key, credUsername, password)
	if err != nil {
		return fmt.Errorf("failed to seal credential: %w", err)
	}
	id, err := a.db.UpsertCredential(ctx, key, sealed, vcfg.KeyVersion)
	if err != nil {
		return err
	}

	a.logger.Info("credential stored", "credential_id", id, "lawyer_id", key.LawyerID, "tribunal", key.Tribunal, "instance", key.Instance)
	fmt.Fprintf(cmd.OutOrStdout(), "Stored credential %d for %s\n", id, key)
	return nil
}

func runCredentialsDeactivate(cmd *cobra.Command, _ []string) error {
	key, err := credentialKey(credLawyerID, credTribunal, credInstance)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.db.DeactivateCredential(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deactivated credential for %s\n", key)
	return nil
}

func runCredentialsList(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	creds, err := a.db.ListCredentials(ctx, credLawyerID)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLAWYER\tTRIBUNAL\tINSTANCE\tACTIVE\tKEY VERSION\tUPDATED")
	for _, c := range creds {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%t\t%d\t%s\n",
			c.ID, c.LawyerID, c.TribunalCode, c.Instance, c.Active, c.KeyVersion, c.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
