package main

import (
	"context"
	"fmt"

	"github.com/jonathan/court-capture/internal/config"
	"github.com/jonathan/court-capture/internal/server"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start an HTTP server that exposes REST endpoints for running captures and managing tribunal profiles and credentials.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (defaults to LISTEN_ADDR or :8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	stack, err := a.captureStack()
	if err != nil {
		return err
	}

	addr := a.cfg.ListenAddr
	if cmd.Flags().Changed("addr") {
		addr = serveAddr
	}
	if addr == "" {
		addr = config.DefaultListenAddr
	}

	srv, err := server.New(server.Config{
		ListenAddr:  addr,
		KeyVersion:  stack.vaultCfg.KeyVersion,
		Concurrency: a.defaults.Concurrency,
		Logger:      a.logger,
	}, server.Deps{
		Store:    a.db,
		Captures: stack.service,
		Vault:    stack.vault,
		Profiles: stack.resolver,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start()
}
