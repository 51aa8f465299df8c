package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jonathan/court-capture/internal/config"
	"github.com/jonathan/court-capture/internal/db"
	"github.com/jonathan/court-capture/internal/pipeline"
	"github.com/jonathan/court-capture/internal/session"
	"github.com/jonathan/court-capture/internal/tribunal"
	"github.com/jonathan/court-capture/internal/vault"
)

// app holds the components commands share.
type app struct {
	cfg      config.Config
	defaults *config.CaptureDefaults
	logger   *slog.Logger
	closeLog func() error
	db       *db.DB
}

// loadConfig resolves the environment over the optional config file.
func loadConfig(path string) (config.Config, error) {
	env, err := config.EnvConfig()
	if err != nil {
		return config.Config{}, err
	}
	cfg := env
	if path != "" {
		fileCfg, err := config.LoadConfig(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to load config: %w", err)
		}
		if err := fileCfg.Validate(); err != nil {
			return config.Config{}, err
		}
		cfg = env.MergeWithDefaults(*fileCfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newApp loads configuration, sets up logging and connects to the database.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	defaults, err := config.CaptureDefaultsFrom(cfg)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		if level, err = config.ParseLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	logger, closeLog := config.SetupLogger(cfg.LogFile, level)

	if cfg.DatabaseURL == "" {
		_ = closeLog()
		return nil, fmt.Errorf("DATABASE_URL environment variable or database_url config is required")
	}
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	return &app{cfg: cfg, defaults: defaults, logger: logger, closeLog: closeLog, db: database}, nil
}

// Close releases the database pool and the log file.
func (a *app) Close() {
	a.db.Close()
	if err := a.closeLog(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
	}
}

// vault builds the credential vault from VAULT_* environment variables.
func (a *app) vault() (*vault.Vault, *config.VaultConfig, error) {
	vcfg, err := config.NewVaultConfig()
	if err != nil {
		return nil, nil, err
	}
	cipher, err := vcfg.Cipher()
	if err != nil {
		return nil, nil, err
	}
	return vault.New(a.db, cipher, a.logger), vcfg, nil
}

// captureStack wires the capture service over the database, vault and browser login.
type captureStack struct {
	service  *pipeline.Service
	resolver *tribunal.Resolver
	vault    *vault.Vault
	vaultCfg *config.VaultConfig
}

func (a *app) captureStack() (*captureStack, error) {
	v, vcfg, err := a.vault()
	if err != nil {
		return nil, err
	}
	resolver := tribunal.NewResolver(a.db, a.logger)
	auth := session.NewBrowserAuthenticator(session.BrowserConfig{
		Headless:          a.defaults.Headless,
		ExecPath:          a.defaults.ChromePath,
		RequestsPerSecond: a.defaults.RequestsPerSecond,
		Logger:            a.logger,
	})
	svc := pipeline.NewService(resolver, v, auth, a.db, pipeline.Config{
		Defaults: a.defaults.Timeouts,
		Capture:  a.defaults.CaptureOptions(),
		Retry:    a.defaults.RetryPolicy(),
		Logger:   a.logger,
	})
	return &captureStack{service: svc, resolver: resolver, vault: v, vaultCfg: vcfg}, nil
}

// writeJSON writes v as indented JSON to path, or to stdout when path is empty.
func writeJSON(path string, v any) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
