package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/core"
	"github.com/awsl-project/agproxy/internal/repository/sqlite"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "agproxy",
		Short:   "Protocol-translating proxy for AI chat backends",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (JSON5)")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(migrateCmd(&configPath))
	root.AddCommand(importIdentityCmd(&configPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logPath := filepath.Join(cfg.DataDir, "agproxy.log")
			components, err := core.Initialize(ctx, cfg, logPath)
			if err != nil {
				return err
			}
			defer components.Close()

			addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
			return core.NewServer(addr, components).Run(ctx)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			dsn := cfg.DatabaseDSN
			if dsn == "" {
				dsn = "sqlite://" + filepath.Join(cfg.DataDir, "agproxy.db")
			}
			db, err := sqlite.NewDBWithDSN(dsn)
			if err != nil {
				return err
			}
			defer db.Close()
			log.Printf("[Migrate] Schema up to date: %s", dsn)
			return nil
		},
	}
}

// importIdentityCmd copies an OAuth identity file into the backend's
// identity pool directory so the credential manager picks it up.
func importIdentityCmd(configPath *string) *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "import-identity <file.json>",
		Short: "Import an identity file into a backend's credential pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.BackendByKey(backend) == nil {
				return fmt.Errorf("unknown backend %q", backend)
			}

			src, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			dir := filepath.Join(cfg.DataDir, "identities", backend)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			dstPath := filepath.Join(dir, filepath.Base(args[0]))
			dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			defer dst.Close()

			if _, err := io.Copy(dst, src); err != nil {
				return err
			}
			log.Printf("[Identity] Imported %s into %s", args[0], dstPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", "gemini", "backend key the identity belongs to")
	return cmd
}
