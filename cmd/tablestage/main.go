package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tablestage/internal/app"
	"tablestage/internal/config"
	"tablestage/internal/persist"
)

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "tablestage",
		Short: "Stage and review AI-rewritten chat tables before saving them",
		Long: `tablestage keeps a staged copy of the tables an AI writer maintains in a
chat, tracks manual and external changes against the last save, and writes
the reviewed tables back into the conversation.

Configuration is read from the TOML file named by TABLESTAGE_CONFIG and
from TABLESTAGE_* environment variables.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and watch the chat directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(verbose)
		},
	}

	commitCmd := &cobra.Command{
		Use:   "commit",
		Short: "Save the staged tables into the conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deletes, _ := cmd.Flags().GetBool("deletes")
			floor, _ := cmd.Flags().GetInt("floor")
			opts := persist.CommitOptions{CommitDeletes: deletes}
			if floor >= 0 {
				opts.TargetFloor = &floor
			}
			return withService(verbose, func(ctx context.Context, svc *app.Service) error {
				result, err := svc.Commit(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	commitCmd.Flags().Bool("deletes", false, "Drop rows marked for deletion")
	commitCmd.Flags().Int("floor", -1, "Transcript entry to write to (default: automatic)")

	purgeCmd := &cobra.Command{
		Use:   "purge <start> <end>",
		Short: "Remove saved table data from transcript entries start..end",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := persist.ParseRange(args[0], args[1])
			if err != nil {
				return err
			}
			return withService(verbose, func(ctx context.Context, svc *app.Service) error {
				result, err := svc.Purge(ctx, start, end)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Write the staged tables to an xlsx workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(verbose, func(_ context.Context, svc *app.Service) error {
				result, err := svc.Export()
				if err != nil {
					return err
				}
				if err := os.WriteFile(args[0], result.Data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", args[0], len(result.Data))
				return nil
			})
		},
	}

	integrityCmd := &cobra.Command{
		Use:   "integrity",
		Short: "Report rows the AI writer appended inconsistently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(verbose, func(_ context.Context, svc *app.Service) error {
				return printJSON(svc.Integrity())
			})
		},
	}

	rootCmd.AddCommand(serveCmd, commitCmd, purgeCmd, exportCmd, integrityCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithField("level", level).Warn("unknown log level, using info")
		parsed = logrus.InfoLevel
	}
	if verbose {
		parsed = logrus.DebugLevel
	}
	logger.SetLevel(parsed)
	return logger
}

// withService opens the service for a one-shot command and waits for
// background work before closing it.
func withService(verbose bool, fn func(context.Context, *app.Service) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.AutoSave = false
	logger := newLogger(cfg.LogLevel, verbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(ctx, svc)
	svc.WaitBackground()
	if err := svc.Close(); err != nil {
		logger.WithError(err).Warn("close")
	}
	return runErr
}

func runServe(verbose bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, verbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.WithError(err).Warn("close")
		}
	}()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(svc, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"addr": cfg.Addr, "dataDir": cfg.DataDir}).Info("tablestage listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	cancel()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
