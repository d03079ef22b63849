// chimerad is the Chimera daemon: it owns the SQLite analytic store,
// serves the line-protocol API on a Unix socket, and pulls records out
// of the systemd journal on request.
//
// Configuration comes from CHIMERA_* environment variables; see the
// config package for the full list.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chimera-logmind/chimera/internal/config"
	"github.com/chimera-logmind/chimera/internal/ingest"
	"github.com/chimera-logmind/chimera/internal/journal"
	"github.com/chimera-logmind/chimera/internal/logging"
	"github.com/chimera-logmind/chimera/internal/metrics"
	"github.com/chimera-logmind/chimera/internal/server"
	"github.com/chimera-logmind/chimera/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "chimerad",
		Short:         "Offline-first forensic log analytics daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server (the default when no subcommand is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	var window int
	var limit int
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one journal ingest pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), window, limit)
		},
	}
	ingestCmd.Flags().IntVar(&window, "window", 3600, "trailing window in seconds when no cursor is stored")
	ingestCmd.Flags().IntVar(&limit, "limit", 0, "maximum records to ingest (0 = unbounded)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(server.Version)
		},
	}

	root.AddCommand(serveCmd, ingestCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "chimerad: %v\n", err)
		os.Exit(1)
	}
}

// setup builds the shared daemon plumbing: logger, store, ingestor.
func setup() (config.Config, *zap.Logger, *store.Store, *ingest.Ingestor, error) {
	cfg := config.FromEnv()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return cfg, nil, nil, nil, err
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Sync()
		return cfg, nil, nil, nil, fmt.Errorf("opening store: %w", err)
	}

	reader := journal.NewReader("", logger)
	ing := ingest.New(st, reader, logger)
	return cfg, logger, st, ing, nil
}

func runServe(ctx context.Context) error {
	cfg, logger, st, ing, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer st.Close()

	if cfg.MetricsAddr != "" {
		go metrics.Serve(ctx, cfg.MetricsAddr, logger)
	}

	srv := server.New(cfg, st, ing, logger)
	if err := srv.Listen(); err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}

	logger.Info("chimerad started",
		zap.String("version", server.Version),
		zap.String("socket", srv.SocketPath()),
		zap.String("db", cfg.DBPath))

	return srv.Serve(ctx)
}

func runIngest(ctx context.Context, window, limit int) error {
	_, logger, st, ing, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer st.Close()

	inserted, total, err := ing.IngestJournal(ctx, window, limit)
	if err != nil {
		return err
	}
	fmt.Printf("inserted=%d total=%d\n", inserted, total)
	return nil
}
