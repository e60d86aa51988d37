package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	router "github.com/dkeye/SaleFeed/internal/adapters/http"
	"github.com/dkeye/SaleFeed/internal/adapters/store"
	"github.com/dkeye/SaleFeed/internal/app"
	"github.com/dkeye/SaleFeed/internal/config"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "salefeed",
		Short:        "Pushes sale notifications of a game to its players over WebSocket",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cmd.Flags())
		},
	}

	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	pf.String("mode", "release", "debug or release")
	pf.String("database", "salefeed.db", "sqlite participant database")
	pf.String("log_level", "info", "zerolog level")
	pf.String("log_file", "", "also write JSON logs to this rotated file")
	cmd.Flags().Int("port", 8080, "listen port")

	cmd.AddCommand(newParticipantsCmd())
	return cmd
}

// loadConfig sets up an early console logger so config.Load can report,
// then switches to the configured one.
func loadConfig(flags *pflag.FlagSet) (*config.Config, func(), error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(flags)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return nil, nil, err
	}
	closeLog, err := setupLogger(cfg, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closeLog, nil
}

func serve(ctx context.Context, flags *pflag.FlagSet) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, closeLog, err := loadConfig(flags)
	if err != nil {
		return err
	}
	defer closeLog()

	participants, err := store.Open(cfg.Database)
	if err != nil {
		return errors.Wrap(err, "open participant store")
	}
	defer participants.Close()

	policy, err := app.PolicyByName(cfg.BackpressurePolicy)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := app.NewMetrics(promReg)

	reg := app.NewRegistry(app.WithPolicy(policy), app.WithMetrics(metrics))
	go reg.Run(ctx)

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Registry:   reg,
		Authorizer: participants,
		Metrics:    metrics,
		Gatherer:   promReg,
		Version:    version,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("version", version).Msg("SaleFeed server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.Error().Err(err).Msg("server error")
		cancel()
		<-reg.Done()
		return err
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	<-reg.Done()
	log.Info().Msg("Server exited gracefully")
	return nil
}
