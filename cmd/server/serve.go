package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Tyrowin/chatverse/internal/config"
	"github.com/Tyrowin/chatverse/internal/server"
)

func newServeCmd(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v, *configFile)
		},
	}
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func runServe(cmd *cobra.Command, v *viper.Viper, configFile string) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Str("store", cfg.Store.Driver).Msg("Starting chatverse...")

	app, err := wireApp(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize application")
		return err
	}

	srv := server.New(cfg, app.dependencies())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case err = <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("Server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("Shutdown initiated...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := app.close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		log.Info().Msg("Server exited gracefully")
	}
	return errors.Join(errs...)
}
