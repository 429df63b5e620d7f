// Command state-manager runs the workflow state manager: an HTTP server
// over MongoDB that stores graph templates, schedules states to pull-based
// workers and advances the per-state lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/exospherehost/state-manager/internal/config"
	"github.com/exospherehost/state-manager/internal/engine"
	"github.com/exospherehost/state-manager/internal/metrics"
	"github.com/exospherehost/state-manager/internal/secrets"
	"github.com/exospherehost/state-manager/internal/server"
	"github.com/exospherehost/state-manager/internal/store"
	"github.com/exospherehost/state-manager/internal/validate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "state-manager: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "optional YAML config file; environment variables win")
		addr       = flag.String("addr", ":8000", "listen address")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Mode)

	env, err := newEnvelope(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := store.NewMongo(ctx, cfg.MongoURI, cfg.DatabaseName)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		_ = st.Close(closeCtx)
	}()
	if err := st.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	log.Info().Str("database", cfg.DatabaseName).Msg("mongo ready")

	met := metrics.New()
	eng := engine.New(st, env, log, met)
	runner := &validate.Runner{
		St:  st,
		Log: log,
		OnResult: func(valid bool) {
			result := "invalid"
			if valid {
				result = "valid"
			}
			met.Validations.WithLabelValues(result).Inc()
		},
	}

	srv := server.New(server.Config{
		Addr:        *addr,
		APIKey:      cfg.APIKey,
		CORSOrigins: cfg.CORSOrigins,
	}, eng, st, runner, met, log)
	return srv.ListenAndServe()
}

// newEnvelope builds the secret envelope from SECRETS_ENCRYPTION_KEY, or
// generates an ephemeral key when unset. Sealed blobs do not survive a
// restart in that case, so production deployments should always set it.
func newEnvelope(cfg *config.Config, log zerolog.Logger) (*secrets.Envelope, error) {
	if cfg.EncryptionKey != "" {
		env, err := secrets.NewFromEncodedKey(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("SECRETS_ENCRYPTION_KEY: %w", err)
		}
		return env, nil
	}
	log.Warn().Msg("SECRETS_ENCRYPTION_KEY unset; using an ephemeral key, sealed secrets will not survive a restart")
	return secrets.NewEphemeral()
}

func newLogger(mode config.Mode) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if mode == config.ModeDevelopment {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}
