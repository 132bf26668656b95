package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/chatverse/internal/async"
	"github.com/Tyrowin/chatverse/internal/auth"
	"github.com/Tyrowin/chatverse/internal/config"
	"github.com/Tyrowin/chatverse/internal/presence"
	"github.com/Tyrowin/chatverse/internal/server"
	"github.com/Tyrowin/chatverse/internal/store"
	"github.com/Tyrowin/chatverse/internal/store/memory"
	"github.com/Tyrowin/chatverse/internal/store/mongo"
	"github.com/Tyrowin/chatverse/internal/store/postgres"
)

// app owns the long-lived collaborators the server runs on.
type app struct {
	store    store.Store
	runner   *async.Runner
	verifier *auth.Verifier
	cache    *presence.RedisCache
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil
	case "mongo":
		return mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case "postgres":
		return postgres.Open(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func wireApp(ctx context.Context, cfg config.Config) (*app, error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("wire store: %w", err)
	}

	a := &app{
		store:    st,
		runner:   async.NewRunner(cfg.Async.Workers, cfg.Store.Timeout),
		verifier: auth.NewVerifier(cfg.Auth.JWTSecret),
	}
	if !a.verifier.Enabled() {
		log.Warn().Msg("auth.jwt_secret is empty, only anonymous connections are accepted")
	}

	if cfg.Presence.RedisAddr != "" {
		rdb, err := presence.NewRedisClient(cfg.Presence.RedisAddr, cfg.Presence.RedisPassword, cfg.Presence.RedisDB)
		if err != nil {
			_ = st.Close(ctx)
			return nil, fmt.Errorf("wire presence cache: %w", err)
		}
		a.cache = presence.NewRedisCache(rdb, cfg.Presence.TTL)
	}
	return a, nil
}

func (a *app) dependencies() server.Dependencies {
	sinks := []presence.Sink{presence.UserRecords{Users: a.store}}
	if a.cache != nil {
		sinks = append(sinks, a.cache)
	}
	return server.Dependencies{
		Users:         a.store,
		Chats:         a.store,
		Messages:      a.store,
		Verifier:      a.verifier,
		Runner:        a.runner,
		PresenceSinks: sinks,
	}
}

// close drains pending background writes before closing the stores they use.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.runner.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain background writes: %w", err))
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close presence cache: %w", err))
		}
	}
	if err := a.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
