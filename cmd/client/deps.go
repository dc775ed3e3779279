package main

import (
	"context"
	"e2e_paste/internal/config"
	"e2e_paste/internal/errs"
	"e2e_paste/internal/repository/local"
	"e2e_paste/internal/service/gateway"
	redisSvc "e2e_paste/internal/service/redis"
	"e2e_paste/internal/service/session"
	"e2e_paste/internal/utils/log"
	"e2e_paste/internal/utils/retry"
	"errors"
	"fmt"
	"net/http"
	"os"
)

// deps are the pieces every command needs.
type deps struct {
	cfg     *config.Config
	redis   *redisSvc.RedisService
	store   *local.RedisStore
	client  *gateway.Client
	session *session.Manager
}

// loadDeps reads the config, points the log at a file, and connects to
// the local store. The terminal belongs to the UI, so nothing is logged
// to stderr.
func loadDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	logFile := cfg.Logging.File
	if logFile == "" {
		logFile = os.DevNull
	}
	if err := log.InitFile(cfg.Logging.Level, logFile); err != nil {
		return nil, err
	}

	redis, err := redisSvc.Connect(ctx, cfg.Client.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect local store: %w", err)
	}
	client, err := gateway.NewClient(cfg.Client.ServerURL, &http.Client{})
	if err != nil {
		redis.Close()
		return nil, err
	}
	store := local.NewRedisStore(redis, cfg.Client.KeyPrefix)

	return &deps{
		cfg:    cfg,
		redis:  redis,
		store:  store,
		client: client,
		session: session.NewManager(client, store, session.Config{
			AuthAttempts: cfg.Client.AuthAttempts,
			Retry:        clientBackoff(cfg.Client),
		}),
	}, nil
}

func (d *deps) Close() {
	d.redis.Close()
	log.Sync()
}

func clientBackoff(c config.ClientConfig) retry.Backoff {
	return retry.Backoff{Initial: c.RetryDelay, Max: c.MaxRetryDelay, Multiplier: 2}
}

// resume restores the stored session or explains how to get one.
func (d *deps) resume(ctx context.Context) (session.Session, error) {
	s, err := d.session.Resume(ctx)
	if errors.Is(err, errs.ErrUnauthorized) {
		return s, errors.New("not logged in, run `mypaste login` first")
	}
	return s, err
}
