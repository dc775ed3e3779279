// Package session keeps the client's login across restarts: it stores the
// user and token locally, revalidates them with the server on start, and
// falls back to offline mode when the server cannot be reached.
package session

import (
	"context"
	"e2e_paste/internal/errs"
	"e2e_paste/internal/model"
	"e2e_paste/internal/utils/log"
	"e2e_paste/internal/utils/retry"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// Auth is the part of the gateway that talks to the auth endpoints.
	Auth interface {
		Login(ctx context.Context, name, email, password string) (model.User, string, error)
		Authenticate(ctx context.Context) (model.User, error)
		Logout(ctx context.Context) error
		SetToken(token string)
	}

	Store interface {
		GetCurrentUser(ctx context.Context) (*model.User, error)
		PutCurrentUser(ctx context.Context, user model.User) error
		DeleteCurrentUser(ctx context.Context) error
		GetSessionToken(ctx context.Context) (string, error)
		PutSessionToken(ctx context.Context, token string) error
		DeleteSessionToken(ctx context.Context) error
	}

	Config struct {
		// AuthAttempts bounds Authenticate calls during Resume. Defaults to 3.
		AuthAttempts int
		Retry        retry.Backoff
		Logger       *zap.Logger
	}

	// Session is the outcome of Login or Resume. Offline sessions carry the
	// stored user only; the sync engine must then be started offline.
	Session struct {
		User    model.User
		Offline bool
	}

	Manager struct {
		auth   Auth
		store  Store
		cfg    Config
		logger *zap.Logger
	}
)

func NewManager(auth Auth, store Store, cfg Config) *Manager {
	if cfg.AuthAttempts < 1 {
		cfg.AuthAttempts = 3
	}
	if cfg.Retry.Initial == 0 {
		cfg.Retry = retry.Backoff{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.L()
	}
	return &Manager{auth: auth, store: store, cfg: cfg, logger: logger.Named("session")}
}

func (m *Manager) Login(ctx context.Context, name, email, password string) (Session, error) {
	user, token, err := m.auth.Login(ctx, name, email, password)
	if err != nil {
		return Session{}, err
	}
	if err := m.store.PutSessionToken(ctx, token); err != nil {
		return Session{}, fmt.Errorf("store session token: %w", err)
	}
	if err := m.store.PutCurrentUser(ctx, user); err != nil {
		return Session{}, fmt.Errorf("store current user: %w", err)
	}
	m.logger.Info("logged in", zap.String("email", user.Email))
	return Session{User: user}, nil
}

// Resume restores the stored session. Without a stored user or token it
// returns errs.ErrUnauthorized. A 401 from the server wipes both. Any other
// failure after the allowed attempts continues offline as the stored user.
func (m *Manager) Resume(ctx context.Context) (Session, error) {
	stored, err := m.store.GetCurrentUser(ctx)
	if err != nil {
		return Session{}, err
	}
	token, err := m.store.GetSessionToken(ctx)
	if err != nil {
		return Session{}, err
	}
	if stored == nil || token == "" {
		return Session{}, errs.ErrUnauthorized
	}
	m.auth.SetToken(token)

	user, err := retry.Do(ctx, retry.Config{
		Attempts: m.cfg.AuthAttempts,
		Backoff:  m.cfg.Retry,
		ShouldRetry: func(err error) bool {
			return !errors.Is(err, errs.ErrUnauthorized)
		},
	}, m.auth.Authenticate)

	switch {
	case err == nil:
		if err := m.store.PutCurrentUser(ctx, user); err != nil {
			return Session{}, fmt.Errorf("store current user: %w", err)
		}
		return Session{User: user}, nil
	case errors.Is(err, errs.ErrUnauthorized):
		m.logger.Info("stored session rejected", zap.String("email", stored.Email))
		m.auth.SetToken("")
		if werr := m.wipe(ctx); werr != nil {
			return Session{}, errors.Join(err, werr)
		}
		return Session{}, err
	case ctx.Err() != nil:
		return Session{}, ctx.Err()
	}

	m.logger.Warn("server unreachable, continuing offline",
		zap.String("email", stored.Email),
		zap.Int("attempts", m.cfg.AuthAttempts),
		zap.Error(err))
	return Session{User: *stored, Offline: true}, nil
}

// Logout ends the session on the server and wipes it locally at the same
// time. The local wipe happens even if the server call fails.
func (m *Manager) Logout(ctx context.Context) error {
	var remoteErr, localErr error
	var g errgroup.Group
	g.Go(func() error {
		if err := m.auth.Logout(ctx); err != nil && !errors.Is(err, errs.ErrUnauthorized) {
			remoteErr = fmt.Errorf("remote logout: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		localErr = m.wipe(ctx)
		return nil
	})
	g.Wait()
	m.auth.SetToken("")
	return errors.Join(remoteErr, localErr)
}

func (m *Manager) wipe(ctx context.Context) error {
	return errors.Join(m.store.DeleteSessionToken(ctx), m.store.DeleteCurrentUser(ctx))
}
