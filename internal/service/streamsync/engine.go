// Package streamsync keeps the local paste cache of one stream in step with
// the server: it loads the cache, gets the device registered, then long
// polls for new events, decrypting pastes and surfacing device requests.
package streamsync

import (
	"context"
	"e2e_paste/internal/config"
	"e2e_paste/internal/cryptographic/keys"
	"e2e_paste/internal/errs"
	"e2e_paste/internal/model"
	"e2e_paste/internal/repository/local"
	"e2e_paste/internal/service/pairing"
	"e2e_paste/internal/utils/log"
	"e2e_paste/internal/utils/retry"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State int

const (
	StateStopped State = iota
	StateStarting
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	}
	return "stopped"
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoadingCache
	PhaseOffline
	PhaseRegistering
	PhaseLoadingStatus
	PhasePolling
)

func (p Phase) String() string {
	switch p {
	case PhaseLoadingCache:
		return "loading cache"
	case PhaseOffline:
		return "offline"
	case PhaseRegistering:
		return "registering device"
	case PhaseLoadingStatus:
		return "loading status"
	case PhasePolling:
		return "syncing"
	}
	return "idle"
}

const (
	// DefaultRequestWindow is how old a DeviceRequest may be and still be
	// offered for approval.
	DefaultRequestWindow = 120 * time.Second

	// UndecryptablePayload replaces the payload of pastes that failed to
	// decrypt under the placeholder policy.
	UndecryptablePayload = "[failed to decrypt]"
)

type (
	Backend interface {
		pairing.Backend
		DeleteStreamEvents(ctx context.Context, ids ...string) error
	}

	// Reader fetches the events after lastID. gateway.Client and
	// gateway.SocketReader both qualify.
	Reader interface {
		ReadStreamEvents(ctx context.Context, lastID string) ([]model.StreamEvent, error)
	}

	// Handlers are called from the engine goroutine, or from the caller of
	// a write method, never while the engine holds its lock. Any may be nil.
	Handlers struct {
		OnPhase func(Phase)

		// OnLoadedCache receives the cached pastes, newest first.
		OnLoadedCache func(pastes []model.StreamEvent)

		// OnPastesAdded receives each persisted batch, newest first.
		OnPastesAdded   func(pastes []model.StreamEvent)
		OnPastesDeleted func(ids []string)

		OnDevicesChanged func(devices []model.Device)

		// OnDeviceRequest receives the pending request, or nil once it is
		// resolved.
		OnDeviceRequest func(req *model.DeviceRequestPayload)

		OnError func(err error)
	}

	Config struct {
		PollDelay time.Duration
		Retry     retry.Backoff

		// DecryptFailure is config.DecryptFailureDrop (default) or
		// config.DecryptFailurePlaceholder.
		DecryptFailure string

		// Retention drops cached events older than this on start. Zero keeps
		// everything.
		Retention time.Duration

		RequestWindow time.Duration

		// Reader overrides how events are fetched; the backend by default.
		Reader Reader

		Now    func() time.Time
		Logger *zap.Logger
	}

	Engine struct {
		backend  Backend
		store    local.Store
		registry *pairing.Registry
		reader   Reader
		cfg      Config
		handlers Handlers
		logger   *zap.Logger

		mu       sync.Mutex
		state    State
		phase    Phase
		cancel   context.CancelFunc
		done     chan struct{}
		streamID string
		key      keys.SharedKey
		cursor   string
		pastes   []model.StreamEvent
		devices  []model.Device
		pending  *model.DeviceRequestPayload

		// deleted holds the ids removed during this run, so a batch
		// fetched before the delete cannot bring them back.
		deleted map[string]struct{}
	}
)

func NewEngine(backend Backend, store local.Store, registry *pairing.Registry, cfg Config, handlers Handlers) *Engine {
	if cfg.DecryptFailure == "" {
		cfg.DecryptFailure = config.DecryptFailureDrop
	}
	if cfg.RequestWindow <= 0 {
		cfg.RequestWindow = DefaultRequestWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	reader := cfg.Reader
	if reader == nil {
		reader = backend
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.L()
	}
	return &Engine{
		backend:  backend,
		store:    store,
		registry: registry,
		reader:   reader,
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.Named("streamsync"),
	}
}

// Start begins syncing streamID in the background and returns at once.
// With offline set only the local cache is loaded. Progress is reported
// through the handlers.
func (e *Engine) Start(ctx context.Context, streamID string, offline bool) error {
	if streamID == "" {
		return errors.New("stream id must not be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStopped {
		return errs.ErrServiceAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.state = StateStarting
	e.phase = PhaseIdle
	e.cancel = cancel
	e.done = make(chan struct{})
	e.streamID = streamID
	e.key = keys.SharedKey{}
	e.cursor = ""
	e.pastes = nil
	e.devices = nil
	e.pending = nil
	e.deleted = make(map[string]struct{})

	go e.run(runCtx, e.done, streamID, offline)
	return nil
}

// Stop cancels the sync loop and waits for it to exit. Stopping a stopped
// engine does nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == done {
		e.state = StateStopped
		e.phase = PhaseIdle
		e.key = keys.SharedKey{}
		e.pending = nil
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// HasKey reports whether writes are possible.
func (e *Engine) HasKey() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.key.IsZero()
}

func (e *Engine) Cursor() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Pastes returns the in-memory cache, newest first.
func (e *Engine) Pastes() []model.StreamEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.StreamEvent(nil), e.pastes...)
}

func (e *Engine) Devices() []model.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Device(nil), e.devices...)
}

func (e *Engine) PendingRequest() *model.DeviceRequestPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return nil
	}
	req := *e.pending
	return &req
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	if p == PhasePolling {
		e.state = StatePolling
	}
	e.mu.Unlock()

	e.logger.Debug("phase", zap.Stringer("phase", p))
	if e.handlers.OnPhase != nil {
		e.handlers.OnPhase(p)
	}
}

func (e *Engine) report(err error) {
	e.logger.Warn("sync error", zap.Error(err))
	if e.handlers.OnError != nil {
		e.handlers.OnError(err)
	}
}
