package streamsync

import (
	"context"
	"e2e_paste/internal/config"
	"e2e_paste/internal/cryptographic/encryption"
	"e2e_paste/internal/cryptographic/keys"
	"e2e_paste/internal/errs"
	"e2e_paste/internal/model"
	"e2e_paste/internal/protocol/keywrap"
	"e2e_paste/internal/repository/local"
	"e2e_paste/internal/service/gateway/gatewaytest"
	"e2e_paste/internal/service/pairing"
	redisSvc "e2e_paste/internal/service/redis"
	"e2e_paste/internal/utils/retry"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const stream = "alice@example.com"

var fastRetry = retry.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}

type recorder struct {
	mu       sync.Mutex
	loaded   [][]model.StreamEvent
	added    [][]model.StreamEvent
	deleted  [][]string
	devices  [][]model.Device
	requests []*model.DeviceRequestPayload
	errors   []error

	// onRequest runs after a request is recorded.
	onRequest func(req *model.DeviceRequestPayload)
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnLoadedCache: func(p []model.StreamEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.loaded = append(r.loaded, p)
		},
		OnPastesAdded: func(p []model.StreamEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.added = append(r.added, p)
		},
		OnPastesDeleted: func(ids []string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.deleted = append(r.deleted, ids)
		},
		OnDevicesChanged: func(d []model.Device) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.devices = append(r.devices, d)
		},
		OnDeviceRequest: func(req *model.DeviceRequestPayload) {
			r.mu.Lock()
			r.requests = append(r.requests, req)
			hook := r.onRequest
			r.mu.Unlock()
			if hook != nil {
				hook(req)
			}
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, err)
		},
	}
}

func (r *recorder) addedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.added)
}

func (r *recorder) lastRequest() (*model.DeviceRequestPayload, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return nil, 0
	}
	return r.requests[len(r.requests)-1], len(r.requests)
}

type fixture struct {
	backend *gatewaytest.Backend
	store   *local.RedisStore
	rdb     *redis.Client
	engine  *Engine
	rec     *recorder
}

type options struct {
	deviceID string
	cfg      func(*Config)
	reader   Reader
}

func newFixture(t *testing.T, backend *gatewaytest.Backend, mr *miniredis.Miniredis, prefix string, opts options) *fixture {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := local.NewRedisStore(redisSvc.NewRedis(rdb), prefix)

	logger := zaptest.NewLogger(t)
	deviceID := opts.deviceID
	if deviceID == "" {
		deviceID = "A"
	}
	registry := pairing.NewRegistry(backend, store, pairing.Config{
		Description: "device " + deviceID,
		Retry:       fastRetry,
		NewDeviceID: func() string { return deviceID },
		Logger:      logger,
	})

	cfg := Config{
		PollDelay: time.Millisecond,
		Retry:     fastRetry,
		Reader:    opts.reader,
		Logger:    logger,
	}
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}
	rec := &recorder{}
	engine := NewEngine(backend, store, registry, cfg, rec.handlers())
	t.Cleanup(engine.Stop)
	return &fixture{backend: backend, store: store, rdb: rdb, engine: engine, rec: rec}
}

// register makes id a known device with a stored key and cursor.
func (f *fixture) register(t *testing.T, id, lastID string) keys.SharedKey {
	t.Helper()
	ctx := context.Background()
	key, err := keys.GenerateSharedKey()
	require.NoError(t, err)
	f.backend.SetDevices(model.Device{Id: id, Description: "device " + id})
	require.NoError(t, f.store.PutDeviceID(ctx, id))
	require.NoError(t, f.store.PutStreamStatus(ctx, &model.StreamStatus{StreamId: stream, EncryptionKey: key, LastId: lastID}))
	return key
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Start(context.Background(), stream, false))
}

func waitPhase(t *testing.T, e *Engine, p Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Phase() == p }, 3*time.Second, time.Millisecond)
}

func encrypted(t *testing.T, key keys.SharedKey, id, text string, ts int64) model.StreamEvent {
	t.Helper()
	c, err := encryption.Encrypt(key, text)
	require.NoError(t, err)
	return model.StreamEvent{Id: id, Timestamp: ts, Kind: model.KindPasteText, Payload: c}
}

func ids(events []model.StreamEvent) []string {
	res := make([]string, len(events))
	for i, e := range events {
		res[i] = e.Id
	}
	return res
}

// scriptedReader hands out batches in order, records the cursor of every
// call and returns empty batches once the script is used up.
type scriptedReader struct {
	mu      sync.Mutex
	batches [][]model.StreamEvent
	cursors []string
}

func (r *scriptedReader) ReadStreamEvents(ctx context.Context, lastID string) ([]model.StreamEvent, error) {
	r.mu.Lock()
	r.cursors = append(r.cursors, lastID)
	if len(r.batches) > 0 {
		b := r.batches[0]
		r.batches = r.batches[1:]
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return []model.StreamEvent{}, nil
	}
}

func (r *scriptedReader) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cursors...)
}

// recordingReader passes reads through to the backend.
type recordingReader struct {
	next    Reader
	mu      sync.Mutex
	cursors []string
}

func (r *recordingReader) ReadStreamEvents(ctx context.Context, lastID string) ([]model.StreamEvent, error) {
	r.mu.Lock()
	r.cursors = append(r.cursors, lastID)
	r.mu.Unlock()
	return r.next.ReadStreamEvents(ctx, lastID)
}

func (r *recordingReader) first() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cursors) == 0 {
		return "", false
	}
	return r.cursors[0], true
}

// gatedReader holds its first read until release is closed, then returns
// batch. Later reads come back empty.
type gatedReader struct {
	batch   []model.StreamEvent
	called  chan struct{}
	release chan struct{}
	served  atomic.Bool
}

func (r *gatedReader) ReadStreamEvents(ctx context.Context, lastID string) ([]model.StreamEvent, error) {
	if r.served.CompareAndSwap(false, true) {
		close(r.called)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.release:
			return r.batch, nil
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return []model.StreamEvent{}, nil
	}
}

func TestStart_TwiceFailsUntilStopped(t *testing.T) {
	f := newFixture(t, gatewaytest.NewBackend(), miniredis.RunT(t), "a:", options{})
	f.start(t)

	err := f.engine.Start(context.Background(), stream, false)
	assert.ErrorIs(t, err, errs.ErrServiceAlreadyStarted)

	f.engine.Stop()
	assert.Equal(t, StateStopped, f.engine.State())
	f.start(t)
	waitPhase(t, f.engine, PhasePolling)
	assert.Equal(t, StatePolling, f.engine.State())
}

func TestWrites_BeforeStart(t *testing.T) {
	f := newFixture(t, gatewaytest.NewBackend(), miniredis.RunT(t), "a:", options{})
	ctx := context.Background()

	_, err := f.engine.AddPasteText(ctx, "hi", false)
	assert.ErrorIs(t, err, errs.ErrServiceNotStarted)
	assert.ErrorIs(t, f.engine.DeletePastes(ctx, "1-0"), errs.ErrServiceNotStarted)
	assert.ErrorIs(t, f.engine.ApproveDevice(ctx, "B"), errs.ErrServiceNotStarted)
}

func TestFirstDevice_PollsFromEmptyCursor(t *testing.T) {
	backend := gatewaytest.NewBackend()
	reader := &recordingReader{next: backend}
	f := newFixture(t, backend, miniredis.RunT(t), "a:", options{reader: reader})
	f.start(t)
	waitPhase(t, f.engine, PhasePolling)

	first := backend.EventsOfKind(model.KindFirstDevice)
	require.Len(t, first, 1)
	assert.True(t, f.engine.HasKey())
	assert.Equal(t, []model.Device{{Id: "A", Description: "device A"}}, f.engine.Devices())

	require.Eventually(t, func() bool { _, ok := reader.first(); return ok }, time.Second, time.Millisecond)
	cursor, _ := reader.first()
	assert.Equal(t, "", cursor)

	// the FirstDevice event itself moves the cursor but is not a paste
	require.Eventually(t, func() bool { return f.engine.Cursor() == first[0].Id }, time.Second, time.Millisecond)
	assert.Empty(t, f.engine.Pastes())
}

func TestAddPasteText_RoundTrip(t *testing.T) {
	backend := gatewaytest.NewBackend()
	f := newFixture(t, backend, miniredis.RunT(t), "a:", options{})
	f.start(t)
	waitPhase(t, f.engine, PhasePolling)

	created, err := f.engine.AddPasteText(context.Background(), "hello world", true)
	require.NoError(t, err)
	assert.NotEqual(t, "hello world", created.Payload)

	require.Eventually(t, func() bool { return len(f.engine.Pastes()) == 1 }, 3*time.Second, time.Millisecond)
	got := f.engine.Pastes()[0]
	assert.Equal(t, created.Id, got.Id)
	assert.Equal(t, "hello world", got.Payload)
	assert.True(t, got.IsSensitive)

	cached, err := f.store.GetAllStreamEvents(context.Background(), stream)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "hello world", cached[0].Payload)
	assert.Equal(t, 1, f.rec.addedCount())
}

func TestEmptyBatch_NoWriteNoCallback(t *testing.T) {
	reader := &scriptedReader{}
	f := newFixture(t, gatewaytest.NewBackend(), miniredis.RunT(t), "a:", options{reader: reader})
	f.register(t, "A", "5-0")
	f.start(t)

	require.Eventually(t, func() bool { return len(reader.calls()) >= 3 }, 3*time.Second, time.Millisecond)
	for _, c := range reader.calls() {
		assert.Equal(t, "5-0", c)
	}
	assert.Equal(t, "5-0", f.engine.Cursor())
	assert.Zero(t, f.rec.addedCount())

	status, err := f.store.GetStreamStatus(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, "5-0", status.LastId)
}

func TestBatches_AdvanceCursorAndDeduplicate(t *testing.T) {
	reader := &scriptedReader{}
	f := newFixture(t, gatewaytest.NewBackend(), miniredis.RunT(t), "a:", options{reader: reader})
	key := f.register(t, "A", "")

	e1 := encrypted(t, key, "1-0", "one", 100)
	e2 := encrypted(t, key, "2-0", "two", 101)
	e3 := encrypted(t, key, "3-0", "three", 102)
	reader.batches = [][]model.StreamEvent{{e1, e2}, {e2, e3}}

	f.start(t)
	require.Eventually(t, func() bool { return f.engine.Cursor() == "3-0" }, 3*time.Second, time.Millisecond)

	calls := reader.calls()
	require.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, []string{"", "2-0", "3-0"}, calls[:3])

	pastes := f.engine.Pastes()
	assert.Equal(t, []string{"3-0", "2-0", "1-0"}, ids(pastes))
	assert.Equal(t, "three", pastes[0].Payload)

	f.rec.mu.Lock()
	require.Len(t, f.rec.added, 2)
	assert.Equal(t, []string{"2-0", "1-0"}, ids(f.rec.added[0]))
	assert.Equal(t, []string{"3-0", "2-0"}, ids(f.rec.added[1]))
	f.rec.mu.Unlock()

	status, err := f.store.GetStreamStatus(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, "3-0", status.LastId)
	cached, err := f.store.GetAllStreamEvents(context.Background(), stream)
	require.NoError(t, err)
	assert.Len(t, cached, 3)
}

// failingExec fails the next n MULTI/EXEC pipelines.
type failingExec struct {
	remaining atomic.Int32
}

func (h *failingExec) DialHook(next redis.DialHook) redis.DialHook          { return next }
func (h *failingExec) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *failingExec) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if h.remaining.Add(-1) >= 0 {
			return errors.New("injected exec failure")
		}
		return next(ctx, cmds)
	}
}

func TestPersistFailure_KeepsCursorAndRetries(t *testing.T) {
	reader := &scriptedReader{}
	f := newFixture(t, gatewaytest.NewBackend(), miniredis.RunT(t), "a:", options{reader: reader})
	key := f.register(t, "A", "")

	batch := []model.StreamEvent{encrypted(t, key, "1-0", "one", 100)}
	reader.batches = [][]model.StreamEvent{batch, batch}

	hook := &failingExec{}
	hook.remaining.Store(1)
	f.rdb.AddHook(hook)

	f.start(t)
	require.Eventually(t, func() bool { return f.engine.Cursor() == "1-0" }, 3*time.Second, time.Millisecond)

	calls := reader.calls()
	assert.Equal(t, []string{"", ""}, calls[:2])
	assert.Equal(t, []string{"1-0"}, ids(f.engine.Pastes()))
	assert.Equal(t, 1, f.rec.addedCount())

	f.rec.mu.Lock()
	assert.NotEmpty(t, f.rec.errors)
	f.rec.mu.Unlock()
}

func TestDecryptFailurePolicy(t *testing.T) {
	for _, policy := range []string{config.DecryptFailureDrop, config.DecryptFailurePlaceholder} {
		t.Run(policy, func(t *testing.T) {
			reader := &scriptedReader{}
			f := newFixture(t, gatewaytest.NewBackend(), miniredis.RunT(t), "a:", options{
				reader: reader,
				cfg:    func(c *Config) { c.DecryptFailure = policy },
			})
			key := f.register(t, "A", "")

			other, err := keys.GenerateSharedKey()
			require.NoError(t, err)
			reader.batches = [][]model.StreamEvent{{
				encrypted(t, key, "1-0", "good", 100),
				encrypted(t, other, "2-0", "foreign", 101),
				{Id: "3-0", Timestamp: 102, Kind: model.KindPasteText, Payload: "not base64 at all"},
			}}

			f.start(t)
			require.Eventually(t, func() bool { return f.engine.Cursor() == "3-0" }, 3*time.Second, time.Millisecond)

			pastes := f.engine.Pastes()
			if policy == config.DecryptFailureDrop {
				assert.Equal(t, []string{"1-0"}, ids(pastes))
				return
			}
			require.Equal(t, []string{"3-0", "2-0", "1-0"}, ids(pastes))
			assert.Equal(t, UndecryptablePayload, pastes[0].Payload)
			assert.True(t, pastes[0].Undecryptable)
			assert.True(t, pastes[1].Undecryptable)
			assert.Equal(t, "good", pastes[2].Payload)
			assert.False(t, pastes[2].Undecryptable)
		})
	}
}

func TestDeviceRequest_ApprovalScenario(t *testing.T) {
	backend := gatewaytest.NewBackend()
	f := newFixture(t, backend, miniredis.RunT(t), "a:", options{})
	key := f.register(t, "A", "")
	f.start(t)
	waitPhase(t, f.engine, PhasePolling)

	pairB, err := keys.GenerateKeyPair()
	require.NoError(t, err)
	pubB, err := pairB.Public.Export()
	require.NoError(t, err)
	payload, err := model.EncodePayload(model.DeviceRequestPayload{Id: "B", Description: "phone", PublicKey: pubB})
	require.NoError(t, err)
	backend.Inject(model.StreamEvent{
		Kind:      model.KindDeviceRequest,
		Payload:   payload,
		Timestamp: time.Now().Add(-10 * time.Second).Unix(),
	})

	require.Eventually(t, func() bool { return f.engine.PendingRequest() != nil }, 3*time.Second, time.Millisecond)
	pending := f.engine.PendingRequest()
	assert.Equal(t, "B", pending.Id)
	assert.Equal(t, "phone", pending.Description)

	assert.ErrorIs(t, f.engine.ApproveDevice(context.Background(), "C"), errs.ErrNoPendingRequest)
	require.NoError(t, f.engine.ApproveDevice(context.Background(), "B"))
	assert.Nil(t, f.engine.PendingRequest())

	added := backend.EventsOfKind(model.KindDeviceAdded)
	require.Len(t, added, 1)
	decoded, err := model.Decode(added[0])
	require.NoError(t, err)
	p := decoded.(model.DeviceAdded).Added
	assert.Equal(t, "B", p.Id)
	assert.Equal(t, "A", p.FromDeviceId)

	unwrapped, err := keywrap.UnwrapSharedKey(pairB, p.EncryptedKey)
	require.NoError(t, err)
	assert.True(t, key.Equal(unwrapped))

	require.Eventually(t, func() bool { return len(f.engine.Devices()) == 2 }, 3*time.Second, time.Millisecond)
	last, _ := f.rec.lastRequest()
	assert.Nil(t, last)
}

func TestDeviceRequest_Filtering(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reader := &scriptedReader{}
	f := newFixture(t, gatewaytest.NewBackend(), miniredis.RunT(t), "a:", options{
		reader: reader,
		cfg:    func(c *Config) { c.Now = func() time.Time { return now } },
	})
	f.register(t, "A", "")

	request := func(id, deviceID string, age time.Duration) model.StreamEvent {
		payload, err := model.EncodePayload(model.DeviceRequestPayload{Id: deviceID, PublicKey: "pk-" + deviceID})
		require.NoError(t, err)
		return model.StreamEvent{Id: id, Kind: model.KindDeviceRequest, Payload: payload, Timestamp: now.Add(-age).Unix()}
	}
	addedC, err := model.EncodePayload(model.DeviceAddedPayload{Id: "C", EncryptedKey: "x", FromDeviceId: "A"})
	require.NoError(t, err)

	reader.batches = [][]model.StreamEvent{
		{request("1-0", "S", 200*time.Second), request("2-0", "A", time.Second)},
		{request("3-0", "B", 30*time.Second), request("4-0", "C", 5*time.Second)},
		{{Id: "5-0", Kind: model.KindDeviceAdded, Payload: addedC, Timestamp: now.Unix()}},
	}

	f.start(t)
	require.Eventually(t, func() bool { return f.engine.Cursor() == "5-0" }, 3*time.Second, time.Millisecond)

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	// stale and known requests never surface; the newest of a batch wins;
	// the DeviceAdded for it clears it
	require.Len(t, f.rec.requests, 2)
	assert.Equal(t, "C", f.rec.requests[0].Id)
	assert.Nil(t, f.rec.requests[1])
}

func TestRejectDevice(t *testing.T) {
	reader := &scriptedReader{}
	f := newFixture(t, gatewaytest.NewBackend(), miniredis.RunT(t), "a:", options{reader: reader})
	f.register(t, "A", "")
	payload, err := model.EncodePayload(model.DeviceRequestPayload{Id: "B", PublicKey: "pk"})
	require.NoError(t, err)
	reader.batches = [][]model.StreamEvent{{{Id: "1-0", Kind: model.KindDeviceRequest, Payload: payload, Timestamp: time.Now().Unix()}}}

	f.start(t)
	require.Eventually(t, func() bool { return f.engine.PendingRequest() != nil }, 3*time.Second, time.Millisecond)

	assert.ErrorIs(t, f.engine.RejectDevice("Z"), errs.ErrNoPendingRequest)
	require.NoError(t, f.engine.RejectDevice("B"))
	assert.Nil(t, f.engine.PendingRequest())
	assert.Empty(t, f.backend.EventsOfKind(model.KindDeviceAdded))
}

func TestDeletePastes(t *testing.T) {
	backend := gatewaytest.NewBackend()
	f := newFixture(t, backend, miniredis.RunT(t), "a:", options{})
	f.start(t)
	waitPhase(t, f.engine, PhasePolling)
	ctx := context.Background()

	one, err := f.engine.AddPasteText(ctx, "one", false)
	require.NoError(t, err)
	two, err := f.engine.AddPasteText(ctx, "two", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.engine.Pastes()) == 2 }, 3*time.Second, time.Millisecond)

	backend.FailNext(gatewaytest.OpDelete, errors.New("server down"))
	err = f.engine.DeletePastes(ctx, one.Id)
	require.Error(t, err)
	assert.Equal(t, []string{two.Id, one.Id}, ids(f.engine.Pastes()))

	require.NoError(t, f.engine.DeletePastes(ctx, one.Id))
	assert.Equal(t, []string{two.Id}, ids(f.engine.Pastes()))

	cached, err := f.store.GetAllStreamEvents(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{two.Id}, ids(cached))
	for _, e := range backend.Events() {
		assert.NotEqual(t, one.Id, e.Id)
	}

	f.rec.mu.Lock()
	assert.Equal(t, [][]string{{one.Id}}, f.rec.deleted)
	f.rec.mu.Unlock()
}

func TestOffline_LoadsCacheOnly(t *testing.T) {
	backend := gatewaytest.NewBackend()
	f := newFixture(t, backend, miniredis.RunT(t), "a:", options{})
	f.register(t, "A", "")
	_, err := f.store.PutStreamEvents(context.Background(), stream, []model.StreamEvent{
		{Id: "1-0", Timestamp: 100, Kind: model.KindPasteText, Payload: "one"},
		{Id: "2-0", Timestamp: 101, Kind: model.KindPasteText, Payload: "two"},
	}, "")
	require.NoError(t, err)

	require.NoError(t, f.engine.Start(context.Background(), stream, true))
	waitPhase(t, f.engine, PhaseOffline)

	assert.Equal(t, []string{"2-0", "1-0"}, ids(f.engine.Pastes()))
	assert.False(t, f.engine.HasKey())
	_, err = f.engine.AddPasteText(context.Background(), "x", false)
	assert.ErrorIs(t, err, errs.ErrKeyUnavailable)
	assert.Zero(t, backend.Calls(gatewaytest.OpDevices))
	assert.Zero(t, backend.Calls(gatewaytest.OpRead))

	f.rec.mu.Lock()
	require.Len(t, f.rec.loaded, 1)
	assert.Equal(t, []string{"2-0", "1-0"}, ids(f.rec.loaded[0]))
	f.rec.mu.Unlock()

	err = f.engine.Start(context.Background(), stream, false)
	assert.ErrorIs(t, err, errs.ErrServiceAlreadyStarted)
}

func TestRetentionSweepOnStart(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := newFixture(t, gatewaytest.NewBackend(), miniredis.RunT(t), "a:", options{
		cfg: func(c *Config) {
			c.Retention = time.Hour
			c.Now = func() time.Time { return now }
		},
	})
	f.register(t, "A", "")
	_, err := f.store.PutStreamEvents(context.Background(), stream, []model.StreamEvent{
		{Id: "1-0", Timestamp: now.Add(-2 * time.Hour).Unix(), Kind: model.KindPasteText, Payload: "old"},
		{Id: "2-0", Timestamp: now.Add(-time.Minute).Unix(), Kind: model.KindPasteText, Payload: "new"},
	}, "")
	require.NoError(t, err)

	require.NoError(t, f.engine.Start(context.Background(), stream, true))
	waitPhase(t, f.engine, PhaseOffline)
	assert.Equal(t, []string{"2-0"}, ids(f.engine.Pastes()))
}

func TestMissingStatus_StartsOverWithNewDeviceID(t *testing.T) {
	backend := gatewaytest.NewBackend()
	mr := miniredis.RunT(t)
	f := newFixture(t, backend, mr, "a:", options{deviceID: "A2"})
	backend.SetDevices(model.Device{Id: "A"})
	require.NoError(t, f.store.PutDeviceID(context.Background(), "A"))

	f.start(t)
	require.Eventually(t, func() bool {
		return len(backend.EventsOfKind(model.KindDeviceRequest)) == 1
	}, 3*time.Second, time.Millisecond)

	decoded, err := model.Decode(backend.EventsOfKind(model.KindDeviceRequest)[0])
	require.NoError(t, err)
	assert.Equal(t, "A2", decoded.(model.DeviceRequest).Request.Id)
	assert.Equal(t, PhaseRegistering, f.engine.Phase())
	assert.False(t, f.engine.HasKey())
}

func TestDeletePastes_WhileBatchInFlight(t *testing.T) {
	reader := &gatedReader{called: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, gatewaytest.NewBackend(), miniredis.RunT(t), "a:", options{reader: reader})
	key := f.register(t, "A", "")
	ctx := context.Background()
	reader.batch = []model.StreamEvent{
		encrypted(t, key, "1-0", "keep", 1),
		encrypted(t, key, "2-0", "gone", 2),
	}
	f.start(t)

	select {
	case <-reader.called:
	case <-time.After(3 * time.Second):
		t.Fatal("sync loop never read")
	}
	require.NoError(t, f.engine.DeletePastes(ctx, "2-0"))
	close(reader.release)

	require.Eventually(t, func() bool { return f.engine.Cursor() == "2-0" }, 3*time.Second, time.Millisecond)
	assert.Equal(t, []string{"1-0"}, ids(f.engine.Pastes()))

	cached, err := f.store.GetAllStreamEvents(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"1-0"}, ids(cached))

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	for _, batch := range f.rec.added {
		assert.NotContains(t, ids(batch), "2-0")
	}
}

func TestCorruptStatus_StartsOverWithNewDeviceID(t *testing.T) {
	backend := gatewaytest.NewBackend()
	mr := miniredis.RunT(t)
	ctx := context.Background()
	f := newFixture(t, backend, mr, "a:", options{deviceID: "A2"})
	backend.SetDevices(model.Device{Id: "A"})
	require.NoError(t, f.store.PutDeviceID(ctx, "A"))
	require.NoError(t, f.rdb.Set(ctx, "a:status:"+stream, `{"StreamId":"`+stream+`","EncryptionKey":"garbage","LastId":""}`, 0).Err())

	f.start(t)
	require.Eventually(t, func() bool {
		return len(backend.EventsOfKind(model.KindDeviceRequest)) == 1
	}, 3*time.Second, time.Millisecond)

	decoded, err := model.Decode(backend.EventsOfKind(model.KindDeviceRequest)[0])
	require.NoError(t, err)
	assert.Equal(t, "A2", decoded.(model.DeviceRequest).Request.Id)
	assert.False(t, f.engine.HasKey())
	assert.False(t, mr.Exists("a:status:"+stream))

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	corrupt := 0
	for _, err := range f.rec.errors {
		if errors.Is(err, errs.ErrCorruptStatus) {
			assert.ErrorIs(t, err, errs.ErrInvalidKey)
			corrupt++
		}
	}
	assert.Equal(t, 1, corrupt)
}

func TestTwoDevices_EndToEnd(t *testing.T) {
	backend := gatewaytest.NewBackend()
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := newFixture(t, backend, mr, "a:", options{deviceID: "A"})
	a.rec.onRequest = func(req *model.DeviceRequestPayload) {
		if req != nil {
			go a.engine.ApproveDevice(ctx, req.Id)
		}
	}
	a.start(t)
	waitPhase(t, a.engine, PhasePolling)
	_, err := a.engine.AddPasteText(ctx, "before B joined", false)
	require.NoError(t, err)

	b := newFixture(t, backend, mr, "b:", options{deviceID: "B"})
	b.start(t)
	waitPhase(t, b.engine, PhasePolling)
	assert.True(t, b.engine.HasKey())

	// B reads the whole stream, history included
	require.Eventually(t, func() bool {
		p := b.engine.Pastes()
		return len(p) == 1 && p[0].Payload == "before B joined"
	}, 3*time.Second, time.Millisecond)

	_, err = b.engine.AddPasteText(ctx, "from B", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p := a.engine.Pastes()
		return len(p) == 2 && p[0].Payload == "from B"
	}, 3*time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return len(a.engine.Devices()) == 2 }, 3*time.Second, time.Millisecond)
}

func TestStop_EndsPolling(t *testing.T) {
	f := newFixture(t, gatewaytest.NewBackend(), miniredis.RunT(t), "a:", options{})
	f.start(t)
	waitPhase(t, f.engine, PhasePolling)

	stopped := make(chan struct{})
	go func() {
		f.engine.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, StateStopped, f.engine.State())
	assert.False(t, f.engine.HasKey())
}

func TestMergeNewestFirst(t *testing.T) {
	cache := []model.StreamEvent{{Id: "3"}, {Id: "2"}, {Id: "1"}}
	batch := []model.StreamEvent{{Id: "2", Payload: "new"}, {Id: "4"}}

	got := mergeNewestFirst(cache, batch)
	assert.Equal(t, []string{"4", "2", "3", "1"}, ids(got))
	assert.Equal(t, "new", got[1].Payload)
}
