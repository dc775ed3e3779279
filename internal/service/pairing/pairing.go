// Package pairing decides whether this install is a member of an account's
// stream and, when it is not, obtains the shared key: either by founding
// the stream as its first device or by asking an existing device to wrap
// the key for it.
package pairing

import (
	"context"
	"e2e_paste/internal/cryptographic/keys"
	"e2e_paste/internal/errs"
	"e2e_paste/internal/model"
	"e2e_paste/internal/protocol/keywrap"
	"e2e_paste/internal/utils/log"
	"e2e_paste/internal/utils/retry"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	Backend interface {
		AddStreamEvent(ctx context.Context, event model.NewStreamEvent) (model.StreamEvent, error)
		ReadStreamEvents(ctx context.Context, lastID string) ([]model.StreamEvent, error)
		GetDevices(ctx context.Context) ([]model.Device, error)
	}

	Store interface {
		GetDeviceID(ctx context.Context) (string, error)
		PutDeviceID(ctx context.Context, id string) error
		PutStreamStatus(ctx context.Context, status *model.StreamStatus) error
		DeleteStreamStatus(ctx context.Context, streamID string) error
		DeleteAllStreamEvents(ctx context.Context, streamID string) error
	}

	Config struct {
		Description string

		// Retry paces the registration loop and failed reads while waiting
		// for approval.
		Retry retry.Backoff

		// JoinTimeout bounds the wait for a DeviceAdded answer. When it
		// passes a new request is sent. Zero waits forever.
		JoinTimeout time.Duration

		// FirstDeviceAttempts bounds appending the FirstDevice event before
		// the registration check starts over.
		FirstDeviceAttempts int

		NewDeviceID func() string
		Logger      *zap.Logger
	}

	// joinState remembers the requests this device sent while joining, so
	// an answer to an older request is still accepted after a re-request.
	joinState struct {
		deviceID string
		since    string
		pairs    []*keys.KeyPair
	}

	Registry struct {
		backend Backend
		store   Store
		cfg     Config
		logger  *zap.Logger
	}
)

// catchUpTimeout bounds the search for an answer to an earlier request
// once this device already shows up in the roster.
const catchUpTimeout = 5 * time.Second

func NewRegistry(backend Backend, store Store, cfg Config) *Registry {
	if cfg.NewDeviceID == nil {
		cfg.NewDeviceID = uuid.NewString
	}
	if cfg.FirstDeviceAttempts < 1 {
		cfg.FirstDeviceAttempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.L()
	}
	return &Registry{
		backend: backend,
		store:   store,
		cfg:     cfg,
		logger:  logger.Named("pairing"),
	}
}

// DeviceID returns this install's id, creating and persisting it on first
// use.
func (r *Registry) DeviceID(ctx context.Context) (string, error) {
	id, err := r.store.GetDeviceID(ctx)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = r.cfg.NewDeviceID()
	if err := r.store.PutDeviceID(ctx, id); err != nil {
		return "", err
	}
	r.logger.Info("device id created", zap.String("device", id))
	return id, nil
}

// ConfirmRegistered returns once this device appears in the account's
// roster, and returns that roster. Until then it registers the device,
// retrying every failure. Only ctx ends the loop early.
//
// Whenever the device is not in the roster the local events and status of
// streamID are dropped; a successful registration writes a fresh status
// with an empty cursor.
func (r *Registry) ConfirmRegistered(ctx context.Context, streamID string) ([]model.Device, error) {
	var join joinState
	for attempt := 0; ; attempt++ {
		devices, registered, err := r.tryRegister(ctx, streamID, &join)
		if err == nil && registered {
			return devices, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		wait := time.Duration(0)
		if err != nil {
			wait = r.cfg.Retry.Delay(attempt)
			r.logger.Warn("device registration failed",
				zap.String("stream", streamID),
				zap.Duration("retry_in", wait),
				zap.Error(err))
		}
		if err := retry.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// tryRegister runs one registration round. registered is only true when
// the roster returned by the server contains this device.
func (r *Registry) tryRegister(ctx context.Context, streamID string, join *joinState) ([]model.Device, bool, error) {
	deviceID, err := r.DeviceID(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("device id: %w", err)
	}
	if join.deviceID != deviceID {
		*join = joinState{deviceID: deviceID}
	}
	devices, err := r.backend.GetDevices(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("get devices: %w", err)
	}
	for _, d := range devices {
		if d.Id == deviceID {
			if len(join.pairs) > 0 {
				// approved after our last wait ended
				if err := r.collectKey(ctx, streamID, join, catchUpTimeout); err != nil && !errors.Is(err, errs.ErrPairingTimeout) {
					return nil, false, err
				}
				*join = joinState{deviceID: deviceID}
			}
			return devices, true, nil
		}
	}

	if err := r.store.DeleteAllStreamEvents(ctx, streamID); err != nil {
		return nil, false, fmt.Errorf("reset local events: %w", err)
	}
	if err := r.store.DeleteStreamStatus(ctx, streamID); err != nil {
		return nil, false, fmt.Errorf("reset stream status: %w", err)
	}

	if len(devices) == 0 {
		err = r.registerFirst(ctx, streamID, deviceID)
	} else {
		err = r.requestJoin(ctx, streamID, join)
	}
	return devices, false, err
}

// registerFirst founds the stream. The status is written before the
// FirstDevice event so a lost response cannot leave a registered device
// without its key.
func (r *Registry) registerFirst(ctx context.Context, streamID, deviceID string) error {
	key, err := keys.GenerateSharedKey()
	if err != nil {
		return err
	}
	if err := r.store.PutStreamStatus(ctx, &model.StreamStatus{StreamId: streamID, EncryptionKey: key}); err != nil {
		return err
	}

	payload, err := model.EncodePayload(model.Device{Id: deviceID, Description: r.cfg.Description})
	if err != nil {
		return err
	}
	_, err = retry.Do(ctx, retry.Config{
		Attempts: r.cfg.FirstDeviceAttempts,
		Backoff:  r.cfg.Retry,
		ShouldRetry: func(err error) bool {
			return !errors.Is(err, errs.ErrDeviceExists)
		},
	}, func(ctx context.Context) (model.StreamEvent, error) {
		return r.backend.AddStreamEvent(ctx, model.NewStreamEvent{Kind: model.KindFirstDevice, Payload: payload})
	})
	if errors.Is(err, errs.ErrDeviceExists) {
		// someone else founded the stream, or an earlier attempt of ours
		// landed; the next roster check tells which
		r.logger.Info("stream already has a first device", zap.String("stream", streamID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("append first device: %w", err)
	}

	r.logger.Info("registered as first device", zap.String("stream", streamID), zap.String("device", deviceID))
	return nil
}

// requestJoin asks the existing devices for the shared key and waits for
// the answer to this or any earlier request of the same device.
func (r *Registry) requestJoin(ctx context.Context, streamID string, join *joinState) error {
	deviceID := join.deviceID
	pair, err := keys.GenerateKeyPair()
	if err != nil {
		return err
	}
	pub, err := pair.Public.Export()
	if err != nil {
		return err
	}
	payload, err := model.EncodePayload(model.DeviceRequestPayload{
		Id:          deviceID,
		Description: r.cfg.Description,
		PublicKey:   pub,
	})
	if err != nil {
		return err
	}

	request, err := r.backend.AddStreamEvent(ctx, model.NewStreamEvent{Kind: model.KindDeviceRequest, Payload: payload})
	if err != nil {
		return fmt.Errorf("append device request: %w", err)
	}
	if len(join.pairs) == 0 {
		join.since = request.Id
	}
	join.pairs = append(join.pairs, pair)
	r.logger.Info("waiting for another device to approve this one",
		zap.String("stream", streamID),
		zap.String("device", deviceID),
		zap.String("request", request.Id),
		zap.Int("open_requests", len(join.pairs)))

	return r.collectKey(ctx, streamID, join, r.cfg.JoinTimeout)
}

// collectKey waits up to timeout for an approval of join and stores the
// unwrapped key as a fresh stream status.
func (r *Registry) collectKey(ctx context.Context, streamID string, join *joinState, timeout time.Duration) error {
	key, err := r.awaitApproval(ctx, join, timeout)
	if err != nil {
		return err
	}
	if err := r.store.PutStreamStatus(ctx, &model.StreamStatus{StreamId: streamID, EncryptionKey: key}); err != nil {
		return err
	}
	join.pairs = nil
	r.logger.Info("device approved", zap.String("stream", streamID), zap.String("device", join.deviceID))
	return nil
}

// awaitApproval reads the stream from the first request onwards until a
// DeviceAdded for the device carries a key one of its pairs can unwrap.
// A zero timeout waits forever.
func (r *Registry) awaitApproval(ctx context.Context, join *joinState, timeout time.Duration) (keys.SharedKey, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	lastID := join.since

	failures := 0
	for {
		if waitCtx.Err() != nil {
			if ctx.Err() != nil {
				return keys.SharedKey{}, ctx.Err()
			}
			return keys.SharedKey{}, errs.ErrPairingTimeout
		}

		events, err := r.backend.ReadStreamEvents(waitCtx, lastID)
		if err != nil {
			if waitCtx.Err() != nil {
				continue
			}
			wait := r.cfg.Retry.Delay(failures)
			failures++
			r.logger.Warn("read while waiting for approval failed", zap.Duration("retry_in", wait), zap.Error(err))
			retry.Sleep(waitCtx, wait)
			continue
		}
		failures = 0
		if len(events) == 0 {
			continue
		}
		lastID = model.LastID(events)

		for _, e := range events {
			if e.Kind != model.KindDeviceAdded {
				continue
			}
			decoded, err := model.Decode(e)
			if err != nil {
				r.logger.Debug("skipping malformed event", zap.String("id", e.Id), zap.Error(err))
				continue
			}
			added := decoded.(model.DeviceAdded).Added
			if added.Id != join.deviceID {
				continue
			}
			if key, ok := unwrapAny(join.pairs, added.EncryptedKey); ok {
				return key, nil
			}
			r.logger.Debug("cannot unwrap key with any open request", zap.String("id", e.Id))
		}
	}
}

func unwrapAny(pairs []*keys.KeyPair, wrapped string) (keys.SharedKey, bool) {
	for i := len(pairs) - 1; i >= 0; i-- {
		if key, err := keywrap.UnwrapSharedKey(pairs[i], wrapped); err == nil {
			return key, true
		}
	}
	return keys.SharedKey{}, false
}

// Approve wraps key for the requesting device and announces it with a
// DeviceAdded event.
func (r *Registry) Approve(ctx context.Context, req model.DeviceRequestPayload, key keys.SharedKey) (model.StreamEvent, error) {
	if key.IsZero() {
		return model.StreamEvent{}, errs.ErrKeyUnavailable
	}
	deviceID, err := r.DeviceID(ctx)
	if err != nil {
		return model.StreamEvent{}, err
	}
	pub, err := keys.ImportPublicKey(req.PublicKey)
	if err != nil {
		return model.StreamEvent{}, err
	}
	wrapped, err := keywrap.WrapSharedKey(pub, key)
	if err != nil {
		return model.StreamEvent{}, err
	}

	payload, err := model.EncodePayload(model.DeviceAddedPayload{
		Id:           req.Id,
		Description:  req.Description,
		PublicKey:    req.PublicKey,
		EncryptedKey: wrapped,
		FromDeviceId: deviceID,
	})
	if err != nil {
		return model.StreamEvent{}, err
	}
	event, err := r.backend.AddStreamEvent(ctx, model.NewStreamEvent{Kind: model.KindDeviceAdded, Payload: payload})
	if err != nil {
		return model.StreamEvent{}, err
	}
	r.logger.Info("device approved", zap.String("device", req.Id), zap.String("event", event.Id))
	return event, nil
}
