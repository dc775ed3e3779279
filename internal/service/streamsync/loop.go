package streamsync

import (
	"context"
	"e2e_paste/internal/config"
	"e2e_paste/internal/cryptographic/encryption"
	"e2e_paste/internal/errs"
	"e2e_paste/internal/model"
	"e2e_paste/internal/service/gateway"
	"e2e_paste/internal/utils/retry"
	"errors"
	"time"

	"go.uber.org/zap"
)

func (e *Engine) run(ctx context.Context, done chan struct{}, streamID string, offline bool) {
	defer close(done)

	e.setPhase(PhaseLoadingCache)
	e.sweep(ctx)
	cached, err := e.store.GetAllStreamEvents(ctx, streamID)
	if err != nil {
		e.report(err)
	}
	e.mu.Lock()
	e.pastes = reversed(cached)
	pastes := append([]model.StreamEvent(nil), e.pastes...)
	e.mu.Unlock()
	if e.handlers.OnLoadedCache != nil {
		e.handlers.OnLoadedCache(pastes)
	}

	if offline {
		e.setPhase(PhaseOffline)
		return
	}

	status, err := e.loadStatus(ctx, streamID)
	if err != nil {
		// only cancellation gets here
		return
	}

	e.mu.Lock()
	e.key = status.EncryptionKey
	e.cursor = status.LastId
	e.mu.Unlock()
	e.setPhase(PhasePolling)

	gateway.LongPoll(ctx, gateway.PollConfig{
		Delay:   e.cfg.PollDelay,
		Backoff: e.cfg.Retry,
		OnError: func(err error, wait time.Duration) {
			e.report(err)
		},
	}, func(ctx context.Context) error {
		return e.poll(ctx, streamID, status)
	})
	e.logger.Debug("sync loop stopped", zap.String("stream", streamID))
}

func (e *Engine) sweep(ctx context.Context) {
	if e.cfg.Retention <= 0 {
		return
	}
	before := e.cfg.Now().Add(-e.cfg.Retention).Unix()
	n, err := e.store.DeleteOlderStreamEvents(ctx, before)
	if err != nil {
		e.report(err)
		return
	}
	if n > 0 {
		e.logger.Info("dropped expired pastes", zap.Int("count", n))
	}
}

// loadStatus registers the device and reads the stream status. A device
// that is registered but has no status is reset and registered again.
func (e *Engine) loadStatus(ctx context.Context, streamID string) (*model.StreamStatus, error) {
	for attempt := 0; ; attempt++ {
		e.setPhase(PhaseRegistering)
		devices, err := e.registry.ConfirmRegistered(ctx, streamID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.devices = devices
		e.mu.Unlock()
		if e.handlers.OnDevicesChanged != nil {
			e.handlers.OnDevicesChanged(append([]model.Device(nil), devices...))
		}

		e.setPhase(PhaseLoadingStatus)
		status, err := e.store.GetStreamStatus(ctx, streamID)
		if err == nil && status != nil {
			return status, nil
		}

		switch {
		case errors.Is(err, errs.ErrCorruptStatus):
			e.logger.Warn("stream status is unreadable, starting over", zap.String("stream", streamID), zap.Error(err))
			e.report(err)
			if err := e.resetLocal(ctx, streamID); err != nil {
				e.report(err)
			}
		case err != nil:
			e.report(err)
		default:
			e.logger.Warn("registered device has no stream status, starting over", zap.String("stream", streamID))
			if err := e.resetLocal(ctx, streamID); err != nil {
				e.report(err)
			}
		}
		if err := retry.Sleep(ctx, e.cfg.Retry.Delay(attempt)); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) resetLocal(ctx context.Context, streamID string) error {
	if err := e.store.DeleteDeviceID(ctx); err != nil {
		return err
	}
	if err := e.store.DeleteStreamStatus(ctx, streamID); err != nil {
		return err
	}
	return e.store.DeleteAllStreamEvents(ctx, streamID)
}

// poll fetches one batch after the cursor and applies it. The cursor only
// moves once the batch is persisted.
func (e *Engine) poll(ctx context.Context, streamID string, status *model.StreamStatus) error {
	cursor := e.Cursor()
	events, err := e.reader.ReadStreamEvents(ctx, cursor)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	b := e.classify(events, status)
	e.mu.Lock()
	b.pastes, _ = splitDeleted(b.pastes, e.deleted)
	e.mu.Unlock()

	lastID := model.LastID(events)
	if _, err := e.store.PutStreamEvents(ctx, streamID, b.pastes, lastID); err != nil {
		return err
	}

	e.mu.Lock()
	e.cursor = lastID
	var late []string
	b.pastes, late = splitDeleted(b.pastes, e.deleted)
	if len(b.pastes) > 0 {
		e.pastes = mergeNewestFirst(e.pastes, b.pastes)
	}
	devicesChanged := e.mergeDevicesLocked(b.added)
	pendingChanged := e.updatePendingLocked(b.requests)
	devices := append([]model.Device(nil), e.devices...)
	var pending *model.DeviceRequestPayload
	if e.pending != nil {
		req := *e.pending
		pending = &req
	}
	e.mu.Unlock()

	// deleted while the batch was being written
	if len(late) > 0 {
		if err := e.store.DeleteStreamEvents(ctx, streamID, late...); err != nil {
			e.report(err)
		}
	}

	e.logger.Debug("batch applied",
		zap.String("stream", streamID),
		zap.String("cursor", lastID),
		zap.Int("events", len(events)),
		zap.Int("pastes", len(b.pastes)))

	if len(b.pastes) > 0 && e.handlers.OnPastesAdded != nil {
		e.handlers.OnPastesAdded(reversed(b.pastes))
	}
	if devicesChanged && e.handlers.OnDevicesChanged != nil {
		e.handlers.OnDevicesChanged(devices)
	}
	if pendingChanged && e.handlers.OnDeviceRequest != nil {
		e.handlers.OnDeviceRequest(pending)
	}
	return nil
}

type batch struct {
	pastes   []model.StreamEvent
	added    []model.Device
	requests []model.DeviceRequest
}

// classify decodes a fetched batch, decrypting pastes in place. Events
// that cannot be decoded are skipped.
func (e *Engine) classify(events []model.StreamEvent, status *model.StreamStatus) batch {
	var b batch
	for _, raw := range events {
		decoded, err := model.Decode(raw)
		if err != nil {
			e.logger.Debug("skipping event", zap.String("id", raw.Id), zap.Error(err))
			continue
		}

		switch v := decoded.(type) {
		case model.PasteText:
			event := v.Raw
			plain, err := encryption.Decrypt(status.EncryptionKey, v.Ciphertext)
			if err != nil {
				e.logger.Debug("undecryptable paste", zap.String("id", raw.Id), zap.Error(err))
				if e.cfg.DecryptFailure != config.DecryptFailurePlaceholder {
					continue
				}
				event.Payload = UndecryptablePayload
				event.Undecryptable = true
			} else {
				event.Payload = plain
			}
			b.pastes = append(b.pastes, event)
		case model.DeviceAdded:
			b.added = append(b.added, v.Added.Device())
		case model.FirstDevice:
			b.added = append(b.added, v.Device)
		case model.DeviceRequest:
			b.requests = append(b.requests, v)
		}
	}
	return b
}

func (e *Engine) mergeDevicesLocked(added []model.Device) bool {
	changed := false
	for _, d := range added {
		found := false
		for i := range e.devices {
			if e.devices[i].Id == d.Id {
				found = true
				if e.devices[i] != d {
					e.devices[i] = d
					changed = true
				}
				break
			}
		}
		if !found {
			e.devices = append(e.devices, d)
			changed = true
		}
	}
	return changed
}

func (e *Engine) knownDeviceLocked(id string) bool {
	for _, d := range e.devices {
		if d.Id == id {
			return true
		}
	}
	return false
}

// updatePendingLocked clears a pending request whose device has joined,
// then offers the newest fresh request from an unknown device. A newer
// request replaces an unresolved one.
func (e *Engine) updatePendingLocked(requests []model.DeviceRequest) bool {
	changed := false
	if e.pending != nil && e.knownDeviceLocked(e.pending.Id) {
		e.pending = nil
		changed = true
	}

	now := e.cfg.Now().Unix()
	window := int64(e.cfg.RequestWindow / time.Second)
	for i := len(requests) - 1; i >= 0; i-- {
		req := requests[i]
		if now-req.Raw.Timestamp > window {
			continue
		}
		if e.knownDeviceLocked(req.Request.Id) {
			continue
		}
		p := req.Request
		e.pending = &p
		return true
	}
	return changed
}
