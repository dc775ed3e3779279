package streamsync

import (
	"context"
	"e2e_paste/internal/cryptographic/encryption"
	"e2e_paste/internal/cryptographic/keys"
	"e2e_paste/internal/errs"
	"e2e_paste/internal/model"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// session returns the stream and key for write paths.
func (e *Engine) session() (string, keys.SharedKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStopped {
		return "", keys.SharedKey{}, errs.ErrServiceNotStarted
	}
	return e.streamID, e.key, nil
}

// AddPasteText encrypts text and appends it. The paste reaches the cache
// through the sync loop like any other event.
func (e *Engine) AddPasteText(ctx context.Context, text string, sensitive bool) (model.StreamEvent, error) {
	_, key, err := e.session()
	if err != nil {
		return model.StreamEvent{}, err
	}
	if key.IsZero() {
		return model.StreamEvent{}, errs.ErrKeyUnavailable
	}

	ciphertext, err := encryption.Encrypt(key, text)
	if err != nil {
		return model.StreamEvent{}, err
	}
	event, err := e.backend.AddStreamEvent(ctx, model.NewStreamEvent{
		Kind:        model.KindPasteText,
		Payload:     ciphertext,
		IsSensitive: sensitive,
	})
	if err != nil {
		return model.StreamEvent{}, fmt.Errorf("add paste: %w", err)
	}
	e.logger.Debug("paste added", zap.String("id", event.Id), zap.Bool("sensitive", sensitive))
	return event, nil
}

// DeletePastes removes ids from the server and the local store at the same
// time. The in-memory cache only changes when both succeed; otherwise the
// joined failures are returned.
func (e *Engine) DeletePastes(ctx context.Context, ids ...string) error {
	streamID, _, err := e.session()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	e.mu.Lock()
	for _, id := range ids {
		e.deleted[id] = struct{}{}
	}
	e.mu.Unlock()

	var remoteErr, localErr error
	var g errgroup.Group
	g.Go(func() error {
		remoteErr = e.backend.DeleteStreamEvents(ctx, ids...)
		return remoteErr
	})
	g.Go(func() error {
		localErr = e.store.DeleteStreamEvents(ctx, streamID, ids...)
		return localErr
	})
	g.Wait()

	if err := errors.Join(remoteErr, localErr); err != nil {
		if remoteErr != nil {
			e.mu.Lock()
			for _, id := range ids {
				delete(e.deleted, id)
			}
			e.mu.Unlock()
		}
		return fmt.Errorf("delete pastes: %w", err)
	}

	e.mu.Lock()
	e.pastes = removeIDs(e.pastes, ids)
	e.mu.Unlock()
	if e.handlers.OnPastesDeleted != nil {
		e.handlers.OnPastesDeleted(append([]string(nil), ids...))
	}
	return nil
}

// takePending removes the pending request if it is from deviceID.
func (e *Engine) takePending(deviceID string) (*model.DeviceRequestPayload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil || e.pending.Id != deviceID {
		return nil, errs.ErrNoPendingRequest
	}
	req := e.pending
	e.pending = nil
	return req, nil
}

// ApproveDevice hands the shared key to the pending request from deviceID.
func (e *Engine) ApproveDevice(ctx context.Context, deviceID string) error {
	_, key, err := e.session()
	if err != nil {
		return err
	}
	if key.IsZero() {
		return errs.ErrKeyUnavailable
	}

	e.mu.Lock()
	var req *model.DeviceRequestPayload
	if e.pending != nil && e.pending.Id == deviceID {
		cp := *e.pending
		req = &cp
	}
	e.mu.Unlock()
	if req == nil {
		return errs.ErrNoPendingRequest
	}

	if _, err := e.registry.Approve(ctx, *req, key); err != nil {
		return err
	}
	// the request may have been replaced while approving
	if _, err := e.takePending(deviceID); err == nil && e.handlers.OnDeviceRequest != nil {
		e.handlers.OnDeviceRequest(nil)
	}
	return nil
}

// RejectDevice drops the pending request. Nothing is sent: the requester
// keeps waiting until its join timeout.
func (e *Engine) RejectDevice(deviceID string) error {
	if _, err := e.takePending(deviceID); err != nil {
		return err
	}
	e.logger.Info("device request rejected", zap.String("device", deviceID))
	if e.handlers.OnDeviceRequest != nil {
		e.handlers.OnDeviceRequest(nil)
	}
	return nil
}
