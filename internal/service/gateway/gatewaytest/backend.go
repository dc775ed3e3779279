// Package gatewaytest provides an in-memory relay with the behaviour of
// the real server, for tests of code that talks to the gateway.
package gatewaytest

import (
	"context"
	"e2e_paste/internal/errs"
	"e2e_paste/internal/model"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Backend is one account's stream and device roster. The zero value is not
// usable; call NewBackend.
type Backend struct {
	// Block is how long ReadStreamEvents waits for new events.
	Block time.Duration
	Now   func() time.Time

	mu      sync.Mutex
	seq     int64
	events  []model.StreamEvent
	devices map[string]string
	changed chan struct{}
	fail    map[string][]error
	calls   map[string]int
}

const (
	OpAdd     = "AddStreamEvent"
	OpRead    = "ReadStreamEvents"
	OpDelete  = "DeleteStreamEvents"
	OpDevices = "GetDevices"
)

func NewBackend() *Backend {
	return &Backend{
		Block:   20 * time.Millisecond,
		Now:     time.Now,
		devices: make(map[string]string),
		changed: make(chan struct{}),
		fail:    make(map[string][]error),
		calls:   make(map[string]int),
	}
}

// FailNext makes the next calls of op return errs in order.
func (b *Backend) FailNext(op string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[op] = append(b.fail[op], errs...)
}

func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Events returns a copy of the stream.
func (b *Backend) Events() []model.StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.StreamEvent(nil), b.events...)
}

// EventsOfKind returns the events of one kind, oldest first.
func (b *Backend) EventsOfKind(kind model.Kind) []model.StreamEvent {
	var res []model.StreamEvent
	for _, e := range b.Events() {
		if e.Kind == kind {
			res = append(res, e)
		}
	}
	return res
}

// SetDevices replaces the roster without appending events.
func (b *Backend) SetDevices(devices ...model.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = make(map[string]string, len(devices))
	for _, d := range devices {
		b.devices[d.Id] = d.Description
	}
}

// Inject appends a raw event as if another device had sent it, skipping
// validation. Id is assigned; Timestamp defaults to Now.
func (b *Backend) Inject(e model.StreamEvent) model.StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(e)
}

func (b *Backend) begin(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	if q := b.fail[op]; len(q) > 0 {
		b.fail[op] = q[1:]
		return q[0]
	}
	return nil
}

func (b *Backend) appendLocked(e model.StreamEvent) model.StreamEvent {
	b.seq++
	e.Id = fmt.Sprintf("%d-0", b.seq)
	if e.Timestamp == 0 {
		e.Timestamp = b.Now().Unix()
	}
	b.events = append(b.events, e)
	close(b.changed)
	b.changed = make(chan struct{})
	return e
}

func (b *Backend) AddStreamEvent(ctx context.Context, in model.NewStreamEvent) (model.StreamEvent, error) {
	if err := b.begin(OpAdd); err != nil {
		return model.StreamEvent{}, err
	}
	event := model.StreamEvent{Kind: in.Kind, Payload: in.Payload, IsSensitive: in.IsSensitive}
	decoded, err := model.Decode(event)
	if err != nil {
		return model.StreamEvent{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch v := decoded.(type) {
	case model.FirstDevice:
		if len(b.devices) > 0 {
			return model.StreamEvent{}, errs.ErrDeviceExists
		}
		b.devices[v.Device.Id] = v.Device.Description
	case model.DeviceAdded:
		b.devices[v.Added.Id] = v.Added.Description
	}
	return b.appendLocked(event), nil
}

func seqOf(id string) int64 {
	head, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseInt(head, 10, 64)
	return n
}

func (b *Backend) after(lastID string) ([]model.StreamEvent, chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cursor := seqOf(lastID)
	var res []model.StreamEvent
	for _, e := range b.events {
		if seqOf(e.Id) > cursor {
			res = append(res, e)
		}
	}
	return res, b.changed
}

// ReadStreamEvents waits up to Block for events after lastID.
func (b *Backend) ReadStreamEvents(ctx context.Context, lastID string) ([]model.StreamEvent, error) {
	if err := b.begin(OpRead); err != nil {
		return nil, err
	}
	timer := time.NewTimer(b.Block)
	defer timer.Stop()
	for {
		events, changed := b.after(lastID)
		if len(events) > 0 {
			return events, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return []model.StreamEvent{}, nil
		case <-changed:
		}
	}
}

func (b *Backend) DeleteStreamEvents(ctx context.Context, ids ...string) error {
	if err := b.begin(OpDelete); err != nil {
		return err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.events[:0]
	for _, e := range b.events {
		if !drop[e.Id] {
			kept = append(kept, e)
		}
	}
	b.events = kept
	return nil
}

func (b *Backend) GetDevices(ctx context.Context) ([]model.Device, error) {
	if err := b.begin(OpDevices); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	devices := make([]model.Device, 0, len(b.devices))
	for id, desc := range b.devices {
		devices = append(devices, model.Device{Id: id, Description: desc})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Id < devices[j].Id })
	return devices, nil
}
