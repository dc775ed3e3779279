package server

import (
	"context"
	"e2e_paste/internal/config"
	"e2e_paste/internal/errs"
	"e2e_paste/internal/model"
	redisSvc "e2e_paste/internal/service/redis"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamRepo stores each account's events in a redis stream and its device
// roster in a hash.
type StreamRepo struct {
	redisService *redisSvc.RedisService
	cfg          config.StreamConfig
	now          func() time.Time
}

const jsonField = "Json"

func NewStreamRepo(redisService *redisSvc.RedisService, cfg config.StreamConfig) *StreamRepo {
	return &StreamRepo{
		redisService: redisService,
		cfg:          cfg,
		now:          time.Now,
	}
}

func eventsKey(stream string) string {
	return "mypaste:event:" + stream
}

func devicesKey(stream string) string {
	return "mypaste:device:" + stream
}

// Append validates the event and appends it. DeviceAdded and FirstDevice
// also update the roster in the same transaction. A FirstDevice on a stream
// that already has devices fails with errs.ErrDeviceExists.
func (s *StreamRepo) Append(ctx context.Context, stream string, in model.NewStreamEvent) (model.StreamEvent, error) {
	event := model.StreamEvent{
		Timestamp:   s.now().Unix(),
		Kind:        in.Kind,
		Payload:     in.Payload,
		IsSensitive: in.IsSensitive,
	}

	decoded, err := model.Decode(event)
	if err != nil {
		return model.StreamEvent{}, err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return model.StreamEvent{}, err
	}
	values := map[string]any{jsonField: string(data)}

	var id string
	switch v := decoded.(type) {
	case model.DeviceAdded:
		id, err = s.appendWithDevice(ctx, stream, v.Added.Device(), values, false)
	case model.FirstDevice:
		id, err = s.appendWithDevice(ctx, stream, v.Device, values, true)
	default:
		id, err = s.redisService.XAdd(ctx, eventsKey(stream), s.cfg.MaxLen, values)
	}
	if err != nil {
		return model.StreamEvent{}, err
	}
	event.Id = id
	return event, nil
}

// appendWithDevice adds device to the roster and appends the event in one
// MULTI/EXEC. With first set the roster must be empty.
func (s *StreamRepo) appendWithDevice(ctx context.Context, stream string, device model.Device, values map[string]any, first bool) (string, error) {
	key := devicesKey(stream)
	var add *redis.StringCmd
	queue := func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, device.Id, device.Description)
		add = pipe.XAdd(ctx, redisSvc.XAddArgs(eventsKey(stream), s.cfg.MaxLen, values))
		return nil
	}

	if !first {
		if err := s.redisService.TxPipelined(ctx, queue); err != nil {
			return "", err
		}
		return add.Val(), nil
	}

	err := s.redisService.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.HLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("stream %s: %w", stream, errs.ErrDeviceExists)
		}
		_, err = tx.TxPipelined(ctx, queue)
		return err
	}, key)
	if err != nil {
		return "", err
	}
	return add.Val(), nil
}

// Read returns events after lastID in append order, waiting up to the
// configured block time for new ones.
func (s *StreamRepo) Read(ctx context.Context, stream, lastID string) ([]model.StreamEvent, error) {
	if lastID == "" {
		lastID = "0"
	}
	messages, err := s.redisService.XRead(ctx, eventsKey(stream), lastID, s.cfg.ReadCount, s.cfg.ReadBlock)
	if err != nil {
		return nil, err
	}

	events := make([]model.StreamEvent, 0, len(messages))
	for _, m := range messages {
		var event model.StreamEvent
		raw, _ := m.Values[jsonField].(string)
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("decode stream entry %s: %w", m.ID, err)
		}
		event.Id = m.ID
		events = append(events, event)
	}
	return events, nil
}

func (s *StreamRepo) Delete(ctx context.Context, stream string, ids ...string) (int64, error) {
	return s.redisService.XDel(ctx, eventsKey(stream), ids...)
}

// Reset drops the stream. The roster is kept.
func (s *StreamRepo) Reset(ctx context.Context, stream string) error {
	return s.redisService.Del(ctx, eventsKey(stream))
}

func (s *StreamRepo) Devices(ctx context.Context, stream string) ([]model.Device, error) {
	res, err := s.redisService.HGetAll(ctx, devicesKey(stream))
	if err != nil && !errors.Is(err, redisSvc.Nil) {
		return nil, err
	}

	devices := make([]model.Device, 0, len(res))
	for id, description := range res {
		devices = append(devices, model.Device{Id: id, Description: description})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Id < devices[j].Id })
	return devices, nil
}
