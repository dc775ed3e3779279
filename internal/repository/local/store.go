// Package local is the device side store: the signed in user, the device
// id, per stream sync status and the decrypted event cache.
package local

import (
	"context"
	"e2e_paste/internal/cryptographic/keys"
	"e2e_paste/internal/errs"
	"e2e_paste/internal/model"
	redisSvc "e2e_paste/internal/service/redis"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

type Store interface {
	GetCurrentUser(ctx context.Context) (*model.User, error)
	PutCurrentUser(ctx context.Context, user model.User) error
	DeleteCurrentUser(ctx context.Context) error

	GetSessionToken(ctx context.Context) (string, error)
	PutSessionToken(ctx context.Context, token string) error
	DeleteSessionToken(ctx context.Context) error

	GetDeviceID(ctx context.Context) (string, error)
	PutDeviceID(ctx context.Context, id string) error
	DeleteDeviceID(ctx context.Context) error

	GetStreamStatus(ctx context.Context, streamID string) (*model.StreamStatus, error)
	PutStreamStatus(ctx context.Context, status *model.StreamStatus) error
	DeleteStreamStatus(ctx context.Context, streamID string) error

	PutStreamEvents(ctx context.Context, streamID string, events []model.StreamEvent, lastID string) (string, error)
	GetAllStreamEvents(ctx context.Context, streamID string) ([]model.StreamEvent, error)
	DeleteStreamEvents(ctx context.Context, streamID string, ids ...string) error
	DeleteAllStreamEvents(ctx context.Context, streamID string) error
	DeleteOlderStreamEvents(ctx context.Context, before int64) (int, error)
}

// RedisStore keeps every record under prefix:
//
//	kv:current_user, kv:device_id, kv:session_token
//	status:{stream}     StreamStatus json
//	events:{stream}     hash event id -> StreamEvent json
//	order:{stream}      zset event id scored by insertion sequence
//	ts                  zset "{stream}\x00{id}" scored by event timestamp
type RedisStore struct {
	svc    *redisSvc.RedisService
	prefix string
}

var _ Store = (*RedisStore)(nil)

const (
	keyCurrentUser  = "kv:current_user"
	keyDeviceID     = "kv:device_id"
	keySessionToken = "kv:session_token"
	keyTimestamps   = "ts"

	memberSep = "\x00"

	// optimistic transactions give up after this many lost races
	txAttempts = 5
)

func NewRedisStore(svc *redisSvc.RedisService, prefix string) *RedisStore {
	return &RedisStore{svc: svc, prefix: prefix}
}

func (s *RedisStore) key(parts ...string) string {
	return s.prefix + strings.Join(parts, "")
}

func (s *RedisStore) statusKey(streamID string) string { return s.key("status:", streamID) }
func (s *RedisStore) eventsKey(streamID string) string { return s.key("events:", streamID) }
func (s *RedisStore) orderKey(streamID string) string  { return s.key("order:", streamID) }

func (s *RedisStore) getString(ctx context.Context, key string) (string, error) {
	v, err := s.svc.Get(ctx, key)
	if errors.Is(err, redisSvc.Nil) {
		return "", nil
	}
	return v, err
}

func (s *RedisStore) GetCurrentUser(ctx context.Context) (*model.User, error) {
	v, err := s.getString(ctx, s.key(keyCurrentUser))
	if err != nil || v == "" {
		return nil, err
	}
	var user model.User
	if err := json.Unmarshal([]byte(v), &user); err != nil {
		return nil, fmt.Errorf("decode current user: %w", err)
	}
	return &user, nil
}

func (s *RedisStore) PutCurrentUser(ctx context.Context, user model.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return s.svc.Set(ctx, s.key(keyCurrentUser), data, 0)
}

func (s *RedisStore) DeleteCurrentUser(ctx context.Context) error {
	return s.svc.Del(ctx, s.key(keyCurrentUser))
}

func (s *RedisStore) GetSessionToken(ctx context.Context) (string, error) {
	return s.getString(ctx, s.key(keySessionToken))
}

func (s *RedisStore) PutSessionToken(ctx context.Context, token string) error {
	return s.svc.Set(ctx, s.key(keySessionToken), token, 0)
}

func (s *RedisStore) DeleteSessionToken(ctx context.Context) error {
	return s.svc.Del(ctx, s.key(keySessionToken))
}

// GetDeviceID returns "" when this install has no id yet.
func (s *RedisStore) GetDeviceID(ctx context.Context) (string, error) {
	return s.getString(ctx, s.key(keyDeviceID))
}

func (s *RedisStore) PutDeviceID(ctx context.Context, id string) error {
	return s.svc.Set(ctx, s.key(keyDeviceID), id, 0)
}

func (s *RedisStore) DeleteDeviceID(ctx context.Context) error {
	return s.svc.Del(ctx, s.key(keyDeviceID))
}

type storedStatus struct {
	StreamId      string
	EncryptionKey string
	LastId        string
}

func encodeStatus(status *model.StreamStatus) ([]byte, error) {
	key, err := status.EncryptionKey.Export()
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedStatus{
		StreamId:      status.StreamId,
		EncryptionKey: key,
		LastId:        status.LastId,
	})
}

func decodeStatus(data string) (*model.StreamStatus, error) {
	var stored storedStatus
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrCorruptStatus, err)
	}
	key, err := keys.ImportSharedKey(stored.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrCorruptStatus, err)
	}
	return &model.StreamStatus{
		StreamId:      stored.StreamId,
		EncryptionKey: key,
		LastId:        stored.LastId,
	}, nil
}

// GetStreamStatus returns nil, nil when the stream has no status.
func (s *RedisStore) GetStreamStatus(ctx context.Context, streamID string) (*model.StreamStatus, error) {
	v, err := s.getString(ctx, s.statusKey(streamID))
	if err != nil || v == "" {
		return nil, err
	}
	return decodeStatus(v)
}

func (s *RedisStore) PutStreamStatus(ctx context.Context, status *model.StreamStatus) error {
	if status.EncryptionKey.IsZero() {
		return fmt.Errorf("put stream status %s: %w", status.StreamId, errs.ErrInvalidKey)
	}
	data, err := encodeStatus(status)
	if err != nil {
		return err
	}
	return s.svc.Set(ctx, s.statusKey(status.StreamId), data, 0)
}

func (s *RedisStore) DeleteStreamStatus(ctx context.Context, streamID string) error {
	return s.svc.Del(ctx, s.statusKey(streamID))
}

// PutStreamEvents writes events and moves the stream cursor to lastID in
// a single transaction, and returns the resulting cursor. An empty lastID
// means the id of the last event; with no events either nothing is
// written. Events already cached are replaced and move to the newest
// position. The stream status must exist.
func (s *RedisStore) PutStreamEvents(ctx context.Context, streamID string, events []model.StreamEvent, lastID string) (string, error) {
	statusKey := s.statusKey(streamID)
	orderKey := s.orderKey(streamID)
	if lastID == "" {
		lastID = model.LastID(events)
	}
	var cursor string

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, statusKey).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("put stream events %s: %w", streamID, errs.ErrStreamStatusNotFound)
		}
		if err != nil {
			return err
		}
		status, err := decodeStatus(raw)
		if err != nil {
			return err
		}
		if lastID == "" {
			cursor = status.LastId
			return nil
		}

		seq, err := nextSequence(ctx, tx, orderKey)
		if err != nil {
			return err
		}

		eventValues := make([]any, 0, 2*len(events))
		order := make([]redis.Z, 0, len(events))
		stamps := make([]redis.Z, 0, len(events))
		for i, e := range events {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			eventValues = append(eventValues, e.Id, data)
			order = append(order, redis.Z{Score: float64(seq + int64(i)), Member: e.Id})
			stamps = append(stamps, redis.Z{Score: float64(e.Timestamp), Member: streamID + memberSep + e.Id})
		}

		status.LastId = lastID
		statusData, err := encodeStatus(status)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(events) > 0 {
				pipe.HSet(ctx, s.eventsKey(streamID), eventValues...)
				pipe.ZAdd(ctx, orderKey, order...)
				pipe.ZAdd(ctx, s.key(keyTimestamps), stamps...)
			}
			pipe.Set(ctx, statusKey, statusData, 0)
			return nil
		})
		if err != nil {
			return err
		}
		cursor = lastID
		return nil
	}

	if err := s.watch(ctx, txf, statusKey, orderKey); err != nil {
		return "", err
	}
	return cursor, nil
}

func nextSequence(ctx context.Context, tx *redis.Tx, orderKey string) (int64, error) {
	top, err := tx.ZRevRangeWithScores(ctx, orderKey, 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(top) == 0 {
		return 1, nil
	}
	return int64(top[0].Score) + 1, nil
}

func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < txAttempts; i++ {
		err = s.svc.Watch(ctx, fn, keys...)
		if !errors.Is(err, redisSvc.ErrTxFailed) {
			return err
		}
	}
	return err
}

// GetAllStreamEvents returns the cached events of a stream, oldest insert
// first.
func (s *RedisStore) GetAllStreamEvents(ctx context.Context, streamID string) ([]model.StreamEvent, error) {
	ids, err := s.svc.ZRange(ctx, s.orderKey(streamID))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := s.svc.HMGet(ctx, s.eventsKey(streamID), ids...)
	if err != nil {
		return nil, err
	}

	res := make([]model.StreamEvent, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// index entry without a record, left behind by an older sweep
			continue
		}
		var e model.StreamEvent
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, fmt.Errorf("decode cached event %s: %w", ids[i], err)
		}
		res = append(res, e)
	}
	return res, nil
}

func (s *RedisStore) DeleteStreamEvents(ctx context.Context, streamID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	stamps := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
		stamps[i] = streamID + memberSep + id
	}

	return s.svc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.eventsKey(streamID), ids...)
		pipe.ZRem(ctx, s.orderKey(streamID), members...)
		pipe.ZRem(ctx, s.key(keyTimestamps), stamps...)
		return nil
	})
}

func (s *RedisStore) DeleteAllStreamEvents(ctx context.Context, streamID string) error {
	orderKey := s.orderKey(streamID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		ids, err := tx.ZRange(ctx, orderKey, 0, -1).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.eventsKey(streamID), orderKey)
			if len(ids) > 0 {
				stamps := make([]any, len(ids))
				for i, id := range ids {
					stamps[i] = streamID + memberSep + id
				}
				pipe.ZRem(ctx, s.key(keyTimestamps), stamps...)
			}
			return nil
		})
		return err
	}, orderKey)
}

// DeleteOlderStreamEvents removes cached events of every stream whose
// timestamp is at or before before, and reports how many went.
func (s *RedisStore) DeleteOlderStreamEvents(ctx context.Context, before int64) (int, error) {
	members, err := s.svc.ZRangeByScore(ctx, s.key(keyTimestamps), "-inf", strconv.FormatInt(before, 10))
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	byStream := make(map[string][]string)
	for _, m := range members {
		streamID, id, ok := strings.Cut(m, memberSep)
		if !ok {
			continue
		}
		byStream[streamID] = append(byStream[streamID], id)
	}

	deleted := 0
	for streamID, ids := range byStream {
		if err := s.DeleteStreamEvents(ctx, streamID, ids...); err != nil {
			return deleted, err
		}
		deleted += len(ids)
	}
	return deleted, nil
}
