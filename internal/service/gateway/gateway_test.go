package gateway

import (
	"context"
	"e2e_paste/internal/errs"
	"e2e_paste/internal/model"
	"e2e_paste/internal/utils/retry"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStubClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/", srv.Client())
	require.NoError(t, err)
	return c
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://example.com", nil)
	assert.Error(t, err)
	_, err = NewClient("://nope", nil)
	assert.Error(t, err)
}

func TestAuthenticate_Unauthorized(t *testing.T) {
	c := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	})

	_, err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "invalid token", se.Body)
}

func TestAuthenticate_ServerErrorIsNotUnauthorized(t *testing.T) {
	c := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, errs.ErrUnauthorized))
}

func TestLogin_KeepsToken(t *testing.T) {
	c := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			var body loginRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "alice@example.com", body.Email)
			json.NewEncoder(w).Encode(loginResponse{User: model.User{Name: "Alice", Email: body.Email}, Token: "tok"})
		case "/api/auth/authenticate":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(model.User{Name: "Alice", Email: "alice@example.com"})
		case "/api/auth/logout":
			w.WriteHeader(http.StatusOK)
		}
	})

	user, token, err := c.Login(context.Background(), "Alice", "alice@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
	assert.Equal(t, "alice@example.com", user.Email)

	user, err = c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.Name)

	require.NoError(t, c.Logout(context.Background()))
	assert.Empty(t, c.Token())
}

func TestStreamEndpoints(t *testing.T) {
	c := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/event":
			var in model.NewStreamEvent
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			json.NewEncoder(w).Encode(model.StreamEvent{Id: "1-0", Timestamp: 100, Kind: in.Kind, Payload: in.Payload})
		case r.Method == http.MethodGet && r.URL.Path == "/api/event":
			assert.Equal(t, "1-0", r.URL.Query().Get("lastId"))
			json.NewEncoder(w).Encode([]model.StreamEvent{{Id: "2-0", Kind: model.KindPasteText}})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/event":
			assert.Equal(t, []string{"1-0", "2-0"}, r.URL.Query()["id"])
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/api/device":
			json.NewEncoder(w).Encode([]model.Device{{Id: "A", Description: "laptop"}})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL)
		}
	})
	ctx := context.Background()

	created, err := c.AddStreamEvent(ctx, model.NewStreamEvent{Kind: model.KindPasteText, Payload: "c"})
	require.NoError(t, err)
	assert.Equal(t, "1-0", created.Id)
	assert.Equal(t, "c", created.Payload)

	events, err := c.ReadStreamEvents(ctx, "1-0")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "2-0", events[0].Id)

	require.NoError(t, c.DeleteStreamEvents(ctx, "1-0", "2-0"))
	require.NoError(t, c.DeleteStreamEvents(ctx))

	devices, err := c.GetDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Device{{Id: "A", Description: "laptop"}}, devices)
}

func TestReadStreamEvents_HonoursCancellation(t *testing.T) {
	c := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.ReadStreamEvents(ctx, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLongPoll_DelaysAndBacksOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var waits []time.Duration
	cfg := PollConfig{
		Delay:   time.Millisecond,
		Backoff: retry.Backoff{Initial: 2 * time.Millisecond, Max: 8 * time.Millisecond, Multiplier: 2},
		OnError: func(err error, wait time.Duration) { waits = append(waits, wait) },
	}

	err := LongPoll(ctx, cfg, func(ctx context.Context) error {
		n := calls.Add(1)
		switch {
		case n <= 4:
			return errors.New("offline")
		case n == 5:
			return nil
		case n == 6:
			return errors.New("offline again")
		}
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(7), calls.Load())
	assert.Equal(t, []time.Duration{
		2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond, 8 * time.Millisecond,
		// success resets the schedule
		2 * time.Millisecond,
	}, waits)
}

func TestLongPoll_StopsWhenCancelledDuringFetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := LongPoll(ctx, PollConfig{Backoff: retry.Backoff{Initial: time.Hour}}, func(ctx context.Context) error {
		calls++
		cancel()
		return ctx.Err()
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}
