package gateway

import (
	"context"
	"e2e_paste/internal/model"
	"e2e_paste/internal/utils/log"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SocketReader reads stream batches from the push endpoint. It has the same
// contract as Client.ReadStreamEvents: every call returns the next events
// strictly after lastID. The connection is reopened whenever the caller's
// cursor differs from the position of the open socket.
type SocketReader struct {
	client *Client
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	cursor string
}

func NewSocketReader(client *Client) *SocketReader {
	return &SocketReader{
		client: client,
		dialer: websocket.DefaultDialer,
	}
}

func (r *SocketReader) socketURL(lastID string) string {
	u := *r.client.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/api/event/ws"
	u.RawQuery = url.Values{"lastId": {lastID}}.Encode()
	return u.String()
}

func (r *SocketReader) dial(ctx context.Context, lastID string) error {
	header := http.Header{}
	if token := r.client.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := r.dialer.DialContext(ctx, r.socketURL(lastID), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		return err
	}
	log.Debug("push connection opened", zap.String("lastId", lastID))
	r.conn = conn
	r.cursor = lastID
	return nil
}

func (r *SocketReader) ReadStreamEvents(ctx context.Context, lastID string) ([]model.StreamEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil && r.cursor != lastID {
		r.closeLocked()
	}
	if r.conn == nil {
		if err := r.dial(ctx, lastID); err != nil {
			return nil, err
		}
	}

	conn := r.conn
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	var events []model.StreamEvent
	err := conn.ReadJSON(&events)
	if !stop() {
		r.conn = nil
		return nil, ctx.Err()
	}
	if err != nil {
		r.closeLocked()
		return nil, err
	}
	if len(events) > 0 {
		r.cursor = model.LastID(events)
	}
	return events, nil
}

func (r *SocketReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.closeLocked()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (r *SocketReader) closeLocked() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}
