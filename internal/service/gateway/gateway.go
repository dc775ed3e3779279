// Package gateway is the client side of the paste relay API.
package gateway

import (
	"bytes"
	"context"
	"e2e_paste/internal/errs"
	"e2e_paste/internal/model"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

type (
	Client struct {
		baseURL *url.URL
		http    *http.Client

		mu    sync.RWMutex
		token string
	}

	// StatusError is a non 2xx answer from the server.
	StatusError struct {
		Code int
		Body string
	}

	loginRequest struct {
		Name     string
		Email    string
		Password string
	}

	loginResponse struct {
		User  model.User
		Token string
	}
)

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Code, e.Body)
}

// Is maps status codes onto the shared sentinels: 401 is
// errs.ErrUnauthorized and 409 is errs.ErrDeviceExists.
func (e *StatusError) Is(target error) bool {
	switch target {
	case errs.ErrUnauthorized:
		return e.Code == http.StatusUnauthorized
	case errs.ErrDeviceExists:
		return e.Code == http.StatusConflict
	}
	return false
}

func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: u, http: httpClient}, nil
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path += path
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends body as json and decodes a 2xx answer into out when it is not
// nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// Login signs in and keeps the returned token for later calls.
func (c *Client) Login(ctx context.Context, name, email, password string) (model.User, string, error) {
	var res loginResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, loginRequest{Name: name, Email: email, Password: password}, &res)
	if err != nil {
		return model.User{}, "", err
	}
	c.SetToken(res.Token)
	return res.User, res.Token, nil
}

// Authenticate returns the session user. A 401 matches errs.ErrUnauthorized.
func (c *Client) Authenticate(ctx context.Context) (model.User, error) {
	var user model.User
	err := c.do(ctx, http.MethodPost, "/api/auth/authenticate", nil, nil, &user)
	return user, err
}

func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil, nil)
	c.SetToken("")
	return err
}

func (c *Client) AddStreamEvent(ctx context.Context, event model.NewStreamEvent) (model.StreamEvent, error) {
	var created model.StreamEvent
	err := c.do(ctx, http.MethodPost, "/api/event", nil, event, &created)
	return created, err
}

// ReadStreamEvents returns events strictly after lastID, oldest first. The
// server holds the request open until events exist or its block time runs
// out.
func (c *Client) ReadStreamEvents(ctx context.Context, lastID string) ([]model.StreamEvent, error) {
	var events []model.StreamEvent
	err := c.do(ctx, http.MethodGet, "/api/event", url.Values{"lastId": {lastID}}, nil, &events)
	return events, err
}

func (c *Client) DeleteStreamEvents(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodDelete, "/api/event", url.Values{"id": ids}, nil, nil)
}

func (c *Client) ResetStream(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/event/reset", nil, nil, nil)
}

func (c *Client) GetDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	err := c.do(ctx, http.MethodGet, "/api/device", nil, nil, &devices)
	return devices, err
}
