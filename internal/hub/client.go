package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/hubbridge/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrBaseURLRequired = errors.New("hub: base url required")
	ErrTokenRequired   = errors.New("hub: access token required")
	ErrInvalidBaseURL  = errors.New("hub: invalid base url")
	ErrSnapshotFailed  = errors.New("hub: entity snapshot failed")
)

const (
	pathHealth   = "/api"
	pathStates   = "/api/states"
	pathServices = "/api/services"

	maxResponseBytes = 32 << 20
)

type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Client issues REST calls against the hub. Calls block; callers that need
// a deadline pass one through ctx.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, ErrTokenRequired
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: base, token: token, http: httpClient}, nil
}

// BaseURL returns the normalized hub root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// HealthCheck reports whether the hub is reachable and accepts the token.
func (c *Client) HealthCheck(ctx context.Context) bool {
	start := time.Now()
	resp, err := c.do(ctx, http.MethodGet, pathHealth, nil)
	if err != nil {
		observability.RecordHubRequest("health", 0, time.Since(start), false)
		log.Warn().Err(err).Str("base", c.BaseURL()).Msg("hub.Client.HealthCheck unreachable")
		return false
	}
	defer drain(resp)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	observability.RecordHubRequest("health", resp.StatusCode, time.Since(start), ok)
	if !ok {
		log.Warn().Int("status", resp.StatusCode).Str("base", c.BaseURL()).Msg("hub.Client.HealthCheck rejected")
	}
	return ok
}

// ListEntities fetches the full entity snapshot. Any failure is logged and
// returned wrapped in ErrSnapshotFailed; there is no retry.
func (c *Client) ListEntities(ctx context.Context) ([]Entity, error) {
	start := time.Now()
	resp, err := c.do(ctx, http.MethodGet, pathStates, nil)
	if err != nil {
		observability.RecordHubRequest("list_entities", 0, time.Since(start), false)
		return nil, c.snapshotFailure(err)
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.RecordHubRequest("list_entities", resp.StatusCode, time.Since(start), false)
		return nil, c.snapshotFailure(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	entities, err := decodeEntities(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		observability.RecordHubRequest("list_entities", resp.StatusCode, time.Since(start), false)
		return nil, c.snapshotFailure(err)
	}
	observability.RecordHubRequest("list_entities", resp.StatusCode, time.Since(start), true)
	log.Debug().Int("entities", len(entities)).Msg("hub.Client.ListEntities fetched")
	return entities, nil
}

// InvokeService posts one service call. Delivery failures are logged only.
func (c *Client) InvokeService(ctx context.Context, cmd Command) {
	start := time.Now()
	path := fmt.Sprintf("%s/%s/%s", pathServices, url.PathEscape(cmd.Domain), url.PathEscape(cmd.Service))
	logger := log.With().
		Str("domain", cmd.Domain).
		Str("service", cmd.Service).
		Str("entity_id", cmd.EntityID).
		Logger()

	payload, err := json.Marshal(cmd.body())
	if err != nil {
		logger.Warn().Err(err).Msg("hub.Client.InvokeService encode failed")
		return
	}
	resp, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		observability.RecordHubRequest("invoke_service", 0, time.Since(start), false)
		logger.Warn().Err(err).Msg("hub.Client.InvokeService failed")
		return
	}
	defer drain(resp)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	observability.RecordHubRequest("invoke_service", resp.StatusCode, time.Since(start), ok)
	if !ok {
		logger.Warn().Int("status", resp.StatusCode).Msg("hub.Client.InvokeService rejected")
		return
	}
	logger.Debug().Msg("hub.Client.InvokeService delivered")
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	target := c.base.JoinPath(path)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("unable to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *Client) snapshotFailure(err error) error {
	wrapped := fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	log.Warn().Err(err).Str("base", c.BaseURL()).Msg("hub.Client.ListEntities failed")
	return wrapped
}

func decodeEntities(r io.Reader) ([]Entity, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var out []Entity
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode states: %w", err)
	}
	return out, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
}

// normalizeBaseURL accepts the hub root with or without a trailing /api.
func normalizeBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrBaseURLRequired
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidBaseURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidBaseURL)
	}
	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), "/api")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// WebsocketURL derives the event-stream endpoint from a hub base URL.
func WebsocketURL(baseURL string) (string, error) {
	u, err := normalizeBaseURL(baseURL)
	if err != nil {
		return "", err
	}
	ws := *u
	if ws.Scheme == "https" {
		ws.Scheme = "wss"
	} else {
		ws.Scheme = "ws"
	}
	return ws.JoinPath("/api/websocket").String(), nil
}
