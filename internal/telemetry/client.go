// Package telemetry reports system-alert interactions over HTTP. These
// calls ride outside the duplex channel because they may fire while the
// channel is down, notably from a platform notification handler.
package telemetry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"k9notify/contracts/ws"
	"k9notify/internal/model"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL, token string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

// ReportClicked notes that the user activated a system alert. Failures
// are logged, never returned: telemetry must not affect anything.
func (c *Client) ReportClicked(ctx context.Context, notificationID, action string) {
	body := map[string]string{"action": action}
	path := fmt.Sprintf("/api/notifications/%s/clicked", notificationID)
	if err := c.post(ctx, path, body, nil); err != nil {
		c.logger.Warn("clicked telemetry failed",
			zap.String("notification_id", notificationID),
			zap.Error(err),
		)
	}
}

// ReportDismissed notes that the user closed a system alert without
// acting on it. Dismissal never changes the read status.
func (c *Client) ReportDismissed(ctx context.Context, notificationID string) {
	path := fmt.Sprintf("/api/notifications/%s/dismissed", notificationID)
	if err := c.post(ctx, path, map[string]string{}, nil); err != nil {
		c.logger.Warn("dismissed telemetry failed",
			zap.String("notification_id", notificationID),
			zap.Error(err),
		)
	}
}

// FetchSettings loads the saved delivery preferences.
func (c *Client) FetchSettings(ctx context.Context) (model.ClientSettings, error) {
	var payload ws.SettingsPayload
	if err := c.get(ctx, "/api/notifications/settings", &payload); err != nil {
		return model.ClientSettings{}, err
	}
	return model.SettingsFromWire(payload), nil
}

// FetchServerKey returns the decoded application server key used when
// creating a push subscription.
func (c *Client) FetchServerKey(ctx context.Context) ([]byte, error) {
	var payload struct {
		PublicKey string `json:"public_key"`
	}
	if err := c.get(ctx, "/api/notifications/server-key", &payload); err != nil {
		return nil, err
	}

	key, err := base64.RawURLEncoding.DecodeString(payload.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode server key: %w", err)
	}
	return key, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
