package tilesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxPayloadBytes = 8 << 20

// HTTPClient talks to the tile endpoint. Refresh posts the tile list to
// <base>/refresh; Fetch reads the presence snapshot for it from <base>/tiles.
type HTTPClient struct {
	base   *url.URL
	client *http.Client
}

func NewHTTPClient(baseURL string, client *http.Client) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse tile endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tile endpoint %q: scheme must be http or https", baseURL)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{base: u, client: client}, nil
}

type refreshRequest struct {
	Tiles []string `json:"tiles"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

func (c *HTTPClient) Refresh(ctx context.Context, tileIDs []string) error {
	body, err := json.Marshal(refreshRequest{Tiles: tileIDs})
	if err != nil {
		return fmt.Errorf("encode refresh: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath("refresh").String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req, "refresh")
	return err
}

// Fetch returns the raw snapshot payload covering tileIDs.
func (c *HTTPClient) Fetch(ctx context.Context, tileIDs []string) ([]byte, error) {
	u := c.base.JoinPath("tiles")
	q := u.Query()
	q.Set("ids", CacheKey(tileIDs))
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, "fetch tiles")
}

func (c *HTTPClient) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(truncate(b, 256)))}
	}
	return b, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
