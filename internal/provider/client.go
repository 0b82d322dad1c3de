package provider

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

	"github.com/GoPolymarket/apigate/internal/config"
)

// HeaderCorrelationID is forwarded to the upstream provider.
const HeaderCorrelationID = "X-Correlation-ID"

type CreateWidgetRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Widget struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

type PingResponse struct {
	Status       string    `json:"status"`
	TimestampUTC time.Time `json:"timestampUtc"`
}

// Exchange captures the raw wire data of one upstream call so callers can
// audit it without re-serialising.
type Exchange struct {
	Method       string
	Path         string
	StatusCode   int
	RequestBody  string
	ResponseBody string
}

// Success reports a 2xx upstream status.
func (e Exchange) Success() bool {
	return e.StatusCode >= 200 && e.StatusCode < 300
}

// Client talks to the upstream Sample provider.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

func NewClient(cfg config.UpstreamConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base url %q", cfg.BaseURL)
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: timeout,
		},
	}, nil
}

func (c *Client) Ping(ctx context.Context, correlationID string) (*PingResponse, Exchange, error) {
	var out PingResponse
	ex, err := c.do(ctx, http.MethodGet, "/ping", nil, correlationID, &out)
	if err != nil || !ex.Success() {
		return nil, ex, err
	}
	return &out, ex, nil
}

func (c *Client) CreateWidget(ctx context.Context, req CreateWidgetRequest, correlationID string) (*Widget, Exchange, error) {
	var out Widget
	ex, err := c.do(ctx, http.MethodPost, "/widgets", req, correlationID, &out)
	if err != nil || !ex.Success() {
		return nil, ex, err
	}
	return &out, ex, nil
}

func (c *Client) GetWidget(ctx context.Context, widgetID, correlationID string) (*Widget, Exchange, error) {
	var out Widget
	path := "/widgets/" + url.PathEscape(widgetID)
	ex, err := c.do(ctx, http.MethodGet, path, nil, correlationID, &out)
	if err != nil || !ex.Success() {
		return nil, ex, err
	}
	return &out, ex, nil
}

// do returns a non-nil error only for transport or decode failures; an
// upstream 4xx/5xx is reported through Exchange.StatusCode.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, correlationID string, out interface{}) (Exchange, error) {
	ex := Exchange{Method: method, Path: c.baseURL.Path + path}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return ex, err
		}
		ex.RequestBody = string(payload)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return ex, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if correlationID != "" {
		req.Header.Set(HeaderCorrelationID, correlationID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ex, err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return ex, err
	}
	ex.StatusCode = resp.StatusCode
	ex.ResponseBody = string(respBytes)

	if ex.Success() && out != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return ex, fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return ex, nil
}
