// Package backend talks to the gait analysis backend over HTTP.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"codeberg.org/mutker/gaitmon/internal/errors"
	"codeberg.org/mutker/gaitmon/internal/sample"
)

const (
	pathStart    = "/api/start_collection"
	pathStop     = "/api/stop_collection"
	pathRealtime = "/real-time-data"
	pathExport   = "/api/export_data"
	pathHistory  = "/api/history"

	DefaultTimeout = 5 * time.Second
	DefaultSource  = "simulation"

	maxBodySize  = 1 << 20
	maxErrorBody = 256
)

// Config holds the connection settings for a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Source is sent with the start command; the backend uses it to pick
	// simulated or live sensor input.
	Source string
}

func (c Config) Validate() error {
	errFactory := errors.New()

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return errFactory.Wrap(ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errFactory.WithData(ErrInvalidConfig, "base url must be http or https: "+c.BaseURL)
	}
	if u.Host == "" {
		return errFactory.WithData(ErrInvalidConfig, "base url has no host: "+c.BaseURL)
	}
	if c.Timeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, "negative timeout")
	}

	return nil
}

// Client issues backend requests. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	source string
	http   *http.Client
	now    func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithClock replaces the receive-time clock used for samples without a
// timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a Client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base, _ := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	source := cfg.Source
	if source == "" {
		source = DefaultSource
	}

	c := &Client{
		base:   base,
		source: source,
		http:   &http.Client{Timeout: timeout},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// StartCollection asks the backend to begin a collection session.
func (c *Client) StartCollection(ctx context.Context) (Ack, error) {
	body := struct {
		Source string `json:"source"`
	}{Source: c.source}

	return c.command(ctx, pathStart, body)
}

// StopCollection asks the backend to end the current session.
func (c *Client) StopCollection(ctx context.Context) (Ack, error) {
	return c.command(ctx, pathStop, struct{}{})
}

func (c *Client) command(ctx context.Context, path string, body any) (Ack, error) {
	var ack Ack
	if err := c.do(ctx, http.MethodPost, path, nil, body, &ack); err != nil {
		return Ack{}, err
	}

	if ack.Status == statusError {
		return ack, errors.New().WithData(ErrRejected, ack.Message)
	}

	return ack, nil
}

// FetchSample reads one sample from the real-time endpoint.
func (c *Client) FetchSample(ctx context.Context) (sample.Sample, error) {
	raw, err := c.raw(ctx, http.MethodGet, pathRealtime, nil, nil)
	if err != nil {
		return sample.Sample{}, err
	}

	// The backend reports handler failures as 200 {"status":"error"}.
	var status struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &status) == nil && status.Status == statusError {
		return sample.Sample{}, errors.New().WithData(ErrRejected, status.Message)
	}

	return sample.Decode(raw, c.now())
}

// Export requests a backend-rendered artifact and returns its absolute URL.
func (c *Client) Export(ctx context.Context, req ExportRequest) (string, error) {
	errFactory := errors.New()

	req, err := req.Normalize()
	if err != nil {
		return "", err
	}

	var res ExportResult
	if err := c.do(ctx, http.MethodPost, pathExport, nil, req, &res); err != nil {
		return "", err
	}

	if res.Status != statusSuccess {
		msg := res.Message
		if msg == "" {
			msg = "status " + res.Status
		}
		return "", errFactory.WithData(ErrRejected, msg)
	}
	if res.FileURL == "" {
		return "", errFactory.WithData(ErrDecodeFailed, "missing file_url")
	}

	ref, err := url.Parse(res.FileURL)
	if err != nil {
		return "", errFactory.Wrap(ErrDecodeFailed, err)
	}

	return c.base.ResolveReference(ref).String(), nil
}

// History queries aggregate records between two dates (inclusive). Empty
// bounds are left to the backend's defaults.
func (c *Client) History(ctx context.Context, startDate, endDate string) (HistoryReport, error) {
	start, err := normalizeDate(startDate)
	if err != nil {
		return HistoryReport{}, err
	}
	end, err := normalizeDate(endDate)
	if err != nil {
		return HistoryReport{}, err
	}

	q := url.Values{}
	if start != "" {
		q.Set("start_date", start)
	}
	if end != "" {
		q.Set("end_date", end)
	}

	raw, err := c.raw(ctx, http.MethodGet, pathHistory, q, nil)
	if err != nil {
		return HistoryReport{}, err
	}

	var status Ack
	if json.Unmarshal(raw, &status) == nil && status.Status == statusError {
		return HistoryReport{}, errors.New().WithData(ErrRejected, status.Message)
	}

	var report HistoryReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return HistoryReport{}, errors.New().Wrap(ErrDecodeFailed, err)
	}

	return report, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	raw, err := c.raw(ctx, method, path, query, in)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errors.New().Wrap(ErrDecodeFailed, err)
	}

	return nil
}

func (c *Client) raw(ctx context.Context, method, path string, query url.Values, in any) ([]byte, error) {
	errFactory := errors.New()

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, errFactory.Wrap(ErrInvalidRequest, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errFactory.Wrap(ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, errFactory.Wrap(ErrRequestFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errFactory.Wrap(ErrBadStatus, &StatusError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   truncate(strings.TrimSpace(string(raw)), maxErrorBody),
		})
	}

	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
