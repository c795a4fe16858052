package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/counter-sync/pkg/store"
)

var (
	_ Service       = (*Client)(nil)
	_ RecordService = (*Client)(nil)
)

// Client talks to a Server. Transport failures are reported as store.ErrStorageUnavailable
// since, from a session's point of view, the store could not be reached.
type Client struct {
	baseUrl *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
}

type ClientOption func(c *Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func NewClient(baseUrl string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseUrl: u,
		http:    &http.Client{Timeout: 10 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) FetchCurrent(ctx context.Context, name string) (int64, error) {
	var out counterResponse
	if err := c.do(ctx, http.MethodGet, c.baseUrl.JoinPath("counters", name).String(), nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// ApplyDelta sends a fresh idempotency key so a retried request is not applied twice.
func (c *Client) ApplyDelta(ctx context.Context, name string, delta int64) (int64, error) {
	var out counterResponse
	headers := http.Header{}
	headers.Set(IdempotencyHeader, uuid.New().String())
	if err := c.do(ctx, http.MethodPost, c.baseUrl.JoinPath("counters", name, "adjust").String(), headers, adjustRequest{Delta: &delta}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// CreateRecord rejects invalid names without contacting the server.
func (c *Client) CreateRecord(ctx context.Context, name string) (store.Record, error) {
	name, err := store.ValidateRecordName(name)
	if err != nil {
		return store.Record{}, err
	}
	var out store.Record
	if err := c.do(ctx, http.MethodPost, c.baseUrl.JoinPath("records").String(), nil, recordRequest{Name: name}, &out); err != nil {
		return store.Record{}, err
	}
	return out, nil
}

func (c *Client) GetRecord(ctx context.Context, id int64) (store.Record, error) {
	var out store.Record
	if err := c.do(ctx, http.MethodGet, c.baseUrl.JoinPath("records", strconv.FormatInt(id, 10)).String(), nil, nil, &out); err != nil {
		return store.Record{}, err
	}
	return out, nil
}

func (c *Client) ListRecords(ctx context.Context) ([]store.Record, error) {
	out := make([]store.Record, 0)
	if err := c.do(ctx, http.MethodGet, c.baseUrl.JoinPath("records").String(), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch calls fn with the current value and then after every adjustment handled by the
// server, until ctx is cancelled or the connection drops.
func (c *Client) Watch(ctx context.Context, name string, fn func(Update)) error {
	u := c.baseUrl.JoinPath("counters", name, "watch")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeError(resp)
		}
		return fmt.Errorf("failed to dial: %w: %w", store.ErrStorageUnavailable, err)
	}
	defer conn.Close()
	return readUpdates(ctx, conn, fn)
}

func (c *Client) do(ctx context.Context, method, target string, headers http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w: %w", method, target, store.ErrStorageUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &store.ValidationError{Field: body.Field, Reason: body.Error}
	case http.StatusNotFound:
		if body.Code == codeUnknownRecord {
			return fmt.Errorf("%w: %s", store.ErrUnknownRecord, body.Error)
		}
		return fmt.Errorf("%w: %s", store.ErrUnknownCounter, body.Error)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", store.ErrStorageUnavailable, body.Error)
	default:
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, body.Error)
	}
}
