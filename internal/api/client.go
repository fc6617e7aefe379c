package api

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

	"github.com/mattjoyce/radar/internal/queue"
	"github.com/mattjoyce/radar/internal/state"
)

// Client talks to a remote Server and satisfies the same store boundary as
// the local backends.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

func (c *Client) Submit(ctx context.Context, jobs []queue.Job) error {
	var resp SubmitResponse
	if _, err := c.do(ctx, http.MethodPost, "/jobs", SubmitRequest{Jobs: jobs}, &resp); err != nil {
		return err
	}
	for i := range jobs {
		if i < len(resp.JobIDs) {
			jobs[i].ID = resp.JobIDs[i]
		}
	}
	return nil
}

func (c *Client) Pull(ctx context.Context) (*queue.Job, error) {
	var resp PullResponse
	status, err := c.do(ctx, http.MethodPost, "/jobs/pull", nil, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return resp.Job, nil
}

func (c *Client) Depth(ctx context.Context) (int, error) {
	var resp HealthzResponse
	if _, err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return 0, err
	}
	return resp.QueueDepth, nil
}

func (c *Client) PutShare(ctx context.Context, rec queue.ShareRecord) error {
	_, err := c.do(ctx, http.MethodPost, "/shares", rec, nil)
	return err
}

func (c *Client) PopShare(ctx context.Context, filter queue.ShareFilter) ([]queue.ShareRecord, error) {
	var resp PopShareResponse
	if _, err := c.do(ctx, http.MethodPost, "/shares/pop", filter, &resp); err != nil {
		return nil, err
	}
	return resp.Shares, nil
}

func (c *Client) Persist(ctx context.Context, collection string, docs []state.Document) error {
	_, err := c.do(ctx, http.MethodPost, "/records/"+url.PathEscape(collection), PersistRequest{Documents: docs}, nil)
	return err
}

func (c *Client) Fetch(ctx context.Context, collection string, filter state.Filter) ([]state.Document, error) {
	path := "/records/" + url.PathEscape(collection)
	if filter.Field != "" {
		q := url.Values{}
		for _, v := range filter.In {
			q.Add(filter.Field, v)
		}
		path += "?" + q.Encode()
	}
	var resp FetchResponse
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// Ping checks the server answers /healthz.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Depth(ctx)
	return err
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Message: e.Error}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
