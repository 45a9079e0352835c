package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"autopilot/internal/orchestrator"
	"autopilot/internal/resolver"
	"autopilot/internal/session"
)

// Client talks to a running server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client for baseURL ("http://host:port").
func NewClient(baseURL string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: http.DefaultClient}
}

// StatusError is a non-2xx response. It unwraps to the matching session
// sentinel so callers can use errors.Is across the wire.
type StatusError struct {
	Status int
	Code   string
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Msg)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case codeNotFound:
		return session.ErrNotFound
	case codeAlreadyRunning:
		return session.ErrAlreadyRunning
	case codeInvalidTransition:
		return session.ErrInvalidTransition
	case codeInvariant:
		return session.ErrInvariant
	case codeUnavailable:
		return orchestrator.ErrClosed
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var er ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &er); err != nil || er.Error == "" {
		er.Error = strings.TrimSpace(string(data))
	}
	return &StatusError{Status: resp.StatusCode, Code: er.Code, Msg: er.Error}
}

// CreateSession creates a session.
func (c *Client) CreateSession(ctx context.Context, req orchestrator.CreateRequest) (session.Session, error) {
	var s session.Session
	err := c.do(ctx, http.MethodPost, "/sessions", req, &s)
	return s, err
}

// Control sends a lifecycle command.
func (c *Client) Control(ctx context.Context, id string, cmd session.Command) (session.Session, error) {
	var s session.Session
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/control", ControlRequest{Command: string(cmd)}, &s)
	return s, err
}

// GetSession fetches a session.
func (c *Client) GetSession(ctx context.Context, id string) (session.Session, error) {
	var s session.Session
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &s)
	return s, err
}

// ListSessions lists every session.
func (c *Client) ListSessions(ctx context.Context) ([]session.Session, error) {
	var out []session.Session
	err := c.do(ctx, http.MethodGet, "/sessions", nil, &out)
	return out, err
}

// ListProgress returns the logged events after since.
func (c *Client) ListProgress(ctx context.Context, id string, since int64) ([]session.ProgressEvent, error) {
	var out []session.ProgressEvent
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id)+"/progress?since="+strconv.FormatInt(since, 10), nil, &out)
	return out, err
}

// Resolve resolves knowledge for q.
func (c *Client) Resolve(ctx context.Context, q resolver.Query) (*resolver.ResolvedContext, error) {
	v := url.Values{}
	v.Set("q", q.Text)
	if q.Category != "" {
		v.Set("category", q.Category)
	}
	if len(q.Tags) > 0 {
		v.Set("tags", strings.Join(q.Tags, ","))
	}
	if len(q.Tiers) > 0 {
		names := make([]string, len(q.Tiers))
		for i, t := range q.Tiers {
			names[i] = t.String()
		}
		v.Set("tiers", strings.Join(names, ","))
	}
	var rc resolver.ResolvedContext
	if err := c.do(ctx, http.MethodGet, "/knowledge?"+v.Encode(), nil, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

// Watch follows a session's event stream from since, calling fn for each
// event in order, until the stream ends, ctx ends, or fn returns an error.
func (c *Client) Watch(ctx context.Context, id string, since int64, fn func(session.ProgressEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/sessions/"+url.PathEscape(id)+"/events?since="+strconv.FormatInt(since, 10), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev session.ProgressEvent
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}
