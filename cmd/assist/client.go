package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/assist-relay/internal/models"
	"github.com/tmaxmax/go-sse"
)

var errNoTerminalEvent = errors.New("stream ended without a terminal event")

// client talks to a running relay server.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) client {
	return client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// stream opens a /stream channel for cm and writes every text delta to w as it arrives.
func (c client) stream(ctx context.Context, cm models.ChannelMessage, w io.Writer) error {
	body, err := json.Marshal(cm)
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stream", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return fmt.Errorf("error reading stream: %w", err)
		}
		var se models.StreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
			return fmt.Errorf("invalid stream event: %w", err)
		}
		switch se.Kind {
		case models.EventText:
			if _, err := io.WriteString(w, se.Text); err != nil {
				return err
			}
		case models.EventError:
			return se.Err
		case models.EventDone:
			return nil
		}
	}
	return errNoTerminalEvent
}

func (c client) getJSON(ctx context.Context, path string, v any) error {
	return c.do(ctx, http.MethodGet, path, nil, v)
}

func (c client) postForm(ctx context.Context, path string, form url.Values, v any) error {
	return c.do(ctx, http.MethodPost, path, form, v)
}

func (c client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// export downloads the transcript and returns the file name suggested by the server.
func (c client) export(ctx context.Context, format string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/transcript/export?format="+url.QueryEscape(format), nil)
	if err != nil {
		return "", nil, fmt.Errorf("error creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return "", nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("error reading response: %w", err)
	}

	name := "transcript." + format
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	return name, data, nil
}

func (c client) do(ctx context.Context, method, path string, form url.Values, v any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// checkResponse turns a non-2xx response into an error. A 429 becomes a models.RateLimitError.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &models.RateLimitError{RetryAfter: time.Duration(secs) * time.Second}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &statusError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}

// statusError is a request the relay server refused.
type statusError struct {
	StatusCode int
	Message    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}
