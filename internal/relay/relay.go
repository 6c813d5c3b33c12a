// Package relay proxies a streaming generation response to a client over a Channel. For each request
// it drives the Gemini event-stream decoder, strips directives from the text, executes them, and
// forwards text deltas followed by exactly one terminal event.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/assist-relay/internal/directive"
	"github.com/MegaGrindStone/assist-relay/internal/gemini"
	"github.com/MegaGrindStone/assist-relay/internal/models"
)

// Streamer starts a generation request and returns the raw event-stream body.
type Streamer interface {
	Stream(ctx context.Context, req models.StreamRequest, apiKey string) (io.ReadCloser, error)
}

// Opener executes open-tab directives against whatever manages the client's windows.
type Opener interface {
	OpenTab(ctx context.Context, url string) error
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, url string) error

// OpenTab calls f.
func (f OpenerFunc) OpenTab(ctx context.Context, url string) error {
	return f(ctx, url)
}

// State is the phase of a single request cycle.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultTimeout bounds a whole request cycle when Config.Timeout is zero.
const DefaultTimeout = 2 * time.Minute

const errLoggerKey = "err"

// Config holds the relay's credential and limits.
type Config struct {
	// APIKey is used for requests that do not carry their own key.
	APIKey string
	// Timeout bounds each request from the moment it is sent upstream.
	Timeout time.Duration
}

// Relay serves request cycles over channels. A Relay holds no per-channel state; any number of
// channels may be served concurrently.
type Relay struct {
	streamer Streamer
	opener   Opener

	apiKey  string
	timeout time.Duration

	logger *slog.Logger
}

// New creates a Relay. A nil opener discards open-tab directives.
func New(streamer Streamer, opener Opener, cfg Config, logger *slog.Logger) Relay {
	if opener == nil {
		opener = OpenerFunc(func(context.Context, string) error { return nil })
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Relay{
		streamer: streamer,
		opener:   opener,
		apiKey:   cfg.APIKey,
		timeout:  timeout,
		logger:   logger.With(slog.String("module", "relay")),
	}
}

// Serve handles requests from ch one at a time until the channel is exhausted or ctx is done. A new
// request is only received after the previous cycle has sent its terminal event.
func (r Relay) Serve(ctx context.Context, ch Channel) error {
	for {
		req, err := ch.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to receive request: %w", err)
		}
		r.Handle(ctx, ch, req)
	}
}

// Handle runs one request cycle. Every failure is reported to the client as a single Error event;
// nothing is sent once the channel has disconnected.
func (r Relay) Handle(ctx context.Context, ch Channel, req models.StreamRequest) {
	c := cycle{
		relay:  r,
		ch:     ch,
		logger: r.logger.With(slog.String("model", string(req.Model))),
	}
	defer c.transition(StateClosed)

	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = r.apiKey
	}
	if err := validate(req, apiKey); err != nil {
		c.logger.Warn("Rejected stream request", slog.String(errLoggerKey, err.Error()))
		c.send(ctx, models.ErrorEvent(err))
		return
	}

	streamCtx, cancel := context.WithTimeoutCause(ctx, r.timeout, models.ErrTimeout)
	defer cancel()

	// Abort the upstream read as soon as the client goes away.
	go func() {
		select {
		case <-ch.Done():
			cancel()
		case <-streamCtx.Done():
		}
	}()

	c.transition(StateStreaming)

	body, err := r.streamer.Stream(streamCtx, req, apiKey)
	if err != nil {
		c.fail(ctx, streamCtx, err)
		return
	}
	defer body.Close()

	var scanner directive.Scanner
	for ev := range gemini.NewDecoder(c.logger).Stream(body) {
		switch ev.Kind {
		case models.EventText:
			if !c.forward(ctx, scanner.Push(ev.Text)) {
				return
			}
		case models.EventError:
			c.fail(ctx, streamCtx, ev.Err)
			return
		case models.EventDone:
			if !c.forward(ctx, scanner.Flush()) {
				return
			}
			c.send(ctx, models.DoneEvent())
			return
		}
	}
}

func validate(req models.StreamRequest, apiKey string) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return &models.ValidationError{Message: "No text provided for streaming"}
	}
	if !req.Model.Valid() {
		return &models.ValidationError{Message: fmt.Sprintf("Unknown model %q", req.Model)}
	}
	if apiKey == "" {
		return &models.ValidationError{Message: "No API key available"}
	}
	return nil
}

type cycle struct {
	relay Relay
	ch    Channel
	state State

	logger *slog.Logger
}

func (c *cycle) transition(to State) {
	if c.state == to {
		return
	}
	c.logger.Debug("Relay state changed",
		slog.String("from", c.state.String()),
		slog.String("to", to.String()))
	c.state = to
}

func (c *cycle) disconnected() bool {
	select {
	case <-c.ch.Done():
		return true
	default:
		return false
	}
}

func (c *cycle) send(ctx context.Context, ev models.StreamEvent) bool {
	if err := c.ch.Send(ctx, ev); err != nil {
		c.logger.Info("Failed to send event", slog.String(errLoggerKey, err.Error()))
		return false
	}
	return true
}

func (c *cycle) forward(ctx context.Context, res directive.Result) bool {
	for _, cmd := range res.Commands {
		c.logger.Info("Opening tab", slog.String("url", cmd.URL))
		if err := c.relay.opener.OpenTab(ctx, cmd.URL); err != nil {
			c.logger.Error("Failed to open tab",
				slog.String("url", cmd.URL),
				slog.String(errLoggerKey, err.Error()))
		}
	}
	if res.Text == "" {
		return true
	}
	return c.send(ctx, models.TextDelta(res.Text))
}

// fail reports err unless the failure was caused by the client leaving or the relay shutting down.
func (c *cycle) fail(ctx, streamCtx context.Context, err error) {
	if c.disconnected() || ctx.Err() != nil {
		c.logger.Info("Stream abandoned", slog.String(errLoggerKey, err.Error()))
		return
	}
	if streamCtx.Err() != nil && errors.Is(context.Cause(streamCtx), models.ErrTimeout) {
		err = fmt.Errorf("%w after %s", models.ErrTimeout, c.relay.timeout)
	}
	c.logger.Error("Stream failed",
		slog.String("kind", string(models.KindOf(err))),
		slog.String(errLoggerKey, err.Error()))
	c.send(ctx, models.ErrorEvent(err))
}
