package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MegaGrindStone/assist-relay/internal/models"
	"github.com/MegaGrindStone/assist-relay/internal/ratelimit"
	"github.com/MegaGrindStone/assist-relay/internal/relay"
	"github.com/MegaGrindStone/assist-relay/internal/transcript"
	"github.com/tmaxmax/go-sse"
)

// Authenticator resolves a bearer token to the profile of its owner.
type Authenticator interface {
	Profile(ctx context.Context, token string) (models.Profile, error)
}

// SessionStore persists the signed-in session.
type SessionStore interface {
	Session(ctx context.Context) (models.Session, bool, error)
	SaveSession(ctx context.Context, session models.Session) error
	ClearSession(ctx context.Context) error
}

// Params holds the collaborators of Main.
type Params struct {
	Streamer relay.Streamer
	Relay    relay.Config

	// DefaultModel is used when a request names no model. Empty selects models.DefaultModel.
	DefaultModel models.ModelID

	Limiter    *ratelimit.Limiter
	Transcript *transcript.Accumulator

	Auth          Authenticator
	Sessions      SessionStore
	RequireSignIn bool

	// Clock defaults to time.Now.
	Clock func() time.Time

	Logger *slog.Logger
}

// Main serves the relay over HTTP. It hosts two kinds of channels: /stream, where a client supplies
// its own history and receives raw stream events, and /chats, where the server keeps the transcript
// and broadcasts every change to the subscribers of /sse/transcript.
type Main struct {
	sseSrv *sse.Server
	relay  relay.Relay

	defaultModel models.ModelID

	limiter    *ratelimit.Limiter
	transcript *transcript.Accumulator

	auth          Authenticator
	sessions      SessionStore
	requireSignIn bool

	now func() time.Time

	// ctx scopes background chat goroutines; it is cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	// streaming cancels the reply a chat goroutine is relaying.
	streaming *streamingReply

	logger *slog.Logger
}

const (
	transcriptSSETopic = "transcript"

	errLoggerKey = "err"
)

// NewMain creates a new Main. The SSE server subscribes every client to the transcript topic, which
// carries message updates, open-tab directives and rate-limit countdowns.
func NewMain(p Params) (Main, error) {
	logger := p.Logger.With(slog.String("module", "main"))
	now := p.Clock
	if now == nil {
		now = time.Now
	}
	defaultModel := p.DefaultModel
	if defaultModel == "" {
		defaultModel = models.DefaultModel
	}
	if !defaultModel.Valid() {
		return Main{}, fmt.Errorf("unknown default model %q", defaultModel)
	}

	sseSrv := &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      []string{sse.DefaultTopic, transcriptSSETopic},
			}, true
		},
	}
	b := broadcaster{srv: sseSrv, logger: logger}

	ctx, cancel := context.WithCancel(context.Background())

	return Main{
		sseSrv:        sseSrv,
		relay:         relay.New(p.Streamer, b, p.Relay, p.Logger),
		defaultModel:  defaultModel,
		limiter:       p.Limiter,
		transcript:    p.Transcript,
		auth:          p.Auth,
		sessions:      p.Sessions,
		requireSignIn: p.RequireSignIn,
		now:           now,
		ctx:           ctx,
		cancel:        cancel,
		streaming:     &streamingReply{},
		logger:        logger,
	}, nil
}

// Run drives the timers of the rate window until ctx is done: the periodic reset every resetInterval,
// and a once-per-second countdown broadcast while the budget is spent. Both are stopped before Run
// returns.
func (m Main) Run(ctx context.Context, resetInterval time.Duration) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.limiter.Run(ctx, resetInterval)
	}()
	go func() {
		defer wg.Done()
		ratelimit.Every(ctx, time.Second, m.publishCountdown)
	}()
	wg.Wait()
}

// HandleSSE subscribes the client to transcript broadcasts.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance's SSE server. It stops in-flight chats, broadcasts
// a close message to all connected clients and waits up to 5 seconds for connections to terminate.
// After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.cancel()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// An SSE event must carry data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

type streamingReply struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *streamingReply) replace(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

func (s *streamingReply) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (m Main) publishCountdown(now time.Time) {
	st := m.limiter.Status(now)
	if st.Remaining > 0 {
		return
	}
	b := broadcaster{srv: m.sseSrv, logger: m.logger}
	if err := b.publishJSON(&sse.Message{Type: rateLimitSSEType}, st); err != nil {
		m.logger.Debug("Failed to publish countdown", slog.String(errLoggerKey, err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// rateLimited answers a rejected admission with 429 and the time until the window resets.
func (m Main) rateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	err := &models.RateLimitError{RetryAfter: d.RetryAfter}
	m.logger.Warn("Rate limit exceeded", slog.Duration("retryAfter", d.RetryAfter))

	w.Header().Set("Retry-After", strconv.Itoa(models.RetryAfterSeconds(d.RetryAfter)))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":          err.Error(),
		"kind":           models.ErrorKindRateLimit,
		"retryAfterSecs": models.RetryAfterSeconds(d.RetryAfter),
	})
}

// signedIn rejects the request with 401 when sign-in is required and nobody is signed in.
func (m Main) signedIn(w http.ResponseWriter, r *http.Request) bool {
	if !m.requireSignIn {
		return true
	}
	_, found, err := m.sessions.Session(r.Context())
	if err != nil {
		m.logger.Error("Failed to read session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return false
	}
	if !found {
		http.Error(w, "Sign in required", http.StatusUnauthorized)
		return false
	}
	return true
}
