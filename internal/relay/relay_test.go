package relay_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/MegaGrindStone/assist-relay/internal/gemini"
	"github.com/MegaGrindStone/assist-relay/internal/models"
	"github.com/MegaGrindStone/assist-relay/internal/relay"
	"github.com/stretchr/testify/require"
)

type recordingOpener struct {
	mu   sync.Mutex
	urls []string
}

type countingStreamer struct {
	calls int
}

type readerStreamer struct {
	r io.Reader
}

func (o *recordingOpener) OpenTab(_ context.Context, url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, url)
	return nil
}

func (o *recordingOpener) URLs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.urls...)
}

func (s *countingStreamer) Stream(context.Context, models.StreamRequest, string) (io.ReadCloser, error) {
	s.calls++
	return io.NopCloser(strings.NewReader("")), nil
}

func (s readerStreamer) Stream(context.Context, models.StreamRequest, string) (io.ReadCloser, error) {
	return io.NopCloser(s.r), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sseLine(text string) string {
	return fmt.Sprintf(`data: {"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, text) + "\r\n\r\n"
}

func geminiServer(t *testing.T, handler http.HandlerFunc) relay.Streamer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return gemini.NewClient(srv.URL, "", gemini.DefaultGenerationConfig, discardLogger())
}

func linesHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			_, _ = io.WriteString(w, l)
			w.(http.Flusher).Flush()
		}
	}
}

// run serves one request over a fresh pipe and returns every event up to the terminal one.
func run(t *testing.T, r relay.Relay, req models.StreamRequest) []models.StreamEvent {
	t.Helper()

	p := relay.NewPipe(16)
	defer p.Close()

	served := make(chan error, 1)
	go func() { served <- r.Serve(context.Background(), p) }()

	require.NoError(t, p.Post(context.Background(), req))

	var evs []models.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-p.Events():
			evs = append(evs, ev)
			if ev.Terminal() {
				p.Close()
				require.NoError(t, <-served)
				return evs
			}
		case <-timeout:
			t.Fatalf("no terminal event, got %+v", evs)
		}
	}
}

func joinText(evs []models.StreamEvent) string {
	var sb strings.Builder
	for _, ev := range evs {
		if ev.Kind == models.EventText {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}

func request(prompt string) models.StreamRequest {
	return models.StreamRequest{Prompt: prompt, Model: models.DefaultModel}
}

func TestRelayStreamsDeltas(t *testing.T) {
	streamer := geminiServer(t, linesHandler(sseLine("Hi"), sseLine(" there"), "data: [DONE]\r\n\r\n"))
	r := relay.New(streamer, nil, relay.Config{APIKey: "key"}, discardLogger())

	evs := run(t, r, request("Hello"))
	require.Len(t, evs, 3)
	require.Equal(t, models.TextDelta("Hi"), evs[0])
	require.Equal(t, models.TextDelta(" there"), evs[1])
	require.Equal(t, models.EventDone, evs[2].Kind)
}

func TestRelayExecutesDirectives(t *testing.T) {
	streamer := geminiServer(t, linesHandler(
		sseLine("Go to @[openTab](https://exa"),
		sseLine("mple.com) for docs"),
	))
	opener := &recordingOpener{}
	r := relay.New(streamer, opener, relay.Config{APIKey: "key"}, discardLogger())

	evs := run(t, r, request("Where are the docs?"))
	require.Equal(t, "Go to  for docs", joinText(evs))
	require.Equal(t, []string{"https://example.com"}, opener.URLs())
	require.Equal(t, models.EventDone, evs[len(evs)-1].Kind)
}

func TestRelayUpstreamError(t *testing.T) {
	streamer := geminiServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	})
	r := relay.New(streamer, nil, relay.Config{APIKey: "key"}, discardLogger())

	evs := run(t, r, request("Hello"))
	require.Len(t, evs, 1)
	require.Equal(t, models.EventError, evs[0].Kind)
	require.Equal(t, models.ErrorKindUpstream, models.KindOf(evs[0].Err))
	require.Equal(t, "API Error: 429 - quota exceeded", evs[0].Err.Error())
}

func TestRelayValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     models.StreamRequest
		apiKey  string
		wantErr string
	}{
		{name: "empty prompt", req: request("   "), apiKey: "key", wantErr: "No text provided for streaming"},
		{name: "missing credential", req: request("Hello"), wantErr: "No API key available"},
		{
			name:    "unknown model",
			req:     models.StreamRequest{Prompt: "Hello", Model: "gpt-4"},
			apiKey:  "key",
			wantErr: `Unknown model "gpt-4"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streamer := &countingStreamer{}
			r := relay.New(streamer, nil, relay.Config{APIKey: tt.apiKey}, discardLogger())

			evs := run(t, r, tt.req)
			require.Len(t, evs, 1)
			require.Equal(t, models.ErrorKindValidation, models.KindOf(evs[0].Err))
			require.EqualError(t, evs[0].Err, tt.wantErr)
			require.Zero(t, streamer.calls)
		})
	}
}

func TestRelayRequestCredentialOverrides(t *testing.T) {
	keys := make(chan string, 1)
	streamer := geminiServer(t, func(w http.ResponseWriter, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		linesHandler(sseLine("ok"))(w, r)
	})
	r := relay.New(streamer, nil, relay.Config{}, discardLogger())

	req := request("Hello")
	req.APIKey = "from-request"
	evs := run(t, r, req)
	require.Equal(t, models.EventDone, evs[len(evs)-1].Kind)
	require.Equal(t, "from-request", <-keys)
}

func TestRelayStreamIOError(t *testing.T) {
	boom := errors.New("connection reset by peer")
	streamer := readerStreamer{r: io.MultiReader(strings.NewReader(sseLine("partial")), iotest.ErrReader(boom))}
	r := relay.New(streamer, nil, relay.Config{APIKey: "key"}, discardLogger())

	evs := run(t, r, request("Hello"))
	require.Len(t, evs, 2)
	require.Equal(t, "partial", evs[0].Text)
	require.Equal(t, models.ErrorKindStream, models.KindOf(evs[1].Err))
	require.ErrorIs(t, evs[1].Err, boom)
}

func TestRelayTimeout(t *testing.T) {
	streamer := geminiServer(t, func(w http.ResponseWriter, r *http.Request) {
		linesHandler(sseLine("slow"))(w, r)
		<-r.Context().Done()
	})
	r := relay.New(streamer, nil, relay.Config{APIKey: "key", Timeout: 100 * time.Millisecond}, discardLogger())

	evs := run(t, r, request("Hello"))
	require.Len(t, evs, 2)
	require.Equal(t, "slow", evs[0].Text)
	require.Equal(t, models.ErrorKindTimeout, models.KindOf(evs[1].Err))
	require.ErrorIs(t, evs[1].Err, models.ErrTimeout)
}

func TestRelayDisconnectCancelsUpstream(t *testing.T) {
	upstreamGone := make(chan struct{})
	streamer := geminiServer(t, func(w http.ResponseWriter, r *http.Request) {
		linesHandler(sseLine("first"))(w, r)
		<-r.Context().Done()
		close(upstreamGone)
	})
	r := relay.New(streamer, nil, relay.Config{APIKey: "key"}, discardLogger())

	p := relay.NewPipe(16)
	served := make(chan error, 1)
	go func() { served <- r.Serve(context.Background(), p) }()
	require.NoError(t, p.Post(context.Background(), request("Hello")))

	select {
	case ev := <-p.Events():
		require.Equal(t, "first", ev.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("no first event")
	}

	p.Close()

	select {
	case <-upstreamGone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
	require.NoError(t, <-served)

	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event after disconnect: %+v", ev)
	default:
	}
}

func TestRelaySequentialRequestsOnOneChannel(t *testing.T) {
	streamer := geminiServer(t, linesHandler(sseLine("pong")))
	r := relay.New(streamer, nil, relay.Config{APIKey: "key"}, discardLogger())

	p := relay.NewPipe(16)
	defer p.Close()
	go func() { _ = r.Serve(context.Background(), p) }()

	for range 2 {
		require.NoError(t, p.Post(context.Background(), request("ping")))
		var evs []models.StreamEvent
		for len(evs) == 0 || !evs[len(evs)-1].Terminal() {
			select {
			case ev := <-p.Events():
				evs = append(evs, ev)
			case <-time.After(5 * time.Second):
				t.Fatal("no terminal event")
			}
		}
		require.Equal(t, "pong", joinText(evs))
		require.Equal(t, models.EventDone, evs[len(evs)-1].Kind)
	}
}
