package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/assist-relay/internal/models"
	"github.com/MegaGrindStone/assist-relay/internal/relay"
	"github.com/MegaGrindStone/assist-relay/internal/transcript"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	Role string `json:"role"`
	Text string `json:"text"`

	StreamingState string `json:"streamingState"`
}

type chatResponse struct {
	RequestID string    `json:"requestId"`
	Messages  []message `json:"messages"`
}

const (
	streamingStateLoading   = "loading"
	streamingStateStreaming = "streaming"
	streamingStateEnded     = "ended"
)

// SSE event types for real-time updates.
var (
	messagesSSEType  = sse.Type("messages")
	openTabSSEType   = sse.Type("openTab")
	rateLimitSSEType = sse.Type("ratelimit")
)

var errServerBusy = errors.New("server busy, try again later")

// broadcaster publishes to every subscriber of the transcript topic. It is also the relay's Opener:
// open-tab directives are executed by whichever client window receives the event.
type broadcaster struct {
	srv *sse.Server

	logger *slog.Logger
}

func (b broadcaster) publishJSON(msg *sse.Message, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg.AppendData(string(data))
	if err := b.srv.Publish(msg, transcriptSSETopic); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// OpenTab implements relay.Opener.
func (b broadcaster) OpenTab(_ context.Context, url string) error {
	return b.publishJSON(&sse.Message{Type: openTabSSEType}, map[string]string{"url": url})
}

// HandleChats processes a user prompt sent through HTTP POST requests. It accepts a "message" form field
// and an optional "model" field, appends the prompt and an empty reply to the transcript, and streams
// the reply in the background. Progress is broadcast to subscribers of /sse/transcript.
//
// The handler returns 405 for other methods, 400 for a missing message or unknown model, 409 while a
// previous reply is still streaming, and 429 when the rate window is exhausted. On success it answers
// 202 with the transcript, the reply placeholder marked as loading.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	model := models.ModelID(r.FormValue("model"))
	if model == "" {
		model = m.defaultModel
	}
	if !model.Valid() {
		m.logger.Error("Unknown model", slog.String("model", string(model)))
		http.Error(w, fmt.Sprintf("Unknown model %q", model), http.StatusBadRequest)
		return
	}

	if !m.signedIn(w, r) {
		return
	}

	// Check before admission so a rejected send does not spend the budget.
	if m.transcript.InFlight() {
		http.Error(w, models.ErrInFlight.Error(), http.StatusConflict)
		return
	}

	if d := m.limiter.Admit(m.now()); !d.Allow {
		m.rateLimited(w, d)
		return
	}

	history, reply, err := m.transcript.Begin(r.Context(), msg)
	if err != nil {
		if errors.Is(err, models.ErrInFlight) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		m.logger.Error("Failed to begin reply", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	requestID := uuid.New().String()
	ctx, cancel := context.WithCancel(m.ctx)
	m.streaming.replace(cancel)
	go m.chat(ctx, cancel, requestID, reply, models.StreamRequest{
		Prompt:  msg,
		History: history,
		Model:   model,
	})

	messages := m.transcript.Messages()
	res := chatResponse{
		RequestID: requestID,
		Messages:  make([]message, len(messages)),
	}
	for i, mm := range messages {
		// Mark only the reply placeholder as "loading", others as "ended"
		state := streamingStateEnded
		if i == len(messages)-1 {
			state = streamingStateLoading
		}
		res.Messages[i] = message{Role: string(mm.Role), Text: mm.Text, StreamingState: state}
	}
	writeJSON(w, http.StatusAccepted, res)
}

// chat relays one request over an in-memory channel and folds its events into the transcript. It
// stops when ctx is cancelled, either by Shutdown or by clearing the transcript.
func (m Main) chat(ctx context.Context, cancel context.CancelFunc, requestID string, reply transcript.Reply,
	req models.StreamRequest,
) {
	defer cancel()
	logger := m.logger.With(slog.String("requestID", requestID))

	// Ensure SSE connection cleanup on function exit
	defer func() {
		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, transcriptSSETopic)
	}()

	p := relay.NewPipe(64)
	defer p.Close()

	go func() {
		if err := m.relay.Serve(ctx, p); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Relay stopped", slog.String(errLoggerKey, err.Error()))
		}
	}()

	if err := p.Post(ctx, req); err != nil {
		logger.Error("Failed to post request", slog.String(errLoggerKey, err.Error()))
		m.apply(logger, reply, models.ErrorEvent(errServerBusy))
		return
	}

	for {
		select {
		case <-ctx.Done():
			m.apply(logger, reply, models.ErrorEvent(errServerBusy))
			return
		case ev := <-p.Events():
			m.apply(logger, reply, ev)
			if ev.Terminal() {
				return
			}
		}
	}
}

func (m Main) apply(logger *slog.Logger, reply transcript.Reply, ev models.StreamEvent) {
	// The transcript must be saved even when the server is shutting down.
	updated, ok, err := m.transcript.Apply(context.Background(), reply, ev)
	if err != nil {
		logger.Error("Failed to apply event", slog.String(errLoggerKey, err.Error()))
	}
	if !ok {
		return
	}

	state := streamingStateStreaming
	if ev.Terminal() {
		state = streamingStateEnded
	}
	b := broadcaster{srv: m.sseSrv, logger: logger}
	err = b.publishJSON(&sse.Message{Type: messagesSSEType}, message{
		Role:           string(updated.Role),
		Text:           updated.Text,
		StreamingState: state,
	})
	if err != nil {
		logger.Debug("Failed to publish message", slog.String(errLoggerKey, err.Error()))
	}
}
