package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/assist-relay/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// sseChannel is a relay.Channel carried by a single HTTP exchange: the request body holds the one
// request, and events are written back as an event stream. The channel disconnects with the request.
type sseChannel struct {
	sess *sse.Session
	req  models.StreamRequest

	received bool
	done     <-chan struct{}
}

func (c *sseChannel) Recv(context.Context) (models.StreamRequest, error) {
	if c.received {
		return models.StreamRequest{}, io.EOF
	}
	c.received = true
	return c.req, nil
}

func (c *sseChannel) Send(_ context.Context, ev models.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := &sse.Message{}
	msg.AppendData(string(data))
	if err := c.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	return c.sess.Flush()
}

func (c *sseChannel) Done() <-chan struct{} {
	return c.done
}

// HandleStream opens a channel for one request. The JSON body is {type:"stream", text, history, model}
// and the response is an event stream of {text} events terminated by exactly one {error} or
// {done:true}. Closing the connection cancels the upstream request.
//
// A body of type "echo" is answered with {reply} without streaming. An empty prompt or an unknown
// model is answered with 400 and does not count against the rate window.
func (m Main) HandleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cm models.ChannelMessage
	if err := json.NewDecoder(r.Body).Decode(&cm); err != nil {
		m.logger.Error("Failed to decode channel message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	channelID := uuid.New().String()
	logger := m.logger.With(slog.String("channel", channelID))

	switch cm.Type {
	case models.ChannelTypeEcho:
		writeJSON(w, http.StatusOK, map[string]string{"reply": "Echo from " + channelID})
		return
	case models.ChannelTypeStream:
	default:
		http.Error(w, fmt.Sprintf("unknown message type %q", cm.Type), http.StatusBadRequest)
		return
	}

	if cm.Model == "" {
		cm.Model = m.defaultModel
	}
	if strings.TrimSpace(cm.Text) == "" {
		http.Error(w, "No text provided for streaming", http.StatusBadRequest)
		return
	}
	if !cm.Model.Valid() {
		http.Error(w, fmt.Sprintf("Unknown model %q", cm.Model), http.StatusBadRequest)
		return
	}

	if !m.signedIn(w, r) {
		return
	}
	if d := m.limiter.Admit(m.now()); !d.Allow {
		m.rateLimited(w, d)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	logger.Info("Channel connected")
	ch := &sseChannel{
		sess: sess,
		req:  cm.StreamRequest(),
		done: r.Context().Done(),
	}
	if err := m.relay.Serve(r.Context(), ch); err != nil {
		logger.Error("Relay stopped", slog.String(errLoggerKey, err.Error()))
	}
	logger.Info("Channel disconnected")
}
