// Package transcript keeps the running conversation: it appends user prompts, folds streamed deltas
// into the in-flight model message, and persists the result after every change.
package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MegaGrindStone/assist-relay/internal/models"
)

// Store persists the transcript as an ordered list of messages.
type Store interface {
	Messages(ctx context.Context) ([]models.Message, error)
	SaveMessages(ctx context.Context, messages []models.Message) error
	ClearMessages(ctx context.Context) error
}

// ErrorPrefix is prepended to an error shown in place of the model's reply.
const ErrorPrefix = "Error: "

const errLoggerKey = "err"

// Reply identifies the model reply started by a Begin. Events applied with any other Reply are
// ignored.
type Reply uint64

// Accumulator owns the transcript. Relay events are deltas; the Accumulator keeps the running
// concatenation and writes it into the last message on every event.
type Accumulator struct {
	store Store

	mu       sync.Mutex
	messages []models.Message
	inFlight bool
	current  Reply
	reply    strings.Builder

	logger *slog.Logger
}

// New creates an Accumulator holding the transcript found in store.
func New(ctx context.Context, store Store, logger *slog.Logger) (*Accumulator, error) {
	messages, err := store.Messages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}
	return &Accumulator{
		store:    store,
		messages: messages,
		logger:   logger.With(slog.String("module", "transcript")),
	}, nil
}

// Begin appends the user's prompt and an empty model placeholder, and returns the history that
// preceded the prompt along with the Reply the placeholder is filled by. It fails with
// models.ErrInFlight while a previous reply is still streaming.
func (a *Accumulator) Begin(ctx context.Context, prompt string) ([]models.Message, Reply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inFlight {
		return nil, 0, models.ErrInFlight
	}

	history := slices.Clone(a.messages)
	a.messages = append(a.messages,
		models.Message{Role: models.RoleUser, Text: prompt},
		models.Message{Role: models.RoleModel},
	)
	if err := a.store.SaveMessages(ctx, a.messages); err != nil {
		a.messages = history
		return nil, 0, fmt.Errorf("failed to save transcript: %w", err)
	}

	a.current++
	a.inFlight = true
	a.reply.Reset()
	return history, a.current, nil
}

// Apply folds ev into the in-flight message and returns the updated message. Events of a reply that
// is no longer in flight, because it finished or the transcript was cleared, are ignored and
// reported with ok set to false.
func (a *Accumulator) Apply(ctx context.Context, reply Reply, ev models.StreamEvent) (msg models.Message, ok bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inFlight || reply != a.current || len(a.messages) == 0 {
		return models.Message{}, false, nil
	}

	last := len(a.messages) - 1
	switch ev.Kind {
	case models.EventText:
		a.reply.WriteString(ev.Text)
		a.messages[last].Text = a.reply.String()
	case models.EventError:
		a.messages[last].Text = ErrorPrefix + ev.Err.Error()
		a.inFlight = false
	case models.EventDone:
		a.inFlight = false
	default:
		return models.Message{}, false, fmt.Errorf("unknown event kind %d", ev.Kind)
	}

	if err := a.store.SaveMessages(ctx, a.messages); err != nil {
		a.logger.Error("Failed to save transcript", slog.String(errLoggerKey, err.Error()))
		return a.messages[last], true, fmt.Errorf("failed to save transcript: %w", err)
	}
	return a.messages[last], true, nil
}

// Messages returns a copy of the transcript.
func (a *Accumulator) Messages() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	return slices.Clone(a.messages)
}

// InFlight reports whether a reply is streaming.
func (a *Accumulator) InFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.inFlight
}

// Clear deletes the transcript. A reply still streaming is dropped; its remaining events are ignored.
func (a *Accumulator) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.ClearMessages(ctx); err != nil {
		return fmt.Errorf("failed to clear transcript: %w", err)
	}
	a.messages = nil
	a.inFlight = false
	a.current++
	a.reply.Reset()
	return nil
}
