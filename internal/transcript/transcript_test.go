package transcript_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/assist-relay/internal/models"
	"github.com/MegaGrindStone/assist-relay/internal/transcript"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	messages []models.Message
	saves    int
	err      error
}

func (m *mockStore) Messages(context.Context) ([]models.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.messages), nil
}

func (m *mockStore) SaveMessages(_ context.Context, messages []models.Message) error {
	if m.err != nil {
		return m.err
	}
	m.saves++
	m.messages = slices.Clone(messages)
	return nil
}

func (m *mockStore) ClearMessages(context.Context) error {
	m.messages = nil
	return m.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAccumulator(t *testing.T, store *mockStore) *transcript.Accumulator {
	t.Helper()
	a, err := transcript.New(context.Background(), store, discardLogger())
	require.NoError(t, err)
	return a
}

func TestAccumulatorConcatenatesDeltas(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{messages: []models.Message{
		{Role: models.RoleUser, Text: "earlier"},
		{Role: models.RoleModel, Text: "answer"},
	}}
	a := newAccumulator(t, store)

	history, reply, err := a.Begin(ctx, "Hello")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, []models.Message{
		{Role: models.RoleUser, Text: "earlier"},
		{Role: models.RoleModel, Text: "answer"},
		{Role: models.RoleUser, Text: "Hello"},
		{Role: models.RoleModel},
	}, store.messages)

	for _, ev := range []models.StreamEvent{models.TextDelta("Hi"), models.TextDelta(" there"), models.DoneEvent()} {
		_, ok, err := a.Apply(ctx, reply, ev)
		require.NoError(t, err)
		require.True(t, ok)
	}

	msgs := a.Messages()
	require.Equal(t, models.Message{Role: models.RoleModel, Text: "Hi there"}, msgs[len(msgs)-1])
	require.Equal(t, msgs, store.messages)
	require.Equal(t, 4, store.saves)
	require.False(t, a.InFlight())
}

func TestAccumulatorErrorReplacesPlaceholder(t *testing.T) {
	ctx := context.Background()
	a := newAccumulator(t, &mockStore{})

	_, reply, err := a.Begin(ctx, "Hello")
	require.NoError(t, err)

	_, _, err = a.Apply(ctx, reply, models.TextDelta("partial"))
	require.NoError(t, err)
	msg, ok, err := a.Apply(ctx, reply, models.ErrorEvent(&models.UpstreamError{StatusCode: 429, Body: "quota"}))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Error: API Error: 429 - quota", msg.Text)

	_, ok, err = a.Apply(ctx, reply, models.TextDelta("late"))
	require.NoError(t, err)
	require.False(t, ok)
	msgs := a.Messages()
	require.Equal(t, "Error: API Error: 429 - quota", msgs[len(msgs)-1].Text)
}

func TestAccumulatorRejectsOverlappingRequests(t *testing.T) {
	ctx := context.Background()
	a := newAccumulator(t, &mockStore{})

	_, first, err := a.Begin(ctx, "first")
	require.NoError(t, err)
	_, _, err = a.Begin(ctx, "second")
	require.ErrorIs(t, err, models.ErrInFlight)

	_, _, err = a.Apply(ctx, first, models.DoneEvent())
	require.NoError(t, err)
	_, second, err := a.Begin(ctx, "second")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestAccumulatorBeginRollsBackOnSaveFailure(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	a := newAccumulator(t, store)

	store.err = errors.New("disk full")
	_, _, err := a.Begin(ctx, "Hello")
	require.Error(t, err)
	require.Empty(t, a.Messages())
	require.False(t, a.InFlight())
}

func TestAccumulatorClear(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	a := newAccumulator(t, store)

	_, reply, err := a.Begin(ctx, "Hello")
	require.NoError(t, err)
	require.NoError(t, a.Clear(ctx))
	require.Empty(t, a.Messages())
	require.Empty(t, store.messages)

	_, ok, err := a.Apply(ctx, reply, models.TextDelta("late"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAccumulatorIgnoresClearedReply(t *testing.T) {
	ctx := context.Background()
	a := newAccumulator(t, &mockStore{})

	_, old, err := a.Begin(ctx, "first")
	require.NoError(t, err)
	require.NoError(t, a.Clear(ctx))

	_, current, err := a.Begin(ctx, "second")
	require.NoError(t, err)

	for _, ev := range []models.StreamEvent{models.TextDelta("OLD-REPLY"), models.DoneEvent()} {
		_, ok, err := a.Apply(ctx, old, ev)
		require.NoError(t, err)
		require.False(t, ok)
	}
	require.True(t, a.InFlight())

	_, ok, err := a.Apply(ctx, current, models.TextDelta("NEW-REPLY"))
	require.NoError(t, err)
	require.True(t, ok)
	_, _, err = a.Apply(ctx, current, models.DoneEvent())
	require.NoError(t, err)

	require.Equal(t, []models.Message{
		{Role: models.RoleUser, Text: "second"},
		{Role: models.RoleModel, Text: "NEW-REPLY"},
	}, a.Messages())
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	a := newAccumulator(t, &mockStore{messages: []models.Message{
		{Role: models.RoleUser, Text: "Show code"},
		{Role: models.RoleModel, Text: "Here:\n\n```go\nfmt.Println(\"hi\")\n```\n<script>alert(1)</script>"},
	}})
	now := time.Date(2025, 3, 9, 18, 30, 0, 0, time.UTC)

	name, data, err := a.Export(now, transcript.FormatJSON)
	require.NoError(t, err)
	require.Equal(t, "ASSISTplus_chat_export_2025-03-09.json", name)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 2)
	require.Equal(t, "user", decoded[0]["role"])

	name, data, err = a.Export(now, transcript.FormatHTML)
	require.NoError(t, err)
	require.Equal(t, "ASSISTplus_chat_export_2025-03-09.html", name)
	page := string(data)
	require.Contains(t, page, `<section class="message model">`)
	require.Contains(t, page, "<pre")
	require.False(t, strings.Contains(page, "<script>"))

	_, err = transcript.ParseFormat("pdf")
	require.Error(t, err)

	require.NoError(t, a.Clear(ctx))
	_, data, err = a.Export(now, transcript.FormatJSON)
	require.NoError(t, err)
	require.Equal(t, "[]", string(data))
}
