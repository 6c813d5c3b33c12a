package gemini_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/MegaGrindStone/assist-relay/internal/gemini"
	"github.com/MegaGrindStone/assist-relay/internal/models"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dataLine(text string) string {
	return fmt.Sprintf(`data: {"candidates":[{"content":{"parts":[{"text":%q}],"role":"model"}}]}`, text) + "\n"
}

func collect(d *gemini.Decoder, chunks ...string) []models.StreamEvent {
	var evs []models.StreamEvent
	for _, c := range chunks {
		for ev := range d.Feed([]byte(c)) {
			evs = append(evs, ev)
		}
	}
	for ev := range d.End() {
		evs = append(evs, ev)
	}
	return evs
}

func texts(evs []models.StreamEvent) []string {
	var out []string
	for _, ev := range evs {
		if ev.Kind == models.EventText {
			out = append(out, ev.Text)
		}
	}
	return out
}

func TestDecoderChunkBoundaries(t *testing.T) {
	words := []string{"Hi", " there", ", ünïcödé ✓", " and more"}
	var sb strings.Builder
	for _, w := range words {
		sb.WriteString(dataLine(w))
		sb.WriteString("\n")
	}
	sb.WriteString("data: [DONE]\n")
	stream := sb.String()

	for _, size := range []int{1, 2, 3, 7, 64, len(stream)} {
		t.Run(fmt.Sprintf("chunk size %d", size), func(t *testing.T) {
			var chunks []string
			for i := 0; i < len(stream); i += size {
				chunks = append(chunks, stream[i:min(i+size, len(stream))])
			}

			evs := collect(gemini.NewDecoder(discardLogger()), chunks...)
			require.Equal(t, words, texts(evs))
			require.Len(t, evs, len(words)+1)
			require.Equal(t, models.EventDone, evs[len(evs)-1].Kind)
		})
	}
}

func TestDecoderSkipsMalformedLines(t *testing.T) {
	stream := dataLine("one") +
		"data: {\"candidates\":[{\"content\":\n" +
		"data: not json at all\n" +
		": keep-alive comment\n" +
		"event: ping\n" +
		dataLine("two") +
		"data: {\"candidates\":[]}\n" +
		"data: \r\n" +
		strings.TrimSuffix(dataLine("three"), "\n") + "\r\n"

	evs := collect(gemini.NewDecoder(discardLogger()), stream)
	require.Equal(t, []string{"one", "two", "three"}, texts(evs))
	require.Equal(t, models.EventDone, evs[len(evs)-1].Kind)
}

func TestDecoderJoinsParts(t *testing.T) {
	stream := `data: {"candidates":[{"content":{"parts":[{"text":"a"},{"text":"b"}]}}]}` + "\n"

	evs := collect(gemini.NewDecoder(discardLogger()), stream)
	require.Equal(t, []string{"ab"}, texts(evs))
}

func TestDecoderTrailingLineWithoutNewline(t *testing.T) {
	evs := collect(gemini.NewDecoder(discardLogger()), dataLine("one"), strings.TrimSuffix(dataLine("two"), "\n"))
	require.Equal(t, []string{"one", "two"}, texts(evs))
	require.Equal(t, models.EventDone, evs[len(evs)-1].Kind)
}

func TestDecoderUpstreamErrorPayload(t *testing.T) {
	stream := dataLine("partial") +
		`data: {"error":{"code":503,"message":"The model is overloaded.","status":"UNAVAILABLE"}}` + "\n" +
		dataLine("ignored")

	evs := collect(gemini.NewDecoder(discardLogger()), stream)
	require.Len(t, evs, 2)
	require.Equal(t, "partial", evs[0].Text)
	require.Equal(t, models.EventError, evs[1].Kind)

	var ue *models.UpstreamError
	require.ErrorAs(t, evs[1].Err, &ue)
	require.Equal(t, 503, ue.StatusCode)
	require.Equal(t, "The model is overloaded.", ue.Body)
}

func TestDecoderKeepsUnreadLines(t *testing.T) {
	d := gemini.NewDecoder(discardLogger())

	for ev := range d.Feed([]byte(dataLine("one") + dataLine("two"))) {
		require.Equal(t, "one", ev.Text)
		break
	}

	var got []string
	for ev := range d.Feed([]byte(dataLine("three"))) {
		got = append(got, ev.Text)
	}
	require.Equal(t, []string{"two", "three"}, got)
}

func TestDecoderStream(t *testing.T) {
	body := dataLine("Hi") + dataLine(" there") + "data: [DONE]\n"

	var evs []models.StreamEvent
	for ev := range gemini.NewDecoder(discardLogger()).Stream(iotest.OneByteReader(strings.NewReader(body))) {
		evs = append(evs, ev)
	}
	require.Equal(t, []string{"Hi", " there"}, texts(evs))
	require.Equal(t, models.EventDone, evs[len(evs)-1].Kind)
}

func TestDecoderStreamReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader(dataLine("Hi")), iotest.ErrReader(boom))

	var evs []models.StreamEvent
	for ev := range gemini.NewDecoder(discardLogger()).Stream(r) {
		evs = append(evs, ev)
	}
	require.Len(t, evs, 2)
	require.Equal(t, "Hi", evs[0].Text)
	require.Equal(t, models.EventError, evs[1].Kind)
	require.ErrorIs(t, evs[1].Err, boom)
	require.Equal(t, models.ErrorKindStream, models.KindOf(evs[1].Err))
}
