package gemini

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/assist-relay/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	dataPrefix    = "data:"
	doneSentinel  = "[DONE]"
	readChunkSize = 4096
)

// Decoder turns the raw bytes of a streamGenerateContent SSE response into StreamEvents. Lines split
// across chunks are carried over to the next Feed. A line that fails to parse is logged and skipped;
// proxies are known to mangle single lines and that must not end the response.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf  []byte
	done bool

	logger    *slog.Logger
	malformed rate.Sometimes
}

// NewDecoder creates a Decoder that reports skipped lines to logger.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{
		logger:    logger,
		malformed: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Feed appends chunk to the carry-over buffer and returns the events of every complete line in it.
// Lines are decoded lazily as the sequence is iterated; lines not reached when iteration stops are
// kept for the next call. After a terminal event the decoder ignores further input.
func (d *Decoder) Feed(chunk []byte) iter.Seq[models.StreamEvent] {
	if !d.done {
		d.buf = append(d.buf, chunk...)
	}
	return func(yield func(models.StreamEvent) bool) {
		for !d.done {
			i := bytes.IndexByte(d.buf, '\n')
			if i < 0 {
				return
			}
			line := d.buf[:i]
			d.buf = d.buf[i+1:]

			ev, ok := d.decodeLine(line)
			if !ok {
				continue
			}
			if ev.Terminal() {
				d.finish()
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// End signals that no more bytes will arrive. It decodes a trailing line without a newline, then
// yields Done.
func (d *Decoder) End() iter.Seq[models.StreamEvent] {
	return func(yield func(models.StreamEvent) bool) {
		if d.done {
			return
		}
		line := d.buf
		d.finish()

		if ev, ok := d.decodeLine(line); ok {
			if !yield(ev) || ev.Terminal() {
				return
			}
		}
		yield(models.DoneEvent())
	}
}

// Stream reads r until it is exhausted and yields the decoded events, ending with Done. A read
// failure yields a single Error event instead.
func (d *Decoder) Stream(r io.Reader) iter.Seq[models.StreamEvent] {
	return func(yield func(models.StreamEvent) bool) {
		buf := make([]byte, readChunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for ev := range d.Feed(buf[:n]) {
					if !yield(ev) || ev.Terminal() {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				for ev := range d.End() {
					if !yield(ev) {
						return
					}
				}
				return
			}
			if err != nil {
				d.finish()
				yield(models.ErrorEvent(fmt.Errorf("error reading response: %w", err)))
				return
			}
		}
	}
}

func (d *Decoder) finish() {
	d.done = true
	d.buf = nil
}

func (d *Decoder) decodeLine(line []byte) (models.StreamEvent, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	payload, ok := bytes.CutPrefix(line, []byte(dataPrefix))
	if !ok {
		return models.StreamEvent{}, false
	}
	payload = bytes.TrimPrefix(payload, []byte(" "))
	if len(payload) == 0 || string(payload) == doneSentinel {
		return models.StreamEvent{}, false
	}

	if !gjson.ValidBytes(payload) {
		d.malformed.Do(func() {
			d.logger.Warn("Skipping malformed chunk", slog.String("chunk", string(payload)))
		})
		return models.StreamEvent{}, false
	}

	res := gjson.ParseBytes(payload)
	if apiErr := res.Get("error"); apiErr.Exists() {
		return models.ErrorEvent(&models.UpstreamError{
			StatusCode: int(apiErr.Get("code").Int()),
			Body:       apiErr.Get("message").String(),
		}), true
	}

	var sb strings.Builder
	res.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		sb.WriteString(part.Get("text").String())
		return true
	})
	if sb.Len() == 0 {
		return models.StreamEvent{}, false
	}
	return models.TextDelta(sb.String()), true
}
