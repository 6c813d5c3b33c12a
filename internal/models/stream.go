package models

import (
	"encoding/json"
	"errors"
)

// Channel message types.
const (
	ChannelTypeStream = "stream"
	ChannelTypeEcho   = "echo"
)

// StreamRequest is what a client asks the relay to stream. It is built once per user send and never
// modified after it is dispatched.
type StreamRequest struct {
	Prompt  string
	History []Message
	Model   ModelID

	// APIKey overrides the relay's configured credential when set.
	APIKey string
}

// ChannelMessage is the wire form of a request sent over a channel.
type ChannelMessage struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	History []Message `json:"history"`
	Model   ModelID   `json:"model"`
	APIKey  string    `json:"apiKey,omitempty"`
}

// StreamRequest converts the channel message into a StreamRequest. An empty model selects DefaultModel.
func (c ChannelMessage) StreamRequest() StreamRequest {
	model := c.Model
	if model == "" {
		model = DefaultModel
	}
	return StreamRequest{
		Prompt:  c.Text,
		History: c.History,
		Model:   model,
		APIKey:  c.APIKey,
	}
}

// ChannelMessage converts r into its wire form.
func (r StreamRequest) ChannelMessage() ChannelMessage {
	return ChannelMessage{
		Type:    ChannelTypeStream,
		Text:    r.Prompt,
		History: r.History,
		Model:   r.Model,
		APIKey:  r.APIKey,
	}
}

// EventKind tags a StreamEvent.
type EventKind int

const (
	// EventText carries an incremental text delta.
	EventText EventKind = iota + 1
	// EventError terminates a request with an error.
	EventError
	// EventDone terminates a request successfully.
	EventDone
)

// StreamEvent is one message sent from the relay back to a client. A request produces any number of
// EventText events followed by exactly one EventError or EventDone.
type StreamEvent struct {
	Kind EventKind
	Text string
	Err  error
}

type wireEvent struct {
	Text   string    `json:"text,omitempty"`
	Error  string    `json:"error,omitempty"`
	Kind   ErrorKind `json:"kind,omitempty"`
	Status int       `json:"status,omitempty"`
	Done   bool      `json:"done,omitempty"`
}

// TextDelta returns a text event.
func TextDelta(text string) StreamEvent {
	return StreamEvent{Kind: EventText, Text: text}
}

// ErrorEvent returns a terminal error event.
func ErrorEvent(err error) StreamEvent {
	return StreamEvent{Kind: EventError, Err: err}
}

// DoneEvent returns a terminal success event.
func DoneEvent() StreamEvent {
	return StreamEvent{Kind: EventDone}
}

// Terminal reports whether e ends a request.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventError || e.Kind == EventDone
}

// MarshalJSON encodes the event as {text} | {error,kind,status} | {done:true}.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	var w wireEvent
	switch e.Kind {
	case EventText:
		w.Text = e.Text
	case EventError:
		if e.Err == nil {
			return nil, errors.New("error event without error")
		}
		w.Error = e.Err.Error()
		w.Kind = KindOf(e.Err)
		w.Status = StatusOf(e.Err)
	case EventDone:
		w.Done = true
	default:
		return nil, errors.New("unknown event kind")
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form of an event. Errors are decoded into a RemoteError.
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.Error != "":
		kind := w.Kind
		if kind == "" {
			kind = ErrorKindStream
		}
		*e = ErrorEvent(&RemoteError{Kind: kind, StatusCode: w.Status, Message: w.Error})
	case w.Done:
		*e = DoneEvent()
	default:
		*e = TextDelta(w.Text)
	}
	return nil
}
