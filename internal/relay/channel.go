package relay

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MegaGrindStone/assist-relay/internal/models"
)

// Channel is the relay's end of a persistent message path to a client. Requests arrive through Recv
// and events go back through Send, in order.
type Channel interface {
	// Recv blocks until the next request arrives. It returns io.EOF once the client has disconnected
	// or will send no more requests.
	Recv(ctx context.Context) (models.StreamRequest, error)
	// Send delivers ev to the client.
	Send(ctx context.Context, ev models.StreamEvent) error
	// Done is closed when the client disconnects.
	Done() <-chan struct{}
}

// ErrClosed is returned when using a Pipe after it was closed.
var ErrClosed = errors.New("channel closed")

// Pipe is an in-memory Channel. The relay uses Recv, Send and Done; the client uses Post, Events and
// Close.
type Pipe struct {
	requests chan models.StreamRequest
	events   chan models.StreamEvent

	done      chan struct{}
	closeOnce sync.Once
}

// NewPipe creates an open Pipe. Up to buffer events are queued before Send blocks.
func NewPipe(buffer int) *Pipe {
	return &Pipe{
		requests: make(chan models.StreamRequest, 1),
		events:   make(chan models.StreamEvent, buffer),
		done:     make(chan struct{}),
	}
}

// Recv implements Channel.
func (p *Pipe) Recv(ctx context.Context) (models.StreamRequest, error) {
	select {
	case <-p.done:
		return models.StreamRequest{}, io.EOF
	case <-ctx.Done():
		return models.StreamRequest{}, ctx.Err()
	case req := <-p.requests:
		return req, nil
	}
}

// Send implements Channel. Nothing is delivered once the pipe is closed.
func (p *Pipe) Send(ctx context.Context, ev models.StreamEvent) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	select {
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.events <- ev:
		return nil
	}
}

// Done implements Channel.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

// Post sends a request to the relay.
func (p *Pipe) Post(ctx context.Context, req models.StreamRequest) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.requests <- req:
		return nil
	}
}

// Events returns the events sent by the relay. The channel is never closed; watch Done as well.
func (p *Pipe) Events() <-chan models.StreamEvent {
	return p.events
}

// Close disconnects the client. It is safe to call more than once.
func (p *Pipe) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}
