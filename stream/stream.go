// Package stream carries the ordered events a run produces: status changes,
// tool calls and results, command log lines, assistant text and the final
// exit marker.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// EventType names an event shape.
type EventType string

const (
	EventStatus         EventType = "status"
	EventToolCall       EventType = "tool-call"
	EventToolResult     EventType = "tool-result"
	EventLog            EventType = "log"
	EventAssistantDelta EventType = "assistant-delta"
	EventExit           EventType = "exit"
)

// Event is one streamed event. Only the fields relevant to Type are set.
type Event struct {
	Type EventType `json:"type"`

	Status string `json:"status,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`

	Stream string `json:"stream,omitempty"`
	Line   string `json:"line,omitempty"`

	Delta string `json:"delta,omitempty"`

	ExitCode  *int   `json:"exitCode,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// Sink receives events in order.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, e Event) error { return f(ctx, e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("stream closed")

// Channel is a bounded single-producer single-consumer queue. Send blocks
// while the buffer is full; the consumer ranges over Events until Close.
type Channel struct {
	events  chan Event
	closing chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewChannel creates a Channel buffering up to size events.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 64
	}
	return &Channel{
		events:  make(chan Event, size),
		closing: make(chan struct{}),
	}
}

// Send enqueues e, blocking until there is room, ctx is done or the
// channel is closed.
func (c *Channel) Send(ctx context.Context, e Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closing:
		return ErrClosed
	}
}

// Events returns the receive side.
func (c *Channel) Events() <-chan Event { return c.events }

// Close ends the stream. Buffered events remain readable. Safe to call
// more than once.
func (c *Channel) Close() {
	c.once.Do(func() {
		close(c.closing)
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
}
