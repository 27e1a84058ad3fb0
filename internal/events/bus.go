// Package events provides a publish/subscribe bus for operational
// events. The agent loop, the MCP process engine and the API publish;
// the websocket stream and the MQTT publisher subscribe. A nil *Bus is
// valid and discards everything, so publishers never need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the agent loop.
	SourceAgent = "agent"
	// SourceMCP identifies events from MCP server processes.
	SourceMCP = "mcp"
	// SourceAPI identifies events from the HTTP front end.
	SourceAPI = "api"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of an agent run.
	// Data: session_id, prompt.
	KindRequestStart = "request_start"
	// KindLLMCall signals a model call inside a run.
	// Data: session_id, provider, model.
	KindLLMCall = "llm_call"
	// KindToolCall signals the start of a tool execution.
	// Data: session_id, tool, input.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: session_id, tool, success, message or error.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of an agent run.
	// Data: session_id, steps, success, duration_ms, error.
	KindRequestComplete = "request_complete"

	// KindServerStarted signals a completed MCP handshake.
	// Data: server, tools, pid.
	KindServerStarted = "server_started"
	// KindServerReset signals an MCP process teardown.
	// Data: server, reason, pending.
	KindServerReset = "server_reset"
	// KindToolsChanged signals a refreshed MCP tool catalog.
	// Data: server, tools.
	KindToolsChanged = "tools_changed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Slow subscribers miss
// events rather than stalling publishers.
type Bus struct {
	mu sync.RWMutex
	// subs is keyed by the receive-only view handed to the subscriber
	// so Unsubscribe can find the sending side without a conversion.
	subs map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish sends an event to all subscribers, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now().UTC(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. Callers
// must call Unsubscribe when done. A bufSize of 64 suits streaming
// consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
