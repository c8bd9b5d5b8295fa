// Package events delivers the engine's structured event stream to pluggable
// sinks. Delivery is fire-and-forget: no sink may block a producer, so slow
// consumers see dropped events rather than stalling the run.
package events

import (
	"sync"

	"pairvibe/pkg/logx"
	"pairvibe/pkg/proto"
)

// Sink receives engine events. Implementations must return promptly;
// producers never wait on a sink.
type Sink interface {
	Publish(ev *proto.Event)
}

// ChannelSink buffers events on a channel for a consumer goroutine. When the
// buffer is full the event is dropped and counted instead of blocking the
// producer.
type ChannelSink struct {
	ch     chan *proto.Event
	logger *logx.Logger

	mu      sync.Mutex
	dropped int
	closed  bool
}

// NewChannelSink creates a sink with the given buffer size (default 256).
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelSink{
		ch:     make(chan *proto.Event, buffer),
		logger: logx.NewLogger("events"),
	}
}

// Publish enqueues the event, dropping it when the buffer is full.
func (s *ChannelSink) Publish(ev *proto.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			s.logger.Warn("Event buffer full, dropped %d events so far", s.dropped)
		}
	}
}

// Events exposes the consumer side of the sink.
func (s *ChannelSink) Events() <-chan *proto.Event {
	return s.ch
}

// Dropped returns how many events were discarded on a full buffer.
func (s *ChannelSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close closes the consumer channel. Publish after Close is a no-op.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// MultiSink fans one event stream out to several sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink builds a fan-out over the given sinks, skipping nils.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Publish forwards the event to every sink.
func (m *MultiSink) Publish(ev *proto.Event) {
	for _, s := range m.sinks {
		s.Publish(ev)
	}
}

// NopSink discards everything. Useful default when a caller wires no sink.
type NopSink struct{}

// Publish discards the event.
func (NopSink) Publish(*proto.Event) {}

// Collector retains every published event in memory. Intended for tests and
// short diagnostic captures, not production streams.
type Collector struct {
	mu     sync.Mutex
	events []*proto.Event
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Publish appends the event.
func (c *Collector) Publish(ev *proto.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

// Events returns a copy of everything collected so far.
func (c *Collector) Events() []*proto.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*proto.Event{}, c.events...)
}

// ByType returns collected events of one type, in arrival order.
func (c *Collector) ByType(t proto.EventType) []*proto.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*proto.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
