// Package events delivers domain events emitted by the trade core. Delivery is
// fire-and-forget: a failing sink is logged and never rolls back state.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Sink receives published events
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// LogSink writes every event to the logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a new logging sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs the event
func (s *LogSink) Publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		s.logger.Error("Failed to marshal event payload", zap.String("type", event.Type), zap.Error(err))
		return
	}
	s.logger.Info("Event published",
		zap.String("type", event.Type),
		zap.String("trade_id", event.TradeID),
		zap.Time("at", event.At),
		zap.ByteString("payload", payload),
	)
}

// Multi fans an event out to several sinks. A panicking sink is recovered and
// logged so the remaining sinks still receive the event.
type Multi struct {
	logger *zap.Logger
	sinks  []Sink
}

// NewMulti creates a sink publishing to all given sinks in order
func NewMulti(logger *zap.Logger, sinks ...Sink) *Multi {
	return &Multi{logger: logger, sinks: sinks}
}

// Publish delivers the event to every sink
func (m *Multi) Publish(ctx context.Context, event Event) {
	for _, sink := range m.sinks {
		func(s Sink) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Event sink panic", zap.Any("recover", r), zap.String("type", event.Type))
				}
			}()
			s.Publish(ctx, event)
		}(sink)
	}
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records the event
func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type
func (r *Recorder) OfType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the recorded event types in publish order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Reset drops all recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
