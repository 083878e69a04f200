// Package event defines the state-transition stream emitted for external
// observability. The core emits events; logging and dashboards consume them.
package event

import (
	"sync"
	"time"

	"github.com/felixgeelhaar/autoforge/internal/log"
)

// Event records one feature state transition
type Event struct {
	RunID     string    `json:"run_id"`
	FeatureID string    `json:"feature_id"`
	From      string    `json:"from_state"`
	To        string    `json:"to_state"`
	Timestamp time.Time `json:"timestamp"`
	AttemptNo int       `json:"attempt_no,omitempty"`
	Category  string    `json:"error_category,omitempty"`
}

// Sink consumes events. Implementations must tolerate concurrent Emit calls.
type Sink interface {
	Emit(e Event)
}

// LogSink writes events to the structured logger
type LogSink struct {
	logger *log.Logger
}

// NewLogSink creates a sink backed by the given logger
func NewLogSink(logger *log.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit implements Sink
func (s *LogSink) Emit(e Event) {
	args := []any{
		"run_id", e.RunID,
		"feature", e.FeatureID,
		"from", e.From,
		"to", e.To,
	}
	if e.AttemptNo > 0 {
		args = append(args, "attempt", e.AttemptNo)
	}
	if e.Category != "" {
		args = append(args, "category", e.Category)
	}
	s.logger.Info("feature transition", args...)
}

// MemorySink records events in memory, for tests and post-run inspection
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit implements Sink
func (s *MemorySink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of the recorded events in emission order
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Multi fans one event out to several sinks
type Multi []Sink

// Emit implements Sink
func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
