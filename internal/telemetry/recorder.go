package telemetry

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// DefaultMaxPerSession bounds each session's undrained event buffer.
const DefaultMaxPerSession = 2048

// Recorder buffers telemetry events per session until they are drained
// and fans them out to live subscribers. Events without a session go to
// the system buffer, drained with an empty session ID.
type Recorder struct {
	mu          sync.RWMutex
	buffers     map[string][]models.TelemetryEvent
	maxEntries  int
	dropped     map[string]int
	subscribers map[chan models.TelemetryEvent]struct{}
}

// NewRecorder creates a recorder keeping up to maxPerSession undrained
// events per session.
func NewRecorder(maxPerSession int) *Recorder {
	if maxPerSession <= 0 {
		maxPerSession = DefaultMaxPerSession
	}
	return &Recorder{
		buffers:     make(map[string][]models.TelemetryEvent),
		maxEntries:  maxPerSession,
		dropped:     make(map[string]int),
		subscribers: make(map[chan models.TelemetryEvent]struct{}),
	}
}

// Record appends an event and broadcasts it to all subscribers.
func (r *Recorder) Record(ev models.TelemetryEvent) {
	r.mu.Lock()
	buf := r.buffers[ev.SessionID]
	if len(buf) >= r.maxEntries {
		// Drop oldest entry
		buf = buf[1:]
		r.dropped[ev.SessionID]++
	}
	r.buffers[ev.SessionID] = append(buf, ev)

	for ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	r.mu.Unlock()

	log.Debug().
		Str("kind", string(ev.Kind)).
		Str("session_id", ev.SessionID).
		Str("correlation_id", ev.CorrelationID).
		Msg("Telemetry event")
}

// Drain returns and removes a session's buffered events in record order.
func (r *Recorder) Drain(sessionID string) []models.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.buffers[sessionID]
	delete(r.buffers, sessionID)
	if n := r.dropped[sessionID]; n > 0 {
		log.Warn().Str("session_id", sessionID).Int("dropped", n).Msg("Telemetry buffer overflowed before drain")
		delete(r.dropped, sessionID)
	}
	if events == nil {
		return []models.TelemetryEvent{}
	}
	return events
}

// Recent returns up to n buffered events for a session without draining.
func (r *Recorder) Recent(sessionID string, n int) []models.TelemetryEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	buf := r.buffers[sessionID]
	total := len(buf)
	if n <= 0 || n > total {
		n = total
	}
	result := make([]models.TelemetryEvent, n)
	copy(result, buf[total-n:])
	return result
}

// Subscribe returns a channel that receives new events as they arrive.
// Call Unsubscribe when done to avoid leaks.
func (r *Recorder) Subscribe() chan models.TelemetryEvent {
	ch := make(chan models.TelemetryEvent, 64)
	r.mu.Lock()
	r.subscribers[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (r *Recorder) Unsubscribe(ch chan models.TelemetryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[ch]; ok {
		delete(r.subscribers, ch)
		close(ch)
	}
}
