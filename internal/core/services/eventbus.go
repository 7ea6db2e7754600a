package services

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/telchar/muxd/internal/core/domain"
)

type EventType string

const (
	EventTypePhase    EventType = "phase"
	EventTypeProgress EventType = "progress"
	EventTypeLog      EventType = "log"
)

type Event struct {
	JobID     domain.JobID
	Type      EventType
	Data      string // JSON payload or raw text
	Timestamp int64
}

// EventBus fans job events out to SSE subscribers. Publishing never
// blocks: a full subscriber channel drops the event.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.JobID][]chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.JobID][]chan Event),
	}
}

// Subscribe returns a channel receiving events for one job plus an
// unsubscribe function that closes it.
func (b *EventBus) Subscribe(jobID domain.JobID) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	b.subs[jobID] = append(b.subs[jobID], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[jobID]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[jobID] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
	}

	return ch, unsub
}

// Publish sends an event to all subscribers of the job.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.JobID] {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event", "job_id", e.JobID)
		}
	}
}

// PublishPhase emits a phase-change event with an optional error kind.
func (b *EventBus) PublishPhase(jobID domain.JobID, phase domain.JobPhase, jobErr *domain.JobError) {
	payload := map[string]any{"phase": string(phase)}
	if jobErr != nil {
		payload["error"] = string(jobErr.Kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"phase":"` + string(phase) + `"}`)
	}
	b.Publish(Event{JobID: jobID, Type: EventTypePhase, Data: string(data), Timestamp: time.Now().Unix()})
}

// PublishProgress emits a 0-100 progress event.
func (b *EventBus) PublishProgress(jobID domain.JobID, percent int) {
	data, _ := json.Marshal(map[string]int{"progress": percent})
	b.Publish(Event{JobID: jobID, Type: EventTypeProgress, Data: string(data), Timestamp: time.Now().Unix()})
}

// PublishLog emits a free-form log line for the job.
func (b *EventBus) PublishLog(jobID domain.JobID, line string) {
	b.Publish(Event{JobID: jobID, Type: EventTypeLog, Data: line, Timestamp: time.Now().Unix()})
}
