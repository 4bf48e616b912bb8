// Package progress is the per-process event broker between the pipeline and
// SSE subscribers. Publishing never blocks on a slow client: each
// subscriber has a bounded buffer and is dropped on overflow.
package progress

import (
	"sync"
	"time"

	"tracelight/internal/model"
)

// EventKind names the progress event types.
type EventKind string

const (
	EventJobStarted     EventKind = "job_started"
	EventStageStarted   EventKind = "stage_started"
	EventStageProgress  EventKind = "stage_progress"
	EventStageCompleted EventKind = "stage_completed"
	EventJobCompleted   EventKind = "job_completed"
	EventError          EventKind = "error"
	EventHeartbeat      EventKind = "heartbeat"
)

// Event is one progress frame. Fields are populated per kind (§SSE payloads).
type Event struct {
	Kind       EventKind        `json:"-"`
	JobID      string           `json:"job_id,omitempty"`
	URL        string           `json:"url,omitempty"`
	Stage      model.Stage      `json:"stage,omitempty"`
	Percent    int              `json:"percent,omitempty"`
	Message    string           `json:"message,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
	Result     *model.JobResult `json:"result,omitempty"`
	ErrorKind  string           `json:"error_kind,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Terminal reports whether this event ends a stream.
func (e Event) Terminal() bool {
	return e.Kind == EventJobCompleted || e.Kind == EventError
}

// Subscription is one subscriber's bounded event feed. C closes when the
// job reaches a terminal event, the subscriber is dropped for falling
// behind, or Unsubscribe is called.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	bus   *Bus
	jobID string
	once  sync.Once
}

// Unsubscribe detaches from the bus; safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.jobID, s)
}

// Bus fans events out to per-job subscriber sets.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]*Subscription
	bufSize int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{subs: map[string][]*Subscription{}, bufSize: bufSize}
}

// Subscribe attaches to a job's event feed.
func (b *Bus) Subscribe(jobID string) *Subscription {
	sub := &Subscription{ch: make(chan Event, b.bufSize), bus: b, jobID: jobID}
	sub.C = sub.ch
	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], sub)
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(jobID string, sub *Subscription) {
	b.mu.Lock()
	subs := b.subs[jobID]
	for i, s := range subs {
		if s == sub {
			b.subs[jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[jobID]) == 0 {
		delete(b.subs, jobID)
	}
	b.mu.Unlock()
	sub.once.Do(func() { close(sub.ch) })
}

// Publish delivers an event to every subscriber of the job, in publication
// order per subscriber. A subscriber whose buffer is full is dropped and
// its channel closed; the publisher never waits. Terminal events close all
// subscriptions after delivery.
func (b *Bus) Publish(jobID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	subs := append([]*Subscription{}, b.subs[jobID]...)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			// slow client: drop it rather than block the pipeline
			b.unsubscribe(jobID, sub)
			continue
		}
		if ev.Terminal() {
			b.unsubscribe(jobID, sub)
		}
	}
}

// SubscriberCount reports the current subscriber count for a job.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// SyntheticTerminal builds the single event a late subscriber receives for
// an already finished job.
func SyntheticTerminal(job model.Job) Event {
	if job.Status == model.StatusFailed {
		return Event{
			Kind:      EventError,
			JobID:     job.ID,
			Stage:     job.CurrentStage,
			ErrorKind: job.ErrorKind,
			Message:   job.Error,
			Timestamp: time.Now().UTC(),
		}
	}
	ev := Event{
		Kind:      EventJobCompleted,
		JobID:     job.ID,
		Result:    job.Result,
		Timestamp: time.Now().UTC(),
	}
	if job.CompletedAt != nil && job.StartedAt != nil {
		ev.DurationMS = job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
	}
	return ev
}
