// Package events fans run progress out to in-process subscribers, websocket
// clients and an optional NATS subject.
package events

import (
	"sync"
	"time"

	"github.com/speedrun-hq/giwa-runner/pkg/logger"
)

const (
	// subscriberBuffer is the channel size of each subscriber, slower readers lose events
	subscriberBuffer = 64
	// historyLimit bounds the events replayed to late subscribers of one run
	historyLimit = 512
	// DefaultRetention is how long the history of a finished run is kept
	DefaultRetention = 30 * time.Minute
)

// Event is one timestamped log line of a run
type Event struct {
	RunID   string    `json:"runId"`
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Stage   string    `json:"stage,omitempty"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Final   bool      `json:"final,omitempty"`
}

// Sink receives every published event
type Sink interface {
	Publish(ev Event) error
	Close()
}

type topic struct {
	seq        uint64
	history    []Event
	subs       map[int]chan Event
	closed     bool
	finishedAt time.Time
}

// Bus is an in-memory publish/subscribe hub keyed by run id
type Bus struct {
	mu        sync.Mutex
	topics    map[string]*topic
	nextID    int
	sinks     []Sink
	retention time.Duration
	now       func() time.Time
	logger    logger.Logger
}

// NewBus creates a bus forwarding every event to sinks
func NewBus(log logger.Logger, sinks ...Sink) *Bus {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Bus{
		topics:    make(map[string]*topic),
		sinks:     sinks,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    log,
	}
}

// SetRetention changes how long finished runs keep their history
func (b *Bus) SetRetention(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retention = d
}

// pruneLocked drops the topics of runs other than keep finished longer than the retention ago
func (b *Bus) pruneLocked(keep string) {
	now := b.now()
	for id, t := range b.topics {
		if id == keep {
			continue
		}
		if t.closed && len(t.subs) == 0 && now.Sub(t.finishedAt) >= b.retention {
			delete(b.topics, id)
		}
	}
}

func (b *Bus) topic(runID string) *topic {
	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[runID] = t
	}
	return t
}

// Publish assigns the next sequence number of the run and delivers ev.
// Events published after Finish are dropped.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	b.pruneLocked(ev.RunID)
	t := b.topic(ev.RunID)
	if t.closed {
		b.mu.Unlock()
		return ev
	}
	t.seq++
	ev.Seq = t.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	t.history = append(t.history, ev)
	if len(t.history) > historyLimit {
		t.history = t.history[len(t.history)-historyLimit:]
	}
	for id, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("Dropping event %d of run %s for slow subscriber %d", ev.Seq, ev.RunID, id)
		}
	}
	if ev.Final {
		b.closeLocked(t)
	}
	sinks := b.sinks
	b.mu.Unlock()

	for _, s := range sinks {
		if err := s.Publish(ev); err != nil {
			b.logger.Error("Failed to forward event of run %s: %v", ev.RunID, err)
		}
	}
	return ev
}

// Subscribe returns the events of runID published from now on and a cancel func.
// The channel is closed when the run finishes or cancel is called.
func (b *Bus) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	b.pruneLocked(runID)
	t := b.topic(runID)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
			// nothing was ever published for this run
			if !t.closed && t.seq == 0 && len(t.subs) == 0 && b.topics[runID] == t {
				delete(b.topics, runID)
			}
		})
	}
}

// History returns the retained events of runID in publication order
func (b *Bus) History(runID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[runID]
	if !ok {
		return nil
	}
	return append([]Event(nil), t.history...)
}

// Finish closes every subscription of runID, later events are dropped
func (b *Bus) Finish(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(b.topic(runID))
}

// Reopen accepts events for a finished run again, used when a run is resumed
func (b *Bus) Reopen(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(runID)
	t.closed = false
	t.finishedAt = time.Time{}
}

func (b *Bus) closeLocked(t *topic) {
	if !t.closed {
		t.finishedAt = b.now()
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// Close closes every sink
func (b *Bus) Close() {
	b.mu.Lock()
	sinks := b.sinks
	b.sinks = nil
	b.mu.Unlock()
	for _, s := range sinks {
		s.Close()
	}
}
