// Package eventlog keeps a bounded, session-scoped record of monitoring
// events and fans each new event out to subscribed listeners.
package eventlog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"classwatch/internal/model"
	"classwatch/internal/ring"
)

const DefaultMaxEvents = 500

type Listener func(model.SessionEvent)

type Option func(*Log)

func WithMaxEvents(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxEvents = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

type subscription struct {
	id int
	fn Listener
}

// Log is safe for concurrent readers. Writers are expected to be a single
// frame loop; listeners run on the writer's goroutine.
type Log struct {
	mu        sync.RWMutex
	maxEvents int
	now       func() time.Time
	logger    *slog.Logger

	sessionID string
	events    *ring.Buffer[model.SessionEvent]
	counter   int

	listeners []subscription
	nextSub   int
}

func New(opts ...Option) *Log {
	l := &Log{maxEvents: DefaultMaxEvents, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.events = ring.New[model.SessionEvent](l.maxEvents)
	l.sessionID = newSessionID()
	return l
}

func newSessionID() string {
	return "sess_" + uuid.NewString()
}

// Log stores a new event and notifies every listener registered at this
// point, in registration order, before returning it. Listeners and the
// caller each get their own copy; the stored event never changes.
func (l *Log) Log(typ model.EventType, sev model.Severity, title, description string, metadata map[string]any) model.SessionEvent {
	now := l.now()

	l.mu.Lock()
	l.counter++
	ev := model.SessionEvent{
		ID:            fmt.Sprintf("evt_%d_%d", l.counter, now.UnixMilli()),
		SessionID:     l.sessionID,
		Timestamp:     now,
		TimeFormatted: now.Format(model.TimeLayout),
		Type:          typ,
		Severity:      sev,
		Title:         title,
		Description:   description,
		Metadata:      model.CopyMetadata(metadata),
	}
	l.events.Add(ev)
	listeners := make([]Listener, len(l.listeners))
	for i, s := range l.listeners {
		listeners[i] = s.fn
	}
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.Debug("session event", "id", ev.ID, "type", typ, "severity", sev)
	}
	for _, fn := range listeners {
		fn(ev.Clone())
	}
	return ev.Clone()
}

// OnEvent registers fn for future events. The returned func unsubscribes
// and may be called more than once.
func (l *Log) OnEvent(fn Listener) func() {
	l.mu.Lock()
	l.nextSub++
	id := l.nextSub
	l.listeners = append(l.listeners, subscription{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, s := range l.listeners {
				if s.id == id {
					l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Events returns all retained events, oldest first.
func (l *Log) Events() []model.SessionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneAll(l.events.List(0))
}

// Latest returns up to n of the newest events, oldest first.
func (l *Log) Latest(n int) []model.SessionEvent {
	if n <= 0 {
		return []model.SessionEvent{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneAll(l.events.List(n))
}

func (l *Log) ByType(typ model.EventType) []model.SessionEvent {
	return l.filter(func(ev model.SessionEvent) bool { return ev.Type == typ })
}

func (l *Log) BySeverity(sev model.Severity) []model.SessionEvent {
	return l.filter(func(ev model.SessionEvent) bool { return ev.Severity == sev })
}

// Since returns events stamped at or after t.
func (l *Log) Since(t time.Time) []model.SessionEvent {
	return l.filter(func(ev model.SessionEvent) bool { return !ev.Timestamp.Before(t) })
}

func (l *Log) filter(keep func(model.SessionEvent) bool) []model.SessionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneAll(l.events.Filter(keep))
}

func cloneAll(evs []model.SessionEvent) []model.SessionEvent {
	for i := range evs {
		evs[i] = evs[i].Clone()
	}
	return evs
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.events.Len()
}

func (l *Log) SessionID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessionID
}

// SessionDuration is measured from the oldest retained event; an empty log
// reports zero.
func (l *Log) SessionDuration() time.Duration {
	l.mu.RLock()
	first, ok := l.events.First()
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	return l.now().Sub(first.Timestamp)
}

// Clear drops every event and restarts event numbering. The session id and
// listeners are kept.
func (l *Log) Clear() {
	l.mu.Lock()
	l.events.Clear()
	l.counter = 0
	l.mu.Unlock()
}

// Rotate clears the log and starts a new session id. It returns the id of
// the session that ended.
func (l *Log) Rotate() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.sessionID
	l.events.Clear()
	l.counter = 0
	l.sessionID = newSessionID()
	return prev
}
