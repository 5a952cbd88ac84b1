// Package logsink implements the log fan-in (L10, §4.10): a bounded
// channel fed by producers across the hub, drained by a single consumer
// that writes to stdout and keeps a capped per-app ring buffer for
// app_log (§4.8).
package logsink

import (
	"container/ring"
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// channelCapacity is the asynchronous bounded channel's capacity (§4.10).
// Producers block once it fills — acceptable since logging already sits on
// an I/O path.
const channelCapacity = 64

// appRingSize caps the per-app buffer backing app_log (§4.8: "last ≤300
// log lines").
const appRingSize = 300

// Event is a single structured log line a producer hands to the sink.
type Event struct {
	Time time.Time
	App  string // "" for hub-internal events not tagged to an app
	Line string
}

// Sink owns the fan-in channel and the per-app ring buffers.
type Sink struct {
	events chan Event

	mu   sync.Mutex
	logs map[string]*ring.Ring

	out    *log.Logger
	done   chan struct{}
	closed sync.Once
}

// New starts the consumer goroutine writing formatted lines to out (stdout
// by default via the caller's *log.Logger, matching the teacher's
// log.Printf idiom rather than a third-party structured logger — see
// DESIGN.md).
func New(out *log.Logger) *Sink {
	s := &Sink{
		events: make(chan Event, channelCapacity),
		logs:   make(map[string]*ring.Ring),
		out:    out,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Publish enqueues an event, blocking if the channel is full (§4.10
// back-pressure).
func (s *Sink) Publish(ctx context.Context, app, line string) {
	ev := Event{Time: time.Now(), App: app, Line: line}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	case <-s.done:
	}
}

func (s *Sink) run() {
	for {
		select {
		case ev := <-s.events:
			if ev.App != "" {
				s.out.Printf("[%s] %s", ev.App, ev.Line)
				s.appendRing(ev.App, ev)
			} else {
				s.out.Print(ev.Line)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Sink) appendRing(app string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.logs[app]
	if !ok {
		r = ring.New(appRingSize)
		s.logs[app] = r
	}
	r.Value = ev
	s.logs[app] = r.Next()
}

// Tail returns up to appRingSize most recent lines logged for app, oldest
// first.
func (s *Sink) Tail(app string) []string {
	s.mu.Lock()
	r, ok := s.logs[app]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var lines []string
	r.Do(func(v interface{}) {
		if v == nil {
			return
		}
		ev := v.(Event)
		lines = append(lines, fmt.Sprintf("%s %s", ev.Time.Format(time.RFC3339), ev.Line))
	})
	return lines
}

// Close stops the consumer. Safe to call more than once.
func (s *Sink) Close() {
	s.closed.Do(func() {
		close(s.done)
	})
}
