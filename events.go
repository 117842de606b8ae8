package netguard

import (
	"log/slog"
	"sync"
	"time"
)

// InterceptionEvent describes one blocked request. Events are emitted
// synchronously, once per blocked request, and are not retained.
type InterceptionEvent struct {
	Domain    string    `json:"domain"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
	ClientIP  string    `json:"client_ip"`
	UserAgent string    `json:"user_agent"`
	Protocol  string    `json:"protocol"`
}

// InterceptionCallback receives interception events.
type InterceptionCallback func(InterceptionEvent)

// eventSink holds the registered callback and shields request handling
// from callback failures: a panicking callback is logged and the request
// completes normally.
type eventSink struct {
	mu     sync.RWMutex
	fn     InterceptionCallback
	logger *slog.Logger
}

func (s *eventSink) Set(fn InterceptionCallback) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func (s *eventSink) Emit(ev InterceptionEvent) {
	s.mu.RLock()
	fn := s.fn
	s.mu.RUnlock()
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Error("interception callback panicked", "panic", r, "domain", ev.Domain)
		}
	}()
	fn(ev)
}
