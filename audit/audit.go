// Package audit defines the notifications devicetrust sends to the device's
// audit pipeline. Persistence and alert delivery live outside this module;
// components only call a Hook.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is one security-relevant occurrence: a vault access, a credential
// lifecycle change, or an RBAC decision.
type Event struct {
	Time time.Time
	// Source is the emitting component, e.g. "vault" or "rbac".
	Source string
	// Action names what happened, e.g. "retrieve", "revoke", "check_permission".
	Action string
	// Actor is the user, accessor or subsystem that caused the event.
	Actor string
	// Subject is what was acted on: a credential id, a permission, a role id.
	Subject string
	Success bool
	// Reason explains a failure or a decision.
	Reason string
	// Fields carries extra non-secret attributes.
	Fields map[string]string
}

// Hook receives events. Hooks must not block for long: they run inline with
// the operation that produced the event.
type Hook func(Event)

// Nop discards events.
func Nop(Event) {}

// Multi fans an event out to every non-nil hook in order.
func Multi(hooks ...Hook) Hook {
	return func(e Event) {
		for _, h := range hooks {
			if h != nil {
				h(e)
			}
		}
	}
}

// NewSlogHook returns a Hook that writes events as structured log records.
// Successful events log at INFO, failures at WARN.
func NewSlogHook(logger *slog.Logger) Hook {
	return func(e Event) {
		level := slog.LevelInfo
		if !e.Success {
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("source", e.Source),
			slog.String("action", e.Action),
			slog.String("actor", e.Actor),
			slog.String("subject", e.Subject),
			slog.Bool("success", e.Success),
		}
		if e.Reason != "" {
			attrs = append(attrs, slog.String("reason", e.Reason))
		}
		for k, v := range e.Fields {
			attrs = append(attrs, slog.String(k, v))
		}
		logger.LogAttrs(context.Background(), level, "audit", attrs...)
	}
}

// Recorder keeps events in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Hook returns a Hook that appends to the recorder.
func (r *Recorder) Hook() Hook {
	return func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns recorded events from source with the given action.
func (r *Recorder) Filter(source, action string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Source == source && e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
