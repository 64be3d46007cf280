// Package notify defines the user-facing notifications and lifecycle events
// raised by the connection handshake and the results editor.
package notify

import (
	"sync"
	"time"
)

// Variant is the toast style.
type Variant string

const (
	VariantSuccess Variant = "success"
	VariantError   Variant = "error"
	VariantWarning Variant = "warning"
	VariantInfo    Variant = "info"
)

// Toast display modes.
const (
	ModeSticky      = "sticky"
	ModeDismissable = "dismissable"
)

// Event names raised for parent observers.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// Notice is a toast-style notification.
type Notice struct {
	Title   string  `json:"title"`
	Message string  `json:"message"`
	Variant Variant `json:"variant"`
	Mode    string  `json:"mode"`
}

// Event is a connection state change observed by the page hosting the handshake.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
	Connected bool      `json:"connected"`
}

// Notifier receives notices and events.
type Notifier interface {
	Notify(n Notice)
	Emit(e Event)
}

// Toast builds a notice. Errors stay on screen until dismissed.
func Toast(title, message string, variant Variant) Notice {
	mode := ModeDismissable
	if variant == VariantError {
		mode = ModeSticky
	}
	return Notice{Title: title, Message: message, Variant: variant, Mode: mode}
}

// Success builds a success notice.
func Success(message string) Notice { return Toast("Success", message, VariantSuccess) }

// Error builds a sticky error notice.
func Error(message string) Notice { return Toast("Error", message, VariantError) }

// Info builds an informational notice.
func Info(title, message string) Notice { return Toast(title, message, VariantInfo) }

// Discard drops everything.
type Discard struct{}

func (Discard) Notify(Notice) {}
func (Discard) Emit(Event)    {}

// Recorder keeps every notice and event in memory.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
	events  []Event
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Notices returns a copy of the recorded notices.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Last returns the most recent notice, if any.
func (r *Recorder) Last() (Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return Notice{}, false
	}
	return r.notices[len(r.notices)-1], true
}

// Fanout delivers to several notifiers in order.
type Fanout []Notifier

func (f Fanout) Notify(n Notice) {
	for _, t := range f {
		t.Notify(n)
	}
}

func (f Fanout) Emit(e Event) {
	for _, t := range f {
		t.Emit(e)
	}
}
