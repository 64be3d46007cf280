// Package popup tracks the login windows the browser opened on our behalf.
// Windows are opened by broadcasting a command to attached browsers and are
// kept alive by heartbeats from the popup page.
package popup

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/banquet/internal/auth"
	"github.com/thebtf/banquet/internal/sse"
)

// ErrUnknownPopup is returned for reports about windows that are not tracked.
var ErrUnknownPopup = errors.New("unknown popup")

// Sender delivers commands to attached browsers.
type Sender interface {
	Send(eventType string, data any) int
	ClientCount() int
}

// OpenCommand asks a browser to open a window.
type OpenCommand struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Features string `json:"features"`
}

// CloseCommand asks a browser to close a window.
type CloseCommand struct {
	ID string `json:"id"`
}

// Registry implements auth.Opener.
type Registry struct {
	sender Sender
	grace  time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*Window
}

// NewRegistry creates a registry. A window that sends no heartbeat for
// grace is reported closed; zero disables the check.
func NewRegistry(sender Sender, grace time.Duration) *Registry {
	return &Registry{
		sender:  sender,
		grace:   grace,
		now:     time.Now,
		windows: make(map[string]*Window),
	}
}

// Open broadcasts an open command. It reports a blocked popup when no
// browser is attached to receive it.
func (r *Registry) Open(url, name, features string) (auth.Window, bool) {
	if r.sender.ClientCount() == 0 {
		log.Warn().Msg("No browser attached; popup blocked")
		return nil, false
	}

	w := &Window{registry: r, id: uuid.NewString(), lastSeen: r.now()}
	r.mu.Lock()
	r.windows[w.id] = w
	r.mu.Unlock()

	if r.sender.Send(sse.TypePopupOpen, OpenCommand{ID: w.id, URL: url, Name: name, Features: features}) == 0 {
		r.forget(w.id)
		log.Warn().Str("popup_id", w.id).Msg("Open command not delivered; popup blocked")
		return nil, false
	}

	log.Debug().Str("popup_id", w.id).Str("name", name).Msg("Popup opened")
	return w, true
}

// Heartbeat records that the popup page is still open.
func (r *Registry) Heartbeat(id string) error {
	w := r.lookup(id)
	if w == nil {
		return ErrUnknownPopup
	}
	w.mu.Lock()
	w.lastSeen = r.now()
	w.mu.Unlock()
	return nil
}

// MarkClosed records that the user closed the popup.
func (r *Registry) MarkClosed(id string) error {
	if err := r.settle(id, false); err != nil {
		return err
	}
	log.Debug().Str("popup_id", id).Msg("Popup reported closed")
	return nil
}

// MarkBlocked records that the browser refused to open the popup.
func (r *Registry) MarkBlocked(id string) error {
	if err := r.settle(id, true); err != nil {
		return err
	}
	log.Warn().Str("popup_id", id).Msg("Popup reported blocked by the browser")
	return nil
}

func (r *Registry) settle(id string, blocked bool) error {
	w := r.lookup(id)
	if w == nil {
		return ErrUnknownPopup
	}
	w.mu.Lock()
	w.closed = true
	w.blocked = blocked
	w.mu.Unlock()
	r.forget(id)
	return nil
}

// Len returns the number of tracked windows.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

func (r *Registry) lookup(id string) *Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windows[id]
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	delete(r.windows, id)
	r.mu.Unlock()
}

// Window is a tracked popup.
type Window struct {
	registry *Registry
	id       string

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
	blocked  bool
}

// ID returns the popup identifier used by heartbeat and close reports.
func (w *Window) ID() string {
	return w.id
}

// Blocked reports whether the browser refused to open the popup.
func (w *Window) Blocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blocked
}

// Closed reports whether the popup was closed or went silent. A silent
// popup is dropped from the registry the first time it is seen expired.
func (w *Window) Closed() bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return true
	}
	grace := w.registry.grace
	expired := grace > 0 && w.registry.now().Sub(w.lastSeen) > grace
	if expired {
		w.closed = true
	}
	w.mu.Unlock()

	if expired {
		w.registry.forget(w.id)
		log.Debug().Str("popup_id", w.id).Dur("grace", grace).Msg("Popup heartbeat expired")
	}
	return expired
}

// Close tells the browser to close the popup. Repeated calls do nothing.
func (w *Window) Close() {
	w.mu.Lock()
	already := w.closed
	w.closed = true
	w.mu.Unlock()

	w.registry.forget(w.id)
	if already {
		return
	}
	w.registry.sender.Send(sse.TypePopupClose, CloseCommand{ID: w.id})
}
