package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/banquet/internal/notify"
)

// State is the connection state shown to the user.
type State int

const (
	StateNotConnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "not_connected"
	}
}

// MarshalText renders the state as its string form in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const popupBlockedMessage = "Popup blocked. Please allow popups for this site."

// Config holds handshake timing and popup parameters.
type Config struct {
	WindowName     string
	WindowFeatures string
	PollInterval   time.Duration
	Timeout        time.Duration
	CloseGrace     time.Duration
}

// DefaultConfig returns the standard popup parameters and timings.
func DefaultConfig() Config {
	return Config{
		WindowName:     "apiAuth",
		WindowFeatures: "width=500,height=600,scrollbars=yes,resizable=yes",
		PollInterval:   time.Second,
		Timeout:        5 * time.Minute,
		CloseGrace:     500 * time.Millisecond,
	}
}

// Option configures a Handshake.
type Option func(*Handshake)

// WithRecorder reports outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(h *Handshake) { h.recorder = r }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Handshake) { h.now = now }
}

// session is one in-flight login attempt. It exclusively owns the popup
// handle and both timers.
type session struct {
	startedAt time.Time
	window    Window
	stop      chan struct{}
	deadline  *time.Timer
	id        string
	storing   bool
}

func (s *session) armed() bool {
	return s.stop != nil || s.deadline != nil
}

func (s *session) disarm() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
}

// Snapshot is a point-in-time view of the handshake.
type Snapshot struct {
	State       State  `json:"state"`
	SessionID   string `json:"sessionId,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	PopupOpen   bool   `json:"popupOpen"`
	TimersArmed bool   `json:"timersArmed"`
	TornDown    bool   `json:"tornDown"`
}

// Handshake is the popup login state machine. All state is guarded by mu,
// which stands in for the single logical thread of the hosting page. Backend
// calls run without the lock; their continuations only apply if the same
// attempt is still current and the handshake has not been torn down.
type Handshake struct {
	backend  Backend
	opener   Opener
	notifier notify.Notifier
	recorder Recorder
	now      func() time.Time
	policy   atomic.Pointer[OriginPolicy]
	current  *session
	lastErr  error
	cfg      Config
	mu       sync.Mutex
	state    State
	tornDown bool
}

// NewHandshake creates a handshake in the NotConnected state.
func NewHandshake(backend Backend, opener Opener, notifier notify.Notifier, policy *OriginPolicy, cfg Config, opts ...Option) *Handshake {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	def := DefaultConfig()
	if cfg.WindowName == "" {
		cfg.WindowName = def.WindowName
	}
	if cfg.WindowFeatures == "" {
		cfg.WindowFeatures = def.WindowFeatures
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	h := &Handshake{
		backend:  backend,
		opener:   opener,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
	h.policy.Store(policy)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetOriginPolicy replaces the allow-list used for incoming messages.
func (h *Handshake) SetOriginPolicy(p *OriginPolicy) {
	h.policy.Store(p)
}

// TrustsOrigin reports whether messages from origin would be accepted.
func (h *Handshake) TrustsOrigin(origin string) bool {
	return h.policy.Load().Allows(origin)
}

// Snapshot returns the current state.
func (h *Handshake) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := Snapshot{State: h.state, TornDown: h.tornDown}
	if h.lastErr != nil {
		snap.LastError = h.lastErr.Error()
	}
	if s := h.current; s != nil {
		snap.SessionID = s.id
		snap.PopupOpen = s.window != nil
		snap.TimersArmed = s.armed()
	}
	return snap
}

// LastError returns the cause of the most recent failed attempt.
func (h *Handshake) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Init loads the stored connection state from the backend.
func (h *Handshake) Init(ctx context.Context) error {
	status, err := h.backend.CheckConnectionStatus(ctx)

	var o outbox
	err = h.applyStatus(status, err, &o)
	h.flush(ctx, &o)
	return err
}

func (h *Handshake) applyStatus(status Status, rpcErr error, o *outbox) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tornDown {
		return ErrTornDown
	}
	if rpcErr != nil {
		log.Error().Err(rpcErr).Msg("Error checking connection status")
		o.notices = append(o.notices, notify.Error("Failed to check connection status"))
		return fmt.Errorf("check connection status: %w", rpcErr)
	}
	if h.state == StateConnecting {
		return nil
	}
	if status.IsConnected {
		h.state = StateConnected
	} else {
		h.state = StateNotConnected
	}
	return nil
}

// StartLogin requests an authorization URL, opens the popup and arms the
// liveness poll and the deadline. Only valid when not connected.
func (h *Handshake) StartLogin(ctx context.Context) error {
	var o outbox
	sess, err := h.beginAttempt(&o)
	h.flush(ctx, &o)
	if err != nil {
		return err
	}

	log.Info().Str("sessionId", sess.id).Msg("Initiating API login")
	result, rpcErr := h.backend.InitiateLogin(ctx)

	o = outbox{}
	err = h.openPopup(sess, result, rpcErr, &o)
	h.flush(ctx, &o)
	return err
}

func (h *Handshake) beginAttempt(o *outbox) (*session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.tornDown:
		return nil, ErrTornDown
	case h.state == StateConnecting:
		return nil, ErrAlreadyConnecting
	case h.state == StateConnected:
		return nil, ErrAlreadyConnected
	}

	h.releaseLocked(o)
	sess := &session{id: uuid.NewString(), startedAt: h.now()}
	h.current = sess
	h.state = StateConnecting
	h.lastErr = nil
	return sess, nil
}

func (h *Handshake) openPopup(sess *session, result LoginResult, rpcErr error, o *outbox) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tornDown || h.current != sess {
		log.Debug().Str("sessionId", sess.id).Msg("Login initiation settled after attempt ended")
		return ErrSuperseded
	}
	if rpcErr != nil {
		log.Error().Err(rpcErr).Str("sessionId", sess.id).Msg("Error initiating connection")
		err := fmt.Errorf("initiate login: %w", rpcErr)
		h.failLocked(o, err, notify.Error(messageOr(rpcErr.Error(), "Failed to connect to API")), OutcomeError)
		return err
	}
	if !result.Success || result.AuthURL == "" {
		msg := messageOr(result.Message, "Failed to initiate authentication")
		err := fmt.Errorf("%w: %s", ErrRejected, msg)
		h.failLocked(o, err, notify.Error(msg), OutcomeError)
		return err
	}

	w, ok := h.opener.Open(result.AuthURL, h.cfg.WindowName, h.cfg.WindowFeatures)
	if !ok || w == nil {
		log.Warn().Str("sessionId", sess.id).Msg("Login popup blocked")
		h.failLocked(o, ErrPopupBlocked, notify.Error(popupBlockedMessage), OutcomePopupBlocked)
		return ErrPopupBlocked
	}

	sess.window = w
	h.armLocked(sess)
	log.Info().
		Str("sessionId", sess.id).
		Dur("timeout", h.cfg.Timeout).
		Msg("Login popup opened")
	return nil
}

func (h *Handshake) armLocked(sess *session) {
	stop := make(chan struct{})
	sess.stop = stop
	go h.watchPopup(sess, stop)
	sess.deadline = time.AfterFunc(h.cfg.Timeout, func() { h.expire(sess) })
}

// watchPopup only asks the handle whether it is closed; it never reads popup content.
func (h *Handshake) watchPopup(sess *session, stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var o outbox
			done := h.checkPopup(sess, &o)
			h.flush(context.Background(), &o)
			if done {
				return
			}
		}
	}
}

func (h *Handshake) checkPopup(sess *session, o *outbox) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current != sess || h.state != StateConnecting {
		return true
	}
	if sess.window != nil && !sess.window.Closed() {
		return false
	}
	if b, ok := sess.window.(BlockReporter); ok && b.Blocked() {
		log.Warn().Str("sessionId", sess.id).Msg("Login popup blocked by the browser")
		h.failLocked(o, ErrPopupBlocked, notify.Error(popupBlockedMessage), OutcomePopupBlocked)
		return true
	}

	log.Info().Str("sessionId", sess.id).Msg("Popup closed before authentication completed")
	h.cancelLocked(o)
	return true
}

func (h *Handshake) expire(sess *session) {
	var o outbox
	h.expireLocked(sess, &o)
	h.flush(context.Background(), &o)
}

func (h *Handshake) expireLocked(sess *session, o *outbox) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current != sess || h.state != StateConnecting || sess.storing {
		return
	}
	log.Warn().
		Str("sessionId", sess.id).
		Dur("elapsed", h.now().Sub(sess.startedAt)).
		Msg("Authentication timed out")
	h.failLocked(o, ErrTimeout, notify.Error("Authentication timed out. Please try again."), OutcomeTimeout)
}

// Cancel abandons the attempt in progress.
func (h *Handshake) Cancel(ctx context.Context) error {
	var o outbox
	err := h.cancel(&o)
	h.flush(ctx, &o)
	return err
}

func (h *Handshake) cancel(o *outbox) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tornDown {
		return ErrTornDown
	}
	if h.state != StateConnecting {
		return ErrNotConnecting
	}
	if sess := h.current; sess != nil && sess.storing {
		// The token is already on its way to the backend; its result decides the state.
		log.Info().Str("sessionId", sess.id).Msg("Ignoring cancel: token storage in progress")
		return ErrNotConnecting
	}
	h.cancelLocked(o)
	return nil
}

// HandleMessage is the message inbox. The origin is checked against the
// allow-list before any payload field is looked at.
func (h *Handshake) HandleMessage(ctx context.Context, origin string, payload []byte) error {
	if h.isTornDown() {
		return ErrTornDown
	}
	if !h.TrustsOrigin(origin) {
		log.Warn().Str("origin", origin).Msg("Rejected message from untrusted origin")
		return ErrUntrustedOrigin
	}

	msg, err := DecodeMessage(payload)
	if err != nil {
		log.Error().Err(err).Str("origin", origin).Msg("Failed to parse popup message")
		var o outbox
		h.failIfConnecting(&o, err, notify.Error("Invalid JSON format in authentication response"))
		h.flush(ctx, &o)
		return err
	}

	switch msg.Type {
	case MessageAuthSuccess:
		return h.completeLogin(ctx, msg)
	case MessageAuthError:
		var o outbox
		text := messageOr(msg.Error, "Authentication failed")
		h.failIfConnecting(&o, fmt.Errorf("%w: %s", ErrAuthFailed, text), notify.Error(text))
		h.flush(ctx, &o)
		return nil
	case MessageTest:
		log.Debug().Str("origin", origin).Msg("Received test message from popup")
		return nil
	case MessageAuthCancelled:
		var o outbox
		if err := h.cancel(&o); err != nil && !errors.Is(err, ErrNotConnecting) {
			return err
		}
		h.flush(ctx, &o)
		return nil
	default:
		log.Debug().Str("type", msg.Type).Str("origin", origin).Msg("Ignoring unrecognized popup message")
		return nil
	}
}

func (h *Handshake) failIfConnecting(o *outbox, cause error, notice notify.Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tornDown || h.state != StateConnecting || h.current == nil || h.current.storing {
		log.Debug().Err(cause).Msg("Ignoring popup failure: no authentication in progress")
		return
	}
	h.failLocked(o, cause, notice, OutcomeError)
}

func (h *Handshake) completeLogin(ctx context.Context, msg Message) error {
	var o outbox
	sess, req, ok := h.beginStore(msg, &o)
	h.flush(ctx, &o)
	if !ok {
		return nil
	}

	result, rpcErr := h.backend.StoreToken(ctx, req)

	o = outbox{}
	err := h.finishStore(sess, result, rpcErr, &o)
	h.flush(ctx, &o)
	return err
}

// beginStore claims the attempt for token storage. Duplicate success
// messages find the attempt already claimed or finished and are dropped.
func (h *Handshake) beginStore(msg Message, o *outbox) (*session, StoreTokenRequest, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess := h.current
	if h.tornDown || h.state != StateConnecting || sess == nil || sess.storing || sess.window == nil {
		log.Info().Msg("Ignoring auth success: no authentication in progress")
		return nil, StoreTokenRequest{}, false
	}

	sess.storing = true
	sess.disarm()
	o.close(sess.window, h.cfg.CloseGrace)
	sess.window = nil

	tokens := NormalizeToken(msg.Token)
	clientID := msg.ClientID
	if clientID == "" {
		clientID = msg.UserID
	}
	log.Info().
		Str("sessionId", sess.id).
		Str("userId", msg.UserID).
		Bool("hasRefreshToken", tokens.RefreshToken != "").
		Msg("Received auth success, storing token")

	return sess, StoreTokenRequest{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		UserID:       msg.UserID,
		ClientID:     clientID,
	}, true
}

func (h *Handshake) finishStore(sess *session, result Result, rpcErr error, o *outbox) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tornDown || h.current != sess {
		log.Debug().Str("sessionId", sess.id).Msg("Token storage settled after attempt ended")
		return ErrSuperseded
	}

	if rpcErr != nil || !result.Success {
		detail := messageOr(result.Message, "Failed to store token")
		cause := fmt.Errorf("%w: %s", ErrRejected, detail)
		if rpcErr != nil {
			detail = messageOr(rpcErr.Error(), "Unknown error occurred")
			cause = rpcErr
		}
		log.Error().Err(cause).Str("sessionId", sess.id).Msg("Error handling auth success")
		err := fmt.Errorf("store token: %w", cause)
		h.failLocked(o, err, notify.Error("Failed to complete authentication: "+detail), OutcomeError)
		return err
	}

	h.releaseLocked(o)
	h.state = StateConnected
	h.lastErr = nil
	o.notices = append(o.notices, notify.Success("API connected successfully"))
	o.events = append(o.events, notify.Event{Name: notify.EventConnected, Connected: true, Timestamp: h.now()})
	o.outcomes = append(o.outcomes, OutcomeConnected)
	log.Info().Str("sessionId", sess.id).Msg("API connected")
	return nil
}

// Disconnect removes the stored credentials. On failure the handshake stays connected.
func (h *Handshake) Disconnect(ctx context.Context) error {
	h.mu.Lock()
	switch {
	case h.tornDown:
		h.mu.Unlock()
		return ErrTornDown
	case h.state != StateConnected:
		h.mu.Unlock()
		return ErrNotConnected
	}
	h.mu.Unlock()

	result, rpcErr := h.backend.Disconnect(ctx)

	var o outbox
	err := h.finishDisconnect(result, rpcErr, &o)
	h.flush(ctx, &o)
	return err
}

func (h *Handshake) finishDisconnect(result Result, rpcErr error, o *outbox) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tornDown {
		return ErrSuperseded
	}
	if rpcErr != nil {
		log.Error().Err(rpcErr).Msg("Error disconnecting")
		o.notices = append(o.notices, notify.Error(messageOr(rpcErr.Error(), "Failed to disconnect from API")))
		return fmt.Errorf("disconnect: %w", rpcErr)
	}
	if !result.Success {
		msg := messageOr(result.Message, "Failed to disconnect")
		o.notices = append(o.notices, notify.Error(msg))
		return fmt.Errorf("disconnect: %w: %s", ErrRejected, msg)
	}

	h.state = StateNotConnected
	o.notices = append(o.notices, notify.Success("API disconnected successfully"))
	o.events = append(o.events, notify.Event{Name: notify.EventDisconnected, Connected: false, Timestamp: h.now()})
	o.outcomes = append(o.outcomes, OutcomeDisconnected)
	return nil
}

// Teardown detaches the inbox, clears both timers and closes any open popup.
// It is safe to call more than once and from any state.
func (h *Handshake) Teardown() {
	var o outbox
	h.mu.Lock()
	if !h.tornDown {
		h.tornDown = true
		h.releaseLocked(&o)
		if h.state == StateConnecting {
			h.state = StateNotConnected
		}
	}
	h.mu.Unlock()
	h.flush(context.Background(), &o)
}

func (h *Handshake) isTornDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tornDown
}

func (h *Handshake) cancelLocked(o *outbox) {
	h.releaseLocked(o)
	h.state = StateNotConnected
	h.lastErr = ErrCancelled
	o.notices = append(o.notices, notify.Info("Info", "Authentication cancelled"))
	o.outcomes = append(o.outcomes, OutcomeCancelled)
}

func (h *Handshake) failLocked(o *outbox, cause error, notice notify.Notice, outcome string) {
	h.releaseLocked(o)
	h.state = StateNotConnected
	h.lastErr = cause
	o.notices = append(o.notices, notice)
	o.outcomes = append(o.outcomes, outcome)
}

// releaseLocked is the single cleanup path for an attempt: timers stop and
// the popup handle is dropped and closed.
func (h *Handshake) releaseLocked(o *outbox) {
	sess := h.current
	if sess == nil {
		return
	}
	h.current = nil
	sess.disarm()
	if sess.window != nil {
		o.close(sess.window, 0)
		sess.window = nil
	}
}

type pendingClose struct {
	window Window
	grace  time.Duration
}

// outbox collects side effects produced under the lock so they run after it is released.
type outbox struct {
	notices  []notify.Notice
	events   []notify.Event
	outcomes []string
	closes   []pendingClose
}

func (o *outbox) close(w Window, grace time.Duration) {
	if w != nil {
		o.closes = append(o.closes, pendingClose{window: w, grace: grace})
	}
}

func (h *Handshake) flush(ctx context.Context, o *outbox) {
	for _, c := range o.closes {
		closeWindow(c.window, c.grace)
	}
	for _, n := range o.notices {
		h.notifier.Notify(n)
	}
	for _, e := range o.events {
		h.notifier.Emit(e)
	}
	if h.recorder != nil {
		for _, outcome := range o.outcomes {
			h.recorder.RecordHandshake(ctx, outcome)
		}
	}
}

func closeWindow(w Window, grace time.Duration) {
	if grace <= 0 {
		if !w.Closed() {
			w.Close()
		}
		return
	}
	time.AfterFunc(grace, func() {
		if !w.Closed() {
			w.Close()
		}
	})
}

func messageOr(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}
