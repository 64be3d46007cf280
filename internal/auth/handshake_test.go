package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/thebtf/banquet/internal/notify"
)

const trustedOrigin = "https://relay.herokuapp.com"

type fakeBackend struct {
	initiateErr   error
	storeErr      error
	disconnectErr error
	initiateGate  chan struct{}
	storeGate     chan struct{}
	storeEntered  chan struct{}
	storeCalls    []StoreTokenRequest
	login         LoginResult
	store         Result
	disconnect    Result
	status        Status
	mu            sync.Mutex
}

func (b *fakeBackend) InitiateLogin(ctx context.Context) (LoginResult, error) {
	if b.initiateGate != nil {
		<-b.initiateGate
	}
	return b.login, b.initiateErr
}

func (b *fakeBackend) CheckConnectionStatus(ctx context.Context) (Status, error) {
	return b.status, nil
}

func (b *fakeBackend) Disconnect(ctx context.Context) (Result, error) {
	return b.disconnect, b.disconnectErr
}

func (b *fakeBackend) StoreToken(ctx context.Context, req StoreTokenRequest) (Result, error) {
	b.mu.Lock()
	b.storeCalls = append(b.storeCalls, req)
	gate, entered := b.storeGate, b.storeEntered
	b.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return b.store, b.storeErr
}

func (b *fakeBackend) stored() []StoreTokenRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StoreTokenRequest(nil), b.storeCalls...)
}

type fakeWindow struct {
	closed     atomic.Bool
	blocked    atomic.Bool
	closeCalls atomic.Int32
}

func (w *fakeWindow) Closed() bool { return w.closed.Load() }

func (w *fakeWindow) Blocked() bool { return w.blocked.Load() }

func (w *fakeWindow) Close() {
	w.closeCalls.Add(1)
	w.closed.Store(true)
}

type fakeOpener struct {
	window   *fakeWindow
	url      string
	features string
	opens    int
	blocked  bool
	mu       sync.Mutex
}

func (o *fakeOpener) Open(url, name, features string) (Window, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	o.url = url
	o.features = features
	if o.blocked {
		return nil, false
	}
	o.window = &fakeWindow{}
	return o.window, true
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *countingRecorder) RecordHandshake(ctx context.Context, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *countingRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

// HandshakeSuite tests the popup login state machine.
type HandshakeSuite struct {
	suite.Suite
	backend  *fakeBackend
	opener   *fakeOpener
	notices  *notify.Recorder
	recorder *countingRecorder
	h        *Handshake
	ctx      context.Context
}

func TestHandshakeSuite(t *testing.T) {
	suite.Run(t, new(HandshakeSuite))
}

func (s *HandshakeSuite) SetupTest() {
	s.ctx = context.Background()
	s.backend = &fakeBackend{
		login:      LoginResult{Success: true, AuthURL: "https://login.example.com/authorize?state=x"},
		store:      Result{Success: true},
		disconnect: Result{Success: true},
	}
	s.opener = &fakeOpener{}
	s.notices = &notify.Recorder{}
	s.recorder = &countingRecorder{}
	s.h = s.newHandshake(Config{PollInterval: time.Hour, Timeout: time.Hour})
}

func (s *HandshakeSuite) TearDownTest() {
	s.h.Teardown()
}

func (s *HandshakeSuite) newHandshake(cfg Config) *Handshake {
	return NewHandshake(s.backend, s.opener, s.notices, NewOriginPolicy([]string{"https://*.herokuapp.com"}), cfg, WithRecorder(s.recorder))
}

func (s *HandshakeSuite) requireTerminal() {
	snap := s.h.Snapshot()
	s.False(snap.TimersArmed, "timers must be inactive")
	s.False(snap.PopupOpen, "popup handle must be released")
	s.Empty(snap.SessionID)
}

func (s *HandshakeSuite) lastNotice() notify.Notice {
	n, ok := s.notices.Last()
	s.Require().True(ok, "expected a notice")
	return n
}

func (s *HandshakeSuite) TestStartLogin_OpensPopupAndArmsTimers() {
	s.Require().NoError(s.h.StartLogin(s.ctx))

	snap := s.h.Snapshot()
	s.Equal(StateConnecting, snap.State)
	s.True(snap.PopupOpen)
	s.True(snap.TimersArmed)
	s.NotEmpty(snap.SessionID)
	s.Equal("https://login.example.com/authorize?state=x", s.opener.url)
	s.Equal(DefaultConfig().WindowFeatures, s.opener.features)
}

func (s *HandshakeSuite) TestStartLogin_BackendFailures() {
	tests := []struct {
		name    string
		login   LoginResult
		err     error
		message string
	}{
		{name: "rpc error", err: errors.New("connection refused"), message: "connection refused"},
		{name: "rejected with message", login: LoginResult{Success: false, Message: "integration disabled"}, message: "integration disabled"},
		{name: "rejected without message", login: LoginResult{Success: false}, message: "Failed to initiate authentication"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			s.backend.login = tt.login
			s.backend.initiateErr = tt.err

			err := s.h.StartLogin(s.ctx)
			s.Error(err)
			s.Equal(StateNotConnected, s.h.Snapshot().State)
			s.requireTerminal()
			s.Equal(0, s.opener.opens)

			n := s.lastNotice()
			s.Equal(notify.VariantError, n.Variant)
			s.Equal(notify.ModeSticky, n.Mode)
			s.Equal(tt.message, n.Message)
		})
	}
}

func (s *HandshakeSuite) TestStartLogin_PopupBlocked() {
	s.opener.blocked = true

	err := s.h.StartLogin(s.ctx)
	s.ErrorIs(err, ErrPopupBlocked)
	s.ErrorIs(s.h.LastError(), ErrPopupBlocked)
	s.Equal(StateNotConnected, s.h.Snapshot().State)
	s.requireTerminal()
	s.Equal("Popup blocked. Please allow popups for this site.", s.lastNotice().Message)
	s.Equal([]string{OutcomePopupBlocked}, s.recorder.all())
}

func (s *HandshakeSuite) TestStartLogin_RejectsWhenBusy() {
	s.Require().NoError(s.h.StartLogin(s.ctx))
	s.ErrorIs(s.h.StartLogin(s.ctx), ErrAlreadyConnecting)

	s.backend.status = Status{IsConnected: true}
	other := s.newHandshake(Config{})
	defer other.Teardown()
	s.Require().NoError(other.Init(s.ctx))
	s.ErrorIs(other.StartLogin(s.ctx), ErrAlreadyConnected)
}

func (s *HandshakeSuite) TestSuccessMessage_StoresTokenAndConnects() {
	s.Require().NoError(s.h.StartLogin(s.ctx))
	window := s.opener.window

	payload := `{"type":"API_AUTH_SUCCESS","token":"{\"access_token\":\"abc\",\"refresh_token\":\"r\"}","userId":"005xx"}`
	s.Require().NoError(s.h.HandleMessage(s.ctx, trustedOrigin, []byte(payload)))

	s.Equal(StateConnected, s.h.Snapshot().State)
	s.requireTerminal()
	s.Eventually(window.Closed, time.Second, 10*time.Millisecond)

	calls := s.backend.stored()
	s.Require().Len(calls, 1)
	s.Equal(StoreTokenRequest{AccessToken: "abc", RefreshToken: "r", UserID: "005xx", ClientID: "005xx"}, calls[0])

	s.Equal("API connected successfully", s.lastNotice().Message)
	events := s.notices.Events()
	s.Require().Len(events, 1)
	s.Equal(notify.EventConnected, events[0].Name)
	s.True(events[0].Connected)
	s.False(events[0].Timestamp.IsZero())
}

func (s *HandshakeSuite) TestSuccessMessage_ExplicitClientID() {
	s.Require().NoError(s.h.StartLogin(s.ctx))

	payload := `{"type":"API_AUTH_SUCCESS","token":{"accessToken":"abc"},"userId":"u1","clientId":"c9"}`
	s.Require().NoError(s.h.HandleMessage(s.ctx, trustedOrigin, []byte(payload)))

	calls := s.backend.stored()
	s.Require().Len(calls, 1)
	s.Equal("abc", calls[0].AccessToken)
	s.Equal("", calls[0].RefreshToken)
	s.Equal("c9", calls[0].ClientID)
}

func (s *HandshakeSuite) TestSuccessMessage_DuplicateIgnored() {
	s.Require().NoError(s.h.StartLogin(s.ctx))

	payload := []byte(`{"type":"API_AUTH_SUCCESS","token":"abc","userId":"u1"}`)
	s.Require().NoError(s.h.HandleMessage(s.ctx, trustedOrigin, payload))
	s.Require().NoError(s.h.HandleMessage(s.ctx, trustedOrigin, payload))
	s.Require().NoError(s.h.HandleMessage(s.ctx, trustedOrigin, payload))

	s.Len(s.backend.stored(), 1)
	s.Len(s.notices.Events(), 1)
	s.Equal(StateConnected, s.h.Snapshot().State)
}

func (s *HandshakeSuite) TestSuccessMessage_DoubleEncodedPayload() {
	s.Require().NoError(s.h.StartLogin(s.ctx))

	payload := `"{\"type\":\"API_AUTH_SUCCESS\",\"token\":\"abc\",\"userId\":\"u1\"}"`
	s.Require().NoError(s.h.HandleMessage(s.ctx, trustedOrigin, []byte(payload)))
	s.Equal(StateConnected, s.h.Snapshot().State)
}

func (s *HandshakeSuite) TestSuccessMessage_StoreRejected() {
	s.backend.store = Result{Success: false, Message: "token invalid"}
	s.Require().NoError(s.h.StartLogin(s.ctx))

	err := s.h.HandleMessage(s.ctx, trustedOrigin, []byte(`{"type":"API_AUTH_SUCCESS","token":"abc","userId":"u1"}`))
	s.ErrorIs(err, ErrRejected)
	s.Equal(StateNotConnected, s.h.Snapshot().State)
	s.requireTerminal()
	s.Equal("Failed to complete authentication: token invalid", s.lastNotice().Message)
	s.Empty(s.notices.Events())
}

func (s *HandshakeSuite) TestSuccessMessage_StoreTransportError() {
	s.backend.storeErr = errors.New("timeout talking to backend")
	s.Require().NoError(s.h.StartLogin(s.ctx))

	err := s.h.HandleMessage(s.ctx, trustedOrigin, []byte(`{"type":"API_AUTH_SUCCESS","token":"abc","userId":"u1"}`))
	s.Error(err)
	s.Equal(StateNotConnected, s.h.Snapshot().State)
	s.Equal("Failed to complete authentication: timeout talking to backend", s.lastNotice().Message)
}

func (s *HandshakeSuite) TestMessage_UntrustedOriginIgnored() {
	s.Require().NoError(s.h.StartLogin(s.ctx))

	payload := []byte(`{"type":"API_AUTH_SUCCESS","token":"abc","userId":"u1"}`)
	for _, origin := range []string{"", "null", "https://evil.example.com", "https://herokuapp.com.evil.io", "http://relay.herokuapp.com"} {
		s.ErrorIs(s.h.HandleMessage(s.ctx, origin, payload), ErrUntrustedOrigin, origin)
	}

	s.Empty(s.backend.stored())
	s.Equal(StateConnecting, s.h.Snapshot().State)
}

func (s *HandshakeSuite) TestErrorMessage_FailsAttempt() {
	s.Require().NoError(s.h.StartLogin(s.ctx))
	window := s.opener.window

	s.Require().NoError(s.h.HandleMessage(s.ctx, trustedOrigin, []byte(`{"type":"API_AUTH_ERROR","error":"access_denied"}`)))

	s.Equal(StateNotConnected, s.h.Snapshot().State)
	s.requireTerminal()
	s.True(window.Closed())
	s.ErrorIs(s.h.LastError(), ErrAuthFailed)
	s.Equal("access_denied", s.lastNotice().Message)
}

func (s *HandshakeSuite) TestCancelledMessage_IsInformational() {
	s.Require().NoError(s.h.StartLogin(s.ctx))

	s.Require().NoError(s.h.HandleMessage(s.ctx, trustedOrigin, []byte(`{"type":"API_AUTH_CANCELLED"}`)))

	s.Equal(StateNotConnected, s.h.Snapshot().State)
	s.requireTerminal()
	n := s.lastNotice()
	s.Equal(notify.VariantInfo, n.Variant)
	s.Equal("Authentication cancelled", n.Message)
	s.ErrorIs(s.h.LastError(), ErrCancelled)
}

func (s *HandshakeSuite) TestUnknownMessage_Ignored() {
	s.Require().NoError(s.h.StartLogin(s.ctx))

	s.NoError(s.h.HandleMessage(s.ctx, trustedOrigin, []byte(`{"type":"TEST_MESSAGE","data":"ping"}`)))
	s.NoError(s.h.HandleMessage(s.ctx, trustedOrigin, []byte(`{"type":"SOMETHING_ELSE"}`)))

	snap := s.h.Snapshot()
	s.Equal(StateConnecting, snap.State)
	s.True(snap.TimersArmed)
	s.Empty(s.notices.Notices())
}

func (s *HandshakeSuite) TestMalformedMessage_FailsAttempt() {
	s.Require().NoError(s.h.StartLogin(s.ctx))

	err := s.h.HandleMessage(s.ctx, trustedOrigin, []byte(`{not json`))
	s.ErrorIs(err, ErrMalformedMessage)
	s.Equal(StateNotConnected, s.h.Snapshot().State)
	s.requireTerminal()
	s.Equal("Invalid JSON format in authentication response", s.lastNotice().Message)
}

func (s *HandshakeSuite) TestUserCancel() {
	s.ErrorIs(s.h.Cancel(s.ctx), ErrNotConnecting)

	s.Require().NoError(s.h.StartLogin(s.ctx))
	window := s.opener.window
	s.Require().NoError(s.h.Cancel(s.ctx))

	s.Equal(StateNotConnected, s.h.Snapshot().State)
	s.requireTerminal()
	s.True(window.Closed())
	s.Equal([]string{OutcomeCancelled}, s.recorder.outcomes)
}

func (s *HandshakeSuite) TestPopupClosedDetected() {
	s.h.Teardown()
	s.h = s.newHandshake(Config{PollInterval: 10 * time.Millisecond, Timeout: time.Hour})

	s.Require().NoError(s.h.StartLogin(s.ctx))
	s.opener.window.closed.Store(true)

	s.Eventually(func() bool {
		return s.h.Snapshot().State == StateNotConnected
	}, time.Second, 5*time.Millisecond)
	s.requireTerminal()
	s.Equal(notify.VariantInfo, s.lastNotice().Variant)
	s.ErrorIs(s.h.LastError(), ErrCancelled)
}

func (s *HandshakeSuite) TestPopupBlockedByBrowser() {
	s.h.Teardown()
	s.h = s.newHandshake(Config{PollInterval: 10 * time.Millisecond, Timeout: time.Hour})

	s.Require().NoError(s.h.StartLogin(s.ctx))
	s.opener.window.blocked.Store(true)
	s.opener.window.closed.Store(true)

	// Outcomes are recorded last, after the notice.
	s.Eventually(func() bool {
		return len(s.recorder.all()) == 1
	}, time.Second, 5*time.Millisecond)
	s.Equal(StateNotConnected, s.h.Snapshot().State)
	s.requireTerminal()
	s.ErrorIs(s.h.LastError(), ErrPopupBlocked)

	n := s.lastNotice()
	s.Equal("Popup blocked. Please allow popups for this site.", n.Message)
	s.Equal(notify.VariantError, n.Variant)
	s.Equal(notify.ModeSticky, n.Mode)
	s.Equal([]string{OutcomePopupBlocked}, s.recorder.all())
}

func (s *HandshakeSuite) TestCancelDuringTokenStorage_Ignored() {
	s.backend.storeGate = make(chan struct{})
	s.backend.storeEntered = make(chan struct{}, 1)
	s.Require().NoError(s.h.StartLogin(s.ctx))

	done := make(chan error, 1)
	go func() {
		done <- s.h.HandleMessage(s.ctx, trustedOrigin, []byte(`{"type":"API_AUTH_SUCCESS","token":"abc","userId":"u1"}`))
	}()
	<-s.backend.storeEntered

	s.ErrorIs(s.h.Cancel(s.ctx), ErrNotConnecting)
	s.NoError(s.h.HandleMessage(s.ctx, trustedOrigin, []byte(`{"type":"API_AUTH_CANCELLED"}`)))
	s.Equal(StateConnecting, s.h.Snapshot().State)

	close(s.backend.storeGate)
	s.Require().NoError(<-done)

	s.Equal(StateConnected, s.h.Snapshot().State)
	s.Nil(s.h.LastError())
	s.Equal("API connected successfully", s.lastNotice().Message)
	for _, n := range s.notices.Notices() {
		s.NotEqual("Authentication cancelled", n.Message)
	}
	s.Equal([]string{OutcomeConnected}, s.recorder.all())

	s.NoError(s.h.Disconnect(s.ctx))
	s.Equal(StateNotConnected, s.h.Snapshot().State)
}

func (s *HandshakeSuite) TestDeadlineTimeout() {
	s.h.Teardown()
	s.h = s.newHandshake(Config{PollInterval: time.Hour, Timeout: 30 * time.Millisecond})

	s.Require().NoError(s.h.StartLogin(s.ctx))
	window := s.opener.window

	s.Eventually(func() bool {
		return s.h.Snapshot().State == StateNotConnected
	}, time.Second, 5*time.Millisecond)
	s.requireTerminal()
	s.True(window.Closed())
	s.ErrorIs(s.h.LastError(), ErrTimeout)
	s.Equal("Authentication timed out. Please try again.", s.lastNotice().Message)

	// A late success after the timeout must not store anything.
	s.NoError(s.h.HandleMessage(s.ctx, trustedOrigin, []byte(`{"type":"API_AUTH_SUCCESS","token":"abc","userId":"u1"}`)))
	s.Empty(s.backend.stored())
}

func (s *HandshakeSuite) TestNewAttemptAfterFailure() {
	s.opener.blocked = true
	s.ErrorIs(s.h.StartLogin(s.ctx), ErrPopupBlocked)

	s.opener.blocked = false
	s.Require().NoError(s.h.StartLogin(s.ctx))
	s.Equal(StateConnecting, s.h.Snapshot().State)
	s.Nil(s.h.LastError())
}

func (s *HandshakeSuite) TestDisconnect() {
	s.ErrorIs(s.h.Disconnect(s.ctx), ErrNotConnected)

	s.backend.status = Status{IsConnected: true}
	s.Require().NoError(s.h.Init(s.ctx))
	s.Equal(StateConnected, s.h.Snapshot().State)

	s.backend.disconnect = Result{Success: false, Message: "still referenced"}
	s.Error(s.h.Disconnect(s.ctx))
	s.Equal(StateConnected, s.h.Snapshot().State)
	s.Equal("still referenced", s.lastNotice().Message)

	s.backend.disconnect = Result{Success: true}
	s.Require().NoError(s.h.Disconnect(s.ctx))
	s.Equal(StateNotConnected, s.h.Snapshot().State)
	s.Equal("API disconnected successfully", s.lastNotice().Message)

	events := s.notices.Events()
	s.Require().Len(events, 1)
	s.Equal(notify.EventDisconnected, events[0].Name)
	s.False(events[0].Connected)
}

func (s *HandshakeSuite) TestTeardown_MidFlight() {
	s.Require().NoError(s.h.StartLogin(s.ctx))
	window := s.opener.window

	s.h.Teardown()
	s.h.Teardown()

	snap := s.h.Snapshot()
	s.True(snap.TornDown)
	s.Equal(StateNotConnected, snap.State)
	s.requireTerminal()
	s.True(window.Closed())
	s.EqualValues(1, window.closeCalls.Load())

	s.ErrorIs(s.h.HandleMessage(s.ctx, trustedOrigin, []byte(`{"type":"API_AUTH_SUCCESS","token":"abc"}`)), ErrTornDown)
	s.ErrorIs(s.h.StartLogin(s.ctx), ErrTornDown)
	s.Empty(s.backend.stored())
}

func (s *HandshakeSuite) TestTeardown_InFlightInitiateIsNoop() {
	s.backend.initiateGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- s.h.StartLogin(s.ctx) }()

	s.Eventually(func() bool {
		return s.h.Snapshot().State == StateConnecting
	}, time.Second, 5*time.Millisecond)

	s.h.Teardown()
	close(s.backend.initiateGate)

	s.ErrorIs(<-done, ErrSuperseded)
	s.Equal(0, s.opener.opens)
	s.requireTerminal()
}

func (s *HandshakeSuite) TestInit_Failure() {
	failing := &failingStatusBackend{fakeBackend: s.backend}
	h := NewHandshake(failing, s.opener, s.notices, NewOriginPolicy(nil), Config{})
	defer h.Teardown()

	s.Error(h.Init(s.ctx))
	s.Equal(StateNotConnected, h.Snapshot().State)
	s.Equal("Failed to check connection status", s.lastNotice().Message)
}

type failingStatusBackend struct {
	*fakeBackend
}

func (b *failingStatusBackend) CheckConnectionStatus(ctx context.Context) (Status, error) {
	return Status{}, errors.New("backend down")
}
