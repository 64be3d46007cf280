// Package auth drives the third-party API login through a detached popup
// window. The popup's posted messages are the only success or failure signal;
// a liveness poll and a deadline guard against abandoned popups.
package auth

import "context"

// LoginResult is the answer to InitiateLogin.
type LoginResult struct {
	AuthURL string `json:"authUrl,omitempty"`
	Message string `json:"message,omitempty"`
	Success bool   `json:"success"`
}

// Status is the answer to CheckConnectionStatus.
type Status struct {
	IsConnected bool `json:"isConnected"`
}

// Result is the generic success/failure answer of the backend.
type Result struct {
	Message string `json:"message,omitempty"`
	Success bool   `json:"success"`
}

// StoreTokenRequest carries the normalized credentials to the backend.
type StoreTokenRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
	ClientID     string `json:"clientId"`
}

// Backend is the service layer the handshake calls into.
type Backend interface {
	InitiateLogin(ctx context.Context) (LoginResult, error)
	CheckConnectionStatus(ctx context.Context) (Status, error)
	Disconnect(ctx context.Context) (Result, error)
	StoreToken(ctx context.Context, req StoreTokenRequest) (Result, error)
}

// Window is a handle to an opened popup. Implementations must be safe for
// concurrent use.
type Window interface {
	Closed() bool
	Close()
}

// BlockReporter is implemented by windows that can tell a popup the browser
// refused to open apart from one the user closed.
type BlockReporter interface {
	Blocked() bool
}

// Opener opens popup windows. ok=false means the popup was blocked.
type Opener interface {
	Open(url, name, features string) (w Window, ok bool)
}

// Recorder receives handshake outcomes for metrics.
type Recorder interface {
	RecordHandshake(ctx context.Context, outcome string)
}

// Outcome labels passed to Recorder.
const (
	OutcomeConnected    = "connected"
	OutcomeCancelled    = "cancelled"
	OutcomeTimeout      = "timeout"
	OutcomePopupBlocked = "popup_blocked"
	OutcomeError        = "error"
	OutcomeDisconnected = "disconnected"
)
