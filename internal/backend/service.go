// Package backend is the server-side service the connection handshake and
// the results editor call into. It owns the stored API credential and the
// booking event items.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/banquet/internal/auth"
	"github.com/thebtf/banquet/internal/db/gorm"
	"github.com/thebtf/banquet/internal/menuresults"
)

// OAuthConfig describes the provider authorization endpoint.
type OAuthConfig struct {
	AuthorizeURL string
	ClientID     string
	RedirectURL  string
	Scope        string
}

// PriceRecorder receives price save outcomes for metrics.
type PriceRecorder interface {
	RecordPriceSave(ctx context.Context, items, bookings int, success bool)
}

// Service implements auth.Backend and menuresults.PriceUpdater.
type Service struct {
	credentials *gorm.CredentialStore
	items       *gorm.EventItemStore
	sealer      *Sealer
	oauth       OAuthConfig
	recorder    PriceRecorder
	newState    func() string
}

// Option configures a Service.
type Option func(*Service)

// WithPriceRecorder reports price saves to r.
func WithPriceRecorder(r PriceRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// New creates a Service.
func New(store *gorm.Store, sealer *Sealer, oauth OAuthConfig, opts ...Option) *Service {
	if sealer == nil {
		sealer = &Sealer{}
	}
	s := &Service{
		credentials: gorm.NewCredentialStore(store),
		items:       gorm.NewEventItemStore(store),
		sealer:      sealer,
		oauth:       oauth,
		newState:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Items exposes the event item store.
func (s *Service) Items() *gorm.EventItemStore {
	return s.items
}

// InitiateLogin returns the provider authorization URL.
func (s *Service) InitiateLogin(ctx context.Context) (auth.LoginResult, error) {
	if s.oauth.AuthorizeURL == "" || s.oauth.ClientID == "" {
		return auth.LoginResult{Message: "API integration is not configured"}, nil
	}
	u, err := url.Parse(s.oauth.AuthorizeURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		log.Error().Err(err).Str("url", s.oauth.AuthorizeURL).Msg("Invalid authorize URL")
		return auth.LoginResult{Message: "API integration is misconfigured"}, nil
	}

	state := s.newState()
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", s.oauth.ClientID)
	if s.oauth.RedirectURL != "" {
		q.Set("redirect_uri", s.oauth.RedirectURL)
	}
	if s.oauth.Scope != "" {
		q.Set("scope", s.oauth.Scope)
	}
	q.Set("state", state)
	u.RawQuery = q.Encode()

	log.Debug().Str("state", state).Msg("Login initiated")
	return auth.LoginResult{Success: true, AuthURL: u.String()}, nil
}

// CheckConnectionStatus reports whether a usable credential is stored.
func (s *Service) CheckConnectionStatus(ctx context.Context) (auth.Status, error) {
	c, err := s.credentials.Get(ctx)
	if err != nil {
		return auth.Status{}, fmt.Errorf("load credential: %w", err)
	}
	if c == nil {
		return auth.Status{}, nil
	}
	token, err := s.sealer.Open(c.AccessToken)
	if err != nil {
		log.Warn().Err(err).Msg("Stored credential cannot be read; treating as disconnected")
		return auth.Status{}, nil
	}
	return auth.Status{IsConnected: token != ""}, nil
}

// StoreToken saves the credential, replacing any previous one.
func (s *Service) StoreToken(ctx context.Context, req auth.StoreTokenRequest) (auth.Result, error) {
	if strings.TrimSpace(req.AccessToken) == "" {
		return auth.Result{Message: "Access token is required"}, nil
	}
	access, err := s.sealer.Seal(req.AccessToken)
	if err != nil {
		return auth.Result{}, err
	}
	refresh, err := s.sealer.Seal(req.RefreshToken)
	if err != nil {
		return auth.Result{}, err
	}

	if err := s.credentials.Upsert(ctx, &gorm.Credential{
		AccessToken:  access,
		RefreshToken: refresh,
		UserID:       req.UserID,
		ClientID:     req.ClientID,
	}); err != nil {
		return auth.Result{}, fmt.Errorf("store credential: %w", err)
	}

	log.Info().
		Str("user_id", req.UserID).
		Str("client_id", req.ClientID).
		Bool("sealed", s.sealer.Enabled()).
		Msg("API credential stored")
	return auth.Result{Success: true, Message: "Token stored"}, nil
}

// Disconnect removes the stored credential. Disconnecting twice succeeds.
func (s *Service) Disconnect(ctx context.Context) (auth.Result, error) {
	existed, err := s.credentials.Delete(ctx)
	if err != nil {
		return auth.Result{}, fmt.Errorf("delete credential: %w", err)
	}
	log.Info().Bool("existed", existed).Msg("API credential removed")
	return auth.Result{Success: true, Message: "Disconnected"}, nil
}

// UpdatePrices applies a batch of price edits atomically.
func (s *Service) UpdatePrices(ctx context.Context, updates []menuresults.PriceUpdate) (menuresults.UpdateResult, error) {
	result, err := s.updatePrices(ctx, updates)
	if s.recorder != nil {
		s.recorder.RecordPriceSave(ctx, result.ItemsUpdated, result.BookingsAffected, err == nil && result.Success)
	}
	return result, err
}

func (s *Service) updatePrices(ctx context.Context, updates []menuresults.PriceUpdate) (menuresults.UpdateResult, error) {
	if len(updates) == 0 {
		return menuresults.UpdateResult{Message: "No price updates provided"}, nil
	}

	changes := make([]gorm.PriceChange, 0, len(updates))
	for _, u := range updates {
		if u.RowID == "" {
			return menuresults.UpdateResult{Message: "Event item id is required"}, nil
		}
		if u.NewPrice != nil && *u.NewPrice < 0 {
			return menuresults.UpdateResult{Message: fmt.Sprintf("Price cannot be negative for %s", u.RowID)}, nil
		}
		changes = append(changes, gorm.PriceChange{EventItemID: u.RowID, Price: u.NewPrice})
	}

	counts, err := s.items.UpdatePrices(ctx, changes)
	var unknown *gorm.UnknownItemError
	if errors.As(err, &unknown) {
		return menuresults.UpdateResult{Message: "Event item not found: " + unknown.ID}, nil
	}
	if err != nil {
		return menuresults.UpdateResult{}, fmt.Errorf("update prices: %w", err)
	}

	log.Info().
		Int("items_updated", counts.ItemsUpdated).
		Int("bookings_affected", counts.BookingsAffected).
		Msg("Event item prices updated")
	return menuresults.UpdateResult{
		Success:          true,
		ItemsUpdated:     counts.ItemsUpdated,
		BookingsAffected: counts.BookingsAffected,
	}, nil
}
