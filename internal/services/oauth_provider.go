package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hearthbudget/backend/internal/config"
	"github.com/hearthbudget/backend/internal/models"
	"github.com/hearthbudget/backend/pkg/logger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	googleIssuer  = "https://accounts.google.com"
	googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	stateLifetime = 10 * time.Minute
)

var ErrOAuthDisabled = errors.New("google oauth is not enabled")

type idTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OAuthProviderService runs the Google authorization-code flow and turns the
// returned ID token into an SSOProfile.
type OAuthProviderService struct {
	Cfg      *config.Config
	oauth    *oauth2.Config
	verifier idTokenVerifier
}

func NewOAuthProviderService(cfg *config.Config) *OAuthProviderService {
	g := cfg.SSO.Google
	s := &OAuthProviderService{
		Cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     g.ClientID,
			ClientSecret: g.ClientSecret,
			RedirectURL:  g.RedirectURL,
			Scopes:       g.Scopes,
			Endpoint:     google.Endpoint,
		},
	}
	// The remote key set fetches Google's JWKS lazily on first verification.
	keySet := oidc.NewRemoteKeySet(context.Background(), googleJWKSURL)
	s.verifier = oidc.NewVerifier(googleIssuer, keySet, &oidc.Config{ClientID: g.ClientID})
	return s
}

// WithVerifier swaps the ID-token verifier, e.g. for a static key set.
func (s *OAuthProviderService) WithVerifier(v idTokenVerifier) *OAuthProviderService {
	s.verifier = v
	return s
}

func (s *OAuthProviderService) Enabled() bool {
	return s.Cfg.SSO.Google.Enabled
}

type OAuthState struct {
	Provider  string
	Nonce     string
	ExpiresAt time.Time
}

func (s *OAuthProviderService) GenerateState(provider string) (*OAuthState, error) {
	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, err
	}

	return &OAuthState{
		Provider:  provider,
		Nonce:     base64.RawURLEncoding.EncodeToString(nonceBytes),
		ExpiresAt: time.Now().Add(stateLifetime),
	}, nil
}

func (s *OAuthProviderService) AuthCodeURL(state string) (string, error) {
	if !s.Enabled() {
		return "", ErrOAuthDisabled
	}
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

func (s *OAuthProviderService) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	if !s.Enabled() {
		return nil, ErrOAuthDisabled
	}

	token, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		logger.Warn("oauth_exchange_failed", map[string]interface{}{
			"provider": string(models.SSOProviderTypeGoogle),
			"error":    err.Error(),
		})
		return nil, errors.New("failed to exchange code for token")
	}
	return token, nil
}

// ProfileFromToken verifies the ID token carried by an exchanged OAuth token.
// A verified token without an email claim yields ErrMissingEmailClaim.
func (s *OAuthProviderService) ProfileFromToken(ctx context.Context, token *oauth2.Token) (*SSOProfile, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: no id_token in oauth response", ErrInvalidToken)
	}
	return s.ProfileFromIDToken(ctx, rawIDToken)
}

func (s *OAuthProviderService) ProfileFromIDToken(ctx context.Context, rawIDToken string) (*SSOProfile, error) {
	idToken, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		logger.Warn("oauth_id_token_rejected", map[string]interface{}{
			"provider": string(models.SSOProviderTypeGoogle),
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Email == "" {
		return nil, ErrMissingEmailClaim
	}

	profile := &SSOProfile{
		Provider:       models.SSOProviderTypeGoogle,
		ProviderUserID: idToken.Subject,
		Email:          models.NormalizeEmail(claims.Email),
		EmailVerified:  claims.EmailVerified,
		Name:           claims.Name,
		RawProfile: map[string]interface{}{
			"sub":            idToken.Subject,
			"email":          claims.Email,
			"email_verified": claims.EmailVerified,
			"name":           claims.Name,
			"picture":        claims.Picture,
		},
	}
	if claims.Picture != "" {
		picture := claims.Picture
		profile.AvatarURL = &picture
	}
	return profile, nil
}
