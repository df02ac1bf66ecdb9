package handlers

import (
	"crypto/subtle"
	"errors"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hearthbudget/backend/internal/config"
	"github.com/hearthbudget/backend/internal/models"
	"github.com/hearthbudget/backend/internal/services"
	"github.com/hearthbudget/backend/pkg/logger"
	"github.com/hearthbudget/backend/pkg/utils"
)

const oauthStateCookie = "hb_oauth_state"

type SSOHandler struct {
	Cfg   *config.Config
	OAuth *services.OAuthProviderService
	Auth  *services.AuthService
}

func NewSSOHandler(cfg *config.Config, oauth *services.OAuthProviderService, auth *services.AuthService) *SSOHandler {
	return &SSOHandler{Cfg: cfg, OAuth: oauth, Auth: auth}
}

// GoogleLogin redirects to Google's consent screen. The state nonce is kept
// in an HttpOnly cookie and checked by the callback.
func (h *SSOHandler) GoogleLogin(c *fiber.Ctx) error {
	if !h.OAuth.Enabled() {
		return writeAuthError(c, services.ErrOAuthDisabled)
	}

	state, err := h.OAuth.GenerateState(string(models.SSOProviderTypeGoogle))
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to start google sign-in")
	}

	authURL, err := h.OAuth.AuthCodeURL(state.Nonce)
	if err != nil {
		return writeAuthError(c, err)
	}

	c.Cookie(&fiber.Cookie{
		Name:     oauthStateCookie,
		Value:    state.Nonce,
		Path:     "/",
		Expires:  state.ExpiresAt,
		HTTPOnly: true,
		Secure:   !h.Cfg.IsDevelopment(),
		SameSite: fiber.CookieSameSiteLaxMode,
	})

	return c.Redirect(authURL, fiber.StatusFound)
}

// GoogleCallback finishes the authorization-code flow and hands the outcome
// to the frontend: a session token, a pending token with the 2FA method, or
// an error message.
func (h *SSOHandler) GoogleCallback(c *fiber.Ctx) error {
	expected := c.Cookies(oauthStateCookie)
	c.Cookie(&fiber.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
	})

	if providerErr := c.Query("error"); providerErr != "" {
		return h.redirectError(c, "google sign-in was cancelled")
	}

	state := c.Query("state")
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 {
		logger.Warn("oauth_state_mismatch", map[string]interface{}{"ip": c.IP()})
		return h.redirectError(c, "invalid oauth state")
	}

	code := c.Query("code")
	if code == "" {
		return h.redirectError(c, "authorization code is required")
	}

	ctx := c.UserContext()
	token, err := h.OAuth.ExchangeCode(ctx, code)
	if err != nil {
		return h.redirectError(c, "failed to complete google sign-in")
	}

	profile, err := h.OAuth.ProfileFromToken(ctx, token)
	if err != nil {
		return h.redirectError(c, oauthErrorMessage(err))
	}

	result, err := h.Auth.CompleteOAuthLogin(ctx, profile, c.Cookies(h.Cfg.TwoFactor.DeviceCookieName))
	if result != nil && result.RequiresTwoFactor {
		// A failed second-factor send still lets the frontend offer a resend.
		return h.redirect(c, url.Values{
			"tempToken":   {result.TempToken},
			"twoFAMethod": {string(result.TwoFactorMethod)},
		})
	}
	if err != nil {
		return h.redirectError(c, oauthErrorMessage(err))
	}

	logger.InfoWithUser(result.User.ID.String(), "sso_login_success", map[string]interface{}{
		"provider": string(profile.Provider),
		"new_user": result.IsNewUser,
	})

	return h.redirect(c, url.Values{"token": {result.Token}})
}

func (h *SSOHandler) redirect(c *fiber.Ctx, params url.Values) error {
	return c.Redirect(h.Cfg.Server.FrontendURL+"/auth/callback?"+params.Encode(), fiber.StatusFound)
}

func (h *SSOHandler) redirectError(c *fiber.Ctx, message string) error {
	return h.redirect(c, url.Values{"error": {message}})
}

func oauthErrorMessage(err error) string {
	switch {
	case errors.Is(err, services.ErrMissingEmailClaim):
		return "google account did not share an email address"
	case errors.Is(err, services.ErrAccountLinkRequired):
		return services.ErrAccountLinkRequired.Error()
	case errors.Is(err, services.ErrInvalidToken):
		return "google sign-in could not be verified"
	default:
		logger.Error("oauth_login_failed", err, nil)
		return "google sign-in failed"
	}
}
