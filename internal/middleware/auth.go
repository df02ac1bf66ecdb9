package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/hearthbudget/backend/internal/models"
	"github.com/hearthbudget/backend/internal/services"
	"github.com/hearthbudget/backend/pkg/logger"
	"github.com/hearthbudget/backend/pkg/utils"
)

const (
	currentUserKey = "currentUser"
	claimsKey      = "claims"
	tokenKey       = "token"
)

// Authenticator resolves a bearer session token to its user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.User, *utils.Claims, error)
}

type AuthMiddleware struct {
	Auth Authenticator
}

func NewAuthMiddleware(auth Authenticator) *AuthMiddleware {
	return &AuthMiddleware{Auth: auth}
}

// CORS allows credentialed requests from origins; the trusted-device cookie
// needs them. A wildcard cannot be combined with credentials.
func CORS(origins string) fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowCredentials: origins != "*",
	})
}

func (a *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		logger.Warn("jwt_missing_header", map[string]interface{}{
			"ip":   c.IP(),
			"path": c.Path(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "missing authorization header")
	}

	tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
	if tokenString == authHeader || tokenString == "" {
		logger.Warn("jwt_invalid_format", map[string]interface{}{
			"ip":          c.IP(),
			"path":        c.Path(),
			"auth_header": authHeader[:min(len(authHeader), 20)] + "...",
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid authorization format")
	}

	user, claims, err := a.Auth.Authenticate(c.UserContext(), tokenString)
	if err != nil {
		logger.Warn("jwt_validation_failed", map[string]interface{}{
			"ip":    c.IP(),
			"path":  c.Path(),
			"error": err.Error(),
		})
		switch {
		case errors.Is(err, services.ErrRevoked):
			return utils.Error(c, fiber.StatusUnauthorized, "token has been revoked")
		case errors.Is(err, services.ErrExpired):
			return utils.Error(c, fiber.StatusUnauthorized, "token expired")
		case errors.Is(err, services.ErrInvalidToken):
			return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired token")
		default:
			logger.Error("authenticate_failed", err, map[string]interface{}{"path": c.Path()})
			return utils.Error(c, fiber.StatusInternalServerError, "authentication unavailable")
		}
	}

	c.Locals(currentUserKey, user)
	c.Locals(claimsKey, claims)
	c.Locals(tokenKey, tokenString)
	c.Locals("userID", user.ID.String())
	return c.Next()
}

func GetCurrentUser(c *fiber.Ctx) *models.User {
	user, _ := c.Locals(currentUserKey).(*models.User)
	return user
}

func GetClaims(c *fiber.Ctx) *utils.Claims {
	claims, _ := c.Locals(claimsKey).(*utils.Claims)
	return claims
}

// GetToken returns the raw bearer token accepted by RequireAuth.
func GetToken(c *fiber.Ctx) string {
	token, _ := c.Locals(tokenKey).(string)
	return token
}
