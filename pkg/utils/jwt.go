package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hearthbudget/backend/internal/models"
)

type TokenType string

const (
	TokenTypeSession TokenType = "session"
	TokenTypePending TokenType = "pending_2fa"
)

const (
	defaultSessionTTL = 24 * time.Hour
	defaultPendingTTL = 5 * time.Minute
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

type Claims struct {
	UserID          uuid.UUID `json:"userID"`
	Email           string    `json:"email"`
	TokenType       TokenType `json:"tokenType"`
	TwoFactorMethod string    `json:"twoFAMethod,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and checks HS256 session and pending-2FA tokens.
type TokenIssuer struct {
	secret     []byte
	sessionTTL time.Duration
	pendingTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(secret string, sessionTTL, pendingTTL time.Duration) *TokenIssuer {
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingTTL
	}
	return &TokenIssuer{
		secret:     []byte(secret),
		sessionTTL: sessionTTL,
		pendingTTL: pendingTTL,
		now:        time.Now,
	}
}

// WithClock replaces the issuer's time source.
func (i *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	i.now = now
	return i
}

func (i *TokenIssuer) SessionTTL() time.Duration { return i.sessionTTL }

func (i *TokenIssuer) PendingTTL() time.Duration { return i.pendingTTL }

func (i *TokenIssuer) GenerateToken(user *models.User) (string, *Claims, error) {
	return i.sign(user, TokenTypeSession, "", i.sessionTTL)
}

// GeneratePendingToken mints the short-lived token handed out between
// primary authentication and second-factor verification.
func (i *TokenIssuer) GeneratePendingToken(user *models.User) (string, *Claims, error) {
	return i.sign(user, TokenTypePending, string(user.TwoFactorMethodOrDefault()), i.pendingTTL)
}

func (i *TokenIssuer) sign(user *models.User, tokenType TokenType, method string, ttl time.Duration) (string, *Claims, error) {
	now := i.now()
	claims := &Claims{
		UserID:          user.ID,
		Email:           user.Email,
		TokenType:       tokenType,
		TwoFactorMethod: method,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   user.ID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

func (i *TokenIssuer) ValidateToken(tokenString string) (*Claims, error) {
	return i.parse(tokenString, TokenTypeSession)
}

func (i *TokenIssuer) ValidatePendingToken(tokenString string) (*Claims, error) {
	return i.parse(tokenString, TokenTypePending)
}

func (i *TokenIssuer) parse(tokenString string, want TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.TokenType != want {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrTokenInvalid, claims.TokenType)
	}

	if claims.ID == "" || claims.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing token identity", ErrTokenInvalid)
	}

	return claims, nil
}
