package server

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hearthbudget/backend/internal/config"
	"github.com/hearthbudget/backend/internal/handlers"
	"github.com/hearthbudget/backend/internal/middleware"
	"github.com/hearthbudget/backend/internal/services"
	"github.com/hearthbudget/backend/pkg/logger"
	"github.com/hearthbudget/backend/pkg/utils"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// App is the wired application: services, handlers and the fiber router.
type App struct {
	Cfg       *config.Config
	DB        *gorm.DB
	Redis     redis.UniversalClient
	Tokens    *utils.TokenIssuer
	Audit     *services.AuditService
	Ledger    *services.RevocationLedger
	TwoFactor *services.TwoFactorService
	Auth      *services.AuthService
	SSO       *services.SSOService
	OAuth     *services.OAuthProviderService
	Cleanup   *services.CleanupService
	Fiber     *fiber.App

	ownsRedis bool
}

type options struct {
	sender     services.Sender
	redis      redis.UniversalClient
	codeSource func() (string, error)
}

type Option func(*options)

// WithSender replaces the configured delivery providers.
func WithSender(s services.Sender) Option {
	return func(o *options) { o.sender = s }
}

// WithRedis supplies the client for the send limiter instead of dialing
// cfg.Redis.Addr.
func WithRedis(client redis.UniversalClient) Option {
	return func(o *options) { o.redis = client }
}

func WithCodeSource(next func() (string, error)) Option {
	return func(o *options) { o.codeSource = next }
}

// New wires every service from cfg. It fails with utils.ErrEncryption when
// the code encryption secret is unusable.
func New(cfg *config.Config, db *gorm.DB, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cipher, err := utils.NewCipher(cfg.Codes.EncryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("code cipher: %w", err)
	}
	gen := utils.NewCodeGenerator(cipher)
	if o.codeSource != nil {
		gen = utils.NewCodeGeneratorFunc(cipher, o.codeSource)
	}

	var sender services.Sender = services.NewDispatcherFromConfig(cfg.Delivery)
	if o.sender != nil {
		sender = o.sender
	}

	app := &App{Cfg: cfg, DB: db, Redis: o.redis}
	if app.Redis == nil && cfg.Redis.Addr != "" {
		app.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.ownsRedis = true
	}

	app.Tokens = utils.NewTokenIssuer(cfg.JWT.Secret, cfg.JWT.SessionTTL, cfg.JWT.PendingTTL)
	app.Audit = services.NewAuditService(db, cfg.Audit.QueueSize)
	app.Ledger = services.NewRevocationLedger(db)
	app.TwoFactor = services.NewTwoFactorService(db, gen, sender, app.Audit, services.TwoFactorOptions{
		CodeTTL:          cfg.Codes.TTL,
		MaxAttempts:      cfg.Codes.MaxAttempts,
		TrustedDeviceTTL: cfg.TwoFactor.TrustedDeviceTTL,
		TOTPIssuer:       cfg.TwoFactor.TOTPIssuer,
	})
	app.SSO = services.NewSSOService(db, cfg, app.Audit)
	app.Auth = services.NewAuthService(services.AuthDeps{
		DB:          db,
		Tokens:      app.Tokens,
		Codes:       gen,
		Delivery:    sender,
		TwoFactor:   app.TwoFactor,
		Ledger:      app.Ledger,
		SSO:         app.SSO,
		Limiter:     services.NewSendLimiter(app.Redis, cfg.Limits.CodeSends, cfg.Limits.CodeWindow),
		Audit:       app.Audit,
		CodeTTL:     cfg.Codes.TTL,
		MaxAttempts: cfg.Codes.MaxAttempts,
	})
	app.OAuth = services.NewOAuthProviderService(cfg)
	app.Cleanup = services.NewCleanupService(db, app.TwoFactor, app.Ledger)

	app.Fiber = fiber.New(fiber.Config{
		AppName:   "hearthbudget",
		BodyLimit: 64 * 1024,
	})
	app.registerRoutes()

	return app, nil
}

func (a *App) registerRoutes() {
	a.Fiber.Use(recover.New(recover.Config{EnableStackTrace: true}))
	a.Fiber.Use(middleware.CORS(a.Cfg.Server.CORSOrigins))
	a.Fiber.Use(middleware.RequestLogger())
	a.Fiber.Use(middleware.SecurityLogger())

	a.Fiber.Get("/health", a.health)

	authHandler := handlers.NewAuthHandler(a.Auth, a.TwoFactor, a.Cfg)
	ssoHandler := handlers.NewSSOHandler(a.Cfg, a.OAuth, a.Auth)
	authMiddleware := middleware.NewAuthMiddleware(a.Auth)

	api := a.Fiber.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/login-code", authHandler.RequestLoginCode)
	authRoutes.Post("/verify-login-code", authHandler.VerifyLoginCode)
	authRoutes.Post("/2fa/verify", authHandler.VerifyTwoFactor)
	authRoutes.Post("/2fa/resend", authHandler.ResendTwoFactor)
	authRoutes.Get("/google", ssoHandler.GoogleLogin)
	authRoutes.Get("/google/callback", ssoHandler.GoogleCallback)

	authRoutes.Post("/logout", authMiddleware.RequireAuth, authHandler.Logout)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Put("/2fa", authMiddleware.RequireAuth, authHandler.UpdateTwoFactor)
	authRoutes.Post("/2fa/totp/setup", authMiddleware.RequireAuth, authHandler.TOTPSetup)
	authRoutes.Post("/2fa/totp/confirm", authMiddleware.RequireAuth, authHandler.TOTPConfirm)
	authRoutes.Delete("/trusted-devices", authMiddleware.RequireAuth, authHandler.ForgetDevices)
}

func (a *App) health(c *fiber.Ctx) error {
	sqlDB, err := a.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.UserContext())
	}
	if err != nil {
		logger.Error("health_check_failed", err, nil)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// Close flushes queued audit rows and releases the Redis client when New
// created it. The database handle belongs to the caller.
func (a *App) Close() {
	a.Audit.Close()
	if a.ownsRedis && a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logger.Error("redis_close_failed", err, nil)
		}
	}
}
