package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hearthbudget/backend/internal/config"
	"github.com/hearthbudget/backend/internal/database"
	"github.com/hearthbudget/backend/internal/server"
	"github.com/hearthbudget/backend/pkg/logger"
	"github.com/hearthbudget/backend/pkg/utils"
)

func main() {
	logger.Init()
	defer logger.Sync()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	db, err := database.Open(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer database.Close(db)

	app, err := server.New(cfg, db)
	if err != nil {
		if errors.Is(err, utils.ErrEncryption) {
			log.Fatalf("CODE_ENCRYPTION_SECRET is unusable: %v", err)
		}
		log.Fatalf("server initialization failed: %v", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.Cleanup.Start(ctx, cfg.Cleanup.Interval)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":         cfg.Server.Port,
		"address":      listenAddr,
		"env":          cfg.Env,
		"google_sso":   cfg.SSO.Google.Enabled,
		"send_limiter": cfg.Redis.Addr != "",
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Fiber.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		if err := app.Fiber.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("forced shutdown: %v", err)
		}
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}
}
