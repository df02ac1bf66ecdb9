package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hearthbudget/backend/internal/config"
	"github.com/hearthbudget/backend/internal/database"
	"github.com/hearthbudget/backend/internal/models"
	"github.com/hearthbudget/backend/internal/services"
	"github.com/hearthbudget/backend/pkg/logger"
	"gorm.io/gorm"
)

const testDeviceCookie = "hb_trusted_device"

type outbox struct {
	mu       sync.Mutex
	messages []services.Message
	err      error
}

func (o *outbox) Send(_ context.Context, msg services.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
	return o.err
}

func (o *outbox) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}

func (o *outbox) lastCode(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.messages) == 0 {
		t.Fatal("expected a delivered message")
	}
	return o.messages[len(o.messages)-1].Code
}

type testEnv struct {
	app    *App
	db     *gorm.DB
	outbox *outbox
}

var loggerOnce sync.Once

func testConfig() *config.Config {
	return &config.Config{
		Env: "test",
		DB:  config.DBConfig{Driver: "sqlite"},
		JWT: config.JWTConfig{
			Secret:     "server-test-jwt-secret",
			SessionTTL: time.Hour,
			PendingTTL: 5 * time.Minute,
		},
		Server: config.ServerConfig{
			FrontendURL: "http://localhost:3000",
			BackendURL:  "http://localhost:8080/api",
			CORSOrigins: "http://localhost:3000",
		},
		Codes: config.CodeConfig{
			EncryptionSecret: "server-test-encryption-secret",
			TTL:              10 * time.Minute,
			MaxAttempts:      5,
		},
		TwoFactor: config.TwoFactorConfig{
			TrustedDeviceTTL: 30 * 24 * time.Hour,
			DeviceCookieName: testDeviceCookie,
			TOTPIssuer:       "HearthBudget",
		},
		SSO: config.SSOConfig{
			Google: config.OAuthProviderConfig{
				Enabled:      true,
				ClientID:     "test-client-id",
				ClientSecret: "test-client-secret",
				RedirectURL:  "http://localhost:8080/api/auth/google/callback",
				Scopes:       []string{"openid", "email", "profile"},
			},
			LinkByEmail: true,
		},
		Audit: config.AuditConfig{QueueSize: 100},
	}
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	loggerOnce.Do(logger.Init)

	cfg := testConfig()
	db, err := database.Open(cfg.DB)
	if err != nil {
		t.Fatalf("failed opening test database: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close(db)
	})

	box := &outbox{}
	app, err := New(cfg, db, WithSender(box))
	if err != nil {
		t.Fatalf("failed building app: %v", err)
	}
	t.Cleanup(app.Close)

	return &testEnv{app: app, db: db, outbox: box}
}

func createTestUser(t *testing.T, db *gorm.DB, email string, twoFactor bool) *models.User {
	t.Helper()

	user := &models.User{
		Email:            email,
		TwoFactorEnabled: twoFactor,
		TwoFactorMethod:  models.TwoFactorMethodEmail,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating user: %v", err)
	}
	return user
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload interface{}, headers map[string]string) *http.Response {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed marshaling payload: %v", err)
	}

	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"

	return performRequest(t, app, method, path, bytes.NewReader(raw), headers)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading body: %v", err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("failed decoding body: %v body=%q", err, string(raw))
	}
	return body
}

func dataOf(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()

	data, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected data object, got %v", body)
	}
	return data
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d body=%s", expected, resp.StatusCode, string(raw))
	}
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

// loginWithCode drives login-code and verify-login-code and returns the
// verify response body.
func loginWithCode(t *testing.T, env *testEnv, email string, headers map[string]string) map[string]interface{} {
	t.Helper()

	resp := performJSONRequest(t, env.app.Fiber, http.MethodPost, "/api/auth/login-code", map[string]string{"email": email}, nil)
	assertStatus(t, resp, http.StatusOK)

	resp = performJSONRequest(t, env.app.Fiber, http.MethodPost, "/api/auth/verify-login-code", map[string]string{
		"email": email,
		"code":  env.outbox.lastCode(t),
	}, headers)
	assertStatus(t, resp, http.StatusOK)
	return decodeJSONMap(t, resp)
}
