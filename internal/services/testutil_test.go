package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hearthbudget/backend/internal/config"
	"github.com/hearthbudget/backend/internal/database"
	"github.com/hearthbudget/backend/internal/models"
	"github.com/hearthbudget/backend/pkg/utils"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testEncryptionSecret = "test-code-encryption-secret"

type recordingSender struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return s.err
}

func (s *recordingSender) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *recordingSender) last(t *testing.T) Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.messages, "expected a delivered message")
	return s.messages[len(s.messages)-1]
}

// codeQueue hands out queued codes first and random ones after.
type codeQueue struct {
	mu    sync.Mutex
	codes []string
}

func (q *codeQueue) push(codes ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.codes = append(q.codes, codes...)
}

func (q *codeQueue) next() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.codes) == 0 {
		return utils.RandomCode()
	}
	code := q.codes[0]
	q.codes = q.codes[1:]
	return code, nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testAuth struct {
	db        *gorm.DB
	auth      *AuthService
	twoFactor *TwoFactorService
	ledger    *RevocationLedger
	sso       *SSOService
	tokens    *utils.TokenIssuer
	audit     *AuditService
	gen       *utils.CodeGenerator
	sender    *recordingSender
	codes     *codeQueue
	clock     *testClock
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Open(config.DBConfig{Driver: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = database.Close(db)
	})
	return db
}

func newTestAuth(t *testing.T) *testAuth {
	t.Helper()

	db := newTestDB(t)

	audit := NewAuditService(db, 100)
	t.Cleanup(audit.Close)

	cipher, err := utils.NewCipher(testEncryptionSecret)
	require.NoError(t, err)

	env := &testAuth{
		db:     db,
		audit:  audit,
		sender: &recordingSender{},
		codes:  &codeQueue{},
		clock:  newTestClock(),
	}
	env.gen = utils.NewCodeGeneratorFunc(cipher, env.codes.next)
	env.tokens = utils.NewTokenIssuer("test-jwt-secret", time.Hour, 5*time.Minute).WithClock(env.clock.now)
	env.ledger = NewRevocationLedger(db)
	env.twoFactor = NewTwoFactorService(db, env.gen, env.sender, audit, TwoFactorOptions{
		CodeTTL:          10 * time.Minute,
		MaxAttempts:      5,
		TrustedDeviceTTL: 30 * 24 * time.Hour,
	}).WithClock(env.clock.now)
	env.sso = NewSSOService(db, &config.Config{SSO: config.SSOConfig{LinkByEmail: true}}, audit)
	env.auth = NewAuthService(AuthDeps{
		DB:          db,
		Tokens:      env.tokens,
		Codes:       env.gen,
		Delivery:    env.sender,
		TwoFactor:   env.twoFactor,
		Ledger:      env.ledger,
		SSO:         env.sso,
		Audit:       audit,
		CodeTTL:     10 * time.Minute,
		MaxAttempts: 5,
	}).WithClock(env.clock.now)

	return env
}

func createTestUser(t *testing.T, db *gorm.DB, email string, opts ...func(*models.User)) *models.User {
	t.Helper()

	user := &models.User{Email: models.NormalizeEmail(email), TwoFactorMethod: models.TwoFactorMethodEmail}
	for _, opt := range opts {
		opt(user)
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func withTwoFactor(method models.TwoFactorMethod) func(*models.User) {
	return func(u *models.User) {
		u.TwoFactorEnabled = true
		u.TwoFactorMethod = method
	}
}

func withPhone(phone string) func(*models.User) {
	return func(u *models.User) {
		u.Phone = &phone
	}
}

func reloadUser(t *testing.T, db *gorm.DB, user *models.User) *models.User {
	t.Helper()

	var fresh models.User
	require.NoError(t, db.First(&fresh, "id = ?", user.ID).Error)
	return &fresh
}
