package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hearthbudget/backend/internal/models"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestAndCapture(t *testing.T, env *testAuth, email string) string {
	t.Helper()

	_, err := env.auth.RequestLoginCode(context.Background(), LoginCodeRequest{Email: email})
	require.NoError(t, err)
	return env.sender.last(t).Code
}

func TestRequestLoginCode_CreatesUserOnFirstContact(t *testing.T) {
	env := newTestAuth(t)

	result, err := env.auth.RequestLoginCode(context.Background(), LoginCodeRequest{Email: "  New.Member@Example.COM "})
	require.NoError(t, err)

	assert.Equal(t, StateCodeSent, result.State)
	assert.Equal(t, ChannelEmail, result.Channel)
	assert.Equal(t, 600, result.ExpiresIn)
	assert.NotEqual(t, "new.member@example.com", result.Destination)

	var user models.User
	require.NoError(t, env.db.First(&user, "email = ?", "new.member@example.com").Error)
	assert.True(t, user.LoginCode.IsSet())
	assert.Equal(t, 0, user.LoginCode.Attempts)

	msg := env.sender.last(t)
	assert.Equal(t, ChannelEmail, msg.Channel)
	assert.Equal(t, "new.member@example.com", msg.To)
	assert.Len(t, msg.Code, 6)
	assert.Contains(t, msg.Body, msg.Code)
	assert.NotEqual(t, msg.Code, user.LoginCode.Ciphertext)
}

func TestRequestLoginCode_UnknownPhoneSendsNothing(t *testing.T) {
	env := newTestAuth(t)

	result, err := env.auth.RequestLoginCode(context.Background(), LoginCodeRequest{Phone: "+15550001111"})
	require.NoError(t, err)
	assert.Equal(t, StateCodeSent, result.State)
	assert.Equal(t, ChannelSMS, result.Channel)
	assert.Equal(t, 0, env.sender.count())
}

func TestRequestLoginCode_KnownPhoneUsesSMS(t *testing.T) {
	env := newTestAuth(t)
	createTestUser(t, env.db, "phone@example.com", withPhone("+15550002222"))

	_, err := env.auth.RequestLoginCode(context.Background(), LoginCodeRequest{Phone: "+15550002222"})
	require.NoError(t, err)

	msg := env.sender.last(t)
	assert.Equal(t, ChannelSMS, msg.Channel)
	assert.Equal(t, "+15550002222", msg.To)

	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Phone: "+15550002222", Code: msg.Code})
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, result.State)
}

func TestRequestLoginCode_RequiresIdentifier(t *testing.T) {
	env := newTestAuth(t)

	_, err := env.auth.RequestLoginCode(context.Background(), LoginCodeRequest{})
	assert.ErrorIs(t, err, ErrIdentifierRequired)

	_, err = env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Code: "123456"})
	assert.ErrorIs(t, err, ErrIdentifierRequired)
}

func TestLoginCode_RoundTripIssuesSession(t *testing.T) {
	env := newTestAuth(t)
	code := requestAndCapture(t, env, "round@example.com")

	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "round@example.com", Code: code})
	require.NoError(t, err)

	assert.Equal(t, StateAuthenticated, result.State)
	assert.False(t, result.RequiresTwoFactor)
	assert.Empty(t, result.TempToken)
	require.NotEmpty(t, result.Token)
	require.NotNil(t, result.ExpiresAt)
	assert.True(t, result.User.IsEmailVerified)

	user, claims, err := env.auth.Authenticate(context.Background(), result.Token)
	require.NoError(t, err)
	assert.Equal(t, result.User.ID, user.ID)
	assert.Equal(t, user.ID, claims.UserID)

	stored := reloadUser(t, env.db, user)
	assert.False(t, stored.LoginCode.IsSet())
	assert.True(t, stored.IsEmailVerified)
}

func TestLoginCode_FixedCodeIsSingleUse(t *testing.T) {
	env := newTestAuth(t)
	env.codes.push("482913")

	code := requestAndCapture(t, env, "budget@example.com")
	require.Equal(t, "482913", code)

	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "budget@example.com", Code: "482913"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)

	_, err = env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "budget@example.com", Code: "482913"})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestLoginCode_NewCodeInvalidatesPrevious(t *testing.T) {
	env := newTestAuth(t)
	env.codes.push("111111", "222222")

	requestAndCapture(t, env, "twice@example.com")
	requestAndCapture(t, env, "twice@example.com")

	_, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "twice@example.com", Code: "111111"})
	assert.ErrorIs(t, err, ErrInvalidCode)

	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "twice@example.com", Code: "222222"})
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, result.State)
}

func TestLoginCode_LocksAfterMaxAttempts(t *testing.T) {
	env := newTestAuth(t)
	env.codes.push("654321")
	requestAndCapture(t, env, "locked@example.com")

	req := VerifyLoginCodeRequest{Email: "locked@example.com", Code: "000000"}
	for i := 1; i < 5; i++ {
		_, err := env.auth.VerifyLoginCode(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidCode, "attempt %d", i)
	}

	_, err := env.auth.VerifyLoginCode(context.Background(), req)
	require.ErrorIs(t, err, ErrTooManyAttempts)

	// The correct code no longer helps once the budget is spent.
	_, err = env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "locked@example.com", Code: "654321"})
	require.ErrorIs(t, err, ErrTooManyAttempts)

	env.codes.push("777777")
	requestAndCapture(t, env, "locked@example.com")

	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "locked@example.com", Code: "777777"})
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, result.State)
}

func TestLoginCode_LastAttemptMaySucceed(t *testing.T) {
	env := newTestAuth(t)
	env.codes.push("135790")
	requestAndCapture(t, env, "last@example.com")

	for i := 1; i < 5; i++ {
		_, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "last@example.com", Code: "999999"})
		require.ErrorIs(t, err, ErrInvalidCode)
	}

	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "last@example.com", Code: "135790"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
}

func TestLoginCode_ConcurrentGuessesNeverExceedBudget(t *testing.T) {
	env := newTestAuth(t)
	requestAndCapture(t, env, "race@example.com")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "race@example.com", Code: "not-a-code"})
				if errors.Is(err, ErrTooManyAttempts) {
					return
				}
			}
		}()
	}
	wg.Wait()

	var user models.User
	require.NoError(t, env.db.First(&user, "email = ?", "race@example.com").Error)
	assert.Equal(t, 5, user.LoginCode.Attempts)
}

func TestLoginCode_ExpiresAtTTL(t *testing.T) {
	env := newTestAuth(t)
	code := requestAndCapture(t, env, "late@example.com")

	env.clock.advance(10 * time.Minute)

	_, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "late@example.com", Code: code})
	assert.ErrorIs(t, err, ErrExpired)
}

func TestLoginCode_UnknownEmailIsInvalidCode(t *testing.T) {
	env := newTestAuth(t)

	_, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "ghost@example.com", Code: "123456"})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestLoginCode_DeliveryFailureKeepsCode(t *testing.T) {
	env := newTestAuth(t)
	env.sender.failWith(errors.New("smtp unavailable"))

	result, err := env.auth.RequestLoginCode(context.Background(), LoginCodeRequest{Email: "offline@example.com"})
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.NotNil(t, result)
	assert.Equal(t, StateCodeSent, result.State)

	code := env.sender.last(t).Code
	env.sender.failWith(nil)

	login, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "offline@example.com", Code: code})
	require.NoError(t, err)
	assert.NotEmpty(t, login.Token)
}

func TestRequestLoginCode_RateLimited(t *testing.T) {
	env := newTestAuth(t)
	mr := miniredis.RunT(t)
	env.auth.Limiter = NewSendLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 2, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := env.auth.RequestLoginCode(context.Background(), LoginCodeRequest{Email: "busy@example.com"})
		require.NoError(t, err)
	}

	_, err := env.auth.RequestLoginCode(context.Background(), LoginCodeRequest{Email: "busy@example.com"})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 2, env.sender.count())

	mr.FastForward(time.Minute)
	_, err = env.auth.RequestLoginCode(context.Background(), LoginCodeRequest{Email: "busy@example.com"})
	assert.NoError(t, err)
}

func TestVerifyLoginCode_ResetsSendWindow(t *testing.T) {
	env := newTestAuth(t)
	mr := miniredis.RunT(t)
	env.auth.Limiter = NewSendLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 2, time.Minute)

	requestAndCapture(t, env, "again@example.com")
	code := requestAndCapture(t, env, "again@example.com")

	_, err := env.auth.RequestLoginCode(context.Background(), LoginCodeRequest{Email: "again@example.com"})
	require.ErrorIs(t, err, ErrRateLimited)

	_, err = env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "again@example.com", Code: code})
	require.NoError(t, err)

	_, err = env.auth.RequestLoginCode(context.Background(), LoginCodeRequest{Email: "Again@Example.com"})
	assert.NoError(t, err)
}

func TestRequestLoginCode_LimiterOutageFailsOpen(t *testing.T) {
	env := newTestAuth(t)
	mr := miniredis.RunT(t)
	env.auth.Limiter = NewSendLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 1, time.Minute)
	mr.Close()

	_, err := env.auth.RequestLoginCode(context.Background(), LoginCodeRequest{Email: "outage@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, env.sender.count())
}

func TestTwoFactor_RequiredWithoutTrustedDevice(t *testing.T) {
	env := newTestAuth(t)
	createTestUser(t, env.db, "guarded@example.com", withTwoFactor(models.TwoFactorMethodEmail))

	code := requestAndCapture(t, env, "guarded@example.com")
	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "guarded@example.com", Code: code})
	require.NoError(t, err)

	assert.Equal(t, StatePendingTwoFactor, result.State)
	assert.True(t, result.RequiresTwoFactor)
	assert.Empty(t, result.Token)
	assert.Nil(t, result.ExpiresAt)
	require.NotEmpty(t, result.TempToken)
	assert.Equal(t, models.TwoFactorMethodEmail, result.TwoFactorMethod)
	assert.Equal(t, 2, env.sender.count())

	// A pending token is not a session.
	_, _, err = env.auth.Authenticate(context.Background(), result.TempToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	secondFactor := env.sender.last(t)
	verified, err := env.auth.VerifyTwoFactor(context.Background(), TwoFactorRequest{TempToken: result.TempToken, Code: secondFactor.Code})
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, verified.State)
	assert.Empty(t, verified.DeviceToken)

	_, _, err = env.auth.Authenticate(context.Background(), verified.Token)
	assert.NoError(t, err)
}

func TestTwoFactor_SMSScenario(t *testing.T) {
	env := newTestAuth(t)
	createTestUser(t, env.db, "sms@example.com", withPhone("+15557654321"), withTwoFactor(models.TwoFactorMethodSMS))

	code := requestAndCapture(t, env, "sms@example.com")
	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "sms@example.com", Code: code})
	require.NoError(t, err)

	assert.True(t, result.RequiresTwoFactor)
	assert.NotEmpty(t, result.TempToken)
	assert.Equal(t, models.TwoFactorMethodSMS, result.TwoFactorMethod)

	msg := env.sender.last(t)
	assert.Equal(t, ChannelSMS, msg.Channel)
	assert.Equal(t, "+15557654321", msg.To)

	claims, err := env.tokens.ValidatePendingToken(result.TempToken)
	require.NoError(t, err)
	assert.Equal(t, "sms", claims.TwoFactorMethod)

	_, err = env.auth.VerifyTwoFactor(context.Background(), TwoFactorRequest{TempToken: result.TempToken, Code: msg.Code})
	require.NoError(t, err)

	// The pending token is spent once a session has been issued for it.
	_, err = env.auth.VerifyTwoFactor(context.Background(), TwoFactorRequest{TempToken: result.TempToken, Code: msg.Code})
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestTwoFactor_WrongCodeKeepsPendingToken(t *testing.T) {
	env := newTestAuth(t)
	createTestUser(t, env.db, "retry@example.com", withTwoFactor(models.TwoFactorMethodEmail))

	code := requestAndCapture(t, env, "retry@example.com")
	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "retry@example.com", Code: code})
	require.NoError(t, err)
	secondFactor := env.sender.last(t).Code

	_, err = env.auth.VerifyTwoFactor(context.Background(), TwoFactorRequest{TempToken: result.TempToken, Code: "000000"})
	require.ErrorIs(t, err, ErrInvalidCode)

	_, err = env.auth.VerifyTwoFactor(context.Background(), TwoFactorRequest{TempToken: result.TempToken, Code: secondFactor})
	assert.NoError(t, err)
}

func TestTwoFactor_PendingTokenExpires(t *testing.T) {
	env := newTestAuth(t)
	createTestUser(t, env.db, "slow@example.com", withTwoFactor(models.TwoFactorMethodEmail))

	code := requestAndCapture(t, env, "slow@example.com")
	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "slow@example.com", Code: code})
	require.NoError(t, err)

	env.clock.advance(6 * time.Minute)

	_, err = env.auth.VerifyTwoFactor(context.Background(), TwoFactorRequest{TempToken: result.TempToken, Code: env.sender.last(t).Code})
	assert.ErrorIs(t, err, ErrExpired)
}

func TestTwoFactor_SessionTokenIsNotPending(t *testing.T) {
	env := newTestAuth(t)
	code := requestAndCapture(t, env, "plain@example.com")
	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "plain@example.com", Code: code})
	require.NoError(t, err)

	_, err = env.auth.VerifyTwoFactor(context.Background(), TwoFactorRequest{TempToken: result.Token, Code: "123456"})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTwoFactor_TrustedDeviceBypassesChallenge(t *testing.T) {
	env := newTestAuth(t)
	user := createTestUser(t, env.db, "trusted@example.com", withTwoFactor(models.TwoFactorMethodEmail))

	deviceToken, _, err := env.twoFactor.TrustDevice(context.Background(), user.ID, "test-agent")
	require.NoError(t, err)

	code := requestAndCapture(t, env, "trusted@example.com")
	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{
		Email:       "trusted@example.com",
		Code:        code,
		DeviceToken: deviceToken,
	})
	require.NoError(t, err)

	assert.Equal(t, StateAuthenticated, result.State)
	assert.False(t, result.RequiresTwoFactor)
	assert.NotEmpty(t, result.Token)

	// Only the login code went out; no second-factor code was generated.
	assert.Equal(t, 1, env.sender.count())
	assert.False(t, reloadUser(t, env.db, user).TwoFactorCode.IsSet())
}

func TestTwoFactor_ExpiredTrustedDeviceStillChallenges(t *testing.T) {
	env := newTestAuth(t)
	user := createTestUser(t, env.db, "stale@example.com", withTwoFactor(models.TwoFactorMethodEmail))

	deviceToken := "stale-device-token"
	require.NoError(t, env.db.Create(&models.TrustedDevice{
		UserID:    user.ID,
		TokenHash: hashToken(deviceToken),
		ExpiresAt: env.clock.now().Add(-time.Second),
	}).Error)

	code := requestAndCapture(t, env, "stale@example.com")
	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{
		Email:       "stale@example.com",
		Code:        code,
		DeviceToken: deviceToken,
	})
	require.NoError(t, err)
	assert.True(t, result.RequiresTwoFactor)
	assert.Empty(t, result.Token)
}

func TestTwoFactor_OtherUsersDeviceDoesNotBypass(t *testing.T) {
	env := newTestAuth(t)
	owner := createTestUser(t, env.db, "owner@example.com")
	createTestUser(t, env.db, "victim@example.com", withTwoFactor(models.TwoFactorMethodEmail))

	deviceToken, _, err := env.twoFactor.TrustDevice(context.Background(), owner.ID, "")
	require.NoError(t, err)

	code := requestAndCapture(t, env, "victim@example.com")
	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{
		Email:       "victim@example.com",
		Code:        code,
		DeviceToken: deviceToken,
	})
	require.NoError(t, err)
	assert.True(t, result.RequiresTwoFactor)
}

func TestTwoFactor_TrustDeviceOnVerify(t *testing.T) {
	env := newTestAuth(t)
	createTestUser(t, env.db, "remember@example.com", withTwoFactor(models.TwoFactorMethodEmail))

	code := requestAndCapture(t, env, "remember@example.com")
	pending, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "remember@example.com", Code: code})
	require.NoError(t, err)

	verified, err := env.auth.VerifyTwoFactor(context.Background(), TwoFactorRequest{
		TempToken:   pending.TempToken,
		Code:        env.sender.last(t).Code,
		TrustDevice: true,
		UserAgent:   "Mozilla/5.0",
	})
	require.NoError(t, err)
	require.NotEmpty(t, verified.DeviceToken)
	require.NotNil(t, verified.DeviceExpiresAt)
	assert.WithinDuration(t, env.clock.now().Add(30*24*time.Hour), *verified.DeviceExpiresAt, time.Second)

	var device models.TrustedDevice
	require.NoError(t, env.db.First(&device, "user_id = ?", verified.User.ID).Error)
	assert.NotEqual(t, verified.DeviceToken, device.TokenHash)
	assert.Equal(t, hashToken(verified.DeviceToken), device.TokenHash)

	sent := env.sender.count()
	code = requestAndCapture(t, env, "remember@example.com")
	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{
		Email:       "remember@example.com",
		Code:        code,
		DeviceToken: verified.DeviceToken,
	})
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, result.State)
	assert.Equal(t, sent+1, env.sender.count())
}

func TestTwoFactor_DeliveryFailureStillReturnsPendingToken(t *testing.T) {
	env := newTestAuth(t)
	createTestUser(t, env.db, "flaky@example.com", withTwoFactor(models.TwoFactorMethodEmail))

	code := requestAndCapture(t, env, "flaky@example.com")
	env.sender.failWith(errors.New("provider timeout"))

	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "flaky@example.com", Code: code})
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.NotNil(t, result)
	assert.True(t, result.RequiresTwoFactor)
	assert.NotEmpty(t, result.TempToken)
	assert.Empty(t, result.Token)

	env.sender.failWith(nil)
	require.NoError(t, env.auth.ResendTwoFactor(context.Background(), result.TempToken))

	_, err = env.auth.VerifyTwoFactor(context.Background(), TwoFactorRequest{TempToken: result.TempToken, Code: env.sender.last(t).Code})
	assert.NoError(t, err)
}

func TestResendTwoFactor_ReplacesCode(t *testing.T) {
	env := newTestAuth(t)
	createTestUser(t, env.db, "resend@example.com", withTwoFactor(models.TwoFactorMethodEmail))

	code := requestAndCapture(t, env, "resend@example.com")
	pending, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "resend@example.com", Code: code})
	require.NoError(t, err)
	first := env.sender.last(t).Code

	env.codes.push("246810")
	require.NoError(t, env.auth.ResendTwoFactor(context.Background(), pending.TempToken))
	if first != "246810" {
		_, err = env.auth.VerifyTwoFactor(context.Background(), TwoFactorRequest{TempToken: pending.TempToken, Code: first})
		require.ErrorIs(t, err, ErrInvalidCode)
	}

	_, err = env.auth.VerifyTwoFactor(context.Background(), TwoFactorRequest{TempToken: pending.TempToken, Code: "246810"})
	assert.NoError(t, err)
}

func TestResendTwoFactor_RequiresEnabledTwoFactor(t *testing.T) {
	env := newTestAuth(t)
	user := createTestUser(t, env.db, "noresend@example.com")

	tempToken, _, err := env.tokens.GeneratePendingToken(user)
	require.NoError(t, err)

	err = env.auth.ResendTwoFactor(context.Background(), tempToken)
	assert.ErrorIs(t, err, ErrTwoFactorNotPending)
}

func TestResendTwoFactor_KeepsTOTPLock(t *testing.T) {
	env := newTestAuth(t)
	user := createTestUser(t, env.db, "guesser@example.com")
	secret := enrollTOTP(t, env, user)

	tempToken, _, err := env.tokens.GeneratePendingToken(reloadUser(t, env.db, user))
	require.NoError(t, err)

	req := TwoFactorRequest{TempToken: tempToken, Code: "999999"}
	for i := 1; i <= 5; i++ {
		_, err = env.auth.VerifyTwoFactor(context.Background(), req)
		require.Error(t, err)
	}
	require.ErrorIs(t, err, ErrTooManyAttempts)

	for round := 0; round < 20; round++ {
		require.ErrorIs(t, env.auth.ResendTwoFactor(context.Background(), tempToken), ErrTooManyAttempts)
		_, err = env.auth.VerifyTwoFactor(context.Background(), req)
		require.ErrorIs(t, err, ErrTooManyAttempts, "round %d", round)
	}

	// A fresh primary login hands out a pending token but no new guesses.
	code := requestAndCapture(t, env, "guesser@example.com")
	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "guesser@example.com", Code: code})
	require.NoError(t, err)
	require.Equal(t, StatePendingTwoFactor, result.State)

	valid, err := totp.GenerateCode(secret, env.clock.now())
	require.NoError(t, err)
	_, err = env.auth.VerifyTwoFactor(context.Background(), TwoFactorRequest{TempToken: result.TempToken, Code: valid})
	require.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Equal(t, 5, reloadUser(t, env.db, user).TwoFactorCode.Attempts)
}

func TestLogout_RevokesSessionToken(t *testing.T) {
	env := newTestAuth(t)
	code := requestAndCapture(t, env, "bye@example.com")
	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "bye@example.com", Code: code})
	require.NoError(t, err)

	_, claims, err := env.auth.Authenticate(context.Background(), result.Token)
	require.NoError(t, err)

	require.NoError(t, env.auth.Logout(context.Background(), result.Token, claims))
	require.NoError(t, env.auth.Logout(context.Background(), result.Token, claims))

	_, _, err = env.auth.Authenticate(context.Background(), result.Token)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestAuthenticate_ExpiredAndForeignTokens(t *testing.T) {
	env := newTestAuth(t)
	code := requestAndCapture(t, env, "expiry@example.com")
	result, err := env.auth.VerifyLoginCode(context.Background(), VerifyLoginCodeRequest{Email: "expiry@example.com", Code: code})
	require.NoError(t, err)

	_, _, err = env.auth.Authenticate(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	env.clock.advance(time.Hour + time.Second)
	_, _, err = env.auth.Authenticate(context.Background(), result.Token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestAuthenticate_DeletedUser(t *testing.T) {
	env := newTestAuth(t)
	user := createTestUser(t, env.db, "gone@example.com")

	token, _, err := env.tokens.GenerateToken(user)
	require.NoError(t, err)
	require.NoError(t, env.db.Unscoped().Delete(user).Error)

	_, _, err = env.auth.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCompleteOAuthLogin(t *testing.T) {
	t.Run("missing email creates nothing", func(t *testing.T) {
		env := newTestAuth(t)

		_, err := env.auth.CompleteOAuthLogin(context.Background(), &SSOProfile{
			Provider:       models.SSOProviderTypeGoogle,
			ProviderUserID: "google-no-email",
		}, "")
		require.ErrorIs(t, err, ErrMissingEmailClaim)

		var count int64
		require.NoError(t, env.db.Model(&models.User{}).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("new user gets a session", func(t *testing.T) {
		env := newTestAuth(t)

		result, err := env.auth.CompleteOAuthLogin(context.Background(), &SSOProfile{
			Provider:       models.SSOProviderTypeGoogle,
			ProviderUserID: "google-123",
			Email:          "Oauth@Example.com",
			EmailVerified:  true,
			Name:           "OAuth User",
		}, "")
		require.NoError(t, err)

		assert.True(t, result.IsNewUser)
		assert.Equal(t, StateAuthenticated, result.State)
		assert.NotEmpty(t, result.Token)
		assert.Equal(t, "oauth@example.com", result.User.Email)
	})

	t.Run("second factor still applies", func(t *testing.T) {
		env := newTestAuth(t)
		createTestUser(t, env.db, "oauth2fa@example.com", withTwoFactor(models.TwoFactorMethodEmail))

		result, err := env.auth.CompleteOAuthLogin(context.Background(), &SSOProfile{
			Provider:       models.SSOProviderTypeGoogle,
			ProviderUserID: "google-456",
			Email:          "oauth2fa@example.com",
			EmailVerified:  true,
		}, "")
		require.NoError(t, err)

		assert.False(t, result.IsNewUser)
		assert.True(t, result.RequiresTwoFactor)
		assert.Empty(t, result.Token)
		assert.NotEmpty(t, result.TempToken)
		assert.Equal(t, 1, env.sender.count())
	})
}
