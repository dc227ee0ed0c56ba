package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/config"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/provider"
)

// fakeRepo mirrors the store's conditional-update semantics in memory. The
// hooks run before the conditional updates take the lock, so a test can slip
// a "concurrent" write in between a read and its compare-and-set.
type fakeRepo struct {
	mu         sync.Mutex
	challenges map[string]*model.Challenge
	beforeCAS  func()
	beforeMark func()
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{challenges: make(map[string]*model.Challenge)}
}

func (r *fakeRepo) Create(ctx context.Context, ch *model.Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *ch
	r.challenges[ch.OTPID] = &stored
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, otpID string) (*model.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.challenges[otpID]
	if !ok {
		return nil, nil
	}
	snapshot := *ch
	return &snapshot, nil
}

func (r *fakeRepo) CompareAndSetAttempts(ctx context.Context, otpID string, expected, next int) (bool, int, error) {
	if r.beforeCAS != nil {
		r.beforeCAS()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.challenges[otpID]
	if !ok {
		return false, 0, errors.New("challenge not found")
	}
	if ch.Attempts != expected {
		return false, ch.Attempts, nil
	}
	ch.Attempts = next
	return true, next, nil
}

func (r *fakeRepo) MarkVerified(ctx context.Context, otpID string, at time.Time) (bool, error) {
	if r.beforeMark != nil {
		r.beforeMark()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.challenges[otpID]
	if !ok {
		return false, errors.New("challenge not found")
	}
	if ch.VerifiedAt != nil {
		return false, nil
	}
	ch.VerifiedAt = &at
	return true, nil
}

func (r *fakeRepo) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for id, ch := range r.challenges {
		if ch.ExpiresAt.Before(before) {
			delete(r.challenges, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *fakeRepo) HealthCheck(ctx context.Context) error { return nil }

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.challenges)
}

func (r *fakeRepo) attempts(otpID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.challenges[otpID].Attempts
}

func (r *fakeRepo) setAttempts(otpID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.challenges[otpID].Attempts = n
}

func (r *fakeRepo) markVerifiedNow(otpID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	r.challenges[otpID].VerifiedAt = &now
}

type fakeLimiter struct {
	decision *model.RateLimitDecision
	err      error
	calls    int
}

func (l *fakeLimiter) Reserve(ctx context.Context, phoneHash string) (*model.RateLimitDecision, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	if l.decision != nil {
		return l.decision, nil
	}
	return &model.RateLimitDecision{Allowed: true, Count: 1}, nil
}

func testServiceConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Pepper:            "test-pepper",
		},
		OTP: config.OTPConfig{
			CodeLength:         6,
			ExpiryWindow:       10 * time.Minute,
			MaxAttempts:        3,
			DefaultCountryCode: "91",
		},
		Provider: config.ProviderConfig{
			Name:    "mock",
			Timeout: 5 * time.Second,
		},
	}
}

type testHarness struct {
	svc      *OTPService
	repo     *fakeRepo
	limiter  *fakeLimiter
	delivery *provider.MockProvider
	cfg      *config.Config
}

func newTestHarness(t *testing.T, mutate func(cfg *config.Config)) *testHarness {
	t.Helper()

	cfg := testServiceConfig()
	if mutate != nil {
		mutate(cfg)
	}

	repo := newFakeRepo()
	limiter := &fakeLimiter{}
	delivery := provider.NewMockProvider()

	svc := NewOTPService(cfg, repo, limiter, delivery, hashing.NewHasher(cfg), nil)

	return &testHarness{svc: svc, repo: repo, limiter: limiter, delivery: delivery, cfg: cfg}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "98765 43210", "user-1", model.PurposeLogin)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.OTPID)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), issued.ExpiresAt, 5*time.Second)

	code, ok := h.delivery.LastCode("+919876543210")
	require.True(t, ok)
	require.Len(t, code, 6)

	result, err := h.svc.Verify(ctx, issued.OTPID, code, model.PurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, issued.OTPID, result.OTPID)
	assert.Equal(t, "user-1", result.UserID)
	assert.Equal(t, model.PurposeLogin, result.Purpose)
	assert.False(t, result.VerifiedAt.IsZero())

	// The session layer gets the user id and nothing else about the number.
	payload, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"user_id":"user-1"`)
	assert.NotContains(t, string(payload), "9876543210")
}

func TestVerifyResultOmitsUserIDForRegistration(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "9876543210", "", model.PurposeRegistration)
	require.NoError(t, err)
	code, _ := h.delivery.LastCode("+919876543210")

	result, err := h.svc.Verify(ctx, issued.OTPID, code, model.PurposeRegistration)
	require.NoError(t, err)
	assert.Empty(t, result.UserID)

	payload, err := json.Marshal(result)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "user_id")
}

func TestVerifyIsSingleUse(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "9876543210", "", model.PurposeRegistration)
	require.NoError(t, err)
	code, _ := h.delivery.LastCode("+919876543210")

	_, err = h.svc.Verify(ctx, issued.OTPID, code, model.PurposeRegistration)
	require.NoError(t, err)

	_, err = h.svc.Verify(ctx, issued.OTPID, code, model.PurposeRegistration)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestVerifyConsumesAttempts(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "9876543210", "", model.PurposeLogin)
	require.NoError(t, err)
	code, _ := h.delivery.LastCode("+919876543210")
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	var invalid *InvalidOTPError

	_, err = h.svc.Verify(ctx, issued.OTPID, wrong, model.PurposeLogin)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 2, invalid.AttemptsRemaining)

	_, err = h.svc.Verify(ctx, issued.OTPID, wrong, model.PurposeLogin)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 1, invalid.AttemptsRemaining)

	_, err = h.svc.Verify(ctx, issued.OTPID, wrong, model.PurposeLogin)
	assert.ErrorIs(t, err, ErrMaxAttempts)

	// Even the correct code is refused once attempts are exhausted.
	_, err = h.svc.Verify(ctx, issued.OTPID, code, model.PurposeLogin)
	assert.ErrorIs(t, err, ErrMaxAttempts)
}

func TestVerifyLostAttemptRaceStillCounts(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "9876543210", "", model.PurposeLogin)
	require.NoError(t, err)
	code, _ := h.delivery.LastCode("+919876543210")
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	// A concurrent failure bumps the counter between the read and the
	// conditional update. This failure must still be counted on top of it.
	fired := false
	h.repo.beforeCAS = func() {
		if fired {
			return
		}
		fired = true
		h.repo.setAttempts(issued.OTPID, 1)
	}

	var invalid *InvalidOTPError
	_, err = h.svc.Verify(ctx, issued.OTPID, wrong, model.PurposeLogin)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 1, invalid.AttemptsRemaining)
	assert.Equal(t, 2, h.repo.attempts(issued.OTPID))
}

func TestVerifyLostAttemptRaceAtLimit(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "9876543210", "", model.PurposeLogin)
	require.NoError(t, err)
	code, _ := h.delivery.LastCode("+919876543210")
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	// Concurrent failures already exhausted the counter; the lost update
	// must surface as exhaustion, not push the counter past the limit.
	h.repo.beforeCAS = func() {
		h.repo.setAttempts(issued.OTPID, h.cfg.OTP.MaxAttempts)
	}

	_, err = h.svc.Verify(ctx, issued.OTPID, wrong, model.PurposeLogin)
	assert.ErrorIs(t, err, ErrMaxAttempts)
	assert.Equal(t, h.cfg.OTP.MaxAttempts, h.repo.attempts(issued.OTPID))
}

func TestVerifyLostCompletionRace(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "9876543210", "user-1", model.PurposeLogin)
	require.NoError(t, err)
	code, _ := h.delivery.LastCode("+919876543210")

	// Another instance completes the challenge between the read and the
	// conditional verified-at write.
	h.repo.beforeMark = func() {
		h.repo.markVerifiedNow(issued.OTPID)
	}

	_, err = h.svc.Verify(ctx, issued.OTPID, code, model.PurposeLogin)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
	assert.Equal(t, uint64(0), h.svc.GetStats().Verified)
}

func TestVerifyDoubleSubmitSingleSuccess(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "9876543210", "user-1", model.PurposeLogin)
	require.NoError(t, err)
	code, _ := h.delivery.LastCode("+919876543210")

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.svc.Verify(ctx, issued.OTPID, code, model.PurposeLogin)
			results <- err
		}()
	}

	var successes, replays int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyUsed):
			replays++
		default:
			t.Fatalf("unexpected verify error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, replays)
	assert.Equal(t, uint64(1), h.svc.GetStats().Verified)
}

func TestVerifyRejectsExpired(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "9876543210", "", model.PurposeLogin)
	require.NoError(t, err)
	code, _ := h.delivery.LastCode("+919876543210")

	h.svc.nowFn = func() time.Time { return time.Now().Add(11 * time.Minute) }

	_, err = h.svc.Verify(ctx, issued.OTPID, code, model.PurposeLogin)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsPurposeMismatch(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "9876543210", "", model.PurposeLogin)
	require.NoError(t, err)
	code, _ := h.delivery.LastCode("+919876543210")

	_, err = h.svc.Verify(ctx, issued.OTPID, code, model.PurposeRegistration)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// The mismatch must not have consumed the challenge.
	_, err = h.svc.Verify(ctx, issued.OTPID, code, model.PurposeLogin)
	assert.NoError(t, err)
}

func TestVerifyUnknownID(t *testing.T) {
	h := newTestHarness(t, nil)

	_, err := h.svc.Verify(context.Background(), "does-not-exist", "482913", model.PurposeLogin)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestIssueRejectsInvalidMobile(t *testing.T) {
	h := newTestHarness(t, nil)

	_, err := h.svc.Issue(context.Background(), "12345", "", model.PurposeLogin)
	assert.ErrorIs(t, err, ErrInvalidFormat)
	assert.Equal(t, 0, h.delivery.Calls())
	assert.Equal(t, 0, h.limiter.calls)
}

func TestIssueRateLimited(t *testing.T) {
	h := newTestHarness(t, nil)
	h.limiter.decision = &model.RateLimitDecision{Allowed: false, Count: 5, RetryAfter: 3 * time.Minute}

	_, err := h.svc.Issue(context.Background(), "9876543210", "", model.PurposeLogin)

	var rateLimited *RateLimitedError
	require.ErrorAs(t, err, &rateLimited)
	assert.Equal(t, 3*time.Minute, rateLimited.RetryAfter)

	// No code generated, nothing sent, nothing persisted.
	assert.Equal(t, 0, h.delivery.Calls())
	assert.Equal(t, 0, h.repo.count())
}

func TestIssueFailsOpenWhenLimiterDown(t *testing.T) {
	h := newTestHarness(t, nil)
	h.limiter.err = errors.New("redis unreachable")

	issued, err := h.svc.Issue(context.Background(), "9876543210", "", model.PurposeLogin)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.OTPID)
}

func TestIssueDeliveryFailurePersistsNothing(t *testing.T) {
	h := newTestHarness(t, nil)
	h.delivery.FailNext(true)

	_, err := h.svc.Issue(context.Background(), "9876543210", "", model.PurposeLogin)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 0, h.repo.count())
}

func TestMasterCodeBypass(t *testing.T) {
	h := newTestHarness(t, func(cfg *config.Config) {
		cfg.OTP.MasterCode = "999999"
		cfg.OTP.MasterCodeEnabled = true
	})
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "9876543210", "", model.PurposeLogin)
	require.NoError(t, err)

	// A wrong guess first, to show the bypass does not depend on attempts.
	_, err = h.svc.Verify(ctx, issued.OTPID, "111111", model.PurposeLogin)
	var invalid *InvalidOTPError
	require.ErrorAs(t, err, &invalid)

	result, err := h.svc.Verify(ctx, issued.OTPID, "999999", model.PurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, issued.OTPID, result.OTPID)

	// The bypass consumed no attempt.
	assert.Equal(t, 1, h.repo.attempts(issued.OTPID))
}

func TestMasterCodeDisabledByDefault(t *testing.T) {
	h := newTestHarness(t, func(cfg *config.Config) {
		cfg.OTP.MasterCode = "999999"
	})
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "9876543210", "", model.PurposeLogin)
	require.NoError(t, err)

	_, err = h.svc.Verify(ctx, issued.OTPID, "999999", model.PurposeLogin)
	var invalid *InvalidOTPError
	assert.ErrorAs(t, err, &invalid)
}

func TestMasterCodeIgnoredInProduction(t *testing.T) {
	h := newTestHarness(t, func(cfg *config.Config) {
		cfg.Environment = "production"
		cfg.OTP.MasterCode = "999999"
		cfg.OTP.MasterCodeEnabled = true
	})
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "9876543210", "", model.PurposeLogin)
	require.NoError(t, err)

	_, err = h.svc.Verify(ctx, issued.OTPID, "999999", model.PurposeLogin)
	var invalid *InvalidOTPError
	assert.ErrorAs(t, err, &invalid)
}

func TestStatsTrackFlows(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	issued, err := h.svc.Issue(ctx, "9876543210", "", model.PurposeLogin)
	require.NoError(t, err)
	code, _ := h.delivery.LastCode("+919876543210")

	_, err = h.svc.Verify(ctx, issued.OTPID, code, model.PurposeLogin)
	require.NoError(t, err)

	stats := h.svc.GetStats()
	assert.Equal(t, uint64(1), stats.Issued)
	assert.Equal(t, uint64(1), stats.Verified)
}
