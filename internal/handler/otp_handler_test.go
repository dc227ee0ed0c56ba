package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/provider"
	"otp-service/internal/service"
)

type memoryRepo struct {
	mu         sync.Mutex
	challenges map[string]*model.Challenge
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{challenges: make(map[string]*model.Challenge)}
}

func (r *memoryRepo) Create(ctx context.Context, ch *model.Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *ch
	r.challenges[ch.OTPID] = &stored
	return nil
}

func (r *memoryRepo) GetByID(ctx context.Context, otpID string) (*model.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.challenges[otpID]
	if !ok {
		return nil, nil
	}
	snapshot := *ch
	return &snapshot, nil
}

func (r *memoryRepo) CompareAndSetAttempts(ctx context.Context, otpID string, expected, next int) (bool, int, error) {
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

func (r *memoryRepo) MarkVerified(ctx context.Context, otpID string, at time.Time) (bool, error) {
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

func (r *memoryRepo) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

func (r *memoryRepo) HealthCheck(ctx context.Context) error { return nil }

type allowAllLimiter struct {
	deny       bool
	retryAfter time.Duration
}

func (l *allowAllLimiter) Reserve(ctx context.Context, phoneHash string) (*model.RateLimitDecision, error) {
	if l.deny {
		return &model.RateLimitDecision{Allowed: false, Count: 5, RetryAfter: l.retryAfter}, nil
	}
	return &model.RateLimitDecision{Allowed: true, Count: 1}, nil
}

type handlerHarness struct {
	router   chi.Router
	delivery *provider.MockProvider
	limiter  *allowAllLimiter
}

func newHandlerHarness(t *testing.T) *handlerHarness {
	t.Helper()

	cfg := &config.Config{
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
		Provider: config.ProviderConfig{Name: "mock", Timeout: 5 * time.Second},
	}

	delivery := provider.NewMockProvider()
	limiter := &allowAllLimiter{retryAfter: 2 * time.Minute}
	svc := service.NewOTPService(cfg, newMemoryRepo(), limiter, delivery, hashing.NewHasher(cfg), nil)

	return &handlerHarness{
		router:   NewRouter(cfg, NewOTPHandler(svc, zap.NewNop()), zap.NewNop()),
		delivery: delivery,
		limiter:  limiter,
	}
}

func (h *handlerHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *handlerHarness) issue(t *testing.T) (otpID, code string) {
	t.Helper()

	rec := h.do(t, http.MethodPost, "/api/v1/otp/issue", IssueRequest{
		Mobile:  "9876543210",
		Purpose: "LOGIN",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	otpID = data["otp_id"].(string)

	code, ok := h.delivery.LastCode("+919876543210")
	require.True(t, ok)
	return otpID, code
}

func TestIssueEndpoint(t *testing.T) {
	h := newHandlerHarness(t)

	otpID, code := h.issue(t)
	assert.NotEmpty(t, otpID)
	assert.Len(t, code, 6)
}

func TestIssueEndpointRejectsBadJSON(t *testing.T) {
	h := newHandlerHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/otp/issue", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssueEndpointRejectsUnknownPurpose(t *testing.T) {
	h := newHandlerHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/otp/issue", IssueRequest{Mobile: "9876543210", Purpose: "ADMIN"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssueEndpointInvalidMobile(t *testing.T) {
	h := newHandlerHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/otp/issue", IssueRequest{Mobile: "12345", Purpose: "LOGIN"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssueEndpointRateLimited(t *testing.T) {
	h := newHandlerHarness(t)
	h.limiter.deny = true

	rec := h.do(t, http.MethodPost, "/api/v1/otp/issue", IssueRequest{Mobile: "9876543210", Purpose: "LOGIN"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "120", rec.Header().Get("Retry-After"))
}

func TestIssueEndpointDeliveryFailure(t *testing.T) {
	h := newHandlerHarness(t)
	h.delivery.FailNext(true)

	rec := h.do(t, http.MethodPost, "/api/v1/otp/issue", IssueRequest{Mobile: "9876543210", Purpose: "LOGIN"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	h := newHandlerHarness(t)
	otpID, code := h.issue(t)

	rec := h.do(t, http.MethodPost, "/api/v1/otp/verify", VerifyRequest{OTPID: otpID, Code: code, Purpose: "LOGIN"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestVerifyEndpointStatusCodes(t *testing.T) {
	h := newHandlerHarness(t)
	otpID, code := h.issue(t)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	// Wrong code spends an attempt.
	rec := h.do(t, http.MethodPost, "/api/v1/otp/verify", VerifyRequest{OTPID: otpID, Code: wrong, Purpose: "LOGIN"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Unknown challenge.
	rec = h.do(t, http.MethodPost, "/api/v1/otp/verify", VerifyRequest{OTPID: "nope", Code: code, Purpose: "LOGIN"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Purpose mismatch is indistinguishable from unknown.
	rec = h.do(t, http.MethodPost, "/api/v1/otp/verify", VerifyRequest{OTPID: otpID, Code: code, Purpose: "REGISTRATION"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Successful verify, then replay.
	rec = h.do(t, http.MethodPost, "/api/v1/otp/verify", VerifyRequest{OTPID: otpID, Code: code, Purpose: "LOGIN"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/otp/verify", VerifyRequest{OTPID: otpID, Code: code, Purpose: "LOGIN"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestVerifyEndpointMaxAttempts(t *testing.T) {
	h := newHandlerHarness(t)
	otpID, code := h.issue(t)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	for i := 0; i < 2; i++ {
		rec := h.do(t, http.MethodPost, "/api/v1/otp/verify", VerifyRequest{OTPID: otpID, Code: wrong, Purpose: "LOGIN"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := h.do(t, http.MethodPost, "/api/v1/otp/verify", VerifyRequest{OTPID: otpID, Code: wrong, Purpose: "LOGIN"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/otp/verify", VerifyRequest{OTPID: otpID, Code: code, Purpose: "LOGIN"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestVerifyEndpointRequiresFields(t *testing.T) {
	h := newHandlerHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/otp/verify", VerifyRequest{Purpose: "LOGIN"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	h := newHandlerHarness(t)
	h.issue(t)

	rec := h.do(t, http.MethodGet, "/api/v1/otp/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(1), data["issued"])
}

func TestHealthEndpoint(t *testing.T) {
	h := newHandlerHarness(t)

	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	h := newHandlerHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
