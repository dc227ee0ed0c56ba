package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"otp-service/internal/audit"
	"otp-service/internal/config"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/otp"
	"otp-service/internal/phone"
	"otp-service/internal/provider"
	"otp-service/internal/util"
)

var (
	ErrInvalidFormat  = errors.New("invalid mobile number format")
	ErrDeliveryFailed = errors.New("otp delivery failed")
	ErrInvalidRequest = errors.New("otp request not found")
	ErrAlreadyUsed    = errors.New("otp already used")
	ErrExpired        = errors.New("otp expired")
	ErrMaxAttempts    = errors.New("maximum verification attempts exceeded")
)

// RateLimitedError reports a denied issuance together with when the caller
// may try again.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many otp requests, retry after %s", e.RetryAfter)
}

// InvalidOTPError reports a failed code comparison and how many attempts
// the challenge has left.
type InvalidOTPError struct {
	AttemptsRemaining int
}

func (e *InvalidOTPError) Error() string {
	return fmt.Sprintf("invalid otp, %d attempts remaining", e.AttemptsRemaining)
}

type IssueResult struct {
	OTPID     string    `json:"otp_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifyResult carries what the identity layer needs to create or resume a
// session. UserID is empty for fresh registrations, where no account exists
// yet. The mobile number itself stays inside the service.
type VerifyResult struct {
	OTPID      string        `json:"otp_id"`
	UserID     string        `json:"user_id,omitempty"`
	Purpose    model.Purpose `json:"purpose"`
	VerifiedAt time.Time     `json:"verified_at"`
}

// Stats are process-local counters, reset on restart.
type Stats struct {
	Issued           uint64 `json:"issued"`
	Verified         uint64 `json:"verified"`
	VerifyFailed     uint64 `json:"verify_failed"`
	RateLimited      uint64 `json:"rate_limited"`
	DeliveryFailures uint64 `json:"delivery_failures"`
}

// OTPService owns the issue and verify flows. Instances hold no per-request
// state; any instance can verify a challenge issued by another.
type OTPService struct {
	cfg        *config.Config
	repo       model.ChallengeRepository
	limiter    model.RateLimiter
	provider   provider.Provider
	hasher     *hashing.Hasher
	generator  *otp.Generator
	normalizer *phone.Normalizer
	auditor    audit.Recorder
	nowFn      func() time.Time

	issued           atomic.Uint64
	verified         atomic.Uint64
	verifyFailed     atomic.Uint64
	rateLimited      atomic.Uint64
	deliveryFailures atomic.Uint64
}

func NewOTPService(
	cfg *config.Config,
	repo model.ChallengeRepository,
	limiter model.RateLimiter,
	deliveryProvider provider.Provider,
	hasher *hashing.Hasher,
	auditor audit.Recorder,
) *OTPService {
	if auditor == nil {
		auditor = audit.NopRecorder{}
	}
	return &OTPService{
		cfg:        cfg,
		repo:       repo,
		limiter:    limiter,
		provider:   deliveryProvider,
		hasher:     hasher,
		generator:  otp.NewGenerator(cfg.OTP.CodeLength),
		normalizer: phone.NewNormalizer(cfg.OTP.DefaultCountryCode),
		auditor:    auditor,
		nowFn:      time.Now,
	}
}

// Issue generates a fresh challenge for the mobile number and dispatches the
// code through the delivery provider. The rate limit slot is reserved before
// any code exists and is kept even when delivery fails, so a broken provider
// cannot be used to probe numbers without limit.
func (s *OTPService) Issue(ctx context.Context, mobile, userID string, purpose model.Purpose) (*IssueResult, error) {
	canonical, err := s.normalizer.Normalize(mobile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	phoneHash := phone.Hash(canonical)

	decision, err := s.limiter.Reserve(ctx, phoneHash)
	if err != nil {
		// Redis being down must not take authentication down with it.
		util.Warn("rate limiter unavailable, allowing request",
			util.String("phone_hash", phoneHash),
			util.ErrorField(err))
	} else if !decision.Allowed {
		s.rateLimited.Add(1)
		s.auditor.RecordSecurity(ctx, audit.SecurityEvent{
			Kind:      audit.SecurityRateLimited,
			PhoneHash: phoneHash,
			Purpose:   string(purpose),
			Timestamp: s.nowFn().UTC(),
		})
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	code, err := s.generator.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate otp: %w", err)
	}

	hashed, err := s.hasher.HashSecret(code, string(purpose))
	if err != nil {
		return nil, fmt.Errorf("failed to hash otp: %w", err)
	}

	otpID := uuid.New().String()
	now := s.nowFn().UTC()

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Provider.Timeout)
	receipt, err := s.provider.Send(sendCtx, canonical, code, purpose)
	cancel()
	latency := time.Since(now)
	if err != nil {
		s.deliveryFailures.Add(1)
		s.auditor.RecordDelivery(ctx, audit.DeliveryMetric{
			OTPID:      otpID,
			PhoneHash:  phoneHash,
			Provider:   s.provider.Name(),
			Purpose:    string(purpose),
			Status:     "failed",
			LatencyMS:  latency.Milliseconds(),
			OccurredAt: now,
		})
		util.Error("otp delivery failed",
			util.String("phone_hash", phoneHash),
			util.String("provider", s.provider.Name()),
			util.ErrorField(err))
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	challenge := &model.Challenge{
		OTPID:         otpID,
		UserID:        userID,
		Mobile:        canonical,
		PhoneHash:     phoneHash,
		SecretHash:    hashed.Hash,
		SecretSalt:    hashed.Salt,
		HashAlgorithm: hashed.Algorithm,
		Purpose:       purpose,
		Attempts:      0,
		MaxAttempts:   s.cfg.OTP.MaxAttempts,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.OTP.ExpiryWindow),
		Provider:      receipt.Provider,
		MessageID:     receipt.MessageID,
	}

	if err := s.repo.Create(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to persist otp challenge: %w", err)
	}

	s.issued.Add(1)
	s.auditor.RecordEvent(ctx, audit.EventIssued, otpID, phoneHash, canonical, string(purpose), "")
	s.auditor.RecordDelivery(ctx, audit.DeliveryMetric{
		OTPID:      otpID,
		PhoneHash:  phoneHash,
		Provider:   receipt.Provider,
		MessageID:  receipt.MessageID,
		Purpose:    string(purpose),
		Status:     "sent",
		Cost:       receipt.Cost,
		LatencyMS:  latency.Milliseconds(),
		OccurredAt: now,
	})

	util.Info("otp issued",
		util.String("otp_id", otpID),
		util.String("phone_hash", phoneHash),
		util.String("purpose", string(purpose)),
		util.String("provider", receipt.Provider))

	return &IssueResult{OTPID: otpID, ExpiresAt: challenge.ExpiresAt}, nil
}

// Verify checks a submitted code against the stored challenge. Every failed
// comparison consumes an attempt; the gates run in a fixed order so a caller
// learns nothing more from the error than it needs to.
func (s *OTPService) Verify(ctx context.Context, otpID, code string, purpose model.Purpose) (*VerifyResult, error) {
	challenge, err := s.repo.GetByID(ctx, otpID)
	if err != nil {
		return nil, fmt.Errorf("failed to load otp challenge: %w", err)
	}
	if challenge == nil || challenge.Purpose != purpose {
		// A purpose mismatch is indistinguishable from a missing challenge.
		return nil, ErrInvalidRequest
	}

	now := s.nowFn().UTC()

	if challenge.IsVerified() {
		return nil, ErrAlreadyUsed
	}
	if challenge.IsExpired(now) {
		s.recordVerifyFailure(ctx, challenge, "expired")
		return nil, ErrExpired
	}
	if challenge.AttemptsExhausted() {
		return nil, ErrMaxAttempts
	}

	if s.isMasterCode(code) {
		return s.completeVerification(ctx, challenge, now)
	}

	match, err := s.hasher.VerifySecret(code, string(purpose), &hashing.HashResult{
		Hash:      challenge.SecretHash,
		Salt:      challenge.SecretSalt,
		Algorithm: challenge.HashAlgorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify otp: %w", err)
	}

	if !match {
		return nil, s.consumeAttempt(ctx, challenge)
	}

	return s.completeVerification(ctx, challenge, now)
}

// consumeAttempt bumps the attempt counter with a conditional update. When a
// concurrent verify already bumped it the observed value is used instead, so
// two racing failures never under-count.
func (s *OTPService) consumeAttempt(ctx context.Context, challenge *model.Challenge) error {
	s.verifyFailed.Add(1)

	applied, observed, err := s.repo.CompareAndSetAttempts(ctx, challenge.OTPID, challenge.Attempts, challenge.Attempts+1)
	if err != nil {
		return fmt.Errorf("failed to consume otp attempt: %w", err)
	}

	attempts := observed
	if !applied {
		// Lost the race. The store's value already includes the concurrent
		// failure; count this one on top unless the counter is exhausted.
		if observed < challenge.MaxAttempts {
			if ok, next, casErr := s.repo.CompareAndSetAttempts(ctx, challenge.OTPID, observed, observed+1); casErr == nil && ok {
				attempts = next
			}
		}
	}

	s.recordVerifyFailure(ctx, challenge, "code_mismatch")

	remaining := challenge.MaxAttempts - attempts
	if remaining <= 0 {
		s.auditor.RecordSecurity(ctx, audit.SecurityEvent{
			Kind:      audit.SecurityMaxAttempts,
			PhoneHash: challenge.PhoneHash,
			OTPID:     challenge.OTPID,
			Purpose:   string(challenge.Purpose),
			Timestamp: s.nowFn().UTC(),
		})
		util.Warn("otp attempts exhausted",
			util.String("otp_id", challenge.OTPID),
			util.String("phone_hash", challenge.PhoneHash))
		return ErrMaxAttempts
	}

	return &InvalidOTPError{AttemptsRemaining: remaining}
}

func (s *OTPService) completeVerification(ctx context.Context, challenge *model.Challenge, now time.Time) (*VerifyResult, error) {
	applied, err := s.repo.MarkVerified(ctx, challenge.OTPID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to mark otp verified: %w", err)
	}
	if !applied {
		return nil, ErrAlreadyUsed
	}

	s.verified.Add(1)
	s.auditor.RecordEvent(ctx, audit.EventVerified, challenge.OTPID, challenge.PhoneHash, challenge.Mobile, string(challenge.Purpose), "")

	util.Info("otp verified",
		util.String("otp_id", challenge.OTPID),
		util.String("phone_hash", challenge.PhoneHash),
		util.String("purpose", string(challenge.Purpose)))

	return &VerifyResult{
		OTPID:      challenge.OTPID,
		UserID:     challenge.UserID,
		Purpose:    challenge.Purpose,
		VerifiedAt: now,
	}, nil
}

func (s *OTPService) recordVerifyFailure(ctx context.Context, challenge *model.Challenge, reason string) {
	s.auditor.RecordEvent(ctx, audit.EventVerifyFailed, challenge.OTPID, challenge.PhoneHash, "", string(challenge.Purpose), reason)
}

// isMasterCode short-circuits verification in non-production environments.
// The flag never survives config validation in production; the environment
// check here makes the gate hold even if validation was skipped.
func (s *OTPService) isMasterCode(code string) bool {
	return s.cfg.OTP.MasterCodeEnabled &&
		!s.cfg.IsProduction() &&
		s.cfg.OTP.MasterCode != "" &&
		code == s.cfg.OTP.MasterCode
}

func (s *OTPService) GetStats() Stats {
	return Stats{
		Issued:           s.issued.Load(),
		Verified:         s.verified.Load(),
		VerifyFailed:     s.verifyFailed.Load(),
		RateLimited:      s.rateLimited.Load(),
		DeliveryFailures: s.deliveryFailures.Load(),
	}
}

func (s *OTPService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}
