package model

import (
	"context"
	"errors"
	"time"
)

// -------------------- PURPOSE --------------------

// Purpose binds a challenge to one use-case. A challenge issued for one
// purpose must never authorize another.
type Purpose string

const (
	PurposeRegistration       Purpose = "REGISTRATION"
	PurposeLogin              Purpose = "LOGIN"
	PurposePasswordReset      Purpose = "PASSWORD_RESET"
	PurposeMobileVerification Purpose = "MOBILE_VERIFICATION"
)

var ErrUnknownPurpose = errors.New("unknown purpose")

func ParsePurpose(s string) (Purpose, error) {
	switch Purpose(s) {
	case PurposeRegistration, PurposeLogin, PurposePasswordReset, PurposeMobileVerification:
		return Purpose(s), nil
	default:
		return "", ErrUnknownPurpose
	}
}

// -------------------- CHALLENGE MODEL --------------------

// Challenge is the persisted unit of an OTP flow. The plaintext code is never
// stored; only its salted hash. OTPID is the opaque handle returned to the
// caller.
type Challenge struct {
	OTPID         string     `json:"otp_id" db:"otp_id"`
	UserID        string     `json:"user_id,omitempty" db:"user_id"` // empty for first-time registration
	Mobile        string     `json:"mobile" db:"mobile"`             // canonical form
	PhoneHash     string     `json:"phone_hash" db:"phone_hash"`
	SecretHash    string     `json:"-" db:"secret_hash"`
	SecretSalt    string     `json:"-" db:"secret_salt"`
	HashAlgorithm string     `json:"-" db:"hash_algorithm"`
	Purpose       Purpose    `json:"purpose" db:"purpose"`
	Attempts      int        `json:"attempts" db:"attempts"`
	MaxAttempts   int        `json:"max_attempts" db:"max_attempts"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	Provider      string     `json:"provider" db:"provider"`
	MessageID     string     `json:"message_id,omitempty" db:"message_id"`
}

func (c *Challenge) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

func (c *Challenge) IsVerified() bool {
	return c.VerifiedAt != nil
}

func (c *Challenge) AttemptsExhausted() bool {
	return c.Attempts >= c.MaxAttempts
}

// -------------------- RATE LIMITING --------------------

// RateLimitDecision is the outcome of a reservation against the sliding
// window for one phone hash.
type RateLimitDecision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration // only meaningful when not allowed
}

// -------------------- REPOSITORY INTERFACES --------------------

// ChallengeRepository is the persisted challenge lifecycle. Implementations
// must provide per-record read-modify-write atomicity for the two mutation
// paths: concurrent verifies may neither under-count attempts nor both win
// the verified transition.
type ChallengeRepository interface {
	Create(ctx context.Context, ch *Challenge) error
	GetByID(ctx context.Context, otpID string) (*Challenge, error)
	// CompareAndSetAttempts bumps attempts from expected to next only if the
	// stored value still equals expected. Returns whether the update applied
	// and the value observed by the store.
	CompareAndSetAttempts(ctx context.Context, otpID string, expected, next int) (bool, int, error)
	// MarkVerified sets verified_at only if it is still unset.
	MarkVerified(ctx context.Context, otpID string, at time.Time) (bool, error)
	// DeleteExpired removes challenges whose expiry precedes the cutoff and
	// reports how many were removed.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
	HealthCheck(ctx context.Context) error
}

// RateLimiter reserves an issuance slot for a phone hash within the trailing
// window. Reservation happens before any secret is generated; a denied
// reservation must leave no side effects.
type RateLimiter interface {
	Reserve(ctx context.Context, phoneHash string) (*RateLimitDecision, error)
}
