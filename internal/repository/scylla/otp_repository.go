package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// ChallengeRepository persists OTP challenges in ScyllaDB. The attempt
// counter and the verified flag are updated with lightweight transactions
// so that concurrent verify calls against the same challenge serialize on
// the coordinator instead of racing in application code.
type ChallengeRepository struct {
	client *ScyllaClient
}

func NewChallengeRepository(client *ScyllaClient) *ChallengeRepository {
	return &ChallengeRepository{client: client}
}

func (r *ChallengeRepository) Create(ctx context.Context, ch *model.Challenge) error {
	query := r.client.Prepared.CreateChallenge.WithContext(ctx).Bind(
		ch.OTPID, ch.UserID, ch.Mobile, ch.PhoneHash, ch.SecretHash, ch.SecretSalt,
		ch.HashAlgorithm, string(ch.Purpose), ch.Attempts, ch.MaxAttempts,
		ch.CreatedAt, ch.ExpiresAt, ch.VerifiedAt, ch.Provider, ch.MessageID,
	)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to create otp challenge: %w", err)
	}
	return nil
}

func (r *ChallengeRepository) GetByID(ctx context.Context, otpID string) (*model.Challenge, error) {
	var ch model.Challenge
	var purpose string
	var verifiedAt *time.Time

	err := r.client.Prepared.GetChallenge.WithContext(ctx).Bind(otpID).Scan(
		&ch.OTPID, &ch.UserID, &ch.Mobile, &ch.PhoneHash, &ch.SecretHash, &ch.SecretSalt,
		&ch.HashAlgorithm, &purpose, &ch.Attempts, &ch.MaxAttempts,
		&ch.CreatedAt, &ch.ExpiresAt, &verifiedAt, &ch.Provider, &ch.MessageID,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get otp challenge: %w", err)
	}

	ch.Purpose = model.Purpose(purpose)
	ch.VerifiedAt = verifiedAt
	return &ch, nil
}

// CompareAndSetAttempts bumps the attempt counter from expected to next.
// Returns the applied flag and, when the update lost the race, the counter
// value the coordinator saw.
func (r *ChallengeRepository) CompareAndSetAttempts(ctx context.Context, otpID string, expected, next int) (bool, int, error) {
	var current int
	applied, err := r.client.Session.Query(
		`UPDATE otp_challenges SET attempts = ? WHERE otp_id = ? IF attempts = ?`,
		next, otpID, expected,
	).WithContext(ctx).ScanCAS(&current)
	if err != nil {
		return false, 0, fmt.Errorf("failed to update attempt counter: %w", err)
	}
	if applied {
		return true, next, nil
	}
	return false, current, nil
}

// MarkVerified flips the challenge to verified exactly once.
func (r *ChallengeRepository) MarkVerified(ctx context.Context, otpID string, at time.Time) (bool, error) {
	var existing *time.Time
	applied, err := r.client.Session.Query(
		`UPDATE otp_challenges SET verified_at = ? WHERE otp_id = ? IF verified_at = null`,
		at, otpID,
	).WithContext(ctx).ScanCAS(&existing)
	if err != nil {
		return false, fmt.Errorf("failed to mark challenge verified: %w", err)
	}
	return applied, nil
}

// DeleteExpired removes challenges whose expiry is older than the cutoff.
// Deletes are batched so a large backlog does not produce one oversized
// mutation. Returns the number of rows removed.
func (r *ChallengeRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	iter := r.client.Session.Query(
		`SELECT otp_id FROM otp_challenges WHERE expires_at < ? ALLOW FILTERING`,
		before,
	).WithContext(ctx).Iter()

	var otpID string
	var ids []string
	for iter.Scan(&otpID) {
		ids = append(ids, otpID)
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to scan expired challenges: %w", err)
	}

	deleted := 0
	const batchSize = 100
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}

		batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
		for _, id := range ids[start:end] {
			batch.Query(`DELETE FROM otp_challenges WHERE otp_id = ?`, id)
		}
		if err := r.client.ExecuteBatch(batch); err != nil {
			return deleted, fmt.Errorf("failed to delete expired challenges: %w", err)
		}
		deleted += end - start
	}

	if deleted > 0 {
		util.Debug("expired challenges removed", util.Int("count", deleted))
	}
	return deleted, nil
}

func (r *ChallengeRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
