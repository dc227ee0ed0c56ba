package audit

import (
	"context"
	"time"

	"otp-service/internal/encryption"
)

// Event is the envelope published to Kafka for every OTP lifecycle change.
// Mobile numbers ride only inside the encrypted field; the phone hash is
// the join key for downstream consumers.
type Event struct {
	EventID     string                      `json:"event_id"`
	EventType   string                      `json:"event_type"`
	OTPID       string                      `json:"otp_id"`
	PhoneHash   string                      `json:"phone_hash"`
	Mobile      *encryption.EncryptedData   `json:"mobile,omitempty"`
	Purpose     string                      `json:"purpose"`
	Reason      string                      `json:"reason,omitempty"`
	EventBucket int                         `json:"event_bucket"`
	DateBucket  string                      `json:"date_bucket"`
	Timestamp   time.Time                   `json:"timestamp"`
}

const (
	EventIssued       = "otp.issued"
	EventVerified     = "otp.verified"
	EventVerifyFailed = "otp.verify_failed"
)

// DeliveryMetric is one row in the ClickHouse delivery table, written per
// provider send so operators can track delivery latency and failure rates.
type DeliveryMetric struct {
	OTPID      string
	PhoneHash  string
	Provider   string
	MessageID  string
	Purpose    string
	Status     string
	Cost       float64
	LatencyMS  int64
	Bucket     int
	OccurredAt time.Time
}

// SecurityEvent captures abuse signals (exhausted attempts, rate limit
// hits) for the security index.
type SecurityEvent struct {
	EventID   string    `json:"event_id"`
	Kind      string    `json:"kind"`
	PhoneHash string    `json:"phone_hash"`
	OTPID     string    `json:"otp_id,omitempty"`
	Purpose   string    `json:"purpose,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SecurityMaxAttempts = "otp_max_attempts"
	SecurityRateLimited = "otp_rate_limited"
)

// Recorder receives audit signals from the OTP flow. Implementations are
// best effort: they log failures but never surface them, an audit outage
// must not block authentication. The mobile passed to RecordEvent is the
// canonical number; implementations must never persist it unencrypted.
type Recorder interface {
	RecordEvent(ctx context.Context, eventType, otpID, phoneHash, mobile, purpose, reason string)
	RecordDelivery(ctx context.Context, metric DeliveryMetric)
	RecordSecurity(ctx context.Context, event SecurityEvent)
}

// NopRecorder drops everything. Used when the audit backends are disabled
// and in tests.
type NopRecorder struct{}

func (NopRecorder) RecordEvent(context.Context, string, string, string, string, string, string) {}
func (NopRecorder) RecordDelivery(context.Context, DeliveryMetric)                              {}
func (NopRecorder) RecordSecurity(context.Context, SecurityEvent)                               {}
