package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"otp-service/internal/bucketing"
	"otp-service/internal/client"
	"otp-service/internal/encryption"
	"otp-service/internal/util"
)

const recordTimeout = 5 * time.Second

// Pipeline fans audit signals out to the configured backends: lifecycle
// events to Kafka, delivery rows to ClickHouse, abuse signals to
// Elasticsearch. Any backend may be nil when disabled.
type Pipeline struct {
	kafka      *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	es         *client.ESClient
	esIndex    string
	encryptor  *encryption.Manager
	buckets    *bucketing.Manager
}

func NewPipeline(
	kafka *client.KafkaProducer,
	clickhouse *client.ClickHouseClient,
	es *client.ESClient,
	esIndex string,
	encryptor *encryption.Manager,
	buckets *bucketing.Manager,
) *Pipeline {
	return &Pipeline{
		kafka:      kafka,
		clickhouse: clickhouse,
		es:         es,
		esIndex:    esIndex,
		encryptor:  encryptor,
		buckets:    buckets,
	}
}

// RecordEvent publishes one lifecycle event. The mobile number is envelope
// encrypted before it enters the event; if encryption fails the event ships
// without it rather than with plaintext.
func (p *Pipeline) RecordEvent(ctx context.Context, eventType, otpID, phoneHash, mobile, purpose, reason string) {
	if p.kafka == nil {
		return
	}

	event := Event{
		EventID:     uuid.New().String(),
		EventType:   eventType,
		OTPID:       otpID,
		PhoneHash:   phoneHash,
		Purpose:     purpose,
		Reason:      reason,
		EventBucket: p.buckets.GetEventBucket(phoneHash),
		DateBucket:  p.buckets.GetDateBucket(),
		Timestamp:   time.Now().UTC(),
	}

	if mobile != "" && p.encryptor != nil {
		encrypted, err := p.encryptor.EncryptField(ctx, mobile)
		if err != nil {
			util.Warn("failed to encrypt mobile for audit event",
				util.String("event_type", eventType),
				util.ErrorField(err))
		} else {
			event.Mobile = encrypted
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("failed to marshal audit event", util.ErrorField(err))
		return
	}

	ctx, cancel := context.WithTimeout(detach(ctx), recordTimeout)
	defer cancel()

	err = p.kafka.Produce(ctx, []byte(event.PhoneHash), payload, map[string]string{
		"event_type": event.EventType,
	})
	if err != nil {
		util.Warn("failed to publish audit event",
			util.String("event_type", event.EventType),
			util.ErrorField(err))
	}
}

func (p *Pipeline) RecordDelivery(ctx context.Context, metric DeliveryMetric) {
	if p.clickhouse == nil {
		return
	}

	metric.Bucket = p.buckets.GetEventBucket(metric.PhoneHash)

	ctx, cancel := context.WithTimeout(detach(ctx), recordTimeout)
	defer cancel()

	err := p.clickhouse.AsyncInsert(ctx, `
        INSERT INTO otp_deliveries
            (otp_id, phone_hash, provider, message_id, purpose, status, cost, latency_ms, bucket, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		metric.OTPID, metric.PhoneHash, metric.Provider, metric.MessageID, metric.Purpose,
		metric.Status, metric.Cost, metric.LatencyMS, metric.Bucket, metric.OccurredAt,
	)
	if err != nil {
		util.Warn("failed to record delivery metric",
			util.String("provider", metric.Provider),
			util.ErrorField(err))
	}
}

func (p *Pipeline) RecordSecurity(ctx context.Context, event SecurityEvent) {
	if p.es == nil {
		return
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(detach(ctx), recordTimeout)
	defer cancel()

	resp, err := p.es.IndexDocument(ctx, p.esIndex, event.EventID, event)
	if err != nil {
		util.Warn("failed to index security event",
			util.String("kind", event.Kind),
			util.ErrorField(err))
		return
	}
	defer resp.Body.Close()

	if resp.IsError() {
		util.Warn("security event rejected by elasticsearch",
			util.String("kind", event.Kind),
			util.String("status", resp.Status()))
	}
}

// detach keeps the caller's values but drops its cancellation, so audit
// writes finish even when the request that triggered them has returned.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
