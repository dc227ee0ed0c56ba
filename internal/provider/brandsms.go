package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/phone"
	"otp-service/internal/util"
)

// BrandSMSProvider dispatches codes through the brand SMS gateway's JSON API.
// All calls are bounded by the configured timeout so a hung gateway fails
// fast instead of pinning the issue flow.
type BrandSMSProvider struct {
	url      string
	apiKey   string
	senderID string
	client   *http.Client
}

type brandSMSRequest struct {
	To       string `json:"to"`
	SenderID string `json:"sender_id"`
	Message  string `json:"message"`
	Purpose  string `json:"purpose"`
}

type brandSMSResponse struct {
	Status    string  `json:"status"`
	MessageID string  `json:"message_id"`
	Cost      float64 `json:"cost"`
	Error     string  `json:"error"`
}

func NewBrandSMSProvider(cfg config.ProviderConfig) (*BrandSMSProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("brandsms provider requires SMS_PROVIDER_URL")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("brandsms provider requires SMS_PROVIDER_API_KEY")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &BrandSMSProvider{
		url:      cfg.URL,
		apiKey:   cfg.APIKey,
		senderID: cfg.SenderID,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (p *BrandSMSProvider) Name() string {
	return "brandsms"
}

func (p *BrandSMSProvider) Send(ctx context.Context, mobile, code string, purpose model.Purpose) (*Receipt, error) {
	payload, err := json.Marshal(brandSMSRequest{
		To:       mobile,
		SenderID: p.senderID,
		Message:  fmt.Sprintf("%s is your verification code. It expires shortly. Do not share it.", code),
		Purpose:  string(purpose),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read sms gateway response: %w", err)
	}

	var parsed brandSMSResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("invalid sms gateway response: %w", err)
	}

	if resp.StatusCode >= 300 || parsed.Status != "sent" {
		reason := parsed.Error
		if reason == "" {
			reason = fmt.Sprintf("gateway returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("sms delivery rejected: %s", reason)
	}

	util.Debug("Brand SMS dispatched",
		util.String("phone_hash", phone.Hash(mobile)),
		util.String("message_id", parsed.MessageID),
		util.Duration("duration", time.Since(start)),
	)

	return &Receipt{
		Provider:  p.Name(),
		MessageID: parsed.MessageID,
		Cost:      parsed.Cost,
	}, nil
}
