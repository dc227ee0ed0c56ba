// Package provider abstracts the out-of-band delivery channel for OTP codes.
// The orchestrator is provider-agnostic: implementations are selected once at
// process start from configuration and injected, never read from globals.
package provider

import (
	"context"
	"fmt"

	"otp-service/internal/config"
	"otp-service/internal/model"
)

// Receipt carries delivery metadata back from the channel.
type Receipt struct {
	Provider  string  `json:"provider"`
	MessageID string  `json:"message_id,omitempty"`
	Cost      float64 `json:"cost,omitempty"`
}

// Provider sends a code to a phone number via an external channel.
// Implementations must respect ctx cancellation: a hung gateway must not
// hold an issue request open indefinitely.
type Provider interface {
	Name() string
	Send(ctx context.Context, mobile, code string, purpose model.Purpose) (*Receipt, error)
}

// FromConfig builds the configured provider.
func FromConfig(cfg *config.Config) (Provider, error) {
	switch cfg.Provider.Name {
	case "mock", "":
		return NewMockProvider(), nil
	case "brandsms":
		return NewBrandSMSProvider(cfg.Provider)
	default:
		return nil, fmt.Errorf("unknown SMS provider: %q", cfg.Provider.Name)
	}
}
