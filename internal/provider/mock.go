package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"otp-service/internal/model"
	"otp-service/internal/phone"
	"otp-service/internal/util"
)

// MockProvider records sends in memory instead of dispatching them. Used in
// development and in tests; the code is retrievable so flows can complete
// without a real gateway.
type MockProvider struct {
	mu    sync.Mutex
	sent  map[string]string // canonical mobile -> last code
	calls int64
	fail  atomic.Bool
}

func NewMockProvider() *MockProvider {
	return &MockProvider{sent: make(map[string]string)}
}

func (p *MockProvider) Name() string {
	return "mock"
}

func (p *MockProvider) Send(ctx context.Context, mobile, code string, purpose model.Purpose) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.fail.Load() {
		return nil, fmt.Errorf("mock provider configured to fail")
	}

	n := atomic.AddInt64(&p.calls, 1)

	p.mu.Lock()
	p.sent[mobile] = code
	p.mu.Unlock()

	util.Debug("Mock provider accepted message",
		util.String("phone_hash", phone.Hash(mobile)),
		util.String("purpose", string(purpose)),
	)

	return &Receipt{
		Provider:  p.Name(),
		MessageID: fmt.Sprintf("mock-%d", n),
	}, nil
}

// LastCode returns the most recent code sent to a canonical mobile number.
func (p *MockProvider) LastCode(mobile string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	code, ok := p.sent[mobile]
	return code, ok
}

// Calls returns how many sends were accepted.
func (p *MockProvider) Calls() int {
	return int(atomic.LoadInt64(&p.calls))
}

// FailNext makes subsequent sends fail until called with false.
func (p *MockProvider) FailNext(fail bool) {
	p.fail.Store(fail)
}
