package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
)

// MockCostService is a mock implementation of CostService for testing
type MockCostService struct {
	CalculateCostFunc func(provider, model string, inputTokens, outputTokens int, websearch bool) float64
}

func (m *MockCostService) CalculateCost(provider, model string, inputTokens, outputTokens int, websearch bool) float64 {
	if m.CalculateCostFunc != nil {
		return m.CalculateCostFunc(provider, model, inputTokens, outputTokens, websearch)
	}
	return 0.0015 // Default mock cost
}

// NewMockCostService creates a new mock cost service
func NewMockCostService() *MockCostService {
	return &MockCostService{}
}

// MockProvider is a scripted Provider that records calls and tracks how
// many are in flight at once.
type MockProvider struct {
	Name     string
	Delay    time.Duration
	CallFunc func(ctx context.Context, req common.Request) (*common.Response, error)

	mu       sync.Mutex
	requests []common.Request
	inFlight int32
	peak     int32
}

// NewMockProvider returns a provider answering text for every prompt.
func NewMockProvider(name, text string) *MockProvider {
	return &MockProvider{
		Name: name,
		CallFunc: func(ctx context.Context, req common.Request) (*common.Response, error) {
			return &common.Response{Text: text, Model: req.Model, Usage: common.Usage{InputTokens: 100, OutputTokens: 50}}, nil
		},
	}
}

func (m *MockProvider) GetProviderName() string {
	return m.Name
}

func (m *MockProvider) Call(ctx context.Context, req common.Request) (*common.Response, error) {
	n := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	for {
		p := atomic.LoadInt32(&m.peak)
		if n <= p || atomic.CompareAndSwapInt32(&m.peak, p, n) {
			break
		}
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.CallFunc(ctx, req)
}

// Calls returns the number of Call invocations.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request seen.
func (m *MockProvider) Requests() []common.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// PeakConcurrency returns the highest number of simultaneous calls observed.
func (m *MockProvider) PeakConcurrency() int {
	return int(atomic.LoadInt32(&m.peak))
}
