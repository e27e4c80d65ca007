package billing

import (
	"context"
	"sync"
	"time"
)

// MockService stands in for the billing backend when MOCK_BILLING_SERVICE
// is set (dev boxes, CI). Every camera validates as a 90-day trial and
// every entitlement is enabled with an unlimited quota.
type MockService struct {
	mu       sync.Mutex
	accepted []UsageRecord
}

func NewMockService() *MockService {
	return &MockService{}
}

func (m *MockService) ValidateCameraLicense(_ context.Context, _, _, _ string) (*LicenseResult, error) {
	allowed := 2
	return &LicenseResult{
		IsValid:        true,
		LicenseMode:    "trial",
		GrowthPacks:    []string{},
		ValidUntil:     time.Now().Add(90 * 24 * time.Hour),
		CamerasAllowed: &allowed,
	}, nil
}

func (m *MockService) CheckEntitlement(_ context.Context, _, _, _ string) (*EntitlementResult, error) {
	return &EntitlementResult{
		IsEnabled:      true,
		QuotaLimit:     -1,
		QuotaRemaining: -1,
		ValidUntil:     time.Now().Add(24 * time.Hour),
	}, nil
}

func (m *MockService) SubmitUsageBatch(_ context.Context, events []UsageRecord) (*BatchResult, error) {
	m.mu.Lock()
	m.accepted = append(m.accepted, events...)
	m.mu.Unlock()
	return &BatchResult{AcceptedCount: len(events)}, nil
}

func (m *MockService) Heartbeat(_ context.Context, _ HeartbeatRequest) (*HeartbeatResult, error) {
	return &HeartbeatResult{Status: "ok", NextHeartbeat: 300}, nil
}

func (m *MockService) Healthy(_ context.Context) bool { return true }

// Accepted returns a copy of everything submitted so far. Test hook.
func (m *MockService) Accepted() []UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UsageRecord, len(m.accepted))
	copy(out, m.accepted)
	return out
}
