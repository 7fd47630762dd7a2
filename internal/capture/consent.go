package capture

import (
	"context"
	"sync"
)

// ReportedConsent is a PermissionPrompter backed by the answers the client
// reports after showing its own OS permission dialog. A device that never
// reported an answer is treated as granted, since it could only upload an
// image after the OS allowed it.
type ReportedConsent struct {
	mu      sync.Mutex
	answers map[permKey]bool
}

// NewReportedConsent creates an empty consent registry.
func NewReportedConsent() *ReportedConsent {
	return &ReportedConsent{answers: make(map[permKey]bool)}
}

// Record stores the client's answer for kind.
func (c *ReportedConsent) Record(deviceID string, kind Kind, granted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers[permKey{deviceID, kind}] = granted
}

// Clear forgets the answer for kind.
func (c *ReportedConsent) Clear(deviceID string, kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.answers, permKey{deviceID, kind})
}

func (c *ReportedConsent) Prompt(_ context.Context, deviceID string, kind Kind) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	granted, ok := c.answers[permKey{deviceID, kind}]
	if !ok {
		return true, nil
	}
	return granted, nil
}
