// Package keys chooses the API key an LLM call is paid with and tracks
// whether keys work.
package keys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Status is the last observed health of an API key.
type Status string

// Key statuses.
const (
	StatusUnknown Status = "unknown"
	StatusWorks   Status = "works"
	StatusBroken  Status = "broken"
	StatusQuota   Status = "quota"
)

// Usable reports whether a key in this status may be tried.
func (s Status) Usable() bool {
	return s == StatusWorks || s == StatusUnknown
}

// ttl returns how long a status is trusted before the key is tried again.
func (s Status) ttl() time.Duration {
	switch s {
	case StatusQuota:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Statuses stores key statuses. Keys are identified by a fingerprint, never
// stored in clear.
type Statuses interface {
	Get(ctx context.Context, apiKey string) (Status, error)
	Set(ctx context.Context, apiKey string, status Status) error
}

// Fingerprint returns the identifier under which a key's status is stored.
func Fingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}

type memoryEntry struct {
	status  Status
	expires time.Time
}

// MemoryStatuses keeps statuses in process memory.
type MemoryStatuses struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStatuses creates an empty in-memory status store.
func NewMemoryStatuses() *MemoryStatuses {
	return &MemoryStatuses{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get implements Statuses.
func (m *MemoryStatuses) Get(_ context.Context, apiKey string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[Fingerprint(apiKey)]
	if !ok || m.now().After(e.expires) {
		return StatusUnknown, nil
	}
	return e.status, nil
}

// Set implements Statuses.
func (m *MemoryStatuses) Set(_ context.Context, apiKey string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[Fingerprint(apiKey)] = memoryEntry{status: status, expires: m.now().Add(status.ttl())}
	return nil
}
