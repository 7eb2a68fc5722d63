package tenant

import (
	"strings"
	"sync"
)

// DefaultCrawlerLimit applies to tenants without an explicit limit.
const DefaultCrawlerLimit = 1

// Limits resolves per-tenant crawler limits. It is safe for concurrent use and
// may be replaced wholesale when configuration reloads.
type Limits struct {
	mu        sync.RWMutex
	fallback  int
	perTenant map[string]int
}

// NewLimits builds a resolver. Non-positive values fall back to DefaultCrawlerLimit.
func NewLimits(fallback int, perTenant map[string]int) *Limits {
	l := &Limits{}
	l.Update(fallback, perTenant)
	return l
}

// Limit returns the crawler limit for clientID. Tenant IDs compare
// case-insensitively because configuration keys arrive lower-cased.
func (l *Limits) Limit(clientID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.perTenant[strings.ToLower(clientID)]; ok {
		return v
	}
	return l.fallback
}

// Update swaps in a new set of limits.
func (l *Limits) Update(fallback int, perTenant map[string]int) {
	if fallback <= 0 {
		fallback = DefaultCrawlerLimit
	}
	copied := make(map[string]int, len(perTenant))
	for id, v := range perTenant {
		if v <= 0 {
			v = fallback
		}
		copied[strings.ToLower(id)] = v
	}
	l.mu.Lock()
	l.fallback = fallback
	l.perTenant = copied
	l.mu.Unlock()
}
