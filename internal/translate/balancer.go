package translate

import (
	"sync"
	"time"

	"github.com/hexinfra/bengproxy/internal/session"
)

// Balancer picks a member of an HTTP backend cluster, sticky on the
// session id's cluster slot when one is present, round-robin
// otherwise. Members can be administratively disabled via the
// control channel's ENABLE_NODE / DISABLE_NODE commands, and members
// inside a failure window are routed around until it expires.
type Balancer struct {
	failures *FailureTracker

	mu       sync.Mutex
	next     int
	disabled map[string]bool
}

// NewBalancer creates a balancer with every node enabled. failures
// may be nil to disable failure-aware routing.
func NewBalancer(failures *FailureTracker) *Balancer {
	return &Balancer{failures: failures, disabled: make(map[string]bool)}
}

// Pick chooses a cluster member. sid, when non-nil, pins the choice
// to the session's owning slot so stateful backends keep seeing the
// same client (sticky sessions). Returns "" when every member is
// disabled. Failed members are skipped unless every member has
// failed, in which case the pick falls back to the full enabled set.
func (b *Balancer) Pick(cluster []string, sid *session.ID) string {
	if len(cluster) == 0 {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	enabled := make([]string, 0, len(cluster))
	healthy := make([]string, 0, len(cluster))
	for _, m := range cluster {
		if b.disabled[m] {
			continue
		}
		enabled = append(enabled, m)
		if b.failures == nil || !b.failures.IsFailed(m, now) {
			healthy = append(healthy, m)
		}
	}
	if len(enabled) == 0 {
		return ""
	}
	if len(healthy) > 0 {
		enabled = healthy
	}
	if sid != nil {
		return enabled[int(sid.ClusterHash()%uint32(len(enabled)))]
	}
	m := enabled[b.next%len(enabled)]
	b.next++
	return m
}

// SetEnabled flips a node's administrative state; returns the
// previous state.
func (b *Balancer) SetEnabled(node string, enabled bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	was := !b.disabled[node]
	if enabled {
		delete(b.disabled, node)
	} else {
		b.disabled[node] = true
	}
	return was
}
