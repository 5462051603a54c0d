package api

import (
	"sync"
	"time"
)

// submitLimiter caps onboarding submissions per organization over a sliding
// one-minute window. A zero max disables the limiter.
type submitLimiter struct {
	mu     sync.Mutex
	perOrg int
	window time.Duration
	orgs   map[string][]int64
}

func newSubmitLimiter(perOrgPerMinute int) *submitLimiter {
	if perOrgPerMinute < 0 {
		perOrgPerMinute = 0
	}
	return &submitLimiter{
		perOrg: perOrgPerMinute,
		window: time.Minute,
		orgs:   map[string][]int64{},
	}
}

func (l *submitLimiter) allow(orgID string, now time.Time) bool {
	if l == nil || l.perOrg == 0 {
		return true
	}
	if orgID == "" {
		orgID = "default"
	}
	ts := now.UTC().Unix()
	cutoff := ts - int64(l.window.Seconds())

	l.mu.Lock()
	defer l.mu.Unlock()
	history := trimCutoff(l.orgs[orgID], cutoff)
	if len(history) >= l.perOrg {
		l.orgs[orgID] = history
		return false
	}
	l.orgs[orgID] = append(history, ts)
	return true
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	if len(in) == 0 {
		return in
	}
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}
