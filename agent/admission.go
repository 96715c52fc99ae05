package agent

import (
	"sync"

	"golang.org/x/time/rate"
)

// AdmissionGate rate limits run starts per conversation with a token bucket.
// A rejected run is never started: no state is created, nothing is persisted.
type AdmissionGate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewAdmissionGate builds a gate allowing requestsPerMinute sustained starts
// with the given burst per conversation. Non-positive values disable the gate.
func NewAdmissionGate(requestsPerMinute, burst int) *AdmissionGate {
	if requestsPerMinute <= 0 || burst <= 0 {
		return nil
	}
	return &AdmissionGate{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
	}
}

// Allow reports whether a new run may start for the conversation, consuming
// one token when it may. A nil gate admits everything.
func (g *AdmissionGate) Allow(conversationID string) bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	lim, ok := g.limiters[conversationID]
	if !ok {
		lim = rate.NewLimiter(g.limit, g.burst)
		g.limiters[conversationID] = lim
	}
	g.mu.Unlock()
	return lim.Allow()
}
