package source

import (
	"sync"

	"dropship-controlplane/pkg/config"
	"dropship-controlplane/pkg/errutil"

	"golang.org/x/time/rate"
)

// LimiterSet caps outbound fetch pressure per source with a token bucket.
// Exhaustion surfaces as a retryable source failure so the job layer's retry
// policy picks it up.
type LimiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewLimiterSet(cfg *config.Config) *LimiterSet {
	return &LimiterSet{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(cfg.Collector.RatePerSecond),
		burst:    cfg.Collector.RateBurst,
	}
}

func (s *LimiterSet) limiter(sourceID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[sourceID]
	if !ok {
		l = rate.NewLimiter(s.rps, s.burst)
		s.limiters[sourceID] = l
	}
	return l
}

// Acquire takes one token for the source.
func (s *LimiterSet) Acquire(sourceID string) error {
	if !s.limiter(sourceID).Allow() {
		return errutil.SourceFailure("rate limit exhausted for source " + sourceID)
	}
	return nil
}
