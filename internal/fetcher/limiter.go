package fetcher

import (
	"sync"

	"golang.org/x/time/rate"
)

// perExchangeLimiter bundles the concurrency semaphore and token-bucket
// rate limiter for one exchangeId (spec §4.3/§5). Both are constructed
// together so a single get-or-insert call initializes the pair race-safely.
type perExchangeLimiter struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

// limiterRegistry is the get-or-insert primitive spec §5 requires:
// "Construction MUST use an insert-if-absent primitive to avoid TOCTOU
// races." sync.Map.LoadOrStore is exactly that primitive.
type limiterRegistry struct {
	byExchange sync.Map // exchangeID -> *perExchangeLimiter

	semCapacity    int
	ratePerSecond  float64
	rateBurst      int
}

func newLimiterRegistry(semCapacity int, ratePerSecond float64, rateBurst int) *limiterRegistry {
	if semCapacity <= 0 {
		semCapacity = 5
	}
	if rateBurst <= 0 {
		rateBurst = semCapacity
	}
	return &limiterRegistry{semCapacity: semCapacity, ratePerSecond: ratePerSecond, rateBurst: rateBurst}
}

func (r *limiterRegistry) forExchange(exchangeID string) *perExchangeLimiter {
	actual, _ := r.byExchange.LoadOrStore(exchangeID, &perExchangeLimiter{
		sem:     make(chan struct{}, r.semCapacity),
		limiter: rate.NewLimiter(rate.Limit(r.ratePerSecond), r.rateBurst),
	})
	return actual.(*perExchangeLimiter)
}
