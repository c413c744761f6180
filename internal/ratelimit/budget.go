package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/erauner12/itsmbridge/internal/store"
)

// TierBudget is the numeric request budget for a rate tier.
type TierBudget struct {
	PerMinute int
	PerHour   int
	Burst     int
}

// defaultTierBudgets are the per-tier defaults. Overridable via
// BudgetConfig; the numbers are deployment policy, not provider contracts.
var defaultTierBudgets = map[store.RateTier]TierBudget{
	store.TierBasic:      {PerMinute: 60, PerHour: 1000, Burst: 10},
	store.TierStandard:   {PerMinute: 120, PerHour: 3000, Burst: 20},
	store.TierPremium:    {PerMinute: 300, PerHour: 10000, Burst: 50},
	store.TierEnterprise: {PerMinute: 600, PerHour: 30000, Burst: 100},
}

// BudgetConfig allows overriding tier budgets per deployment.
type BudgetConfig struct {
	Tiers map[store.RateTier]TierBudget
}

// BudgetForTier returns the effective budget for a tier.
func (c BudgetConfig) BudgetForTier(tier store.RateTier) TierBudget {
	if c.Tiers != nil {
		if b, ok := c.Tiers[tier]; ok {
			return b
		}
	}
	if b, ok := defaultTierBudgets[tier]; ok {
		return b
	}
	return defaultTierBudgets[store.TierBasic]
}

// Budget tracks per-tenant request consumption against the tenant's tier:
// two sliding counters (1 minute, 1 hour) plus a burst token bucket.
type Budget struct {
	cfg BudgetConfig

	mu      sync.Mutex
	tenants map[uuid.UUID]*tenantBudget

	now func() time.Time // test hook
}

type tenantBudget struct {
	mu     sync.Mutex
	tier   store.RateTier
	minute *slidingCounter
	hour   *slidingCounter
	bucket *rate.Limiter
}

// NewBudget creates a request budget coordinator.
func NewBudget(cfg BudgetConfig) *Budget {
	return &Budget{
		cfg:     cfg,
		tenants: make(map[uuid.UUID]*tenantBudget),
		now:     time.Now,
	}
}

// Reserve consumes one request from the tenant's budget, or reports how long
// to wait. The burst bucket refills at the per-minute rate.
func (b *Budget) Reserve(tenantID uuid.UUID, tier store.RateTier) Decision {
	tb := b.budgetFor(tenantID, tier)
	limits := b.cfg.BudgetForTier(tier)
	now := b.now()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	if count := tb.minute.count(now); count >= limits.PerMinute {
		return deny(tb.minute.nextExpiry(now))
	}
	if count := tb.hour.count(now); count >= limits.PerHour {
		return deny(tb.hour.nextExpiry(now))
	}

	r := tb.bucket.ReserveN(now, 1)
	if !r.OK() {
		return deny(time.Minute)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return deny(delay)
	}

	tb.minute.add(now)
	tb.hour.add(now)
	return allow()
}

func (b *Budget) budgetFor(tenantID uuid.UUID, tier store.RateTier) *tenantBudget {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb, ok := b.tenants[tenantID]
	if ok && tb.tier == tier {
		return tb
	}

	// New tenant, or the tier changed: rebuild with the tier's limits.
	limits := b.cfg.BudgetForTier(tier)
	tb = &tenantBudget{
		tier:   tier,
		minute: newSlidingCounter(time.Minute),
		hour:   newSlidingCounter(time.Hour),
		bucket: rate.NewLimiter(rate.Limit(float64(limits.PerMinute)/60.0), limits.Burst),
	}
	b.tenants[tenantID] = tb
	return tb
}

// slidingCounter counts events in a rolling window using 60 sub-buckets,
// giving O(1) amortized updates.
type slidingCounter struct {
	window    time.Duration
	bucketDur time.Duration
	counts    [60]int
	total     int
	idx       int
	tick      time.Time // start of the current bucket
}

func newSlidingCounter(window time.Duration) *slidingCounter {
	return &slidingCounter{
		window:    window,
		bucketDur: window / 60,
	}
}

// advance rotates aged buckets out of the window.
func (c *slidingCounter) advance(now time.Time) {
	if c.tick.IsZero() {
		c.tick = now
		return
	}

	steps := int(now.Sub(c.tick) / c.bucketDur)
	if steps <= 0 {
		return
	}
	if steps > 60 {
		steps = 60
	}

	for i := 0; i < steps; i++ {
		c.idx = (c.idx + 1) % 60
		c.total -= c.counts[c.idx]
		c.counts[c.idx] = 0
	}
	c.tick = c.tick.Add(c.bucketDur * time.Duration(int(now.Sub(c.tick)/c.bucketDur)))
}

func (c *slidingCounter) add(now time.Time) {
	c.advance(now)
	c.counts[c.idx]++
	c.total++
}

func (c *slidingCounter) count(now time.Time) int {
	c.advance(now)
	return c.total
}

// nextExpiry estimates how long until the oldest occupied bucket ages out.
func (c *slidingCounter) nextExpiry(now time.Time) time.Duration {
	c.advance(now)

	for off := 1; off <= 60; off++ {
		i := (c.idx + off) % 60
		if c.counts[i] > 0 {
			// Bucket i is cleared on the off-th rotation from the
			// current tick.
			return c.tick.Add(c.bucketDur * time.Duration(off)).Sub(now)
		}
	}
	return c.bucketDur
}
