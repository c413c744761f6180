package ratelimit

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/erauner12/itsmbridge/internal/store"
)

func testBudget(cfg BudgetConfig) (*Budget, *time.Time) {
	b := NewBudget(cfg)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestReserve_BurstThenDeny(t *testing.T) {
	b, _ := testBudget(BudgetConfig{Tiers: map[store.RateTier]TierBudget{
		store.TierBasic: {PerMinute: 60, PerHour: 1000, Burst: 5},
	}})
	tid := uuid.New()

	for i := 0; i < 5; i++ {
		if d := b.Reserve(tid, store.TierBasic); !d.Allowed {
			t.Fatalf("request %d denied inside burst", i+1)
		}
	}

	d := b.Reserve(tid, store.TierBasic)
	if d.Allowed {
		t.Fatal("request beyond burst allowed with no time elapsed")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("deny without retry-after: %v", d.RetryAfter)
	}
}

func TestReserve_RefillsOverTime(t *testing.T) {
	b, now := testBudget(BudgetConfig{Tiers: map[store.RateTier]TierBudget{
		store.TierBasic: {PerMinute: 60, PerHour: 1000, Burst: 2},
	}})
	tid := uuid.New()

	b.Reserve(tid, store.TierBasic)
	b.Reserve(tid, store.TierBasic)
	if d := b.Reserve(tid, store.TierBasic); d.Allowed {
		t.Fatal("burst exceeded")
	}

	// 60/min refills one token per second.
	*now = now.Add(2 * time.Second)
	if d := b.Reserve(tid, store.TierBasic); !d.Allowed {
		t.Errorf("token did not refill: retry after %v", d.RetryAfter)
	}
}

func TestReserve_MinuteCap(t *testing.T) {
	b, now := testBudget(BudgetConfig{Tiers: map[store.RateTier]TierBudget{
		store.TierBasic: {PerMinute: 10, PerHour: 1000, Burst: 10},
	}})
	tid := uuid.New()

	allowed := 0
	for i := 0; i < 10; i++ {
		if d := b.Reserve(tid, store.TierBasic); d.Allowed {
			allowed++
		}
		// Space requests so the burst bucket refills but the minute
		// window keeps counting.
		*now = now.Add(4 * time.Second)
	}
	if allowed != 10 {
		t.Fatalf("allowed %d of 10 inside the minute budget", allowed)
	}

	if d := b.Reserve(tid, store.TierBasic); d.Allowed {
		t.Error("11th request in the minute allowed")
	}

	// A minute later the window has rolled.
	*now = now.Add(time.Minute)
	if d := b.Reserve(tid, store.TierBasic); !d.Allowed {
		t.Errorf("request after window rolled denied: %v", d.RetryAfter)
	}
}

func TestReserve_TenantsAreIndependent(t *testing.T) {
	b, _ := testBudget(BudgetConfig{Tiers: map[store.RateTier]TierBudget{
		store.TierBasic: {PerMinute: 60, PerHour: 1000, Burst: 1},
	}})

	a, c := uuid.New(), uuid.New()
	if d := b.Reserve(a, store.TierBasic); !d.Allowed {
		t.Fatal("tenant a denied")
	}
	if d := b.Reserve(a, store.TierBasic); d.Allowed {
		t.Fatal("tenant a burst exceeded")
	}
	if d := b.Reserve(c, store.TierBasic); !d.Allowed {
		t.Error("tenant c throttled by tenant a's consumption")
	}
}

func TestBudgetForTier_Defaults(t *testing.T) {
	var cfg BudgetConfig

	cases := []struct {
		tier      store.RateTier
		perMinute int
		perHour   int
	}{
		{store.TierBasic, 60, 1000},
		{store.TierStandard, 120, 3000},
		{store.TierPremium, 300, 10000},
		{store.TierEnterprise, 600, 30000},
	}
	for _, tc := range cases {
		got := cfg.BudgetForTier(tc.tier)
		if got.PerMinute != tc.perMinute || got.PerHour != tc.perHour {
			t.Errorf("%s: got %d/min %d/hr, want %d/min %d/hr",
				tc.tier, got.PerMinute, got.PerHour, tc.perMinute, tc.perHour)
		}
	}

	if got := cfg.BudgetForTier(store.RateTier("unknown")); got.PerMinute != 60 {
		t.Errorf("unknown tier did not fall back to basic: %+v", got)
	}
}

func TestReserve_TierChangeRebuildsBudget(t *testing.T) {
	b, _ := testBudget(BudgetConfig{})
	tid := uuid.New()

	if d := b.Reserve(tid, store.TierBasic); !d.Allowed {
		t.Fatal("basic reserve denied")
	}
	// Upgrading the tier swaps in the larger budget.
	if d := b.Reserve(tid, store.TierEnterprise); !d.Allowed {
		t.Fatal("reserve after tier change denied")
	}
	if b.tenants[tid].tier != store.TierEnterprise {
		t.Errorf("budget not rebuilt for new tier: %s", b.tenants[tid].tier)
	}
}
