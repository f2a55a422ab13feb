package domain

import (
	"testing"
	"time"
)

func TestTierPromotesRepeatedRecentAccess(t *testing.T) {
	policy := DefaultTierPolicy()
	now := time.Now().UTC()

	tier := policy.Tier(5, now.Add(-1*time.Hour), now.Add(-5*time.Minute), now)
	if tier != TierHot {
		t.Fatalf("expected hot, got %s", tier)
	}
}

func TestTierDemotesIdleEntry(t *testing.T) {
	policy := DefaultTierPolicy()
	now := time.Now().UTC()

	tier := policy.Tier(20, now.Add(-8*time.Hour), now.Add(-7*time.Hour), now)
	if tier != TierCold {
		t.Fatalf("expected cold for idle entry, got %s", tier)
	}
}

func TestTierDemotesAgedEntryDespiteRecentAccess(t *testing.T) {
	policy := DefaultTierPolicy()
	now := time.Now().UTC()

	tier := policy.Tier(20, now.Add(-48*time.Hour), now.Add(-1*time.Minute), now)
	if tier != TierCold {
		t.Fatalf("expected cold for aged entry, got %s", tier)
	}
}

func TestTierDefaultsToWarm(t *testing.T) {
	policy := DefaultTierPolicy()
	now := time.Now().UTC()

	tier := policy.Tier(1, now.Add(-10*time.Minute), now.Add(-10*time.Minute), now)
	if tier != TierWarm {
		t.Fatalf("expected warm, got %s", tier)
	}
}

func TestDegradedHold(t *testing.T) {
	now := time.Now().UTC()
	until := now.Add(2 * time.Minute)
	entry := &CacheEntry{DegradedUntil: &until}

	if !entry.DegradedHold(now) {
		t.Fatalf("expected entry inside degraded window")
	}
	if entry.DegradedHold(now.Add(3 * time.Minute)) {
		t.Fatalf("expected hold to expire")
	}
	if (&CacheEntry{}).DegradedHold(now) {
		t.Fatalf("entry without degraded_until must not hold")
	}
}
