package workflow

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. They validate the intended
// engine semantics on an in-memory model:
// - reserve/release conservation: shipped + remaining == total at every step
// - capacity is never exceeded regardless of the pack/remove interleaving
// - cancellation returns the ledger to its pre-shipment state and is idempotent
//
// Full DB integration coverage lives in the models package behind
// INTEGRATION_TESTS=1.

type fakeLedger struct {
	total     decimal.Decimal
	shipped   decimal.Decimal
	remaining decimal.Decimal
}

func newFakeLedger(total int64) *fakeLedger {
	t := decimal.NewFromInt(total)
	return &fakeLedger{total: t, shipped: decimal.Zero, remaining: t}
}

func (l *fakeLedger) reserve(qty decimal.Decimal) bool {
	if qty.GreaterThan(l.remaining) {
		return false
	}
	l.shipped = l.shipped.Add(qty)
	l.remaining = l.remaining.Sub(qty)
	return true
}

func (l *fakeLedger) release(qty decimal.Decimal) {
	l.shipped = l.shipped.Sub(qty)
	l.remaining = l.remaining.Add(qty)
}

func (l *fakeLedger) conserved() bool {
	return l.shipped.Add(l.remaining).Equal(l.total) &&
		!l.shipped.IsNegative() && !l.remaining.IsNegative()
}

type fakeContainer struct {
	maxWeight  decimal.Decimal
	unitWeight decimal.Decimal
	items      []decimal.Decimal
}

func (c *fakeContainer) currentWeight() decimal.Decimal {
	sum := decimal.Zero
	for _, q := range c.items {
		sum = sum.Add(q.Mul(c.unitWeight))
	}
	return sum
}

func (c *fakeContainer) pack(l *fakeLedger, qty decimal.Decimal) bool {
	added := qty.Mul(c.unitWeight)
	if c.currentWeight().Add(added).GreaterThan(c.maxWeight) {
		return false
	}
	if !l.reserve(qty) {
		return false
	}
	c.items = append(c.items, qty)
	return true
}

func (c *fakeContainer) remove(l *fakeLedger, idx int) {
	qty := c.items[idx]
	c.items = append(c.items[:idx], c.items[idx+1:]...)
	l.release(qty)
}

func TestLedgerConservationUnderRandomPackRemove(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	ledger := newFakeLedger(1000)
	container := &fakeContainer{
		maxWeight:  decimal.NewFromInt(500),
		unitWeight: decimal.NewFromInt(2),
	}

	for step := 0; step < 5000; step++ {
		if rng.Intn(3) == 0 && len(container.items) > 0 {
			container.remove(ledger, rng.Intn(len(container.items)))
		} else {
			container.pack(ledger, decimal.NewFromInt(int64(1+rng.Intn(40))))
		}

		if !ledger.conserved() {
			t.Fatalf("step %d: conservation broken: shipped=%s remaining=%s total=%s",
				step, ledger.shipped, ledger.remaining, ledger.total)
		}
		if container.currentWeight().GreaterThan(container.maxWeight) {
			t.Fatalf("step %d: capacity exceeded: %s > %s",
				step, container.currentWeight(), container.maxWeight)
		}
	}
}

func TestCapacityRejectionLeavesStateUntouched(t *testing.T) {
	ledger := newFakeLedger(100)
	container := &fakeContainer{
		maxWeight:  decimal.NewFromInt(100),
		unitWeight: decimal.NewFromInt(2),
	}

	if !container.pack(ledger, decimal.NewFromInt(30)) {
		t.Fatal("initial pack of 30 should fit")
	}
	shippedBefore := ledger.shipped
	weightBefore := container.currentWeight()

	// 21 more units would need 42 kg against 40 kg headroom.
	if container.pack(ledger, decimal.NewFromInt(21)) {
		t.Fatal("pack over headroom should be rejected")
	}
	if !ledger.shipped.Equal(shippedBefore) || !container.currentWeight().Equal(weightBefore) {
		t.Fatal("rejected pack mutated state")
	}

	// The exact-fit 20 units are still allowed afterwards.
	if !container.pack(ledger, decimal.NewFromInt(20)) {
		t.Fatal("exact fit should be accepted")
	}
	if !container.currentWeight().Equal(container.maxWeight) {
		t.Fatalf("weight = %s, want max %s", container.currentWeight(), container.maxWeight)
	}
}

func TestCancellationRestoresLedgerAndIsIdempotent(t *testing.T) {
	ledger := newFakeLedger(100)
	containers := []*fakeContainer{
		{maxWeight: decimal.NewFromInt(500), unitWeight: decimal.NewFromInt(2)},
		{maxWeight: decimal.NewFromInt(500), unitWeight: decimal.NewFromInt(2)},
	}
	containers[0].pack(ledger, decimal.NewFromInt(30))
	containers[1].pack(ledger, decimal.NewFromInt(20))

	cancelled := false
	cancel := func() {
		if cancelled {
			return
		}
		cancelled = true
		for _, c := range containers {
			for len(c.items) > 0 {
				c.remove(ledger, 0)
			}
		}
	}

	cancel()
	if !ledger.shipped.IsZero() || !ledger.remaining.Equal(ledger.total) {
		t.Fatalf("cancel did not restore ledger: shipped=%s remaining=%s", ledger.shipped, ledger.remaining)
	}

	cancel()
	if !ledger.shipped.IsZero() || !ledger.remaining.Equal(ledger.total) {
		t.Fatal("repeat cancel changed the ledger")
	}
	if !ledger.conserved() {
		t.Fatal("conservation broken after repeat cancel")
	}
}
