package healthcheck

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testChecker struct {
	items []CheckResult
}

func (c *testChecker) ListChecks(ctx context.Context) []CheckResult {
	return c.items
}

func TestRegistryListChecksSorted(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(
		&testChecker{items: []CheckResult{{ID: "store", Status: StatusOK}}},
		&testChecker{items: []CheckResult{{ID: "broker", Status: StatusWarn}}},
	)
	reg.Add(nil)
	reg.Add(&testChecker{items: []CheckResult{{ID: "relay", Status: StatusOK}}})

	items := reg.ListChecks(context.Background())
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].ID != "broker" || items[1].ID != "relay" || items[2].ID != "store" {
		t.Fatalf("unexpected order: %#v", items)
	}
	if got := Overall(items); got != StatusWarn {
		t.Fatalf("expected warn, got %s", got)
	}
}

func TestOverall(t *testing.T) {
	t.Parallel()

	if got := Overall(nil); got != StatusOK {
		t.Fatalf("expected ok for no checks, got %s", got)
	}
	if got := Overall([]CheckResult{{Status: StatusWarn}, {Status: StatusError}}); got != StatusError {
		t.Fatalf("expected error, got %s", got)
	}
}

func TestPingChecker(t *testing.T) {
	t.Parallel()

	ok := NewPingChecker(nil, "registry.store", "store", PingFunc(func(context.Context) error { return nil }), false)
	if items := ok.ListChecks(context.Background()); items[0].Status != StatusOK {
		t.Fatalf("unexpected result %#v", items[0])
	}

	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })
	required := NewPingChecker(nil, "registry.store", "store", down, false)
	if items := required.ListChecks(context.Background()); items[0].Status != StatusError || items[0].Detail != "connection refused" {
		t.Fatalf("unexpected result %#v", items[0])
	}
	optional := NewPingChecker(nil, "events.broker", "broker", down, true)
	if items := optional.ListChecks(context.Background()); items[0].Status != StatusWarn {
		t.Fatalf("unexpected result %#v", items[0])
	}
	missing := NewPingChecker(nil, "events.broker", "broker", nil, true)
	if items := missing.ListChecks(context.Background()); items[0].Status != StatusUnknown {
		t.Fatalf("unexpected result %#v", items[0])
	}
}

func TestRegistryBoundsSlowChecks(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(NewPingChecker(nil, "slow", "relay", PingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), false))
	reg.timeout = 20 * time.Millisecond

	start := time.Now()
	items := reg.ListChecks(context.Background())
	if time.Since(start) > time.Second {
		t.Fatal("registry did not bound the check")
	}
	if items[0].Status != StatusError {
		t.Fatalf("expected error for timed out check, got %#v", items[0])
	}
}
