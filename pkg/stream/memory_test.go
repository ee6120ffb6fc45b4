package stream

import (
	"context"
	"testing"
	"time"

	"github.com/charterlabs/eventcore/pkg/envelope"
)

func testEnvelope(t *testing.T, eventType string) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(eventType, "svc-a", map[string]any{"n": 1}, envelope.Meta{
		SchemaVersion: 1,
		Producer:      "svc-a",
		SourceModule:  "orders",
	})
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	return env
}

func TestMemoryLogAssignsMonotonicPositions(t *testing.T) {
	log := NewMemoryLog()
	fixed := time.UnixMilli(1710000000000)
	log.now = func() time.Time { return fixed }
	ctx := context.Background()

	first, err := log.Append(ctx, "orders", testEnvelope(t, "ORDER_CREATED"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := log.Append(ctx, "orders", testEnvelope(t, "ORDER_PAID"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ComparePositions(first, second) >= 0 {
		t.Fatalf("positions not increasing: %s then %s", first, second)
	}
	if first != "1710000000000-0" || second != "1710000000000-1" {
		t.Fatalf("unexpected positions %s %s", first, second)
	}
}

func TestMemoryLogRejectsInvalidEnvelope(t *testing.T) {
	log := NewMemoryLog()
	bad := envelope.Envelope{Type: "ORDER_CREATED"}
	if _, err := log.Append(context.Background(), "orders", bad); err == nil {
		t.Fatal("expected append of invalid envelope to fail")
	}
}

func TestMemoryLogGroupDeliversEachEntryOnce(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	if _, err := log.Append(ctx, "orders", testEnvelope(t, "ORDER_CREATED")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := log.Append(ctx, "orders", testEnvelope(t, "ORDER_PAID")); err != nil {
		t.Fatalf("append: %v", err)
	}

	first, err := log.ReadGroup(ctx, "orders", "billing", "billing-0", 1, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(first))
	}

	// a second consumer of the same group gets the next entry, not a copy
	second, err := log.ReadGroup(ctx, "orders", "billing", "billing-1", 10, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(second))
	}
	if first[0].Position == second[0].Position {
		t.Fatal("same position delivered to two consumers in one group")
	}

	// an independent group reads the stream from the start
	other, err := log.ReadGroup(ctx, "orders", "audit", "audit-0", 10, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(other) != 2 {
		t.Fatalf("expected independent group to see 2 entries, got %d", len(other))
	}
}

func TestMemoryLogAckClearsPending(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	pos, err := log.Append(ctx, "orders", testEnvelope(t, "ORDER_CREATED"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := log.ReadGroup(ctx, "orders", "billing", "billing-0", 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := log.PendingCount("orders", "billing"); got != 1 {
		t.Fatalf("expected 1 pending, got %d", got)
	}
	if err := log.Ack(ctx, "orders", "billing", pos); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if got := log.PendingCount("orders", "billing"); got != 0 {
		t.Fatalf("expected 0 pending after ack, got %d", got)
	}
}

func TestMemoryLogClaimRedeliversIdleEntries(t *testing.T) {
	log := NewMemoryLog()
	now := time.UnixMilli(1710000000000)
	log.now = func() time.Time { return now }
	ctx := context.Background()

	pos, err := log.Append(ctx, "orders", testEnvelope(t, "ORDER_CREATED"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := log.ReadGroup(ctx, "orders", "billing", "billing-0", 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}

	// not yet idle long enough
	claimed, err := log.Claim(ctx, "orders", "billing", "billing-1", 30*time.Second, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected no claimable entries, got %d", len(claimed))
	}

	now = now.Add(time.Minute)
	claimed, err = log.Claim(ctx, "orders", "billing", "billing-1", 30*time.Second, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Position != pos {
		t.Fatalf("expected position %s claimed, got %+v", pos, claimed)
	}
	if got := log.Deliveries("orders", "billing", pos); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
}

func TestMemoryLogBlockingReadWakesOnAppend(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	done := make(chan []Entry, 1)
	go func() {
		entries, _ := log.ReadGroup(ctx, "orders", "billing", "billing-0", 10, 2*time.Second)
		done <- entries
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := log.Append(ctx, "orders", testEnvelope(t, "ORDER_CREATED")); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case entries := <-done:
		if len(entries) != 1 {
			t.Fatalf("expected blocked read to receive 1 entry, got %d", len(entries))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("blocked read did not wake on append")
	}
}

func TestComparePositions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1710000000000-0", "1710000000000-1", -1},
		{"1710000000000-1", "1710000000000-1", 0},
		{"1710000000001-0", "1710000000000-9", 1},
		{"10-2", "9-20", 1},
	}
	for _, tt := range cases {
		if got := ComparePositions(tt.a, tt.b); got != tt.want {
			t.Fatalf("ComparePositions(%s, %s) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
