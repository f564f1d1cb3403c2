package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryAppend_MonotonicIDs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var last string
	for i := 0; i < 50; i++ {
		id, err := m.Append(ctx, "s", map[string]string{"n": "x"}, 0)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if last != "" && CompareIDs(id, last) <= 0 {
			t.Fatalf("Expected id %s > %s", id, last)
		}
		last = id
	}
}

func TestMemoryAppend_TrimsToMaxLen(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if _, err := m.Append(ctx, "s", map[string]string{"n": "x"}, 10); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	n, err := m.Len(ctx, "s")
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 10 {
		t.Errorf("Expected stream length 10, got: %d", n)
	}
}

func TestMemoryReadGroup_NewEntriesInOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := m.Append(ctx, "s", map[string]string{"n": "x"}, 0)
		ids = append(ids, id)
	}
	if err := m.EnsureGroup(ctx, "s", "g", "0"); err != nil {
		t.Fatalf("EnsureGroup failed: %v", err)
	}

	entries, err := m.ReadGroup(ctx, "s", "g", "c1", CursorNew, 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got: %d", len(entries))
	}
	for i, e := range entries {
		if e.ID != ids[i] {
			t.Errorf("Entry %d out of order: expected %s, got %s", i, ids[i], e.ID)
		}
	}

	// Same cursor again delivers nothing new.
	entries, err = m.ReadGroup(ctx, "s", "g", "c1", CursorNew, 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no new entries, got: %d", len(entries))
	}
}

func TestMemoryReadGroup_PendingCursorReplaysOwnEntries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Append(ctx, "s", map[string]string{"n": "1"}, 0)
	m.Append(ctx, "s", map[string]string{"n": "2"}, 0)
	m.EnsureGroup(ctx, "s", "g", "0")

	first, _ := m.ReadGroup(ctx, "s", "g", "c1", CursorNew, 1, 0)
	m.ReadGroup(ctx, "s", "g", "c2", CursorNew, 1, 0)

	replay, err := m.ReadGroup(ctx, "s", "g", "c1", CursorPending, 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup failed: %v", err)
	}
	if len(replay) != 1 || replay[0].ID != first[0].ID {
		t.Errorf("Expected c1's own pending entry %s, got: %v", first[0].ID, replay)
	}
}

func TestMemoryReadGroup_UnknownGroup(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Append(ctx, "s", map[string]string{"n": "1"}, 0)

	if _, err := m.ReadGroup(ctx, "s", "nope", "c1", CursorNew, 1, 0); err == nil {
		t.Error("Expected error for unknown group, got nil")
	}
}

func TestMemoryReadGroup_BlockTimesOut(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Append(ctx, "s", map[string]string{"n": "1"}, 0)
	m.EnsureGroup(ctx, "s", "g", "$")

	start := time.Now()
	entries, err := m.ReadGroup(ctx, "s", "g", "c1", CursorNew, 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadGroup failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no entries, got: %d", len(entries))
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("Expected ~50ms block, got: %v", elapsed)
	}
}

func TestMemoryReadGroup_BlockWokenByAppend(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.EnsureGroup(ctx, "s", "g", "0")

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Append(context.Background(), "s", map[string]string{"n": "1"}, 0)
	}()

	entries, err := m.ReadGroup(ctx, "s", "g", "c1", CursorNew, 1, 5*time.Second)
	if err != nil {
		t.Fatalf("ReadGroup failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected the appended entry, got: %d entries", len(entries))
	}
}

func TestMemoryAck_RemovesFromPending(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Append(ctx, "s", map[string]string{"n": "1"}, 0)
	m.EnsureGroup(ctx, "s", "g", "0")

	entries, _ := m.ReadGroup(ctx, "s", "g", "c1", CursorNew, 1, 0)
	n, err := m.Ack(ctx, "s", "g", entries[0].ID)
	if err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 removed, got: %d", n)
	}

	// Acking again is a no-op.
	n, err = m.Ack(ctx, "s", "g", entries[0].ID)
	if err != nil {
		t.Fatalf("Second ack failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 removed on second ack, got: %d", n)
	}

	pend, _ := m.Pending(ctx, "s", "g", 0)
	if len(pend) != 0 {
		t.Errorf("Expected empty pending list, got: %d", len(pend))
	}
}

func TestMemoryClaim_IncrementsDeliveryCount(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Append(ctx, "s", map[string]string{"n": "1"}, 0)
	m.EnsureGroup(ctx, "s", "g", "0")

	entries, _ := m.ReadGroup(ctx, "s", "g", "c1", CursorNew, 1, 0)
	id := entries[0].ID

	time.Sleep(15 * time.Millisecond)
	claimed, err := m.Claim(ctx, "s", "g", "c2", 10*time.Millisecond, id)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("Expected 1 claimed entry, got: %d", len(claimed))
	}

	pend, _ := m.Pending(ctx, "s", "g", 0)
	if len(pend) != 1 {
		t.Fatalf("Expected 1 pending entry, got: %d", len(pend))
	}
	if pend[0].Consumer != "c2" {
		t.Errorf("Expected consumer c2, got: %s", pend[0].Consumer)
	}
	if pend[0].DeliveryCount != 2 {
		t.Errorf("Expected delivery count 2, got: %d", pend[0].DeliveryCount)
	}
}

func TestMemoryClaim_SkipsRecentlyDelivered(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Append(ctx, "s", map[string]string{"n": "1"}, 0)
	m.EnsureGroup(ctx, "s", "g", "0")

	entries, _ := m.ReadGroup(ctx, "s", "g", "c1", CursorNew, 1, 0)

	// The entry was just delivered: a second claimer with a large minIdle
	// must lose, exactly like the loser of a claim race.
	claimed, err := m.Claim(ctx, "s", "g", "c2", time.Hour, entries[0].ID)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("Expected claim to be skipped, got: %d entries", len(claimed))
	}
}

func TestMemoryRange_ExclusiveStart(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id1, _ := m.Append(ctx, "s", map[string]string{"n": "1"}, 0)
	id2, _ := m.Append(ctx, "s", map[string]string{"n": "2"}, 0)

	entries, err := m.Range(ctx, "s", "("+id1, "+", 10)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id2 {
		t.Errorf("Expected only %s after exclusive start, got: %v", id2, entries)
	}
}

func TestMemorySetAppendError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	outage := errors.New("connection refused")
	m.SetAppendError(outage)
	if _, err := m.Append(ctx, "s", map[string]string{"n": "1"}, 0); !errors.Is(err, outage) {
		t.Errorf("Expected forced append error, got: %v", err)
	}

	m.SetAppendError(nil)
	if _, err := m.Append(ctx, "s", map[string]string{"n": "1"}, 0); err != nil {
		t.Errorf("Expected append to succeed after clearing, got: %v", err)
	}
}

func TestCompareIDs(t *testing.T) {
	if CompareIDs("5-1", "5-2") != -1 {
		t.Error("Expected 5-1 < 5-2")
	}
	if CompareIDs("6-0", "5-9") != 1 {
		t.Error("Expected 6-0 > 5-9")
	}
	if CompareIDs("7-3", "7-3") != 0 {
		t.Error("Expected 7-3 == 7-3")
	}
}
