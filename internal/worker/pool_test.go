package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tradefabric/streambus/internal/queue"
	"github.com/tradefabric/streambus/internal/types"
)

type fakeAcker struct {
	mu    sync.Mutex
	acked []string
}

func (f *fakeAcker) Ack(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeAcker) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func TestNewPool_InvalidArguments(t *testing.T) {
	q := queue.NewQueue(1, nil)
	defer q.Close()
	handler := func(context.Context, types.StreamMessage) error { return nil }
	acker := &fakeAcker{}

	if _, err := NewPool(0, q, handler, acker, zap.NewNop()); err == nil {
		t.Error("Expected error for zero workers, got nil")
	}
	if _, err := NewPool(1, q, nil, acker, zap.NewNop()); err == nil {
		t.Error("Expected error for nil handler, got nil")
	}
	if _, err := NewPool(1, q, handler, nil, zap.NewNop()); err == nil {
		t.Error("Expected error for nil acker, got nil")
	}
}

func TestPool_ProcessesAndAcks(t *testing.T) {
	q := queue.NewQueue(8, nil)
	acker := &fakeAcker{}
	var handled sync.Map
	handler := func(_ context.Context, msg types.StreamMessage) error {
		handled.Store(msg.ID, true)
		return nil
	}

	pool, err := NewPool(3, q, handler, acker, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ids := []string{"1-0", "2-0", "3-0"}
	for _, id := range ids {
		if err := q.Enqueue(ctx, types.StreamMessage{ID: id, Stream: "opportunities"}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(acker.ackedIDs()) == len(ids) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	q.Close()

	acked := acker.ackedIDs()
	if len(acked) != len(ids) {
		t.Fatalf("Expected %d acks, got: %d", len(ids), len(acked))
	}
	for _, id := range ids {
		if _, ok := handled.Load(id); !ok {
			t.Errorf("Expected message %s handled", id)
		}
	}
}

// A failed handler must not ack: the entry stays pending for the recovery
// scanner.
func TestPool_HandlerFailureLeavesUnacked(t *testing.T) {
	q := queue.NewQueue(8, nil)
	acker := &fakeAcker{}
	handler := func(_ context.Context, msg types.StreamMessage) error {
		if msg.ID == "2-0" {
			return errors.New("downstream failure")
		}
		return nil
	}

	pool, err := NewPool(1, q, handler, acker, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	q.Enqueue(ctx, types.StreamMessage{ID: "1-0"})
	q.Enqueue(ctx, types.StreamMessage{ID: "2-0"})
	q.Enqueue(ctx, types.StreamMessage{ID: "3-0"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(acker.ackedIDs()) == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	pool.Stop()
	q.Close()

	acked := acker.ackedIDs()
	if len(acked) != 2 {
		t.Fatalf("Expected 2 acks, got: %d", len(acked))
	}
	for _, id := range acked {
		if id == "2-0" {
			t.Error("Expected the failed message to stay unacked")
		}
	}
}

func TestPool_StartTwiceFails(t *testing.T) {
	q := queue.NewQueue(1, nil)
	defer q.Close()
	pool, err := NewPool(1, q,
		func(context.Context, types.StreamMessage) error { return nil },
		&fakeAcker{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	defer pool.Stop()
	if err := pool.Start(context.Background()); err != ErrPoolAlreadyStarted {
		t.Errorf("Expected ErrPoolAlreadyStarted, got: %v", err)
	}
}

func TestPool_StopWithoutStart(t *testing.T) {
	q := queue.NewQueue(1, nil)
	defer q.Close()
	pool, err := NewPool(1, q,
		func(context.Context, types.StreamMessage) error { return nil },
		&fakeAcker{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	if err := pool.Stop(); err != nil {
		t.Errorf("Expected Stop before Start to be a no-op, got: %v", err)
	}
}
