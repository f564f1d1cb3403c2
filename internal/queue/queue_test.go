package queue

import (
	"context"
	"testing"
	"time"

	"github.com/tradefabric/streambus/internal/types"
)

func TestQueue_EnqueueDequeue(t *testing.T) {
	q := NewQueue(4, nil)
	defer q.Close()
	ctx := context.Background()

	msg := types.StreamMessage{ID: "1-0", Stream: "opportunities", Fields: types.Pairs("v", "a")}
	if err := q.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if q.Depth() != 1 {
		t.Errorf("Expected depth 1, got: %d", q.Depth())
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.ID != "1-0" {
		t.Errorf("Expected id 1-0, got: %s", got.ID)
	}
	if q.Depth() != 0 {
		t.Errorf("Expected depth 0, got: %d", q.Depth())
	}
}

func TestQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := NewQueue(1, nil)
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, types.StreamMessage{ID: "1-0"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	blockedCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(blockedCtx, types.StreamMessage{ID: "2-0"})
	if err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded on a full queue, got: %v", err)
	}
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue(1, nil)
	defer q.Close()
	ctx := context.Background()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(ctx, types.StreamMessage{ID: "1-0"})
	}()

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.ID != "1-0" {
		t.Errorf("Expected id 1-0, got: %s", got.ID)
	}
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	q := NewQueue(1, nil)
	q.Close()
	q.Close()
}

func TestQueue_DequeueDrainsAfterClose(t *testing.T) {
	q := NewQueue(2, nil)
	ctx := context.Background()

	q.Enqueue(ctx, types.StreamMessage{ID: "1-0"})
	q.Close()

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Expected buffered message after close, got: %v", err)
	}
	if got.ID != "1-0" {
		t.Errorf("Expected id 1-0, got: %s", got.ID)
	}
	if _, err := q.Dequeue(ctx); err != ErrQueueClosed {
		t.Errorf("Expected ErrQueueClosed once drained, got: %v", err)
	}
}
