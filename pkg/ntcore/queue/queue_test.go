package queue

import (
	"testing"
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

func TestQueue_FIFO(t *testing.T) {
	q := New()
	first := &types.TransmitHandle{Size: 1}
	second := &types.TransmitHandle{Size: 2}
	q.Enqueue(first)
	q.Enqueue(second)

	if head, _ := q.Peek(); head != first {
		t.Fatal("peek did not return the first enqueued handle")
	}
	if h, _ := q.Dequeue(); h != first {
		t.Fatal("dequeue did not return the first enqueued handle")
	}
	if h, _ := q.Dequeue(); h != second {
		t.Fatal("dequeue did not return the second enqueued handle")
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("dequeue on empty queue reported a handle")
	}
}

func TestQueue_RemoveSupportsCancellation(t *testing.T) {
	q := New()
	handles := []*types.TransmitHandle{{Size: 1}, {Size: 2}, {Size: 3}}
	for _, h := range handles {
		q.Enqueue(h)
	}

	if !q.Remove(handles[1]) {
		t.Fatal("failed removing a mid-queue handle")
	}
	if q.Remove(handles[1]) {
		t.Error("second removal of the same handle should fail")
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 handles left, got %d", q.Len())
	}

	h, _ := q.Dequeue()
	if h != handles[0] {
		t.Error("removal disturbed FIFO order")
	}
}

// Expired control handles must fire exactly once with a nil buffer and
// leave unexpired ones untouched.
func TestQueue_DrainExpired(t *testing.T) {
	q := New()
	now := time.Now()

	expiredCalls := 0
	var expiredBuf []byte = []byte{1}
	q.Enqueue(&types.TransmitHandle{
		Deadline: now.Add(-time.Second),
		Notify: func(buf []byte) int {
			expiredCalls++
			expiredBuf = buf
			return 0
		},
	})
	kept := &types.TransmitHandle{Deadline: now.Add(time.Hour)}
	q.Enqueue(kept)

	if fired := q.DrainExpiredAt(now); fired != 1 {
		t.Fatalf("expected 1 fired handle, got %d", fired)
	}
	if expiredCalls != 1 {
		t.Fatalf("expired notify ran %d times, want 1", expiredCalls)
	}
	if expiredBuf != nil {
		t.Error("expired notify should receive a nil buffer")
	}
	if head, _ := q.Peek(); head != kept {
		t.Error("unexpired handle should remain at the head")
	}
}
