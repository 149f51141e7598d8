package queue

import (
	"testing"
	"time"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := New(10)
	chA := q.Enqueue("a", 1000)
	chB := q.Enqueue("b", 1000)

	q.SignalSlotAvailable()
	select {
	case r := <-chA:
		if !r.Accepted {
			t.Fatal("expected a to be accepted first (FIFO head)")
		}
	default:
		t.Fatal("expected a's channel to have a result")
	}

	select {
	case <-chB:
		t.Fatal("b should not yet be resolved")
	default:
	}

	q.SignalSlotAvailable()
	r := <-chB
	if !r.Accepted {
		t.Fatal("expected b to be accepted second")
	}
}

func TestQueue_RejectsWhenFull(t *testing.T) {
	q := New(1)
	q.Enqueue("a", 1000)
	ch := q.Enqueue("b", 1000)

	r := <-ch
	if r.Accepted || r.Reason != ReasonQueueFull {
		t.Fatalf("result = %+v, want queue_full rejection", r)
	}
}

func TestQueue_TimeoutExpiresEntry(t *testing.T) {
	q := New(10)
	ch := q.Enqueue("a", 10)

	r := <-ch
	if r.Accepted || r.Reason != ReasonQueueTimeout {
		t.Fatalf("result = %+v, want queue_timeout", r)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after expiry", q.Len())
	}
}

func TestQueue_CancelRemovesEntry(t *testing.T) {
	q := New(10)
	ch := q.Enqueue("a", 5000)
	q.Cancel("a")

	r := <-ch
	if r.Accepted || r.Reason != ReasonCancelled {
		t.Fatalf("result = %+v, want cancelled", r)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after cancel", q.Len())
	}
}

func TestQueue_ClearRejectsAllAndClosesQueue(t *testing.T) {
	q := New(10)
	chA := q.Enqueue("a", 5000)
	chB := q.Enqueue("b", 5000)

	q.Clear(ReasonShutdown)

	for _, ch := range []<-chan Result{chA, chB} {
		r := <-ch
		if r.Accepted || r.Reason != ReasonShutdown {
			t.Fatalf("result = %+v, want shutdown", r)
		}
	}

	ch := q.Enqueue("c", 1000)
	r := <-ch
	if r.Accepted || r.Reason != ReasonShutdown {
		t.Fatal("expected Enqueue after Clear to reject immediately")
	}
}

func TestQueue_NeverExceedsMaxSize(t *testing.T) {
	q := New(2)
	q.Enqueue("a", 5000)
	q.Enqueue("b", 5000)
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	ch := q.Enqueue("c", 5000)
	r := <-ch
	if r.Accepted {
		t.Fatal("expected third entry to be rejected at capacity")
	}
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want still 2 after rejection", q.Len())
	}
}

func TestQueue_DoubleResolveIsSafe(t *testing.T) {
	q := New(10)
	ch := q.Enqueue("a", 5)
	time.Sleep(15 * time.Millisecond) // let it expire
	q.Cancel("a")                     // racing cancel after expiry must be a no-op

	r := <-ch
	if r.Reason != ReasonQueueTimeout {
		t.Fatalf("reason = %v, want queue_timeout to win the race", r.Reason)
	}
}
