package tokenbucket

import "testing"

func TestBucket_StartsFull(t *testing.T) {
	b := New(60, 5)
	for i := 0; i < 5; i++ {
		if res := b.TryAcquire(1); !res.OK {
			t.Fatalf("acquire %d: expected ok, got denied", i)
		}
	}
	if res := b.TryAcquire(1); res.OK {
		t.Error("expected burst to be exhausted after 5 acquires")
	}
}

func TestBucket_DeniedReportsRetryAfter(t *testing.T) {
	b := New(60, 1) // 1 token/sec sustained
	b.TryAcquire(1)
	res := b.TryAcquire(1)
	if res.OK {
		t.Fatal("expected second immediate acquire to be denied")
	}
	if res.RetryAfterMs <= 0 {
		t.Errorf("RetryAfterMs = %d, want > 0", res.RetryAfterMs)
	}
}

func TestBucket_BurstCapsRefill(t *testing.T) {
	b := New(6000, 3) // fast refill, small burst
	b.TryAcquire(3)
	if got := b.Tokens(); got > 3 {
		t.Errorf("Tokens() = %f, want <= burst 3", got)
	}
}
