package ratecoordinator

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testConfig() Config {
	return Config{
		BaseMs:           1000,
		CapMs:            10_000,
		DecayMs:          5000,
		RetryJitterMs:    0,
		SleepThresholdMs: 500,
		Window:           time.Second,
	}
}

func TestCoordinator_NotInCooldownInitially(t *testing.T) {
	c := New(testConfig(), NewMemoryBackend(time.Second))
	active, _ := c.CooldownActive(time.Now())
	if active {
		t.Fatal("expected no cooldown before any events")
	}
}

func TestCoordinator_EntersCooldownOnBurst(t *testing.T) {
	c := New(testConfig(), NewMemoryBackend(time.Second))
	now := time.Now()

	for i := 0; i < 5; i++ {
		c.RecordUpstream429(now)
	}

	active, retryAfterMs := c.CooldownActive(now)
	if !active {
		t.Fatal("expected cooldown after a burst of 429s")
	}
	if retryAfterMs <= 0 || retryAfterMs > testConfig().CapMs {
		t.Errorf("retryAfterMs = %d, out of expected range", retryAfterMs)
	}
}

func TestCoordinator_SingleEventDoesNotTrip(t *testing.T) {
	c := New(testConfig(), NewMemoryBackend(time.Second))
	c.RecordUpstream429(time.Now())

	active, _ := c.CooldownActive(time.Now())
	if active {
		t.Fatal("a single 429 must not trip pool cooldown")
	}
}

func TestCoordinator_DecayHalvesRemaining(t *testing.T) {
	cfg := testConfig()
	cfg.DecayMs = 10
	c := New(cfg, NewMemoryBackend(time.Second))
	now := time.Now()

	for i := 0; i < 5; i++ {
		c.RecordUpstream429(now)
	}
	_, before := c.CooldownActive(now)

	later := now.Add(50 * time.Millisecond)
	c.Decay(later)
	_, after := c.CooldownActive(later)

	if after >= before {
		t.Errorf("retryAfterMs after decay = %d, want < %d", after, before)
	}
}

func TestCoordinator_RedisBackendSharesState(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	backend := NewRedisBackend(client, "test:pool:", time.Second)
	c := New(testConfig(), backend)
	now := time.Now()

	for i := 0; i < 5; i++ {
		c.RecordUpstream429(now)
	}

	// A second coordinator instance sharing the same Redis backend must see
	// the same cooldown, modeling two proxy processes.
	c2 := New(testConfig(), NewRedisBackend(client, "test:pool:", time.Second))
	active, _ := c2.CooldownActive(now)
	if !active {
		t.Fatal("expected second coordinator to observe shared cooldown state")
	}
}
