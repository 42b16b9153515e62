package cache

import (
	"testing"
	"time"
)

func TestIdempotencyCacheReturnsCachedResponseWithinTTL(t *testing.T) {
	c := NewIdempotencyCache(50 * time.Millisecond)

	if _, found := c.GetOrReserve("key1"); found {
		t.Fatal("expected miss on unseen key")
	}

	c.Put("key1", []byte(`{"ok":true}`))

	resp, found := c.GetOrReserve("key1")
	if !found {
		t.Fatal("expected hit within TTL")
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("expected byte-identical cached response, got %q", resp)
	}

	time.Sleep(60 * time.Millisecond)
	if _, found := c.GetOrReserve("key1"); found {
		t.Fatal("expected expiry after TTL")
	}
}

func TestCooldownCacheBlocksWithinWindow(t *testing.T) {
	c := NewCooldownCache(50 * time.Millisecond)

	if !c.TryEnter("sub1", "BTCUSDT") {
		t.Fatal("first entry should be allowed")
	}
	if c.TryEnter("sub1", "BTCUSDT") {
		t.Fatal("second entry within window should be blocked")
	}
	if !c.TryEnter("sub1", "ETHUSDT") {
		t.Fatal("different symbol should not share cooldown")
	}

	time.Sleep(60 * time.Millisecond)
	if !c.TryEnter("sub1", "BTCUSDT") {
		t.Fatal("entry after window elapses should be allowed")
	}
}
