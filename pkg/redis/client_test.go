package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/movie-search-pipeline/pkg/config"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("MSP_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	c, err := NewClient(config.RedisConfig{Addr: addr, DB: 15, PoolSize: 4})
	if err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestJSONRoundTripAndFlush(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	var miss map[string]any
	found, err := c.GetJSON(ctx, "msp:test:absent", &miss)
	if err != nil || found {
		t.Fatalf("GetJSON on absent key: found=%v err=%v", found, err)
	}

	if err := c.SetJSON(ctx, "msp:test:a", map[string]any{"id": 550}, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	if err := c.SetJSON(ctx, "msp:test:b", []int{1}, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var got map[string]any
	found, err = c.GetJSON(ctx, "msp:test:a", &got)
	if err != nil || !found || got["id"] != float64(550) {
		t.Fatalf("GetJSON = %v found=%v err=%v", got, found, err)
	}

	n, err := c.FlushByPattern(ctx, "msp:test:*")
	if err != nil || n != 2 {
		t.Errorf("FlushByPattern = %d, %v", n, err)
	}
}
