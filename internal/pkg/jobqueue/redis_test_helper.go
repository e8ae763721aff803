package jobqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PanelFox/internal/pkg/env"
)

// kept apart from the app (0) and rate limiter (1) databases
const isolatedJobQueueTestRedisDB = 14

func uniq(values []string, keepEmpty bool) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" && !keepEmpty {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func ping(addr, password string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// resolveTestRedis tries the usual compose and local endpoints and skips the test when none
// answers.
func resolveTestRedis(t *testing.T) (addr, password string) {
	t.Helper()

	hosts := uniq([]string{env.GetEnv("CACHE_HOST", ""), "cache", "panelfox-cache", "localhost", "127.0.0.1"}, false)
	ports := uniq([]string{env.GetEnv("CACHE_PORT", "6379"), "6379"}, false)
	passwords := uniq([]string{env.GetEnv("CACHE_PASSWORD", ""), "panelfox", ""}, true)

	var lastErr error
	for _, host := range hosts {
		for _, port := range ports {
			for _, pw := range passwords {
				candidate := fmt.Sprintf("%s:%s", host, port)
				client, err := ping(candidate, pw, 0, time.Second)
				if err == nil {
					_ = client.Close()
					return candidate, pw
				}
				lastErr = err
			}
		}
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return "", ""
}

func newIsolatedRedisClient(t *testing.T, db int) *redis.Client {
	t.Helper()

	addr, password := resolveTestRedis(t)
	client, err := ping(addr, password, db, 2*time.Second)
	if err != nil {
		t.Skipf("Skipping Redis-dependent test: isolated DB ping failed (%v)", err)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("failed to flush isolated redis db %d: %v", db, err)
	}

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}
