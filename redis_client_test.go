package redkit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// startClientTestServer starts a real redkit server (with its full
// default handler set, backed by Store) and a go-redis v9 client
// pointed at it, mirroring the connection setup pattern used by
// startTestServer in server_test.go.
func startClientTestServer(t *testing.T) (*Server, *redis.Client, func()) {
	port, err := getFreePort()
	if err != nil {
		t.Fatalf("Failed to get free port: %v", err)
	}

	server := NewServer(fmt.Sprintf(":%d", port))

	go func() {
		if err := server.Serve(); err != nil {
			t.Logf("Server error: %v", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("localhost:%d", port),
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	cleanup := func() {
		client.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}

	return server, client, cleanup
}

func TestClientStringLifecycle(t *testing.T) {
	_, client, cleanup := startClientTestServer(t)
	defer cleanup()
	ctx := context.Background()

	if err := client.Set(ctx, "greeting", "hello", 0).Err(); err != nil {
		t.Fatalf("SET failed: %v", err)
	}
	if v, err := client.Get(ctx, "greeting").Result(); err != nil || v != "hello" {
		t.Fatalf("GET = %q, %v, want %q, nil", v, err, "hello")
	}

	if n, err := client.Exists(ctx, "greeting", "missing").Result(); err != nil || n != 1 {
		t.Fatalf("EXISTS = %d, %v, want 1, nil", n, err)
	}

	if typ, err := client.Type(ctx, "greeting").Result(); err != nil || typ != "string" {
		t.Fatalf("TYPE = %q, %v, want string", typ, err)
	}

	if n, err := client.Del(ctx, "greeting").Result(); err != nil || n != 1 {
		t.Fatalf("DEL = %d, %v, want 1, nil", n, err)
	}
	if _, err := client.Get(ctx, "greeting").Result(); err != redis.Nil {
		t.Fatalf("GET after DEL = %v, want redis.Nil", err)
	}
}

func TestClientSetWithExpiry(t *testing.T) {
	_, client, cleanup := startClientTestServer(t)
	defer cleanup()
	ctx := context.Background()

	if err := client.Set(ctx, "temp", "soon-gone", 50*time.Millisecond).Err(); err != nil {
		t.Fatalf("SET PX failed: %v", err)
	}

	ttl, err := client.TTL(ctx, "temp").Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl < 0 || ttl > time.Second {
		t.Fatalf("TTL = %v, want in [0, 1s]", ttl)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := client.Get(ctx, "temp").Result(); err != redis.Nil {
		t.Fatalf("GET after expiry = %v, want redis.Nil", err)
	}
}

func TestClientExpireCommand(t *testing.T) {
	_, client, cleanup := startClientTestServer(t)
	defer cleanup()
	ctx := context.Background()

	client.Set(ctx, "k", "v", 0)
	if ok, err := client.Expire(ctx, "k", time.Second).Result(); err != nil || !ok {
		t.Fatalf("EXPIRE = %v, %v, want true, nil", ok, err)
	}
	if ttl, err := client.TTL(ctx, "k").Result(); err != nil || ttl <= 0 || ttl > time.Second {
		t.Fatalf("TTL = %v, %v, want in (0, 1s]", ttl, err)
	}

	// go-redis returns the -2 / -1 sentinels as raw durations, not
	// scaled to seconds.
	if ttl, err := client.TTL(ctx, "missing").Result(); err != nil || ttl != -2 {
		t.Fatalf("TTL of missing key = %v, %v, want -2", ttl, err)
	}

	client.Set(ctx, "no-ttl", "v", 0)
	if ttl, err := client.TTL(ctx, "no-ttl").Result(); err != nil || ttl != -1 {
		t.Fatalf("TTL of untimed key = %v, %v, want -1", ttl, err)
	}
}

func TestClientKeysPattern(t *testing.T) {
	_, client, cleanup := startClientTestServer(t)
	defer cleanup()
	ctx := context.Background()

	client.Set(ctx, "user:1", "a", 0)
	client.Set(ctx, "user:2", "b", 0)
	client.Set(ctx, "order:1", "c", 0)

	keys, err := client.Keys(ctx, "user:*").Result()
	if err != nil {
		t.Fatalf("KEYS failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("KEYS user:* = %v, want 2 entries", keys)
	}

	all, err := client.Keys(ctx, "*").Result()
	if err != nil || len(all) != 3 {
		t.Fatalf("KEYS * = %v, %v, want 3 entries", all, err)
	}
}

func TestClientCommandErrors(t *testing.T) {
	_, client, cleanup := startClientTestServer(t)
	defer cleanup()
	ctx := context.Background()

	if err := client.Do(ctx, "SET", "onlykey").Err(); err == nil {
		t.Error("expected error for SET with missing value")
	}
	if err := client.Do(ctx, "UNKNOWNCMD", "x").Err(); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestClientStreamRoundTrip(t *testing.T) {
	_, client, cleanup := startClientTestServer(t)
	defer cleanup()
	ctx := context.Background()

	id1, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "events",
		ID:     "*",
		Values: map[string]interface{}{"action": "login"},
	}).Result()
	if err != nil {
		t.Fatalf("XADD failed: %v", err)
	}

	id2, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "events",
		ID:     "*",
		Values: map[string]interface{}{"action": "logout"},
	}).Result()
	if err != nil {
		t.Fatalf("XADD #2 failed: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("second id %q did not increase past first id %q", id2, id1)
	}

	entries, err := client.XRange(ctx, "events", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRANGE failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("XRANGE returned %d entries, want 2", len(entries))
	}
	if entries[0].Values["action"] != "login" || entries[1].Values["action"] != "logout" {
		t.Fatalf("XRANGE entries out of order: %+v", entries)
	}

	if typ, err := client.Type(ctx, "events").Result(); err != nil || typ != "stream" {
		t.Fatalf("TYPE of stream key = %q, %v, want stream", typ, err)
	}
	if _, err := client.Get(ctx, "events").Result(); err != redis.Nil {
		t.Fatalf("GET on stream key = %v, want redis.Nil", err)
	}
}

func TestClientStreamBlockingRead(t *testing.T) {
	_, client, cleanup := startClientTestServer(t)
	defer cleanup()
	ctx := context.Background()

	client.XAdd(ctx, &redis.XAddArgs{Stream: "s", ID: "1-1", Values: map[string]interface{}{"k": "v"}}).Err()

	done := make(chan error, 1)
	go func() {
		res := client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{"s", "$"},
			Block:   2 * time.Second,
		})
		_, err := res.Result()
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: "s", ID: "2-1", Values: map[string]interface{}{"k": "v2"}}).Err(); err != nil {
		t.Fatalf("XADD during block failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocking XREAD failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("blocking XREAD did not unblock after XADD")
	}
}

func TestClientInfoAndConfig(t *testing.T) {
	_, client, cleanup := startClientTestServer(t)
	defer cleanup()
	ctx := context.Background()

	info, err := client.Info(ctx, "replication").Result()
	if err != nil {
		t.Fatalf("INFO failed: %v", err)
	}
	if !contains(info, "role:master") {
		t.Fatalf("INFO replication missing role:master: %q", info)
	}

	vals, err := client.ConfigGet(ctx, "dir").Result()
	if err != nil {
		t.Fatalf("CONFIG GET dir failed: %v", err)
	}
	if len(vals) == 0 {
		t.Fatalf("CONFIG GET dir returned nothing")
	}

	empty, err := client.ConfigGet(ctx, "maxmemory-policy").Result()
	if err != nil {
		t.Fatalf("CONFIG GET unknown key failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("CONFIG GET unknown key = %v, want empty", empty)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
