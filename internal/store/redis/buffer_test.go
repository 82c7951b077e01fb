package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/burstgate/internal/store"
)

// testStore connects to BURSTGATE_TEST_REDIS_ADDR when set and to an
// in-process miniredis otherwise.
func testStore(t *testing.T) *BufferStore {
	t.Helper()
	addr := os.Getenv("BURSTGATE_TEST_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	prefix := fmt.Sprintf("burstgate-test:%d:", time.Now().UnixNano())
	s, err := Open(context.Background(), store.StoreConfig{RedisAddr: addr, KeyPrefix: prefix})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// miniStore returns a store on a fresh miniredis so tests can inspect raw keys.
func miniStore(t *testing.T, prefix string) (*BufferStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), store.StoreConfig{RedisAddr: mr.Addr(), KeyPrefix: prefix})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisAppendDrain(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, m := range []string{"hello", "world"} {
		if err := s.Append(ctx, "c1", m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := s.Drain(ctx, "c1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if fmt.Sprint(got) != "[hello world]" {
		t.Errorf("drain = %v, want [hello world]", got)
	}

	got, err = s.Drain(ctx, "c1")
	if err != nil || len(got) != 0 {
		t.Errorf("second drain = %v, %v; want empty, nil", got, err)
	}
}

func TestRedisPendingKeys(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, k := range []string{"b", "a"} {
		if err := s.Append(ctx, k, "m"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	t.Cleanup(func() {
		s.Drain(ctx, "a")
		s.Drain(ctx, "b")
	})

	keys, err := s.PendingKeys(ctx)
	if err != nil {
		t.Fatalf("PendingKeys: %v", err)
	}
	if fmt.Sprint(keys) != "[a b]" {
		t.Errorf("PendingKeys = %v, want [a b]", keys)
	}
}

func TestRedisUnreachable(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	s := NewBufferStore(client, "")

	err := s.Append(context.Background(), "k", "m")
	if !errors.Is(err, store.ErrBuffer) {
		t.Errorf("Append error = %v, want ErrBuffer", err)
	}
	_, err = s.Drain(context.Background(), "k")
	if !errors.Is(err, store.ErrBuffer) {
		t.Errorf("Drain error = %v, want ErrBuffer", err)
	}
}

func TestRedisDrainThenAppend(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Append(ctx, "c1", "a")
	if got, _ := s.Drain(ctx, "c1"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("first drain = %v", got)
	}
	if err := s.Append(ctx, "c1", "b"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Drain(ctx, "c1"); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("second drain = %v, want [b]", got)
	}
}

func TestRedisDrainUnknownKey(t *testing.T) {
	s := testStore(t)
	got, err := s.Drain(context.Background(), "never-written")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("drain = %#v, want empty non-nil slice", got)
	}
}

func TestRedisKeyLayout(t *testing.T) {
	s, mr := miniStore(t, "burstgate:buf:")
	ctx := context.Background()

	s.Append(ctx, "t1", "x")
	s.Append(ctx, "t1", "y")
	got, err := mr.List("burstgate:buf:t1")
	if err != nil || !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Fatalf("raw list = %v, %v", got, err)
	}

	s.Drain(ctx, "t1")
	if mr.Exists("burstgate:buf:t1") {
		t.Error("list still exists after drain")
	}
}

func TestRedisPendingKeysIgnoresForeignKeys(t *testing.T) {
	s, mr := miniStore(t, "burstgate:buf:")
	ctx := context.Background()

	mr.Set("session:42", "unrelated")
	mr.Push("other:list", "m")
	s.Append(ctx, "c2", "m")
	s.Append(ctx, "c1", "m")

	keys, err := s.PendingKeys(ctx)
	if err != nil {
		t.Fatalf("PendingKeys: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"c1", "c2"}) {
		t.Errorf("PendingKeys = %v, want [c1 c2]", keys)
	}
}

func TestRedisEmptyPrefix(t *testing.T) {
	s, mr := miniStore(t, "")
	ctx := context.Background()

	if err := s.Append(ctx, "thread-9", "hi"); err != nil {
		t.Fatal(err)
	}
	if got, _ := mr.List("thread-9"); !reflect.DeepEqual(got, []string{"hi"}) {
		t.Errorf("raw list = %v, want the bare key to hold [hi]", got)
	}
	keys, err := s.PendingKeys(ctx)
	if err != nil || keys != nil {
		t.Errorf("PendingKeys = %v, %v; want nil with no prefix", keys, err)
	}
	if got, _ := s.Drain(ctx, "thread-9"); !reflect.DeepEqual(got, []string{"hi"}) {
		t.Errorf("drain = %v", got)
	}
}

func TestRedisConcurrentAppendAndDrainLoseNothing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	const n = 200

	var (
		mu      sync.Mutex
		drained []string
		wg      sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if err := s.Append(ctx, "c1", fmt.Sprint(i)); err != nil {
				t.Errorf("append: %v", err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			got, err := s.Drain(ctx, "c1")
			if err != nil {
				t.Errorf("drain: %v", err)
			}
			mu.Lock()
			drained = append(drained, got...)
			mu.Unlock()
		}
	}()
	wg.Wait()

	rest, _ := s.Drain(ctx, "c1")
	drained = append(drained, rest...)
	if len(drained) != n {
		t.Fatalf("drained %d messages, want %d", len(drained), n)
	}
	for i, m := range drained {
		if m != fmt.Sprint(i) {
			t.Fatalf("message %d = %q, order broken", i, m)
		}
	}
}
