package pg

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// testStore connects to BURSTGATE_TEST_POSTGRES_DSN (schema already migrated);
// the test is skipped when unset.
func testStore(t *testing.T) *PGBufferStore {
	t.Helper()
	dsn := os.Getenv("BURSTGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BURSTGATE_TEST_POSTGRES_DSN not set")
	}
	db, err := OpenDB(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGBufferStore(db)
}

func TestPGAppendDrainOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := fmt.Sprintf("test-%d", time.Now().UnixNano())

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, key, fmt.Sprint(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := s.Drain(ctx, key)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if fmt.Sprint(got) != "[0 1 2 3 4]" {
		t.Errorf("drain = %v", got)
	}
	got, _ = s.Drain(ctx, key)
	if len(got) != 0 {
		t.Errorf("second drain = %v, want empty", got)
	}
}
