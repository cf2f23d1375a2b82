package aggregate

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/lineboard/lineboard/internal/ledger"
	"github.com/lineboard/lineboard/internal/router"
	"github.com/lineboard/lineboard/pkg/config"
	"github.com/lineboard/lineboard/pkg/postgres"
)

// skipIfNoPostgres skips the test when the local backend is unavailable, so
// the suite stays runnable without infrastructure.
func skipIfNoPostgres(t *testing.T) *Store {
	t.Helper()
	client, err := postgres.New(testPostgresConfig())
	if err != nil {
		t.Skipf("skipping store test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	store := NewStore(router.NewBackends(client, client))
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return store
}

func testPostgresConfig() config.PostgresConfig {
	return config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "lineboard_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "lineboard"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// scratchLine returns a line name unique to this test run and removes its
// rows afterwards.
func scratchLine(t *testing.T, store *Store) string {
	t.Helper()
	line := fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
	t.Cleanup(func() {
		_, err := store.DeleteScope(context.Background(), Scope{Lines: []string{line}}, 0, nil)
		if err != nil {
			t.Errorf("cleanup for line %s: %v", line, err)
		}
	})
	return line
}

func testEvent(line string, qty uint) ledger.RawEvent {
	return ledger.RawEvent{
		Line:      line,
		Machine:   "M1",
		Part:      "P1",
		Quantity:  qty,
		Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Judgment:  ledger.JudgmentOK,
	}
}

func fetchOnlyRow(t *testing.T, store *Store, line string) Aggregate {
	t.Helper()
	rows, err := store.Rows(context.Background(), line,
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	return rows[0]
}

func TestMergeAccumulatesOnConflict(t *testing.T) {
	store := skipIfNoPostgres(t)
	line := scratchLine(t, store)
	ctx := context.Background()

	if err := store.Merge(ctx, testEvent(line, 4)); err != nil {
		t.Fatalf("first Merge: %v", err)
	}
	row := fetchOnlyRow(t, store, line)
	if row.TotalQuantity != 4 || row.EventCount != 1 {
		t.Fatalf("after first merge: quantity=%d count=%d, want 4/1", row.TotalQuantity, row.EventCount)
	}

	// Same key again: the conflict path must add, not replace.
	if err := store.Merge(ctx, testEvent(line, 3)); err != nil {
		t.Fatalf("second Merge: %v", err)
	}
	row = fetchOnlyRow(t, store, line)
	if row.TotalQuantity != 7 || row.EventCount != 2 {
		t.Fatalf("after second merge: quantity=%d count=%d, want 7/2", row.TotalQuantity, row.EventCount)
	}
}

func TestMergeSeparatesByJudgment(t *testing.T) {
	store := skipIfNoPostgres(t)
	line := scratchLine(t, store)
	ctx := context.Background()

	ok := testEvent(line, 2)
	ng := testEvent(line, 5)
	ng.Judgment = ledger.JudgmentNG
	if err := store.Merge(ctx, ok); err != nil {
		t.Fatalf("Merge OK: %v", err)
	}
	if err := store.Merge(ctx, ng); err != nil {
		t.Fatalf("Merge NG: %v", err)
	}

	rows, err := store.Rows(ctx, line,
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want one per judgment", len(rows))
	}
}

func TestUnmergeReversesAndFloorsAtZero(t *testing.T) {
	store := skipIfNoPostgres(t)
	line := scratchLine(t, store)
	ctx := context.Background()

	if err := store.Merge(ctx, testEvent(line, 4)); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := store.Unmerge(ctx, testEvent(line, 4)); err != nil {
		t.Fatalf("Unmerge: %v", err)
	}
	row := fetchOnlyRow(t, store, line)
	if row.TotalQuantity != 0 || row.EventCount != 0 {
		t.Fatalf("after reversal: quantity=%d count=%d, want 0/0", row.TotalQuantity, row.EventCount)
	}

	// Reversing more than was merged must clamp at zero, never underflow.
	if err := store.Unmerge(ctx, testEvent(line, 100)); err != nil {
		t.Fatalf("excess Unmerge: %v", err)
	}
	row = fetchOnlyRow(t, store, line)
	if row.TotalQuantity != 0 || row.EventCount != 0 {
		t.Fatalf("after excess reversal: quantity=%d count=%d, want 0/0", row.TotalQuantity, row.EventCount)
	}
}
