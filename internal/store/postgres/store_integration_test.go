package postgres

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/qsystem/internal/models"
	"qms/qsystem/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestConcurrentCheckInTickets(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch, err := st.EnsureDefaultBranch(ctx, "Main")
	if err != nil {
		t.Fatalf("ensure default branch: %v", err)
	}

	const guests = 20
	var wg sync.WaitGroup
	results := make(chan checkInResult, guests)
	for i := 0; i < guests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := st.CheckIn(ctx, store.CheckInInput{Name: "Guest", Phone: "555", BranchID: branch.ID})
			results <- checkInResult{ticket: entry.TicketNumber, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var tickets []int
	for result := range results {
		if result.err != nil {
			t.Fatalf("check in error: %v", result.err)
		}
		tickets = append(tickets, int(result.ticket))
	}
	sort.Ints(tickets)
	for i, ticket := range tickets {
		if ticket != i+1 {
			t.Fatalf("expected tickets 1..%d without gaps, got %v", guests, tickets)
		}
	}

	entries, err := st.ListQueue(ctx, store.ListQueueInput{BranchID: branch.ID})
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	for i, entry := range entries {
		if entry.TicketNumber != int64(i+1) {
			t.Fatalf("queue position %d holds ticket %d", i, entry.TicketNumber)
		}
	}
}

func TestCheckInUnknownBranchLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, err := st.CheckIn(ctx, store.CheckInInput{Name: "Ana", Phone: "1", BranchID: uuid.NewString()})
	if !errors.Is(err, store.ErrBranchNotFound) {
		t.Fatalf("expected ErrBranchNotFound, got %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&count); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no entries, got %d", count)
	}
	// The fallback service insert is rolled back with the rest of the check-in.
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM services`).Scan(&count); err != nil {
		t.Fatalf("count services: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no services, got %d", count)
	}
}

func TestSetStatusKeepsEarlierStamps(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch, err := st.EnsureDefaultBranch(ctx, "Main")
	if err != nil {
		t.Fatalf("ensure default branch: %v", err)
	}
	entry, err := st.CheckIn(ctx, store.CheckInInput{Name: "Ana", Phone: "1", BranchID: branch.ID})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}

	notifiedAt := time.Now().UTC().Truncate(time.Microsecond)
	if _, err := st.SetStatus(ctx, entry.ID, models.StatusNotified, notifiedAt); err != nil {
		t.Fatalf("notify: %v", err)
	}
	served, err := st.SetStatus(ctx, entry.ID, models.StatusServed, notifiedAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if served.NotifiedAt == nil || !served.NotifiedAt.Equal(notifiedAt) {
		t.Fatalf("expected notified_at to survive, got %v", served.NotifiedAt)
	}
	if served.ServedAt == nil || served.CanceledAt != nil {
		t.Fatalf("unexpected stamps: served=%v canceled=%v", served.ServedAt, served.CanceledAt)
	}

	if _, err := st.SetStatus(ctx, entry.ID, "finished", time.Now()); !errors.Is(err, store.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := st.SetStatus(ctx, uuid.NewString(), models.StatusServed, time.Now()); !errors.Is(err, store.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestDeleteServiceReferenced(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	branch, err := st.EnsureDefaultBranch(ctx, "Main")
	if err != nil {
		t.Fatalf("ensure default branch: %v", err)
	}
	used, err := st.CreateService(ctx, models.Service{Name: "Used", AvgMinutes: 10})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	unused, err := st.CreateService(ctx, models.Service{Name: "Unused", AvgMinutes: 10})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	if _, err := st.CheckIn(ctx, store.CheckInInput{Name: "Ana", Phone: "1", BranchID: branch.ID, ServiceID: used.ID}); err != nil {
		t.Fatalf("check in: %v", err)
	}

	if err := st.DeleteService(ctx, used.ID); !errors.Is(err, store.ErrServiceInUse) {
		t.Fatalf("expected ErrServiceInUse, got %v", err)
	}
	if err := st.DeleteService(ctx, unused.ID); err != nil {
		t.Fatalf("delete unused: %v", err)
	}
	if err := st.DeleteService(ctx, unused.ID); !errors.Is(err, store.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestEnsureDefaultBranchIdempotent(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	first, err := st.EnsureDefaultBranch(ctx, "Main")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := st.EnsureDefaultBranch(ctx, "Main")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same default branch, got %s and %s", first.ID, second.ID)
	}

	byCode, err := st.ResolveBranch(ctx, store.BranchRef{Code: strings.ToLower(first.Code)})
	if err != nil {
		t.Fatalf("resolve by code: %v", err)
	}
	if byCode.ID != first.ID {
		t.Fatalf("expected %s, got %s", first.ID, byCode.ID)
	}
}

func TestResolveBranchUsesConfiguredDefaultName(t *testing.T) {
	ctx := context.Background()
	_, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	st := NewStore(pool, Options{DefaultBranchName: "Downtown"})
	branch, err := st.ResolveBranch(ctx, store.BranchRef{})
	if err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	if branch.Name != "Downtown" || !branch.IsDefault {
		t.Fatalf("expected default branch Downtown, got %+v", branch)
	}
}

type checkInResult struct {
	ticket int64
	err    error
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := execOnce(ctx, dsn, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = execOnce(context.Background(), dsn, "DROP SCHEMA "+schema+" CASCADE")
	}
	return NewStore(pool, Options{}), pool, cleanup
}

func execOnce(ctx context.Context, dsn, statement string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, statement)
	return err
}
