package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/qsystem/internal/models"
	"qms/qsystem/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	foreignKeyViolation = "23503"
	// fallbackServiceLock serialises creation of the fallback service.
	fallbackServiceLock = 7410001
	seedServicesLock    = 7410002
)

type Store struct {
	pool              *pgxpool.Pool
	codeAttempts      int
	codes             store.CodeGenerator
	defaultBranchName string
}

type Options struct {
	CodeAttempts      int
	Codes             store.CodeGenerator
	DefaultBranchName string
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	s := &Store{
		pool:              pool,
		codeAttempts:      options.CodeAttempts,
		codes:             options.Codes,
		defaultBranchName: strings.TrimSpace(options.DefaultBranchName),
	}
	if s.defaultBranchName == "" {
		s.defaultBranchName = store.DefaultBranchName
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const branchColumns = `id, name, code, next_ticket, is_default, created_at`

func (s *Store) ResolveBranch(ctx context.Context, ref store.BranchRef) (models.Branch, error) {
	if ref.IsZero() {
		return s.EnsureDefaultBranch(ctx, "")
	}
	var row pgx.Row
	if ref.ID != "" {
		if _, err := uuid.Parse(ref.ID); err != nil {
			return models.Branch{}, store.ErrBranchNotFound
		}
		row = s.pool.QueryRow(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = $1`, ref.ID)
	} else {
		row = s.pool.QueryRow(ctx, `SELECT `+branchColumns+` FROM branches WHERE code = $1`, store.NormalizeCode(ref.Code))
	}
	branch, err := scanBranch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Branch{}, store.ErrBranchNotFound
	}
	return branch, err
}

func (s *Store) EnsureDefaultBranch(ctx context.Context, name string) (models.Branch, error) {
	branch, found, err := s.defaultBranch(ctx)
	if err != nil || found {
		return branch, err
	}
	if strings.TrimSpace(name) == "" {
		name = s.defaultBranchName
	}
	_, err = store.AllocateCode(ctx, s.codeAttempts, s.codes, func(code string) (bool, error) {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO branches (id, name, code, is_default, created_at)
			VALUES ($1, $2, $3, TRUE, $4)
			ON CONFLICT DO NOTHING
			RETURNING `+branchColumns,
			uuid.NewString(), name, code, time.Now().UTC())
		inserted, scanErr := scanBranch(row)
		if scanErr == nil {
			branch = inserted
			return true, nil
		}
		if !errors.Is(scanErr, pgx.ErrNoRows) {
			return false, scanErr
		}
		// Either the code collided or another process created the default first.
		existing, found, lookupErr := s.defaultBranch(ctx)
		if lookupErr != nil {
			return false, lookupErr
		}
		if found {
			branch = existing
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return models.Branch{}, fmt.Errorf("ensure default branch: %w", err)
	}
	return branch, nil
}

func (s *Store) defaultBranch(ctx context.Context) (models.Branch, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+branchColumns+` FROM branches WHERE is_default`)
	branch, err := scanBranch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Branch{}, false, nil
	}
	if err != nil {
		return models.Branch{}, false, err
	}
	return branch, true, nil
}

func (s *Store) CreateBranch(ctx context.Context, name string) (models.Branch, error) {
	var branch models.Branch
	_, err := store.AllocateCode(ctx, s.codeAttempts, s.codes, func(code string) (bool, error) {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO branches (id, name, code, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (code) DO NOTHING
			RETURNING `+branchColumns,
			uuid.NewString(), name, code, time.Now().UTC())
		inserted, err := scanBranch(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		branch = inserted
		return true, nil
	})
	if err != nil {
		return models.Branch{}, err
	}
	return branch, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]models.Branch, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+branchColumns+` FROM branches ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	branches := []models.Branch{}
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return branches, rows.Err()
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, avg_minutes, created_at
		FROM services
		ORDER BY name ASC, created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	services := []models.Service{}
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.AvgMinutes, &svc.CreatedAt); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) CreateService(ctx context.Context, service models.Service) (models.Service, error) {
	return insertService(ctx, s.pool, service)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertService(ctx context.Context, q queryer, service models.Service) (models.Service, error) {
	row := q.QueryRow(ctx, `
		INSERT INTO services (id, name, avg_minutes, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, avg_minutes, created_at
	`, uuid.NewString(), service.Name, service.AvgMinutes, time.Now().UTC())
	var created models.Service
	if err := row.Scan(&created.ID, &created.Name, &created.AvgMinutes, &created.CreatedAt); err != nil {
		return models.Service{}, err
	}
	return created, nil
}

func (s *Store) UpdateService(ctx context.Context, service models.Service) (models.Service, error) {
	if _, err := uuid.Parse(service.ID); err != nil {
		return models.Service{}, store.ErrServiceNotFound
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE services SET name = $2, avg_minutes = $3
		WHERE id = $1
		RETURNING id, name, avg_minutes, created_at
	`, service.ID, service.Name, service.AvgMinutes)
	var updated models.Service
	if err := row.Scan(&updated.ID, &updated.Name, &updated.AvgMinutes, &updated.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return updated, nil
}

func (s *Store) DeleteService(ctx context.Context, serviceID string) (err error) {
	if _, parseErr := uuid.Parse(serviceID); parseErr != nil {
		return store.ErrServiceNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var id string
	if err = tx.QueryRow(ctx, `SELECT id FROM services WHERE id = $1 FOR UPDATE`, serviceID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrServiceNotFound
		}
		return err
	}

	var referenced bool
	if err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_entries WHERE service_id = $1)`, serviceID).Scan(&referenced); err != nil {
		return err
	}
	if referenced {
		err = store.ErrServiceInUse
		return err
	}

	if _, err = tx.Exec(ctx, `DELETE FROM services WHERE id = $1`, serviceID); err != nil {
		if isForeignKeyViolation(err) {
			err = store.ErrServiceInUse
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) SeedServices(ctx context.Context, services []models.Service) (n int, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, seedServicesLock); err != nil {
		return 0, err
	}
	var existing int
	if err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM services`).Scan(&existing); err != nil {
		return 0, err
	}
	if existing > 0 {
		return 0, tx.Commit(ctx)
	}
	for _, service := range services {
		if _, err = insertService(ctx, tx, service); err != nil {
			return 0, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(services), nil
}

const entryColumns = `id, name, phone, service_id, branch_id, ticket_number, status, created_at, notified_at, served_at, canceled_at`

func (s *Store) CheckIn(ctx context.Context, input store.CheckInInput) (entry models.QueueEntry, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	serviceID, err := resolveService(ctx, tx, input.ServiceID)
	if err != nil {
		return models.QueueEntry{}, err
	}

	ticket, err := allocateTicket(ctx, tx, input.BranchID)
	if err != nil {
		return models.QueueEntry{}, err
	}

	// The branch row lock is still held, so the stamp is taken in ticket order.
	// GREATEST keeps it monotonic if the server clock steps back.
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_entries (id, name, phone, service_id, branch_id, ticket_number, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, GREATEST(
			clock_timestamp(),
			(SELECT max(created_at) FROM queue_entries WHERE branch_id = $5)
		))
		RETURNING `+entryColumns,
		uuid.NewString(), input.Name, input.Phone, serviceID, input.BranchID, ticket, models.StatusWaiting)
	if entry, err = scanEntry(row); err != nil {
		return models.QueueEntry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// allocateTicket increments the branch counter. The row lock it takes is held
// until the surrounding transaction ends, so concurrent check-ins on the same
// branch queue up behind it.
func allocateTicket(ctx context.Context, tx pgx.Tx, branchID string) (int64, error) {
	if _, err := uuid.Parse(branchID); err != nil {
		return 0, store.ErrBranchNotFound
	}
	var next int64
	row := tx.QueryRow(ctx, `
		UPDATE branches SET next_ticket = next_ticket + 1
		WHERE id = $1
		RETURNING next_ticket
	`, branchID)
	if err := row.Scan(&next); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, store.ErrBranchNotFound
		}
		return 0, err
	}
	return next, nil
}

func resolveService(ctx context.Context, tx pgx.Tx, serviceID string) (string, error) {
	if serviceID != "" {
		if _, err := uuid.Parse(serviceID); err != nil {
			return "", store.ErrServiceNotFound
		}
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM services WHERE id = $1`, serviceID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return "", store.ErrServiceNotFound
			}
			return "", err
		}
		return id, nil
	}

	id, found, err := earliestService(ctx, tx)
	if err != nil || found {
		return id, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, fallbackServiceLock); err != nil {
		return "", err
	}
	id, found, err = earliestService(ctx, tx)
	if err != nil || found {
		return id, err
	}
	created, err := insertService(ctx, tx, models.FallbackService)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func earliestService(ctx context.Context, tx pgx.Tx) (string, bool, error) {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM services ORDER BY created_at ASC, id ASC LIMIT 1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *Store) SetStatus(ctx context.Context, entryID, status string, at time.Time) (models.QueueEntry, error) {
	if !models.ValidStatus(status) {
		return models.QueueEntry{}, fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	if _, err := uuid.Parse(entryID); err != nil {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_entries SET
			status = $2::text,
			notified_at = CASE WHEN $2::text = 'notified' THEN $3::timestamptz ELSE notified_at END,
			served_at = CASE WHEN $2::text = 'served' THEN $3::timestamptz ELSE served_at END,
			canceled_at = CASE WHEN $2::text = 'canceled' THEN $3::timestamptz ELSE canceled_at END
		WHERE id = $1
		RETURNING `+entryColumns,
		entryID, status, at)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return entry, err
}

func (s *Store) ListQueue(ctx context.Context, input store.ListQueueInput) ([]models.QueueEntry, error) {
	if _, err := uuid.Parse(input.BranchID); err != nil {
		return nil, store.ErrBranchNotFound
	}
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE branch_id = $1`
	if input.ActiveOnly {
		query += ` AND status NOT IN ('served', 'canceled')`
	}
	query += ` ORDER BY created_at ASC, ticket_number ASC`

	rows, err := s.pool.Query(ctx, query, input.BranchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.QueueEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBranch(row scanner) (models.Branch, error) {
	var branch models.Branch
	err := row.Scan(&branch.ID, &branch.Name, &branch.Code, &branch.NextTicket, &branch.IsDefault, &branch.CreatedAt)
	return branch, err
}

func scanEntry(row scanner) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var notifiedAt, servedAt, canceledAt sql.NullTime
	if err := row.Scan(
		&entry.ID, &entry.Name, &entry.Phone, &entry.ServiceID, &entry.BranchID,
		&entry.TicketNumber, &entry.Status, &entry.CreatedAt,
		&notifiedAt, &servedAt, &canceledAt,
	); err != nil {
		return models.QueueEntry{}, err
	}
	entry.NotifiedAt = nullTimePtr(notifiedAt)
	entry.ServedAt = nullTimePtr(servedAt)
	entry.CanceledAt = nullTimePtr(canceledAt)
	return entry, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}
