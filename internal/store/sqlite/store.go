// Package sqlite is the single-node store. The database is opened with one
// connection and immediate transactions, so every write transaction holds the
// database write lock from its first statement.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/qsystem/internal/models"
	"qms/qsystem/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type branchRow struct {
	ID         string    `gorm:"primaryKey;size:36"`
	Name       string    `gorm:"not null"`
	Code       string    `gorm:"size:16;not null;uniqueIndex"`
	NextTicket int64     `gorm:"not null;default:0"`
	IsDefault  bool      `gorm:"not null;default:false;index"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (branchRow) TableName() string { return "branches" }

type serviceRow struct {
	ID         string    `gorm:"primaryKey;size:36"`
	Name       string    `gorm:"not null"`
	AvgMinutes int       `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (serviceRow) TableName() string { return "services" }

type entryRow struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Name         string    `gorm:"not null"`
	Phone        string    `gorm:"not null"`
	ServiceID    string    `gorm:"size:36;not null;index"`
	BranchID     string    `gorm:"size:36;not null;uniqueIndex:idx_branch_ticket;index:idx_branch_created,priority:1"`
	TicketNumber int64     `gorm:"not null;uniqueIndex:idx_branch_ticket"`
	Status       string    `gorm:"size:16;not null"`
	CreatedAt    time.Time `gorm:"not null;index:idx_branch_created,priority:2"`
	NotifiedAt   *time.Time
	ServedAt     *time.Time
	CanceledAt   *time.Time
}

func (entryRow) TableName() string { return "queue_entries" }

type Options struct {
	CodeAttempts      int
	Codes             store.CodeGenerator
	DefaultBranchName string
}

type Store struct {
	db                *gorm.DB
	codeAttempts      int
	codes             store.CodeGenerator
	defaultBranchName string
}

// DSN adds the connection parameters the store relies on to a database path.
func DSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_txlock=immediate"
}

// Open connects to the database file at path and migrates the schema.
func Open(path string, options Options) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(DSN(path)), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&branchRow{}, &serviceRow{}, &entryRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	st := &Store{
		db:                db,
		codeAttempts:      options.CodeAttempts,
		codes:             options.Codes,
		defaultBranchName: strings.TrimSpace(options.DefaultBranchName),
	}
	if st.defaultBranchName == "" {
		st.defaultBranchName = store.DefaultBranchName
	}
	return st, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) ResolveBranch(ctx context.Context, ref store.BranchRef) (models.Branch, error) {
	if ref.IsZero() {
		return s.EnsureDefaultBranch(ctx, "")
	}
	var row branchRow
	query := s.db.WithContext(ctx)
	if ref.ID != "" {
		query = query.Where("id = ?", ref.ID)
	} else {
		query = query.Where("code = ?", store.NormalizeCode(ref.Code))
	}
	if err := query.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Branch{}, store.ErrBranchNotFound
		}
		return models.Branch{}, err
	}
	return row.model(), nil
}

func (s *Store) EnsureDefaultBranch(ctx context.Context, name string) (models.Branch, error) {
	if strings.TrimSpace(name) == "" {
		name = s.defaultBranchName
	}
	var branch models.Branch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing branchRow
		err := tx.Where("is_default = ?", true).First(&existing).Error
		if err == nil {
			branch = existing.model()
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		branch, err = s.insertBranch(ctx, tx, name, true)
		return err
	})
	if err != nil {
		return models.Branch{}, err
	}
	return branch, nil
}

func (s *Store) CreateBranch(ctx context.Context, name string) (models.Branch, error) {
	var branch models.Branch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		branch, err = s.insertBranch(ctx, tx, name, false)
		return err
	})
	return branch, err
}

func (s *Store) insertBranch(ctx context.Context, tx *gorm.DB, name string, isDefault bool) (models.Branch, error) {
	var created branchRow
	_, err := store.AllocateCode(ctx, s.codeAttempts, s.codes, func(code string) (bool, error) {
		var taken int64
		if err := tx.Model(&branchRow{}).Where("code = ?", code).Count(&taken).Error; err != nil {
			return false, err
		}
		if taken > 0 {
			return false, nil
		}
		created = branchRow{
			ID:        uuid.NewString(),
			Name:      name,
			Code:      code,
			IsDefault: isDefault,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(&created).Error; err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return models.Branch{}, err
	}
	return created.model(), nil
}

func (s *Store) ListBranches(ctx context.Context) ([]models.Branch, error) {
	var rows []branchRow
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	branches := make([]models.Branch, 0, len(rows))
	for _, row := range rows {
		branches = append(branches, row.model())
	}
	return branches, nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	var rows []serviceRow
	if err := s.db.WithContext(ctx).Order("name ASC, created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	services := make([]models.Service, 0, len(rows))
	for _, row := range rows {
		services = append(services, row.model())
	}
	return services, nil
}

func (s *Store) CreateService(ctx context.Context, service models.Service) (models.Service, error) {
	return insertService(s.db.WithContext(ctx), service)
}

func insertService(tx *gorm.DB, service models.Service) (models.Service, error) {
	row := serviceRow{
		ID:         uuid.NewString(),
		Name:       service.Name,
		AvgMinutes: service.AvgMinutes,
		CreatedAt:  time.Now().UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return models.Service{}, err
	}
	return row.model(), nil
}

func (s *Store) UpdateService(ctx context.Context, service models.Service) (models.Service, error) {
	var updated serviceRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&updated, "id = ?", service.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrServiceNotFound
			}
			return err
		}
		updated.Name = service.Name
		updated.AvgMinutes = service.AvgMinutes
		return tx.Model(&serviceRow{}).Where("id = ?", service.ID).Updates(map[string]interface{}{
			"name":        service.Name,
			"avg_minutes": service.AvgMinutes,
		}).Error
	})
	if err != nil {
		return models.Service{}, err
	}
	return updated.model(), nil
}

func (s *Store) DeleteService(ctx context.Context, serviceID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row serviceRow
		if err := tx.First(&row, "id = ?", serviceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrServiceNotFound
			}
			return err
		}
		var refs int64
		if err := tx.Model(&entryRow{}).Where("service_id = ?", serviceID).Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return store.ErrServiceInUse
		}
		return tx.Delete(&serviceRow{}, "id = ?", serviceID).Error
	})
}

func (s *Store) SeedServices(ctx context.Context, services []models.Service) (int, error) {
	seeded := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&serviceRow{}).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		for _, service := range services {
			if _, err := insertService(tx, service); err != nil {
				return err
			}
			seeded++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seeded, nil
}

func (s *Store) CheckIn(ctx context.Context, input store.CheckInInput) (models.QueueEntry, error) {
	var created entryRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		serviceID, err := resolveService(tx, input.ServiceID)
		if err != nil {
			return err
		}

		result := tx.Model(&branchRow{}).Where("id = ?", input.BranchID).
			UpdateColumn("next_ticket", gorm.Expr("next_ticket + 1"))
		if result.Error != nil {
			return fmt.Errorf("sqlite: allocate ticket: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return store.ErrBranchNotFound
		}
		var ticket int64
		if err := tx.Model(&branchRow{}).Where("id = ?", input.BranchID).Select("next_ticket").Scan(&ticket).Error; err != nil {
			return err
		}

		// The write lock taken by the update orders these stamps by ticket.
		createdAt := time.Now().UTC()
		var last entryRow
		if err := tx.Where("branch_id = ?", input.BranchID).Order("created_at DESC").Limit(1).Find(&last).Error; err != nil {
			return err
		}
		if createdAt.Before(last.CreatedAt) {
			createdAt = last.CreatedAt
		}
		created = entryRow{
			ID:           uuid.NewString(),
			Name:         input.Name,
			Phone:        input.Phone,
			ServiceID:    serviceID,
			BranchID:     input.BranchID,
			TicketNumber: ticket,
			Status:       models.StatusWaiting,
			CreatedAt:    createdAt,
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	return created.model(), nil
}

func resolveService(tx *gorm.DB, serviceID string) (string, error) {
	var row serviceRow
	if serviceID != "" {
		if err := tx.First(&row, "id = ?", serviceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return "", store.ErrServiceNotFound
			}
			return "", err
		}
		return row.ID, nil
	}
	err := tx.Order("created_at ASC, id ASC").First(&row).Error
	if err == nil {
		return row.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}
	created, err := insertService(tx, models.FallbackService)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (s *Store) SetStatus(ctx context.Context, entryID, status string, at time.Time) (models.QueueEntry, error) {
	if !models.ValidStatus(status) {
		return models.QueueEntry{}, fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	var entry models.QueueEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row entryRow
		if err := tx.First(&row, "id = ?", entryID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrEntryNotFound
			}
			return err
		}
		entry = row.model()
		entry.Stamp(status, at.UTC())

		updates := map[string]interface{}{"status": status}
		switch status {
		case models.StatusNotified:
			updates["notified_at"] = entry.NotifiedAt
		case models.StatusServed:
			updates["served_at"] = entry.ServedAt
		case models.StatusCanceled:
			updates["canceled_at"] = entry.CanceledAt
		}
		return tx.Model(&entryRow{}).Where("id = ?", entryID).Updates(updates).Error
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) ListQueue(ctx context.Context, input store.ListQueueInput) ([]models.QueueEntry, error) {
	query := s.db.WithContext(ctx).Where("branch_id = ?", input.BranchID)
	if input.ActiveOnly {
		query = query.Where("status NOT IN ?", []string{models.StatusServed, models.StatusCanceled})
	}
	var rows []entryRow
	if err := query.Order("created_at ASC, ticket_number ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]models.QueueEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.model())
	}
	return entries, nil
}

func (r branchRow) model() models.Branch {
	return models.Branch{
		ID:         r.ID,
		Name:       r.Name,
		Code:       r.Code,
		NextTicket: r.NextTicket,
		IsDefault:  r.IsDefault,
		CreatedAt:  r.CreatedAt,
	}
}

func (r serviceRow) model() models.Service {
	return models.Service{ID: r.ID, Name: r.Name, AvgMinutes: r.AvgMinutes, CreatedAt: r.CreatedAt}
}

func (r entryRow) model() models.QueueEntry {
	return models.QueueEntry{
		ID:           r.ID,
		Name:         r.Name,
		Phone:        r.Phone,
		ServiceID:    r.ServiceID,
		BranchID:     r.BranchID,
		TicketNumber: r.TicketNumber,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
		NotifiedAt:   r.NotifiedAt,
		ServedAt:     r.ServedAt,
		CanceledAt:   r.CanceledAt,
	}
}
