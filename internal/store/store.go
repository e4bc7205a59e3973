package store

import (
	"context"
	"time"

	"qms/qsystem/internal/models"
)

// DefaultBranchName names the default branch when the caller supplies none.
const DefaultBranchName = "Main"

// BranchRef selects a branch by id or short code. The zero value selects the
// default branch.
type BranchRef struct {
	ID   string
	Code string
}

func (r BranchRef) IsZero() bool {
	return r.ID == "" && r.Code == ""
}

type CheckInInput struct {
	Name      string
	Phone     string
	ServiceID string
	BranchID  string
}

type ListQueueInput struct {
	BranchID   string
	ActiveOnly bool
}

type BranchStore interface {
	ResolveBranch(ctx context.Context, ref BranchRef) (models.Branch, error)
	// EnsureDefaultBranch returns the default branch, creating it on first use.
	EnsureDefaultBranch(ctx context.Context, name string) (models.Branch, error)
	CreateBranch(ctx context.Context, name string) (models.Branch, error)
	ListBranches(ctx context.Context) ([]models.Branch, error)
}

type CatalogStore interface {
	ListServices(ctx context.Context) ([]models.Service, error)
	CreateService(ctx context.Context, service models.Service) (models.Service, error)
	UpdateService(ctx context.Context, service models.Service) (models.Service, error)
	DeleteService(ctx context.Context, serviceID string) error
	// SeedServices inserts the given services only when the catalog is empty.
	SeedServices(ctx context.Context, services []models.Service) (int, error)
}

type LedgerStore interface {
	// CheckIn allocates the branch's next ticket number and inserts the entry
	// in one atomic unit. The entry's CreatedAt is stamped inside that unit and
	// never precedes an earlier ticket's. An empty ServiceID falls back to the
	// earliest created service.
	CheckIn(ctx context.Context, input CheckInInput) (models.QueueEntry, error)
	SetStatus(ctx context.Context, entryID, status string, at time.Time) (models.QueueEntry, error)
	ListQueue(ctx context.Context, input ListQueueInput) ([]models.QueueEntry, error)
}

type Store interface {
	BranchStore
	CatalogStore
	LedgerStore
	Ping(ctx context.Context) error
	Close() error
}
