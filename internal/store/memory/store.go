// Package memory keeps the queue in process memory. It has no transactional
// engine, so a check-in holds the store mutex from service lookup until the
// entry is stored.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"qms/qsystem/internal/models"
	"qms/qsystem/internal/store"

	"github.com/google/uuid"
)

type Options struct {
	CodeAttempts      int
	Codes             store.CodeGenerator
	DefaultBranchName string
	// Now stamps new records. Defaults to the UTC wall clock.
	Now func() time.Time
}

type Store struct {
	mu            sync.RWMutex
	branches      map[string]*models.Branch
	branchOrder   []string
	defaultBranch string
	services      map[string]models.Service
	serviceOrder  []string
	entries       map[string]models.QueueEntry

	// lastCheckIn holds the newest entry timestamp per branch.
	lastCheckIn map[string]time.Time

	codeAttempts      int
	codes             store.CodeGenerator
	defaultBranchName string
	now               func() time.Time
}

func NewStore(options Options) *Store {
	s := &Store{
		branches:          make(map[string]*models.Branch),
		services:          make(map[string]models.Service),
		entries:           make(map[string]models.QueueEntry),
		lastCheckIn:       make(map[string]time.Time),
		codeAttempts:      options.CodeAttempts,
		codes:             options.Codes,
		defaultBranchName: strings.TrimSpace(options.DefaultBranchName),
		now:               options.Now,
	}
	if s.defaultBranchName == "" {
		s.defaultBranchName = store.DefaultBranchName
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) ResolveBranch(ctx context.Context, ref store.BranchRef) (models.Branch, error) {
	if ref.IsZero() {
		return s.EnsureDefaultBranch(ctx, "")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ref.ID != "" {
		branch, ok := s.branches[ref.ID]
		if !ok {
			return models.Branch{}, store.ErrBranchNotFound
		}
		return *branch, nil
	}
	code := store.NormalizeCode(ref.Code)
	for _, id := range s.branchOrder {
		if s.branches[id].Code == code {
			return *s.branches[id], nil
		}
	}
	return models.Branch{}, store.ErrBranchNotFound
}

func (s *Store) EnsureDefaultBranch(ctx context.Context, name string) (models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.defaultBranch != "" {
		return *s.branches[s.defaultBranch], nil
	}
	if strings.TrimSpace(name) == "" {
		name = s.defaultBranchName
	}
	branch, err := s.insertBranchLocked(ctx, name, true)
	if err != nil {
		return models.Branch{}, err
	}
	s.defaultBranch = branch.ID
	return branch, nil
}

func (s *Store) CreateBranch(ctx context.Context, name string) (models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertBranchLocked(ctx, name, false)
}

func (s *Store) insertBranchLocked(ctx context.Context, name string, isDefault bool) (models.Branch, error) {
	var branch models.Branch
	_, err := store.AllocateCode(ctx, s.codeAttempts, s.codes, func(code string) (bool, error) {
		for _, existing := range s.branches {
			if existing.Code == code {
				return false, nil
			}
		}
		branch = models.Branch{
			ID:        uuid.NewString(),
			Name:      name,
			Code:      code,
			IsDefault: isDefault,
			CreatedAt: s.now(),
		}
		s.branches[branch.ID] = &branch
		s.branchOrder = append(s.branchOrder, branch.ID)
		return true, nil
	})
	if err != nil {
		return models.Branch{}, err
	}
	return branch, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]models.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branches := make([]models.Branch, 0, len(s.branchOrder))
	for _, id := range s.branchOrder {
		branches = append(branches, *s.branches[id])
	}
	return branches, nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	services := make([]models.Service, 0, len(s.services))
	for _, id := range s.serviceOrder {
		services = append(services, s.services[id])
	}
	sort.SliceStable(services, func(i, j int) bool {
		return services[i].Name < services[j].Name
	})
	return services, nil
}

func (s *Store) CreateService(ctx context.Context, service models.Service) (models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertServiceLocked(service), nil
}

func (s *Store) insertServiceLocked(service models.Service) models.Service {
	service.ID = uuid.NewString()
	service.CreatedAt = s.now()
	s.services[service.ID] = service
	s.serviceOrder = append(s.serviceOrder, service.ID)
	return service
}

func (s *Store) UpdateService(ctx context.Context, service models.Service) (models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.services[service.ID]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	existing.Name = service.Name
	existing.AvgMinutes = service.AvgMinutes
	s.services[service.ID] = existing
	return existing, nil
}

func (s *Store) DeleteService(ctx context.Context, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[serviceID]; !ok {
		return store.ErrServiceNotFound
	}
	for _, entry := range s.entries {
		if entry.ServiceID == serviceID {
			return store.ErrServiceInUse
		}
	}
	delete(s.services, serviceID)
	for i, id := range s.serviceOrder {
		if id == serviceID {
			s.serviceOrder = append(s.serviceOrder[:i], s.serviceOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) SeedServices(ctx context.Context, services []models.Service) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.services) > 0 {
		return 0, nil
	}
	for _, service := range services {
		s.insertServiceLocked(service)
	}
	return len(services), nil
}

func (s *Store) CheckIn(ctx context.Context, input store.CheckInInput) (models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.QueueEntry{}, err
	}

	// Catalog deletes also take s.mu, so the resolved service cannot vanish
	// before the entry referencing it is stored.
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, ok := s.branches[input.BranchID]
	if !ok {
		return models.QueueEntry{}, store.ErrBranchNotFound
	}
	serviceID, err := s.resolveServiceLocked(input.ServiceID)
	if err != nil {
		return models.QueueEntry{}, err
	}

	branch.NextTicket++
	createdAt := s.now()
	if last := s.lastCheckIn[branch.ID]; createdAt.Before(last) {
		createdAt = last
	}
	s.lastCheckIn[branch.ID] = createdAt

	entry := models.QueueEntry{
		ID:           uuid.NewString(),
		Name:         input.Name,
		Phone:        input.Phone,
		ServiceID:    serviceID,
		BranchID:     branch.ID,
		TicketNumber: branch.NextTicket,
		Status:       models.StatusWaiting,
		CreatedAt:    createdAt,
	}
	s.entries[entry.ID] = entry
	return entry, nil
}

func (s *Store) resolveServiceLocked(serviceID string) (string, error) {
	if serviceID != "" {
		if _, ok := s.services[serviceID]; !ok {
			return "", store.ErrServiceNotFound
		}
		return serviceID, nil
	}
	if len(s.serviceOrder) == 0 {
		return s.insertServiceLocked(models.FallbackService).ID, nil
	}
	earliest := s.services[s.serviceOrder[0]]
	for _, id := range s.serviceOrder[1:] {
		if s.services[id].CreatedAt.Before(earliest.CreatedAt) {
			earliest = s.services[id]
		}
	}
	return earliest.ID, nil
}

func (s *Store) SetStatus(ctx context.Context, entryID, status string, at time.Time) (models.QueueEntry, error) {
	if !models.ValidStatus(status) {
		return models.QueueEntry{}, fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	entry.Stamp(status, at)
	s.entries[entryID] = entry
	return entry, nil
}

func (s *Store) ListQueue(ctx context.Context, input store.ListQueueInput) ([]models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]models.QueueEntry, 0)
	for _, entry := range s.entries {
		if entry.BranchID != input.BranchID {
			continue
		}
		if input.ActiveOnly && !entry.IsActive() {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].TicketNumber < entries[j].TicketNumber
	})
	return entries, nil
}
