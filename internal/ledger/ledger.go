// Package ledger is the domain layer between the HTTP surface and the store.
// It validates input, resolves branches and reports every successful mutation
// to the change notifier exactly once.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"qms/qsystem/internal/models"
	"qms/qsystem/internal/queueview"
	"qms/qsystem/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ReasonCheckIn        = "entry.created"
	ReasonStatus         = "entry.status"
	ReasonServiceCreated = "service.created"
	ReasonServiceUpdated = "service.updated"
	ReasonServiceDeleted = "service.deleted"
	ReasonBranchCreated  = "branch.created"
)

// Notifier receives one call per successful mutation.
type Notifier interface {
	Notify(reason string)
}

// Alerter is told when a guest has been called.
type Alerter interface {
	Enqueue(entry models.QueueEntry)
}

type Options struct {
	Notifier          Notifier
	Alerter           Alerter
	Logger            *slog.Logger
	Now               func() time.Time
	DefaultBranchName string
}

type Ledger struct {
	store             store.Store
	notifier          Notifier
	alerter           Alerter
	logger            *slog.Logger
	tracer            trace.Tracer
	now               func() time.Time
	defaultBranchName string
}

type CheckInRequest struct {
	Name      string
	Phone     string
	ServiceID string
	Branch    store.BranchRef
}

type nopNotifier struct{}

func (nopNotifier) Notify(string) {}

func New(st store.Store, options Options) *Ledger {
	l := &Ledger{
		store:             st,
		notifier:          options.Notifier,
		alerter:           options.Alerter,
		logger:            options.Logger,
		tracer:            otel.Tracer("qms/qsystem/ledger"),
		now:               options.Now,
		defaultBranchName: strings.TrimSpace(options.DefaultBranchName),
	}
	if l.notifier == nil {
		l.notifier = nopNotifier{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	if l.defaultBranchName == "" {
		l.defaultBranchName = store.DefaultBranchName
	}
	return l
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

// EnsureDefaultBranch resolves or creates the branch used when a request names none.
func (l *Ledger) EnsureDefaultBranch(ctx context.Context) (models.Branch, error) {
	return l.store.EnsureDefaultBranch(ctx, l.defaultBranchName)
}

func (l *Ledger) ResolveBranch(ctx context.Context, ref store.BranchRef) (models.Branch, error) {
	ref.ID = strings.TrimSpace(ref.ID)
	ref.Code = strings.TrimSpace(ref.Code)
	if ref.IsZero() {
		return l.EnsureDefaultBranch(ctx)
	}
	return l.store.ResolveBranch(ctx, ref)
}

func (l *Ledger) ListBranches(ctx context.Context) ([]models.Branch, error) {
	if _, err := l.EnsureDefaultBranch(ctx); err != nil {
		return nil, err
	}
	return l.store.ListBranches(ctx)
}

func (l *Ledger) CreateBranch(ctx context.Context, name string) (models.Branch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Branch{}, fmt.Errorf("%w: branch name is required", store.ErrValidation)
	}
	branch, err := l.store.CreateBranch(ctx, name)
	if err != nil {
		return models.Branch{}, err
	}
	l.logger.Info("branch created", "branch_id", branch.ID, "code", branch.Code)
	l.notifier.Notify(ReasonBranchCreated)
	return branch, nil
}

func (l *Ledger) CheckIn(ctx context.Context, req CheckInRequest) (entry models.QueueEntry, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.CheckIn")
	defer func() { endSpan(span, err) }()

	name := strings.TrimSpace(req.Name)
	phone := strings.TrimSpace(req.Phone)
	if name == "" || phone == "" {
		return models.QueueEntry{}, fmt.Errorf("%w: name and phone are required", store.ErrValidation)
	}

	branch, err := l.ResolveBranch(ctx, req.Branch)
	if err != nil {
		return models.QueueEntry{}, err
	}
	span.SetAttributes(attribute.String("branch.id", branch.ID))

	entry, err = l.store.CheckIn(ctx, store.CheckInInput{
		Name:      name,
		Phone:     phone,
		ServiceID: strings.TrimSpace(req.ServiceID),
		BranchID:  branch.ID,
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	span.SetAttributes(attribute.Int64("ticket.number", entry.TicketNumber))
	l.logger.Info("guest checked in", "entry_id", entry.ID, "branch_id", branch.ID, "ticket", entry.TicketNumber)
	l.notifier.Notify(ReasonCheckIn)
	return entry, nil
}

func (l *Ledger) SetStatus(ctx context.Context, entryID, status string) (entry models.QueueEntry, err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.SetStatus", trace.WithAttributes(
		attribute.String("entry.id", entryID),
		attribute.String("entry.status", status),
	))
	defer func() { endSpan(span, err) }()

	status = strings.TrimSpace(status)
	if !models.ValidStatus(status) {
		return models.QueueEntry{}, fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	entry, err = l.store.SetStatus(ctx, strings.TrimSpace(entryID), status, l.now())
	if err != nil {
		return models.QueueEntry{}, err
	}
	l.logger.Info("status updated", "entry_id", entry.ID, "status", status)
	l.notifier.Notify(ReasonStatus)
	if status == models.StatusNotified && l.alerter != nil {
		l.alerter.Enqueue(entry)
	}
	return entry, nil
}

func (l *Ledger) ListQueue(ctx context.Context, ref store.BranchRef, activeOnly bool) ([]models.QueueEntry, error) {
	branch, err := l.ResolveBranch(ctx, ref)
	if err != nil {
		return nil, err
	}
	return l.store.ListQueue(ctx, store.ListQueueInput{BranchID: branch.ID, ActiveOnly: activeOnly})
}

// View computes positions and wait estimates for the branch's queue.
func (l *Ledger) View(ctx context.Context, ref store.BranchRef) (queueview.View, error) {
	branch, err := l.ResolveBranch(ctx, ref)
	if err != nil {
		return queueview.View{}, err
	}
	entries, err := l.store.ListQueue(ctx, store.ListQueueInput{BranchID: branch.ID})
	if err != nil {
		return queueview.View{}, err
	}
	services, err := l.store.ListServices(ctx)
	if err != nil {
		return queueview.View{}, err
	}
	return queueview.Compute(entries, services), nil
}

func (l *Ledger) ListServices(ctx context.Context) ([]models.Service, error) {
	return l.store.ListServices(ctx)
}

func (l *Ledger) CreateService(ctx context.Context, name string, avgMinutes float64) (models.Service, error) {
	service, err := normalizeService(name, avgMinutes)
	if err != nil {
		return models.Service{}, err
	}
	created, err := l.store.CreateService(ctx, service)
	if err != nil {
		return models.Service{}, err
	}
	l.notifier.Notify(ReasonServiceCreated)
	return created, nil
}

func (l *Ledger) UpdateService(ctx context.Context, id, name string, avgMinutes float64) (models.Service, error) {
	service, err := normalizeService(name, avgMinutes)
	if err != nil {
		return models.Service{}, err
	}
	service.ID = strings.TrimSpace(id)
	updated, err := l.store.UpdateService(ctx, service)
	if err != nil {
		return models.Service{}, err
	}
	l.notifier.Notify(ReasonServiceUpdated)
	return updated, nil
}

func (l *Ledger) DeleteService(ctx context.Context, id string) error {
	if err := l.store.DeleteService(ctx, strings.TrimSpace(id)); err != nil {
		return err
	}
	l.notifier.Notify(ReasonServiceDeleted)
	return nil
}

// SeedCatalog fills an empty catalog. It is a bootstrap step and does not notify.
func (l *Ledger) SeedCatalog(ctx context.Context, services []models.Service) (int, error) {
	normalized := make([]models.Service, 0, len(services))
	for _, service := range services {
		s, err := normalizeService(service.Name, float64(service.AvgMinutes))
		if err != nil {
			return 0, fmt.Errorf("seed service %q: %w", service.Name, err)
		}
		normalized = append(normalized, s)
	}
	return l.store.SeedServices(ctx, normalized)
}

func normalizeService(name string, avgMinutes float64) (models.Service, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Service{}, fmt.Errorf("%w: service name is required", store.ErrValidation)
	}
	if math.IsNaN(avgMinutes) || math.IsInf(avgMinutes, 0) || avgMinutes <= 0 {
		return models.Service{}, fmt.Errorf("%w: avgMinutes must be a positive number", store.ErrValidation)
	}
	minutes := int(math.Round(avgMinutes))
	if minutes < 1 {
		minutes = 1
	}
	return models.Service{Name: name, AvgMinutes: minutes}, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
