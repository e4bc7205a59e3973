package viewer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"qms/qsystem/internal/queueview"

	"golang.org/x/sync/singleflight"
)

type Snapshot struct {
	View     queueview.View
	LoadedAt time.Time
	// Err is the most recent reload failure. View still holds the last
	// good state when it is set.
	Err error
}

type BoardOptions struct {
	Branch   string
	OnUpdate func(Snapshot)
	Logger   *slog.Logger
	Now      func() time.Time
}

// Board caches the latest queue view for one branch. Concurrent reloads
// share one request.
type Board struct {
	client   *Client
	branch   string
	onUpdate func(Snapshot)
	logger   *slog.Logger
	now      func() time.Time
	group    singleflight.Group

	mu       sync.RWMutex
	snapshot Snapshot
}

func NewBoard(client *Client, options BoardOptions) *Board {
	b := &Board{
		client:   client,
		branch:   options.Branch,
		onUpdate: options.OnUpdate,
		logger:   options.Logger,
		now:      options.Now,
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

func (b *Board) Reload(ctx context.Context) error {
	_, err, _ := b.group.Do("reload", func() (interface{}, error) {
		view, err := b.client.FetchView(ctx, b.branch)

		b.mu.Lock()
		if err != nil {
			b.snapshot.Err = err
		} else {
			b.snapshot = Snapshot{View: view, LoadedAt: b.now()}
		}
		snapshot := b.snapshot
		b.mu.Unlock()

		if err != nil {
			b.logger.Warn("reload failed, keeping last view", "error", err)
		}
		if b.onUpdate != nil {
			b.onUpdate(snapshot)
		}
		return nil, err
	})
	return err
}

func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}
