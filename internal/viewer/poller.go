package viewer

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultPollInterval = 20 * time.Second

// Poller reloads the board on a fixed schedule whether or not push updates
// arrive. Schedules shorter than a second run every second.
type Poller struct {
	cron *cron.Cron
}

func StartPoller(board *Board, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		_ = board.Reload(ctx)
	}))
	c.Start()
	return &Poller{cron: c}
}

// Stop waits for a running reload to finish.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
}
