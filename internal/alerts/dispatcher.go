// Package alerts tells guests their ticket is being called. Delivery runs on a
// background worker and never blocks or fails a status change.
package alerts

import (
	"context"
	"expvar"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"qms/qsystem/internal/models"

	"github.com/cenkalti/backoff/v5"
)

const queueSize = 64

var (
	alertsSent    = expvar.NewInt("alerts_sent_total")
	alertsFailed  = expvar.NewInt("alerts_failed_total")
	alertsDropped = expvar.NewInt("alerts_dropped_total")
)

type Options struct {
	Template    string
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *slog.Logger
}

type Dispatcher struct {
	provider    Provider
	template    string
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger

	queue    chan models.QueueEntry
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(provider Provider, options Options) *Dispatcher {
	maxAttempts := options.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := options.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	template := options.Template
	if template == "" {
		template = "Ticket {ticket_number} is now being called."
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		provider:    provider,
		template:    template,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
		queue:       make(chan models.QueueEntry, queueSize),
		done:        make(chan struct{}),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.done:
				return
			case entry := <-d.queue:
				d.deliver(ctx, entry)
			}
		}
	}()
}

// Enqueue hands entry to the worker. When the queue is full the alert is
// dropped.
func (d *Dispatcher) Enqueue(entry models.QueueEntry) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.queue <- entry:
	default:
		alertsDropped.Add(1)
		d.logger.Warn("alert queue full, dropping alert", "entry_id", entry.ID)
	}
}

// Stop ends the worker and waits for an in-flight delivery, bounded by ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.done) })
	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, entry models.QueueEntry) {
	message := renderTemplate(d.template, entry)
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, d.provider.Send(ctx, message, entry.Phone)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(d.retryDelay)),
		backoff.WithMaxTries(uint(d.maxAttempts)),
	)
	if err != nil {
		alertsFailed.Add(1)
		d.logger.Error("alert delivery failed", "entry_id", entry.ID, "attempts", attempt, "error", err)
		return
	}
	alertsSent.Add(1)
	d.logger.Debug("alert delivered", "entry_id", entry.ID, "attempts", attempt)
}

func renderTemplate(template string, entry models.QueueEntry) string {
	return strings.NewReplacer(
		"{name}", entry.Name,
		"{ticket_number}", strconv.FormatInt(entry.TicketNumber, 10),
		"{phone}", entry.Phone,
	).Replace(template)
}
