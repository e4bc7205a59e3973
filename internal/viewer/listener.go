package viewer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

const messageDataUpdated = "data.updated"

type ListenerOptions struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
}

// Listener holds a push connection open and calls onUpdate for every
// data.updated message and after every successful (re)connect. Dropped
// connections are retried with capped exponential backoff.
type Listener struct {
	url      string
	onUpdate func(ctx context.Context)
	dialer   *websocket.Dialer
	backoff  *backoff.ExponentialBackOff
	logger   *slog.Logger
}

func NewListener(url string, onUpdate func(ctx context.Context), options ListenerOptions) *Listener {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = options.InitialDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.MaxInterval = options.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = 30 * time.Second
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{url: url, onUpdate: onUpdate, dialer: dialer, backoff: b, logger: logger}
}

// Run blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	for {
		conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
		if err == nil {
			l.backoff.Reset()
			l.logger.Debug("push connected", "url", l.url)
			l.onUpdate(ctx)
			err = l.read(ctx, conn)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := l.backoff.NextBackOff()
		l.logger.Debug("push disconnected, retrying", "error", err, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Listener) read(ctx context.Context, conn *websocket.Conn) error {
	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-closed:
		}
	}()
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == messageDataUpdated {
			l.onUpdate(ctx)
		}
	}
}
