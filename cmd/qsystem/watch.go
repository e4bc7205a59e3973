package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"qms/qsystem/internal/queueview"
	"qms/qsystem/internal/viewer"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:3000"

func newWatchCmd() *cobra.Command {
	var (
		server   string
		branch   string
		interval time.Duration
		once     bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show the live queue board",
		Long:  "Shows the queue board for a branch and refreshes it on every push update and on a fixed poll interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, server, branch, interval, once)
		},
	}

	cmd.Flags().StringVar(&server, "server", envOr("QSYS_SERVER", defaultServer), "queue server base URL")
	cmd.Flags().StringVar(&branch, "branch", "", "branch code (default branch when empty)")
	cmd.Flags().DurationVar(&interval, "interval", viewer.DefaultPollInterval, "poll interval")
	cmd.Flags().BoolVar(&once, "once", false, "print the board once and exit")
	return cmd
}

func runWatch(cmd *cobra.Command, server, branch string, interval time.Duration, once bool) error {
	out := cmd.OutOrStdout()
	client := viewer.NewClient(server, nil)
	board := viewer.NewBoard(client, viewer.BoardOptions{
		Branch: branch,
		OnUpdate: func(snapshot viewer.Snapshot) {
			if !once {
				// Clear screen.
				fmt.Fprint(out, "\033[2J\033[H")
			}
			printBoard(out, snapshot)
		},
	})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if once {
		return board.Reload(ctx)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller := viewer.StartPoller(board, interval)
	defer poller.Stop()

	listener := viewer.NewListener(client.WebSocketURL(), func(ctx context.Context) {
		_ = board.Reload(ctx)
	}, viewer.ListenerOptions{})
	go func() { _ = listener.Run(ctx) }()

	_ = board.Reload(ctx)
	<-ctx.Done()
	return nil
}

func printBoard(out io.Writer, snapshot viewer.Snapshot) {
	view := snapshot.View
	names := make(map[string]string, len(view.Services))
	for _, service := range view.Services {
		names[service.ID] = service.Name
	}

	if snapshot.Err != nil {
		fmt.Fprintf(out, "! refresh failed: %v\n", snapshot.Err)
	}
	fmt.Fprintf(out, "Now serving: %s\n", describe(view.NowServing))
	fmt.Fprintf(out, "Next up:     %s\n", describe(view.NextUp))
	fmt.Fprintf(out, "Waiting: %d  Total wait: %dm  Avg service: %dm\n\n", view.ActiveCount, view.TotalWaitMinutes, view.AvgServiceMinutes)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tTICKET\tNAME\tSERVICE\tSTATUS\tETA")
	for _, p := range view.Entries {
		fmt.Fprintf(w, "%d\t#%d\t%s\t%s\t%s\t%dm\n", p.Position, p.TicketNumber, p.Name, names[p.ServiceID], p.Status, p.ETAMinutes)
	}
	w.Flush()

	if !snapshot.LoadedAt.IsZero() {
		fmt.Fprintf(out, "\nUpdated %s\n", snapshot.LoadedAt.Local().Format(time.TimeOnly))
	}
}

func describe(p *queueview.Position) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("#%d %s", p.TicketNumber, p.Name)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
