package main

import (
	"context"
	"errors"
	"fmt"

	"qms/qsystem/internal/viewer"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		server string
		pin    string
	)

	cmd := &cobra.Command{
		Use:   "status ENTRY_ID STATUS",
		Short: "Change a queue entry's status",
		Long:  "Sets a queue entry to waiting, notified, served or canceled. Requires the staff PIN (--pin or QSYS_PIN).",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, server, pin, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&server, "server", envOr("QSYS_SERVER", defaultServer), "queue server base URL")
	cmd.Flags().StringVar(&pin, "pin", "", "staff PIN (defaults to $QSYS_PIN)")
	return cmd
}

func runStatus(cmd *cobra.Command, server, pin, entryID, status string) error {
	if pin == "" {
		pin = envOr("QSYS_PIN", "")
	}
	if pin == "" {
		return errors.New("a staff PIN is required (--pin or QSYS_PIN)")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client := viewer.NewClient(server, nil)
	client.SetPIN(pin)

	entry, err := client.SetStatus(ctx, entryID, status)
	if errors.Is(err, viewer.ErrUnauthorized) {
		return errors.New("PIN rejected")
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ticket #%d %s is now %s\n", entry.TicketNumber, entry.Name, entry.Status)
	return nil
}
