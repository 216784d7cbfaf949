package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type scheduleRow struct {
	MailboxID           string    `json:"mailbox_id"`
	Priority            string    `json:"priority"`
	Interval            string    `json:"interval"`
	NextDueAt           time.Time `json:"next_due_at"`
	IdleEnabled         bool      `json:"idle_enabled"`
	IdleSupported       bool      `json:"idle_supported"`
	IdleFailures        int       `json:"idle_failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Quarantined         bool      `json:"quarantined"`
}

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the live schedule table from a running fleet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8089", "Base URL of the fleet's observability surface")
	return cmd
}

func runStatus(cmd *cobra.Command, addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(addr + "/schedule")
	if err != nil {
		return fmt.Errorf("failed to reach fleet observability surface at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fleet observability surface returned status %d", resp.StatusCode)
	}

	var rows []scheduleRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return fmt.Errorf("failed to decode schedule response: %w", err)
	}

	out := cmd.OutOrStdout()
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Mailbox", "Priority", "Interval", "Next Due", "Idle", "Failures", "Quarantined"})

	for _, row := range rows {
		idle := "off"
		switch {
		case row.IdleEnabled && row.IdleSupported:
			idle = "on"
		case row.IdleSupported:
			idle = "disabled"
		}
		table.Append([]string{
			row.MailboxID,
			row.Priority,
			row.Interval,
			row.NextDueAt.Format(time.Kitchen),
			idle,
			fmt.Sprintf("%d", row.ConsecutiveFailures),
			fmt.Sprintf("%t", row.Quarantined),
		})
	}

	table.Render()
	return nil
}
