// ABOUTME: Read-only commands over the gateway's records
// ABOUTME: transcript prints a conversation log, usage sums recorded assistant tokens

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/atende-gateway/internal/gateway"
	"github.com/2389/atende-gateway/internal/store"
)

func newTranscriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transcript <log-id>",
		Short: "Print a conversation log, reading the archive once purged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			gw, err := gateway.New(cmd.Context(), cfg, setupLogger(cfg.Logging))
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			log, msgs, err := gw.ReadLog(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("reading log %s: %w", args[0], err)
			}
			printTranscript(cmd.OutOrStdout(), log, msgs)
			return nil
		},
	}
}

func printTranscript(w io.Writer, log *store.ConversationLog, msgs []*store.LogMessage) {
	fmt.Fprintf(w, "%s  %s  %s ↔ %s\n", log.ID, log.DepartmentName, log.CustomerPhone, log.EmployeePhone)
	if log.ClosedAt != nil {
		fmt.Fprintf(w, "closed %s (%s)\n", log.ClosedAt.Format(time.RFC3339), log.CloseReason)
	}
	if log.Summary != "" {
		fmt.Fprintf(w, "summary: %s\n", log.Summary)
	}
	for _, m := range msgs {
		author := m.Author
		switch m.Author {
		case store.AuthorCustomer:
			author = color.CyanString(m.Author)
		case store.AuthorEmployee:
			author = color.GreenString(m.Author)
		}
		fmt.Fprintf(w, "%s %s: %s\n", m.CreatedAt.Format("15:04:05"), author, m.Text)
	}
}

func newUsageCmd() *cobra.Command {
	var (
		tenant string
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Sum recorded assistant token usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var filter store.UsageFilter
			if tenant != "" {
				filter.TenantID = &tenant
			}
			if since > 0 {
				from := time.Now().UTC().Add(-since)
				filter.Since = &from
			}

			gw, err := gateway.New(cmd.Context(), cfg, setupLogger(cfg.Logging))
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			stats, err := gw.UsageStats(cmd.Context(), filter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requests=%d input=%d output=%d total=%d\n",
				stats.RequestCount, stats.TotalInput, stats.TotalOutput, stats.TotalTokens)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Only count this tenant")
	cmd.Flags().DurationVar(&since, "since", 0, "Only count usage newer than this (e.g. 24h)")
	return cmd
}
