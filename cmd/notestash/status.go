package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/notestash/relay/internal/models"
	"github.com/notestash/relay/internal/services"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show undelivered notes and upload sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			st, err := a.relay.Status(ctx, true)
			if err != nil {
				return err
			}
			sessions, err := a.relay.ListSessions(ctx, models.SessionStatusPreparing, models.SessionStatusUploading, models.SessionStatusError)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd, map[string]interface{}{
					"status":   st,
					"sessions": sessions,
				})
			}
			printStatus(cmd.OutOrStdout(), st, sessions, time.Now())
			return nil
		},
	}
}

func printStatus(out io.Writer, st *services.Status, sessions []*models.ChunkedSession, now time.Time) {
	fmt.Fprintf(out, "Queue: %d undelivered (%d pending, %d failed, %d parked), %d delivered\n",
		len(st.Messages), st.Queue["pending"]+st.Queue["syncing"], st.Queue["failed"], st.Queue["parked"], st.Queue["synced"])

	if len(st.Messages) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTARGET\tSTATUS\tATTEMPTS\tSIZE\tNEXT ATTEMPT\tLAST ERROR")
		for _, m := range st.Messages {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				m.ID, m.TargetID, m.Status, m.Attempts,
				humanize.Bytes(uint64(len(m.Content))),
				nextAttempt(m, now),
				models.Truncate(m.LastError, 60))
		}
		tw.Flush()
	}

	if len(sessions) > 0 {
		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tTARGET\tSTATUS\tPROGRESS\tSIZE\tUPDATED\tLAST ERROR")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
				s.ID, s.TargetID, s.Status, s.CurrentIndex, s.TotalChunks,
				humanize.Bytes(uint64(len(s.Payload))),
				humanize.RelTime(s.UpdatedAt, now, "ago", "from now"),
				models.Truncate(s.LastError, 60))
		}
		tw.Flush()
	}

	if t := st.Telemetry; t != nil && t.Enabled {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Telemetry: delivered %d, failed %d, chunks sent %d\n", t.Delivered, t.Failed, t.ChunksSent)
		names := make([]string, 0, len(t.Metrics))
		for name := range t.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %s %d\n", name, t.Metrics[name])
		}
	}
}

func nextAttempt(m *models.QueuedMessage, now time.Time) string {
	switch {
	case m.Parked():
		return "never (retries exhausted)"
	case models.IsPlaceholderTarget(m.TargetID):
		return "waiting for a target"
	case !m.NextAttemptAt.After(now):
		return "now"
	default:
		return humanize.RelTime(m.NextAttemptAt, now, "ago", "from now")
	}
}
