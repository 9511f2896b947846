package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/notestash/relay/internal/db"
)

// NewSyncCmd creates the sync command.
func NewSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [target]",
		Short: "Run a delivery pass now; with a target, make its notes due first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			if len(args) == 1 {
				if _, err := a.relay.SyncAllFor(ctx, args[0]); err != nil {
					return err
				}
			}
			result, ran, err := a.syncNow(ctx)
			if err != nil {
				return err
			}
			if !ran {
				if jsonOutput(cmd) {
					return writeJSON(cmd, map[string]bool{"left_to_owner": true})
				}
				fmt.Fprintln(cmd.OutOrStdout(), "another notestash process owns this data directory; delivery left to it")
				return nil
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %d, failed %d, deferred %d, remaining %d\n",
				result.Delivered, result.Failed, result.Deferred, result.Remaining)
			if result.HasNext {
				fmt.Fprintf(cmd.OutOrStdout(), "next attempt %s\n", humanize.Time(result.EndTime.Add(result.NextDelay)))
			}
			return nil
		},
	}
}

// NewBindCmd creates the bind command.
func NewBindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bind <placeholder> <target>",
		Short: "Move notes queued without a real target to one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			n, err := a.relay.BindTarget(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "moved %d notes to %s\n", n, args[1])
			if n == 0 {
				return nil
			}
			// No scheduler loop runs outside serve.
			_, _, err = a.syncNow(ctx)
			return err
		},
	}
}

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently sent notes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.relay.History(commandContext(cmd), limit)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tTARGET\tSTATUS\tTEXT\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", humanize.Time(e.CreatedAt), e.TargetID, e.Status, e.Text, e.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of entries")
	return cmd
}

// NewPurgeCmd creates the purge command.
func NewPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove delivered notes from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.relay.RemoveSynced(commandContext(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d delivered notes\n", n)
			return nil
		},
	}
}

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down|version|verify]",
		Short:     "Manage the database schema",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "version", "verify"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			lock, err := lockDataDir(commandContext(cmd), cfg.DataDir, true)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			database, err := db.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer database.Close()

			m := db.NewMigrator(database.DB, db.Migrations())
			if err := m.Initialize(); err != nil {
				return err
			}

			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			switch action {
			case "up":
				err = m.Up()
			case "down":
				err = m.Down()
			case "verify":
				err = m.Verify()
			case "version":
			default:
				return fmt.Errorf("unknown migrate action %q", action)
			}
			if err != nil {
				return err
			}

			version, err := m.CurrentVersion()
			if err != nil {
				return err
			}
			pending, err := m.Pending()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%d pending)\n", version, len(pending))
			return nil
		},
	}
	return cmd
}

// NewStatsCmd creates the stats command.
func NewStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <target>",
		Short: "Ask the hub to refresh a document's liveness stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.relay.UpdateStats(commandContext(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stats updated for %s\n", args[0])
			return nil
		},
	}
}

// NewPingCmd creates the ping command.
func NewPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the hub answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.relay.Ping(commandContext(cmd)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "hub reachable")
			return nil
		},
	}
}
