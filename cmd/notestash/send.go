package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/notestash/relay/internal/services"
)

// NewSendCmd creates the send command.
func NewSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Queue a note for delivery",
		Long:  "Queue a note for delivery. The note is durable once this command returns; use --now to attempt delivery immediately.",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("to")
			file, _ := cmd.Flags().GetString("file")
			snippet, _ := cmd.Flags().GetString("snippet")
			draft, _ := cmd.Flags().GetString("draft")
			now, _ := cmd.Flags().GetBool("now")

			text := strings.Join(args, " ")
			var content string
			var rich bool
			switch {
			case file != "" && text != "":
				return fmt.Errorf("give either text or --file, not both")
			case file != "":
				var err error
				if content, rich, err = readNoteFile(file); err != nil {
					return err
				}
			case strings.TrimSpace(text) != "":
				content = text
			default:
				return fmt.Errorf("nothing to send")
			}

			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			m, err := a.relay.Enqueue(ctx, services.EnqueueRequest{
				TargetID: target,
				Content:  content,
				IsRich:   rich,
				Snippet:  snippet,
				DraftID:  draft,
			})
			if err != nil {
				return err
			}

			left := false
			if now {
				_, ran, err := a.syncNow(ctx)
				if err != nil {
					return err
				}
				left = !ran
				if m, err = a.queue.Get(ctx, m.ID); err != nil {
					return err
				}
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd, m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", m.ID, m.Status, m.TargetID)
			if m.LastError != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  last error: %s\n", m.LastError)
			}
			if left {
				fmt.Fprintln(cmd.OutOrStdout(), "  delivery left to the running relay")
			}
			return nil
		},
	}
	cmd.Flags().String("to", "", "target alias or document id (empty: placeholder)")
	cmd.Flags().StringP("file", "f", "", "read the note from a file (.md and blocks JSON are sent rich)")
	cmd.Flags().String("snippet", "", "history preview text")
	cmd.Flags().String("draft", "", "draft id to clear once queued")
	cmd.Flags().Bool("now", false, "run a delivery pass before returning")
	return cmd
}
