package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notestash/relay/internal/models"
	"github.com/notestash/relay/internal/services"
)

// NewSessionCmd creates the session command group.
func NewSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage chunked uploads of large rich notes",
	}
	cmd.AddCommand(
		newSessionStartCmd(),
		newSessionActionCmd("resume", "Continue a failed session from the chunk that failed"),
		newSessionActionCmd("retry", "Restart a failed session from the first chunk"),
		newSessionCancelCmd(),
		newSessionListCmd(),
	)
	return cmd
}

func newSessionStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <file>",
		Short: "Upload a Markdown or blocks JSON note in chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("to")
			draft, _ := cmd.Flags().GetString("draft")

			content, rich, err := readNoteFile(args[0])
			if err != nil {
				return err
			}
			if !rich {
				return fmt.Errorf("%s is not a rich note; use send for plain text", args[0])
			}

			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			s, err := a.relay.StartSession(ctx, services.StartSessionRequest{
				TargetID: target,
				Payload:  []byte(content),
				DraftID:  draft,
			})
			if err != nil {
				return err
			}
			return waitSession(cmd, a, s.ID)
		},
	}
	cmd.Flags().String("to", "", "target alias or document id")
	cmd.Flags().String("draft", "", "draft id to clear when the upload completes")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newSessionActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			if action == "retry" {
				_, err = a.relay.RetrySession(ctx, args[0])
			} else {
				_, err = a.relay.ResumeSession(ctx, args[0])
			}
			if err != nil {
				return err
			}
			return waitSession(cmd, a, args[0])
		},
	}
}

func newSessionCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session; an upload running elsewhere stops at its next chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.relay.CancelSession(commandContext(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s cancelled\n", args[0])
			return nil
		},
	}
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			sessions, err := a.relay.ListSessions(commandContext(cmd))
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, sessions)
			}
			for _, s := range sessions {
				printSession(cmd, s)
			}
			return nil
		},
	}
}

// waitSession blocks until the upload stops. A CLI process exiting mid-upload
// would leave the session to be recovered as failed on the next start.
func waitSession(cmd *cobra.Command, a *app, id string) error {
	ctx := commandContext(cmd)
	if err := a.sessions.Wait(ctx, id); err != nil {
		return err
	}
	s, err := a.relay.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return writeJSON(cmd, s)
	}
	printSession(cmd, s)
	if s.Status == models.SessionStatusError {
		fmt.Fprintf(cmd.OutOrStdout(), "  run `%s session resume %s` or `%s session retry %s`\n", appName, s.ID, appName, s.ID)
	}
	return nil
}

func printSession(cmd *cobra.Command, s *models.ChunkedSession) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %d/%d -> %s\n", s.ID, s.Status, s.CurrentIndex, s.TotalChunks, s.TargetID)
	if s.LastError != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  last error: %s\n", s.LastError)
	}
}
