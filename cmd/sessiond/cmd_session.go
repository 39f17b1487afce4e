package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/sessiond/internal/state"
	"github.com/user/sessiond/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionArchiveCmd, sessionRestoreCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)
		events := state.NewEventStore(cfg.DataDir)

		ctx := context.Background()
		list, err := sessions.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tREPO\tSTATUS\tEVENTS\tCREATED")
		for _, s := range list {
			count, err := events.Count(ctx, s.ID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s/%s\t%s\t%d\t%s\n",
				s.ID,
				s.RepoOwner, s.RepoName,
				s.Status,
				count,
				s.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSessionStatus(types.SessionID(args[0]), types.SessionArchived)
	},
}

var sessionRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore an archived session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSessionStatus(types.SessionID(args[0]), types.SessionActive)
	},
}

func setSessionStatus(id types.SessionID, status types.SessionStatus) error {
	cfg := loadConfig()
	sessions := state.NewSessionStore(cfg.DataDir)

	ctx := context.Background()
	sess, err := sessions.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess.Status == status {
		fmt.Printf("Session %s is already %s.\n", id, status)
		return nil
	}
	sess.Status = status
	if err := sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	fmt.Printf("Session %s is now %s.\n", id, status)
	return nil
}
