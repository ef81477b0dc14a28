package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ask-cli/ask/api"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List your conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sessions, err := a.client.AllSessions(cmd.Context(), api.ListOptions{
				IDs:    a.ids.GuestSessions(),
				Tokens: a.ids.GuestTokens(),
			})
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions yet.")
				return nil
			}

			width := 80
			if is_interactive(os.Stdout.Fd()) {
				if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					width = w
				}
			}

			for _, s := range sessions {
				slug := a.ids.SlugFor(s.ID)
				when := time.Unix(int64(s.UpdatedAt), 0).Format("2006-01-02 15:04")
				title := s.Title
				if title == "" {
					title = "(untitled)"
				}
				shared := ""
				if s.IsPublic {
					shared = " [shared]"
				}
				line := fmt.Sprintf("%s  %-30s %s%s", when, slug, title, shared)
				if len(line) > width {
					line = line[:width]
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <session>",
		Short: "Print a conversation transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			eng := a.newEngine(cmd)
			if err := eng.LoadSession(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("load session %q: %w", args[0], err)
			}

			msgs := eng.Messages()
			if len(msgs) == 0 {
				fmt.Println("Session is empty.")
				return nil
			}

			if is_interactive(os.Stdout.Fd()) {
				width := 80
				if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					width = w - 2
				}
				fmt.Print(formatTranscript(msgs, true, width, 0, ""))
			} else {
				fmt.Print(formatPlainTranscript(msgs))
			}
			return nil
		},
	}
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session> <title>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id := a.ids.Resolve(args[0])
			title := strings.Join(args[1:], " ")
			if err := a.client.RenameSession(cmd.Context(), id, title); err != nil {
				return err
			}
			fmt.Printf("Renamed %s to %q\n", args[0], title)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id := a.ids.Resolve(args[0])
			if err := a.client.DeleteSession(cmd.Context(), id, a.ids.GuestToken(id)); err != nil {
				return err
			}
			fmt.Println("Deleted", args[0])
			return nil
		},
	}
}

func newShareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share <session>",
		Short: "Make a conversation public and print its link",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return toggleShare(cmd, args[0], true) },
	}
}

func newUnshareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unshare <session>",
		Short: "Make a conversation private again",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return toggleShare(cmd, args[0], false) },
	}
}

func toggleShare(cmd *cobra.Command, slugOrID string, public bool) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	eng := a.newEngine(cmd)
	if err := eng.LoadSession(cmd.Context(), slugOrID); err != nil {
		return fmt.Errorf("load session %q: %w", slugOrID, err)
	}

	if public {
		st, err := eng.EnableSharing(cmd.Context())
		if err != nil {
			return err
		}
		if st != nil && st.ShareURL != "" {
			fmt.Println(st.ShareURL)
		} else {
			fmt.Println("Session is now public.")
		}
		return nil
	}

	if _, err := eng.DisableSharing(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Session is now private.")
	return nil
}
