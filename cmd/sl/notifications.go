package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/stageline/internal/notify"
)

func newNotificationsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif"},
		Short:   "List and acknowledge notifications",
	}

	cmd.AddCommand(newNotificationsListCmd(g))
	cmd.AddCommand(newNotificationsReadCmd(g))
	cmd.AddCommand(newNotificationsDismissCmd(g))
	return cmd
}

func newNotificationsListCmd(g *globals) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ws, err := a.EnsureWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			list, err := a.Notifications.List(cmd.Context(), notify.ListFilter{WorkspaceID: ws.ID, Status: status, Limit: limit})
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(list))
			for _, n := range list {
				rows = append(rows, []string{n.ID, n.Type, n.Priority, n.Status, n.Title, ago(n.CreatedAt)})
			}
			return g.printList(cmd, list, []string{"ID", "TYPE", "PRIORITY", "STATUS", "TITLE", "CREATED"}, rows)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status: unread, read or dismissed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of notifications")
	return cmd
}

func newNotificationsReadCmd(g *globals) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "read [notification-id]",
		Short: "Mark a notification, or all of them, read",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give either a notification id or --all")
			}
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if all {
				ws, err := a.EnsureWorkspace(cmd.Context())
				if err != nil {
					return err
				}
				n, err := a.Notifications.MarkAllRead(cmd.Context(), ws.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Marked %d notification(s) read\n", n)
				return nil
			}
			n, err := a.Notifications.MarkRead(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Notification %s is %s\n", n.ID, n.Status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "mark every unread notification read")
	return cmd
}

func newNotificationsDismissCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <notification-id>",
		Short: "Dismiss a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.Notifications.Dismiss(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Notification %s is %s\n", n.ID, n.Status)
			return nil
		},
	}
}
