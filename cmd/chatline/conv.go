package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatline/internal/logstore"
	"github.com/zulandar/chatline/internal/models"
)

func newConvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conv",
		Short: "Conversation management commands",
	}

	cmd.AddCommand(newConvListCmd())
	cmd.AddCommand(newConvShowCmd())
	cmd.AddCommand(newConvRenameCmd())
	cmd.AddCommand(newConvStarCmd(true))
	cmd.AddCommand(newConvStarCmd(false))
	cmd.AddCommand(newConvDeleteCmd())
	cmd.AddCommand(newConvDeleteMessageCmd())
	return cmd
}

// withApp opens the store stack for a single command.
func withApp(configPath string, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func newConvListCmd() *cobra.Command {
	var (
		configPath string
		starred    bool
		query      string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				var (
					convs []models.Conversation
					err   error
				)
				switch {
				case query != "":
					convs, err = a.store.Search(ctx, a.cfg.Owner, query)
				case starred:
					convs, err = a.store.Starred(ctx, a.cfg.Owner)
				default:
					convs, err = a.store.ListConversations(ctx, a.cfg.Owner)
				}
				if err != nil {
					return err
				}
				printConversations(cmd.OutOrStdout(), convs, "")
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatline config file")
	cmd.Flags().BoolVar(&starred, "starred", false, "only starred conversations")
	cmd.Flags().StringVarP(&query, "search", "s", "", "filter by title or last message")
	return cmd
}

func printConversations(out io.Writer, convs []models.Conversation, active string) {
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTAR\tUPDATED\tLAST MESSAGE")
	for _, c := range convs {
		star := ""
		if c.Starred {
			star = "*"
		}
		id := c.ID
		if id == active {
			id += " (active)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			id, truncate(c.Title, 40), star, c.UpdatedAt.Local().Format("2006-01-02 15:04"), truncate(oneLine(c.LastMessage), 50))
	}
	w.Flush()
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max-3]) + "..."
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func newConvShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				id, err := a.resolveConversation(ctx, args[0])
				if err != nil {
					return err
				}
				return printHistory(ctx, a, id, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatline config file")
	return cmd
}

func newConvRenameCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				id, err := a.resolveConversation(ctx, args[0])
				if err != nil {
					return err
				}
				title := strings.TrimSpace(strings.Join(args[1:], " "))
				if title == "" {
					return fmt.Errorf("title must not be blank")
				}
				if err := a.store.PatchConversation(ctx, id, logstore.ConversationPatch{Title: &title}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", id, title)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatline config file")
	return cmd
}

func newConvStarCmd(star bool) *cobra.Command {
	var configPath string

	use, verb := "star", "Starred"
	if !star {
		use, verb = "unstar", "Unstarred"
	}
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				id, err := a.resolveConversation(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.store.PatchConversation(ctx, id, logstore.ConversationPatch{Starred: logstore.Bool(star)}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatline config file")
	return cmd
}

func newConvDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				id, err := a.resolveConversation(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.store.DeleteConversation(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatline config file")
	return cmd
}

func newConvDeleteMessageCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete-message <conversation-id> <message-id>",
		Short: "Delete one message from a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				id, err := a.resolveConversation(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.store.DeleteMessage(ctx, id, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted message %s\n", args[1])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatline config file")
	return cmd
}
