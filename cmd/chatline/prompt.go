package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPromptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Saved prompt commands",
	}

	cmd.AddCommand(newPromptListCmd())
	cmd.AddCommand(newPromptAddCmd())
	cmd.AddCommand(newPromptDeleteCmd())
	return cmd
}

func newPromptListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved prompts, most recently used first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				prompts, err := a.store.ListPrompts(ctx, a.cfg.Owner)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(prompts) == 0 {
					fmt.Fprintln(out, "No prompts found.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTITLE\tCONTENT")
				for _, p := range prompts {
					fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Title, truncate(oneLine(p.Content), 50))
				}
				w.Flush()
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatline config file")
	return cmd
}

func newPromptAddCmd() *cobra.Command {
	var (
		configPath string
		title      string
	)

	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Save a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				p, err := a.store.CreatePrompt(ctx, a.cfg.Owner, title, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved prompt %s\n", p.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatline config file")
	cmd.Flags().StringVar(&title, "title", "", "prompt title (required)")
	cmd.MarkFlagRequired("title")
	return cmd
}

func newPromptDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a saved prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				if err := a.store.DeletePrompt(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted prompt %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatline config file")
	return cmd
}
