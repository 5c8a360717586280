package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatline/internal/export"
)

func newExportCmd() *cobra.Command {
	var (
		configPath string
		output     string
		gist       bool
	)

	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a conversation as Markdown",
		Long: `Renders a conversation as Markdown to stdout. With --output the file is
written instead (a directory gets a name derived from the title), and with
--gist it is published as a GitHub gist using export.github_token.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				return runExport(ctx, cmd, a, args[0], output, gist)
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatline config file")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file or directory")
	cmd.Flags().BoolVar(&gist, "gist", false, "publish as a GitHub gist")
	return cmd
}

func runExport(ctx context.Context, cmd *cobra.Command, a *app, id, output string, gist bool) error {
	out := cmd.OutOrStdout()

	id, err := a.resolveConversation(ctx, id)
	if err != nil {
		return err
	}
	conv, err := a.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	msgs, err := a.store.ListMessages(ctx, id)
	if err != nil {
		return err
	}

	if gist {
		pub, err := a.gist()
		if err != nil {
			return err
		}
		if pub == nil {
			return fmt.Errorf("export.github_token is not configured")
		}
		url, err := pub.Publish(ctx, conv, msgs)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Published %s\n", url)
		return nil
	}

	md := export.Markdown(conv, msgs)
	if output == "" {
		fmt.Fprint(out, md)
		return nil
	}
	if info, err := os.Stat(output); err == nil && info.IsDir() {
		output = filepath.Join(output, export.Filename(conv))
	}
	if err := os.WriteFile(output, []byte(md), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	fmt.Fprintf(out, "Wrote %s\n", output)
	return nil
}
