package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatline/internal/models"
	"github.com/zulandar/chatline/internal/stall"
)

func newStalledCmd() *cobra.Command {
	var (
		configPath string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stalled",
		Short: "List replies that stopped streaming",
		Long: `Lists assistant messages still marked streaming whose last update is older
than the stall timeout. Nothing is modified.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				if timeout == 0 {
					timeout = a.cfg.Stall.Timeout
				}
				now := time.Now()
				sweeper, err := stall.New(stall.Opts{
					Store:   a.store,
					Timeout: timeout,
					Now:     func() time.Time { return now },
					Report:  func(models.Message, time.Duration) {},
				})
				if err != nil {
					return err
				}
				msgs, err := sweeper.Sweep(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(msgs) == 0 {
					fmt.Fprintln(out, "No stalled replies.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "CONVERSATION\tMESSAGE\tIDLE\tCONTENT")
				for _, m := range msgs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						m.ConversationID, m.ID, now.Sub(m.UpdatedAt).Round(time.Second), truncate(oneLine(m.Content), 40))
				}
				w.Flush()
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatline config file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "idle time before a reply counts as stalled (default stall.timeout)")
	return cmd
}
