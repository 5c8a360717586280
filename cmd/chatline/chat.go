package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatline/internal/models"
	"github.com/zulandar/chatline/internal/session"
	"github.com/zulandar/chatline/internal/syncview"
	"golang.org/x/term"
)

func newChatCmd() *cobra.Command {
	var (
		configPath     string
		conversationID string
		dryRun         bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal",
		Long: `Reads one message per line and prints the assistant's reply. On a terminal
the reply is printed as it streams in. The first message starts a new
conversation unless --conversation selects an existing one.

Commands: /new, /open <id>, /list, /quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, conversationID, dryRun)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatline config file")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation ID (or unique prefix) to continue")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "answer with the echo source instead of the configured model")
	return cmd
}

// isTerminal reports whether f is an interactive terminal.
func isTerminal(f any) bool {
	file, ok := f.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

func runChat(cmd *cobra.Command, configPath, conversationID string, dryRun bool) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	asm, err := a.assembler(a.source(dryRun))
	if err != nil {
		return err
	}
	pub, err := a.mirror()
	if err != nil {
		return err
	}
	if pub != nil {
		defer pub.Close()
	}
	ctrl, err := a.controllerFactory(asm, pub)()
	if err != nil {
		return err
	}
	defer ctrl.Wait()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	if conversationID != "" {
		id, err := a.resolveConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		ctrl.Select(id)
		if err := printHistory(ctx, a, id, out); err != nil {
			return err
		}
	}

	interactive := isTerminal(cmd.InOrStdin())
	live := isTerminal(out)
	in := bufio.NewScanner(cmd.InOrStdin())
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !in.Scan() {
			break
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := chatCommand(ctx, a, ctrl, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := chatTurn(ctx, a, ctrl, line, out, live); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return in.Err()
}

func chatCommand(ctx context.Context, a *app, ctrl *session.Controller, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		ctrl.NewChat()
		fmt.Fprintln(out, "Started a new chat.")
	case "/list":
		convs, err := a.store.ListConversations(ctx, a.cfg.Owner)
		if err != nil {
			return false, err
		}
		printConversations(out, convs, ctrl.Active())
	case "/open":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /open <id>")
		}
		id, err := a.resolveConversation(ctx, fields[1])
		if err != nil {
			return false, err
		}
		ctrl.Select(id)
		return false, printHistory(ctx, a, id, out)
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

// chatTurn sends one line and prints the reply that follows it. A reply
// that fails in the background ends the turn with its error.
func chatTurn(ctx context.Context, a *app, ctrl *session.Controller, text string, out io.Writer, live bool) error {
	res, err := ctrl.Start(ctx, session.Input{Text: text})
	if err != nil {
		return err
	}
	if res.Created {
		fmt.Fprintf(out, "[%s] %s\n", res.ConversationID, ctrl.Title(text))
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	followed := make(chan error, 1)
	go func() { followed <- follow(fctx, a, res.ConversationID, res.User.ID, out, live) }()

	select {
	case err := <-followed:
		return err
	case err := <-res.Done:
		if err == nil {
			return <-followed
		}
		cancel()
		<-followed
		return err
	}
}

// follow prints the assistant reply to userMessageID, as it grows when
// live, and returns once it is no longer streaming.
func follow(ctx context.Context, a *app, conversationID, userMessageID string, out io.Writer, live bool) error {
	view, err := syncview.New(syncview.Opts{
		Store:             a.store,
		IdleDebounce:      a.cfg.Chat.IdleDebounce,
		StreamingDebounce: a.cfg.Chat.StreamingDebounce,
	})
	if err != nil {
		return err
	}
	defer view.Close()
	if err := view.Switch(ctx, conversationID); err != nil {
		return err
	}

	printed := ""
	for {
		select {
		case <-ctx.Done():
			if printed != "" {
				fmt.Fprintln(out)
			}
			return ctx.Err()
		case v, ok := <-view.Updates():
			if !ok {
				return nil
			}
			if v.Err != nil {
				return v.Err
			}
			m := replyTo(v.Messages, userMessageID)
			if m == nil {
				continue
			}
			if live && strings.HasPrefix(m.Content, printed) {
				fmt.Fprint(out, m.Content[len(printed):])
				printed = m.Content
			}
			if m.Streaming {
				continue
			}
			if m.Content != printed {
				if printed != "" {
					fmt.Fprintln(out)
				}
				fmt.Fprint(out, m.Content)
			}
			fmt.Fprintln(out)
			return nil
		}
	}
}

// replyTo returns the assistant message directly after the user message
// userMessageID, or nil if there is none yet.
func replyTo(msgs []models.Message, userMessageID string) *models.Message {
	for i := 0; i+1 < len(msgs); i++ {
		if msgs[i].ID == userMessageID {
			if msgs[i+1].Role == models.RoleAssistant {
				return &msgs[i+1]
			}
			return nil
		}
	}
	return nil
}

func printHistory(ctx context.Context, a *app, conversationID string, out io.Writer) error {
	conv, err := a.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	msgs, err := a.store.ListMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "[%s] %s\n", conv.ID, conv.Title)
	for _, m := range msgs {
		prefix := "> "
		if m.Role == models.RoleAssistant {
			prefix = ""
		}
		if m.ImageURL != "" {
			fmt.Fprintf(out, "%s[image %s]\n", prefix, m.ImageURL)
		}
		if m.Content != "" {
			fmt.Fprintf(out, "%s%s\n", prefix, m.Content)
		}
	}
	return nil
}
