package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"

	"github.com/zulandar/chatline/internal/assembler"
	"github.com/zulandar/chatline/internal/config"
	"github.com/zulandar/chatline/internal/db"
	"github.com/zulandar/chatline/internal/export"
	"github.com/zulandar/chatline/internal/logstore"
	"github.com/zulandar/chatline/internal/mirror"
	"github.com/zulandar/chatline/internal/mirror/discord"
	"github.com/zulandar/chatline/internal/mirror/slack"
	"github.com/zulandar/chatline/internal/session"
	"github.com/zulandar/chatline/internal/stream"
	"gorm.io/gorm"
)

const defaultConfigPath = "chatline.yaml"

// loadConfig reads the config at path. A missing file at the default path
// falls back to a local sqlite setup with the echo source.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path != defaultConfigPath || !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg = config.Default(defaultOwner())
	cfg.LLM.Provider = "scripted"
	log.Printf("chatline: %s not found, using %s with the echo source", path, cfg.Database.Path)
	return cfg, nil
}

func defaultOwner() string {
	for _, k := range []string{"CHATLINE_OWNER", "USER", "USERNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "local"
}

// app is the store stack shared by every command.
type app struct {
	cfg   *config.Config
	db    *gorm.DB
	store *logstore.GormStore
}

// openApp loads config, connects, migrates and opens the log store.
func openApp(configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	store, err := logstore.NewGormStore(logstore.GormStoreOpts{
		DB:           gormDB,
		PollInterval: cfg.Database.PollInterval,
		Notify:       cfg.Database.Notify,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Database.Notify {
		if err := store.Broker().ListenPostgres(db.PostgresDSN(cfg.Database, cfg.Database.Name)); err != nil {
			store.Close()
			return nil, err
		}
	}
	return &app{cfg: cfg, db: gormDB, store: store}, nil
}

func (a *app) Close() {
	a.store.Close()
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// source builds the configured token stream source. dryRun forces the
// echo source.
func (a *app) source(dryRun bool) stream.Source {
	llm := a.cfg.LLM
	switch {
	case dryRun || llm.Provider == "scripted":
		return stream.Echo()
	case llm.Provider == "relay":
		return &stream.SSE{URL: llm.RelayURL, SystemPrompt: llm.SystemPrompt, MaxTokens: llm.MaxTokens}
	default:
		return stream.NewOpenAI(stream.OpenAIConfig{
			BaseURL:      llm.BaseURL,
			APIKey:       llm.APIKey,
			Model:        llm.Model,
			MaxTokens:    llm.MaxTokens,
			Temperature:  llm.Temperature,
			SystemPrompt: llm.SystemPrompt,
		})
	}
}

func (a *app) assembler(source stream.Source) (*assembler.Assembler, error) {
	return assembler.New(assembler.Opts{
		Store:             a.store,
		Source:            source,
		BatchWindow:       a.cfg.Chat.BatchWindow,
		FinalPatchRetries: a.cfg.Chat.FinalPatchRetries,
		SystemPrompt:      a.cfg.LLM.SystemPrompt,
		MaxTokens:         a.cfg.LLM.MaxTokens,
	})
}

// mirror builds the configured mirror publishers, or nil if none are set.
func (a *app) mirror() (mirror.Publisher, error) {
	var pubs mirror.Multi
	if p := a.cfg.Mirror.Slack; p != nil {
		pub, err := slack.New(slack.Opts{BotToken: p.BotToken, ChannelID: p.ChannelID})
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, pub)
	}
	if p := a.cfg.Mirror.Discord; p != nil {
		pub, err := discord.New(discord.Opts{BotToken: p.BotToken, ChannelID: p.ChannelID})
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, pub)
	}
	if len(pubs) == 0 {
		return nil, nil
	}
	return pubs, nil
}

// gist returns the gist publisher, or nil without a GitHub token.
func (a *app) gist() (*export.GistPublisher, error) {
	if a.cfg.Export.GitHubToken == "" {
		return nil, nil
	}
	return export.NewGistPublisher(export.GistOpts{Token: a.cfg.Export.GitHubToken, Public: a.cfg.Export.Public})
}

// controllerFactory returns a constructor for session controllers sharing
// one assembler, turn table and mirror.
func (a *app) controllerFactory(asm *assembler.Assembler, pub mirror.Publisher) func() (*session.Controller, error) {
	turns := session.NewTurns()
	return func() (*session.Controller, error) {
		return session.New(session.Opts{
			Store:         a.store,
			Assembler:     asm,
			Owner:         a.cfg.Owner,
			Turns:         turns,
			Mirror:        pub,
			TitleMaxLen:   a.cfg.Chat.TitleMaxLen,
			TitleEllipsis: a.cfg.Chat.TitleEllipsis,
			DefaultTitle:  a.cfg.Chat.DefaultTitle,
		})
	}
}

// resolveConversation matches id or a unique id prefix among the owner's
// conversations.
func (a *app) resolveConversation(ctx context.Context, id string) (string, error) {
	convs, err := a.store.ListConversations(ctx, a.cfg.Owner)
	if err != nil {
		return "", err
	}
	var match string
	for _, c := range convs {
		if c.ID == id {
			return id, nil
		}
		if len(id) >= 4 && len(c.ID) > len(id) && strings.HasPrefix(c.ID, id) {
			if match != "" {
				return "", fmt.Errorf("conversation prefix %q is ambiguous", id)
			}
			match = c.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("conversation %q not found", id)
	}
	return match, nil
}
