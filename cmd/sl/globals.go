package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zulandar/stageline/internal/app"
	"github.com/zulandar/stageline/internal/config"
)

const defaultConfigPath = "stageline.yaml"

// globals carries the persistent flags, bound through viper so that every
// flag can also be set as a STAGELINE_* environment variable.
type globals struct {
	v *viper.Viper
}

// loadConfig reads the config file. A missing default config file falls
// back to config.Default; an explicitly named one must exist.
func (g *globals) loadConfig() (*config.Config, error) {
	path := g.v.GetString("config")
	cfg, err := config.Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath:
		cfg = config.Default()
	case err != nil:
		return nil, fmt.Errorf("load config: %w", err)
	}
	g.applySecrets(cfg)
	return cfg, nil
}

// applySecrets overrides credentials from the environment, e.g.
// STAGELINE_GEMINI_API_KEY. Values loaded from .env are included.
func (g *globals) applySecrets(cfg *config.Config) {
	secrets := []struct {
		key string
		dst *string
	}{
		{"auth-secret", &cfg.Server.AuthSecret},
		{"database-password", &cfg.Database.Password},
		{"gemini-api-key", &cfg.Executors.Gemini.APIKey},
		{"github-token", &cfg.Executors.GitHub.Token},
		{"slack-bot-token", &cfg.Notifications.Slack.BotToken},
		{"discord-bot-token", &cfg.Notifications.Discord.BotToken},
	}
	for _, s := range secrets {
		if v := g.v.GetString(s.key); v != "" {
			*s.dst = v
		}
	}
}

func (g *globals) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(g.v.GetString("log-format")) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q: must be text or json", g.v.GetString("log-format"))
	}
}

// openApp builds the application from config. Callers must Close it.
func (g *globals) openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := g.logger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), cfg, log)
}

func (g *globals) actor() string { return g.v.GetString("actor") }

func (g *globals) jsonOutput() bool { return g.v.GetBool("json") }
