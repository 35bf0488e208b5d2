package commands

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/warden/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "warden",
		Usage: "Supervise worker tasks and recover application state after a crash",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewRunCommand(),
			NewStatusCommand(),
			NewRecoverCommand(),
			NewTasksCommand(),
		},
	}
}

// loadConfig reads the --config file and installs the process logger. A
// missing file is not an error: every field has a default.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	defaulted := errors.Is(err, fs.ErrNotExist)
	switch {
	case defaulted:
		cfg = config.Default()
	case err != nil:
		return nil, err
	}

	level := parseLevel(cfg.Events.LogLevel)
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	if defaulted {
		slog.Debug("config not found, using defaults", "path", configPath)
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
