package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/warden/internal/appstate"
	"github.com/dohr-michael/warden/internal/config"
	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/recovery"
	"github.com/dohr-michael/warden/internal/storage"
)

// recoverView is the machine-readable crash inspection.
type recoverView struct {
	Status      recovery.Status   `json:"status" yaml:"status"`
	Report      *recovery.Report  `json:"report,omitempty" yaml:"report,omitempty"`
	Recommended recovery.Decision `json:"recommended,omitempty" yaml:"recommended,omitempty"`
	DataKeys    []string          `json:"data_keys,omitempty" yaml:"data_keys,omitempty"`
	Events      []journalLine     `json:"events,omitempty" yaml:"events,omitempty"`
	Error       string            `json:"error,omitempty" yaml:"error,omitempty"`
}

type journalLine struct {
	Time    time.Time          `json:"time" yaml:"time"`
	Type    events.EventType   `json:"type" yaml:"type"`
	Source  events.EventSource `json:"source" yaml:"source"`
	Payload map[string]any     `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// NewRecoverCommand returns the recover subcommand. It inspects the last
// session without starting a new one, so the evidence is left in place.
func NewRecoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "Inspect the previous session and show the crash report",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "app",
				Usage: "Application name (default from config)",
			},
			&cli.IntFlag{
				Name:  "events",
				Usage: "Number of journal events to show",
				Value: 20,
			},
			formatFlag(),
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			app := cfg.App.Name
			if cmd.IsSet("app") {
				app = cmd.String("app")
			}

			store := appstate.NewStore(cfg.App.DataDir, app)
			res := recovery.NewDetector(store, nil).Detect()

			view := recoverView{Status: res.Status, Report: res.Report}
			if res.Err != nil {
				view.Error = res.Err.Error()
			}
			if res.Report != nil {
				ctrl := recovery.NewController(recovery.Policy{
					MaxAttempts: cfg.Recovery.MaxAttempts,
					MaxDataAge:  cfg.Recovery.MaxDataAge.Duration(),
				})
				view.Recommended = ctrl.Recommend(res.Report)
				view.DataKeys = res.Report.UserDataKeys()

				journal, err := storage.LoadJournal(config.JournalDir(), res.Report.SessionID)
				if err != nil {
					return fmt.Errorf("load journal: %w", err)
				}
				for _, e := range storage.Tail(journal, int(cmd.Int("events"))) {
					view.Events = append(view.Events, journalLine{Time: e.Timestamp, Type: e.Type, Source: e.Source, Payload: e.Payload})
				}
			}

			if ok, err := encode(os.Stdout, cmd.String("format"), view); ok || err != nil {
				return err
			}

			switch res.Status {
			case recovery.StatusNormalStart:
				fmt.Printf("%s: previous session ended cleanly.\n", app)
				return nil
			case recovery.StatusUnknown:
				if view.Error != "" {
					fmt.Printf("%s: previous session unreadable: %s\n", app, view.Error)
				} else {
					fmt.Printf("%s: no previous session.\n", app)
				}
				return nil
			}

			fmt.Print(res.Report.String())
			fmt.Printf("\nRecommended: %s\n", view.Recommended)
			if len(view.Events) > 0 {
				fmt.Printf("\nLast %d journal events:\n", len(view.Events))
				for _, l := range view.Events {
					fmt.Printf("  %s  %-24s %s\n", l.Time.Format(time.TimeOnly), l.Type, l.Source)
				}
			}
			fmt.Println("\nRun 'warden run --recovery resume|safe|discard' to continue.")
			return nil
		},
	}
}
