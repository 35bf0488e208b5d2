package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/warden/internal/appstate"
	"github.com/dohr-michael/warden/internal/heartbeat"
)

// appStatus is one line of the status listing.
type appStatus struct {
	App            string                  `json:"app" yaml:"app"`
	Status         heartbeat.Status        `json:"status" yaml:"status"`
	SessionID      string                  `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	PID            int                     `json:"pid,omitempty" yaml:"pid,omitempty"`
	Lifecycle      appstate.LifecycleState `json:"lifecycle,omitempty" yaml:"lifecycle,omitempty"`
	LastHeartbeat  time.Time               `json:"last_heartbeat,omitzero" yaml:"last_heartbeat,omitempty"`
	LastCheckpoint string                  `json:"last_checkpoint,omitempty" yaml:"last_checkpoint,omitempty"`
	CrashCount     int                     `json:"crash_count" yaml:"crash_count"`
	Error          string                  `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the liveness of every supervised application",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "app",
				Usage: "Only show this application",
			},
			formatFlag(),
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			apps := []string{cmd.String("app")}
			if apps[0] == "" {
				apps, err = appstate.ListApps(cfg.App.DataDir)
				if err != nil {
					return fmt.Errorf("list apps: %w", err)
				}
			}

			now := time.Now()
			list := make([]appStatus, 0, len(apps))
			for _, name := range apps {
				list = append(list, inspectApp(cfg.App.DataDir, name, now, cfg.State.StaleAfter.Duration()))
			}

			if ok, err := encode(os.Stdout, cmd.String("format"), list); ok || err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No applications found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "APP\tSTATUS\tPID\tLIFECYCLE\tLAST HEARTBEAT\tCHECKPOINT\tCRASHES")
			for _, s := range list {
				if s.Error != "" {
					fmt.Fprintf(w, "%s\t%s\t\t\t\t%s\t\n", s.App, s.Status, s.Error)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%d\n",
					s.App, s.Status, s.PID, s.Lifecycle, ago(now, s.LastHeartbeat), s.LastCheckpoint, s.CrashCount)
			}
			return w.Flush()
		},
	}
}

func inspectApp(dataDir, name string, now time.Time, staleAfter time.Duration) appStatus {
	st := appStatus{App: name}
	snap, err := appstate.NewStore(dataDir, name).Load()
	switch {
	case errors.Is(err, appstate.ErrNotFound):
		st.Status = heartbeat.StatusDead
		st.Error = "no session recorded"
		return st
	case err != nil:
		st.Status = heartbeat.StatusDead
		st.Error = err.Error()
		return st
	}

	st.Status = heartbeat.Classify(snap.LastHeartbeatAt, snap.CleanShutdown, now, staleAfter)
	st.SessionID = snap.SessionID
	st.PID = snap.PID
	st.Lifecycle = snap.LifecycleState
	st.LastHeartbeat = snap.LastHeartbeatAt
	st.CrashCount = snap.CrashCount
	if cp, ok := snap.LastCheckpoint(); ok {
		st.LastCheckpoint = cp.Name
	}
	return st
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}
