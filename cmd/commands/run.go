package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/warden/internal/config"
	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/gateway"
	"github.com/dohr-michael/warden/internal/ingest"
	"github.com/dohr-michael/warden/internal/recovery"
	"github.com/dohr-michael/warden/internal/scheduler"
	"github.com/dohr-michael/warden/internal/supervisor"
	"github.com/dohr-michael/warden/internal/workers"
)

// NewRunCommand returns the run subcommand.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Start a supervised session and import the given files",
		ArgsUsage: "[file or glob ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "recovery",
				Usage: "What to do after a crash: ask, resume, safe, discard or default",
			},
			&cli.BoolFlag{
				Name:  "serve",
				Usage: "Keep running after the imports finish, until interrupted",
			},
			&cli.BoolFlag{
				Name:  "gateway",
				Usage: "Start the HTTP/WebSocket gateway",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Gateway port",
			},
		},
		Action: runSession,
	}
}

func runSession(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.IsSet("gateway") {
		cfg.Gateway.Enabled = cmd.Bool("gateway")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	choiceName := cfg.Recovery.DefaultChoice
	if cmd.IsSet("recovery") {
		choiceName = cmd.String("recovery")
	}
	choice, err := recovery.ParseChoice(choiceName)
	if err != nil {
		return err
	}

	files, err := expandGlobs(cmd.Args().Slice())
	if err != nil {
		return err
	}

	db, err := ingest.Open(cfg.Ingest.Database)
	if err != nil {
		return fmt.Errorf("open ingest database: %w", err)
	}
	defer db.Close()

	sup := supervisor.New(cfg, supervisor.Options{Ask: promptRecovery})
	out, err := sup.Startup(choice)
	if err != nil {
		return err
	}
	printOutcome(out)

	queue := ingest.NewQueue(sup.Manager(), sup.Store(), db, cfg.Ingest.BatchSize)
	queue.OnProgress(func(p ingest.Progress) {
		slog.Debug("import progress", "path", p.Path, "lines", p.Lines, "bytes", p.BytesRead, "size", p.Size)
	})

	sched, err := newMaintenance(cfg, sup)
	if err != nil {
		sup.Shutdown(cfg.Workers.ShutdownTimeout.Duration())
		return err
	}
	sched.Start()

	var server *gateway.Server
	errCh := make(chan error, 1)
	if cfg.Gateway.Enabled {
		server = gateway.NewServer(sup.Bus(), sup.Store(), gateway.NewTaskHandler(sup.Manager(), queue), cfg.Gateway.Host, cfg.Gateway.Port)
		go func() {
			errCh <- server.Start()
		}()
	}

	if err := requeue(queue, out); err != nil {
		slog.Warn("pending imports unreadable, skipping", "error", err)
	}
	if len(files) > 0 {
		if _, err := queue.Submit(files...); err != nil {
			slog.Error("submit imports", "error", err)
		}
	}

	runErr := wait(ctx, queue, errCh, cmd.Bool("serve") || cfg.Gateway.Enabled)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sched.Stop(stopCtx)
	if server != nil {
		if err := server.Shutdown(stopCtx); err != nil {
			slog.Warn("gateway shutdown", "error", err)
		}
	}

	summary, err := sup.Shutdown(cfg.Workers.ShutdownTimeout.Duration())
	printResults(queue.Results(), summary)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return runErr
}

// wait returns when the imports are done (unless serve), on interrupt, or
// when the gateway fails.
func wait(ctx context.Context, queue *ingest.Queue, errCh <-chan error, serve bool) error {
	done := make(chan struct{})
	if !serve {
		go func() {
			queue.Wait(ctx)
			close(done)
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		return nil
	case <-done:
		return nil
	case err := <-errCh:
		return err
	}
}

// newMaintenance schedules the periodic sweep and marks the session when a
// task had to be force-terminated.
func newMaintenance(cfg *config.Config, sup *supervisor.Supervisor) (*scheduler.Scheduler, error) {
	sched := scheduler.New(sup.Bus())

	err := sched.AddCron("sweep", cfg.Workers.SweepSchedule, func(scheduler.Trigger) {
		if n := sup.Manager().Sweep(); n > 0 {
			slog.Info("swept finished tasks", "removed", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}

	trigger := scheduler.EventTrigger{
		Event:  events.EventTaskStateChanged,
		Filter: map[string]string{"to": string(workers.StateForceTerminated)},
	}
	err = sched.AddEvent("degraded-checkpoint", trigger, 0, func(t scheduler.Trigger) {
		p, ok := events.GetTaskStateChangedPayload(*t.Event)
		if !ok {
			return
		}
		data := map[string]string{"task_id": p.TaskID, "error": p.Error}
		if err := sup.CheckpointWith("degraded:"+p.Name, data); err != nil {
			slog.Warn("degraded checkpoint", "task", p.Name, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule degraded checkpoint: %w", err)
	}
	return sched, nil
}

// requeue restarts the imports a crashed session left pending. In safe mode
// the list is kept but nothing is started.
func requeue(queue *ingest.Queue, out *supervisor.Outcome) error {
	if out.Plan.SafeMode {
		held, err := ingest.PendingFrom(out.Plan.Carry)
		if err != nil || len(held) == 0 {
			return err
		}
		slog.Info("safe mode, interrupted imports kept pending", "files", len(held))
		return queue.Hold(held...)
	}

	resumed, err := ingest.PendingFrom(out.Plan.Restore)
	if err != nil || len(resumed) == 0 {
		return err
	}
	slog.Info("resuming interrupted imports", "files", len(resumed))
	_, err = queue.Submit(resumed...)
	return err
}

// expandGlobs resolves ** patterns. Arguments without a match are kept as
// literal paths so a missing file fails its import visibly.
func expandGlobs(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		if !strings.ContainsAny(arg, "*?[{") {
			out = append(out, arg)
			continue
		}
		matches, err := doublestar.FilepathGlob(arg, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", arg, err)
		}
		if len(matches) == 0 {
			slog.Warn("pattern matched no files", "pattern", arg)
		}
		out = append(out, matches...)
	}
	return out, nil
}

// promptRecovery asks on the terminal. Without a terminal it errors, and the
// supervisor falls back to the recommendation.
func promptRecovery(r *recovery.Report, recommended recovery.Decision) (recovery.Choice, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("stdin is not a terminal")
	}

	fmt.Fprintln(os.Stderr, r.String())
	fmt.Fprintf(os.Stderr, "Recommended: %s\n", recommended)
	fmt.Fprint(os.Stderr, "[r]esume with data, [s]afe mode, [d]iscard, or Enter for the recommendation: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read answer: %w", err)
	}
	return recovery.ParseChoice(line)
}

func printOutcome(out *supervisor.Outcome) {
	switch out.Status {
	case recovery.StatusCrashDetected:
		fmt.Printf("Recovered from crash (%s), decision: %s\n", out.Report.Reason(), out.Decision)
		if out.Plan.SafeMode {
			fmt.Println("Safe mode: recovered data is kept but not reloaded.")
		}
	case recovery.StatusNormalStart:
		fmt.Println("Previous session ended cleanly.")
	default:
		if out.DetectErr != nil {
			fmt.Printf("Previous session unreadable: %v\n", out.DetectErr)
		}
	}
	fmt.Printf("Session %s started.\n", out.Session.SessionID)
}

func printResults(records []workers.Record, summary workers.Summary) {
	if len(records) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATE\tERROR")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.State, r.Err)
		}
		w.Flush()
	}
	fmt.Printf("Shutdown: %d graceful, %d forced, %d already finished (%s)\n",
		summary.Graceful, summary.Forced, summary.AlreadyTerminal, summary.Elapsed.Truncate(time.Millisecond))
}
