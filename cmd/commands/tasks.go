package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/warden/clients/ws"
	wsprotocol "github.com/dohr-michael/warden/internal/gateway/ws"
)

// NewTasksCommand returns the tasks subcommand. It talks to a session
// started with "warden run --gateway".
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect and control the tasks of a running session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Gateway WebSocket URL (default from config)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List all tasks",
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a task",
				ArgsUsage: "<task_id>",
				Action:    runTasksCancel,
			},
			{
				Name:      "ingest",
				Usage:     "Queue file imports",
				ArgsUsage: "<file> [file ...]",
				Action:    runTasksIngest,
			},
			{
				Name:   "watch",
				Usage:  "Stream events until interrupted",
				Action: runTasksWatch,
			},
		},
		DefaultCommand: "list",
	}
}

func dialGateway(ctx context.Context, cmd *cli.Command) (*wsclient.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	url := cmd.String("url")
	if url == "" {
		url = fmt.Sprintf("ws://%s:%d/api/ws", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	c, err := wsclient.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway (is 'warden run --gateway' running?): %w", err)
	}
	return c, nil
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	c, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	list, err := c.ListTasks()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tNAME\tLAST HEARTBEAT")
	now := time.Now()
	for _, r := range list {
		state := string(r.State)
		if r.Degraded {
			state += " (degraded)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, state, r.Name, ago(now, r.LastHeartbeatAt))
	}
	return w.Flush()
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return errors.New("task ID required")
	}
	c, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	r, err := c.GetTask(id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:          %s\n", r.ID)
	fmt.Printf("Name:        %s\n", r.Name)
	fmt.Printf("State:       %s\n", r.State)
	fmt.Printf("Timeout:     %s\n", r.Timeout)
	fmt.Printf("Registered:  %s\n", r.RegisteredAt.Format(time.DateTime))
	if !r.StartedAt.IsZero() {
		fmt.Printf("Started:     %s\n", r.StartedAt.Format(time.DateTime))
	}
	if !r.FinishedAt.IsZero() {
		fmt.Printf("Finished:    %s\n", r.FinishedAt.Format(time.DateTime))
	}
	if r.CancelRequested {
		fmt.Printf("Cancelled:   requested (unwound: %v)\n", r.Cancelled)
	}
	if r.TimedOutOnce {
		fmt.Printf("Timed out:   %s\n", r.TimedOutAt.Format(time.DateTime))
	}
	if r.Degraded {
		fmt.Println("Degraded:    cleanup skipped")
	}
	if r.Err != "" {
		fmt.Printf("Error:       %s\n", r.Err)
	}
	return nil
}

func runTasksCancel(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return errors.New("task ID required")
	}
	c, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.CancelTask(id); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	fmt.Printf("Cancellation requested for %s.\n", id)
	return nil
}

func runTasksIngest(ctx context.Context, cmd *cli.Command) error {
	files, err := expandGlobs(cmd.Args().Slice())
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("at least one file required")
	}
	c, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ids, err := c.SubmitIngest(files...)
	if err != nil {
		return fmt.Errorf("submit ingest: %w", err)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runTasksWatch(ctx context.Context, cmd *cli.Command) error {
	c, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	for {
		f, err := c.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if f.Type != wsprotocol.FrameTypeEvent {
			continue
		}
		fmt.Printf("%s  %-24s %s\n", time.Now().Format(time.TimeOnly), f.Event, f.Payload)
	}
}
