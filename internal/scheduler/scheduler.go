// Package scheduler runs maintenance jobs on cron schedules or in reaction
// to bus events.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dohr-michael/warden/internal/events"
)

// DefaultCooldown is the minimum interval between two event triggers of the same job.
const DefaultCooldown = time.Second

// Trigger describes why a job runs.
type Trigger struct {
	Kind  string        // "cron" or "event"
	Event *events.Event // set for event triggers
}

// JobFunc is the body of a job. It runs on a scheduler goroutine.
type JobFunc func(Trigger)

// Entry is a point-in-time view of a job.
type Entry struct {
	Name     string
	Cron     string
	OnEvent  *EventTrigger
	Runs     int
	LastRun  time.Time
	NextRun  time.Time
	Cooldown time.Duration
}

type job struct {
	name     string
	cron     *CronExpr
	cronID   cron.EntryID
	onEvent  *EventTrigger
	cooldown time.Duration
	fn       JobFunc
	runs     int
	lastRun  time.Time
}

// Scheduler manages cron-based and event-triggered jobs.
type Scheduler struct {
	bus  *events.Bus
	cron *cron.Cron

	mu          sync.Mutex
	jobs        map[string]*job
	started     bool
	unsubscribe func()
}

// New creates a scheduler. bus may be nil when no event jobs are added.
func New(bus *events.Bus) *Scheduler {
	return &Scheduler{
		bus:  bus,
		cron: cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{}))),
		jobs: make(map[string]*job),
	}
}

// AddCron registers fn under name on a cron schedule.
func (s *Scheduler) AddCron(name, spec string, fn JobFunc) error {
	expr, err := ParseCron(spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already scheduled", name)
	}
	j := &job{name: name, cron: expr, fn: fn}
	j.cronID = s.cron.Schedule(expr.schedule, cron.FuncJob(func() { s.run(j, Trigger{Kind: "cron"}) }))
	s.jobs[name] = j

	slog.Info("scheduler: added cron job", "name", name, "cron", spec)
	return nil
}

// AddEvent registers fn under name, fired by events matching trigger. Two
// runs are at least cooldown apart (DefaultCooldown when zero).
func (s *Scheduler) AddEvent(name string, trigger EventTrigger, cooldown time.Duration, fn JobFunc) error {
	if s.bus == nil {
		return fmt.Errorf("job %q: event jobs need a bus", name)
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already scheduled", name)
	}
	s.jobs[name] = &job{name: name, onEvent: &trigger, cooldown: cooldown, fn: fn}

	slog.Info("scheduler: added event job", "name", name, "event", trigger.Event)
	return nil
}

// Remove unschedules a job.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}
	if j.cron != nil {
		s.cron.Remove(j.cronID)
	}
	delete(s.jobs, name)
	return nil
}

// Entries returns every job sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := Entry{
			Name:     j.name,
			OnEvent:  j.onEvent,
			Runs:     j.runs,
			LastRun:  j.lastRun,
			Cooldown: j.cooldown,
		}
		if j.cron != nil {
			e.Cron = j.cron.String()
			// The cron loop only computes Next once started.
			e.NextRun = s.cron.Entry(j.cronID).Next
			if e.NextRun.IsZero() {
				e.NextRun = j.cron.Next(time.Now())
			}
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Start begins the cron loop and the event subscription.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	if s.bus != nil {
		s.unsubscribe = s.bus.Subscribe(s.handleEvent)
	}
	s.cron.Start()
	slog.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop halts the scheduler and waits for running cron jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		slog.Warn("scheduler: stop timed out waiting for jobs")
	}
	slog.Info("scheduler stopped")
}

func (s *Scheduler) handleEvent(e events.Event) {
	now := time.Now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !MatchEvent(e, j.onEvent) {
			continue
		}
		if !j.lastRun.IsZero() && now.Sub(j.lastRun) < j.cooldown {
			continue
		}
		j.lastRun = now
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		s.run(j, Trigger{Kind: "event", Event: &e})
	}
}

func (s *Scheduler) run(j *job, trigger Trigger) {
	s.mu.Lock()
	j.runs++
	j.lastRun = time.Now()
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: job panicked", "name", j.name, "panic", r)
		}
	}()
	slog.Debug("scheduler: triggered", "name", j.name, "trigger", trigger.Kind)
	j.fn(trigger)
}

// cronLogger routes robfig/cron diagnostics to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
