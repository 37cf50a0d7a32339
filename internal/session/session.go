// Package session ties one request to one run. A Runner wraps a fresh
// constellation in an editor, hands the editor to the planner, drives the
// scheduler until the graph settles, and returns the aggregated result.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asterism-org/asterism/internal/constellation"
	"github.com/asterism-org/asterism/internal/constellation/editor"
	"github.com/asterism-org/asterism/internal/constellation/scheduler"
	"github.com/asterism-org/asterism/internal/eventbus"
	"github.com/asterism-org/asterism/internal/logger"
	"github.com/asterism-org/asterism/internal/logger/tag"
)

// ErrEmptyPlan is returned when the planner finishes without putting a
// single star on the graph.
var ErrEmptyPlan = errors.New("planner produced an empty constellation")

// Planner shapes the constellation for a request. Plan is invoked once per
// run, before the scheduler starts; an implementation that wants to keep
// replanning holds on to the editor and edits from its own goroutine while
// the run is in flight. The editor serializes commands and refuses edits
// that would touch running work, so no further coordination is needed.
type Planner interface {
	Plan(ctx context.Context, ed *editor.Editor, req Request) error
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, ed *editor.Editor, req Request) error

// Plan implements Planner.
func (f PlannerFunc) Plan(ctx context.Context, ed *editor.Editor, req Request) error {
	return f(ctx, ed, req)
}

// Request is one unit of work handed to a session.
type Request struct {
	// ID identifies the session; one is generated when empty.
	ID string
	// Goal is the free-form instruction the planner works from.
	Goal string
	// Name names the constellation; defaults to the session id.
	Name string
	// Document, when set, is a constellation YAML document loaded into the
	// editor before the planner runs.
	Document []byte
	// Metadata is attached to the constellation as-is.
	Metadata map[string]any
}

// TaskResult is one star's outcome in the final report.
type TaskResult struct {
	TaskID    string
	Name      string
	DeviceID  string
	Status    constellation.TaskStatus
	Result    map[string]any
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
}

// Result aggregates one session run.
type Result struct {
	RequestID       string
	ConstellationID string
	Name            string
	State           constellation.State
	Tasks           []TaskResult
	Stats           constellation.Stats
	StartedAt       time.Time
	FinishedAt      time.Time
	Duration        time.Duration
}

// Completed reports whether every task finished successfully.
func (r *Result) Completed() bool {
	return r.State == constellation.StateCompleted
}

// Runner executes requests over a device fleet. The zero value is not
// usable; construct with New.
type Runner struct {
	planner     Planner
	dispatcher  scheduler.Dispatcher
	bus         *eventbus.Bus
	logger      logger.Logger
	strategy    scheduler.Strategy
	preferences map[string]string
	maxHistory  int
	tick        time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithBus shares an event bus between the editor, the scheduler, and any
// outside observers. It also lets the result report which device ran each
// task.
func WithBus(bus *eventbus.Bus) Option {
	return func(r *Runner) { r.bus = bus }
}

// WithLogger sets the runner logger.
func WithLogger(lg logger.Logger) Option {
	return func(r *Runner) { r.logger = lg }
}

// WithStrategy selects the scheduler's device assignment strategy.
func WithStrategy(st scheduler.Strategy) Option {
	return func(r *Runner) { r.strategy = st }
}

// WithPreferences installs the device preference table used by the
// preference_table strategy.
func WithPreferences(prefs map[string]string) Option {
	return func(r *Runner) { r.preferences = prefs }
}

// WithMaxHistory bounds the editor's undo journal.
func WithMaxHistory(n int) Option {
	return func(r *Runner) { r.maxHistory = n }
}

// WithTick overrides the scheduler's coarse re-check interval.
func WithTick(d time.Duration) Option {
	return func(r *Runner) { r.tick = d }
}

// New creates a Runner that plans with planner and dispatches through
// dispatcher, which is typically the coordinator.
func New(planner Planner, dispatcher scheduler.Dispatcher, opts ...Option) *Runner {
	r := &Runner{
		planner:    planner,
		dispatcher: dispatcher,
		logger:     logger.NewLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one request end to end: load the request document if any,
// let the planner shape the graph, then drive the scheduler until every
// star is terminal. The result is returned even when ctx is cancelled
// mid-run, alongside the context error; the remaining stars are Cancelled
// in that case.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	name := req.Name
	if name == "" {
		name = req.ID
	}

	c := constellation.New(name,
		constellation.WithLogger(r.logger),
		constellation.WithMetadata(req.Metadata))

	var editorOpts []editor.Option
	editorOpts = append(editorOpts, editor.WithLogger(r.logger))
	if r.bus != nil {
		editorOpts = append(editorOpts, editor.WithBus(r.bus))
	}
	if r.maxHistory > 0 {
		editorOpts = append(editorOpts, editor.WithMaxHistory(r.maxHistory))
	}
	ed := editor.New(c, editorOpts...)

	if len(req.Document) > 0 {
		if err := ed.BuildFromSpec(req.Document, false); err != nil {
			return nil, fmt.Errorf("load constellation document: %w", err)
		}
	}

	r.logger.Info("session planning",
		tag.Session(req.ID), tag.Constellation(name))
	if err := r.planner.Plan(ctx, ed, req); err != nil {
		return nil, fmt.Errorf("plan session %s: %w", req.ID, err)
	}
	if stars, _ := c.Size(); stars == 0 {
		return nil, ErrEmptyPlan
	}

	assignments := r.watchAssignments(c.ID())

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(r.logger),
		scheduler.WithStrategy(r.strategy),
	}
	if r.bus != nil {
		schedOpts = append(schedOpts, scheduler.WithBus(r.bus))
	}
	if r.preferences != nil {
		schedOpts = append(schedOpts, scheduler.WithPreferences(r.preferences))
	}
	if r.tick > 0 {
		schedOpts = append(schedOpts, scheduler.WithTick(r.tick))
	}
	sched := scheduler.New(c, r.dispatcher, schedOpts...)

	started := time.Now()
	runErr := sched.Run(ctx)
	result := r.collect(req, c, started, assignments.snapshot())
	assignments.stop()

	r.logger.Info("session finished",
		tag.Session(req.ID),
		tag.Constellation(name),
		tag.Status(result.State.String()),
		tag.Count(len(result.Tasks)),
		tag.Duration(result.Duration))
	return result, runErr
}

// collect folds the terminal graph into a Result, tasks in topological
// order.
func (r *Runner) collect(req Request, c *constellation.Constellation, started time.Time, devices map[string]string) *Result {
	finished := time.Now()
	result := &Result{
		RequestID:       req.ID,
		ConstellationID: c.ID(),
		Name:            c.Name(),
		State:           c.State(),
		Stats:           c.Stats(),
		StartedAt:       started,
		FinishedAt:      finished,
		Duration:        finished.Sub(started),
	}

	order, err := c.TopologicalOrder()
	if err != nil {
		// The graph is acyclic by construction; fall back to listing order.
		for _, star := range c.Stars() {
			order = append(order, star.ID)
		}
	}
	for _, id := range order {
		star, err := c.Star(id)
		if err != nil {
			continue
		}
		result.Tasks = append(result.Tasks, TaskResult{
			TaskID:    star.ID,
			Name:      star.Name,
			DeviceID:  devices[star.ID],
			Status:    star.Status,
			Result:    star.Result,
			Error:     star.Error,
			StartedAt: star.StartedAt,
			EndedAt:   star.EndedAt,
			Duration:  star.Duration(),
		})
	}
	return result
}

// assignmentTable records which device ran each task, fed synchronously
// from the bus so it is complete by the time the scheduler returns.
type assignmentTable struct {
	mu     sync.Mutex
	byTask map[string]string
	sub    *eventbus.Subscription
}

func (r *Runner) watchAssignments(constellationID string) *assignmentTable {
	table := &assignmentTable{byTask: make(map[string]string)}
	if r.bus == nil {
		return table
	}
	table.sub = r.bus.SubscribeFunc(func(evt eventbus.Event) {
		e, ok := evt.(eventbus.TaskStarted)
		if !ok || e.ConstellationID != constellationID {
			return
		}
		table.mu.Lock()
		table.byTask[e.TaskID] = e.DeviceID
		table.mu.Unlock()
	}, eventbus.KindTaskStarted)
	return table
}

func (t *assignmentTable) snapshot() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.byTask)
}

func (t *assignmentTable) stop() {
	if t.sub != nil {
		t.sub.Cancel()
	}
}
