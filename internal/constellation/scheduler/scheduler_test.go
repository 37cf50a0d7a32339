package scheduler_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterism-org/asterism/internal/constellation"
	"github.com/asterism-org/asterism/internal/constellation/scheduler"
	"github.com/asterism-org/asterism/internal/device"
	"github.com/asterism-org/asterism/internal/dispatch"
	"github.com/asterism-org/asterism/internal/eventbus"
	"github.com/asterism-org/asterism/internal/logger"
)

type submission struct {
	DeviceID string
	Request  dispatch.Request
	Timeout  time.Duration
	Handle   *dispatch.Handle
}

// fakeFleet implements scheduler.Dispatcher with hand-fed devices and
// channel-observable submissions.
type fakeFleet struct {
	mu        sync.Mutex
	profiles  map[string]device.Profile
	depths    map[string]int
	failing   map[string]error
	auto      func(sub submission) (dispatch.Outcome, bool)
	submitted []submission
	arrivals  chan submission
}

func newFleet(devices ...device.Profile) *fakeFleet {
	f := &fakeFleet{
		profiles: make(map[string]device.Profile),
		depths:   make(map[string]int),
		failing:  make(map[string]error),
		arrivals: make(chan submission, 32),
	}
	for _, p := range devices {
		f.profiles[p.DeviceID] = p
	}
	return f
}

func (f *fakeFleet) SubmitTask(deviceID string, req dispatch.Request, timeout time.Duration) (*dispatch.Handle, error) {
	f.mu.Lock()
	if err, ok := f.failing[deviceID]; ok {
		f.mu.Unlock()
		return nil, err
	}
	sub := submission{DeviceID: deviceID, Request: req, Timeout: timeout, Handle: dispatch.NewHandle()}
	f.submitted = append(f.submitted, sub)
	auto := f.auto
	f.mu.Unlock()

	if auto != nil {
		if outcome, ok := auto(sub); ok {
			sub.Handle.Resolve(outcome)
		}
	}
	f.arrivals <- sub
	return sub.Handle, nil
}

func (f *fakeFleet) DeviceSnapshot(deviceID string) (device.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[deviceID]
	if !ok {
		return device.Profile{}, errors.New("unknown device " + deviceID)
	}
	return p, nil
}

func (f *fakeFleet) ListDevices(filter device.Filter) []device.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]device.Profile, 0, len(f.profiles))
	for _, p := range f.profiles {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, p.Status) {
			continue
		}
		if filter.Capability != "" && !p.HasCapability(filter.Capability) {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b device.Profile) int {
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
	return out
}

func (f *fakeFleet) QueueDepth(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depths[deviceID]
}

func (f *fakeFleet) addDevice(p device.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.DeviceID] = p
}

func (f *fakeFleet) setDepth(deviceID string, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depths[deviceID] = depth
}

func (f *fakeFleet) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.submitted)
}

// next blocks for the next submission.
func (f *fakeFleet) next(t *testing.T) submission {
	t.Helper()
	select {
	case sub := <-f.arrivals:
		return sub
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a task submission")
		return submission{}
	}
}

func (f *fakeFleet) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case sub := <-f.arrivals:
		t.Fatalf("unexpected submission of %s to %s", sub.Request.TaskID, sub.DeviceID)
	case <-time.After(d):
	}
}

// completeEcho resolves every submission successfully with the task id
// echoed back.
func (f *fakeFleet) completeEcho() {
	f.auto = func(sub submission) (dispatch.Outcome, bool) {
		return dispatch.Completed(map[string]any{"echo": sub.Request.TaskID}), true
	}
}

func idle(id string, capabilities ...string) device.Profile {
	return device.Profile{DeviceID: id, Status: device.Idle, Capabilities: capabilities}
}

func quiet() logger.Logger {
	return logger.NewLogger(logger.WithQuiet())
}

func newGraph(t *testing.T) *constellation.Constellation {
	t.Helper()
	return constellation.New("nightly", constellation.WithLogger(quiet()))
}

func addStar(t *testing.T, c *constellation.Constellation, star constellation.Star) string {
	t.Helper()
	id, _, err := c.AddStar(star)
	require.NoError(t, err)
	return id
}

func addLine(t *testing.T, c *constellation.Constellation, line constellation.StarLine) string {
	t.Helper()
	id, _, err := c.AddLine(line)
	require.NoError(t, err)
	return id
}

func newScheduler(c *constellation.Constellation, fleet *fakeFleet, opts ...scheduler.Option) *scheduler.Scheduler {
	base := []scheduler.Option{
		scheduler.WithLogger(quiet()),
		scheduler.WithTick(10 * time.Millisecond),
	}
	return scheduler.New(c, fleet, append(base, opts...)...)
}

func start(ctx context.Context, s *scheduler.Scheduler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not finish")
		return nil
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	for token, want := range map[string]scheduler.Strategy{
		"":                 scheduler.RoundRobin,
		"round_robin":      scheduler.RoundRobin,
		"capability_first": scheduler.CapabilityFirst,
		"preference_table": scheduler.PreferenceTable,
	} {
		got, err := scheduler.ParseStrategy(token)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if token != "" {
			assert.Equal(t, token, got.String())
		}
	}

	_, err := scheduler.ParseStrategy("best_effort")
	assert.Error(t, err)
}

func TestRunLinearChain(t *testing.T) {
	t.Parallel()

	c := newGraph(t)
	addStar(t, c, constellation.Star{
		ID:          "fetch",
		Description: "fetch the feed",
		Timeout:     42 * time.Second,
		TaskData:    map[string]any{"url": "https://example.com"},
	})
	addStar(t, c, constellation.Star{ID: "parse", Name: "parse feed"})
	addLine(t, c, constellation.StarLine{From: "fetch", To: "parse", Kind: constellation.SuccessOnly})

	fleet := newFleet(idle("d1"))
	fleet.completeEcho()

	err := wait(t, start(context.Background(), newScheduler(c, fleet)))
	require.NoError(t, err)
	assert.Equal(t, constellation.StateCompleted, c.State())

	subs := fleet.submissions()
	require.Len(t, subs, 2)

	assert.Equal(t, "fetch", subs[0].Request.TaskID)
	assert.Equal(t, "d1", subs[0].DeviceID)
	assert.Equal(t, "fetch the feed", subs[0].Request.Description)
	assert.Equal(t, map[string]any{"url": "https://example.com"}, subs[0].Request.Data)
	assert.Equal(t, 42*time.Second, subs[0].Timeout)

	// Description falls back to the name, and a zero timeout is passed
	// through for the coordinator default to apply.
	assert.Equal(t, "parse", subs[1].Request.TaskID)
	assert.Equal(t, "parse feed", subs[1].Request.Description)
	assert.Zero(t, subs[1].Timeout)

	fetch, err := c.Star("fetch")
	require.NoError(t, err)
	assert.Equal(t, constellation.StatusCompleted, fetch.Status)
	assert.Equal(t, map[string]any{"echo": "fetch"}, fetch.Result)
}

func TestDispatchOrderFollowsPriority(t *testing.T) {
	t.Parallel()

	c := newGraph(t)
	addStar(t, c, constellation.Star{ID: "a-routine", Priority: constellation.PriorityMedium})
	addStar(t, c, constellation.Star{ID: "z-urgent", Priority: constellation.PriorityHigh})

	fleet := newFleet(idle("d1"))
	fleet.completeEcho()

	require.NoError(t, wait(t, start(context.Background(), newScheduler(c, fleet))))

	subs := fleet.submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, "z-urgent", subs[0].Request.TaskID)
	assert.Equal(t, "a-routine", subs[1].Request.TaskID)
}

func TestIndependentStarsDispatchInParallel(t *testing.T) {
	t.Parallel()

	c := newGraph(t)
	addStar(t, c, constellation.Star{ID: "a"})
	addStar(t, c, constellation.Star{ID: "b"})
	addStar(t, c, constellation.Star{ID: "c"})
	addStar(t, c, constellation.Star{ID: "d"})
	addLine(t, c, constellation.StarLine{From: "a", To: "b", Kind: constellation.SuccessOnly})
	addLine(t, c, constellation.StarLine{From: "a", To: "c", Kind: constellation.SuccessOnly})
	addLine(t, c, constellation.StarLine{From: "b", To: "d", Kind: constellation.SuccessOnly})
	addLine(t, c, constellation.StarLine{From: "c", To: "d", Kind: constellation.SuccessOnly})

	fleet := newFleet(idle("d1"), idle("d2"))
	done := start(context.Background(), newScheduler(c, fleet))

	first := fleet.next(t)
	require.Equal(t, "a", first.Request.TaskID)
	first.Handle.Resolve(dispatch.Completed(nil))

	// Both branches go out before either resolves.
	second := fleet.next(t)
	third := fleet.next(t)
	assert.ElementsMatch(t,
		[]string{"b", "c"},
		[]string{second.Request.TaskID, third.Request.TaskID})
	assert.Equal(t, 2, c.RunningCount())

	second.Handle.Resolve(dispatch.Completed(nil))
	third.Handle.Resolve(dispatch.Completed(nil))

	// The join waits for both branches, then runs once.
	fourth := fleet.next(t)
	assert.Equal(t, "d", fourth.Request.TaskID)
	fourth.Handle.Resolve(dispatch.Completed(nil))

	require.NoError(t, wait(t, done))
	assert.Equal(t, constellation.StateCompleted, c.State())
	assert.Len(t, fleet.submissions(), 4)
}

func TestConditionalLineGatesDownstream(t *testing.T) {
	t.Parallel()

	deployGate := func(result map[string]any) (bool, error) {
		v, _ := result["deploy"].(bool)
		return v, nil
	}

	build := func(t *testing.T) (*constellation.Constellation, string) {
		c := newGraph(t)
		addStar(t, c, constellation.Star{ID: "stage"})
		addStar(t, c, constellation.Star{ID: "deploy"})
		lineID := addLine(t, c, constellation.StarLine{
			From:      "stage",
			To:        "deploy",
			Kind:      constellation.Conditional,
			Predicate: deployGate,
		})
		return c, lineID
	}

	t.Run("FalsePredicateCancelsUnreachableWork", func(t *testing.T) {
		t.Parallel()

		c, lineID := build(t)
		fleet := newFleet(idle("d1"))
		fleet.auto = func(sub submission) (dispatch.Outcome, bool) {
			return dispatch.Completed(map[string]any{"deploy": false}), true
		}

		require.NoError(t, wait(t, start(context.Background(), newScheduler(c, fleet))))
		assert.Equal(t, constellation.StatePartiallyFailed, c.State())

		deploy, err := c.Star("deploy")
		require.NoError(t, err)
		assert.Equal(t, constellation.StatusCancelled, deploy.Status)
		assert.Equal(t, "unreachable predicate", deploy.Error)

		line, err := c.Line(lineID)
		require.NoError(t, err)
		require.NotNil(t, line.LastEvalResult)
		assert.False(t, *line.LastEvalResult)

		require.Len(t, fleet.submissions(), 1)
	})

	t.Run("TruePredicateReleasesDownstream", func(t *testing.T) {
		t.Parallel()

		c, lineID := build(t)
		fleet := newFleet(idle("d1"))
		fleet.auto = func(sub submission) (dispatch.Outcome, bool) {
			return dispatch.Completed(map[string]any{"deploy": true}), true
		}

		require.NoError(t, wait(t, start(context.Background(), newScheduler(c, fleet))))
		assert.Equal(t, constellation.StateCompleted, c.State())

		line, err := c.Line(lineID)
		require.NoError(t, err)
		require.NotNil(t, line.LastEvalResult)
		assert.True(t, *line.LastEvalResult)

		require.Len(t, fleet.submissions(), 2)
	})
}

func TestFailureCancelsDependentsAndSparesSiblings(t *testing.T) {
	t.Parallel()

	c := newGraph(t)
	addStar(t, c, constellation.Star{ID: "root"})
	addStar(t, c, constellation.Star{ID: "strict"})
	addStar(t, c, constellation.Star{ID: "cleanup"})
	addLine(t, c, constellation.StarLine{From: "root", To: "strict", Kind: constellation.SuccessOnly})
	addLine(t, c, constellation.StarLine{From: "root", To: "cleanup", Kind: constellation.Unconditional})

	fleet := newFleet(idle("d1"))
	fleet.auto = func(sub submission) (dispatch.Outcome, bool) {
		if sub.Request.TaskID == "root" {
			return dispatch.Failed(dispatch.ReasonTaskFailed, errors.New("boom")), true
		}
		return dispatch.Completed(nil), true
	}

	require.NoError(t, wait(t, start(context.Background(), newScheduler(c, fleet))))
	assert.Equal(t, constellation.StatePartiallyFailed, c.State())

	root, err := c.Star("root")
	require.NoError(t, err)
	assert.Equal(t, constellation.StatusFailed, root.Status)
	assert.Equal(t, "boom", root.Error)

	// The success-gated star can never run; the unconditional one still does.
	strict, err := c.Star("strict")
	require.NoError(t, err)
	assert.Equal(t, constellation.StatusCancelled, strict.Status)
	assert.Equal(t, "unreachable predicate", strict.Error)

	cleanup, err := c.Star("cleanup")
	require.NoError(t, err)
	assert.Equal(t, constellation.StatusCompleted, cleanup.Status)
}

func TestAllFailuresMarkConstellationFailed(t *testing.T) {
	t.Parallel()

	c := newGraph(t)
	addStar(t, c, constellation.Star{ID: "only"})

	fleet := newFleet(idle("d1"))
	fleet.auto = func(sub submission) (dispatch.Outcome, bool) {
		return dispatch.Failed(dispatch.ReasonTaskFailed, errors.New("boom")), true
	}

	require.NoError(t, wait(t, start(context.Background(), newScheduler(c, fleet))))
	assert.Equal(t, constellation.StateFailed, c.State())
}

func TestPinnedTarget(t *testing.T) {
	t.Parallel()

	t.Run("Honored", func(t *testing.T) {
		t.Parallel()

		c := newGraph(t)
		addStar(t, c, constellation.Star{ID: "pinned", TargetDeviceID: "d2"})

		fleet := newFleet(idle("d1"), idle("d2"))
		fleet.completeEcho()

		require.NoError(t, wait(t, start(context.Background(), newScheduler(c, fleet))))

		subs := fleet.submissions()
		require.Len(t, subs, 1)
		assert.Equal(t, "d2", subs[0].DeviceID)
	})

	t.Run("WaitsForDeviceToAppear", func(t *testing.T) {
		t.Parallel()

		c := newGraph(t)
		addStar(t, c, constellation.Star{ID: "pinned", TargetDeviceID: "ghost"})

		fleet := newFleet(idle("d1"))
		fleet.completeEcho()

		bus := eventbus.New(eventbus.WithLogger(quiet()))
		s := newScheduler(c, fleet,
			scheduler.WithBus(bus), scheduler.WithTick(time.Minute))
		done := start(context.Background(), s)

		// The star stays pending while its target has no session.
		fleet.expectQuiet(t, 50*time.Millisecond)

		fleet.addDevice(idle("ghost"))
		bus.Publish(eventbus.DeviceStatusChanged{
			DeviceID: "ghost",
			From:     device.Connecting.String(),
			To:       device.Idle.String(),
			At:       time.Now(),
		})

		sub := fleet.next(t)
		assert.Equal(t, "ghost", sub.DeviceID)

		require.NoError(t, wait(t, done))
		assert.Equal(t, constellation.StateCompleted, c.State())
	})
}

func TestRoundRobinRotatesAcrossDevices(t *testing.T) {
	t.Parallel()

	c := newGraph(t)
	addStar(t, c, constellation.Star{ID: "a"})
	addStar(t, c, constellation.Star{ID: "b"})
	addStar(t, c, constellation.Star{ID: "c"})

	fleet := newFleet(idle("d1"), idle("d2"), idle("d3"))
	fleet.completeEcho()

	s := newScheduler(c, fleet, scheduler.WithStrategy(scheduler.RoundRobin))
	require.NoError(t, wait(t, start(context.Background(), s)))

	assigned := make(map[string]string)
	for _, sub := range fleet.submissions() {
		assigned[sub.Request.TaskID] = sub.DeviceID
	}
	assert.Equal(t, map[string]string{"a": "d1", "b": "d2", "c": "d3"}, assigned)
}

func TestCapabilityFirst(t *testing.T) {
	t.Parallel()

	t.Run("PicksLeastLoadedCapableDevice", func(t *testing.T) {
		t.Parallel()

		c := newGraph(t)
		addStar(t, c, constellation.Star{ID: "x", RequiredCapabilities: []string{"shell"}})

		// d4 is emptiest but lacks the capability; d2 and d3 tie on queue
		// depth and the busy one loses.
		busy := device.Profile{DeviceID: "d2", Status: device.Busy, Capabilities: []string{"shell"}}
		fleet := newFleet(idle("d1", "shell"), busy, idle("d3", "shell"), idle("d4"))
		fleet.setDepth("d1", 2)
		fleet.completeEcho()

		s := newScheduler(c, fleet, scheduler.WithStrategy(scheduler.CapabilityFirst))
		require.NoError(t, wait(t, start(context.Background(), s)))

		subs := fleet.submissions()
		require.Len(t, subs, 1)
		assert.Equal(t, "d3", subs[0].DeviceID)
	})

	t.Run("DeviceTypeMustMatch", func(t *testing.T) {
		t.Parallel()

		c := newGraph(t)
		addStar(t, c, constellation.Star{ID: "x", DeviceType: "ios"})

		android := device.Profile{DeviceID: "a1", Status: device.Idle, OS: "android"}
		ios := device.Profile{DeviceID: "z9", Status: device.Idle, OS: "ios"}
		fleet := newFleet(android, ios)
		fleet.setDepth("z9", 5)
		fleet.completeEcho()

		s := newScheduler(c, fleet, scheduler.WithStrategy(scheduler.CapabilityFirst))
		require.NoError(t, wait(t, start(context.Background(), s)))

		subs := fleet.submissions()
		require.Len(t, subs, 1)
		assert.Equal(t, "z9", subs[0].DeviceID)
	})
}

func TestPreferenceTable(t *testing.T) {
	t.Parallel()

	prefs := map[string]string{"android": "d2"}

	androidIdle := func(id string) device.Profile {
		return device.Profile{DeviceID: id, Status: device.Idle, OS: "android"}
	}

	t.Run("PreferredDeviceWins", func(t *testing.T) {
		t.Parallel()

		c := newGraph(t)
		addStar(t, c, constellation.Star{ID: "x", DeviceType: "android"})

		fleet := newFleet(androidIdle("d1"), androidIdle("d2"), androidIdle("d3"))
		fleet.completeEcho()

		s := newScheduler(c, fleet,
			scheduler.WithStrategy(scheduler.PreferenceTable),
			scheduler.WithPreferences(prefs))
		require.NoError(t, wait(t, start(context.Background(), s)))

		subs := fleet.submissions()
		require.Len(t, subs, 1)
		assert.Equal(t, "d2", subs[0].DeviceID)
	})

	t.Run("FallsBackWhenPreferredIsGone", func(t *testing.T) {
		t.Parallel()

		c := newGraph(t)
		addStar(t, c, constellation.Star{ID: "x", DeviceType: "android"})

		fleet := newFleet(androidIdle("d1"), androidIdle("d3"))
		fleet.completeEcho()

		s := newScheduler(c, fleet,
			scheduler.WithStrategy(scheduler.PreferenceTable),
			scheduler.WithPreferences(prefs))
		require.NoError(t, wait(t, start(context.Background(), s)))

		subs := fleet.submissions()
		require.Len(t, subs, 1)
		assert.Equal(t, "d1", subs[0].DeviceID)
	})

	t.Run("FallsBackWhenTypeIsUnmapped", func(t *testing.T) {
		t.Parallel()

		c := newGraph(t)
		addStar(t, c, constellation.Star{ID: "x", DeviceType: "ios"})

		ios := device.Profile{DeviceID: "e1", Status: device.Idle, OS: "ios"}
		fleet := newFleet(ios, androidIdle("d2"))
		fleet.completeEcho()

		s := newScheduler(c, fleet,
			scheduler.WithStrategy(scheduler.PreferenceTable),
			scheduler.WithPreferences(prefs))
		require.NoError(t, wait(t, start(context.Background(), s)))

		subs := fleet.submissions()
		require.Len(t, subs, 1)
		assert.Equal(t, "e1", subs[0].DeviceID)
	})
}

func TestSubmitErrorFailsTask(t *testing.T) {
	t.Parallel()

	c := newGraph(t)
	addStar(t, c, constellation.Star{ID: "only"})

	fleet := newFleet(idle("d1"))
	fleet.failing["d1"] = errors.New("session torn down")

	require.NoError(t, wait(t, start(context.Background(), newScheduler(c, fleet))))
	assert.Equal(t, constellation.StateFailed, c.State())

	only, err := c.Star("only")
	require.NoError(t, err)
	assert.Equal(t, constellation.StatusFailed, only.Status)
	assert.Equal(t, "session torn down", only.Error)
}

func TestCancelResolvesInflightWork(t *testing.T) {
	t.Parallel()

	c := newGraph(t)
	addStar(t, c, constellation.Star{ID: "running"})
	addStar(t, c, constellation.Star{ID: "queued"})
	addLine(t, c, constellation.StarLine{From: "running", To: "queued", Kind: constellation.SuccessOnly})

	fleet := newFleet(idle("d1"))
	s := newScheduler(c, fleet)
	done := start(context.Background(), s)

	sub := fleet.next(t)
	require.Equal(t, "running", sub.Request.TaskID)

	s.Cancel()
	require.NoError(t, wait(t, done))

	outcome, resolved := sub.Handle.Outcome()
	require.True(t, resolved)
	assert.False(t, outcome.OK)
	assert.Equal(t, dispatch.ReasonCancelled, outcome.Reason)

	for _, id := range []string{"running", "queued"} {
		star, err := c.Star(id)
		require.NoError(t, err)
		assert.Equal(t, constellation.StatusCancelled, star.Status)
	}
	assert.True(t, c.IsComplete())
}

func TestContextCancellationStopsRun(t *testing.T) {
	t.Parallel()

	c := newGraph(t)
	addStar(t, c, constellation.Star{ID: "running"})

	fleet := newFleet(idle("d1"))
	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, newScheduler(c, fleet))

	fleet.next(t)
	cancel()

	err := wait(t, done)
	require.ErrorIs(t, err, context.Canceled)

	star, err := c.Star("running")
	require.NoError(t, err)
	assert.Equal(t, constellation.StatusCancelled, star.Status)
}

func TestEmptyConstellationFinishesImmediately(t *testing.T) {
	t.Parallel()

	c := newGraph(t)
	fleet := newFleet(idle("d1"))

	require.NoError(t, wait(t, start(context.Background(), newScheduler(c, fleet))))
	assert.Empty(t, fleet.submissions())
}

func TestBusCarriesTaskLifecycle(t *testing.T) {
	t.Parallel()

	c := newGraph(t)
	addStar(t, c, constellation.Star{ID: "a"})
	addStar(t, c, constellation.Star{ID: "b"})
	addLine(t, c, constellation.StarLine{From: "a", To: "b", Kind: constellation.SuccessOnly})

	fleet := newFleet(idle("d1"))
	fleet.completeEcho()

	var (
		mu    sync.Mutex
		trace []string
	)
	bus := eventbus.New(eventbus.WithLogger(quiet()))
	bus.SubscribeFunc(func(evt eventbus.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e := evt.(type) {
		case eventbus.TaskStarted:
			trace = append(trace, "started "+e.TaskID)
		case eventbus.TaskCompleted:
			trace = append(trace, "completed "+e.TaskID+" on "+e.DeviceID)
		case eventbus.TaskFailed:
			trace = append(trace, "failed "+e.TaskID)
		case eventbus.TaskCancelled:
			trace = append(trace, "cancelled "+e.TaskID)
		case eventbus.ConstellationStateChanged:
			trace = append(trace, e.From+"->"+e.To)
		}
	})

	// A long tick leaves completion nudges as the only wake source, so the
	// trace order is deterministic.
	s := newScheduler(c, fleet, scheduler.WithBus(bus), scheduler.WithTick(time.Minute))
	require.NoError(t, wait(t, start(context.Background(), s)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"ready->executing",
		"started a",
		"completed a on d1",
		"started b",
		"completed b on d1",
		"executing->completed",
	}, trace)
}
