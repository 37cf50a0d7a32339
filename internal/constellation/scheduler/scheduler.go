// Package scheduler drives one constellation to completion. It watches the
// ready frontier, assigns each ready star to a device through the
// coordinator, and folds task outcomes back into the graph until every
// star is terminal.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asterism-org/asterism/internal/constellation"
	"github.com/asterism-org/asterism/internal/device"
	"github.com/asterism-org/asterism/internal/dispatch"
	"github.com/asterism-org/asterism/internal/eventbus"
	"github.com/asterism-org/asterism/internal/logger"
	"github.com/asterism-org/asterism/internal/logger/tag"
)

const eventBuffer = 64

// Dispatcher is the coordinator-facing seam: everything the scheduler
// needs to place work on devices and weigh candidates.
type Dispatcher interface {
	// SubmitTask hands a request to a device and returns a handle that
	// resolves exactly once with the terminal outcome. A zero timeout
	// applies the coordinator default.
	SubmitTask(deviceID string, req dispatch.Request, timeout time.Duration) (*dispatch.Handle, error)
	// DeviceSnapshot returns the current profile of one device.
	DeviceSnapshot(deviceID string) (device.Profile, error)
	// ListDevices returns profiles matching the filter, sorted by id.
	ListDevices(filter device.Filter) []device.Profile
	// QueueDepth reports the number of submissions waiting on a device.
	QueueDepth(deviceID string) int
}

// Strategy picks among capable devices when a star has no pinned target.
type Strategy int

const (
	RoundRobin Strategy = iota
	CapabilityFirst
	PreferenceTable
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case CapabilityFirst:
		return "capability_first"
	case PreferenceTable:
		return "preference_table"
	default:
		return "round_robin"
	}
}

// ParseStrategy converts a config token to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "round_robin", "":
		return RoundRobin, nil
	case "capability_first":
		return CapabilityFirst, nil
	case "preference_table":
		return PreferenceTable, nil
	default:
		return RoundRobin, fmt.Errorf("unknown assignment strategy %q", s)
	}
}

// Scheduler runs one constellation over the device fleet.
type Scheduler struct {
	c           *constellation.Constellation
	dispatcher  Dispatcher
	bus         *eventbus.Bus
	logger      logger.Logger
	strategy    Strategy
	preferences map[string]string
	tick        time.Duration

	wake       chan struct{}
	cancelled  chan struct{}
	cancelOnce sync.Once
	wg         sync.WaitGroup

	mu       sync.Mutex
	rrIndex  int
	inflight map[string]*dispatch.Handle
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBus publishes task lifecycle events and listens for graph mutations
// and device status changes.
func WithBus(bus *eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithLogger sets the scheduler logger.
func WithLogger(lg logger.Logger) Option {
	return func(s *Scheduler) { s.logger = lg }
}

// WithStrategy selects the device assignment strategy.
func WithStrategy(st Strategy) Option {
	return func(s *Scheduler) { s.strategy = st }
}

// WithPreferences installs the device preference table mapping a star's
// device type to a preferred device id.
func WithPreferences(prefs map[string]string) Option {
	return func(s *Scheduler) { s.preferences = prefs }
}

// WithTick overrides the coarse re-check interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// New creates a scheduler over the constellation and dispatcher.
func New(c *constellation.Constellation, d Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		c:          c,
		dispatcher: d,
		logger:     logger.NewLogger(),
		tick:       500 * time.Millisecond,
		wake:       make(chan struct{}, 1),
		cancelled:  make(chan struct{}),
		inflight:   make(map[string]*dispatch.Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the constellation until every star is terminal or ctx is
// done. External cancellation (ctx or Cancel) marks the remaining
// non-terminal stars Cancelled and resolves in-flight submissions as
// Failed(Cancelled); device connections stay up.
func (s *Scheduler) Run(ctx context.Context) error {
	var events <-chan eventbus.Event
	if s.bus != nil {
		sub, ch := s.bus.Subscribe(ctx, eventBuffer,
			eventbus.KindConstellationMutated, eventbus.KindDeviceStatusChanged)
		defer sub.Cancel()
		events = ch
	}

	s.publishTransition(s.c.Begin())
	s.logger.Info("scheduler started",
		tag.Constellation(s.c.ID()), tag.Strategy(s.strategy.String()))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.terminate("scheduler context cancelled")
			s.wg.Wait()
			return ctx.Err()
		case <-s.cancelled:
			s.terminate("cancelled")
		default:
		}

		ready := s.dispatchReady()

		if s.c.IsComplete() {
			s.wg.Wait()
			s.logger.Info("constellation finished",
				tag.Constellation(s.c.ID()), tag.Status(s.c.State().String()))
			return nil
		}

		// Nothing runs and nothing can become ready: every remaining star
		// is unreachable, since only a running star can satisfy a line.
		if ready == 0 && s.c.RunningCount() == 0 && s.inflightCount() == 0 {
			s.cancelRemaining("unreachable predicate")
			continue
		}

		select {
		case <-ctx.Done():
		case <-s.cancelled:
		case <-events:
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// Cancel stops the run: remaining stars are marked Cancelled and in-flight
// submissions resolve as Failed(Cancelled). Safe to call more than once
// and from any goroutine.
func (s *Scheduler) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelled) })
}

// dispatchReady starts every ready star that has a device, returning the
// number of ready stars seen (dispatched or not).
func (s *Scheduler) dispatchReady() int {
	readyStars := s.c.ReadyStars()
	for _, star := range readyStars {
		deviceID, ok := s.selectDevice(star)
		if !ok {
			continue // stays pending until the device set changes
		}
		if _, err := s.c.MarkStarted(star.ID); err != nil {
			// The planner got there first; skip this round.
			continue
		}
		handle, err := s.dispatcher.SubmitTask(deviceID, requestFromStar(star), star.Timeout)
		if err != nil {
			s.logger.Error("task submission failed",
				tag.Task(star.ID), tag.Device(deviceID), tag.Error(err))
			s.finish(star.ID, deviceID, dispatch.Failed(dispatch.ReasonDeviceUnavailable, err))
			continue
		}
		s.track(star.ID, handle)
		s.publish(eventbus.TaskStarted{
			ConstellationID: s.c.ID(),
			TaskID:          star.ID,
			DeviceID:        deviceID,
			At:              time.Now(),
		})
		s.logger.Info("task dispatched", tag.Task(star.ID), tag.Device(deviceID))

		s.wg.Add(1)
		go s.await(star.ID, deviceID, handle)
	}
	return len(readyStars)
}

func (s *Scheduler) await(starID, deviceID string, handle *dispatch.Handle) {
	defer s.wg.Done()
	// The coordinator resolves every handle: on reply, timeout,
	// disconnect, or cancellation. Waiting without a deadline is safe.
	outcome, _ := handle.Wait(context.Background())
	s.untrack(starID)
	s.finish(starID, deviceID, outcome)
	s.nudge()
}

// finish folds a terminal outcome into the graph and publishes the task
// event. An outcome for a star that is no longer Running (cancelled under
// a live submission) is logged and dropped.
func (s *Scheduler) finish(starID, deviceID string, outcome dispatch.Outcome) {
	if outcome.OK {
		trans, err := s.c.MarkCompleted(starID, true, outcome.Result, "")
		if err != nil {
			s.logger.Warn("dropping late task outcome", tag.Task(starID), tag.Error(err))
			return
		}
		star, _ := s.c.Star(starID)
		s.publish(eventbus.TaskCompleted{
			ConstellationID: s.c.ID(),
			TaskID:          starID,
			DeviceID:        deviceID,
			Result:          resultSummary(outcome.Result),
			Duration:        star.Duration(),
			At:              time.Now(),
		})
		s.publishTransition(trans)
		s.logger.Info("task completed", tag.Task(starID), tag.Device(deviceID), tag.Duration(star.Duration()))
		return
	}

	errMsg := outcome.Reason.String()
	if outcome.Err != nil {
		errMsg = outcome.Err.Error()
	}
	trans, err := s.c.MarkCompleted(starID, false, outcome.Result, errMsg)
	if err != nil {
		s.logger.Warn("dropping late task outcome", tag.Task(starID), tag.Error(err))
		return
	}
	star, _ := s.c.Star(starID)
	s.publish(eventbus.TaskFailed{
		ConstellationID: s.c.ID(),
		TaskID:          starID,
		DeviceID:        deviceID,
		Reason:          errMsg,
		Duration:        star.Duration(),
		At:              time.Now(),
	})
	s.publishTransition(trans)
	s.logger.Warn("task failed", tag.Task(starID), tag.Device(deviceID), tag.Reason(errMsg))
}

// cancelRemaining marks every non-terminal star Cancelled.
func (s *Scheduler) cancelRemaining(reason string) {
	for _, id := range s.c.NonTerminalStars() {
		trans, err := s.c.MarkCancelled(id, reason)
		if err != nil {
			continue
		}
		s.publish(eventbus.TaskCancelled{
			ConstellationID: s.c.ID(),
			TaskID:          id,
			Reason:          reason,
			At:              time.Now(),
		})
		s.publishTransition(trans)
		s.logger.Info("task cancelled", tag.Task(id), tag.Reason(reason))
	}
}

// terminate cancels the remaining stars and resolves in-flight handles so
// their await goroutines return.
func (s *Scheduler) terminate(reason string) {
	s.cancelRemaining(reason)

	s.mu.Lock()
	handles := make([]*dispatch.Handle, 0, len(s.inflight))
	for _, h := range s.inflight {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Resolve(dispatch.Failed(dispatch.ReasonCancelled, errors.New(reason)))
	}
}

// selectDevice picks a device for the star. A pinned target is honored
// whenever it has a live session; otherwise capable devices are weighed by
// the configured strategy.
func (s *Scheduler) selectDevice(star constellation.Star) (string, bool) {
	if star.TargetDeviceID != "" {
		profile, err := s.dispatcher.DeviceSnapshot(star.TargetDeviceID)
		if err != nil || !profile.Status.IsConnected() {
			return "", false
		}
		return profile.DeviceID, true
	}

	candidates := s.candidates(star)
	if len(candidates) == 0 {
		return "", false
	}

	switch s.strategy {
	case PreferenceTable:
		if preferred, ok := s.preferences[star.DeviceType]; ok {
			for _, p := range candidates {
				if p.DeviceID == preferred {
					return preferred, true
				}
			}
		}
		return s.byCapacity(candidates), true
	case RoundRobin:
		s.mu.Lock()
		pick := candidates[s.rrIndex%len(candidates)]
		s.rrIndex++
		s.mu.Unlock()
		return pick.DeviceID, true
	default:
		return s.byCapacity(candidates), true
	}
}

// candidates returns connected devices satisfying the star's device type
// and capability constraints, sorted by id.
func (s *Scheduler) candidates(star constellation.Star) []device.Profile {
	profiles := s.dispatcher.ListDevices(device.Filter{
		Statuses: []device.Status{device.Connected, device.Idle, device.Busy},
	})
	matched := profiles[:0]
	for _, p := range profiles {
		if star.DeviceType != "" && p.OS != star.DeviceType {
			continue
		}
		if !hasAllCapabilities(p, star.RequiredCapabilities) {
			continue
		}
		matched = append(matched, p)
	}
	return matched
}

// byCapacity picks the least loaded candidate: lowest queue depth, then
// lowest load (depth plus one when busy), then lowest id.
func (s *Scheduler) byCapacity(candidates []device.Profile) string {
	best := candidates[0]
	bestDepth := s.dispatcher.QueueDepth(best.DeviceID)
	bestLoad := bestDepth + busyness(best)
	for _, p := range candidates[1:] {
		depth := s.dispatcher.QueueDepth(p.DeviceID)
		load := depth + busyness(p)
		if depth < bestDepth || (depth == bestDepth && load < bestLoad) {
			best, bestDepth, bestLoad = p, depth, load
		}
	}
	return best.DeviceID
}

func busyness(p device.Profile) int {
	if p.Status == device.Busy {
		return 1
	}
	return 0
}

func hasAllCapabilities(p device.Profile, capabilities []string) bool {
	for _, c := range capabilities {
		if !p.HasCapability(c) {
			return false
		}
	}
	return true
}

func requestFromStar(star constellation.Star) dispatch.Request {
	description := star.Description
	if description == "" {
		description = star.Name
	}
	return dispatch.Request{
		TaskID:      star.ID,
		Description: description,
		Data:        star.TaskData,
	}
}

func resultSummary(result map[string]any) string {
	if len(result) == 0 {
		return ""
	}
	return fmt.Sprintf("%v", result)
}

func (s *Scheduler) track(starID string, h *dispatch.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[starID] = h
}

func (s *Scheduler) untrack(starID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, starID)
}

func (s *Scheduler) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(evt eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}

func (s *Scheduler) publishTransition(trans constellation.StateTransition) {
	if s.bus == nil || !trans.Changed {
		return
	}
	s.bus.Publish(eventbus.ConstellationStateChanged{
		ConstellationID: s.c.ID(),
		From:            trans.From.String(),
		To:              trans.To.String(),
		At:              time.Now(),
	})
}
