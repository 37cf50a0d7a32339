// Package constellation holds the task DAG: stars (task nodes) joined by
// typed dependency lines. The container preserves acyclicity and the task
// state machine across every mutation; all mutations go through one mutex,
// and readers get deep-copied snapshots.
package constellation

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asterism-org/asterism/internal/logger"
	"github.com/asterism-org/asterism/internal/logger/tag"
)

// Constellation is an acyclic graph of stars and lines plus the aggregate
// state derived from the star statuses.
type Constellation struct {
	mu        sync.Mutex
	id        string
	name      string
	stars     map[string]*Star
	lines     map[string]*StarLine
	state     State
	metadata  map[string]any
	createdAt time.Time
	updatedAt time.Time
	executing bool
	logger    logger.Logger
}

// Option configures a Constellation.
type Option func(*Constellation)

// WithID fixes the constellation id instead of generating one.
func WithID(id string) Option {
	return func(c *Constellation) { c.id = id }
}

// WithMetadata attaches free-form metadata.
func WithMetadata(md map[string]any) Option {
	return func(c *Constellation) { c.metadata = maps.Clone(md) }
}

// WithLogger sets the logger used for line-evaluation warnings.
func WithLogger(lg logger.Logger) Option {
	return func(c *Constellation) { c.logger = lg }
}

// New creates an empty constellation in state Created.
func New(name string, opts ...Option) *Constellation {
	c := &Constellation{
		name:      name,
		stars:     make(map[string]*Star),
		lines:     make(map[string]*StarLine),
		state:     StateCreated,
		createdAt: time.Now(),
		updatedAt: time.Now(),
		logger:    logger.NewLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	return c
}

// ID returns the constellation id.
func (c *Constellation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Name returns the constellation name.
func (c *Constellation) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// State returns the current aggregate state.
func (c *Constellation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metadata returns a copy of the constellation metadata.
func (c *Constellation) Metadata() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.metadata)
}

// Size returns the current number of stars and lines.
func (c *Constellation) Size() (stars, lines int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stars), len(c.lines)
}

// StateTransition reports an aggregate state change caused by a mutation,
// so callers can publish it.
type StateTransition struct {
	From    State
	To      State
	Changed bool
}

// AddStar inserts a new star and returns its id, generating one when the
// caller left it empty. The star always enters as Pending (or
// WaitingDependency, set later when lines arrive); callers cannot insert
// pre-started work.
func (c *Constellation) AddStar(star Star) (string, StateTransition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.addStarLocked(star)
	if err != nil {
		return "", StateTransition{}, err
	}
	return id, c.touch(), nil
}

func (c *Constellation) addStarLocked(star Star) (string, error) {
	if star.ID == "" {
		star.ID = uuid.NewString()
	}
	if _, exists := c.stars[star.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateStar, star.ID)
	}
	if star.Name == "" {
		star.Name = star.ID
	}

	now := time.Now()
	stored := star.clone()
	stored.Status = StatusPending
	stored.Result = nil
	stored.Error = ""
	stored.StartedAt = time.Time{}
	stored.EndedAt = time.Time{}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Incoming = nil
	stored.Outgoing = nil

	c.stars[star.ID] = stored
	return star.ID, nil
}

// Star returns a snapshot of one star.
func (c *Constellation) Star(id string) (Star, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	star, exists := c.stars[id]
	if !exists {
		return Star{}, fmt.Errorf("%w: %s", ErrUnknownStar, id)
	}
	return *star.clone(), nil
}

// Stars returns snapshots of every star in dispatch order.
func (c *Constellation) Stars() []Star {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Star, 0, len(c.stars))
	for _, star := range c.stars {
		out = append(out, star)
	}
	slices.SortFunc(out, starOrder)

	snapshots := make([]Star, len(out))
	for i, star := range out {
		snapshots[i] = *star.clone()
	}
	return snapshots
}

// RemoveStar deletes a star and cascades removal of its incident lines,
// returning snapshots of everything removed so the editor can restore
// them. Running and terminal stars cannot be removed.
func (c *Constellation) RemoveStar(id string) (Star, []StarLine, StateTransition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	star, exists := c.stars[id]
	if !exists {
		return Star{}, nil, StateTransition{}, fmt.Errorf("%w: %s", ErrUnknownStar, id)
	}
	if star.Status == StatusRunning {
		return Star{}, nil, StateTransition{}, fmt.Errorf("%w: %s", ErrStarRunning, id)
	}
	if star.Terminal() {
		return Star{}, nil, StateTransition{}, fmt.Errorf("%w: %s", ErrStarTerminal, id)
	}

	var removedLines []StarLine
	incident := slices.Concat(star.Incoming, star.Outgoing)
	for _, lineID := range incident {
		line, ok := c.lines[lineID]
		if !ok {
			continue
		}
		removedLines = append(removedLines, *line.clone())
		c.detachLine(line)
	}
	removed := *star.clone()
	delete(c.stars, id)
	trans := c.touch()
	return removed, removedLines, trans, nil
}

// UpdateStar applies a patch and returns the inverse patch restoring the
// previous values. Running stars cannot be edited.
func (c *Constellation) UpdateStar(id string, patch StarPatch) (StarPatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	star, exists := c.stars[id]
	if !exists {
		return StarPatch{}, fmt.Errorf("%w: %s", ErrUnknownStar, id)
	}
	if star.Status == StatusRunning {
		return StarPatch{}, fmt.Errorf("%w: %s", ErrStarRunning, id)
	}

	inverse := patch.apply(star)
	star.UpdatedAt = time.Now()
	c.updatedAt = star.UpdatedAt
	return inverse, nil
}

// AddLine inserts a dependency line and returns its id. It rejects
// self-loops, missing endpoints, edits against running or terminal
// targets, and any line that would close a cycle.
func (c *Constellation) AddLine(line StarLine) (string, StateTransition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.addLineLocked(line)
	if err != nil {
		return "", StateTransition{}, err
	}
	return id, c.touch(), nil
}

func (c *Constellation) addLineLocked(line StarLine) (string, error) {
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	if _, exists := c.lines[line.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateLine, line.ID)
	}
	if line.From == line.To {
		return "", fmt.Errorf("%w: %s", ErrSelfLoop, line.From)
	}
	if _, exists := c.stars[line.From]; !exists {
		return "", fmt.Errorf("%w: from %s", ErrUnknownStar, line.From)
	}
	target, exists := c.stars[line.To]
	if !exists {
		return "", fmt.Errorf("%w: to %s", ErrUnknownStar, line.To)
	}
	if target.Status == StatusRunning {
		return "", fmt.Errorf("%w: %s", ErrStarRunning, line.To)
	}
	if target.Terminal() {
		return "", fmt.Errorf("%w: %s", ErrStarTerminal, line.To)
	}
	if c.pathExists(line.To, line.From) {
		return "", fmt.Errorf("%w: %s -> %s", ErrCycle, line.From, line.To)
	}

	now := time.Now()
	stored := line.clone()
	stored.LastEvalResult = nil
	stored.LastEvalAt = time.Time{}
	stored.LastEvalError = ""
	stored.CreatedAt = now
	stored.UpdatedAt = now

	c.lines[line.ID] = stored
	c.stars[line.From].Outgoing = append(c.stars[line.From].Outgoing, line.ID)
	target.Incoming = append(target.Incoming, line.ID)
	if target.Status == StatusPending {
		target.Status = StatusWaitingDependency
		target.UpdatedAt = now
	}
	return line.ID, nil
}

// Merge adds a batch of stars and lines as one atomic operation: either
// every element is added or the constellation is left untouched. With
// clearExisting it first removes the current contents, which is rejected
// while any star is running. The returned snapshot holds the pre-merge
// contents so the caller can restore them.
func (c *Constellation) Merge(stars []Star, lines []StarLine, clearExisting bool) (*Constellation, StateTransition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if clearExisting {
		for id, star := range c.stars {
			if star.Status == StatusRunning {
				return nil, StateTransition{}, fmt.Errorf("%w: %s", ErrConstellationBusy, id)
			}
		}
	}

	backup := c.snapshotLocked()
	if clearExisting {
		c.stars = make(map[string]*Star)
		c.lines = make(map[string]*StarLine)
		c.executing = false
	}
	for _, star := range stars {
		if _, err := c.addStarLocked(star); err != nil {
			c.restoreLocked(backup)
			return nil, StateTransition{}, err
		}
	}
	for _, line := range lines {
		if _, err := c.addLineLocked(line); err != nil {
			c.restoreLocked(backup)
			return nil, StateTransition{}, err
		}
	}
	return backup, c.touch(), nil
}

// Line returns a snapshot of one line.
func (c *Constellation) Line(id string) (StarLine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, exists := c.lines[id]
	if !exists {
		return StarLine{}, fmt.Errorf("%w: %s", ErrUnknownLine, id)
	}
	return *line.clone(), nil
}

// Lines returns snapshots of every line sorted by creation time then id.
func (c *Constellation) Lines() []StarLine {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*StarLine, 0, len(c.lines))
	for _, line := range c.lines {
		out = append(out, line)
	}
	slices.SortFunc(out, func(a, b *StarLine) int {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if a.CreatedAt.Before(b.CreatedAt) {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	snapshots := make([]StarLine, len(out))
	for i, line := range out {
		snapshots[i] = *line.clone()
	}
	return snapshots
}

// RemoveLine deletes a line and returns its snapshot. Lines into a running
// star cannot be removed.
func (c *Constellation) RemoveLine(id string) (StarLine, StateTransition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, exists := c.lines[id]
	if !exists {
		return StarLine{}, StateTransition{}, fmt.Errorf("%w: %s", ErrUnknownLine, id)
	}
	if target, ok := c.stars[line.To]; ok && target.Status == StatusRunning {
		return StarLine{}, StateTransition{}, fmt.Errorf("%w: %s", ErrStarRunning, line.To)
	}

	removed := *line.clone()
	c.detachLine(line)
	trans := c.touch()
	return removed, trans, nil
}

// UpdateLine applies a patch and returns the inverse patch. Lines into
// running or terminal targets cannot be edited.
func (c *Constellation) UpdateLine(id string, patch LinePatch) (LinePatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, exists := c.lines[id]
	if !exists {
		return LinePatch{}, fmt.Errorf("%w: %s", ErrUnknownLine, id)
	}
	if target, ok := c.stars[line.To]; ok {
		if target.Status == StatusRunning {
			return LinePatch{}, fmt.Errorf("%w: %s", ErrStarRunning, line.To)
		}
		if target.Terminal() {
			return LinePatch{}, fmt.Errorf("%w: %s", ErrStarTerminal, line.To)
		}
	}

	inverse := patch.apply(line)
	line.UpdatedAt = time.Now()
	c.updatedAt = line.UpdatedAt
	return inverse, nil
}

// detachLine removes the line record and its entries in the endpoint
// stars' managed sets. A target left with no incoming lines returns from
// WaitingDependency to Pending. Caller holds the mutex.
func (c *Constellation) detachLine(line *StarLine) {
	delete(c.lines, line.ID)
	if from, ok := c.stars[line.From]; ok {
		from.Outgoing = slices.DeleteFunc(from.Outgoing, func(id string) bool { return id == line.ID })
	}
	if to, ok := c.stars[line.To]; ok {
		to.Incoming = slices.DeleteFunc(to.Incoming, func(id string) bool { return id == line.ID })
		if len(to.Incoming) == 0 && to.Status == StatusWaitingDependency {
			to.Status = StatusPending
			to.UpdatedAt = time.Now()
		}
	}
}

// pathExists reports whether any directed path leads from one star to
// another. Used as the cycle gate: adding from->to is illegal when a path
// to->from already exists. Caller holds the mutex.
func (c *Constellation) pathExists(from, to string) bool {
	visited := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		star, ok := c.stars[id]
		if !ok {
			continue
		}
		for _, lineID := range star.Outgoing {
			if line, ok := c.lines[lineID]; ok {
				stack = append(stack, line.To)
			}
		}
	}
	return false
}

// TopologicalOrder returns every star id in dependency order, Kahn's
// algorithm with a stable tie-break by priority desc, creation asc, id asc.
func (c *Constellation) TopologicalOrder() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	order := c.topoOrderLocked()
	if len(order) != len(c.stars) {
		// Unreachable while the AddLine gate holds.
		return nil, ErrCycle
	}
	return order, nil
}

// ReadyStars returns snapshots of every schedulable star whose incoming
// lines are all satisfied, in dispatch order. Evaluating a conditional
// line records the outcome on the line.
func (c *Constellation) ReadyStars() []Star {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ready []*Star
	for _, star := range c.stars {
		if !star.Status.IsSchedulable() {
			continue
		}
		if c.incomingSatisfied(star) {
			ready = append(ready, star)
		}
	}
	slices.SortFunc(ready, starOrder)

	snapshots := make([]Star, len(ready))
	for i, star := range ready {
		snapshots[i] = *star.clone()
	}
	return snapshots
}

// incomingSatisfied reports whether every incoming line of the star is
// satisfied. Caller holds the mutex.
func (c *Constellation) incomingSatisfied(star *Star) bool {
	for _, lineID := range star.Incoming {
		line, ok := c.lines[lineID]
		if !ok {
			continue
		}
		source, ok := c.stars[line.From]
		if !ok {
			continue
		}
		if !c.lineSatisfied(line, source) {
			return false
		}
	}
	return true
}

// lineSatisfied applies the satisfaction table for one line given its
// source star. Caller holds the mutex.
func (c *Constellation) lineSatisfied(line *StarLine, source *Star) bool {
	switch line.Kind {
	case Unconditional, CompletionOnly:
		return source.Terminal()
	case SuccessOnly:
		return source.Status == StatusCompleted
	case Conditional:
		if !source.Terminal() {
			return false
		}
		if line.Predicate == nil {
			if !line.warnedNoPredicate {
				line.warnedNoPredicate = true
				c.logger.Warn("conditional line has no predicate; treating as success_only",
					tag.Task(line.From), "line", line.ID)
			}
			return source.Status == StatusCompleted
		}
		ok, err := line.evalPredicate(source.Result)
		satisfied := err == nil && ok
		line.LastEvalResult = &satisfied
		line.LastEvalAt = time.Now()
		if err != nil {
			line.LastEvalError = err.Error()
			c.logger.Warn("conditional predicate failed; treating line as not satisfied",
				"line", line.ID, tag.Error(err))
		} else {
			line.LastEvalError = ""
		}
		return satisfied
	default:
		return false
	}
}

// MarkStarted transitions a schedulable star to Running and records the
// start time.
func (c *Constellation) MarkStarted(id string) (StateTransition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	star, exists := c.stars[id]
	if !exists {
		return StateTransition{}, fmt.Errorf("%w: %s", ErrUnknownStar, id)
	}
	if !star.Status.IsSchedulable() {
		return StateTransition{}, fmt.Errorf("%w: cannot start %s from %s", ErrIllegalTransition, id, star.Status)
	}

	now := time.Now()
	star.Status = StatusRunning
	star.StartedAt = now
	star.EndedAt = time.Time{}
	star.UpdatedAt = now
	return c.touch(), nil
}

// MarkCompleted transitions a Running star to Completed or Failed, records
// the outcome, and re-evaluates the readiness of downstream stars so
// conditional lines carry a fresh evaluation record.
func (c *Constellation) MarkCompleted(id string, success bool, result map[string]any, taskErr string) (StateTransition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	star, exists := c.stars[id]
	if !exists {
		return StateTransition{}, fmt.Errorf("%w: %s", ErrUnknownStar, id)
	}
	if star.Status != StatusRunning {
		return StateTransition{}, fmt.Errorf("%w: cannot complete %s from %s", ErrIllegalTransition, id, star.Status)
	}

	now := time.Now()
	if success {
		star.Status = StatusCompleted
	} else {
		star.Status = StatusFailed
	}
	star.Result = maps.Clone(result)
	star.Error = taskErr
	star.EndedAt = now
	star.UpdatedAt = now

	for _, lineID := range star.Outgoing {
		line, ok := c.lines[lineID]
		if !ok {
			continue
		}
		if target, ok := c.stars[line.To]; ok && target.Status.IsSchedulable() {
			c.lineSatisfied(line, star)
		}
	}
	return c.touch(), nil
}

// MarkCancelled transitions a non-terminal star to Cancelled with the
// given reason.
func (c *Constellation) MarkCancelled(id, reason string) (StateTransition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	star, exists := c.stars[id]
	if !exists {
		return StateTransition{}, fmt.Errorf("%w: %s", ErrUnknownStar, id)
	}
	if star.Terminal() {
		return StateTransition{}, fmt.Errorf("%w: cannot cancel %s from %s", ErrIllegalTransition, id, star.Status)
	}

	now := time.Now()
	star.Status = StatusCancelled
	star.Error = reason
	star.EndedAt = now
	star.UpdatedAt = now
	return c.touch(), nil
}

// Begin marks the constellation Executing at the start of a scheduler run.
// The flag keeps the aggregate state Executing between dispatch rounds
// even while nothing is running yet.
func (c *Constellation) Begin() StateTransition {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.executing = true
	return c.touch()
}

// IsComplete reports whether every star is terminal. An empty
// constellation is trivially complete.
func (c *Constellation) IsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, star := range c.stars {
		if !star.Terminal() {
			return false
		}
	}
	return true
}

// NonTerminalStars returns ids of every star that has not finished, in
// dispatch order.
func (c *Constellation) NonTerminalStars() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Star
	for _, star := range c.stars {
		if !star.Terminal() {
			out = append(out, star)
		}
	}
	slices.SortFunc(out, starOrder)

	ids := make([]string, len(out))
	for i, star := range out {
		ids[i] = star.ID
	}
	return ids
}

// RunningCount returns the number of stars currently Running.
func (c *Constellation) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, star := range c.stars {
		if star.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Clear removes every star and line. It is rejected while any star is
// running.
func (c *Constellation) Clear() (StateTransition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, star := range c.stars {
		if star.Status == StatusRunning {
			return StateTransition{}, fmt.Errorf("%w: %s", ErrConstellationBusy, id)
		}
	}

	c.stars = make(map[string]*Star)
	c.lines = make(map[string]*StarLine)
	c.executing = false
	return c.touch(), nil
}

// Clone returns a deep copy, predicates included. The editor snapshots the
// graph this way for whole-graph undo.
func (c *Constellation) Clone() *Constellation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// snapshotLocked deep-copies the constellation. The result is a fresh
// object no other goroutine can reach yet. Caller holds the mutex.
func (c *Constellation) snapshotLocked() *Constellation {
	clone := &Constellation{
		id:        c.id,
		name:      c.name,
		stars:     make(map[string]*Star, len(c.stars)),
		lines:     make(map[string]*StarLine, len(c.lines)),
		state:     c.state,
		metadata:  maps.Clone(c.metadata),
		createdAt: c.createdAt,
		updatedAt: c.updatedAt,
		executing: c.executing,
		logger:    c.logger,
	}
	for id, star := range c.stars {
		clone.stars[id] = star.clone()
	}
	for id, line := range c.lines {
		clone.lines[id] = line.clone()
	}
	return clone
}

// Restore replaces the contents with those of a snapshot produced by
// Clone. It is rejected while any star is running.
func (c *Constellation) Restore(snapshot *Constellation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, star := range c.stars {
		if star.Status == StatusRunning {
			return fmt.Errorf("%w: %s", ErrConstellationBusy, id)
		}
	}

	snapshot.mu.Lock()
	defer snapshot.mu.Unlock()

	c.restoreLocked(snapshot)
	c.updatedAt = time.Now()
	return nil
}

// restoreLocked copies the snapshot contents over the current ones. The
// constellation keeps its id, creation time, and logger. Caller holds the
// mutex and guarantees the snapshot is not mutated concurrently.
func (c *Constellation) restoreLocked(snapshot *Constellation) {
	c.name = snapshot.name
	c.metadata = maps.Clone(snapshot.metadata)
	c.state = snapshot.state
	c.executing = snapshot.executing
	c.stars = make(map[string]*Star, len(snapshot.stars))
	for id, star := range snapshot.stars {
		c.stars[id] = star.clone()
	}
	c.lines = make(map[string]*StarLine, len(snapshot.lines))
	for id, line := range snapshot.lines {
		c.lines[id] = line.clone()
	}
}

// touch recomputes the aggregate state and bumps the updated timestamp.
// Caller holds the mutex.
func (c *Constellation) touch() StateTransition {
	c.updatedAt = time.Now()
	prev := c.state
	c.state = c.recompute()
	return StateTransition{From: prev, To: c.state, Changed: prev != c.state}
}

// recompute derives the aggregate state from the star statuses. Cancelled
// counts as failure-class: a constellation is Completed only when nothing
// failed or was cancelled. Caller holds the mutex.
func (c *Constellation) recompute() State {
	total := len(c.stars)
	if total == 0 {
		c.executing = false
		return StateCreated
	}

	var terminal, succeeded, failed, running int
	for _, star := range c.stars {
		switch star.Status {
		case StatusCompleted:
			terminal++
			succeeded++
		case StatusFailed, StatusCancelled:
			terminal++
			failed++
		case StatusRunning:
			running++
		}
	}

	if terminal == total {
		c.executing = false
		switch {
		case failed == 0:
			return StateCompleted
		case succeeded == 0:
			return StateFailed
		default:
			return StatePartiallyFailed
		}
	}
	if running > 0 || c.executing {
		return StateExecuting
	}
	return StateReady
}
