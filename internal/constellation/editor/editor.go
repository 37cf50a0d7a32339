// Package editor wraps a constellation in a command journal. Every
// mutation goes through a Command with a recorded inverse, giving the
// planner undo and redo over the task graph while the model's own gates
// keep running work untouchable.
package editor

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/asterism-org/asterism/internal/constellation"
	"github.com/asterism-org/asterism/internal/eventbus"
	"github.com/asterism-org/asterism/internal/logger"
	"github.com/asterism-org/asterism/internal/logger/tag"
)

// DefaultMaxHistory bounds the undo journal; the oldest entry is dropped
// when a new command would exceed it.
const DefaultMaxHistory = 100

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// View is a read-only summary handed to observers after every change.
type View struct {
	ConstellationID string
	Name            string
	State           constellation.State
	Stars           int
	Lines           int
	CanUndo         bool
	CanRedo         bool
}

// Observer is called after every successful Do, Undo, or Redo with the
// resulting view and the command description. A panicking observer is
// logged and never aborts the editor.
type Observer func(view View, description string)

// Editor journals commands against one constellation. All operations are
// serialized; the underlying constellation can still be read (and its
// tasks marked) concurrently by the scheduler.
type Editor struct {
	mu         sync.Mutex
	c          *constellation.Constellation
	undo       []Command
	redo       []Command
	observers  []Observer
	maxHistory int
	bus        *eventbus.Bus
	logger     logger.Logger
}

// Option configures an Editor.
type Option func(*Editor)

// WithBus publishes ConstellationMutated and ConstellationStateChanged
// events for every successful operation.
func WithBus(bus *eventbus.Bus) Option {
	return func(e *Editor) { e.bus = bus }
}

// WithLogger sets the logger used for observer panic reports.
func WithLogger(lg logger.Logger) Option {
	return func(e *Editor) { e.logger = lg }
}

// WithMaxHistory overrides the journal depth.
func WithMaxHistory(n int) Option {
	return func(e *Editor) {
		if n > 0 {
			e.maxHistory = n
		}
	}
}

// New creates an editor over the given constellation.
func New(c *constellation.Constellation, opts ...Option) *Editor {
	e := &Editor{
		c:          c,
		maxHistory: DefaultMaxHistory,
		logger:     logger.NewLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Constellation returns the live model the editor operates on.
func (e *Editor) Constellation() *constellation.Constellation { return e.c }

// Observe registers an observer for subsequent operations.
func (e *Editor) Observe(fn Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// View returns the current summary.
func (e *Editor) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

// CanUndo reports whether the undo journal is non-empty.
func (e *Editor) CanUndo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.undo) > 0
}

// CanRedo reports whether the redo journal is non-empty.
func (e *Editor) CanRedo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.redo) > 0
}

// History returns the descriptions of the undo journal, oldest first.
func (e *Editor) History() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	descs := make([]string, len(e.undo))
	for i, cmd := range e.undo {
		descs[i] = cmd.Description()
	}
	return descs
}

// Apply executes a command and journals it. A failing command leaves the
// constellation unchanged and is not journaled; a successful one clears
// the redo journal.
func (e *Editor) Apply(cmd Command) error {
	e.mu.Lock()
	before := e.c.State()
	if err := cmd.Do(e.c); err != nil {
		e.mu.Unlock()
		return err
	}
	e.undo = append(e.undo, cmd)
	if len(e.undo) > e.maxHistory {
		e.undo = slices.Delete(e.undo, 0, len(e.undo)-e.maxHistory)
	}
	e.redo = nil
	observers, view, after := slices.Clone(e.observers), e.viewLocked(), e.c.State()
	e.mu.Unlock()

	e.announce(observers, view, cmd.Description(), before, after)
	return nil
}

// Undo reverses the most recent command and moves it to the redo journal.
// A failing undo leaves both journals unchanged.
func (e *Editor) Undo() error {
	e.mu.Lock()
	if len(e.undo) == 0 {
		e.mu.Unlock()
		return ErrNothingToUndo
	}
	cmd := e.undo[len(e.undo)-1]
	before := e.c.State()
	if err := cmd.Undo(e.c); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("undo %s: %w", cmd.Description(), err)
	}
	e.undo = e.undo[:len(e.undo)-1]
	e.redo = append(e.redo, cmd)
	observers, view, after := slices.Clone(e.observers), e.viewLocked(), e.c.State()
	e.mu.Unlock()

	e.announce(observers, view, "undo "+cmd.Description(), before, after)
	return nil
}

// Redo re-applies the most recently undone command.
func (e *Editor) Redo() error {
	e.mu.Lock()
	if len(e.redo) == 0 {
		e.mu.Unlock()
		return ErrNothingToRedo
	}
	cmd := e.redo[len(e.redo)-1]
	before := e.c.State()
	if err := cmd.Do(e.c); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("redo %s: %w", cmd.Description(), err)
	}
	e.redo = e.redo[:len(e.redo)-1]
	e.undo = append(e.undo, cmd)
	observers, view, after := slices.Clone(e.observers), e.viewLocked(), e.c.State()
	e.mu.Unlock()

	e.announce(observers, view, "redo "+cmd.Description(), before, after)
	return nil
}

// Save serializes the constellation. It is read-only and not journaled.
func (e *Editor) Save() ([]byte, error) {
	return e.c.Save()
}

// AddStar applies an AddStarCommand and returns the star id.
func (e *Editor) AddStar(star constellation.Star) (string, error) {
	cmd := &AddStarCommand{Star: star}
	if err := e.Apply(cmd); err != nil {
		return "", err
	}
	return cmd.ID(), nil
}

// RemoveStar applies a RemoveStarCommand.
func (e *Editor) RemoveStar(id string) error {
	return e.Apply(&RemoveStarCommand{ID: id})
}

// UpdateStar applies an UpdateStarCommand.
func (e *Editor) UpdateStar(id string, patch constellation.StarPatch) error {
	return e.Apply(&UpdateStarCommand{ID: id, Patch: patch})
}

// AddLine applies an AddLineCommand and returns the line id.
func (e *Editor) AddLine(line constellation.StarLine) (string, error) {
	cmd := &AddLineCommand{Line: line}
	if err := e.Apply(cmd); err != nil {
		return "", err
	}
	return cmd.ID(), nil
}

// RemoveLine applies a RemoveLineCommand.
func (e *Editor) RemoveLine(id string) error {
	return e.Apply(&RemoveLineCommand{ID: id})
}

// UpdateLine applies an UpdateLineCommand.
func (e *Editor) UpdateLine(id string, patch constellation.LinePatch) error {
	return e.Apply(&UpdateLineCommand{ID: id, Patch: patch})
}

// BuildFromSpec applies a BuildFromSpecCommand over a YAML document.
func (e *Editor) BuildFromSpec(spec []byte, clearExisting bool) error {
	return e.Apply(&BuildFromSpecCommand{Spec: spec, ClearExisting: clearExisting})
}

// Clear applies a ClearCommand.
func (e *Editor) Clear() error {
	return e.Apply(&ClearCommand{})
}

// Load applies a LoadCommand over a persisted document.
func (e *Editor) Load(blob []byte) error {
	return e.Apply(&LoadCommand{Blob: blob})
}

// Batch applies the commands as one journal entry.
func (e *Editor) Batch(cmds ...Command) error {
	return e.Apply(&BatchCommand{Commands: cmds})
}

func (e *Editor) viewLocked() View {
	stars, lines := e.c.Size()
	return View{
		ConstellationID: e.c.ID(),
		Name:            e.c.Name(),
		State:           e.c.State(),
		Stars:           stars,
		Lines:           lines,
		CanUndo:         len(e.undo) > 0,
		CanRedo:         len(e.redo) > 0,
	}
}

func (e *Editor) announce(observers []Observer, view View, desc string, before, after constellation.State) {
	for _, fn := range observers {
		e.notify(fn, view, desc)
	}
	if e.bus == nil {
		return
	}
	now := time.Now()
	e.bus.Publish(eventbus.ConstellationMutated{
		ConstellationID: view.ConstellationID,
		Summary:         desc,
		At:              now,
	})
	if before != after {
		e.bus.Publish(eventbus.ConstellationStateChanged{
			ConstellationID: view.ConstellationID,
			From:            before.String(),
			To:              after.String(),
			At:              now,
		})
	}
}

func (e *Editor) notify(fn Observer, view View, desc string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("editor observer panicked",
				tag.Constellation(view.ConstellationID), "panic", r)
		}
	}()
	fn(view, desc)
}
