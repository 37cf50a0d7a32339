package editor

import (
	"fmt"
	"strings"

	"github.com/asterism-org/asterism/internal/constellation"
	"github.com/asterism-org/asterism/internal/constellation/builder"
)

// Command is one journaled mutation of a constellation. Do captures the
// inverse state it needs, so Undo can put the graph back and a later Do
// (redo) reproduces the same result, generated ids included.
type Command interface {
	Do(c *constellation.Constellation) error
	Undo(c *constellation.Constellation) error
	Description() string
}

// AddStarCommand inserts a star. The id generated on the first Do is
// reused by redo.
type AddStarCommand struct {
	Star constellation.Star

	id string
}

func (cmd *AddStarCommand) Do(c *constellation.Constellation) error {
	star := cmd.Star
	if cmd.id != "" {
		star.ID = cmd.id
	}
	id, _, err := c.AddStar(star)
	if err != nil {
		return err
	}
	cmd.id = id
	return nil
}

func (cmd *AddStarCommand) Undo(c *constellation.Constellation) error {
	_, _, _, err := c.RemoveStar(cmd.id)
	return err
}

func (cmd *AddStarCommand) Description() string {
	name := cmd.Star.Name
	if name == "" {
		name = cmd.Star.ID
	}
	return fmt.Sprintf("add task %s", name)
}

// ID returns the star id once Do has run.
func (cmd *AddStarCommand) ID() string { return cmd.id }

// RemoveStarCommand removes a star and its incident lines. Undo restores
// the star and every removed line with their original ids.
type RemoveStarCommand struct {
	ID string

	removed      constellation.Star
	removedLines []constellation.StarLine
}

func (cmd *RemoveStarCommand) Do(c *constellation.Constellation) error {
	star, lines, _, err := c.RemoveStar(cmd.ID)
	if err != nil {
		return err
	}
	cmd.removed = star
	cmd.removedLines = lines
	return nil
}

func (cmd *RemoveStarCommand) Undo(c *constellation.Constellation) error {
	if _, _, err := c.AddStar(cmd.removed); err != nil {
		return err
	}
	for _, line := range cmd.removedLines {
		if _, _, err := c.AddLine(line); err != nil {
			return err
		}
	}
	return nil
}

func (cmd *RemoveStarCommand) Description() string {
	return fmt.Sprintf("remove task %s", cmd.ID)
}

// UpdateStarCommand patches star fields. The model hands back the inverse
// patch, which undo applies.
type UpdateStarCommand struct {
	ID    string
	Patch constellation.StarPatch

	inverse constellation.StarPatch
}

func (cmd *UpdateStarCommand) Do(c *constellation.Constellation) error {
	inverse, err := c.UpdateStar(cmd.ID, cmd.Patch)
	if err != nil {
		return err
	}
	cmd.inverse = inverse
	return nil
}

func (cmd *UpdateStarCommand) Undo(c *constellation.Constellation) error {
	_, err := c.UpdateStar(cmd.ID, cmd.inverse)
	return err
}

func (cmd *UpdateStarCommand) Description() string {
	return fmt.Sprintf("update task %s", cmd.ID)
}

// AddLineCommand inserts a dependency line.
type AddLineCommand struct {
	Line constellation.StarLine

	id string
}

func (cmd *AddLineCommand) Do(c *constellation.Constellation) error {
	line := cmd.Line
	if cmd.id != "" {
		line.ID = cmd.id
	}
	id, _, err := c.AddLine(line)
	if err != nil {
		return err
	}
	cmd.id = id
	return nil
}

func (cmd *AddLineCommand) Undo(c *constellation.Constellation) error {
	_, _, err := c.RemoveLine(cmd.id)
	return err
}

func (cmd *AddLineCommand) Description() string {
	return fmt.Sprintf("add dependency %s -> %s", cmd.Line.From, cmd.Line.To)
}

// ID returns the line id once Do has run.
func (cmd *AddLineCommand) ID() string { return cmd.id }

// RemoveLineCommand removes a dependency line.
type RemoveLineCommand struct {
	ID string

	removed constellation.StarLine
}

func (cmd *RemoveLineCommand) Do(c *constellation.Constellation) error {
	line, _, err := c.RemoveLine(cmd.ID)
	if err != nil {
		return err
	}
	cmd.removed = line
	return nil
}

func (cmd *RemoveLineCommand) Undo(c *constellation.Constellation) error {
	_, _, err := c.AddLine(cmd.removed)
	return err
}

func (cmd *RemoveLineCommand) Description() string {
	return fmt.Sprintf("remove dependency %s", cmd.ID)
}

// UpdateLineCommand patches line fields, predicate included.
type UpdateLineCommand struct {
	ID    string
	Patch constellation.LinePatch

	inverse constellation.LinePatch
}

func (cmd *UpdateLineCommand) Do(c *constellation.Constellation) error {
	inverse, err := c.UpdateLine(cmd.ID, cmd.Patch)
	if err != nil {
		return err
	}
	cmd.inverse = inverse
	return nil
}

func (cmd *UpdateLineCommand) Undo(c *constellation.Constellation) error {
	_, err := c.UpdateLine(cmd.ID, cmd.inverse)
	return err
}

func (cmd *UpdateLineCommand) Description() string {
	return fmt.Sprintf("update dependency %s", cmd.ID)
}

// BuildFromSpecCommand merges a YAML document into the constellation,
// optionally clearing it first. The document is parsed once so redo reuses
// the generated line ids, and the merge is atomic: a bad document leaves
// the graph unchanged.
type BuildFromSpecCommand struct {
	Spec          []byte
	ClearExisting bool

	stars    []constellation.Star
	lines    []constellation.StarLine
	snapshot *constellation.Constellation
}

func (cmd *BuildFromSpecCommand) Do(c *constellation.Constellation) error {
	if cmd.stars == nil {
		built, err := builder.Build(cmd.Spec)
		if err != nil {
			return err
		}
		cmd.stars = built.Stars()
		cmd.lines = built.Lines()
	}
	snapshot, _, err := c.Merge(cmd.stars, cmd.lines, cmd.ClearExisting)
	if err != nil {
		return err
	}
	cmd.snapshot = snapshot
	return nil
}

func (cmd *BuildFromSpecCommand) Undo(c *constellation.Constellation) error {
	return c.Restore(cmd.snapshot)
}

func (cmd *BuildFromSpecCommand) Description() string {
	if cmd.ClearExisting {
		return fmt.Sprintf("rebuild from document (%d tasks, %d dependencies)", len(cmd.stars), len(cmd.lines))
	}
	return fmt.Sprintf("merge document (%d tasks, %d dependencies)", len(cmd.stars), len(cmd.lines))
}

// ClearCommand removes every star and line. Undo restores the full
// previous contents.
type ClearCommand struct {
	snapshot *constellation.Constellation
}

func (cmd *ClearCommand) Do(c *constellation.Constellation) error {
	snapshot := c.Clone()
	if _, err := c.Clear(); err != nil {
		return err
	}
	cmd.snapshot = snapshot
	return nil
}

func (cmd *ClearCommand) Undo(c *constellation.Constellation) error {
	return c.Restore(cmd.snapshot)
}

func (cmd *ClearCommand) Description() string { return "clear constellation" }

// LoadCommand replaces the contents with a persisted document. Undo
// restores the previous contents; predicates in the loaded document are
// gone, as persistence never carries them.
type LoadCommand struct {
	Blob []byte

	loaded   *constellation.Constellation
	snapshot *constellation.Constellation
}

func (cmd *LoadCommand) Do(c *constellation.Constellation) error {
	if cmd.loaded == nil {
		loaded, err := constellation.Load(cmd.Blob)
		if err != nil {
			return err
		}
		cmd.loaded = loaded
	}
	snapshot := c.Clone()
	if err := c.Restore(cmd.loaded); err != nil {
		return err
	}
	cmd.snapshot = snapshot
	return nil
}

func (cmd *LoadCommand) Undo(c *constellation.Constellation) error {
	return c.Restore(cmd.snapshot)
}

func (cmd *LoadCommand) Description() string { return "load document" }

// BatchCommand groups sub-commands into one journal entry. Do applies them
// in order and rolls back the completed prefix when one fails; Undo
// reverses them back to front.
type BatchCommand struct {
	Commands []Command
}

func (cmd *BatchCommand) Do(c *constellation.Constellation) error {
	for i, sub := range cmd.Commands {
		if err := sub.Do(c); err != nil {
			for j := i - 1; j >= 0; j-- {
				if undoErr := cmd.Commands[j].Undo(c); undoErr != nil {
					return fmt.Errorf("%s failed (%w); rollback of %s failed too: %v",
						sub.Description(), err, cmd.Commands[j].Description(), undoErr)
				}
			}
			return fmt.Errorf("%s: %w", sub.Description(), err)
		}
	}
	return nil
}

func (cmd *BatchCommand) Undo(c *constellation.Constellation) error {
	for i := len(cmd.Commands) - 1; i >= 0; i-- {
		if err := cmd.Commands[i].Undo(c); err != nil {
			return fmt.Errorf("%s: %w", cmd.Commands[i].Description(), err)
		}
	}
	return nil
}

func (cmd *BatchCommand) Description() string {
	descs := make([]string, len(cmd.Commands))
	for i, sub := range cmd.Commands {
		descs[i] = sub.Description()
	}
	return fmt.Sprintf("batch [%s]", strings.Join(descs, ", "))
}
