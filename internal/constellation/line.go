package constellation

import (
	"fmt"
	"maps"
	"time"
)

// LineKind governs when a dependency line counts as satisfied.
type LineKind int

const (
	// Unconditional is satisfied once the source star is terminal.
	Unconditional LineKind = iota
	// SuccessOnly is satisfied only when the source star completed.
	SuccessOnly
	// CompletionOnly is satisfied once the source star is terminal,
	// success or failure. Kept distinct from Unconditional for intent.
	CompletionOnly
	// Conditional is satisfied when the source star is terminal and its
	// predicate holds on the result. Without a predicate it behaves as
	// SuccessOnly.
	Conditional
)

// String implements fmt.Stringer.
func (k LineKind) String() string {
	switch k {
	case Unconditional:
		return "unconditional"
	case SuccessOnly:
		return "success_only"
	case CompletionOnly:
		return "completion_only"
	case Conditional:
		return "conditional"
	default:
		return "unknown"
	}
}

// ParseLineKind converts a document token back to a LineKind.
func ParseLineKind(s string) (LineKind, error) {
	switch s {
	case "unconditional", "":
		return Unconditional, nil
	case "success_only":
		return SuccessOnly, nil
	case "completion_only":
		return CompletionOnly, nil
	case "conditional":
		return Conditional, nil
	default:
		return Unconditional, fmt.Errorf("unknown line kind %q", s)
	}
}

// Predicate decides whether a conditional line is satisfied, as a pure
// function of the source star's result. Predicates live in memory only and
// are never serialized.
type Predicate func(result map[string]any) (bool, error)

// StarLine is one typed dependency line between two stars.
type StarLine struct {
	ID                   string
	From                 string
	To                   string
	Kind                 LineKind
	ConditionDescription string
	Predicate            Predicate
	Metadata             map[string]any

	LastEvalResult *bool
	LastEvalAt     time.Time
	LastEvalError  string

	CreatedAt time.Time
	UpdatedAt time.Time

	warnedNoPredicate bool
}

func (l *StarLine) clone() *StarLine {
	c := *l
	c.Metadata = maps.Clone(l.Metadata)
	if l.LastEvalResult != nil {
		v := *l.LastEvalResult
		c.LastEvalResult = &v
	}
	return &c
}

// LinePatch selects fields to change on a line. Nil fields are left
// untouched. Setting HasPredicate replaces the predicate, including
// clearing it with a nil Predicate.
type LinePatch struct {
	Kind                 *LineKind
	ConditionDescription *string
	Predicate            Predicate
	HasPredicate         bool
	Metadata             *map[string]any
}

func (p LinePatch) apply(l *StarLine) LinePatch {
	var inverse LinePatch
	if p.Kind != nil {
		prev := l.Kind
		inverse.Kind = &prev
		l.Kind = *p.Kind
	}
	if p.ConditionDescription != nil {
		prev := l.ConditionDescription
		inverse.ConditionDescription = &prev
		l.ConditionDescription = *p.ConditionDescription
	}
	if p.HasPredicate {
		inverse.Predicate = l.Predicate
		inverse.HasPredicate = true
		l.Predicate = p.Predicate
		l.warnedNoPredicate = false
	}
	if p.Metadata != nil {
		prev := maps.Clone(l.Metadata)
		inverse.Metadata = &prev
		l.Metadata = maps.Clone(*p.Metadata)
	}
	return inverse
}

// evalPredicate runs the predicate with a panic boundary. A panicking
// predicate counts as an evaluation error, never as satisfied.
func (l *StarLine) evalPredicate(result map[string]any) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("predicate panicked: %v", r)
		}
	}()
	return l.Predicate(result)
}
