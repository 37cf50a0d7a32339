package constellation

import "errors"

var (
	// ErrDuplicateStar is returned when adding a star id that exists.
	ErrDuplicateStar = errors.New("star id already exists")
	// ErrUnknownStar is returned for operations on a missing star.
	ErrUnknownStar = errors.New("unknown star")
	// ErrDuplicateLine is returned when adding a line id that exists.
	ErrDuplicateLine = errors.New("line id already exists")
	// ErrUnknownLine is returned for operations on a missing line.
	ErrUnknownLine = errors.New("unknown line")
	// ErrSelfLoop is returned when a line's endpoints are the same star.
	ErrSelfLoop = errors.New("line endpoints are the same star")
	// ErrCycle is returned when adding a line would close a cycle.
	ErrCycle = errors.New("line would close a cycle")
	// ErrStarRunning gates edits against a star that is executing.
	ErrStarRunning = errors.New("star is running")
	// ErrStarTerminal gates edits against a star that already finished.
	ErrStarTerminal = errors.New("star is terminal")
	// ErrIllegalTransition is returned when a Mark call does not match the
	// star's current status. This is a programming-contract violation.
	ErrIllegalTransition = errors.New("illegal task status transition")
	// ErrConstellationBusy gates whole-graph operations while any star is
	// running.
	ErrConstellationBusy = errors.New("constellation has running stars")
)
