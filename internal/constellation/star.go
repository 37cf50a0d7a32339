package constellation

import (
	"maps"
	"slices"
	"time"
)

// Star is one task node. The constellation owns the record; readers get
// deep-copied snapshots. The Incoming and Outgoing line-id sets are managed
// by the constellation and must not be set by callers.
type Star struct {
	ID                   string
	Name                 string
	Description          string
	Tips                 []string
	TargetDeviceID       string
	DeviceType           string
	RequiredCapabilities []string
	Priority             Priority
	Timeout              time.Duration
	RetryCount           int
	CurrentRetry         int
	TaskData             map[string]any
	ExpectedOutputType   string

	Status    TaskStatus
	Result    map[string]any
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time

	// Managed line-id sets, in insertion order.
	Incoming []string
	Outgoing []string
}

// Terminal reports whether the star reached a final status.
func (s *Star) Terminal() bool {
	return s.Status.IsTerminal()
}

// Duration returns the execution time of a star that ran, zero otherwise.
func (s *Star) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

func (s *Star) clone() *Star {
	c := *s
	c.Tips = slices.Clone(s.Tips)
	c.RequiredCapabilities = slices.Clone(s.RequiredCapabilities)
	c.TaskData = maps.Clone(s.TaskData)
	c.Result = maps.Clone(s.Result)
	c.Incoming = slices.Clone(s.Incoming)
	c.Outgoing = slices.Clone(s.Outgoing)
	return &c
}

// StarPatch selects fields to change on a star. Nil fields are left
// untouched. Status has no patch field: it only moves through the
// scheduler-facing Mark methods.
type StarPatch struct {
	Name                 *string
	Description          *string
	Tips                 *[]string
	TargetDeviceID       *string
	DeviceType           *string
	RequiredCapabilities *[]string
	Priority             *Priority
	Timeout              *time.Duration
	RetryCount           *int
	TaskData             *map[string]any
	ExpectedOutputType   *string
}

// apply writes the patch onto the star and returns a patch that restores
// the previous values of exactly the fields that were touched.
func (p StarPatch) apply(s *Star) StarPatch {
	var inverse StarPatch
	if p.Name != nil {
		prev := s.Name
		inverse.Name = &prev
		s.Name = *p.Name
	}
	if p.Description != nil {
		prev := s.Description
		inverse.Description = &prev
		s.Description = *p.Description
	}
	if p.Tips != nil {
		prev := slices.Clone(s.Tips)
		inverse.Tips = &prev
		s.Tips = slices.Clone(*p.Tips)
	}
	if p.TargetDeviceID != nil {
		prev := s.TargetDeviceID
		inverse.TargetDeviceID = &prev
		s.TargetDeviceID = *p.TargetDeviceID
	}
	if p.DeviceType != nil {
		prev := s.DeviceType
		inverse.DeviceType = &prev
		s.DeviceType = *p.DeviceType
	}
	if p.RequiredCapabilities != nil {
		prev := slices.Clone(s.RequiredCapabilities)
		inverse.RequiredCapabilities = &prev
		s.RequiredCapabilities = slices.Clone(*p.RequiredCapabilities)
	}
	if p.Priority != nil {
		prev := s.Priority
		inverse.Priority = &prev
		s.Priority = *p.Priority
	}
	if p.Timeout != nil {
		prev := s.Timeout
		inverse.Timeout = &prev
		s.Timeout = *p.Timeout
	}
	if p.RetryCount != nil {
		prev := s.RetryCount
		inverse.RetryCount = &prev
		s.RetryCount = *p.RetryCount
	}
	if p.TaskData != nil {
		prev := maps.Clone(s.TaskData)
		inverse.TaskData = &prev
		s.TaskData = maps.Clone(*p.TaskData)
	}
	if p.ExpectedOutputType != nil {
		prev := s.ExpectedOutputType
		inverse.ExpectedOutputType = &prev
		s.ExpectedOutputType = *p.ExpectedOutputType
	}
	return inverse
}

// starOrder sorts dispatch candidates: priority descending, then creation
// time ascending, then id ascending for a stable total order.
func starOrder(a, b *Star) int {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	}
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
}
