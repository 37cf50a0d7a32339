package constellation

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// document is the serialized constellation. Predicates are in-memory only
// and never leave the process; a Conditional line loads back without one
// and degrades to success-only behavior at evaluation time.
type document struct {
	ConstellationID string                  `json:"constellation_id"`
	Name            string                  `json:"name"`
	State           string                  `json:"state"`
	Metadata        map[string]any          `json:"metadata,omitempty"`
	Tasks           map[string]starDocument `json:"tasks"`
	Dependencies    map[string]lineDocument `json:"dependencies"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

type starDocument struct {
	TaskID               string         `json:"task_id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Tips                 []string       `json:"tips,omitempty"`
	TargetDeviceID       string         `json:"target_device_id,omitempty"`
	DeviceType           string         `json:"device_type,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Priority             string         `json:"priority"`
	TimeoutSeconds       int64          `json:"timeout_s,omitempty"`
	RetryCount           int            `json:"retry_count,omitempty"`
	CurrentRetry         int            `json:"current_retry,omitempty"`
	TaskData             map[string]any `json:"task_data,omitempty"`
	ExpectedOutputType   string         `json:"expected_output_type,omitempty"`
	Status               string         `json:"status"`
	Result               map[string]any `json:"result,omitempty"`
	Error                string         `json:"error,omitempty"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	EndedAt              *time.Time     `json:"ended_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	IncomingDeps         []string       `json:"incoming_deps,omitempty"`
	OutgoingDeps         []string       `json:"outgoing_deps,omitempty"`
}

type lineDocument struct {
	EdgeID               string         `json:"edge_id"`
	FromTaskID           string         `json:"from_task_id"`
	ToTaskID             string         `json:"to_task_id"`
	Kind                 string         `json:"kind"`
	ConditionDescription string         `json:"condition_description,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	LastEvaluationResult *bool          `json:"last_evaluation_result,omitempty"`
	LastEvaluationAt     *time.Time     `json:"last_evaluation_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t
	return &v
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Save serializes the constellation to its JSON document.
func (c *Constellation) Save() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := document{
		ConstellationID: c.id,
		Name:            c.name,
		State:           c.state.String(),
		Metadata:        maps.Clone(c.metadata),
		Tasks:           make(map[string]starDocument, len(c.stars)),
		Dependencies:    make(map[string]lineDocument, len(c.lines)),
		CreatedAt:       c.createdAt,
		UpdatedAt:       c.updatedAt,
	}
	for id, star := range c.stars {
		doc.Tasks[id] = starDocument{
			TaskID:               star.ID,
			Name:                 star.Name,
			Description:          star.Description,
			Tips:                 slices.Clone(star.Tips),
			TargetDeviceID:       star.TargetDeviceID,
			DeviceType:           star.DeviceType,
			RequiredCapabilities: slices.Clone(star.RequiredCapabilities),
			Priority:             star.Priority.String(),
			TimeoutSeconds:       int64(star.Timeout / time.Second),
			RetryCount:           star.RetryCount,
			CurrentRetry:         star.CurrentRetry,
			TaskData:             maps.Clone(star.TaskData),
			ExpectedOutputType:   star.ExpectedOutputType,
			Status:               star.Status.String(),
			Result:               maps.Clone(star.Result),
			Error:                star.Error,
			StartedAt:            optionalTime(star.StartedAt),
			EndedAt:              optionalTime(star.EndedAt),
			CreatedAt:            star.CreatedAt,
			UpdatedAt:            star.UpdatedAt,
			IncomingDeps:         slices.Clone(star.Incoming),
			OutgoingDeps:         slices.Clone(star.Outgoing),
		}
	}
	for id, line := range c.lines {
		lineDoc := lineDocument{
			EdgeID:               line.ID,
			FromTaskID:           line.From,
			ToTaskID:             line.To,
			Kind:                 line.Kind.String(),
			ConditionDescription: line.ConditionDescription,
			Metadata:             maps.Clone(line.Metadata),
			LastEvaluationAt:     optionalTime(line.LastEvalAt),
			CreatedAt:            line.CreatedAt,
			UpdatedAt:            line.UpdatedAt,
		}
		if line.LastEvalResult != nil {
			v := *line.LastEvalResult
			lineDoc.LastEvaluationResult = &v
		}
		doc.Dependencies[id] = lineDoc
	}
	return json.Marshal(doc)
}

// Load rebuilds a constellation from a document produced by Save. Managed
// dependency sets are rebuilt from the lines rather than trusted, the
// result is verified acyclic, and Conditional lines come back without
// predicates.
func Load(data []byte, opts ...Option) (*Constellation, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode constellation document: %w", err)
	}

	state, err := ParseState(doc.State)
	if err != nil {
		return nil, err
	}

	c := New(doc.Name, append([]Option{WithID(doc.ConstellationID), WithMetadata(doc.Metadata)}, opts...)...)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = state
	c.createdAt = doc.CreatedAt
	c.updatedAt = doc.UpdatedAt

	for id, starDoc := range doc.Tasks {
		priority, err := ParsePriority(starDoc.Priority)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
		status, err := ParseTaskStatus(starDoc.Status)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
		c.stars[id] = &Star{
			ID:                   starDoc.TaskID,
			Name:                 starDoc.Name,
			Description:          starDoc.Description,
			Tips:                 slices.Clone(starDoc.Tips),
			TargetDeviceID:       starDoc.TargetDeviceID,
			DeviceType:           starDoc.DeviceType,
			RequiredCapabilities: slices.Clone(starDoc.RequiredCapabilities),
			Priority:             priority,
			Timeout:              time.Duration(starDoc.TimeoutSeconds) * time.Second,
			RetryCount:           starDoc.RetryCount,
			CurrentRetry:         starDoc.CurrentRetry,
			TaskData:             maps.Clone(starDoc.TaskData),
			ExpectedOutputType:   starDoc.ExpectedOutputType,
			Status:               status,
			Result:               maps.Clone(starDoc.Result),
			Error:                starDoc.Error,
			StartedAt:            timeOrZero(starDoc.StartedAt),
			EndedAt:              timeOrZero(starDoc.EndedAt),
			CreatedAt:            starDoc.CreatedAt,
			UpdatedAt:            starDoc.UpdatedAt,
		}
	}

	for id, lineDoc := range doc.Dependencies {
		kind, err := ParseLineKind(lineDoc.Kind)
		if err != nil {
			return nil, fmt.Errorf("dependency %s: %w", id, err)
		}
		from, ok := c.stars[lineDoc.FromTaskID]
		if !ok {
			return nil, fmt.Errorf("dependency %s: %w: from %s", id, ErrUnknownStar, lineDoc.FromTaskID)
		}
		to, ok := c.stars[lineDoc.ToTaskID]
		if !ok {
			return nil, fmt.Errorf("dependency %s: %w: to %s", id, ErrUnknownStar, lineDoc.ToTaskID)
		}
		if lineDoc.FromTaskID == lineDoc.ToTaskID {
			return nil, fmt.Errorf("dependency %s: %w", id, ErrSelfLoop)
		}
		line := &StarLine{
			ID:                   lineDoc.EdgeID,
			From:                 lineDoc.FromTaskID,
			To:                   lineDoc.ToTaskID,
			Kind:                 kind,
			ConditionDescription: lineDoc.ConditionDescription,
			Metadata:             maps.Clone(lineDoc.Metadata),
			LastEvalAt:           timeOrZero(lineDoc.LastEvaluationAt),
			CreatedAt:            lineDoc.CreatedAt,
			UpdatedAt:            lineDoc.UpdatedAt,
		}
		if lineDoc.LastEvaluationResult != nil {
			v := *lineDoc.LastEvaluationResult
			line.LastEvalResult = &v
		}
		if kind == Conditional {
			c.logger.Warn("loaded conditional line without predicate; it will behave as success_only",
				"line", id, "condition", lineDoc.ConditionDescription)
		}
		c.lines[id] = line
		from.Outgoing = append(from.Outgoing, id)
		to.Incoming = append(to.Incoming, id)
	}

	// Stable managed-set order so a load-save cycle is deterministic.
	for _, star := range c.stars {
		slices.Sort(star.Incoming)
		slices.Sort(star.Outgoing)
	}

	if len(c.topoOrderLocked()) != len(c.stars) {
		return nil, ErrCycle
	}
	return c, nil
}
