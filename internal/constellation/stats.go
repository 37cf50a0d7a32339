package constellation

import (
	"slices"
	"time"
)

// Stats summarizes the shape and progress of a constellation.
type Stats struct {
	TotalStars int
	TotalLines int
	ByStatus   map[TaskStatus]int

	// LongestPath is the critical-path length counted in stars.
	LongestPath int
	// MaxWidth is the largest number of stars sharing a depth level, an
	// upper bound on useful parallelism.
	MaxWidth int
	// TotalWork and CriticalPath are duration-weighted and only populated
	// once every star is terminal.
	TotalWork    time.Duration
	CriticalPath time.Duration
	// ParallelismRatio is TotalWork / CriticalPath when durations are
	// known, otherwise TotalStars / LongestPath.
	ParallelismRatio float64
}

// Stats computes the current statistics snapshot.
func (c *Constellation) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		TotalStars: len(c.stars),
		TotalLines: len(c.lines),
		ByStatus:   make(map[TaskStatus]int),
	}
	allTerminal := len(c.stars) > 0
	for _, star := range c.stars {
		stats.ByStatus[star.Status]++
		if !star.Terminal() {
			allTerminal = false
		}
	}
	if len(c.stars) == 0 {
		return stats
	}

	order := c.topoOrderLocked()
	depth := make(map[string]int, len(c.stars))     // stars on the longest chain ending here
	pathWork := make(map[string]time.Duration, len(c.stars))
	level := make(map[string]int, len(c.stars))     // longest distance from any root, in lines

	for _, id := range order {
		star := c.stars[id]
		depth[id] = 1
		pathWork[id] = star.Duration()
		level[id] = 0
		for _, lineID := range star.Incoming {
			line, ok := c.lines[lineID]
			if !ok {
				continue
			}
			if d := depth[line.From] + 1; d > depth[id] {
				depth[id] = d
			}
			if w := pathWork[line.From] + star.Duration(); w > pathWork[id] {
				pathWork[id] = w
			}
			if l := level[line.From] + 1; l > level[id] {
				level[id] = l
			}
		}
	}

	widths := make(map[int]int)
	for _, id := range order {
		widths[level[id]]++
	}
	for _, width := range widths {
		if width > stats.MaxWidth {
			stats.MaxWidth = width
		}
	}
	for _, d := range depth {
		if d > stats.LongestPath {
			stats.LongestPath = d
		}
	}

	if allTerminal {
		for _, star := range c.stars {
			stats.TotalWork += star.Duration()
		}
		for _, w := range pathWork {
			if w > stats.CriticalPath {
				stats.CriticalPath = w
			}
		}
	}

	switch {
	case stats.CriticalPath > 0:
		stats.ParallelismRatio = float64(stats.TotalWork) / float64(stats.CriticalPath)
	case stats.LongestPath > 0:
		stats.ParallelismRatio = float64(stats.TotalStars) / float64(stats.LongestPath)
	}
	return stats
}

// topoOrderLocked is TopologicalOrder without locking or the cycle error;
// the graph is acyclic by construction. Caller holds the mutex.
func (c *Constellation) topoOrderLocked() []string {
	inDegree := make(map[string]int, len(c.stars))
	var frontier []*Star
	for id, star := range c.stars {
		inDegree[id] = len(star.Incoming)
		if len(star.Incoming) == 0 {
			frontier = append(frontier, star)
		}
	}

	order := make([]string, 0, len(c.stars))
	for len(frontier) > 0 {
		slices.SortFunc(frontier, starOrder)
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next.ID)
		for _, lineID := range next.Outgoing {
			line, ok := c.lines[lineID]
			if !ok {
				continue
			}
			inDegree[line.To]--
			if inDegree[line.To] == 0 {
				frontier = append(frontier, c.stars[line.To])
			}
		}
	}
	return order
}
