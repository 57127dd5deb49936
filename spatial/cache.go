package spatial

import (
	"sync"
)

// CacheScorer rates how much a tag filtered query shape would benefit from a
// dedicated grid. Higher is better.
type CacheScorer func(queryCount, filteredRatio float32) float32

// DefaultCacheScorer weighs the query frequency by the share of objects the
// filter rejects.
func DefaultCacheScorer(queryCount, filteredRatio float32) float32 {
	return queryCount * filteredRatio
}

const (
	// Weight of a new observation in the running filtered ratio.
	filteredRatioSmoothing = 0.25

	// Candidates without a grid are forgotten below this query count.
	minCandidateQueryCount = 0.1
)

// CacheCandidate is a recurring (category, tag filter) query shape.
type CacheCandidate struct {
	Category      Category  `json:"category"`
	Filter        TagFilter `json:"filter"`
	QueryCount    float32   `json:"query_count"`
	FilteredRatio float32   `json:"filtered_ratio"`
	Score         float32   `json:"score"`

	// The index of the cached grid serving the candidate, -1 when none.
	GridIndex int `json:"grid_index"`
}

func (c CacheCandidate) HasGrid() bool {
	return c.GridIndex >= 0
}

// CacheCandidateTracker records tag filtered queries. It is safe to use from
// concurrent queries.
type CacheCandidateTracker struct {
	scorer CacheScorer

	mutex      sync.Mutex
	candidates []*CacheCandidate
}

func NewCacheCandidateTracker(scorer CacheScorer) *CacheCandidateTracker {
	if scorer == nil {
		scorer = DefaultCacheScorer
	}

	return &CacheCandidateTracker{
		scorer: scorer,
	}
}

// Update records a query of category with filter that had to be filtered
// per object, filteredRatio being the share of tested objects the filter
// rejected.
func (t *CacheCandidateTracker) Update(category Category, filter TagFilter, filteredRatio float32) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	c := t.find(category, filter)
	if c == nil {
		t.candidates = append(t.candidates, &CacheCandidate{
			Category:      category,
			Filter:        filter,
			QueryCount:    1,
			FilteredRatio: filteredRatio,
			GridIndex:     -1,
		})
		return
	}

	c.QueryCount++
	c.FilteredRatio += (filteredRatio - c.FilteredRatio) * filteredRatioSmoothing
}

// RecordHit records a query served by the cached grid of category and
// filter. The filtered ratio is kept as is.
func (t *CacheCandidateTracker) RecordHit(category Category, filter TagFilter) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if c := t.find(category, filter); c != nil {
		c.QueryCount++
	}
}

func (t *CacheCandidateTracker) find(category Category, filter TagFilter) *CacheCandidate {
	for _, c := range t.candidates {
		if c.Category == category && c.Filter == filter {
			return c
		}
	}
	return nil
}

func (t *CacheCandidateTracker) score(c *CacheCandidate) float32 {
	return t.scorer(c.QueryCount, c.FilteredRatio)
}

// Decay scales every query count by factor and forgets the candidates that
// have no grid and are no longer queried.
func (t *CacheCandidateTracker) Decay(factor float32) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	candidates := t.candidates[:0]
	for _, c := range t.candidates {
		c.QueryCount *= factor
		if !c.HasGrid() && c.QueryCount < minCandidateQueryCount {
			continue
		}
		candidates = append(candidates, c)
	}

	clear(t.candidates[len(candidates):])
	t.candidates = candidates
}

// Best returns the highest scoring candidate without a grid whose score is at
// least minScore. Ties go to the oldest candidate.
func (t *CacheCandidateTracker) Best(minScore float32) (CacheCandidate, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var best *CacheCandidate
	var bestScore float32

	for _, c := range t.candidates {
		if c.HasGrid() {
			continue
		}

		score := t.score(c)
		if score < minScore {
			continue
		}
		if best == nil || score > bestScore {
			best = c
			bestScore = score
		}
	}

	if best == nil {
		return CacheCandidate{}, false
	}

	res := *best
	res.Score = bestScore
	return res, true
}

// GridScore returns the score of the candidate served by the given grid.
func (t *CacheCandidateTracker) GridScore(gridIndex int) (float32, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, c := range t.candidates {
		if c.GridIndex == gridIndex {
			return t.score(c), true
		}
	}
	return 0, false
}

// Assign binds the candidate of category and filter to a grid.
func (t *CacheCandidateTracker) Assign(category Category, filter TagFilter, gridIndex int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	c := t.find(category, filter)
	if c == nil {
		c = &CacheCandidate{
			Category: category,
			Filter:   filter,
		}
		t.candidates = append(t.candidates, c)
	}
	c.GridIndex = gridIndex
}

// Unassign unbinds the candidate served by the given grid.
func (t *CacheCandidateTracker) Unassign(gridIndex int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, c := range t.candidates {
		if c.GridIndex == gridIndex {
			c.GridIndex = -1
		}
	}
}

// Candidates returns a snapshot of the candidates with their scores.
func (t *CacheCandidateTracker) Candidates() []CacheCandidate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	res := make([]CacheCandidate, len(t.candidates))
	for i, c := range t.candidates {
		res[i] = *c
		res[i].Score = t.score(c)
	}
	return res
}

func (t *CacheCandidateTracker) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return len(t.candidates)
}
