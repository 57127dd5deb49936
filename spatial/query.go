package spatial

import (
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// VisitorExecution tells a query whether to keep visiting results.
type VisitorExecution int

const (
	VisitorContinue VisitorExecution = iota
	VisitorStop
)

// QueryStats accumulates the cost of one or more queries.
type QueryStats struct {
	TotalNumTestedObjects int           `json:"total_num_tested_objects"`
	NumObjectsPassed      int           `json:"num_objects_passed"`
	TimeTaken             time.Duration `json:"time_taken"`
}

func (s *QueryStats) add(tested, passed int, d time.Duration) {
	s.TotalNumTestedObjects += tested
	s.NumObjectsPassed += passed
	s.TimeTaken += d
}

// QueryParams selects the spatial data a query reports.
type QueryParams struct {
	Categories  CategoryBitmask
	IncludeTags TagSet
	ExcludeTags TagSet

	// When set, the query cost is added to Stats. Stats is not synchronized.
	Stats *QueryStats
}

func (p QueryParams) Filter() TagFilter {
	return TagFilter{
		Include: p.IncludeTags,
		Exclude: p.ExcludeTags,
	}
}

// Validate returns an error of type ErrTypeInvalidArgument when the params
// can never match anything.
func (p QueryParams) Validate() error {
	if p.Categories.IsEmpty() {
		return errors.New("query category bitmask is empty").
			WithType(ErrTypeInvalidArgument)
	}

	if !p.Filter().IsValid() {
		return errors.New("query includes and excludes the same tags").
			WithType(ErrTypeInvalidArgument).
			WithTag("include", DefaultTags.Format(p.IncludeTags)).
			WithTag("exclude", DefaultTags.Format(p.ExcludeTags))
	}

	return nil
}

// VisibilityState is how an entry was last seen. States are ordered: a
// stronger state reported in the same frame wins.
type VisibilityState uint8

const (
	VisibilityInvisible VisibilityState = iota
	VisibilityIndirect
	VisibilityDirect
)

func (s VisibilityState) String() string {
	switch s {
	case VisibilityIndirect:
		return "indirect"
	case VisibilityDirect:
		return "direct"
	default:
		return "invisible"
	}
}

type queryKind int

const (
	queryBox queryKind = iota
	querySphere
	queryFrustum
	numQueryKinds
)

func (k queryKind) String() string {
	switch k {
	case queryBox:
		return "box"
	case querySphere:
		return "sphere"
	default:
		return "frustum"
	}
}

// visitedSet deduplicates entries reached through several cells or grids
// during a single query.
type visitedSet struct {
	words []uint64
}

var visitedPool = sync.Pool{
	New: func() any {
		return &visitedSet{}
	},
}

func acquireVisitedSet(n int) *visitedSet {
	v := visitedPool.Get().(*visitedSet)
	words := (n + 63) / 64
	if cap(v.words) < words {
		v.words = make([]uint64, words)
	} else {
		v.words = v.words[:words]
		clear(v.words)
	}
	return v
}

func releaseVisitedSet(v *visitedSet) {
	visitedPool.Put(v)
}

// testAndSet marks i and reports whether it was already marked.
func (v *visitedSet) testAndSet(i uint32) bool {
	w, b := i/64, uint64(1)<<(i%64)
	if v.words[w]&b != 0 {
		return true
	}
	v.words[w] |= b
	return false
}
