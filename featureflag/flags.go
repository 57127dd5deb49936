package featureflag

type Flag string

const (
	// FlagDisableCachedGrids keeps tag queries on the regular grids.
	FlagDisableCachedGrids Flag = "DISABLE_CACHED_GRIDS"

	// FlagDisableVisibilityTracking stops marking spatial data as visible
	// when they are found by a query.
	FlagDisableVisibilityTracking Flag = "DISABLE_VISIBILITY_TRACKING"

	FlagDisableQueryStats Flag = "DISABLE_QUERY_STATS"
)

var knownFlags = map[Flag]struct{}{
	FlagDisableCachedGrids:        {},
	FlagDisableVisibilityTracking: {},
	FlagDisableQueryStats:         {},
}
