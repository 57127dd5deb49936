package spatial

const (
	// ErrTypeInvalidArgument is the type of errors returned when an operation
	// receives arguments it cannot work with, such as an empty category
	// bitmask.
	ErrTypeInvalidArgument = "spatial-invalid-argument"

	// ErrTypeStaleHandle is the type of errors returned when a spatial data id
	// was deleted or never issued.
	ErrTypeStaleHandle = "spatial-stale-handle"

	// ErrTypeCapacityExceeded is the type of the values spatial code panics
	// with on structural misconfiguration.
	ErrTypeCapacityExceeded = "spatial-capacity-exceeded"
)
