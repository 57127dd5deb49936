package spatial

import (
	"math/bits"
	"sort"
	"strings"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// MaxTags is the number of distinct tags a TagSet can hold.
const MaxTags = 64

// Tag is an interned boolean marker.
type Tag uint8

// TagSet is a small set of tags stored as a bitset.
type TagSet uint64

// NewTagSet returns a set holding the given tags.
func NewTagSet(tags ...Tag) TagSet {
	var s TagSet
	for _, t := range tags {
		s = s.With(t)
	}
	return s
}

func (s TagSet) With(t Tag) TagSet {
	return s | TagSet(1)<<t
}

func (s TagSet) Without(t Tag) TagSet {
	return s &^ (TagSet(1) << t)
}

func (s TagSet) Has(t Tag) bool {
	return s&(TagSet(1)<<t) != 0
}

func (s TagSet) IsEmpty() bool {
	return s == 0
}

func (s TagSet) Count() int {
	return bits.OnesCount64(uint64(s))
}

// IsAnySet reports whether s and o share at least one tag.
func (s TagSet) IsAnySet(o TagSet) bool {
	return s&o != 0
}

// Tags returns the tags of the set in ascending order.
func (s TagSet) Tags() []Tag {
	tags := make([]Tag, 0, s.Count())
	for s != 0 {
		t := Tag(bits.TrailingZeros64(uint64(s)))
		tags = append(tags, t)
		s = s.Without(t)
	}
	return tags
}

// TagFilter is an include/exclude tag pair. An empty include set matches
// every tag set.
type TagFilter struct {
	Include TagSet
	Exclude TagSet
}

func (f TagFilter) IsEmpty() bool {
	return f.Include.IsEmpty() && f.Exclude.IsEmpty()
}

// IsValid reports whether no tag is both included and excluded.
func (f TagFilter) IsValid() bool {
	return !f.Include.IsAnySet(f.Exclude)
}

// Matches reports whether tags passes the filter.
func (f TagFilter) Matches(tags TagSet) bool {
	if !f.Include.IsEmpty() && !tags.IsAnySet(f.Include) {
		return false
	}
	return !tags.IsAnySet(f.Exclude)
}

// TagRegistry interns tag names.
type TagRegistry struct {
	mutex sync.RWMutex
	names []string
	ids   map[string]Tag
}

func NewTagRegistry() *TagRegistry {
	return &TagRegistry{
		ids: make(map[string]Tag),
	}
}

// Register returns the tag with the given name, registering it if needed.
// Registering more than MaxTags tags panics.
func (r *TagRegistry) Register(name string) Tag {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if t, ok := r.ids[name]; ok {
		return t
	}

	if len(r.names) >= MaxTags {
		panic(errors.New("too many tags").
			WithType(ErrTypeCapacityExceeded).
			WithTag("name", name).
			WithTag("max", MaxTags))
	}

	t := Tag(len(r.names))
	r.names = append(r.names, name)
	r.ids[name] = t
	return t
}

func (r *TagRegistry) Find(name string) (Tag, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	t, ok := r.ids[name]
	return t, ok
}

// Set returns the set of the given tag names, registering unknown ones.
func (r *TagRegistry) Set(names ...string) TagSet {
	var s TagSet
	for _, n := range names {
		s = s.With(r.Register(n))
	}
	return s
}

// Names returns the sorted names of the tags in s.
func (r *TagRegistry) Names(s TagSet) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, s.Count())
	for _, t := range s.Tags() {
		if int(t) < len(r.names) {
			names = append(names, r.names[t])
		}
	}
	sort.Strings(names)
	return names
}

// Format returns a readable form of s, used in logs.
func (r *TagRegistry) Format(s TagSet) string {
	return "{" + strings.Join(r.Names(s), ",") + "}"
}

// DefaultTags is the process wide tag registry.
var DefaultTags = NewTagRegistry()

// RegisterTag registers a tag in DefaultTags.
func RegisterTag(name string) Tag {
	return DefaultTags.Register(name)
}
