package spatial

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// MaxCategories is the number of categories that fit in a CategoryBitmask.
const MaxCategories = 32

// Category is the bit index of a semantic partition of spatial data.
type Category uint8

func (c Category) Bitmask() CategoryBitmask {
	return CategoryBitmask(1) << c
}

func (c Category) String() string {
	if name, ok := DefaultCategories.Name(c); ok {
		return name
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// CategoryBitmask selects one or more categories.
type CategoryBitmask uint32

func (m CategoryBitmask) Has(c Category) bool {
	return m&c.Bitmask() != 0
}

func (m CategoryBitmask) IsEmpty() bool {
	return m == 0
}

func (m CategoryBitmask) Count() int {
	return bits.OnesCount32(uint32(m))
}

// ForEach calls f for every category set in the mask, lowest first.
func (m CategoryBitmask) ForEach(f func(Category)) {
	for m != 0 {
		c := Category(bits.TrailingZeros32(uint32(m)))
		m &^= c.Bitmask()
		f(c)
	}
}

// CategoryRegistry maps category names to bit indexes. A name is registered
// once and keeps its category for the lifetime of the registry.
type CategoryRegistry struct {
	mutex sync.RWMutex
	names []string
	ids   map[string]Category
}

func NewCategoryRegistry() *CategoryRegistry {
	return &CategoryRegistry{
		ids: make(map[string]Category),
	}
}

// Register returns the category with the given name, registering it if
// needed. Registering more than MaxCategories categories panics.
func (r *CategoryRegistry) Register(name string) Category {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if c, ok := r.ids[name]; ok {
		return c
	}

	if len(r.names) >= MaxCategories {
		panic(errors.New("too many spatial categories").
			WithType(ErrTypeCapacityExceeded).
			WithTag("name", name).
			WithTag("max", MaxCategories))
	}

	c := Category(len(r.names))
	r.names = append(r.names, name)
	r.ids[name] = c
	return c
}

func (r *CategoryRegistry) Find(name string) (Category, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	c, ok := r.ids[name]
	return c, ok
}

func (r *CategoryRegistry) Name(c Category) (string, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if int(c) >= len(r.names) {
		return "", false
	}
	return r.names[c], true
}

func (r *CategoryRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.names)
}

// DefaultCategories is the process wide category registry.
var DefaultCategories = NewCategoryRegistry()

// RegisterCategory registers a category in DefaultCategories.
func RegisterCategory(name string) Category {
	return DefaultCategories.Register(name)
}

var (
	CategoryRenderStatic     = RegisterCategory("RenderStatic")
	CategoryRenderDynamic    = RegisterCategory("RenderDynamic")
	CategoryOcclusionStatic  = RegisterCategory("OcclusionStatic")
	CategoryOcclusionDynamic = RegisterCategory("OcclusionDynamic")
)
