package render

import (
	"fmt"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	// MaxCategories is the number of render categories that can be
	// registered.
	MaxCategories = 64

	// ErrTypeCapacityExceeded is the type of the values render code panics
	// with when too many categories are registered.
	ErrTypeCapacityExceeded = "render-capacity-exceeded"

	// ErrTypeInvalidRenderData is the type of errors logged when render data
	// is dropped instead of being added to a category.
	ErrTypeInvalidRenderData = "render-invalid-render-data"
)

// Category is a render pass bucket, such as opaque or transparent geometry.
// Each category sorts its render data with its own SortingKeyFunc.
type Category uint8

func (c Category) String() string {
	categories.mutex.RLock()
	defer categories.mutex.RUnlock()

	if int(c) < len(categories.infos) {
		return categories.infos[c].name
	}
	return fmt.Sprintf("render-category(%d)", uint8(c))
}

// SortingKey returns the key of rd for the category, as seen from v. It
// returns false when the category is not registered or has no sorting
// function.
func (c Category) SortingKey(rd RenderData, v Viewpoint) (uint32, bool) {
	sortingKey := c.sortingKeyFunc()
	if sortingKey == nil {
		return 0, false
	}
	return sortingKey(rd, v), true
}

func (c Category) sortingKeyFunc() SortingKeyFunc {
	categories.mutex.RLock()
	defer categories.mutex.RUnlock()

	if int(c) >= len(categories.infos) {
		return nil
	}
	return categories.infos[c].sortingKey
}

type categoryInfo struct {
	name       string
	sortingKey SortingKeyFunc
}

var categories struct {
	mutex sync.RWMutex
	infos []categoryInfo
	ids   map[string]Category
}

// RegisterCategory returns the category with the given name, registering it
// with sortingKey if needed. Registering more than MaxCategories categories
// panics.
func RegisterCategory(name string, sortingKey SortingKeyFunc) Category {
	categories.mutex.Lock()
	defer categories.mutex.Unlock()

	if categories.ids == nil {
		categories.ids = make(map[string]Category)
	}

	if c, ok := categories.ids[name]; ok {
		return c
	}

	if len(categories.infos) >= MaxCategories {
		panic(errors.New("too many render categories").
			WithType(ErrTypeCapacityExceeded).
			WithTag("name", name).
			WithTag("max", MaxCategories))
	}

	c := Category(len(categories.infos))
	categories.infos = append(categories.infos, categoryInfo{
		name:       name,
		sortingKey: sortingKey,
	})
	categories.ids[name] = c
	return c
}

func FindCategory(name string) (Category, bool) {
	categories.mutex.RLock()
	defer categories.mutex.RUnlock()

	c, ok := categories.ids[name]
	return c, ok
}

func numCategories() int {
	categories.mutex.RLock()
	defer categories.mutex.RUnlock()

	return len(categories.infos)
}

var (
	CategoryOpaque      = RegisterCategory("Opaque", SortByBatchThenFrontToBack)
	CategoryMasked      = RegisterCategory("Masked", SortByBatchThenFrontToBack)
	CategoryTransparent = RegisterCategory("Transparent", SortBackToFront)
	CategorySky         = RegisterCategory("Sky", SortFrontToBack)
)
