package models

import (
	"slices"
	"sync"
)

// HandlerIDs allocates the ids of frame handlers. Released ids are handed out
// again, lowest first, before new ones.
type HandlerIDs struct {
	mutex    sync.Mutex
	next     uint32
	released []uint32
}

// Acquire returns an id that is not in use.
func (g *HandlerIDs) Acquire() uint32 {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if len(g.released) != 0 {
		id := g.released[0]
		g.released = g.released[1:]
		return id
	}

	g.next++
	return g.next
}

// Release makes id available to Acquire. Ids that were never acquired or that
// are already released are ignored.
func (g *HandlerIDs) Release(id uint32) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if id == 0 || id > g.next {
		return
	}

	i, found := slices.BinarySearch(g.released, id)
	if found {
		return
	}
	g.released = slices.Insert(g.released, i, id)
}

// Len returns the number of ids in use.
func (g *HandlerIDs) Len() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return int(g.next) - len(g.released)
}
