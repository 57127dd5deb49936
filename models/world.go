package models

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/sowilo/spatial"
	"github.com/google/uuid"
)

const (
	// ErrTypeWorldExists is the type of errors returned when a world is added
	// twice to a store.
	ErrTypeWorldExists = "world-exists"

	// ErrTypeWorldNameTaken is the type of errors returned when a world is
	// added while another world with the same name is in the store.
	ErrTypeWorldNameTaken = "world-name-taken"

	// ErrTypeInvalidWorldID is the type of errors returned when a world id
	// cannot be parsed.
	ErrTypeInvalidWorldID = "invalid-world-id"
)

// WorldID identifies a world.
type WorldID uuid.UUID

func NewWorldID() WorldID {
	return WorldID(uuid.New())
}

func ParseWorldID(s string) (WorldID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return WorldID{}, errors.New("parsing world id failed").
			WithType(ErrTypeInvalidWorldID).
			WithTag("world_id", s).
			Wrap(err)
	}
	return WorldID(id), nil
}

func (id WorldID) String() string {
	return uuid.UUID(id).String()
}

func (id WorldID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

// World is a set of objects tracked by a spatial system and updated every
// frame.
type World struct {
	ID   WorldID
	Name string

	// Guarded by systemMutex outside of frame handlers.
	system      *spatial.System
	systemMutex sync.Mutex

	numFrames atomic.Uint64

	startFrameOnce  sync.Once
	closeFrameChan  chan struct{}
	frameTicker     *time.Ticker
	frameHandlerIDs HandlerIDs
	frameHandlers   map[uint32]func()
	frameMutex      sync.RWMutex

	closeOnce sync.Once
}

// NewWorld creates a world whose spatial system is configured with conf. The
// system is named after the world.
func NewWorld(name string, conf spatial.Config, frameDuration time.Duration) *World {
	id := NewWorldID()
	if name == "" {
		name = id.String()
	}
	conf.Name = name

	return &World{
		ID:             id,
		Name:           name,
		system:         spatial.NewSystem(conf),
		closeFrameChan: make(chan struct{}, 1),
		frameTicker:    time.NewTicker(frameDuration),
		frameHandlers:  make(map[uint32]func()),
	}
}

// Exec calls f with the world spatial system while no frame is running. It
// must not be called from a frame handler.
func (w *World) Exec(f func(s *spatial.System)) {
	w.systemMutex.Lock()
	defer w.systemMutex.Unlock()

	f(w.system)
}

// System returns the world spatial system. Frame handlers use it directly,
// anything else goes through Exec.
func (w *World) System() *spatial.System {
	return w.system
}

// Frames returns the number of frames dispatched.
func (w *World) Frames() uint64 {
	return w.numFrames.Load()
}

// HandleFrame registers a handler called on every frame, in no particular
// order relative to the other handlers.
func (w *World) HandleFrame(h func()) (cancel func()) {
	w.frameMutex.Lock()
	defer w.frameMutex.Unlock()

	id := w.frameHandlerIDs.Acquire()
	w.frameHandlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			w.frameMutex.Lock()
			defer w.frameMutex.Unlock()

			delete(w.frameHandlers, id)
			w.frameHandlerIDs.Release(id)
		})
	}
}

// StartDispatchFrames runs the frame handlers on every tick then starts a new
// spatial frame. It blocks until the world is closed.
func (w *World) StartDispatchFrames() {
	w.startFrameOnce.Do(func() {
		for {
			select {
			case <-w.closeFrameChan:
				return

			case <-w.frameTicker.C:
				w.dispatchFrame()
			}
		}
	})
}

func (w *World) dispatchFrame() {
	w.systemMutex.Lock()
	defer w.systemMutex.Unlock()

	w.frameMutex.RLock()
	for _, h := range w.frameHandlers {
		h()
	}
	w.frameMutex.RUnlock()

	w.system.StartNewFrame()
	w.numFrames.Add(1)
	instrumentFrame(w.Name)
}

func (w *World) Close() {
	w.closeOnce.Do(func() {
		w.frameTicker.Stop()
		w.closeFrameChan <- struct{}{}

		w.systemMutex.Lock()
		w.system.Close()
		w.systemMutex.Unlock()
	})
}

// WorldStore is the registry of the worlds served by the process.
type WorldStore struct {
	initOnce sync.Once
	mutex    sync.RWMutex
	worlds   map[WorldID]*World
}

func (s *WorldStore) init() {
	s.worlds = make(map[WorldID]*World)
}

// Add adds w to the store. World names label metrics and must be unique
// among the stored worlds.
func (s *WorldStore) Add(w *World) error {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.worlds[w.ID]; ok {
		return errors.New("world already added").
			WithType(ErrTypeWorldExists).
			WithTag("world_id", w.ID.String())
	}

	for _, other := range s.worlds {
		if other.Name == w.Name {
			return errors.New("world name already taken").
				WithType(ErrTypeWorldNameTaken).
				WithTag("world", w.Name).
				WithTag("world_id", w.ID.String()).
				WithTag("other_world_id", other.ID.String())
		}
	}
	s.worlds[w.ID] = w

	instrumentIncreaseWorldGauge()
	instrumentCountWorld()

	logs.WithTag("world_id", w.ID.String()).
		WithTag("world", w.Name).
		Info("world added")
	return nil
}

// Remove removes a world from the store and closes it.
func (s *WorldStore) Remove(id WorldID) bool {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	w, ok := s.worlds[id]
	if !ok {
		return false
	}

	delete(s.worlds, id)
	w.Close()

	instrumentDecreaseWorldGauge()
	unregisterWorldMetrics(w.Name)

	logs.WithTag("world_id", id.String()).
		WithTag("world", w.Name).
		WithTag("frames", w.Frames()).
		Info("world removed")
	return true
}

func (s *WorldStore) Get(id WorldID) (*World, bool) {
	s.initOnce.Do(s.init)
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	w, ok := s.worlds[id]
	return w, ok
}

// List returns the worlds sorted by name.
func (s *WorldStore) List() []*World {
	s.initOnce.Do(s.init)
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	worlds := make([]*World, 0, len(s.worlds))
	for _, w := range s.worlds {
		worlds = append(worlds, w)
	}

	sort.Slice(worlds, func(i, j int) bool {
		return worlds[i].Name < worlds[j].Name
	})
	return worlds
}

func (s *WorldStore) Len() int {
	s.initOnce.Do(s.init)
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.worlds)
}
