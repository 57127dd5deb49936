package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/sowilo/models"
	"github.com/aukilabs/sowilo/spatial"
	"github.com/go-chi/chi/v5"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const (
	// ErrTypeWorldNotFound is the type of errors returned when a debug
	// request targets a world that is not in the store.
	ErrTypeWorldNotFound = "world-not-found"

	// ErrTypeBadRequest is the type of errors returned when debug request
	// parameters cannot be parsed.
	ErrTypeBadRequest = "bad-request"
)

// WorldSummary is the debug description of a world.
type WorldSummary struct {
	ID             models.WorldID `json:"id"`
	Name           string         `json:"name"`
	Frames         uint64         `json:"frames"`
	NumSpatialData int            `json:"num_spatial_data"`
}

// Box is the debug representation of a bounding box.
type Box struct {
	Min mgl32.Vec3 `json:"min"`
	Max mgl32.Vec3 `json:"max"`
}

func newBox(b spatial.BoundingBox) Box {
	return Box{Min: b.Min, Max: b.Max}
}

// NewDebugRouter returns the handler serving the introspection endpoints of
// the worlds in store:
//
//	GET /debug/worlds
//	GET /debug/worlds/{world_id}/stats
//	GET /debug/worlds/{world_id}/cells?categories=RenderStatic,RenderDynamic
//	GET /debug/worlds/{world_id}/spatial-data/{spatial_data_id}/cells
//	GET /debug/worlds/{world_id}/stream (websocket)
func NewDebugRouter(store *models.WorldStore) http.Handler {
	r := chi.NewRouter()

	r.Get("/debug/worlds", handleListWorlds(store))
	r.Route("/debug/worlds/{world_id}", func(r chi.Router) {
		r.Get("/stats", handleWorld(store, handleStats))
		r.Get("/cells", handleWorld(store, handleCellBoxes))
		r.Get("/spatial-data/{spatial_data_id}/cells", handleWorld(store, handleSpatialDataCellBox))
		r.Get("/stream", handleWorld(store, handleStatsStream))
	})

	return r
}

func handleListWorlds(store *models.WorldStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		worlds := store.List()
		summaries := make([]WorldSummary, 0, len(worlds))

		for _, world := range worlds {
			summary := WorldSummary{
				ID:     world.ID,
				Name:   world.Name,
				Frames: world.Frames(),
			}
			world.Exec(func(s *spatial.System) {
				summary.NumSpatialData = s.Len()
			})
			summaries = append(summaries, summary)
		}

		writeJSON(w, http.StatusOK, summaries)
	}
}

type worldHandlerFunc func(w http.ResponseWriter, r *http.Request, world *models.World)

func handleWorld(store *models.WorldStore, h worldHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := models.ParseWorldID(chi.URLParam(r, "world_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		world, ok := store.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, errors.New("world not found").
				WithType(ErrTypeWorldNotFound).
				WithTag("world_id", id.String()))
			return
		}

		h(w, r, world)
	}
}

func handleStats(w http.ResponseWriter, r *http.Request, world *models.World) {
	var stats spatial.InternalStats
	world.Exec(func(s *spatial.System) {
		stats = s.GetInternalStats()
	})
	writeJSON(w, http.StatusOK, stats)
}

func handleCellBoxes(w http.ResponseWriter, r *http.Request, world *models.World) {
	var categories spatial.CategoryBitmask

	if v := r.URL.Query().Get("categories"); v != "" {
		for _, name := range strings.Split(v, ",") {
			c, ok := spatial.DefaultCategories.Find(strings.TrimSpace(name))
			if !ok {
				writeError(w, http.StatusBadRequest, errors.New("unknown category").
					WithType(ErrTypeBadRequest).
					WithTag("category", name))
				return
			}
			categories |= c.Bitmask()
		}
	}

	var boxes []spatial.BoundingBox
	world.Exec(func(s *spatial.System) {
		boxes = s.GetAllCellBoxes(categories)
	})

	res := make([]Box, len(boxes))
	for i, b := range boxes {
		res[i] = newBox(b)
	}
	writeJSON(w, http.StatusOK, res)
}

func handleSpatialDataCellBox(w http.ResponseWriter, r *http.Request, world *models.World) {
	v, err := strconv.ParseUint(chi.URLParam(r, "spatial_data_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("parsing spatial data id failed").
			WithType(ErrTypeBadRequest).
			Wrap(err))
		return
	}

	var box spatial.BoundingBox
	world.Exec(func(s *spatial.System) {
		box, err = s.GetCellBoxForSpatialData(spatial.SpatialDataID(v))
	})

	switch {
	case errors.IsType(err, spatial.ErrTypeStaleHandle):
		writeError(w, http.StatusNotFound, err)

	case err != nil:
		writeError(w, http.StatusBadRequest, err)

	default:
		writeJSON(w, http.StatusOK, newBox(box))
	}
}

// handleStatsStream sends the internal stats of the world spatial system over
// a websocket on every frame. Frames are dropped while the client is slow.
func handleStatsStream(w http.ResponseWriter, r *http.Request, world *models.World) {
	websocket.Server{
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()
			streamStats(conn, world)
		},
	}.ServeHTTP(w, r)
}

func streamStats(conn *websocket.Conn, world *models.World) {
	frames := make(chan spatial.InternalStats, 1)
	cancel := world.HandleFrame(func() {
		select {
		case frames <- world.System().GetInternalStats():
		default:
		}
	})
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)

		var msg string
		for {
			if err := websocket.Message.Receive(conn, &msg); err != nil {
				return
			}
		}
	}()

	logger := logs.WithTag("world", world.Name).
		WithTag("remote_addr", conn.Request().RemoteAddr)
	logger.Debug("stats stream opened")

	for {
		select {
		case <-closed:
			logger.Debug("stats stream closed")
			return

		case stats := <-frames:
			b, err := json.Marshal(stats)
			if err != nil {
				logger.Error(errors.New("encoding stats failed").Wrap(err))
				return
			}

			if err := websocket.Message.Send(conn, string(b)); err != nil {
				logger.Debug("stats stream closed")
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{
		Error: err.Error(),
		Type:  errors.Type(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logs.Warn(errors.New("writing json response failed").Wrap(err))
	}
}
