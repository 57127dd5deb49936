package smoketest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"reflect"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/sowilo/featureflag"
	"github.com/aukilabs/sowilo/render"
	"github.com/aukilabs/sowilo/spatial"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/segmentio/encoding/json"
)

const (
	// ErrTypeCheckFailed is the type of errors reported by a failing check.
	ErrTypeCheckFailed = "smoke-test-check-failed"

	defaultNumObjects = 200
	defaultTimeout    = 10 * time.Second
	maxNumObjects     = 100000
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Request is the optional body of a smoke test request.
type Request struct {
	// The number of random objects the brute force check compares against.
	NumObjects int           `json:"num_objects"`
	Seed       int64         `json:"seed"`
	Timeout    time.Duration `json:"timeout"`
}

type CheckResult struct {
	Name            string  `json:"name"`
	Status          Status  `json:"status"`
	Error           string  `json:"error,omitempty"`
	LatencyMilliSec float64 `json:"latency_ms"`
}

type Results struct {
	Status          Status        `json:"status"`
	Checks          []CheckResult `json:"checks"`
	LatencyMilliSec float64       `json:"latency_ms"`
}

type Options struct {
	// The configuration of the systems the checks run against. Each check
	// gets its own system.
	Config spatial.Config

	// Called with the results of every run. Optional.
	SendResult func(context.Context, Results) error
}

type check struct {
	name string
	run  func(ctx context.Context, s *spatial.System, req Request) error
}

var checks = []check{
	{name: "example-scenario", run: checkExampleScenario},
	{name: "stale-handles", run: checkStaleHandles},
	{name: "brute-force", run: checkBruteForce},
	{name: "cached-grids", run: checkCachedGrids},
	{name: "render-batching", run: checkRenderBatching},
}

// HandleSmokeTest runs the checks against fresh spatial systems and responds
// with their results.
func HandleSmokeTest(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			logs.Warn(errors.New("reading smoke test body failed").Wrap(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		var req Request
		if len(b) != 0 {
			if err := json.Unmarshal(b, &req); err != nil {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
		}
		if req.NumObjects <= 0 {
			req.NumObjects = defaultNumObjects
		}
		if req.NumObjects > maxNumObjects {
			http.Error(w, "too many objects", http.StatusBadRequest)
			return
		}
		if req.Timeout <= 0 {
			req.Timeout = defaultTimeout
		}

		ctx, cancel := context.WithTimeout(r.Context(), req.Timeout)
		defer cancel()

		res := Run(ctx, opts.Config, req)

		if opts.SendResult != nil {
			if err := opts.SendResult(ctx, res); err != nil {
				logs.Warn(errors.New("sending smoke test result failed").Wrap(err))
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if res.Status != StatusSuccess {
			w.WriteHeader(http.StatusInternalServerError)
		}
		json.NewEncoder(w).Encode(res)
	}
}

var numRuns atomic.Uint64

// Run runs every check with its own system created from conf. Systems are
// named after the run and the check so that concurrent runs do not share
// metric series.
func Run(ctx context.Context, conf spatial.Config, req Request) Results {
	start := time.Now()
	res := Results{Status: StatusSuccess}
	run := numRuns.Add(1)

	for _, c := range checks {
		checkStart := time.Now()
		conf.Name = systemName(run, c.name)
		err := runCheck(ctx, c, conf, req)

		cr := CheckResult{
			Name:            c.name,
			Status:          StatusSuccess,
			LatencyMilliSec: float64(time.Since(checkStart)) / float64(time.Millisecond),
		}
		if err != nil {
			cr.Status = StatusFailed
			cr.Error = err.Error()
			res.Status = StatusFailed

			logs.WithTag("check", c.name).Warn(err)
		}
		res.Checks = append(res.Checks, cr)
	}

	res.LatencyMilliSec = float64(time.Since(start)) / float64(time.Millisecond)
	instrumentRun(res)

	logs.WithTag("status", res.Status).
		WithTag("checks", len(res.Checks)).
		WithTag("latency_ms", res.LatencyMilliSec).
		Info("smoke test finished")
	return res
}

func runCheck(ctx context.Context, c check, conf spatial.Config, req Request) (err error) {
	if err := ctx.Err(); err != nil {
		return errors.New("smoke test timed out").
			WithType(ErrTypeCheckFailed).
			Wrap(err)
	}

	s := spatial.NewSystem(conf)
	defer s.Close()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("check panicked: %v", r).WithType(ErrTypeCheckFailed)
		}
	}()

	return c.run(ctx, s, req)
}

func systemName(run uint64, check string) string {
	return "smoketest-" + strconv.FormatUint(run, 10) + "-" + check
}

// failed returns a check failure tagged with the given key value pairs.
func failed(msg string, keyValues ...any) error {
	err := errors.New(msg).WithType(ErrTypeCheckFailed)
	for i := 0; i+1 < len(keyValues); i += 2 {
		err = err.WithTag(fmt.Sprint(keyValues[i]), keyValues[i+1])
	}
	return err
}

func boxAt(center mgl32.Vec3, halfExtent float32) spatial.BoundingBoxSphere {
	return spatial.NewBoundingBoxSphere(spatial.NewBoundingBoxCenter(center, mgl32.Vec3{halfExtent, halfExtent, halfExtent}))
}

func checkExampleScenario(ctx context.Context, s *spatial.System, req Request) error {
	indoor := spatial.RegisterTag("Indoor")
	static := spatial.CategoryRenderStatic.Bitmask()
	dynamic := spatial.CategoryRenderDynamic.Bitmask()

	a, err := s.CreateSpatialData(boxAt(mgl32.Vec3{0, 0, 0}, 1), "A", static, spatial.NewTagSet(indoor))
	if err != nil {
		return err
	}
	if _, err := s.CreateSpatialData(boxAt(mgl32.Vec3{0.5, 0, 0}, 1), "B", static, 0); err != nil {
		return err
	}
	if _, err := s.CreateSpatialData(boxAt(mgl32.Vec3{0, 0.5, 0}, 1), "C", dynamic, spatial.NewTagSet(indoor)); err != nil {
		return err
	}

	area := spatial.NewBoundingBox(mgl32.Vec3{-5, -5, -5}, mgl32.Vec3{5, 5, 5})
	staticIndoor := spatial.QueryParams{
		Categories:  static,
		IncludeTags: spatial.NewTagSet(indoor),
	}

	if err := expectOwners(s.CollectObjectsInBox(area, staticIndoor, nil), "A"); err != nil {
		return err
	}

	notIndoor := spatial.QueryParams{
		Categories:  static | dynamic,
		ExcludeTags: spatial.NewTagSet(indoor),
	}
	if err := expectOwners(s.CollectObjectsInBox(area, notIndoor, nil), "B"); err != nil {
		return err
	}

	if err := s.DeleteSpatialData(a); err != nil {
		return err
	}
	return expectOwners(s.CollectObjectsInBox(area, staticIndoor, nil))
}

func expectOwners(got []any, want ...string) error {
	if len(got) != len(want) {
		return failed("unexpected query result", "got", fmt.Sprint(got), "want", fmt.Sprint(want))
	}

	remaining := make(map[string]int, len(want))
	for _, w := range want {
		remaining[w]++
	}
	for _, g := range got {
		name, _ := g.(string)
		if remaining[name] == 0 {
			return failed("unexpected query result", "got", fmt.Sprint(got), "want", fmt.Sprint(want))
		}
		remaining[name]--
	}
	return nil
}

func checkStaleHandles(ctx context.Context, s *spatial.System, req Request) error {
	categories := spatial.CategoryRenderStatic.Bitmask()

	id, err := s.CreateSpatialData(boxAt(mgl32.Vec3{}, 1), "stale", categories, 0)
	if err != nil {
		return err
	}
	if err := s.DeleteSpatialData(id); err != nil {
		return err
	}

	if _, err := s.GetSpatialDataOwner(id); !errors.IsType(err, spatial.ErrTypeStaleHandle) {
		return failed("deleted handle is still valid", "id", id)
	}
	if err := s.DeleteSpatialData(id); !errors.IsType(err, spatial.ErrTypeStaleHandle) {
		return failed("deleted handle was deleted twice", "id", id)
	}

	fresh, err := s.CreateSpatialData(boxAt(mgl32.Vec3{}, 1), "fresh", categories, 0)
	if err != nil {
		return err
	}
	if fresh == id {
		return failed("deleted handle was issued again", "id", id)
	}
	if _, err := s.GetSpatialDataOwner(id); !errors.IsType(err, spatial.ErrTypeStaleHandle) {
		return failed("reused slot revived a deleted handle", "id", id, "fresh_id", fresh)
	}

	everywhere := spatial.NewBoundingBox(mgl32.Vec3{-10, -10, -10}, mgl32.Vec3{10, 10, 10})
	return expectOwners(s.CollectObjectsInBox(everywhere, spatial.QueryParams{Categories: categories}, nil), "fresh")
}

type randomObject struct {
	name       string
	bounds     spatial.BoundingBoxSphere
	categories spatial.CategoryBitmask
	tags       spatial.TagSet
}

func checkBruteForce(ctx context.Context, s *spatial.System, req Request) error {
	rnd := rand.New(rand.NewSource(req.Seed))

	categories := []spatial.Category{
		spatial.CategoryRenderStatic,
		spatial.CategoryRenderDynamic,
		spatial.CategoryOcclusionStatic,
	}
	tags := []spatial.Tag{
		spatial.RegisterTag("SmokeRed"),
		spatial.RegisterTag("SmokeGreen"),
		spatial.RegisterTag("SmokeBlue"),
	}

	randomCategories := func() spatial.CategoryBitmask {
		var m spatial.CategoryBitmask
		for m.IsEmpty() {
			for _, c := range categories {
				if rnd.Intn(2) == 0 {
					m |= c.Bitmask()
				}
			}
		}
		return m
	}
	randomTags := func() spatial.TagSet {
		var ts spatial.TagSet
		for _, t := range tags {
			if rnd.Intn(3) == 0 {
				ts = ts.With(t)
			}
		}
		return ts
	}
	randomPosition := func() mgl32.Vec3 {
		return mgl32.Vec3{
			rnd.Float32()*1000 - 500,
			rnd.Float32()*200 - 100,
			rnd.Float32()*1000 - 500,
		}
	}

	objects := make(map[string]randomObject, req.NumObjects)
	for i := 0; i < req.NumObjects; i++ {
		o := randomObject{
			name:       fmt.Sprintf("object-%d", i),
			bounds:     boxAt(randomPosition(), 1+rnd.Float32()*20),
			categories: randomCategories(),
			tags:       randomTags(),
		}
		if _, err := s.CreateSpatialData(o.bounds, o.name, o.categories, o.tags); err != nil {
			return err
		}
		objects[o.name] = o
	}

	for i := 0; i < 50; i++ {
		if err := ctx.Err(); err != nil {
			return errors.New("brute force check canceled").
				WithType(ErrTypeCheckFailed).
				Wrap(err)
		}

		center := randomPosition()
		area := spatial.NewBoundingBoxCenter(center, mgl32.Vec3{100, 100, 100})
		params := spatial.QueryParams{
			Categories:  randomCategories(),
			IncludeTags: randomTags(),
		}
		params.ExcludeTags = randomTags() &^ params.IncludeTags

		var want []string
		for _, o := range objects {
			if o.categories&params.Categories != 0 &&
				params.Filter().Matches(o.tags) &&
				o.bounds.OverlapsBox(area) {
				want = append(want, o.name)
			}
		}

		if err := expectOwners(s.CollectObjectsInBox(area, params, nil), want...); err != nil {
			return errors.New("brute force query mismatch").
				WithType(ErrTypeCheckFailed).
				WithTag("query", i).
				Wrap(err)
		}

		s.StartNewFrame()
	}

	return nil
}

func checkCachedGrids(ctx context.Context, s *spatial.System, req Request) error {
	red := spatial.RegisterTag("SmokeRed")
	categories := spatial.CategoryRenderStatic.Bitmask()

	for i := 0; i < 100; i++ {
		var tags spatial.TagSet
		name := "plain"
		if i%10 == 0 {
			tags = spatial.NewTagSet(red)
			name = "red"
		}
		if _, err := s.CreateSpatialData(boxAt(mgl32.Vec3{float32(i), 0, 0}, 0.25), name, categories, tags); err != nil {
			return err
		}
	}

	area := spatial.NewBoundingBox(mgl32.Vec3{-1, -1, -1}, mgl32.Vec3{100, 1, 1})
	params := spatial.QueryParams{
		Categories:  categories,
		IncludeTags: spatial.NewTagSet(red),
	}
	want := make([]string, 10)
	for i := range want {
		want[i] = "red"
	}

	for frame := 0; frame < 5; frame++ {
		for i := 0; i < 10; i++ {
			if err := expectOwners(s.CollectObjectsInBox(area, params, nil), want...); err != nil {
				return err
			}
		}
		s.StartNewFrame()
	}

	if s.Config().Flags.IsSet(featureflag.FlagDisableCachedGrids) {
		return nil
	}

	stats := s.GetInternalStats()
	if stats.NumCachedGrids == 0 {
		return failed("no cached grid was promoted", "candidates", len(stats.CacheCandidates))
	}

	var queryStats spatial.QueryStats
	params.Stats = &queryStats
	if err := expectOwners(s.CollectObjectsInBox(area, params, nil), want...); err != nil {
		return err
	}
	if queryStats.TotalNumTestedObjects != len(want) {
		return failed("cached grid tested filtered objects", "tested", queryStats.TotalNumTestedObjects)
	}
	return nil
}

type smokeRenderData struct {
	render.BaseRenderData
	Name string
}

type otherRenderData struct {
	render.BaseRenderData
}

func checkRenderBatching(ctx context.Context, s *spatial.System, req Request) error {
	rd := render.NewExtractedRenderData()
	rd.SetViewpoint(render.NewViewpoint(mgl32.Vec3{}, mgl32.Vec3{0, 0, -1}))

	add := func(batch uint32, z float32, name string) {
		rd.AddRenderData(&smokeRenderData{
			BaseRenderData: render.BaseRenderData{Batch: batch, Position: mgl32.Vec3{0, 0, z}},
			Name:           name,
		}, render.CategoryOpaque)
	}
	add(1, -10, "a")
	add(2, -5, "b")
	add(1, -10, "c")
	rd.AddRenderData(&otherRenderData{
		BaseRenderData: render.BaseRenderData{Batch: 1, Position: mgl32.Vec3{0, 0, -10}},
	}, render.CategoryOpaque)

	rd.SortAndBatch()
	first := batchSignature(rd.GetRenderDataBatchesWithCategory(render.CategoryOpaque, nil))

	rd.SortAndBatch()
	second := batchSignature(rd.GetRenderDataBatchesWithCategory(render.CategoryOpaque, nil))

	if !reflect.DeepEqual(first, second) {
		return failed("sorting twice changed the batches", "first", fmt.Sprint(first), "second", fmt.Sprint(second))
	}

	want := [][]string{{"b"}, {"a", "c"}, {""}}
	if !reflect.DeepEqual(first, want) {
		return failed("unexpected batches", "got", fmt.Sprint(first), "want", fmt.Sprint(want))
	}
	return nil
}

func batchSignature(batches []render.Batch) [][]string {
	signature := make([][]string, 0, len(batches))
	for _, b := range batches {
		var names []string
		b.ForEach(func(rd render.RenderData) {
			name := ""
			if s, ok := rd.(*smokeRenderData); ok {
				name = s.Name
			}
			names = append(names, name)
		})
		signature = append(signature, names)
	}
	return signature
}
