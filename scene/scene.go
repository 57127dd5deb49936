package scene

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/sowilo/extract"
	"github.com/aukilabs/sowilo/render"
	"github.com/aukilabs/sowilo/spatial"
	"github.com/go-gl/mathgl/mgl32"
	"gopkg.in/yaml.v3"
)

const (
	// ErrTypeInvalidScene is the type of errors returned when a scene cannot
	// be decoded or describes something that cannot be built.
	ErrTypeInvalidScene = "scene-invalid"

	// ErrTypeUnsupportedFormat is the type of errors returned when a scene
	// file extension is neither TOML nor YAML.
	ErrTypeUnsupportedFormat = "scene-unsupported-format"
)

const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

const (
	defaultFovY   = 60
	defaultAspect = 16.0 / 9.0
	defaultNear   = 0.1
	defaultFar    = 1000
)

// Scene describes the objects of a world and the views it is extracted for.
type Scene struct {
	Name     string       `toml:"name" yaml:"name"`
	CellSize float32      `toml:"cell_size" yaml:"cell_size"`
	Objects  []Object     `toml:"objects" yaml:"objects"`
	Views    []ViewConfig `toml:"views" yaml:"views"`
}

// Object describes one object, or a lattice of objects when Repeat is set.
type Object struct {
	Name        string     `toml:"name" yaml:"name"`
	Position    [3]float32 `toml:"position" yaml:"position"`
	HalfExtents [3]float32 `toml:"half_extents" yaml:"half_extents"`

	// Spatial category names. Defaults to RenderStatic, or RenderDynamic
	// for animated objects.
	Categories    []string `toml:"categories" yaml:"categories"`
	Tags          []string `toml:"tags" yaml:"tags"`
	AlwaysVisible bool     `toml:"always_visible" yaml:"always_visible"`

	// Render category name. Defaults to Opaque.
	RenderCategory string `toml:"render_category" yaml:"render_category"`
	Batch          uint32 `toml:"batch" yaml:"batch"`
	Sorting        uint32 `toml:"sorting" yaml:"sorting"`

	Animation *Animation `toml:"animation" yaml:"animation"`
	Repeat    *Repeat    `toml:"repeat" yaml:"repeat"`
}

// Animation moves an object back and forth around its position.
type Animation struct {
	Amplitude     [3]float32 `toml:"amplitude" yaml:"amplitude"`
	PeriodSeconds float32    `toml:"period_seconds" yaml:"period_seconds"`
}

func (a Animation) offset(elapsed time.Duration) mgl32.Vec3 {
	if a.PeriodSeconds <= 0 {
		return mgl32.Vec3{}
	}

	phase := 2 * math.Pi * elapsed.Seconds() / float64(a.PeriodSeconds)
	return mgl32.Vec3(a.Amplitude).Mul(float32(math.Sin(phase)))
}

// Repeat lays out Count copies of an object, Spacing apart on each axis.
type Repeat struct {
	Count   [3]int     `toml:"count" yaml:"count"`
	Spacing [3]float32 `toml:"spacing" yaml:"spacing"`
}

func (r *Repeat) positions(origin mgl32.Vec3) []mgl32.Vec3 {
	if r == nil {
		return []mgl32.Vec3{origin}
	}

	count := r.Count
	for i := range count {
		count[i] = max(count[i], 1)
	}

	positions := make([]mgl32.Vec3, 0, count[0]*count[1]*count[2])
	for x := 0; x < count[0]; x++ {
		for y := 0; y < count[1]; y++ {
			for z := 0; z < count[2]; z++ {
				positions = append(positions, origin.Add(mgl32.Vec3{
					float32(x) * r.Spacing[0],
					float32(y) * r.Spacing[1],
					float32(z) * r.Spacing[2],
				}))
			}
		}
	}
	return positions
}

// ViewConfig describes a camera. FovY is in degrees.
type ViewConfig struct {
	Name   string     `toml:"name" yaml:"name"`
	Eye    [3]float32 `toml:"eye" yaml:"eye"`
	Center [3]float32 `toml:"center" yaml:"center"`
	FovY   float32    `toml:"fov_y" yaml:"fov_y"`
	Aspect float32    `toml:"aspect" yaml:"aspect"`
	Near   float32    `toml:"near" yaml:"near"`
	Far    float32    `toml:"far" yaml:"far"`

	// Spatial category names. Defaults to RenderStatic and RenderDynamic.
	Categories []string `toml:"categories" yaml:"categories"`
	Include    []string `toml:"include" yaml:"include"`
	Exclude    []string `toml:"exclude" yaml:"exclude"`

	// Either "direct" or "indirect". Defaults to direct.
	Visibility string `toml:"visibility" yaml:"visibility"`
}

// Load reads a scene from a .toml, .yaml or .yml file.
func Load(path string) (Scene, error) {
	format, err := formatFromPath(path)
	if err != nil {
		return Scene{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Scene{}, errors.New("opening scene file failed").
			WithTag("path", path).
			Wrap(err)
	}
	defer f.Close()

	s, err := Decode(f, format)
	if err != nil {
		return Scene{}, errors.New("loading scene failed").
			WithType(ErrTypeInvalidScene).
			WithTag("path", path).
			Wrap(err)
	}

	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return s, nil
}

func formatFromPath(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return FormatTOML, nil

	case ".yaml", ".yml":
		return FormatYAML, nil

	default:
		return "", errors.New("unsupported scene file extension").
			WithType(ErrTypeUnsupportedFormat).
			WithTag("path", path).
			WithTag("extension", ext)
	}
}

// Decode reads a scene in the given format. Unknown keys are rejected.
func Decode(r io.Reader, format string) (Scene, error) {
	var s Scene

	switch format {
	case FormatTOML:
		md, err := toml.NewDecoder(r).Decode(&s)
		if err != nil {
			return Scene{}, errors.New("decoding toml scene failed").
				WithType(ErrTypeInvalidScene).
				Wrap(err)
		}
		if undecoded := md.Undecoded(); len(undecoded) != 0 {
			return Scene{}, errors.New("toml scene has unknown keys").
				WithType(ErrTypeInvalidScene).
				WithTag("key", undecoded[0].String())
		}

	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil && err != io.EOF {
			return Scene{}, errors.New("decoding yaml scene failed").
				WithType(ErrTypeInvalidScene).
				Wrap(err)
		}

	default:
		return Scene{}, errors.New("unsupported scene format").
			WithType(ErrTypeUnsupportedFormat).
			WithTag("format", format)
	}

	return s, s.Validate()
}

// Validate checks that the scene can be populated and viewed.
func (s Scene) Validate() error {
	names := make(map[string]struct{}, len(s.Objects))
	for i, o := range s.Objects {
		if o.Name == "" {
			return errors.New("scene object has no name").
				WithType(ErrTypeInvalidScene).
				WithTag("index", i)
		}
		if _, ok := names[o.Name]; ok {
			return errors.New("scene object name is used twice").
				WithType(ErrTypeInvalidScene).
				WithTag("object", o.Name)
		}
		names[o.Name] = struct{}{}

		for _, e := range o.HalfExtents {
			if e < 0 {
				return errors.New("scene object has negative half extents").
					WithType(ErrTypeInvalidScene).
					WithTag("object", o.Name)
			}
		}

		if o.RenderCategory != "" {
			if _, ok := render.FindCategory(o.RenderCategory); !ok {
				return errors.New("scene object has an unknown render category").
					WithType(ErrTypeInvalidScene).
					WithTag("object", o.Name).
					WithTag("render_category", o.RenderCategory)
			}
		}
	}

	views := make(map[string]struct{}, len(s.Views))
	for i, v := range s.Views {
		if v.Name == "" {
			return errors.New("scene view has no name").
				WithType(ErrTypeInvalidScene).
				WithTag("index", i)
		}
		if _, ok := views[v.Name]; ok {
			return errors.New("scene view name is used twice").
				WithType(ErrTypeInvalidScene).
				WithTag("view", v.Name)
		}
		views[v.Name] = struct{}{}

		if v.Eye == v.Center {
			return errors.New("scene view looks at its own eye").
				WithType(ErrTypeInvalidScene).
				WithTag("view", v.Name)
		}

		switch v.Visibility {
		case "", "direct", "indirect":
		default:
			return errors.New("scene view has an unknown visibility").
				WithType(ErrTypeInvalidScene).
				WithTag("view", v.Name).
				WithTag("visibility", v.Visibility)
		}
	}

	return nil
}

// SpatialConfig returns conf with the scene cell size applied.
func (s Scene) SpatialConfig(conf spatial.Config) spatial.Config {
	if s.CellSize > 0 {
		conf.CellSize = s.CellSize
	}
	return conf
}

// Node is a scene object living in a spatial system.
type Node struct {
	Name string
	ID   spatial.SpatialDataID

	origin      mgl32.Vec3
	position    mgl32.Vec3
	halfExtents mgl32.Vec3

	alwaysVisible bool
	animation     *Animation

	renderCategory render.Category
	batch          uint32
	sorting        uint32
}

func (n *Node) Position() mgl32.Vec3 {
	return n.position
}

func (n *Node) IsAnimated() bool {
	return n.animation != nil && !n.alwaysVisible
}

func (n *Node) bounds() spatial.BoundingBoxSphere {
	return spatial.NewBoundingBoxSphere(spatial.NewBoundingBoxCenter(n.position, n.halfExtents))
}

func (n *Node) ExtractRenderData(view extract.View, out *render.ExtractedRenderData) {
	out.AddRenderData(&render.BaseRenderData{
		Batch:    n.batch,
		Sorting:  n.sorting,
		Position: n.position,
	}, n.renderCategory)
}

// Populate creates the spatial data of the scene objects in s.
func (s Scene) Populate(system *spatial.System) ([]*Node, error) {
	var nodes []*Node

	for _, o := range s.Objects {
		categories := categoryBitmask(o.Categories)
		if categories.IsEmpty() {
			categories = spatial.CategoryRenderStatic.Bitmask()
			if o.Animation != nil {
				categories = spatial.CategoryRenderDynamic.Bitmask()
			}
		}
		tags := spatial.DefaultTags.Set(o.Tags...)

		renderCategory := render.CategoryOpaque
		if o.RenderCategory != "" {
			c, ok := render.FindCategory(o.RenderCategory)
			if !ok {
				return nil, errors.New("unknown render category").
					WithType(ErrTypeInvalidScene).
					WithTag("object", o.Name).
					WithTag("render_category", o.RenderCategory)
			}
			renderCategory = c
		}

		positions := o.Repeat.positions(o.Position)
		for i, pos := range positions {
			n := &Node{
				Name:           o.Name,
				origin:         pos,
				position:       pos,
				halfExtents:    o.HalfExtents,
				alwaysVisible:  o.AlwaysVisible,
				animation:      o.Animation,
				renderCategory: renderCategory,
				batch:          o.Batch,
				sorting:        o.Sorting,
			}
			if len(positions) > 1 {
				n.Name = o.Name + "-" + strconv.Itoa(i)
			}

			var err error
			if o.AlwaysVisible {
				n.ID, err = system.CreateSpatialDataAlwaysVisible(n, categories, tags)
			} else {
				n.ID, err = system.CreateSpatialData(n.bounds(), n, categories, tags)
			}
			if err != nil {
				return nil, errors.New("creating scene object failed").
					WithType(ErrTypeInvalidScene).
					WithTag("object", n.Name).
					Wrap(err)
			}
			nodes = append(nodes, n)
		}
	}

	logs.WithTag("scene", s.Name).
		WithTag("system", system.Name()).
		WithTag("objects", len(s.Objects)).
		WithTag("nodes", len(nodes)).
		Info("scene populated")
	return nodes, nil
}

// Animate moves the animated nodes to where they are after elapsed time.
func Animate(system *spatial.System, nodes []*Node, elapsed time.Duration) error {
	for _, n := range nodes {
		if !n.IsAnimated() {
			continue
		}

		n.position = n.origin.Add(n.animation.offset(elapsed))
		if err := system.UpdateSpatialDataBounds(n.ID, n.bounds()); err != nil {
			return errors.New("animating scene object failed").
				WithType(errors.Type(err)).
				WithTag("object", n.Name).
				Wrap(err)
		}
	}
	return nil
}

// CameraViews returns the views of the scene, or a single view looking
// down the negative z axis when the scene has none.
func (s Scene) CameraViews() []extract.View {
	configs := s.Views
	if len(configs) == 0 {
		configs = []ViewConfig{{
			Name:   "default",
			Eye:    [3]float32{0, 10, 50},
			Center: [3]float32{0, 10, 0},
		}}
	}

	views := make([]extract.View, 0, len(configs))
	for _, c := range configs {
		views = append(views, c.view())
	}
	return views
}

func (c ViewConfig) view() extract.View {
	categories := categoryBitmask(c.Categories)
	if categories.IsEmpty() {
		categories = spatial.CategoryRenderStatic.Bitmask() | spatial.CategoryRenderDynamic.Bitmask()
	}

	visibility := spatial.VisibilityDirect
	if c.Visibility == "indirect" {
		visibility = spatial.VisibilityIndirect
	}

	return extract.View{
		Name:   c.Name,
		Eye:    c.Eye,
		Center: c.Center,
		Up:     mgl32.Vec3{0, 1, 0},
		FovY:   mgl32.DegToRad(orDefault(c.FovY, defaultFovY)),
		Aspect: orDefault(c.Aspect, defaultAspect),
		Near:   orDefault(c.Near, defaultNear),
		Far:    orDefault(c.Far, defaultFar),
		Params: spatial.QueryParams{
			Categories:  categories,
			IncludeTags: spatial.DefaultTags.Set(c.Include...),
			ExcludeTags: spatial.DefaultTags.Set(c.Exclude...),
		},
		Visibility: visibility,
	}
}

func categoryBitmask(names []string) spatial.CategoryBitmask {
	var m spatial.CategoryBitmask
	for _, n := range names {
		m |= spatial.RegisterCategory(n).Bitmask()
	}
	return m
}

func orDefault(v, d float32) float32 {
	if v <= 0 {
		return d
	}
	return v
}
