package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"reflect"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/sowilo/extract"
	"github.com/aukilabs/sowilo/featureflag"
	sowilohttp "github.com/aukilabs/sowilo/http"
	"github.com/aukilabs/sowilo/models"
	"github.com/aukilabs/sowilo/render"
	"github.com/aukilabs/sowilo/scene"
	"github.com/aukilabs/sowilo/smoketest"
	"github.com/aukilabs/sowilo/spatial"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

var (
	// The Sowilo version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "sowilo_info",
		Help:        "Sowilo information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// This will effectively disable obfuscation of the config struct. Without it, the keys would get obfuscated causing the cli package to generate garbled command-line options.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr               string        `cli:""        env:"SOWILO_ADDR"                 help:"Listening address for the service endpoints."`
	AdminAddr          string        `cli:""        env:"SOWILO_ADMIN_ADDR"           help:"Admin listening address."`
	LogLevel           string        `cli:""        env:"SOWILO_LOG_LEVEL"            help:"Log level (debug|info|warning|error)."`
	LogIndent          bool          `cli:""        env:"SOWILO_LOG_INDENT"           help:"Indent logs."`
	Scene              string        `cli:""        env:"SOWILO_SCENE"                help:"The TOML or YAML scene file to serve. The built-in scene is served when empty."`
	FrameDuration      time.Duration `cli:",hidden" env:"SOWILO_FRAME_DURATION"       help:"The duration of a world frame."`
	LogSummaryInterval time.Duration `cli:",hidden" env:"SOWILO_LOG_SUMMARY_INTERVAL" help:"The duration between each extraction log summary."`
	SmokeTestInterval  time.Duration `cli:",hidden" env:"SOWILO_SMOKE_TEST_INTERVAL"  help:"The minimum duration between two smoke tests."`
	ShutdownTimeout    time.Duration `cli:",hidden" env:"SOWILO_SHUTDOWN_TIMEOUT"     help:"The duration given to servers to finish requests on shutdown."`
	Spatial            spatialConfig `cli:",hidden" env:"-"                           help:"Spatial system configuration."`
	Events             eventsConfig  `cli:",hidden" env:"-"                           help:"Event pusher configuration."`
	FeatureFlags       []string      `cli:",hidden" env:"SOWILO_FEATURE_FLAGS"        help:"Comma separated feature flags"`
	Version            bool          `cli:""        env:"-"                           help:"Show version."`
	Help               bool          `cli:""        env:"-"                           help:"Show help."`
}

type spatialConfig struct {
	CellSize               int `cli:",hidden" env:"SOWILO_SPATIAL_CELL_SIZE"                 help:"The grid cell size. Overrides the scene cell size."`
	CellOverlap            int `cli:",hidden" env:"SOWILO_SPATIAL_CELL_OVERLAP"              help:"How far objects can move before changing cells."`
	MaxGrids               int `cli:",hidden" env:"SOWILO_SPATIAL_MAX_GRIDS"                 help:"The maximum number of regular and cached grids."`
	MinCachePromotionScore int `cli:",hidden" env:"SOWILO_SPATIAL_MIN_CACHE_PROMOTION_SCORE" help:"The score a recurring filtered query needs to get a cached grid."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"SOWILO_EVENTS_ENDPOINT"       help:"Endpoint to where events are pushed."`
	FlushInterval time.Duration `cli:",hidden" env:"SOWILO_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"SOWILO_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"SOWILO_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

func main() {
	conf := config{
		Addr:               ":4000",
		AdminAddr:          ":18190",
		LogLevel:           logs.InfoLevel.String(),
		FrameDuration:      time.Millisecond * 16,
		LogSummaryInterval: time.Minute,
		SmokeTestInterval:  time.Second * 10,
		ShutdownTimeout:    time.Second * 5,
		Spatial: spatialConfig{
			CellOverlap:            spatial.DefaultCellOverlap,
			MaxGrids:               spatial.MaxGrids,
			MinCachePromotionScore: spatial.DefaultMinCachePromotionScore,
		},
		Events: eventsConfig{
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
	}

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts Sowilo server.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := validateConfig(conf); err != nil {
		logs.Fatal(err)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     metrics.HTTPTransport(http.DefaultTransport),
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "sowilo",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	sc, err := loadScene(conf.Scene)
	if err != nil {
		logs.Fatal(err)
	}
	spatialConf := newSpatialConfig(conf, sc)
	for _, f := range spatialConf.Flags.Unknown() {
		logs.WithTag("flag", f).Warn("unknown feature flag ignored")
	}

	var worlds models.WorldStore
	world := models.NewWorld(sc.Name, spatialConf, conf.FrameDuration)
	if err := worlds.Add(world); err != nil {
		logs.Fatal(err)
	}

	var nodes []*scene.Node
	world.Exec(func(s *spatial.System) {
		nodes, err = sc.Populate(s)
	})
	if err != nil {
		logs.Fatal(err)
	}

	extractor := extract.ExtractorWithLogs(
		&extract.SpatialExtractor{System: world.System()},
		world.Name,
		conf.LogSummaryInterval,
	)
	extractor = extract.ExtractorWithMetrics(extractor, world.Name)
	defer extractor.Close()

	views := sc.CameraViews()
	extracted := make([]*render.ExtractedRenderData, len(views))
	for i := range extracted {
		extracted[i] = render.NewExtractedRenderData()
	}

	start := time.Now()
	world.HandleFrame(func() {
		if err := scene.Animate(world.System(), nodes, time.Since(start)); err != nil {
			logs.Warn(err)
		}

		if _, err := extract.ExtractViews(ctx, extractor, views, extracted); err != nil &&
			!errors.IsType(err, extract.ErrTypeExtractCanceled) {
			logs.Warn(err)
		}
	})
	go world.StartDispatchFrames()

	var service http.ServeMux

	service.Handle("/health", sowilohttp.HandleWithCORS(http.HandlerFunc(sowilohttp.HandleHealthCheck)))
	service.Handle("/version", sowilohttp.HandleWithCORS(http.HandlerFunc(sowilohttp.HandleVersion(version))))

	readinessCheck := func() bool {
		return world.Frames() != 0
	}
	service.Handle("/ready", sowilohttp.HandleWithCORS(http.HandlerFunc(sowilohttp.HandleReadyCheck(readinessCheck))))

	service.Handle("/smoke-test", sowilohttp.HandleWithRateLimit(smoketest.HandleSmokeTest(smoketest.Options{
		Config: spatialConf,
	}), conf.SmokeTestInterval, 1))

	service.Handle("/debug/", sowilohttp.HandleWithCORS(sowilohttp.NewDebugRouter(&worlds)))

	service.Handle("/ping", websocket.Server{
		Handler: func(ws *websocket.Conn) {
			defer ws.Close()
			io.Copy(ws, ws)
		},
	})

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", sowilohttp.HandleHealthCheck)
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))
	admin.HandleFunc("/ready", sowilohttp.HandleReadyCheck(readinessCheck))

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("scene", sc.Name).
		WithTag("world_id", world.ID.String()).
		WithTag("nodes", len(nodes)).
		WithTag("views", len(views)).
		Info("starting sowilo server")

	sowilohttp.ListenAndServe(ctx, conf.ShutdownTimeout,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(&service,
			sowilohttp.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)

	worlds.Remove(world.ID)
}

func loadScene(path string) (scene.Scene, error) {
	if path == "" {
		return scene.Default(), nil
	}
	return scene.Load(path)
}

func newSpatialConfig(conf config, sc scene.Scene) spatial.Config {
	c := sc.SpatialConfig(spatial.DefaultConfig())

	if conf.Spatial.CellSize > 0 {
		c.CellSize = float32(conf.Spatial.CellSize)
	}
	c.CellOverlap = float32(conf.Spatial.CellOverlap)
	c.MaxGrids = conf.Spatial.MaxGrids
	c.MinCachePromotionScore = float32(conf.Spatial.MinCachePromotionScore)
	c.Flags = featureflag.New(conf.FeatureFlags)
	return c
}

func validateConfig(conf config) error {
	if conf.FrameDuration <= 0 {
		return errors.New("frame duration must be positive").
			WithTag("frame_duration", conf.FrameDuration)
	}

	if conf.LogSummaryInterval <= 0 {
		return errors.New("log summary interval must be positive").
			WithTag("log_summary_interval", conf.LogSummaryInterval)
	}

	if conf.SmokeTestInterval <= 0 {
		return errors.New("smoke test interval must be positive").
			WithTag("smoke_test_interval", conf.SmokeTestInterval)
	}

	if conf.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive").
			WithTag("shutdown_timeout", conf.ShutdownTimeout)
	}

	if conf.Spatial.MaxGrids < 1 || conf.Spatial.MaxGrids > spatial.MaxGrids {
		return errors.New("max grids out of range").
			WithTag("max_grids", conf.Spatial.MaxGrids).
			WithTag("limit", spatial.MaxGrids)
	}

	if conf.Spatial.CellOverlap < 0 {
		return errors.New("cell overlap must not be negative").
			WithTag("cell_overlap", conf.Spatial.CellOverlap)
	}

	return nil
}
