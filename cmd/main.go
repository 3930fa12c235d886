package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"reflect"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/aukilabs/tilestream/featureflag"
	tshttp "github.com/aukilabs/tilestream/http"
	"github.com/aukilabs/tilestream/smoketest"
	"github.com/aukilabs/tilestream/tileset"
	"github.com/aukilabs/tilestream/transport"
	tswebsocket "github.com/aukilabs/tilestream/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

var (
	// The Tilestream version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "tilestream_info",
		Help:        "Tilestream information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// This will effectively disable obfuscation of the config struct. Without it, the keys would get obfuscated causing the cli package to generate garbled command-line options.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr               string          `cli:""        env:"TILESTREAM_ADDR"                 help:"Listening address for viewer connections."`
	AdminAddr          string          `cli:""        env:"TILESTREAM_ADMIN_ADDR"           help:"Admin listening address."`
	PublicEndpoint     string          `cli:""        env:"TILESTREAM_PUBLIC_ENDPOINT"      help:"The public endpoint where this server is reachable."`
	LogLevel           string          `cli:""        env:"TILESTREAM_LOG_LEVEL"            help:"Log level (debug|info|warning|error)."`
	LogIndent          bool            `cli:""        env:"TILESTREAM_LOG_INDENT"           help:"Indent logs."`
	DefaultTileset     string          `cli:""        env:"TILESTREAM_DEFAULT_TILESET"      help:"The tileset streamed to viewers that do not load one."`
	TilesRoot          string          `cli:""        env:"TILESTREAM_TILES_ROOT"           help:"Serve tilesets from this local directory instead of HTTP."`
	ClientIdleTimeout  time.Duration   `cli:",hidden" env:"TILESTREAM_CLIENT_IDLE_TIMEOUT"  help:"Time until an idle viewer will be disconnected."`
	FrameInterval      time.Duration   `cli:",hidden" env:"TILESTREAM_FRAME_INTERVAL"       help:"The duration between each viewer frame."`
	LogSummaryInterval time.Duration   `cli:",hidden" env:"TILESTREAM_LOG_SUMMARY_INTERVAL" help:"The duration between each log summary by connection."`
	SmokeTestMaxFrames int             `cli:",hidden" env:"TILESTREAM_SMOKE_TEST_MAX_FRAMES" help:"The maximum number of frames run by a smoke test."`
	Tileset            tilesetConfig   `cli:",hidden" env:"-"                               help:"Tileset configuration."`
	DiskCache          diskCacheConfig `cli:",hidden" env:"-"                               help:"Disk cache configuration."`
	Events             eventsConfig    `cli:",hidden" env:"-"                               help:"Event pusher configuration."`
	FeatureFlags       []string        `cli:",hidden" env:"TILESTREAM_FEATURE_FLAGS"        help:"Comma separated feature flags"`
	Version            bool            `cli:""        env:"-"                               help:"Show version."`
	Help               bool            `cli:""        env:"-"                               help:"Show help."`
}

type tilesetConfig struct {
	MaximumScreenSpaceError int           `cli:",hidden" env:"TILESTREAM_MAXIMUM_SCREEN_SPACE_ERROR" help:"The screen space error, in pixels, under which tiles are not refined."`
	MaxConcurrency          int           `cli:",hidden" env:"TILESTREAM_MAX_CONCURRENCY"            help:"The maximum number of tile loads in flight by viewer."`
	MaximumResidentTiles    int           `cli:",hidden" env:"TILESTREAM_MAXIMUM_RESIDENT_TILES"     help:"The maximum number of loaded tiles by viewer."`
	MaximumMemoryUsage      int           `cli:",hidden" env:"TILESTREAM_MAXIMUM_MEMORY_USAGE"       help:"The maximum number of content bytes by viewer. 0 is unbounded."`
	SkipLevelOfDetail       bool          `cli:",hidden" env:"TILESTREAM_SKIP_LEVEL_OF_DETAIL"       help:"Skip intermediate levels of detail."`
	DecodeWorkers           int           `cli:",hidden" env:"TILESTREAM_DECODE_WORKERS"             help:"The number of workers by decoder."`
	ExpireAfter             time.Duration `cli:",hidden" env:"TILESTREAM_EXPIRE_AFTER"               help:"The duration after which a loaded content is reloaded. 0 never expires."`
}

type diskCacheConfig struct {
	Path string        `cli:",hidden" env:"TILESTREAM_DISK_CACHE_PATH" help:"The SQLite file where fetched contents are cached. Empty disables the cache."`
	TTL  time.Duration `cli:",hidden" env:"TILESTREAM_DISK_CACHE_TTL"  help:"The duration a cached content is served."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"TILESTREAM_EVENTS_ENDPOINT"       help:"Endpoint to where events are pushed."`
	FlushInterval time.Duration `cli:",hidden" env:"TILESTREAM_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"TILESTREAM_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"TILESTREAM_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

func main() {
	defaults := tileset.DefaultOptions()

	conf := config{
		Addr:               ":4000",
		AdminAddr:          ":18190",
		PublicEndpoint:     "http://localhost:4000",
		LogLevel:           logs.InfoLevel.String(),
		ClientIdleTimeout:  time.Minute * 5,
		FrameInterval:      time.Millisecond * 33,
		LogSummaryInterval: time.Minute,
		SmokeTestMaxFrames: 256,
		Tileset: tilesetConfig{
			MaximumScreenSpaceError: int(defaults.MaximumScreenSpaceError),
			MaxConcurrency:          defaults.MaxConcurrency,
			MaximumResidentTiles:    defaults.MaximumResidentTiles,
			MaximumMemoryUsage:      defaults.MaximumMemoryUsage,
			SkipLevelOfDetail:       defaults.SkipLevelOfDetail,
			DecodeWorkers:           defaults.DecodeWorkers,
			ExpireAfter:             defaults.ExpireAfter,
		},
		DiskCache: diskCacheConfig{
			TTL: time.Hour * 24,
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
		Help("Starts Tilestream server.").
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

	httpTransport := metrics.HTTPTransport(http.DefaultTransport)

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     httpTransport,
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "tilestream",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	var fetcher transport.Fetcher
	if conf.TilesRoot != "" {
		fetcher = transport.FileFetcher{Root: conf.TilesRoot}
	} else {
		fetcher = transport.NewHTTPFetcher(
			transport.WithClient(&http.Client{Transport: httpTransport}),
			transport.WithUserAgent(fmt.Sprintf("Tilestream %s", version)),
		)
	}

	var diskCache *transport.DiskCache
	if conf.DiskCache.Path != "" {
		c, err := transport.NewDiskCache(conf.DiskCache.Path, fetcher,
			transport.WithTTL(conf.DiskCache.TTL),
		)
		if err != nil {
			logs.Fatal(errors.New("opening disk cache failed").
				WithTag("path", conf.DiskCache.Path).
				Wrap(err))
		}
		defer c.Close()

		diskCache = c
		fetcher = c
	}

	tilesetOptions := newTilesetOptions(conf)
	if err := tilesetOptions.Validate(); err != nil {
		logs.Fatal(errors.New("invalid tileset configuration").Wrap(err))
	}

	var ready atomic.Bool
	readinessCheck := func() error {
		if !ready.Load() {
			return errors.New("default tileset is not reachable").
				WithTag("uri", conf.DefaultTileset)
		}
		return nil
	}

	var service http.ServeMux
	service.Handle("/health", tshttp.HandleWithCORS(http.HandlerFunc(tshttp.HandleHealthCheck)))
	service.Handle("/ready", tshttp.HandleWithCORS(tshttp.HandleReadyCheck(readinessCheck)))
	service.Handle("/version", tshttp.HandleWithCORS(tshttp.HandleVersion(version)))
	service.Handle("/smoke-test", smoketest.HandleSmokeTest(smoketest.Options{
		Fetcher:           fetcher,
		TilesetOptions:    tilesetOptions,
		DefaultTilesetURI: conf.DefaultTileset,
		MaxFrames:         conf.SmokeTestMaxFrames,
	}))

	service.Handle("/", tshttp.HandleWithCORS(websocket.Server{
		Handshake: func(c *websocket.Config, r *http.Request) error {
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			var h tswebsocket.Handler = &tswebsocket.ViewerHandler{
				DefaultTilesetURI:   conf.DefaultTileset,
				Fetcher:             fetcher,
				Options:             tilesetOptions,
				ClientIdleTimeout:   conf.ClientIdleTimeout,
				ClientFrameInterval: conf.FrameInterval,
			}
			h = tswebsocket.HandlerWithLogs(h, conf.LogSummaryInterval)
			h = tswebsocket.HandlerWithMetrics(h, conf.PublicEndpoint)
			defer h.Close()

			tswebsocket.Handle(ctx, conn, h)
		},
	}))

	service.Handle("/ping", websocket.Server{
		Handler: func(ws *websocket.Conn) {
			defer ws.Close()
			io.Copy(ws, ws)
		},
	})

	go probeDefaultTileset(ctx, fetcher, conf.DefaultTileset, &ready)

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", tshttp.HandleHealthCheck)
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))
	admin.HandleFunc("/ready", tshttp.HandleReadyCheck(readinessCheck))
	if diskCache != nil {
		admin.HandleFunc("/cache", tshttp.HandleContentCache(diskCache))
	}

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("endpoint", conf.PublicEndpoint).
		WithTag("default_tileset", conf.DefaultTileset).
		WithTag("feature_flags", conf.FeatureFlags).
		Info("starting tilestream server")

	tshttp.ListenAndServe(ctx,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(&service,
			tshttp.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)
}

func newTilesetOptions(conf config) tileset.Options {
	opts := tileset.DefaultOptions()
	opts.MaximumScreenSpaceError = float64(conf.Tileset.MaximumScreenSpaceError)
	opts.MaxConcurrency = conf.Tileset.MaxConcurrency
	opts.MaximumResidentTiles = conf.Tileset.MaximumResidentTiles
	opts.MaximumMemoryUsage = conf.Tileset.MaximumMemoryUsage
	opts.SkipLevelOfDetail = conf.Tileset.SkipLevelOfDetail
	opts.DecodeWorkers = conf.Tileset.DecodeWorkers
	opts.ExpireAfter = conf.Tileset.ExpireAfter
	opts.FeatureFlags = featureflag.New(conf.FeatureFlags)
	return opts
}

// probeDefaultTileset marks the server as ready once the default tileset
// manifest can be fetched.
func probeDefaultTileset(ctx context.Context, fetcher transport.Fetcher, uri string, ready *atomic.Bool) {
	if uri == "" {
		ready.Store(true)
		return
	}

	ticker := time.NewTicker(time.Second * 5)
	defer ticker.Stop()

	for {
		_, err := fetcher.Fetch(ctx, uri)
		if err == nil {
			ready.Store(true)
			logs.WithTag("uri", uri).Info("default tileset is reachable")
			return
		}
		logs.Warn(errors.New("probing default tileset failed").
			WithTag("uri", uri).
			Wrap(err))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func validateConfig(conf config) error {
	if _, err := url.ParseRequestURI(conf.PublicEndpoint); err != nil {
		return errors.New("invalid public endpoint").Wrap(err)
	}

	if conf.FrameInterval <= 0 {
		return errors.New("frame interval must be positive").
			WithTag("frame_interval", conf.FrameInterval)
	}

	if conf.ClientIdleTimeout <= 0 {
		return errors.New("client idle timeout must be positive").
			WithTag("client_idle_timeout", conf.ClientIdleTimeout)
	}

	if conf.LogSummaryInterval <= 0 {
		return errors.New("log summary interval must be positive").
			WithTag("log_summary_interval", conf.LogSummaryInterval)
	}

	if conf.DiskCache.Path != "" && conf.DiskCache.TTL < 0 {
		return errors.New("disk cache ttl cannot be negative").
			WithTag("ttl", conf.DiskCache.TTL)
	}

	return nil
}
