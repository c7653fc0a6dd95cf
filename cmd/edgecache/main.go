package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/edgecache"
	"github.com/always-cache/edgecache/cache"
	"github.com/always-cache/edgecache/pkg/fetch"
	"github.com/always-cache/edgecache/pkg/waituntil"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var (
	// CLI flags
	configFlag         string
	portFlag           int
	adminPortFlag      int
	originFlag         string
	hostFlag           string
	providerFlag       string
	dbFilenameFlag     string
	redisFlag          string
	postgresFlag       string
	verbosityTraceFlag bool
	logFilenameFlag    string
	prettyFlag         bool

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.IntVar(&adminPortFlag, "admin-port", 9090, "Port for health and metrics endpoints (0 disables)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.StringVar(&providerFlag, "provider", "memory", "Cache store: memory, sqlite, redis or postgres")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "SQLite file name (use 'memory' for in-memory db)")
	flag.StringVar(&redisFlag, "redis", "", "Redis URL")
	flag.StringVar(&postgresFlag, "postgres", "", "PostgreSQL connection string")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.BoolVar(&prettyFlag, "pretty", true, "Human readable console logs instead of JSON")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()
	setupLogging()

	config, err := getConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not read config")
	}
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	applyFlags(&config, setFlags)
	if err := config.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
	log.Info().Msg("Server stopped")
}

func setupLogging() {
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	if prettyFlag {
		logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logOutputs = append(logOutputs, os.Stdout)
	}
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
}

// applyFlags overrides config values with the flags given on the command line.
func applyFlags(config *Config, set map[string]bool) {
	if set["port"] {
		config.Port = portFlag
	}
	if set["admin-port"] {
		config.AdminPort = adminPortFlag
	}
	if set["origin"] {
		config.Origin = originFlag
	}
	if set["host"] {
		config.Host = hostFlag
	}
	if set["provider"] {
		config.Store.Provider = providerFlag
	}
	if set["db"] {
		config.Store.SQLite = dbFilenameFlag
	}
	if set["redis"] {
		config.Store.Redis = redisFlag
	}
	if set["postgres"] {
		config.Store.Postgres = postgresFlag
	}
}

// newHandler wires the origin, the edge cache and the background writer into a handler.
func newHandler(config Config, store cache.Store) (*edgecache.Handler, error) {
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}

	var fetcher fetch.Fetcher = fetch.NewOrigin(fetch.OriginConfig{
		URL:     *originURL,
		Host:    config.Host,
		Timeout: config.FetchTimeout,
	})
	if config.EdgeCacheSize > 0 {
		fetcher = fetch.NewEdgeCache(fetcher, config.EdgeCacheSize, config.TTL)
	}

	logger := log.With().Str("origin", originURL.String()).Logger()
	return edgecache.CreateHandler(edgecache.Config{
		Store:   store,
		Fetcher: fetcher,
		Deferrer: waituntil.New(waituntil.Config{
			Limit:   config.MaxBackgroundTasks,
			Timeout: config.StoreTimeout,
			Logger:  &logger,
		}),
		Endpoints:   config.Endpoints,
		TTL:         config.TTL,
		Scheme:      config.Scheme,
		ErrorStatus: config.ErrorStatus,
		Rewrite:     config.Rewrite,
		Logger:      &logger,
	})
}

// withRequestLogging adds a request scoped logger and an access log line.
func withRequestLogging(next http.Handler) http.Handler {
	h := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	})(next)
	h = hlog.RemoteAddrHandler("ip")(h)
	h = hlog.RequestIDHandler("req_id", "")(h)
	return hlog.NewHandler(log.Logger)(h)
}

func run(ctx context.Context, config Config) error {
	store, closeStore, err := newStore(ctx, config)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("Could not close store")
		}
	}()

	handler, err := newHandler(config, store)
	if err != nil {
		return err
	}

	servers := []*http.Server{{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: withRequestLogging(handler),
	}}
	if config.AdminPort > 0 {
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf(":%d", config.AdminPort),
			Handler: newAdminRouter(store),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			log.Info().Msgf("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, config.Origin, config.Host)

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		// pending cache writes finish before the store is closed
		if err := handler.Wait(); err != nil {
			log.Warn().Err(err).Msg("Cache write failed during shutdown")
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
