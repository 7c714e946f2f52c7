package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"

	"edgewaf/config"
	"edgewaf/geodb"
	"edgewaf/logging"
	"edgewaf/mlanomaly"
	"edgewaf/proxy"
	"edgewaf/ratelimit"
	"edgewaf/reputation"
	"edgewaf/secrules"
	"edgewaf/server"
	"edgewaf/storage"
	"edgewaf/tenants"
	"edgewaf/waf"
)

const (
	tenantCacheTTL   = tenants.DefaultCacheTTL
	ruleCacheTTL     = 5 * time.Minute
	counterSweepTick = time.Minute
	staleCleanupTick = time.Hour
	shutdownTimeout  = 10 * time.Second
)

var cfgFile string

func init() {
	startCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (optional; EDGEWAF_* env vars override)")
	startCmd.PersistentFlags().String("listen", ":8080", "edge listen address")
	startCmd.PersistentFlags().String("ops-listen", ":8081", "operations listen address")
	startCmd.PersistentFlags().String("log-level", "info", "zerolog level")
	viper.BindPFlag("listen.addr", startCmd.PersistentFlags().Lookup("listen"))
	viper.BindPFlag("listen.opsAddr", startCmd.PersistentFlags().Lookup("ops-listen"))
	viper.BindPFlag("log.level", startCmd.PersistentFlags().Lookup("log-level"))
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:          "start",
	Short:        "Start the WAF edge server",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper(), cfgFile)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

// run is the dependency injection composition root.
func run(cfg config.Main) (err error) {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return
	}

	b, err := openBackends(logger, cfg.Store)
	if err != nil {
		return
	}
	defer b.close()

	state := tenants.NewState(logger, b.tenants, tenantCacheTTL)
	ruleEngine := secrules.NewEngine(logger, state, ruleCacheTTL)

	counters, err := newCounterStore(cfg.RateLimit)
	if err != nil {
		return
	}
	limiter := ratelimit.NewLimiter(logger, state, counters)

	repManager := reputation.NewManager(logger, b.reputation, b.tenants.IPLists, state)
	scorer := mlanomaly.NewScorer(logger, b.models)

	var gate geodb.Gate
	if cfg.GeoIP.DatabasePath != "" {
		gate, err = geodb.NewGate(logger, cfg.GeoIP.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening geo database: %v", err)
		}
		defer gate.Close()
	} else {
		logger.Info().Msg("no geo database configured, geo blocking disabled")
		gate = geodb.Disabled()
	}

	sinks := []waf.EventSink{logging.NewZerologEventSink(logger)}
	if cfg.EventLog.Path != "" {
		fileSink := logging.NewFileEventSink(logger, cfg.EventLog.Path, cfg.EventLog.MaxSizeMB, cfg.EventLog.MaxBackups)
		defer fileSink.Close()
		sinks = append(sinks, fileSink)
	}
	if b.events != nil {
		sinks = append(sinks, b.events)
	}

	wafServer := waf.NewServer(logger, state, ruleEngine, limiter, repManager, gate, scorer, logging.MultiSink(sinks...))

	edge := server.NewHandler(logger, wafServer, proxy.NewProxy(logger), cfg.Listen.BodyPeekSize)
	opsDeps := server.OpsDeps{
		Invalidators: []waf.CacheInvalidator{state, ruleEngine, scorer},
		Limiter:      limiter,
		Reputation:   repManager,
	}
	if cfg.GeoIP.DatabasePath != "" {
		opsDeps.Geo = gate
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The edge listener speaks h2c so upstream TLS terminators can use HTTP/2
	// on the backhaul.
	edgeSrv := &http.Server{Addr: cfg.Listen.Addr, Handler: h2c.NewHandler(edge, &http2.Server{})}
	opsSrv := &http.Server{Addr: cfg.Listen.OpsAddr, Handler: server.NewOpsHandler(logger, opsDeps)}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen.Addr).Msg("edge listener starting")
		if serveErr := edgeSrv.ListenAndServe(); serveErr != http.ErrServerClosed {
			return serveErr
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen.OpsAddr).Msg("ops listener starting")
		if serveErr := opsSrv.ListenAndServe(); serveErr != http.ErrServerClosed {
			return serveErr
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		edgeSrv.Shutdown(shutdownCtx)
		opsSrv.Shutdown(shutdownCtx)
		return nil
	})

	if cfg.GeoIP.WatchDatabase && cfg.GeoIP.DatabasePath != "" {
		g.Go(func() error {
			return gate.WatchDatabase(ctx)
		})
	}

	if sweeper, ok := counters.(interface{ Sweep() }); ok {
		g.Go(func() error {
			runTicker(ctx, counterSweepTick, sweeper.Sweep)
			return nil
		})
	}

	g.Go(func() error {
		runTicker(ctx, staleCleanupTick, func() {
			if removed, cerr := repManager.CleanupStale(); cerr != nil {
				logger.Warn().Err(cerr).Msg("stale reputation cleanup failed")
			} else if removed > 0 {
				logger.Info().Int("removed", removed).Msg("stale reputation records removed")
			}
		})
		return nil
	})

	return g.Wait()
}

func newLogger(cfg config.Log) (logger zerolog.Logger, err error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		err = fmt.Errorf("invalid log level %q: %v", cfg.Level, err)
		return
	}
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	logger = logger.Level(level).With().Timestamp().Logger()
	return
}

// backends bundles the store interfaces the engines are wired over,
// regardless of which driver backs them.
type backends struct {
	tenants    tenants.Stores
	reputation waf.ReputationStore
	models     waf.AnomalyModelStore
	// events is non-nil when the driver can persist SecurityEvents itself.
	events waf.EventSink
	close  func() error
}

func openBackends(logger zerolog.Logger, cfg config.Store) (b backends, err error) {
	switch cfg.Driver {
	case "file":
		data, rerr := os.ReadFile(cfg.Path)
		if rerr != nil {
			err = fmt.Errorf("reading store config: %v", rerr)
			return
		}
		fs, perr := storage.ParseFileStore(data)
		if perr != nil {
			err = fmt.Errorf("parsing store config: %v", perr)
			return
		}
		b = backends{
			tenants:    tenants.Stores{Tenants: fs, Rules: fs, IPLists: fs, GeoRules: fs, RateLimits: fs},
			reputation: fs,
			models:     fs,
			close:      func() error { return nil },
		}
		return

	case "postgres":
		db, oerr := sql.Open("postgres", cfg.DSN)
		if oerr != nil {
			err = fmt.Errorf("opening postgres: %v", oerr)
			return
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if perr := db.PingContext(pingCtx); perr != nil {
			db.Close()
			err = fmt.Errorf("connecting to postgres: %v", perr)
			return
		}
		ps := storage.NewPostgresStore(logger, db)
		b = backends{
			tenants:    tenants.Stores{Tenants: ps, Rules: ps, IPLists: ps, GeoRules: ps, RateLimits: ps},
			reputation: ps,
			models:     ps,
			events:     ps,
			close:      db.Close,
		}
		return

	default:
		err = fmt.Errorf("unknown store driver %q", cfg.Driver)
		return
	}
}

func newCounterStore(cfg config.RateLimit) (store ratelimit.CounterStore, err error) {
	switch cfg.Backend {
	case "memory":
		store = ratelimit.NewMemoryStore()
	case "redis":
		store = ratelimit.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB}))
	default:
		err = fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
	return
}

func runTicker(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
