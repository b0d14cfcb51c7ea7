package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/meshd/internal/api"
	"github.com/tutu-network/meshd/internal/domain"
	"github.com/tutu-network/meshd/internal/infra/mesh"
	"github.com/tutu-network/meshd/internal/infra/sqlite"
	"github.com/tutu-network/meshd/internal/infra/topology"
)

const pruneInterval = time.Hour

// Daemon is the meshd runtime. It wires together all services.
type Daemon struct {
	Config Config
	Logger *zap.Logger
	Router *mesh.Router
	DB     *sqlite.DB // nil unless storage is enabled
	Server *api.Server
	cancel context.CancelFunc
}

// New loads the config at path (empty for the default location) and creates
// a Daemon.
func New(path string) (*Daemon, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	synth, err := topology.NewSynthesizer(cfg.Mesh.Tiers)
	if err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	router, err := mesh.New(cfg.RouterConfig(), synth, mesh.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	srv := api.NewServer(router, logger)
	srv.SetCORSOrigins(cfg.API.CORSOrigins)
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}

	d := &Daemon{
		Config: cfg,
		Logger: logger,
		Router: router,
		Server: srv,
	}

	if cfg.Storage.Enabled {
		db, err := sqlite.Open(cfg.Storage.Dir)
		if err != nil {
			router.Close()
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := syncProxies(db, router.Nodes(), logger); err != nil {
			db.Close()
			router.Close()
			return nil, fmt.Errorf("record proxies: %w", err)
		}
		d.DB = db
		srv.SetStore(db)
	}

	return d, nil
}

// syncProxies makes the stored membership match the mesh: current nodes are
// upserted and rows for nodes no longer in the mesh are deleted.
func syncProxies(db *sqlite.DB, nodes []*domain.ProxyNode, logger *zap.Logger) error {
	if err := db.UpsertProxies(nodes); err != nil {
		return err
	}
	stored, err := db.ListProxies()
	if err != nil {
		return err
	}

	current := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		current[n.ID] = true
	}
	for _, v := range stored {
		if current[v.ID] {
			continue
		}
		if err := db.DeleteProxy(v.ID); err != nil {
			return err
		}
		logger.Info("dropped stale proxy", zap.String("node", v.ID))
	}
	return nil
}

// PruneSessions deletes stored decisions older than the configured
// retention. It is a no-op without storage or with a zero retention.
func (d *Daemon) PruneSessions(now time.Time) (int64, error) {
	retention := d.Config.Storage.Retention.Duration
	if d.DB == nil || retention <= 0 {
		return 0, nil
	}
	n, err := d.DB.PrunePlacements(now.Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.Logger.Info("pruned sessions", zap.Int64("removed", n), zap.Duration("retention", retention))
	}
	return n, nil
}

// pruneLoop runs PruneSessions at start and then every pruneInterval.
func (d *Daemon) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if _, err := d.PruneSessions(time.Now()); err != nil {
			d.Logger.Warn("prune sessions", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// NewLogger builds the root logger: "console" selects zap's development
// config, anything else the production JSON config.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	return zc.Build()
}

// Addr returns the configured listen address.
func (d *Daemon) Addr() string {
	return net.JoinHostPort(d.Config.API.Host, strconv.Itoa(d.Config.API.Port))
}

// Serve runs the health loop and the HTTP server until ctx is done or the
// process receives SIGINT/SIGTERM.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	addr := d.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	httpServer := &http.Server{
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.Router.Run(gctx)
		return nil
	})
	if d.DB != nil && d.Config.Storage.Retention.Duration > 0 {
		g.Go(func() error {
			d.pruneLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	fields := []zap.Field{
		zap.String("addr", "http://"+ln.Addr().String()),
		zap.Int("nodes", len(d.Router.Nodes())),
		zap.Duration("health_interval", d.Config.Mesh.HealthCheckInterval.Duration),
		zap.Bool("storage", d.DB != nil),
	}
	if d.Config.Telemetry.Prometheus {
		fields = append(fields, zap.String("metrics", "http://"+ln.Addr().String()+"/metrics"))
	}
	d.Logger.Info("meshd serving", fields...)

	err = g.Wait()
	d.Logger.Info("meshd stopped")
	return err
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Router != nil {
		d.Router.Close()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			d.Logger.Warn("close database", zap.Error(err))
		}
	}
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}
}
