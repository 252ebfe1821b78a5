package client

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/objectpool/objectpool/internal/config"
	"github.com/objectpool/objectpool/internal/metrics"
	"github.com/objectpool/objectpool/internal/session"
	"github.com/objectpool/objectpool/internal/session/memory"
	s3session "github.com/objectpool/objectpool/internal/session/s3"
	perrors "github.com/objectpool/objectpool/pkg/errors"
)

type clusterState int

const (
	clusterCreated clusterState = iota
	clusterConnected
	clusterShutdown
)

// Cluster is the root handle of the client. It is created unconnected,
// connected once, and shut down once; pool contexts opened from it
// become invalid when it shuts down.
type Cluster struct {
	cfg     *config.Configuration
	logger  *slog.Logger
	metrics *metrics.Collector
	sess    session.Session
	engine  *engine

	mu    sync.Mutex
	state clusterState
	pools map[*PoolContext]struct{}
}

// Option customizes cluster construction.
type Option func(*Cluster)

// WithLogger injects the slog logger the cluster and its components log
// through. Without it, logging goes to stderr at the configured level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cluster) {
		c.logger = logger
	}
}

// WithSession injects a cluster session, overriding the configured
// driver. Used to back a cluster with a caller-managed session.
func WithSession(sess session.Session) Option {
	return func(c *Cluster) {
		c.sess = sess
	}
}

// New creates an unconnected cluster handle from the given
// configuration. A nil configuration gets the defaults.
func New(cfg *config.Configuration, opts ...Option) (*Cluster, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, perrors.Wrap(perrors.ErrCodeConfigValidation, "invalid configuration", err)
	}

	c := &Cluster{
		cfg:   cfg,
		pools: make(map[*PoolContext]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel(cfg.Logging.Level),
		}))
	}
	c.logger = c.logger.With("cluster", cfg.Cluster.Name)
	c.metrics = metrics.NewCollector(metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Namespace: cfg.Metrics.Namespace,
	})

	if c.sess == nil {
		switch cfg.Session.Driver {
		case config.DriverMemory:
			c.sess = memory.New(cfg.Cluster.Pools...)
		case config.DriverS3:
			c.sess = s3session.New(&s3session.Config{
				Region:          cfg.Session.S3.Region,
				Endpoint:        cfg.Session.S3.Endpoint,
				Bucket:          cfg.Session.S3.Bucket,
				Prefix:          cfg.Session.S3.Prefix,
				AccessKeyID:     cfg.Session.S3.AccessKey,
				SecretAccessKey: cfg.Session.S3.SecretKey,
				ForcePathStyle:  cfg.Session.S3.ForcePathStyle,
				MaxRetries:      cfg.Session.S3.MaxRetries,
				Workers:         cfg.Session.S3.Workers,
				RequestTimeout:  cfg.Session.S3.RequestTimeout,
			}, c.logger)
		}
	}

	c.engine = newEngine(c.sess, c.logger, c.metrics, cfg.Engine)
	return c, nil
}

// Connect establishes the cluster session and starts the completion
// engine. Connect is not idempotent: a second call fails with
// INVALID_HANDLE regardless of whether the first succeeded.
func (c *Cluster) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case clusterConnected:
		c.mu.Unlock()
		return perrors.New(perrors.ErrCodeInvalidHandle, "cluster already connected")
	case clusterShutdown:
		c.mu.Unlock()
		return perrors.New(perrors.ErrCodeInvalidHandle, "cluster handle is shut down")
	}
	c.mu.Unlock()

	if c.cfg.Cluster.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Cluster.ConnectTimeout)
		defer cancel()
	}

	if err := c.sess.Connect(ctx); err != nil {
		return perrors.Wrap(perrors.ErrCodeTransportFailure, "cluster connect failed", err)
	}

	c.mu.Lock()
	if c.state == clusterShutdown {
		c.mu.Unlock()
		c.sess.Close()
		return perrors.New(perrors.ErrCodeInvalidHandle, "cluster handle is shut down")
	}
	c.state = clusterConnected
	c.mu.Unlock()

	c.engine.start()
	c.logger.Info("cluster connected", "driver", c.cfg.Session.Driver)
	return nil
}

// OpenPool resolves a pool by name and returns a context bound to it.
// Each call returns an independent context with its own locator,
// namespace, and snapshot settings.
func (c *Cluster) OpenPool(ctx context.Context, name string) (*PoolContext, error) {
	c.mu.Lock()
	if c.state != clusterConnected {
		c.mu.Unlock()
		return nil, perrors.New(perrors.ErrCodeNotConnected, "cluster is not connected").WithPool(name)
	}
	c.mu.Unlock()

	id, err := c.sess.LookupPool(ctx, name)
	if err != nil {
		return nil, err
	}

	p := &PoolContext{cluster: c, name: name, id: id}
	c.mu.Lock()
	if c.state != clusterConnected {
		c.mu.Unlock()
		return nil, perrors.New(perrors.ErrCodeInvalidHandle, "cluster handle is shut down").WithPool(name)
	}
	c.pools[p] = struct{}{}
	c.mu.Unlock()
	return p, nil
}

// Shutdown tears the cluster down: it invalidates every open pool
// context, fails pending operations fast, and closes the session.
// Shutdown is idempotent.
func (c *Cluster) Shutdown() {
	c.mu.Lock()
	if c.state == clusterShutdown {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == clusterConnected
	c.state = clusterShutdown
	pools := make([]*PoolContext, 0, len(c.pools))
	for p := range c.pools {
		pools = append(pools, p)
	}
	c.pools = make(map[*PoolContext]struct{})
	c.mu.Unlock()

	for _, p := range pools {
		p.invalidate()
	}
	c.engine.stop()
	if wasConnected {
		if err := c.sess.Close(); err != nil {
			c.logger.Warn("session close failed", "error", err)
		}
	}
	c.logger.Info("cluster shut down")
}

// MetricsHandler exposes the cluster's Prometheus registry for
// scraping. Nil when metrics are disabled.
func (c *Cluster) MetricsHandler() http.Handler {
	return c.metrics.Handler()
}

func (c *Cluster) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == clusterConnected
}

func (c *Cluster) forgetPool(p *PoolContext) {
	c.mu.Lock()
	delete(c.pools, p)
	c.mu.Unlock()
}

func logLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
