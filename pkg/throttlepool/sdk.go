// Package throttlepool provides a public SDK for embedding the throttling
// coordinator as a library.
//
// Example usage:
//
//	pool := throttlepool.NewPool(
//	    throttlepool.WithGroup("web", "default", throttlepool.Limits{
//	        MaxConnections:   2,
//	        MinFetchInterval: 500 * time.Millisecond,
//	    }),
//	    throttlepool.WithPollInterval(5*time.Second),
//	)
//	if err := pool.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Stop()
//
//	result, err := pool.Fetch(ctx, "web", "default", "https://example.com")
package throttlepool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/crawlkit/throttlepool/internal/config"
	"github.com/crawlkit/throttlepool/internal/fetcher"
	"github.com/crawlkit/throttlepool/internal/observability"
	"github.com/crawlkit/throttlepool/internal/registry"
	"github.com/crawlkit/throttlepool/internal/storage"
	"github.com/crawlkit/throttlepool/internal/throttler"
)

// ErrShuttingDown is re-exported so SDK consumers can branch on it without
// importing internal packages.
var ErrShuttingDown = throttler.ErrShuttingDown

// Limits is the per-bin quota triple in SDK form.
type Limits struct {
	MaxConnections   int
	MinFetchInterval time.Duration
	MsPerByte        float64
}

// Option configures a Pool.
type Option func(*config.Config)

// WithGroup declares a throttle group with default limits for every bin.
func WithGroup(groupType, name string, defaults Limits) Option {
	return func(c *config.Config) {
		c.Throttle.Groups = append(c.Throttle.Groups, config.GroupConfig{
			Type: groupType,
			Name: name,
			Default: config.BinLimits{
				MaxConnections:      defaults.MaxConnections,
				MinFetchInterval:    defaults.MinFetchInterval,
				MillisecondsPerByte: defaults.MsPerByte,
			},
		})
	}
}

// WithBinLimits overrides the limits of one bin inside a declared group.
// Must follow the WithGroup option for that group.
func WithBinLimits(groupType, name, bin string, limits Limits) Option {
	return func(c *config.Config) {
		for i := range c.Throttle.Groups {
			g := &c.Throttle.Groups[i]
			if g.Type == groupType && g.Name == name {
				if g.Bins == nil {
					g.Bins = make(map[string]config.BinLimits)
				}
				g.Bins[bin] = config.BinLimits{
					MaxConnections:      limits.MaxConnections,
					MinFetchInterval:    limits.MinFetchInterval,
					MillisecondsPerByte: limits.MsPerByte,
				}
				return
			}
		}
	}
}

// WithPollInterval sets how often bin parameters are refreshed from the
// live specs.
func WithPollInterval(d time.Duration) Option {
	return func(c *config.Config) { c.Throttle.PollInterval = d }
}

// WithEventOutput enables the JSONL audit event sink.
func WithEventOutput(path string) Option {
	return func(c *config.Config) {
		c.Storage.Type = "jsonl"
		c.Storage.OutputPath = path
	}
}

// WithMetrics enables the Prometheus metrics endpoint.
func WithMetrics(port int) Option {
	return func(c *config.Config) {
		c.Metrics.Enabled = true
		c.Metrics.Port = port
	}
}

// WithUserAgent sets the fetcher's User-Agent.
func WithUserAgent(ua string) Option {
	return func(c *config.Config) { c.Fetcher.UserAgent = ua }
}

// WithVerbose enables debug-level logging.
func WithVerbose() Option {
	return func(c *config.Config) { c.Logging.Level = "debug" }
}

// Pool is the high-level API wiring config, throttler, registry, metrics,
// event sink, and the throttled fetcher together.
type Pool struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.LocalRegistry
	pool     *throttler.Throttler
	metrics  *observability.Metrics
	events   storage.Storage

	mu       sync.Mutex
	fetchers map[string]*fetcher.ThrottledFetcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a Pool with the given options.
func NewPool(opts ...Option) *Pool {
	cfg := config.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	level := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return &Pool{
		cfg:      cfg,
		logger:   logger,
		fetchers: make(map[string]*fetcher.ThrottledFetcher),
	}
}

// NewPoolFromConfig creates a Pool from a fully built configuration.
func NewPoolFromConfig(cfg *config.Config, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		logger:   logger,
		fetchers: make(map[string]*fetcher.ThrottledFetcher),
	}
}

// Start validates the configuration, installs the declared groups, and
// launches the background poll and sweep loops.
func (p *Pool) Start() error {
	if err := config.Validate(p.cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	p.registry = registry.NewLocalRegistry(p.logger)
	p.pool = throttler.New(p.registry, p.logger)
	p.metrics = observability.NewMetrics(p.logger)

	switch p.cfg.Storage.Type {
	case "jsonl":
		sink, err := storage.NewFileStorage(p.cfg.Storage.OutputPath, p.logger)
		if err != nil {
			return fmt.Errorf("create event storage: %w", err)
		}
		p.events = sink
	case "mongodb":
		sink, err := storage.NewMongoStorage(p.cfg.Storage.MongoURI, p.cfg.Storage.Database, p.cfg.Storage.Collection, p.logger)
		if err != nil {
			return fmt.Errorf("create event storage: %w", err)
		}
		p.events = sink
	}

	for _, group := range p.cfg.Throttle.Groups {
		if err := p.pool.CreateOrUpdate(group.Type, group.Name, config.SpecFromGroup(group)); err != nil {
			return fmt.Errorf("install group %s/%s: %w", group.Type, group.Name, err)
		}
		p.metrics.GroupsCreated.Add(1)
	}

	if p.cfg.Metrics.Enabled {
		if err := p.metrics.StartServer(p.cfg.Metrics.Port, p.cfg.Metrics.Path); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.maintain(ctx)

	p.logger.Info("throttle pool started", "groups", len(p.cfg.Throttle.Groups))
	return nil
}

// maintain runs the periodic spec poll and idle-bin sweep.
func (p *Pool) maintain(ctx context.Context) {
	defer p.wg.Done()

	poll := time.NewTicker(p.cfg.Throttle.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(p.cfg.Throttle.FreeUnusedInterval)
	defer sweep.Stop()

	types := make(map[string]bool)
	for _, group := range p.cfg.Throttle.Groups {
		types[group.Type] = true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			for groupType := range types {
				p.pool.Poll(groupType)
			}
		case <-sweep.C:
			p.pool.FreeUnused()
		}
	}
}

// Throttler exposes the underlying coordinator for callers needing the
// handle-based API directly.
func (p *Pool) Throttler() *throttler.Throttler {
	return p.pool
}

// UpdateGroup replaces one group's limits at runtime.
func (p *Pool) UpdateGroup(groupType, name string, defaults Limits, bins map[string]Limits) error {
	group := config.GroupConfig{
		Type: groupType,
		Name: name,
		Default: config.BinLimits{
			MaxConnections:      defaults.MaxConnections,
			MinFetchInterval:    defaults.MinFetchInterval,
			MillisecondsPerByte: defaults.MsPerByte,
		},
	}
	if len(bins) > 0 {
		group.Bins = make(map[string]config.BinLimits, len(bins))
		for bin, l := range bins {
			group.Bins[bin] = config.BinLimits{
				MaxConnections:      l.MaxConnections,
				MinFetchInterval:    l.MinFetchInterval,
				MillisecondsPerByte: l.MsPerByte,
			}
		}
	}
	return p.pool.CreateOrUpdate(groupType, name, config.SpecFromGroup(group))
}

// RemoveGroup destroys one group, releasing any waiters.
func (p *Pool) RemoveGroup(groupType, name string) {
	p.pool.Remove(groupType, name)
	p.metrics.GroupsDestroyed.Add(1)
}

// Fetch retrieves a URL through the named group's limits.
func (p *Pool) Fetch(ctx context.Context, groupType, groupName, rawURL string) (*fetcher.Result, error) {
	f, err := p.fetcherFor(groupType, groupName)
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx, rawURL)
}

func (p *Pool) fetcherFor(groupType, groupName string) (*fetcher.ThrottledFetcher, error) {
	key := groupType + "/" + groupName
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.fetchers[key]; ok {
		return f, nil
	}
	f, err := fetcher.NewThrottledFetcher(p.cfg, p.pool, groupType, groupName, p.metrics, p.events, p.logger)
	if err != nil {
		return nil, fmt.Errorf("create fetcher for %s: %w", key, err)
	}
	p.fetchers[key] = f
	return f, nil
}

// Metrics returns a snapshot of the pool's counters.
func (p *Pool) Metrics() map[string]int64 {
	if p.metrics == nil {
		return nil
	}
	return p.metrics.Snapshot()
}

// Stop tears down the pool: background loops exit, every group is
// destroyed (releasing all waiters), and sinks are flushed.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	if p.pool != nil {
		p.pool.Destroy()
	}

	p.mu.Lock()
	for _, f := range p.fetchers {
		if err := f.Close(); err != nil {
			p.logger.Error("fetcher close error", "error", err)
		}
	}
	p.mu.Unlock()

	if p.events != nil {
		if err := p.events.Close(); err != nil {
			p.logger.Error("event storage close error", "error", err)
		}
	}

	p.logger.Info("throttle pool stopped")
}
