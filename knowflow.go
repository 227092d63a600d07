// Package knowflow assembles the full processing engine from one Config.
//
// # Overview
//
// Engine wires the task queue, agent registry, coordinator, orchestrator,
// pipeline processor, alert engine and the optional durable store into a
// single unit with one Start/Stop lifecycle. Backends follow the config:
// queue, registry and cache each run in memory or on a shared Redis
// client, and a configured database driver turns on result persistence
// and task archival.
//
// Usage:
//
//	cfg := config.DefaultConfig()
//	engine, err := knowflow.New(cfg)
//	if err != nil { ... }
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Stop()
//
//	engine.RegisterAgent(ctx, myAgent, types.AgentConfig{...})
//	taskID, err := engine.SubmitTask(ctx, task)
package knowflow

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"github.com/knowflow-io/knowflow/config"
	"github.com/knowflow-io/knowflow/coordinator"
	"github.com/knowflow-io/knowflow/internal/database"
	"github.com/knowflow-io/knowflow/internal/metrics"
	"github.com/knowflow-io/knowflow/monitoring"
	"github.com/knowflow-io/knowflow/orchestrator"
	"github.com/knowflow-io/knowflow/pipeline"
	"github.com/knowflow-io/knowflow/queue"
	"github.com/knowflow-io/knowflow/registry"
	"github.com/knowflow-io/knowflow/store"
	"github.com/knowflow-io/knowflow/types"
)

// poolHealthInterval is the cadence of the database pool health loop.
const poolHealthInterval = 30 * time.Second

// taskQueue is the queue surface the engine drives: the shared delivery
// contract plus the process lifecycle both backends carry.
type taskQueue interface {
	queue.TaskQueue
	Start(ctx context.Context) error
	Close() error
}

// Option customizes engine assembly.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	redis      redis.UniversalClient
	db         *gorm.DB
	sink       orchestrator.ResultSink
	sinkSet    bool
}

// WithLogger replaces the logger built from the log config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer replaces the Prometheus registerer. Tests pass a fresh
// registry so repeated engine construction never collides.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithRedisClient injects the shared Redis client instead of dialing
// from the redis config. The caller keeps ownership and closes it.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) { o.redis = client }
}

// WithDatabase injects an open GORM handle for the store, bypassing the
// database config entirely. The caller keeps ownership and closes it.
func WithDatabase(db *gorm.DB) Option {
	return func(o *options) { o.db = db }
}

// WithResultSink replaces the store-backed sink. Pass nil to run without
// any result persistence regardless of the database config.
func WithResultSink(sink orchestrator.ResultSink) Option {
	return func(o *options) {
		o.sink = sink
		o.sinkSet = true
	}
}

// Engine is the assembled system.
type Engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	queue        taskQueue
	registry     registry.AgentRegistry
	coordinator  *coordinator.Coordinator
	orchestrator *orchestrator.Orchestrator
	pipeline     *pipeline.Processor
	alerts       *monitoring.Engine
	store        *store.Store

	pool      *database.PoolManager
	redis     redis.UniversalClient
	ownsRedis bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles an engine from cfg. A nil cfg uses the defaults; an
// invalid config, an unparseable alert rule or an unreachable configured
// database all fail construction.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
	}

	registerer := o.registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	collector := metrics.NewCollector("knowflow", registerer, logger)

	eng := &Engine{cfg: cfg, logger: logger, metrics: collector}

	if needsRedis(cfg) {
		eng.redis = o.redis
		if eng.redis == nil {
			eng.redis = redis.NewClient(&redis.Options{
				Addr:         cfg.Redis.Addr,
				Password:     cfg.Redis.Password,
				DB:           cfg.Redis.DB,
				PoolSize:     cfg.Redis.PoolSize,
				MinIdleConns: cfg.Redis.MinIdleConns,
			})
			eng.ownsRedis = true
		}
	}

	switch cfg.Registry.Backend {
	case "redis":
		eng.registry = registry.NewRedisRegistry(eng.redis, cfg.Registry, collector, logger)
	default:
		eng.registry = registry.NewMemoryRegistry(cfg.Registry, collector, logger)
	}

	eng.coordinator = coordinator.New(eng.registry, cfg.Coordinator, collector, logger)

	sink, err := eng.buildSink(o)
	if err != nil {
		return nil, err
	}

	// The queue delivers into the orchestrator and the orchestrator is
	// built over the queue; the executor closure breaks the cycle.
	var orch *orchestrator.Orchestrator
	exec := queue.ExecutorFunc(func(ctx context.Context, task *types.Task) error {
		return orch.Execute(ctx, task)
	})
	switch cfg.Queue.Backend {
	case "redis":
		eng.queue = queue.NewRedisQueue(eng.redis, cfg.Queue, exec, collector, logger)
	default:
		eng.queue = queue.NewMemoryQueue(cfg.Queue, exec, collector, logger)
	}
	orch = orchestrator.New(eng.queue, eng.registry, eng.coordinator, sink, cfg.Orchestrator, collector, logger)
	eng.orchestrator = orch

	eng.pipeline = pipeline.NewProcessor(eng.coordinator, eng.registry, eng.buildCache(), collector, logger)

	eng.alerts, err = monitoring.NewEngine(cfg.Monitoring, collector, logger)
	if err != nil {
		return nil, err
	}

	return eng, nil
}

// buildSink resolves the orchestrator's result sink: an explicit option
// wins, then an injected database handle, then the database config. An
// injected handle stays under the caller's ownership and runs without
// the pool manager.
func (e *Engine) buildSink(o options) (orchestrator.ResultSink, error) {
	if o.sinkSet {
		return o.sink, nil
	}

	db := o.db
	if db == nil {
		if e.cfg.Database.Driver == "" {
			return nil, nil
		}
		opened, err := database.Open(e.cfg.Database)
		if err != nil {
			return nil, err
		}
		pool, err := database.NewPoolManager(opened, e.cfg.Database, e.metrics, e.logger)
		if err != nil {
			return nil, err
		}
		e.pool = pool
		db = pool.DB()
	}

	st, err := store.New(db, e.metrics, e.logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		return nil, err
	}
	e.store = st
	return st, nil
}

func (e *Engine) buildCache() pipeline.Cache {
	switch e.cfg.Cache.Backend {
	case "redis":
		return pipeline.NewRedisCache(e.redisClient(), e.cfg.Cache.KeyPrefix, e.cfg.Cache.TTL, e.metrics, e.logger)
	default:
		return pipeline.NewMemoryCache(types.CacheConfig{
			Enabled:          true,
			MaxSize:          e.cfg.Cache.MaxSize,
			TTL:              e.cfg.Cache.TTL,
			EvictionStrategy: types.EvictionLRU,
		}, e.metrics, e.logger)
	}
}

// redisClient narrows the universal client for constructors that take
// the concrete type.
func (e *Engine) redisClient() *redis.Client {
	if client, ok := e.redis.(*redis.Client); ok {
		return client
	}
	return nil
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Queue.Backend == "redis" ||
		cfg.Registry.Backend == "redis" ||
		cfg.Cache.Backend == "redis"
}

// Start brings up the queue delivery, the orchestrator monitors, the
// database health loop and the gauge sampler. Starting a running engine
// is a no-op. A failed Start leaves the engine partially up; Stop
// releases whatever started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	samplerCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.queue.Start(ctx); err != nil {
		return err
	}
	if err := e.orchestrator.Start(ctx); err != nil {
		return err
	}
	if e.pool != nil {
		e.pool.StartHealthCheck(poolHealthInterval)
	}
	if interval := e.cfg.Monitoring.SampleInterval; e.cfg.Monitoring.Enabled && interval > 0 {
		e.wg.Add(1)
		go e.sampleGauges(samplerCtx, interval)
	}

	e.logger.Info("engine started",
		zap.String("queue_backend", e.cfg.Queue.Backend),
		zap.String("registry_backend", e.cfg.Registry.Backend),
		zap.String("cache_backend", e.cfg.Cache.Backend),
		zap.Bool("store_enabled", e.store != nil))
	return nil
}

// Stop tears the engine down in reverse order: delivery first, then the
// monitors, then the backends. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	_ = e.queue.Close()
	e.orchestrator.Stop()
	if e.pool != nil {
		_ = e.pool.Close()
	}
	if e.redis != nil && e.ownsRedis {
		_ = e.redis.Close()
	}
	e.logger.Info("engine stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// sampleGauges feeds the engine-level gauges through the alert engine on
// a fixed cadence.
func (e *Engine) sampleGauges(ctx context.Context, interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		e.observeGauges(ctx)
	}
}

// observeGauges runs one sampling pass. Backend read failures are logged
// and skipped; a missing sample must not kill the sampler.
func (e *Engine) observeGauges(ctx context.Context) {
	if depth, err := e.queue.Depth(ctx); err != nil {
		e.logger.Warn("sample queue depth failed", zap.Error(err))
	} else {
		e.alerts.Observe(monitoring.MetricQueueDepth, float64(depth))
	}

	e.alerts.Observe(monitoring.MetricActiveTasks, float64(e.orchestrator.ActiveTaskCount()))

	if agents, err := e.registry.GetAvailableAgents(ctx, ""); err != nil {
		e.logger.Warn("sample available agents failed", zap.Error(err))
	} else {
		e.alerts.Observe(monitoring.MetricAvailableAgents, float64(len(agents)))
	}
}

// SubmitTask validates and enqueues a task, returning its assigned id.
func (e *Engine) SubmitTask(ctx context.Context, task *types.Task) (string, error) {
	return e.orchestrator.SubmitTask(ctx, task)
}

// CancelTask cancels a known, non-terminal task.
func (e *Engine) CancelTask(ctx context.Context, taskID string) error {
	return e.orchestrator.CancelTask(ctx, taskID)
}

// GetTask returns the stored task, result included once it has one.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	return e.orchestrator.GetTask(ctx, taskID)
}

// GetTaskStatus reports the queue's view of a task.
func (e *Engine) GetTaskStatus(ctx context.Context, taskID string) (types.TaskStatus, error) {
	return e.orchestrator.GetTaskStatus(ctx, taskID)
}

// RegisterAgent registers an agent and puts it under health supervision.
func (e *Engine) RegisterAgent(ctx context.Context, agent types.Agent, cfg types.AgentConfig) error {
	return e.orchestrator.RegisterAgent(ctx, agent, cfg)
}

// UnregisterAgent removes an agent from the registry and supervision.
func (e *Engine) UnregisterAgent(ctx context.Context, agentID string) error {
	return e.orchestrator.UnregisterAgent(ctx, agentID)
}

// RegisterPipeline validates and stores a pipeline definition.
func (e *Engine) RegisterPipeline(ctx context.Context, cfg *types.PipelineConfig) error {
	return e.pipeline.RegisterPipeline(ctx, cfg)
}

// ProcessData runs input through a registered pipeline and returns the
// final batch.
func (e *Engine) ProcessData(ctx context.Context, pipelineID string, input any, dataType types.DataType, priority types.TaskPriority) ([]*types.ProcessedData, error) {
	return e.pipeline.ProcessData(ctx, pipelineID, input, dataType, priority)
}

// GetPipelineState snapshots the latest run state of a pipeline.
func (e *Engine) GetPipelineState(ctx context.Context, pipelineID string) (*types.PipelineState, error) {
	return e.pipeline.GetPipelineState(ctx, pipelineID)
}

// ClearPipelineState drops the recorded run state of a pipeline.
func (e *Engine) ClearPipelineState(ctx context.Context, pipelineID string) {
	e.pipeline.ClearPipelineState(ctx, pipelineID)
}

// Observe feeds one application metric sample through the alert rules.
func (e *Engine) Observe(metric string, value float64) {
	e.alerts.Observe(metric, value)
}

// OnAlert registers a handler for fired alerts.
func (e *Engine) OnAlert(h monitoring.Handler) {
	e.alerts.AddHandler(h)
}

// ActiveAlerts lists the most recent firing per rule, newest first.
func (e *Engine) ActiveAlerts() []monitoring.Alert {
	return e.alerts.ActiveAlerts()
}

// AlertHistory returns retained firings, oldest first.
func (e *Engine) AlertHistory() []monitoring.Alert {
	return e.alerts.History()
}

// Registry exposes the agent registry, for agents that heartbeat or
// update their own status.
func (e *Engine) Registry() registry.AgentRegistry {
	return e.registry
}

// Store returns the durable store, or nil when no database is
// configured.
func (e *Engine) Store() *store.Store {
	return e.store
}

// NewLogger builds a zap logger from the log config.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encoding := "json"
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	return zapCfg.Build()
}
