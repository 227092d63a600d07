package monitoring

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowflow-io/knowflow/config"
	"github.com/knowflow-io/knowflow/internal/metrics"
)

// historyCap bounds the retained alert history; older alerts roll off.
const historyCap = 256

// Gauge names the engine samples on its own cadence. Rules may reference
// these out of the box; Observe accepts any other name an application
// chooses to feed.
const (
	MetricQueueDepth      = "queue_depth"
	MetricActiveTasks     = "active_tasks"
	MetricAvailableAgents = "available_agents"
)

// Alert is one rule firing. Alerts are immutable once dispatched.
type Alert struct {
	ID        string            `json:"id"`
	Rule      string            `json:"rule"`
	Metric    string            `json:"metric"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	Value     float64           `json:"value"`
	Threshold float64           `json:"threshold"`
	StartedAt time.Time         `json:"started_at"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Handler receives fired alerts. Handlers run synchronously on the
// observing goroutine and should hand off expensive delivery themselves.
type Handler func(Alert)

// Engine evaluates parsed rules against metric samples.
type Engine struct {
	enabled bool
	rules   []Rule

	mu        sync.Mutex
	handlers  []Handler
	lastFired map[string]time.Time
	active    map[string]Alert
	history   []Alert

	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewEngine parses the configured rules and builds an engine. A config
// with an invalid rule fails construction.
func NewEngine(cfg config.MonitoringConfig, collector *metrics.Collector, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rules, err := ParseRules(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{
		enabled:   cfg.Enabled,
		rules:     rules,
		lastFired: make(map[string]time.Time),
		active:    make(map[string]Alert),
		metrics:   collector,
		logger:    logger.With(zap.String("component", "monitoring")),
	}, nil
}

// AddHandler registers an alert sink.
func (e *Engine) AddHandler(h Handler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Rules returns the parsed rule set.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Observe feeds one sample through every rule watching that metric.
// Matching rules fire unless still cooling down. A disabled engine
// ignores samples entirely.
func (e *Engine) Observe(metric string, value float64) {
	if !e.enabled {
		return
	}
	for i := range e.rules {
		rule := &e.rules[i]
		if rule.Metric != metric || !rule.Operator.Compare(value, rule.Threshold) {
			continue
		}
		e.fire(rule, value)
	}
}

func (e *Engine) fire(rule *Rule, value float64) {
	key := rule.Name + "_" + rule.Metric
	now := time.Now().UTC()

	e.mu.Lock()
	if last, ok := e.lastFired[key]; ok && now.Sub(last) < rule.Cooldown {
		e.mu.Unlock()
		return
	}
	e.lastFired[key] = now

	alert := Alert{
		ID:        uuid.NewString(),
		Rule:      rule.Name,
		Metric:    rule.Metric,
		Severity:  rule.Severity,
		Message:   fmt.Sprintf("alert for %s: value %v %s threshold %v", rule.Metric, value, rule.Operator, rule.Threshold),
		Value:     value,
		Threshold: rule.Threshold,
		StartedAt: now,
		Labels:    rule.Labels,
	}
	e.active[key] = alert
	e.history = append(e.history, alert)
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
	handlers := append([]Handler(nil), e.handlers...)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordAlertFired(rule.Name, string(rule.Severity))
	}
	e.logger.Warn("alert fired",
		zap.String("alert_id", alert.ID),
		zap.String("rule", rule.Name),
		zap.String("metric", rule.Metric),
		zap.String("severity", string(rule.Severity)),
		zap.Float64("value", value),
		zap.Float64("threshold", rule.Threshold))

	for _, h := range handlers {
		e.dispatch(h, alert)
	}
}

// dispatch runs one handler behind a recover barrier.
func (e *Engine) dispatch(h Handler, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("alert handler panicked",
				zap.String("rule", alert.Rule),
				zap.Any("panic", r))
		}
	}()
	h(alert)
}

// ActiveAlerts returns the latest alert per rule/metric pair, most recent
// first.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.active))
	for _, alert := range e.active {
		out = append(out, alert)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].Rule < out[j].Rule
	})
	return out
}

// History returns the retained firing history, oldest first.
func (e *Engine) History() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Alert(nil), e.history...)
}
