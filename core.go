// Package fleetcore is the root facade: a single construction point
// (New) that wires an internal pipeline of independently-testable
// subsystems together and exposes a narrow, stable surface
// (Start/Stop/Snapshot/health/metrics).
package fleetcore

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	fleetconfig "github.com/ridgeline/fleetcore/config"
	"github.com/ridgeline/fleetcore/internal/audit"
	"github.com/ridgeline/fleetcore/internal/faultdetect"
	"github.com/ridgeline/fleetcore/internal/fleetstore"
	"github.com/ridgeline/fleetcore/internal/orchestrator"
	"github.com/ridgeline/fleetcore/internal/telemetry/events"
	"github.com/ridgeline/fleetcore/internal/telemetry/metrics"
	"github.com/ridgeline/fleetcore/internal/telemetry/tracing"
	"github.com/ridgeline/fleetcore/models"
	"github.com/ridgeline/fleetcore/telemetry/health"
	"github.com/ridgeline/fleetcore/telemetry/logging"
)

// DecisionObserver receives every Decision Event synchronously, in
// addition to the bounded Decisions() channel.
type DecisionObserver func(models.DecisionEvent)

// Core composes the Fleet State Store, Constraint Validator (used only
// through the Optimizer and orchestrator, which invoke it as an oracle),
// Optimizer, and OODA Orchestrator behind one facade.
type Core struct {
	cfg Config

	store    *fleetstore.Store
	breaker  *faultdetect.Tracker
	recorder *audit.Recorder
	bus      events.Bus
	tracer   tracing.Tracer
	logger   logging.Logger

	metricsProvider metrics.Provider
	orch            *orchestrator.Orchestrator

	healthEval        *health.Evaluator
	healthStatusGauge metrics.Gauge
	lastHealth        atomic.Value

	startedAt time.Time
	started   atomic.Bool
	stopped   atomic.Bool

	observersMu sync.RWMutex
	observers   []DecisionObserver

	wg         sync.WaitGroup
	cancel     context.CancelFunc
	cfgWatcher *fleetconfig.Watcher
}

// New constructs a Core from cfg, validating it first.
func New(cfg Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Core{cfg: cfg, startedAt: time.Now(), logger: logging.New(nil)}

	c.store = fleetstore.New().WithAltitudeBounds(cfg.AltitudeMinM, cfg.AltitudeMaxM)
	c.breaker = faultdetect.New(cfg.toFaultDetectConfig())

	recorder, err := audit.New(cfg.toAuditConfig())
	if err != nil {
		return nil, err
	}
	c.recorder = recorder

	c.metricsProvider = selectMetricsProvider(cfg)
	c.bus = events.NewBus(c.metricsProvider)
	c.tracer = tracing.NewAdaptiveTracer(func() float64 {
		if cfg.TracingSamplePercent <= 0 {
			return 20
		}
		return cfg.TracingSamplePercent
	})

	c.orch = orchestrator.New(cfg.toOrchestratorConfig(), c.store, c.breaker, c.recorder, c.bus, c.metricsProvider, c.tracer)

	c.healthEval = health.NewEvaluator(cfg.HealthProbeTTL, c.healthProbes()...)
	if c.metricsProvider != nil {
		g := c.metricsProvider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "fleetcore", Subsystem: "health", Name: "status",
			Help: "Overall health status (1=healthy,0.5=degraded,0=unhealthy,-1=unknown)",
		}})
		c.healthStatusGauge = g
		g.Set(-1)
	}

	if cfg.ConfigFilePath != "" {
		if weights, err := fleetconfig.Load(cfg.ConfigFilePath); err == nil && len(weights) > 0 {
			c.orch.UpdateObjectiveWeights(weights)
		}
		w, err := fleetconfig.NewWatcher(cfg.ConfigFilePath, c.applyWeightsReload, c.logConfigError)
		if err != nil {
			return nil, err
		}
		c.cfgWatcher = w
	}

	return c, nil
}

func (c *Core) applyWeightsReload(weights map[models.MissionType]models.ObjectiveWeights) {
	c.orch.UpdateObjectiveWeights(weights)
	_ = c.bus.Publish(events.Event{
		Category: events.CategoryConfig, Type: "objective_weights_reloaded", Severity: "info",
		Fields: map[string]interface{}{"mission_types": len(weights)},
	})
}

func (c *Core) logConfigError(err error) {
	c.logger.ErrorCtx(context.Background(), "config reload failed", "error", err)
}

func selectMetricsProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

func (c *Core) healthProbes() []health.Probe {
	storeProbe := health.StoreProbe("fleet_store", func() (int, int) {
		return c.store.Counts(time.Now(), c.cfg.StalenessThreshold)
	})
	cycleProbe := health.CycleProbe("orchestrator", 0.5, func() (float64, bool, bool) {
		if c.orch == nil {
			return 0, false, false
		}
		m := c.orch.LastCycleMetrics()
		ran := m.OptimizationTimeMS > 0 || m.OperationalUAVs > 0 || m.FailedUAVs > 0
		return m.CoverageLoss, m.TimeBounded, ran
	})
	return []health.Probe{storeProbe, cycleProbe}
}

// RegisterVehicle adds or replaces a vehicle's record ahead of mission start.
func (c *Core) RegisterVehicle(v models.Vehicle) { c.store.RegisterVehicle(v) }

// RegisterTask adds or replaces a task record.
func (c *Core) RegisterTask(t models.Task) { c.store.RegisterTask(t) }

// IngestTelemetry queues one telemetry record for the next cycle's Observe phase.
func (c *Core) IngestTelemetry(msg models.TelemetryMessage, arrival time.Time) {
	c.orch.IngestTelemetry(msg, arrival)
}

// InjectFault marks a vehicle as failed immediately (rather than waiting
// for the next staleness/breaker sweep) and requests an out-of-band OODA
// cycle, mirroring an external fault-injection signal (spec.md §4.4).
// Safe to call from any goroutine; concurrent injections while a cycle
// is in flight coalesce into a single follow-up cycle.
func (c *Core) InjectFault(vehicleID models.VehicleID, cause string) {
	_, _ = c.store.MarkFailed(vehicleID, models.HealthFailed, time.Now())
	if c.bus != nil {
		_ = c.bus.Publish(events.Event{
			Category: events.CategoryFleetStore, Type: "fault_injected", Severity: "warning",
			Fields: map[string]interface{}{"vehicle_id": int(vehicleID), "cause": cause},
		})
	}
	c.orch.TriggerCycle()
}

// Commands returns the outbound per-vehicle command channel.
func (c *Core) Commands() <-chan models.Command { return c.orch.Commands() }

// Decisions returns the outbound decision-event channel.
func (c *Core) Decisions() <-chan models.DecisionEvent { return c.orch.Decisions() }

// RegisterEventObserver registers obs to receive every Decision Event
// synchronously. No-op if obs is nil.
func (c *Core) RegisterEventObserver(obs DecisionObserver) {
	if obs == nil {
		return
	}
	c.observersMu.Lock()
	c.observers = append(c.observers, obs)
	c.observersMu.Unlock()
}

func (c *Core) dispatchObservers(ev models.DecisionEvent) {
	c.observersMu.RLock()
	obs := append([]DecisionObserver(nil), c.observers...)
	c.observersMu.RUnlock()
	for _, o := range obs {
		func() { defer func() { _ = recover() }(); o(ev) }()
	}
}

// Start begins telemetry ingestion and the OODA ticker loop.
func (c *Core) Start() error {
	if c.started.Swap(true) {
		return errors.New("fleetcore: already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.orch.Start()
	c.wg.Add(1)
	go c.bridgeDecisions(ctx)
	if c.cfgWatcher != nil {
		if err := c.cfgWatcher.Start(ctx); err != nil {
			c.logConfigError(err)
		}
	}
	return nil
}

func (c *Core) bridgeDecisions(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.orch.Decisions():
			if !ok {
				return
			}
			c.dispatchObservers(ev)
		}
	}
}

// Stop gracefully stops the orchestrator and underlying components.
// Idempotent.
func (c *Core) Stop() error {
	if !c.started.Load() || c.stopped.Swap(true) {
		return nil
	}
	c.orch.Stop()
	if c.cfgWatcher != nil {
		_ = c.cfgWatcher.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.recorder.Close()
}

// Snapshot returns a defensive copy of the current fleet state.
func (c *Core) Snapshot() models.FleetSnapshot {
	return c.store.Snapshot(time.Now())
}

// RecentDecisions returns up to n decision events still held in memory,
// in the recorder's LRU order (most recently recorded or looked up first).
func (c *Core) RecentDecisions(n int) []models.DecisionEvent {
	return c.recorder.Recent(n)
}

// HealthSnapshot evaluates (or returns cached) subsystem health.
func (c *Core) HealthSnapshot(ctx context.Context) health.Snapshot {
	snap := c.healthEval.Evaluate(ctx)
	var val float64
	switch snap.Overall {
	case health.StatusHealthy:
		val = 1
	case health.StatusDegraded:
		val = 0.5
	case health.StatusUnhealthy:
		val = 0
	default:
		val = -1
	}
	if c.healthStatusGauge != nil {
		c.healthStatusGauge.Set(val)
	}
	prevRaw := c.lastHealth.Load()
	prev := ""
	if prevRaw != nil {
		prev = prevRaw.(string)
	}
	cur := string(snap.Overall)
	if prev != "" && prev != cur {
		_ = c.bus.PublishCtx(ctx, events.Event{
			Category: events.CategoryHealth, Type: "health_change", Severity: "info",
			Fields: map[string]interface{}{"previous": prev, "current": cur},
		})
	}
	c.lastHealth.Store(cur)
	return snap
}

// MetricsHandler returns the HTTP handler for metrics exposition
// (Prometheus backend only); nil if metrics are disabled or the backend
// does not expose one.
func (c *Core) MetricsHandler() http.Handler {
	if c.metricsProvider == nil {
		return nil
	}
	if hp, ok := c.metricsProvider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// UpdateObjectiveWeights swaps the per-mission objective weight table
// used by future cycles, wired from the config hot-reload watcher.
func (c *Core) UpdateObjectiveWeights(weights map[models.MissionType]models.ObjectiveWeights) {
	c.orch.UpdateObjectiveWeights(weights)
}
