// Package orchestrator implements the OODA Orchestrator:
// a ticking control loop that observes fleet state, orients on which
// tasks need (re)assignment, invokes the Optimizer to decide a plan, and
// acts by dispatching commands and publishing a Decision Event. Directly
// adapted from internal/pipeline.Pipeline — the
// context+cancel/WaitGroup/bounded-channel/RWMutex-guarded-metrics shape
// is the same; the multi-stage worker-pool pipeline becomes a
// single-stage cycle loop because one OODA cycle is a sequential state
// machine, not a fan-out worker pool.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ridgeline/fleetcore/internal/audit"
	"github.com/ridgeline/fleetcore/internal/faultdetect"
	"github.com/ridgeline/fleetcore/internal/fleetstore"
	"github.com/ridgeline/fleetcore/internal/optimizer"
	"github.com/ridgeline/fleetcore/internal/telemetry/events"
	"github.com/ridgeline/fleetcore/internal/telemetry/metrics"
	"github.com/ridgeline/fleetcore/internal/telemetry/policy"
	"github.com/ridgeline/fleetcore/internal/telemetry/tracing"
	"github.com/ridgeline/fleetcore/models"
)

var defaultMissionPolicy = policy.Default().Mission

// CycleState is the orchestrator's coarse run state, exposed for health
// probes and tests.
type CycleState string

const (
	StateIdle    CycleState = "idle"
	StateCycling CycleState = "cycling"
	StateStopped CycleState = "stopped"
)

// Config configures one Orchestrator instance. All fields are read once
// at construction time and held immutably for the orchestrator's
// lifetime; UpdateObjectiveWeights below is the one sanctioned exception,
// used by the config hot-reload path.
type Config struct {
	CycleInterval      time.Duration
	StalenessThreshold time.Duration

	TelemetryBufferSize int
	CommandBufferSize   int
	EventBufferSize     int

	Region                models.Region
	SafetyReserveFraction float64
	CollisionBufferM      float64
	HoverEnergyRate       float64

	// Anomaly-based failure detection (spec.md §4.4), in addition to raw
	// telemetry staleness and the breaker's link-health signal.
	AnomalyMultiplier      float64 // discharge rate failure threshold = AnomalyMultiplier * BaselineDischargeRate
	BaselineDischargeRate  float64
	PositionJumpThresholdM float64

	// CycleBudget is the soft per-cycle wall-clock deadline; exceeding it
	// logs a warning but the cycle still completes (spec.md §5).
	CycleBudget time.Duration

	MissionType      models.MissionType
	ObjectiveWeights map[models.MissionType]models.ObjectiveWeights

	MaxOptimizationIterations int
	OptimizationTimeBudget    time.Duration

	MaxConcurrentDispatch int
}

// Orchestrator runs the OODA loop.
type Orchestrator struct {
	cfg      Config
	store    *fleetstore.Store
	breaker  *faultdetect.Tracker
	recorder *audit.Recorder
	bus      events.Bus
	tracer   tracing.Tracer

	provider  metrics.Provider
	mCycles   metrics.Counter
	mObjScore metrics.Gauge
	mOpIter   metrics.Histogram

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	telemetryIn  chan models.IngestTime
	commandsOut  chan models.Command
	decisionsOut chan models.DecisionEvent
	retrigger    chan struct{}

	mu         sync.RWMutex
	cycleCount uint64
	state      CycleState
	lastCycle  models.CycleMetrics

	weightsMu sync.RWMutex
}

// New constructs an Orchestrator bound to the given Fleet State Store. It
// does not start the run loop; call Start.
func New(cfg Config, store *fleetstore.Store, breaker *faultdetect.Tracker, recorder *audit.Recorder, bus events.Bus, provider metrics.Provider, tracer tracing.Tracer) *Orchestrator {
	cfg = normalizeConfig(cfg)
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	if tracer == nil {
		tracer = tracing.NewTracer(false)
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:          cfg,
		store:        store,
		breaker:      breaker,
		recorder:     recorder,
		bus:          bus,
		provider:     provider,
		tracer:       tracer,
		ctx:          ctx,
		cancel:       cancel,
		telemetryIn:  make(chan models.IngestTime, cfg.TelemetryBufferSize),
		commandsOut:  make(chan models.Command, cfg.CommandBufferSize),
		decisionsOut: make(chan models.DecisionEvent, cfg.EventBufferSize),
		retrigger:    make(chan struct{}, 1),
		state:        StateIdle,
	}
	o.initMetrics()
	return o
}

func normalizeConfig(cfg Config) Config {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Second
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = 5 * time.Second
	}
	if cfg.TelemetryBufferSize <= 0 {
		cfg.TelemetryBufferSize = 256
	}
	if cfg.CommandBufferSize <= 0 {
		cfg.CommandBufferSize = 256
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 64
	}
	if cfg.ObjectiveWeights == nil {
		cfg.ObjectiveWeights = map[models.MissionType]models.ObjectiveWeights{}
	}
	if cfg.AnomalyMultiplier <= 0 {
		cfg.AnomalyMultiplier = 1.5
	}
	if cfg.PositionJumpThresholdM <= 0 {
		cfg.PositionJumpThresholdM = 100
	}
	if cfg.CycleBudget <= 0 {
		cfg.CycleBudget = 6 * time.Second
	}
	return cfg
}

func (o *Orchestrator) initMetrics() {
	o.mCycles = o.provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "fleetcore", Subsystem: "orchestrator", Name: "cycles_total", Help: "Total OODA cycles executed",
	}})
	o.mObjScore = o.provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "fleetcore", Subsystem: "orchestrator", Name: "objective_score", Help: "Objective score of the latest cycle's plan",
	}})
	o.mOpIter = o.provider.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "fleetcore", Subsystem: "orchestrator", Name: "optimizer_iterations", Help: "Local-search iterations per cycle",
	}})
}

// Commands returns the outbound command channel.
func (o *Orchestrator) Commands() <-chan models.Command { return o.commandsOut }

// Decisions returns the outbound decision-event channel.
func (o *Orchestrator) Decisions() <-chan models.DecisionEvent { return o.decisionsOut }

// State reports the orchestrator's current coarse run state.
func (o *Orchestrator) State() CycleState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// LastCycleMetrics returns a copy of the most recently completed cycle's
// metrics.
func (o *Orchestrator) LastCycleMetrics() models.CycleMetrics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastCycle
}

// UpdateObjectiveWeights swaps the weight table used by future cycles;
// the one config field mutable after startup (wired from the config
// hot-reload watcher).
func (o *Orchestrator) UpdateObjectiveWeights(weights map[models.MissionType]models.ObjectiveWeights) {
	o.weightsMu.Lock()
	defer o.weightsMu.Unlock()
	o.cfg.ObjectiveWeights = weights
}

func (o *Orchestrator) weightsFor(mission models.MissionType) models.ObjectiveWeights {
	o.weightsMu.RLock()
	defer o.weightsMu.RUnlock()
	if w, ok := o.cfg.ObjectiveWeights[mission]; ok {
		return w
	}
	te, lb, pr, ts := defaultMissionPolicy.ObjectiveWeights()
	return models.ObjectiveWeights{TravelEnergy: te, LoadBalance: lb, Priority: pr, TemporalSlack: ts}
}

// IngestTelemetry hands one telemetry record to the orchestrator's
// inbound queue. Non-blocking: under backpressure the oldest queued
// record is dropped in favor of the newest.
func (o *Orchestrator) IngestTelemetry(msg models.TelemetryMessage, arrival time.Time) {
	sendDropOldest(o.telemetryIn, models.IngestTime{Message: msg, Arrival: arrival})
}

// TriggerCycle requests a cycle out of band, independent of the regular
// ticker: the entry point for an external fault injection signal. If a
// cycle is already in flight the request coalesces with any other
// pending trigger and the next cycle observes the union of their effects.
func (o *Orchestrator) TriggerCycle() {
	o.requestRetrigger()
}

// Start launches the telemetry-consumer and cycle-ticker goroutines.
func (o *Orchestrator) Start() {
	o.wg.Add(2)
	go o.consumeTelemetry()
	go o.runLoop()
}

// Stop cancels the run context and waits for both goroutines to exit.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
	o.mu.Lock()
	o.state = StateStopped
	o.mu.Unlock()
}

func (o *Orchestrator) consumeTelemetry() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case it, ok := <-o.telemetryIn:
			if !ok {
				return
			}
			err := o.store.Ingest(it.Message, it.Arrival)
			if o.breaker != nil {
				o.breaker.Record(it.Message.VehicleID, err == nil)
			}
			if err != nil {
				o.requestRetrigger()
			}
		}
	}
}

func (o *Orchestrator) requestRetrigger() {
	select {
	case o.retrigger <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) runLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.runCycle()
		case <-o.retrigger:
			o.drainRetriggers()
			o.runCycle()
		}
	}
}

func (o *Orchestrator) drainRetriggers() {
	for {
		select {
		case <-o.retrigger:
		default:
			return
		}
	}
}

// runCycle executes one full Observe/Orient/Decide/Act pass.
func (o *Orchestrator) runCycle() {
	o.mu.Lock()
	o.state = StateCycling
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
	}()

	ctx, span := o.tracer.StartSpan(o.ctx, "orchestrator.cycle")
	defer span.End()

	var timings models.PhaseTimings
	now := time.Now()

	observeStart := time.Now()
	o.observe(now)
	timings.ObserveMS = time.Since(observeStart).Milliseconds()

	orientStart := time.Now()
	snapshot := o.store.Snapshot(now)
	pending := pendingTasks(snapshot)
	weights := o.weightsFor(o.missionType())
	timings.OrientMS = time.Since(orientStart).Milliseconds()

	decideStart := time.Now()
	result := optimizer.Optimize(snapshot, pending, optimizer.Params{
		Now:                   now,
		Region:                o.cfg.Region,
		SafetyReserveFraction: o.cfg.SafetyReserveFraction,
		CollisionBufferM:      o.cfg.CollisionBufferM,
		HoverEnergyRate:       o.cfg.HoverEnergyRate,
		MaxIterations:         o.cfg.MaxOptimizationIterations,
		TimeBudget:            o.cfg.OptimizationTimeBudget,
		Weights:               weights,
	})
	timings.DecideMS = time.Since(decideStart).Milliseconds()

	actStart := time.Now()
	o.act(ctx, result.Plan)
	timings.ActMS = time.Since(actStart).Milliseconds()

	if elapsed := time.Since(now); elapsed > o.cfg.CycleBudget {
		if o.bus != nil {
			_ = o.bus.PublishCtx(ctx, events.Event{
				Category: events.CategoryOrchestrator,
				Type:     "cycle_budget_exceeded",
				Severity: "warning",
				Fields:   map[string]interface{}{"elapsed_ms": elapsed.Milliseconds(), "budget_ms": o.cfg.CycleBudget.Milliseconds()},
			})
		}
	}

	o.cycleCount++
	metricsOut := buildCycleMetrics(snapshot, pending, result)
	o.mu.Lock()
	o.lastCycle = metricsOut
	cycle := o.cycleCount
	o.mu.Unlock()

	ev := models.DecisionEvent{
		EventID:      uuid.NewString(),
		Cycle:        cycle,
		Time:         now,
		Strategy:     string(o.missionType()),
		Rationale:    rationale(result, metricsOut),
		PhaseTimings: timings,
		Metrics:      metricsOut,
		Assignments:  result.Plan.Assignments,
		Escalated:    result.Plan.EscalatedList(),
	}

	o.emit(ctx, ev)
}

func (o *Orchestrator) missionType() models.MissionType {
	o.weightsMu.RLock()
	defer o.weightsMu.RUnlock()
	return o.cfg.MissionType
}

// observe runs the fault-detection sweep (spec.md §4.4): a vehicle is
// failed if it is stale on raw telemetry timing, tripped on its breaker,
// its discharge-rate EMA exceeds AnomalyMultiplier*BaselineDischargeRate,
// its last telemetry sample jumped more than PositionJumpThresholdM, or it
// has spent more than one consecutive sample outside the configured
// altitude bounds.
func (o *Orchestrator) observe(now time.Time) {
	stale := o.store.StaleVehicles(now, o.cfg.StalenessThreshold)
	suspect := map[models.VehicleID]struct{}{}
	for _, id := range stale {
		suspect[id] = struct{}{}
	}
	for _, id := range o.store.AnomalousVehicles(o.cfg.AnomalyMultiplier, o.cfg.BaselineDischargeRate, o.cfg.PositionJumpThresholdM) {
		suspect[id] = struct{}{}
	}
	if o.breaker != nil {
		for _, id := range o.breaker.OpenVehicles() {
			suspect[id] = struct{}{}
		}
	}
	ids := make([]models.VehicleID, 0, len(suspect))
	for id := range suspect {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		_, _ = o.store.MarkFailed(id, "failed", now)
		if o.bus != nil {
			_ = o.bus.PublishCtx(o.ctx, events.Event{
				Category: events.CategoryFleetStore,
				Type:     "vehicle_failed",
				Severity: "warning",
				Fields:   map[string]interface{}{"vehicle_id": int(id)},
			})
		}
	}
}

func pendingTasks(snapshot models.FleetSnapshot) []models.Task {
	var out []models.Task
	for _, t := range snapshot.Tasks {
		if t.State == models.TaskUnassigned || t.State == models.TaskOrphaned {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// act dispatches one set_task_list command per vehicle with a nonempty
// assignment, bounding concurrent dispatches via the audit recorder's
// semaphore, and commits the assignment to the store.
func (o *Orchestrator) act(ctx context.Context, plan models.AssignmentPlan) {
	vids := make([]models.VehicleID, 0, len(plan.Assignments))
	for vid := range plan.Assignments {
		vids = append(vids, vid)
	}
	sort.Slice(vids, func(i, j int) bool { return vids[i] < vids[j] })

	var wg sync.WaitGroup
	for _, vid := range vids {
		taskIDs := plan.Assignments[vid]
		if len(taskIDs) == 0 {
			continue
		}
		wg.Add(1)
		go func(vid models.VehicleID, taskIDs []models.TaskID) {
			defer wg.Done()
			if o.recorder != nil {
				if err := o.recorder.AcquireDispatch(ctx); err != nil {
					return
				}
				defer o.recorder.ReleaseDispatch()
			}
			cmd := models.NewSetTaskListCommand(vid, commandTasksFor(taskIDs))
			sendDropOldest(o.commandsOut, cmd)
			_ = o.store.CommitAssignment(vid, taskIDs)
		}(vid, taskIDs)
	}
	wg.Wait()
}

func commandTasksFor(ids []models.TaskID) []models.CommandTask {
	out := make([]models.CommandTask, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.CommandTask{TaskID: id, Kind: "waypoint"})
	}
	return out
}

func (o *Orchestrator) emit(ctx context.Context, ev models.DecisionEvent) {
	o.mCycles.Inc(1)
	o.mObjScore.Set(ev.Metrics.ObjectiveScore)
	o.mOpIter.Observe(float64(ev.Metrics.OptimizationIterations))

	if o.recorder != nil {
		o.recorder.Record(ev)
	}
	sendDropOldest(o.decisionsOut, ev)
	if o.bus != nil {
		_ = o.bus.PublishCtx(ctx, events.Event{
			Category: events.CategoryOrchestrator,
			Type:     "decision",
			Fields: map[string]interface{}{
				"cycle":           ev.Cycle,
				"escalated_count": len(ev.Escalated),
			},
		})
	}
}

func rationale(result optimizer.Result, m models.CycleMetrics) string {
	if m.UnallocatedCount > 0 {
		return fmt.Sprintf("escalated %d task(s): no feasible vehicle within constraints", m.UnallocatedCount)
	}
	if result.TimeBounded {
		return "reassignment completed within time budget; local search exited on wall-clock limit"
	}
	return "reassignment completed; local search converged"
}

// buildCycleMetrics aggregates the per-cycle CycleMetrics record
// from the snapshot and optimizer result.
func buildCycleMetrics(snapshot models.FleetSnapshot, pending []models.Task, result optimizer.Result) models.CycleMetrics {
	var m models.CycleMetrics

	m.UnallocatedCount = len(result.Plan.Escalated)

	var totalPriority, escalatedPriority int
	for _, t := range snapshot.Tasks {
		if t.State != models.TaskCompleted {
			totalPriority += t.Priority
		}
	}
	zones := map[string]struct{}{}
	for _, t := range pending {
		_, escalated := result.Plan.Escalated[t.ID]
		if escalated && t.Zone != "" {
			zones[t.Zone] = struct{}{}
		}
		if t.State == models.TaskOrphaned {
			m.TasksLost++
			if !escalated {
				m.TasksRecovered++
			}
		}
		if escalated {
			escalatedPriority += t.Priority
		}
	}
	if totalPriority > 0 {
		m.CoverageLoss = float64(escalatedPriority) / float64(totalPriority)
	}
	m.AffectedZones = len(zones)

	if m.TasksLost > 0 {
		m.RecoveryRate = float64(m.TasksRecovered) / float64(m.TasksLost)
	} else {
		m.RecoveryRate = 0
	}

	var operational, failed int
	var batterySum, payloadSum float64
	for _, v := range snapshot.Vehicles {
		if v.Operational {
			operational++
		} else {
			failed++
		}
		batterySum += v.EnergyFraction
		payloadSum += v.PayloadMax - v.PayloadCurrent
	}
	m.OperationalUAVs = operational
	m.FailedUAVs = failed
	if len(snapshot.Vehicles) > 0 {
		m.BatterySpare = batterySum / float64(len(snapshot.Vehicles))
		m.PayloadSpare = payloadSum / float64(len(snapshot.Vehicles))
	}

	m.ObjectiveScore = result.ObjectiveScore
	m.OptimizationTimeMS = result.Elapsed.Milliseconds()
	m.OptimizationIterations = result.Iterations
	m.OptimalityGapEstimate = result.OptimalityGapEstimate
	m.TimeBounded = result.TimeBounded

	return m
}

// sendDropOldest pushes v onto ch, dropping the oldest buffered value
// when ch is full instead of dropping v itself.
func sendDropOldest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
