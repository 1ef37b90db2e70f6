package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline/fleetcore/internal/audit"
	"github.com/ridgeline/fleetcore/internal/faultdetect"
	"github.com/ridgeline/fleetcore/internal/fleetstore"
	"github.com/ridgeline/fleetcore/internal/telemetry/events"
	"github.com/ridgeline/fleetcore/internal/telemetry/metrics"
	"github.com/ridgeline/fleetcore/internal/telemetry/tracing"
	"github.com/ridgeline/fleetcore/models"
)

func newTestOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	store := fleetstore.New()
	breaker := faultdetect.New(faultdetect.Config{})
	recorder, err := audit.New(audit.Config{CacheCapacity: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = recorder.Close() })
	bus := events.NewBus(metrics.NewNoopProvider())
	o := New(cfg, store, breaker, recorder, bus, metrics.NewNoopProvider(), tracing.NewTracer(false))
	return o
}

func TestNew_DefaultsAppliedToZeroConfig(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	assert.Equal(t, time.Second, o.cfg.CycleInterval)
	assert.Equal(t, 5*time.Second, o.cfg.StalenessThreshold)
	assert.Equal(t, StateIdle, o.State())
}

func TestRunCycle_AssignsPendingTasksAndEmitsDecision(t *testing.T) {
	o := newTestOrchestrator(t, Config{
		Region:                    models.Region{MinX: -1000, MinY: -1000, MaxX: 1000, MaxY: 1000},
		SafetyReserveFraction:     0.2,
		CollisionBufferM:          15,
		MaxOptimizationIterations: 10,
		ObjectiveWeights: map[models.MissionType]models.ObjectiveWeights{
			models.MissionSurveillance: {TravelEnergy: 1, LoadBalance: 0.5, Priority: 1, TemporalSlack: 0.1},
		},
	})
	o.store.RegisterVehicle(models.Vehicle{
		ID: 1, Operational: true, Health: models.HealthHealthy,
		EnergyFraction: 1, EnergyCapacity: 1000, Efficiency: 10, PayloadMax: 100,
		LastContact: time.Now(),
	})
	o.store.RegisterTask(models.Task{ID: 1, State: models.TaskUnassigned, Target: models.Vector3{X: 1}})

	o.runCycle()

	select {
	case ev := <-o.Decisions():
		assert.Equal(t, uint64(1), ev.Cycle)
		assert.Equal(t, []models.TaskID{1}, ev.Assignments[1])
	default:
		t.Fatal("expected a decision event after runCycle")
	}

	select {
	case cmd := <-o.Commands():
		assert.Equal(t, models.VehicleID(1), cmd.VehicleID)
		assert.Equal(t, "set_task_list", cmd.Op)
	default:
		t.Fatal("expected a dispatched command for the assigned vehicle")
	}
}

func TestRunCycle_StaleVehicleMarkedFailedAndTasksOrphaned(t *testing.T) {
	o := newTestOrchestrator(t, Config{StalenessThreshold: time.Second})
	past := time.Now().Add(-time.Hour)
	o.store.RegisterVehicle(models.Vehicle{ID: 1, Operational: true, Health: models.HealthHealthy, LastContact: past})
	o.store.RegisterTask(models.Task{ID: 1, State: models.TaskAssigned, OwnerVehicle: 1})
	require.NoError(t, o.store.CommitAssignment(1, []models.TaskID{1}))

	o.runCycle()

	snap := o.store.Snapshot(time.Now())
	v, _ := snap.Vehicle(1)
	assert.False(t, v.Operational)
	assert.Equal(t, models.TaskOrphaned, snap.Tasks[1].State)
}

func TestRunCycle_AnomalousDischargeRateMarksVehicleFailed(t *testing.T) {
	o := newTestOrchestrator(t, Config{AnomalyMultiplier: 1.5, BaselineDischargeRate: 0.01})
	now := time.Now()
	o.store.RegisterVehicle(models.Vehicle{ID: 1, Operational: true, Health: models.HealthHealthy, EnergyFraction: 1.0, LastContact: now})
	energy := 0.0
	require.NoError(t, o.store.Ingest(models.TelemetryMessage{VehicleID: 1, Energy: &energy}, now.Add(time.Second)))

	o.runCycle()

	snap := o.store.Snapshot(now)
	v, _ := snap.Vehicle(1)
	assert.False(t, v.Operational)
}

func TestRunCycle_PositionJumpMarksVehicleFailed(t *testing.T) {
	o := newTestOrchestrator(t, Config{PositionJumpThresholdM: 50})
	now := time.Now()
	o.store.RegisterVehicle(models.Vehicle{ID: 1, Operational: true, Health: models.HealthHealthy, LastContact: now})
	require.NoError(t, o.store.Ingest(models.TelemetryMessage{VehicleID: 1, Pos: [3]float64{500, 0, 0}}, now.Add(time.Second)))

	o.runCycle()

	snap := o.store.Snapshot(now)
	v, _ := snap.Vehicle(1)
	assert.False(t, v.Operational)
}

func TestRunCycle_ExceedingCycleBudgetPublishesWarningEvent(t *testing.T) {
	o := newTestOrchestrator(t, Config{CycleBudget: time.Nanosecond})
	sub, err := o.bus.Subscribe(4)
	require.NoError(t, err)
	defer sub.Close()

	o.runCycle()

	select {
	case ev := <-sub.C():
		assert.Equal(t, "cycle_budget_exceeded", ev.Type)
		assert.Equal(t, "warning", ev.Severity)
	case <-time.After(time.Second):
		t.Fatal("expected a cycle_budget_exceeded event")
	}
}

func TestUpdateObjectiveWeights_AffectsSubsequentWeightsFor(t *testing.T) {
	o := newTestOrchestrator(t, Config{MissionType: models.MissionDelivery})
	custom := map[models.MissionType]models.ObjectiveWeights{
		models.MissionDelivery: {TravelEnergy: 9, LoadBalance: 9, Priority: 9, TemporalSlack: 9},
	}
	o.UpdateObjectiveWeights(custom)
	got := o.weightsFor(models.MissionDelivery)
	assert.Equal(t, 9.0, got.TravelEnergy)
}

func TestWeightsFor_FallsBackWhenMissionUnconfigured(t *testing.T) {
	o := newTestOrchestrator(t, Config{MissionType: models.MissionSearch})
	got := o.weightsFor(models.MissionSearch)
	assert.Equal(t, 1.0, got.TravelEnergy)
}

func TestIngestTelemetry_DropsOldestWhenBufferFull(t *testing.T) {
	cfg := Config{TelemetryBufferSize: 1}
	o := newTestOrchestrator(t, cfg)
	o.IngestTelemetry(models.TelemetryMessage{VehicleID: 1}, time.Now())
	o.IngestTelemetry(models.TelemetryMessage{VehicleID: 2}, time.Now())

	it := <-o.telemetryIn
	assert.Equal(t, models.VehicleID(2), it.Message.VehicleID, "oldest queued telemetry should have been dropped")
}

func TestSendDropOldest_KeepsChannelAtCapacityWithNewestValue(t *testing.T) {
	ch := make(chan int, 2)
	sendDropOldest(ch, 1)
	sendDropOldest(ch, 2)
	sendDropOldest(ch, 3)
	require.Len(t, ch, 2)
	assert.Equal(t, 2, <-ch)
	assert.Equal(t, 3, <-ch)
}

func TestPendingTasks_OnlyUnassignedAndOrphanedInIDOrder(t *testing.T) {
	snap := models.FleetSnapshot{Tasks: map[models.TaskID]models.Task{
		3: {ID: 3, State: models.TaskOrphaned},
		1: {ID: 1, State: models.TaskUnassigned},
		2: {ID: 2, State: models.TaskCompleted},
	}}
	out := pendingTasks(snap)
	require.Len(t, out, 2)
	assert.Equal(t, models.TaskID(1), out[0].ID)
	assert.Equal(t, models.TaskID(3), out[1].ID)
}

func TestStartStop_Idempotent(t *testing.T) {
	o := newTestOrchestrator(t, Config{CycleInterval: time.Hour})
	o.Start()
	o.Stop()
	assert.Equal(t, StateStopped, o.State())
}

func TestTriggerCycle_RunsOutOfBandAndCoalescesRepeats(t *testing.T) {
	o := newTestOrchestrator(t, Config{CycleInterval: time.Hour})
	o.store.RegisterVehicle(models.Vehicle{ID: 1, Operational: true, Health: models.HealthHealthy, LastContact: time.Now()})
	o.Start()
	defer o.Stop()

	o.TriggerCycle()
	o.TriggerCycle() // fired close together; must coalesce into one extra cycle

	select {
	case ev := <-o.Decisions():
		assert.Equal(t, uint64(1), ev.Cycle)
	case <-time.After(2 * time.Second):
		t.Fatal("expected TriggerCycle to run a cycle without waiting for the hour-long ticker")
	}
}
