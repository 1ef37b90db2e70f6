package fleetstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline/fleetcore/models"
)

func TestIngest_UnknownVehicle(t *testing.T) {
	s := New()
	err := s.Ingest(models.TelemetryMessage{VehicleID: 99}, time.Now())
	assert.ErrorIs(t, err, ErrUnknownVehicle)
}

func TestIngest_UpdatesPositionVelocityAndDischargeEMA(t *testing.T) {
	s := New()
	now := time.Now()
	s.RegisterVehicle(models.Vehicle{ID: 1, EnergyFraction: 1.0, LastContact: now})

	energy1 := 0.9
	err := s.Ingest(models.TelemetryMessage{VehicleID: 1, Pos: [3]float64{1, 2, 3}, Vel: [3]float64{4, 5, 6}, Energy: &energy1}, now.Add(1*time.Second))
	require.NoError(t, err)

	snap := s.Snapshot(now)
	v, ok := snap.Vehicle(1)
	require.True(t, ok)
	assert.Equal(t, models.Vector3{X: 1, Y: 2, Z: 3}, v.Position)
	assert.Equal(t, models.Vector3{X: 4, Y: 5, Z: 6}, v.Velocity)
	assert.Equal(t, 0.9, v.EnergyFraction)
	// instantRate = (1.0-0.9)/1s = 0.1; EMA = 0.3*0.1 + 0.7*0 = 0.03
	assert.InDelta(t, 0.03, v.DischargeRateEMA, 1e-9)

	energy2 := 0.8
	err = s.Ingest(models.TelemetryMessage{VehicleID: 1, Energy: &energy2}, now.Add(2*time.Second))
	require.NoError(t, err)
	snap = s.Snapshot(now)
	v, _ = snap.Vehicle(1)
	// instantRate = (0.9-0.8)/1s = 0.1; EMA = 0.3*0.1 + 0.7*0.03 = 0.051
	assert.InDelta(t, 0.051, v.DischargeRateEMA, 1e-9)
}

func TestIngest_PartialFieldsLeaveOthersUntouched(t *testing.T) {
	s := New()
	now := time.Now()
	s.RegisterVehicle(models.Vehicle{ID: 1, PayloadCurrent: 5, Health: models.HealthHealthy, LastContact: now})

	err := s.Ingest(models.TelemetryMessage{VehicleID: 1, Pos: [3]float64{9, 9, 9}}, now.Add(time.Second))
	require.NoError(t, err)

	snap := s.Snapshot(now)
	v, _ := snap.Vehicle(1)
	assert.Equal(t, 5.0, v.PayloadCurrent)
	assert.Equal(t, models.HealthHealthy, v.Health)
}

func TestIngest_TracksPositionJumpAndAltitudeBreachStreak(t *testing.T) {
	s := New().WithAltitudeBounds(0, 50)
	now := time.Now()
	s.RegisterVehicle(models.Vehicle{ID: 1, Position: models.Vector3{X: 0, Y: 0, Z: 10}, LastContact: now})

	err := s.Ingest(models.TelemetryMessage{VehicleID: 1, Pos: [3]float64{3, 4, 10}}, now.Add(time.Second))
	require.NoError(t, err)
	snap := s.Snapshot(now)
	v, _ := snap.Vehicle(1)
	assert.InDelta(t, 5.0, v.PositionJumpM, 1e-9)
	assert.Equal(t, 0, v.AltitudeBreachStreak)

	err = s.Ingest(models.TelemetryMessage{VehicleID: 1, Pos: [3]float64{3, 4, 80}}, now.Add(2*time.Second))
	require.NoError(t, err)
	snap = s.Snapshot(now)
	v, _ = snap.Vehicle(1)
	assert.Equal(t, 1, v.AltitudeBreachStreak)

	err = s.Ingest(models.TelemetryMessage{VehicleID: 1, Pos: [3]float64{3, 4, 90}}, now.Add(3*time.Second))
	require.NoError(t, err)
	snap = s.Snapshot(now)
	v, _ = snap.Vehicle(1)
	assert.Equal(t, 2, v.AltitudeBreachStreak)

	err = s.Ingest(models.TelemetryMessage{VehicleID: 1, Pos: [3]float64{3, 4, 30}}, now.Add(4*time.Second))
	require.NoError(t, err)
	snap = s.Snapshot(now)
	v, _ = snap.Vehicle(1)
	assert.Equal(t, 0, v.AltitudeBreachStreak)
}

func TestAnomalousVehicles_FlagsDischargeSpikePositionJumpAndAltitudeStreak(t *testing.T) {
	s := New().WithAltitudeBounds(0, 50)
	now := time.Now()

	s.RegisterVehicle(models.Vehicle{ID: 1, Operational: true, Position: models.Vector3{X: 0, Y: 0, Z: 0}, EnergyFraction: 1.0, LastContact: now})
	s.RegisterVehicle(models.Vehicle{ID: 2, Operational: true, Position: models.Vector3{X: 0, Y: 0, Z: 0}, LastContact: now})
	s.RegisterVehicle(models.Vehicle{ID: 3, Operational: true, Position: models.Vector3{X: 0, Y: 0, Z: 60}, LastContact: now})
	s.RegisterVehicle(models.Vehicle{ID: 4, Operational: true, Position: models.Vector3{X: 0, Y: 0, Z: 0}, LastContact: now})

	energy := 0.0
	require.NoError(t, s.Ingest(models.TelemetryMessage{VehicleID: 1, Pos: [3]float64{0, 0, 0}, Energy: &energy}, now.Add(time.Second)))
	require.NoError(t, s.Ingest(models.TelemetryMessage{VehicleID: 2, Pos: [3]float64{500, 0, 0}}, now.Add(time.Second)))
	require.NoError(t, s.Ingest(models.TelemetryMessage{VehicleID: 3, Pos: [3]float64{0, 0, 60}}, now.Add(time.Second)))
	require.NoError(t, s.Ingest(models.TelemetryMessage{VehicleID: 3, Pos: [3]float64{0, 0, 60}}, now.Add(2*time.Second)))
	require.NoError(t, s.Ingest(models.TelemetryMessage{VehicleID: 4, Pos: [3]float64{0, 0, 0}}, now.Add(time.Second)))

	anomalous := s.AnomalousVehicles(1.5, 0.01, 100)
	assert.ElementsMatch(t, []models.VehicleID{1, 2, 3}, anomalous)
}

func TestMarkFailed_OrphansCommittedTasks(t *testing.T) {
	s := New()
	now := time.Now()
	s.RegisterVehicle(models.Vehicle{ID: 1, Operational: true, Health: models.HealthHealthy, LastContact: now})
	s.RegisterTask(models.Task{ID: 10, State: models.TaskAssigned, OwnerVehicle: 1})
	s.RegisterTask(models.Task{ID: 11, State: models.TaskInProgress, OwnerVehicle: 1})
	require.NoError(t, s.CommitAssignment(1, []models.TaskID{10, 11}))

	orphaned, err := s.MarkFailed(1, models.HealthFailed, now.Add(time.Second))
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.TaskID{10, 11}, orphaned)

	snap := s.Snapshot(now)
	v, _ := snap.Vehicle(1)
	assert.False(t, v.Operational)
	assert.Equal(t, models.HealthFailed, v.Health)
	assert.Empty(t, v.Tasks)

	assert.Equal(t, models.TaskOrphaned, snap.Tasks[10].State)
	assert.Equal(t, models.VehicleID(0), snap.Tasks[10].OwnerVehicle)
	assert.Equal(t, models.TaskOrphaned, snap.Tasks[11].State)
}

func TestMarkFailed_UnknownVehicle(t *testing.T) {
	s := New()
	_, err := s.MarkFailed(42, models.HealthFailed, time.Now())
	assert.ErrorIs(t, err, ErrUnknownVehicle)
}

func TestCommitAssignment_UpdatesTaskOwnership(t *testing.T) {
	s := New()
	s.RegisterVehicle(models.Vehicle{ID: 1, Operational: true})
	s.RegisterTask(models.Task{ID: 5, State: models.TaskUnassigned})

	require.NoError(t, s.CommitAssignment(1, []models.TaskID{5}))

	snap := s.Snapshot(time.Now())
	assert.Equal(t, models.VehicleID(1), snap.Tasks[5].OwnerVehicle)
	assert.Equal(t, models.TaskAssigned, snap.Tasks[5].State)
	v, _ := snap.Vehicle(1)
	assert.Equal(t, []models.TaskID{5}, v.Tasks)
}

func TestSnapshot_IsDefensiveCopy(t *testing.T) {
	s := New()
	s.RegisterVehicle(models.Vehicle{ID: 1, Tasks: []models.TaskID{1, 2}})
	snap := s.Snapshot(time.Now())

	v := snap.Vehicles[1]
	v.Tasks[0] = 999 // mutate the copy

	snap2 := s.Snapshot(time.Now())
	v2 := snap2.Vehicles[1]
	assert.Equal(t, models.TaskID(1), v2.Tasks[0], "mutating a snapshot copy must not affect store state")
}

func TestSnapshot_GenerationIncrementsMonotonically(t *testing.T) {
	s := New()
	g1 := s.Snapshot(time.Now()).Generation
	g2 := s.Snapshot(time.Now()).Generation
	assert.Greater(t, g2, g1)
}

func TestStaleVehicles_OnlyFlagsOperationalStale(t *testing.T) {
	s := New()
	now := time.Now()
	s.RegisterVehicle(models.Vehicle{ID: 1, Operational: true, LastContact: now.Add(-10 * time.Second)})
	s.RegisterVehicle(models.Vehicle{ID: 2, Operational: false, LastContact: now.Add(-10 * time.Second)})
	s.RegisterVehicle(models.Vehicle{ID: 3, Operational: true, LastContact: now})

	stale := s.StaleVehicles(now, 5*time.Second)
	assert.Equal(t, []models.VehicleID{1}, stale)
}

func TestCounts_ReportsTotalAndStale(t *testing.T) {
	s := New()
	now := time.Now()
	s.RegisterVehicle(models.Vehicle{ID: 1, LastContact: now.Add(-10 * time.Second)})
	s.RegisterVehicle(models.Vehicle{ID: 2, LastContact: now})

	total, stale := s.Counts(now, 5*time.Second)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, stale)
}

func TestNewWithShards_RoundsUpToPowerOfTwo(t *testing.T) {
	s := NewWithShards(5)
	assert.Len(t, s.vehicleShards, 8)
}

func TestRegisterVehicle_OverwritesExistingRecord(t *testing.T) {
	s := New()
	s.RegisterVehicle(models.Vehicle{ID: 1, EnergyFraction: 0.5})
	s.RegisterVehicle(models.Vehicle{ID: 1, EnergyFraction: 0.9})
	snap := s.Snapshot(time.Now())
	v, _ := snap.Vehicle(1)
	assert.Equal(t, 0.9, v.EnergyFraction)
}
