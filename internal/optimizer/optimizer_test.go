package optimizer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline/fleetcore/models"
)

func vehicle(id models.VehicleID) models.Vehicle {
	return models.Vehicle{
		ID: id, Operational: true, Health: models.HealthHealthy,
		EnergyFraction: 1.0, EnergyCapacity: 10000, Efficiency: 10,
		PayloadMax: 100,
	}
}

func weights() models.ObjectiveWeights {
	return models.ObjectiveWeights{TravelEnergy: 1, LoadBalance: 0.5, Priority: 1, TemporalSlack: 0.1}
}

func baseOptParams() Params {
	return Params{
		Now:                   time.Now(),
		Region:                models.Region{MinX: -1000, MinY: -1000, MaxX: 1000, MaxY: 1000},
		SafetyReserveFraction: 0.2,
		CollisionBufferM:      15,
		Weights:               weights(),
	}
}

func TestOptimize_AssignsToNearestFeasibleVehicle(t *testing.T) {
	snap := models.FleetSnapshot{
		Vehicles: map[models.VehicleID]models.Vehicle{
			1: vehicle(1),
			2: {ID: 2, Operational: true, Health: models.HealthHealthy, EnergyFraction: 1.0, EnergyCapacity: 10000, Efficiency: 10, PayloadMax: 100, Position: models.Vector3{X: 100}},
		},
		Tasks: map[models.TaskID]models.Task{},
	}
	tasks := []models.Task{{ID: 1, Priority: 1, Target: models.Vector3{X: 1}}}

	result := Optimize(snap, tasks, baseOptParams())
	require.Empty(t, result.Plan.EscalatedList())
	assert.Equal(t, []models.TaskID{1}, result.Plan.Assignments[1])
	assert.Empty(t, result.Plan.Assignments[2])
}

func TestOptimize_SeedsInDescendingPriorityOrder(t *testing.T) {
	snap := models.FleetSnapshot{
		Vehicles: map[models.VehicleID]models.Vehicle{1: vehicle(1)},
		Tasks:    map[models.TaskID]models.Task{},
	}
	tasks := []models.Task{
		{ID: 1, Priority: 1, Target: models.Vector3{X: 1}},
		{ID: 2, Priority: 5, Target: models.Vector3{X: 2}},
		{ID: 3, Priority: 3, Target: models.Vector3{X: 3}},
	}
	result := Optimize(snap, tasks, baseOptParams())
	assert.Equal(t, []models.TaskID{2, 3, 1}, result.Plan.Assignments[1])
}

func TestOptimize_EscalatesInfeasibleTask(t *testing.T) {
	snap := models.FleetSnapshot{
		Vehicles: map[models.VehicleID]models.Vehicle{1: vehicle(1)},
		Tasks:    map[models.TaskID]models.Task{},
	}
	tasks := []models.Task{{ID: 1, Priority: 1, Type: models.TaskPickup, Target: models.Vector3{X: 1}, PayloadReq: 99999}}
	result := Optimize(snap, tasks, baseOptParams())
	assert.Contains(t, result.Plan.EscalatedList(), models.TaskID(1))
}

func TestOptimize_NoFeasibleVehiclesEscalatesAll(t *testing.T) {
	snap := models.FleetSnapshot{
		Vehicles: map[models.VehicleID]models.Vehicle{},
		Tasks:    map[models.TaskID]models.Task{},
	}
	tasks := []models.Task{{ID: 1, Priority: 1, Target: models.Vector3{X: 1}}}
	result := Optimize(snap, tasks, baseOptParams())
	assert.Equal(t, []models.TaskID{1}, result.Plan.EscalatedList())
}

func TestOptimize_ZeroMaxIterationsDisablesLocalSearch(t *testing.T) {
	snap := models.FleetSnapshot{
		Vehicles: map[models.VehicleID]models.Vehicle{1: vehicle(1), 2: vehicle(2)},
		Tasks:    map[models.TaskID]models.Task{},
	}
	tasks := []models.Task{{ID: 1, Priority: 1, Target: models.Vector3{X: 1}}}
	p := baseOptParams()
	p.MaxIterations = 0
	result := Optimize(snap, tasks, p)
	assert.Equal(t, 0, result.Iterations)
	assert.False(t, result.TimeBounded)
}

func TestOptimize_LocalSearchRespectsIterationCap(t *testing.T) {
	snap := models.FleetSnapshot{
		Vehicles: map[models.VehicleID]models.Vehicle{1: vehicle(1), 2: vehicle(2)},
		Tasks:    map[models.TaskID]models.Task{},
	}
	tasks := []models.Task{
		{ID: 1, Priority: 1, Target: models.Vector3{X: 1}},
		{ID: 2, Priority: 1, Target: models.Vector3{X: 2}},
	}
	p := baseOptParams()
	p.MaxIterations = 3
	result := Optimize(snap, tasks, p)
	assert.LessOrEqual(t, result.Iterations, 3)
}

func TestOptimize_TimeBudgetMarksTimeBounded(t *testing.T) {
	snap := models.FleetSnapshot{
		Vehicles: map[models.VehicleID]models.Vehicle{1: vehicle(1), 2: vehicle(2)},
		Tasks:    map[models.TaskID]models.Task{},
	}
	var tasks []models.Task
	for i := 0; i < 20; i++ {
		tasks = append(tasks, models.Task{ID: models.TaskID(i + 1), Priority: 1, Target: models.Vector3{X: float64(i)}})
	}
	p := baseOptParams()
	p.MaxIterations = 1_000_000
	p.TimeBudget = 1 * time.Nanosecond
	result := Optimize(snap, tasks, p)
	assert.True(t, result.TimeBounded)
}

func TestOptimize_OptimalityGapNonNegativeAndFinite(t *testing.T) {
	snap := models.FleetSnapshot{
		Vehicles: map[models.VehicleID]models.Vehicle{1: vehicle(1), 2: vehicle(2)},
		Tasks:    map[models.TaskID]models.Task{},
	}
	tasks := []models.Task{
		{ID: 1, Priority: 1, Target: models.Vector3{X: 1}},
		{ID: 2, Priority: 2, Target: models.Vector3{X: 50}},
	}
	p := baseOptParams()
	p.MaxIterations = 50
	result := Optimize(snap, tasks, p)
	assert.GreaterOrEqual(t, result.OptimalityGapEstimate, 0.0)
}

func TestOptimize_EmptyTaskListProducesEmptyPlan(t *testing.T) {
	snap := models.FleetSnapshot{
		Vehicles: map[models.VehicleID]models.Vehicle{1: vehicle(1)},
		Tasks:    map[models.TaskID]models.Task{},
	}
	result := Optimize(snap, nil, baseOptParams())
	assert.Empty(t, result.Plan.EscalatedList())
	assert.Empty(t, result.Plan.Assignments[1])
}

func TestOptimize_DeterministicWithFixedSeed(t *testing.T) {
	snap := models.FleetSnapshot{
		Vehicles: map[models.VehicleID]models.Vehicle{1: vehicle(1), 2: vehicle(2)},
		Tasks:    map[models.TaskID]models.Task{},
	}
	tasks := []models.Task{
		{ID: 1, Priority: 1, Target: models.Vector3{X: 1}},
		{ID: 2, Priority: 1, Target: models.Vector3{X: 5}},
		{ID: 3, Priority: 1, Target: models.Vector3{X: 9}},
	}
	p := baseOptParams()
	p.MaxIterations = 10
	r1 := Optimize(snap, tasks, p)
	r2 := Optimize(snap, tasks, p)
	assert.Equal(t, r1.Plan.Assignments, r2.Plan.Assignments)
	assert.Equal(t, r1.ObjectiveScore, r2.ObjectiveScore)
}

func TestTrySwap_ExchangesCrossedTasksWhenItLowersObjective(t *testing.T) {
	vA := vehicle(1)
	vB := vehicle(2)
	vB.Position = models.Vector3{X: 100}

	taskNearA := models.Task{ID: 1, Priority: 1, Target: models.Vector3{X: 10}}
	taskNearB := models.Task{ID: 2, Priority: 1, Target: models.Vector3{X: 90}}

	// Crossed: the vehicle starts out holding the task nearer the other
	// vehicle, which only a simultaneous exchange (not a one-task-at-a-time
	// relocate) can untangle without passing through a worse intermediate.
	routes := map[models.VehicleID]*vehicleRoute{
		1: {vehicle: vA, tasks: []models.Task{taskNearB}, waypoint: buildWaypoints(vA, []models.Task{taskNearB})},
		2: {vehicle: vB, tasks: []models.Task{taskNearA}, waypoint: buildWaypoints(vB, []models.Task{taskNearA})},
	}
	plan := models.NewAssignmentPlan()
	plan.Assignments[1] = []models.TaskID{taskNearB.ID}
	plan.Assignments[2] = []models.TaskID{taskNearA.ID}

	p := baseOptParams()
	p.Weights = models.ObjectiveWeights{TravelEnergy: 1}

	rng := rand.New(rand.NewSource(1))
	improved := trySwap(routes, plan, sortedVehicleIDs(routes), p, rng)

	require.True(t, improved)
	assert.Equal(t, []models.TaskID{taskNearA.ID}, plan.Assignments[1])
	assert.Equal(t, []models.TaskID{taskNearB.ID}, plan.Assignments[2])
	assert.Equal(t, taskNearA.ID, routes[1].tasks[0].ID)
	assert.Equal(t, taskNearB.ID, routes[2].tasks[0].ID)
}
