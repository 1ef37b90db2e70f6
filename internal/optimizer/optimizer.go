// Package optimizer implements the Optimizer: a
// greedy, priority-ordered seed followed by a bounded local search,
// invoking the Constraint Validator as a feasibility oracle on every
// candidate move. Grounded on worker-pool/backoff idiom
// in internal/pipeline/pipeline.go (bounded-iteration loops, explicit
// time and attempt budgets) adapted from a concurrent pipeline to a
// single-threaded combinatorial search, since each cycle needs a
// deterministic, reproducible plan.
package optimizer

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/ridgeline/fleetcore/internal/validator"
	"github.com/ridgeline/fleetcore/models"
)

// Params configures one optimization run.
type Params struct {
	Now                   time.Time
	Region                models.Region
	SafetyReserveFraction float64
	CollisionBufferM      float64
	HoverEnergyRate       float64

	MaxIterations int           // local-search move cap; 0 disables local search
	TimeBudget    time.Duration // wall-clock cap; 0 means unbounded

	Weights models.ObjectiveWeights

	// Rand seeds the local search's neighbor-selection order. Nil uses a
	// fixed seed, keeping runs reproducible for identical inputs unless
	// the caller explicitly wants run-to-run variation.
	Rand *rand.Rand
}

// Result is the outcome of one Optimize call, including the bookkeeping
// carried on every Decision Event.
type Result struct {
	Plan                   models.AssignmentPlan
	Iterations             int
	Elapsed                time.Duration
	TimeBounded            bool
	OptimalityGapEstimate  float64
	ObjectiveScore         float64
}

type vehicleRoute struct {
	vehicle  models.Vehicle
	tasks    []models.Task
	waypoint []models.Vector3 // vehicle.Position followed by each committed task's target
}

// Optimize seeds a plan greedily in descending task-priority order, then
// runs a bounded local search attempting to swap or relocate tasks between
// vehicles to reduce the objective score.
func Optimize(snapshot models.FleetSnapshot, tasksToAssign []models.Task, p Params) Result {
	start := time.Now()
	if p.Now.IsZero() {
		p.Now = snapshot.Timestamp
	}
	rng := p.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	routes := initialRoutes(snapshot)
	plan := models.NewAssignmentPlan()
	for id := range routes {
		plan.Assignments[id] = nil
	}

	ordered := append([]models.Task(nil), tasksToAssign...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	for _, task := range ordered {
		vid, ok := bestVehicleFor(routes, task, p)
		if !ok {
			plan.Escalated[task.ID] = struct{}{}
			continue
		}
		assign(routes, vid, task)
		plan.Assignments[vid] = taskIDs(routes[vid].tasks)
	}

	seedScore := objectiveScore(routes, p)
	bestScore := seedScore

	iterations := 0
	timeBounded := false
	vehicleIDs := sortedVehicleIDs(routes)

	if p.MaxIterations > 0 && len(vehicleIDs) >= 2 {
		const maxIterationsWithoutImprovement = 10
		sinceImprovement := 0
		for iterations < p.MaxIterations {
			if p.TimeBudget > 0 && time.Since(start) >= p.TimeBudget {
				timeBounded = true
				break
			}
			iterations++
			// Primary move is the pairwise swap (spec.md §4.3 step 2); if it
			// finds no feasible, strictly-improving swap, also consider a
			// single-task relocate before moving to the next iteration.
			improved := trySwap(routes, plan, vehicleIDs, p, rng)
			if !improved {
				improved = tryRelocate(routes, plan, vehicleIDs, p, rng)
			}
			if improved {
				bestScore = objectiveScore(routes, p)
				sinceImprovement = 0
			} else {
				sinceImprovement++
				if sinceImprovement >= maxIterationsWithoutImprovement {
					break
				}
			}
		}
	}

	gap := 0.0
	if seedScore != 0 {
		gap = (seedScore - bestScore) / math.Abs(seedScore)
	}
	if gap < 0 {
		gap = 0
	}

	return Result{
		Plan:                  finalizePlan(plan),
		Iterations:            iterations,
		Elapsed:               time.Since(start),
		TimeBounded:           timeBounded,
		OptimalityGapEstimate: gap,
		ObjectiveScore:        bestScore,
	}
}

func initialRoutes(snapshot models.FleetSnapshot) map[models.VehicleID]*vehicleRoute {
	routes := make(map[models.VehicleID]*vehicleRoute)
	for _, v := range snapshot.OperationalVehicles() {
		committed := make([]models.Task, 0, len(v.Tasks))
		for _, tid := range v.Tasks {
			if t, ok := snapshot.Tasks[tid]; ok {
				committed = append(committed, t)
			}
		}
		r := &vehicleRoute{vehicle: v, tasks: committed}
		r.waypoint = buildWaypoints(v, committed)
		routes[v.ID] = r
	}
	return routes
}

func buildWaypoints(v models.Vehicle, tasks []models.Task) []models.Vector3 {
	out := make([]models.Vector3, 0, len(tasks)+1)
	out = append(out, v.Position)
	for _, t := range tasks {
		out = append(out, t.Target)
	}
	return out
}

func sortedVehicleIDs(routes map[models.VehicleID]*vehicleRoute) []models.VehicleID {
	ids := make([]models.VehicleID, 0, len(routes))
	for id := range routes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func validatorParams(routes map[models.VehicleID]*vehicleRoute, p Params) validator.Params {
	other := make(map[models.VehicleID][]models.Vector3, len(routes))
	for id, r := range routes {
		other[id] = r.waypoint
	}
	return validator.Params{
		Now:                   p.Now,
		Region:                p.Region,
		SafetyReserveFraction: p.SafetyReserveFraction,
		CollisionBufferM:      p.CollisionBufferM,
		HoverEnergyRate:       p.HoverEnergyRate,
		OtherRoutes:           other,
	}
}

// bestVehicleFor returns the feasible vehicle id minimizing marginal
// objective cost for `task`, iterating candidates in ascending vehicle id
// order for deterministic tie-breaking.
func bestVehicleFor(routes map[models.VehicleID]*vehicleRoute, task models.Task, p Params) (models.VehicleID, bool) {
	ids := sortedVehicleIDs(routes)
	vp := validatorParams(routes, p)

	bestID := models.VehicleID(0)
	bestCost := math.Inf(1)
	found := false

	for _, id := range ids {
		r := routes[id]
		res := validator.CanAssign(r.vehicle, task, r.tasks, vp)
		if !res.OK {
			continue
		}
		cost := marginalCost(r, task, p)
		if !found || cost < bestCost {
			bestCost = cost
			bestID = id
			found = true
		}
	}
	return bestID, found
}

func marginalCost(r *vehicleRoute, task models.Task, p Params) float64 {
	last := r.vehicle.Position
	if len(r.tasks) > 0 {
		last = r.tasks[len(r.tasks)-1].Target
	}
	distance := last.Distance(task.Target)
	efficiency := r.vehicle.Efficiency
	if efficiency <= 0 {
		efficiency = 1
	}
	travelCost := p.Weights.TravelEnergy * (distance / efficiency)

	loadCost := p.Weights.LoadBalance * (1 - r.vehicle.EnergyFraction)
	priorityReward := p.Weights.Priority * float64(task.Priority)

	slackReward := 0.0
	if task.HasDeadline() {
		margin := task.Deadline.Sub(p.Now).Seconds()
		slackReward = p.Weights.TemporalSlack * (margin / 3600)
	}

	return travelCost + loadCost - priorityReward - slackReward
}

func assign(routes map[models.VehicleID]*vehicleRoute, vid models.VehicleID, task models.Task) {
	r := routes[vid]
	r.tasks = append(r.tasks, task)
	r.waypoint = append(r.waypoint, task.Target)
}

// objectiveScore sums marginal cost across every committed task in the
// plan, giving a single comparable scalar for seed-vs-improved comparison.
func objectiveScore(routes map[models.VehicleID]*vehicleRoute, p Params) float64 {
	total := 0.0
	for _, id := range sortedVehicleIDs(routes) {
		r := routes[id]
		running := &vehicleRoute{vehicle: r.vehicle}
		for _, t := range r.tasks {
			total += marginalCost(running, t, p)
			running.tasks = append(running.tasks, t)
		}
	}
	return total
}

// tryRelocate picks one assigned task at random (deterministic for a
// given rng seed) and moves it to the feasible other vehicle with the
// lowest marginal cost, keeping the move only if it lowers the objective
// score.
func tryRelocate(routes map[models.VehicleID]*vehicleRoute, plan models.AssignmentPlan, vehicleIDs []models.VehicleID, p Params, rng *rand.Rand) bool {
	type candidate struct {
		from models.VehicleID
		idx  int
		task models.Task
	}
	var candidates []candidate
	for _, vid := range vehicleIDs {
		r := routes[vid]
		for i, t := range r.tasks {
			candidates = append(candidates, candidate{from: vid, idx: i, task: t})
		}
	}
	if len(candidates) == 0 {
		return false
	}
	pick := candidates[rng.Intn(len(candidates))]

	baseline := objectiveScore(routes, p)

	fromRoute := routes[pick.from]
	removed := removeTask(fromRoute, pick.idx)

	vp := validatorParams(routes, p)
	bestTarget := models.VehicleID(0)
	bestCost := math.Inf(1)
	found := false
	for _, vid := range vehicleIDs {
		if vid == pick.from {
			continue
		}
		r := routes[vid]
		res := validator.CanAssign(r.vehicle, removed, r.tasks, vp)
		if !res.OK {
			continue
		}
		cost := marginalCost(r, removed, p)
		if !found || cost < bestCost {
			bestCost = cost
			bestTarget = vid
			found = true
		}
	}

	if !found {
		insertTask(fromRoute, pick.idx, removed)
		return false
	}

	assign(routes, bestTarget, removed)
	candidateScore := objectiveScore(routes, p)
	if candidateScore >= baseline {
		// revert: remove from target, reinsert at origin
		target := routes[bestTarget]
		removeTask(target, len(target.tasks)-1)
		insertTask(fromRoute, pick.idx, removed)
		return false
	}

	plan.Assignments[pick.from] = taskIDs(fromRoute.tasks)
	plan.Assignments[bestTarget] = taskIDs(routes[bestTarget].tasks)
	return true
}

// trySwap picks a random pair of assigned tasks (t_a on v_a, t_b on v_b,
// v_a != v_b) and swaps their owning vehicles if the post-swap plan is
// feasible for both and strictly improves the objective score.
func trySwap(routes map[models.VehicleID]*vehicleRoute, plan models.AssignmentPlan, vehicleIDs []models.VehicleID, p Params, rng *rand.Rand) bool {
	candidates := make([]models.VehicleID, 0, len(vehicleIDs))
	for _, vid := range vehicleIDs {
		if len(routes[vid].tasks) > 0 {
			candidates = append(candidates, vid)
		}
	}
	if len(candidates) < 2 {
		return false
	}

	i := rng.Intn(len(candidates))
	j := rng.Intn(len(candidates) - 1)
	if j >= i {
		j++
	}
	va, vb := candidates[i], candidates[j]
	routeA, routeB := routes[va], routes[vb]
	ia := rng.Intn(len(routeA.tasks))
	ib := rng.Intn(len(routeB.tasks))

	baseline := objectiveScore(routes, p)

	taskA := removeTask(routeA, ia)
	taskB := removeTask(routeB, ib)

	vp := validatorParams(routes, p)
	resA := validator.CanAssign(routeB.vehicle, taskA, routeB.tasks, vp)
	resB := validator.CanAssign(routeA.vehicle, taskB, routeA.tasks, vp)
	if !resA.OK || !resB.OK {
		insertTask(routeA, ia, taskA)
		insertTask(routeB, ib, taskB)
		return false
	}

	assign(routes, vb, taskA)
	assign(routes, va, taskB)

	candidateScore := objectiveScore(routes, p)
	if candidateScore >= baseline {
		removeTask(routeB, len(routeB.tasks)-1)
		removeTask(routeA, len(routeA.tasks)-1)
		insertTask(routeA, ia, taskA)
		insertTask(routeB, ib, taskB)
		return false
	}

	plan.Assignments[va] = taskIDs(routeA.tasks)
	plan.Assignments[vb] = taskIDs(routeB.tasks)
	return true
}

func removeTask(r *vehicleRoute, idx int) models.Task {
	t := r.tasks[idx]
	r.tasks = append(r.tasks[:idx], r.tasks[idx+1:]...)
	r.waypoint = buildWaypoints(r.vehicle, r.tasks)
	return t
}

func insertTask(r *vehicleRoute, idx int, t models.Task) {
	r.tasks = append(r.tasks, models.Task{})
	copy(r.tasks[idx+1:], r.tasks[idx:])
	r.tasks[idx] = t
	r.waypoint = buildWaypoints(r.vehicle, r.tasks)
}

func taskIDs(tasks []models.Task) []models.TaskID {
	out := make([]models.TaskID, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func finalizePlan(plan models.AssignmentPlan) models.AssignmentPlan {
	for vid, tasks := range plan.Assignments {
		if tasks == nil {
			plan.Assignments[vid] = []models.TaskID{}
		}
	}
	return plan
}
