// Package engine drives a simulation: it builds the task graph over the cell
// tree, marks the tasks of each step, launches the runners and keeps the
// ranks of a decomposed run in step with each other.
package engine

import (
	"log/slog"
	"os"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/comm"
	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/hydro"
	"github.com/pthm-cable/sphtasks/part"
	"github.com/pthm-cable/sphtasks/partition"
	"github.com/pthm-cable/sphtasks/runner"
	"github.com/pthm-cable/sphtasks/scheduler"
	"github.com/pthm-cable/sphtasks/task"
	"github.com/pthm-cable/sphtasks/telemetry"
)

// Options carry the optional outputs of an engine.
type Options struct {
	Output  *telemetry.OutputManager // nil disables file output
	TaskLog *telemetry.TaskLog       // nil disables the task log
}

// Engine is the state of one rank.
type Engine struct {
	Policy  Policy
	NodeID  int
	NrNodes int

	Space *cell.Space
	Sched *scheduler.Scheduler
	Env   *runner.Env

	Proxies []*Proxy

	// Time-line state
	StepNum   int
	TiCurrent int
	TiOld     int
	Time      float64
	TimeOld   float64
	TimeStep  float64

	// Collected at the start of a step
	tiEndMin int
	updates  int
	gUpdates int

	cfg     *config.Config
	comm    *comm.Comm
	runners []*runner.Runner
	pool    *runnerPool
	mapper  cell.Mapper

	tasksAge     int
	tasksPerCell int
	forceRebuild bool
	forceRepart  bool
	repart       *partition.Repartition
	rebuilt      bool // The last Prepare rebuilt the space

	tiNextSnapshot  int
	snapshotCount   int
	timeLastStats   float64
	snapshotEnabled bool

	out       *telemetry.OutputManager
	taskLog   *telemetry.TaskLog
	tasksFile *os.File
	tasksHead bool
	perf      *telemetry.PerfCollector
	wallTime  time.Duration
}

// New sets up the engine of rank c over its share of the initial particles.
// A nil communicator runs a single rank. The ranks of a decomposed run pass
// disjoint shares of the particles; those that land in another rank's cells
// move there before the first rebuild.
func New(cfg *config.Config, c *comm.Comm, parts []part.Part, gparts []part.GPart, opts Options) (*Engine, error) {
	if c == nil {
		c = comm.NewWorld(1).Comm(0)
	}
	e := &Engine{
		Policy:       PolicyFromConfig(cfg),
		NodeID:       c.Rank(),
		NrNodes:      c.Size(),
		cfg:          cfg,
		comm:         c,
		tasksPerCell: max(cfg.Scheduler.TasksPerCell, 1),
		forceRebuild: true,
		out:          opts.Output,
		taskLog:      opts.TaskLog,
		perf:         telemetry.NewPerfCollector(max(cfg.Telemetry.PerfCollectorWindow, 1)),
	}
	if e.NrNodes > 1 {
		e.Policy |= PolicyMPI
	} else {
		e.Policy &^= PolicyMPI
	}
	if e.Policy.Has(PolicyCosmology) && e.NodeID == 0 {
		slog.Warn("cosmology policy has no effect on this engine")
	}

	for i := range parts {
		if parts[i].H <= 0 {
			parts[i].H = cfg.Space.InitialH
		}
		if parts[i].H <= 0 {
			return nil, eris.Errorf("particle %d has no smoothing length and space.initial_h is not set", parts[i].ID)
		}
	}
	e.Space = cell.NewSpace(cfg, e.NodeID, parts, gparts)
	for i := range e.Space.Parts {
		hydro.FirstInit(&e.Space.Parts[i], &e.Space.XParts[i])
	}
	for i := range e.Space.GParts {
		e.Space.GParts[i].TiBegin, e.Space.GParts[i].TiEnd = 0, 0
	}
	if err := e.Space.WrapParticles(); err != nil {
		return nil, err
	}

	e.mapper = mapper(cfg.Derived.NrThreads)
	if err := e.regrid(); err != nil {
		return nil, err
	}
	if e.NrNodes > 1 {
		if err := e.split(); err != nil {
			return nil, err
		}
	}

	sp := cfg.Space
	params := scheduler.Params{
		NodeID:       e.NodeID,
		NrQueues:     cfg.Derived.NrQueues,
		MaxTries:     cfg.Scheduler.MaxTries,
		MaxSteal:     cfg.Scheduler.MaxSteal,
		SearchWindow: cfg.Scheduler.SearchWindow,
		SubSize:      sp.SubSize,
		MaxSize:      sp.MaxSize,
		ForceSplit:   cfg.Scheduler.ForceSplit,
		Stretch:      sp.Stretch,
	}
	if e.Policy.Has(PolicySteal) {
		params.Flags |= scheduler.FlagSteal
	}
	if e.Policy.Has(PolicyCPUTight) {
		params.Flags |= scheduler.FlagCPUTight
	}
	e.Sched = scheduler.New(e.Space, params, 0, e.mapper)
	if e.NrNodes > 1 {
		e.Sched.SetPoster(&transport{comm: e.comm})
	}

	e.Env = runner.NewEnv(cfg, e.Space)
	e.Env.DriftAll = e.Policy.Has(PolicyDriftAll)
	e.TiCurrent = 0
	e.Time = e.Env.Timeline.Time(0)
	e.TimeOld = e.Time

	nrThreads := max(cfg.Derived.NrThreads, 1)
	cpus := runner.AvailableCPUs()
	e.runners = make([]*runner.Runner, nrThreads)
	for k := range e.runners {
		r := runner.New(k, k%e.Sched.NrQueues(), e.Sched, e.Env)
		if e.Policy.Has(PolicySetAffinity) && len(cpus) > 0 {
			r.CPU = cpus[(k+e.NodeID*nrThreads)%len(cpus)]
		}
		e.runners[k] = r
	}
	e.pool = newRunnerPool(e.runners)

	typ, err := partition.ParseRepart(cfg.Domain.RepartitionType)
	if err != nil {
		return nil, err
	}
	e.repart = partition.NewRepartition(typ, e.NodeID, e.NrNodes)

	e.timeLastStats = cfg.TimeIntegration.TimeBegin - cfg.Statistics.DeltaTime
	e.snapshotEnabled = cfg.Snapshots.DeltaTime > 0
	e.computeNextSnapshotTime()

	if e.NodeID == 0 {
		slog.Info("engine ready",
			"policy", e.Policy.String(),
			"ranks", e.NrNodes,
			"runners", nrThreads,
			"queues", e.Sched.NrQueues(),
			"top_cells", e.Space.CDim,
		)
	}
	return e, nil
}

// Step advances the simulation by one time-step of the shortest active
// particle.
func (e *Engine) Step() error {
	start := time.Now()
	e.perf.StartStep()

	e.perf.StartPhase(telemetry.PhaseCollect)
	if err := e.CollectTimestep(); err != nil {
		return err
	}

	e.perf.StartPhase(telemetry.PhaseSnapshot)
	snapshotDrift := 0.0
	for e.tiNextSnapshot > 0 && e.tiEndMin >= e.tiNextSnapshot {
		e.setTime(e.tiNextSnapshot)
		snapshotDrift = e.TimeStep
		if err := e.Drift(true); err != nil {
			return err
		}
		if err := e.DumpSnapshot(); err != nil {
			return err
		}
		e.computeNextSnapshotTime()
	}

	e.setTime(e.tiEndMin)
	e.TimeStep += snapshotDrift
	e.StepNum++

	if e.NodeID == 0 {
		st := telemetry.StepStats{
			Step:     e.StepNum,
			Time:     e.Time,
			Dt:       e.TimeStep,
			TiCur:    e.TiCurrent,
			Updates:  e.updates,
			GUpdates: e.gUpdates,
			Tasks:    e.Sched.NrTasks(),
			Rebuild:  e.rebuilt,
			WallMS:   float64(e.wallTime.Microseconds()) / 1000,
		}
		slog.Info("step", "stats", st)
		if err := e.out.WriteStep(st); err != nil {
			return eris.Wrap(err, "writing step line")
		}
	}

	e.perf.StartPhase(telemetry.PhaseStats)
	if e.cfg.Statistics.DeltaTime > 0 && e.Time-e.timeLastStats >= e.cfg.Statistics.DeltaTime {
		if err := e.PrintStats(); err != nil {
			return err
		}
		e.timeLastStats += e.cfg.Statistics.DeltaTime
	}

	e.perf.StartPhase(telemetry.PhaseDrift)
	if period := e.cfg.Domain.RepartitionPeriod; e.NrNodes > 1 && period > 0 && e.StepNum%period == 0 {
		e.forceRepart = true
	}
	if err := e.Drift(e.forceRepart || e.Policy.Has(PolicyDriftAll)); err != nil {
		return err
	}

	if e.forceRepart {
		if err := e.Repartition(); err != nil {
			return err
		}
	} else if e.NrNodes > 1 {
		e.repart.Accumulate(e.Space, e.Sched.Tasks[:e.Sched.NrTasks()])
	}

	if err := e.Prepare(false); err != nil {
		return err
	}

	e.perf.StartPhase(telemetry.PhaseLaunch)
	mask, submask := e.stepMasks()
	if e.cfg.Scheduler.Verbose {
		e.logTaskCounts()
	}
	if err := e.Launch(mask, submask); err != nil {
		return err
	}

	e.perf.StartPhase(telemetry.PhaseOutput)
	if err := e.dumpTasks(); err != nil {
		return err
	}
	e.perf.EndStep()
	if every := e.cfg.Telemetry.PerfEvery; every > 0 && e.StepNum%every == 0 && e.NodeID == 0 {
		stats := e.perf.Stats()
		slog.Info("perf", "stats", stats)
		if err := e.out.WritePerf(stats, e.StepNum); err != nil {
			return eris.Wrap(err, "writing perf stats")
		}
	}
	e.wallTime = time.Since(start)
	return nil
}

// setTime moves the time-line to tick ti, remembering the previous tick.
func (e *Engine) setTime(ti int) {
	e.TiOld = e.TiCurrent
	e.TiCurrent = ti
	e.Time = e.Env.Timeline.Time(ti)
	e.TimeOld = e.Env.Timeline.Time(e.TiOld)
	e.TimeStep = e.Env.Timeline.Dt(ti - e.TiOld)
	e.Env.SetTime(ti)
}

// IsDone reports whether the end of the time-line or the configured number
// of steps has been reached.
func (e *Engine) IsDone() bool {
	if n := e.cfg.TimeIntegration.MaxSteps; n > 0 && e.StepNum >= n {
		return true
	}
	return e.TiCurrent >= part.MaxNrTimesteps
}

// Clean stops the runners and releases the tree storage. Output files
// belong to the OutputManager and are closed with it.
func (e *Engine) Clean() error {
	e.pool.stop()
	e.Space.Clean()
	return nil
}

// Comm is the communicator of this rank.
func (e *Engine) Comm() *comm.Comm { return e.comm }

// Runners lists the workers of this rank.
func (e *Engine) Runners() []*runner.Runner { return e.runners }

// Launch runs every task selected by the masks to completion.
func (e *Engine) Launch(mask, submask uint32) error {
	if err := e.Sched.Start(mask, submask); err != nil {
		e.Sched.ClearWaiting()
		return eris.Wrap(err, "starting scheduler")
	}
	if err := e.pool.launch(); err != nil {
		e.Sched.ClearWaiting()
		return err
	}
	return nil
}

func (e *Engine) logTaskCounts() {
	counts := e.Sched.Counts()
	attrs := make([]any, 0, 2*len(counts))
	for t, n := range counts[:len(counts)-1] {
		if n > 0 {
			attrs = append(attrs, slog.Int(task.Type(t).String(), n))
		}
	}
	attrs = append(attrs, slog.Int("skipped", counts[len(counts)-1]))
	slog.Debug("task counts", "rank", e.NodeID, slog.Group("tasks", attrs...))
}

// dumpTasks writes the task records of the step to the CSV dump and the
// task log.
func (e *Engine) dumpTasks() error {
	if !e.cfg.Scheduler.DumpTasks && e.taskLog == nil {
		return nil
	}
	if e.taskLog != nil {
		if err := e.taskLog.Record(e.NodeID, e.StepNum, e.Sched.Records(e.StepNum)); err != nil {
			return eris.Wrap(err, "recording tasks")
		}
	}
	if !e.cfg.Scheduler.DumpTasks || e.NodeID != 0 {
		return nil
	}
	if e.tasksFile == nil {
		f, header, err := e.out.TasksWriter()
		if err != nil {
			return eris.Wrap(err, "opening task dump")
		}
		if f == nil {
			return nil
		}
		e.tasksFile, e.tasksHead = f, header
	}
	if err := e.Sched.WriteTasksCSV(e.tasksFile, e.StepNum, e.tasksHead); err != nil {
		return eris.Wrap(err, "writing task dump")
	}
	e.tasksHead = false
	return nil
}
