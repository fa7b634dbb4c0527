// Package runner executes the tasks handed out by the scheduler. One Runner
// serves one queue and drains it, stealing from the others, until the step
// has no work left.
package runner

import (
	"github.com/rotisserie/eris"
	"golang.org/x/exp/rand"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/cooling"
	"github.com/pthm-cable/sphtasks/gravity"
	"github.com/pthm-cable/sphtasks/hydro"
	"github.com/pthm-cable/sphtasks/part"
	"github.com/pthm-cable/sphtasks/scheduler"
	"github.com/pthm-cable/sphtasks/sourceterms"
	"github.com/pthm-cable/sphtasks/task"
)

// Env is the per-step state the kernels read. The engine updates it between
// steps, while no runner is active.
type Env struct {
	TiCurrent int
	Time      float64
	Timeline  part.Timeline
	DtMin     float64
	DtMax     float64
	DriftAll  bool

	Hydro       hydro.Props
	Grav        gravity.Props
	SelfGravity bool
	External    *gravity.PointMass
	Cooling     *cooling.ConstDuDt
	Source      *sourceterms.Supernova
	Mesh        *gravity.Mesh

	Space *cell.Space

	// MeshEPot is the potential energy found by the last grav_fft task.
	MeshEPot float64
}

// NewEnv builds the kernel environment for the enabled physics.
func NewEnv(cfg *config.Config, space *cell.Space) *Env {
	ti := cfg.TimeIntegration
	e := &Env{
		Timeline:    part.NewTimeline(ti.TimeBegin, ti.TimeEnd),
		DtMin:       ti.DtMin,
		DtMax:       ti.DtMax,
		DriftAll:    cfg.Policy.DriftAll,
		Hydro:       hydro.NewProps(cfg),
		Grav:        gravity.NewProps(cfg),
		SelfGravity: cfg.Policy.SelfGravity,
		Space:       space,
	}
	e.Time = e.Timeline.Time(0)
	if cfg.Policy.ExternalGravity {
		pm := gravity.NewPointMass(cfg)
		e.External = &pm
	}
	if cfg.Policy.Cooling {
		c := cooling.New(cfg)
		e.Cooling = &c
	}
	if cfg.Policy.SourceTerms {
		e.Source = sourceterms.New(cfg)
	}
	if cfg.Policy.SelfGravity {
		n := cfg.Gravity.MeshCells
		if n <= 0 {
			n = max(space.CDim[0], 1)
		}
		e.Mesh = gravity.NewMesh(n, space.Dim)
	}
	return e
}

// SetTime moves the environment to tick ti.
func (e *Env) SetTime(ti int) {
	e.TiCurrent = ti
	e.Time = e.Timeline.Time(ti)
}

// Runner is one worker.
type Runner struct {
	ID  int
	QID int
	CPU int // CPU to pin to, -1 for none

	// Executed counts the tasks run in the last step.
	Executed int

	sched *scheduler.Scheduler
	env   *Env
	rng   *rand.Rand
	loops [task.SubtypeCount]*loop
	pids  []int
}

// New creates runner id serving queue qid.
func New(id, qid int, sched *scheduler.Scheduler, env *Env) *Runner {
	r := &Runner{
		ID:    id,
		QID:   qid,
		CPU:   -1,
		sched: sched,
		env:   env,
		rng:   rand.New(rand.NewSource(uint64(id) + 1)),
	}
	r.loops = newLoops(&env.Hydro)
	return r
}

// Run executes tasks until the scheduler reports the step complete. A kernel
// error aborts the step for every runner.
func (r *Runner) Run() error {
	r.Executed = 0
	var prev *task.Task
	for {
		tid, err := r.sched.GetTask(r.QID, prev, r.rng)
		if err != nil {
			return err
		}
		if tid < 0 {
			return r.sched.Err()
		}
		t := r.sched.Task(tid)
		r.claim(t)
		if err := r.Execute(t); err != nil {
			return r.sched.Abort(eris.Wrapf(err, "%s/%s task %d", t.Type, t.Subtype, tid))
		}
		t.Toc = r.sched.Now()
		if err := r.sched.Done(tid); err != nil {
			return err
		}
		r.Executed++
		prev = t
	}
}

// claim records this runner's queue on the super-cell so that later tasks on
// the same data come back here.
func (r *Runner) claim(t *task.Task) {
	if t.Ci == nil {
		return
	}
	sup := t.Ci.Super
	if t.Subtype == task.SubtypeGrav || t.Type == task.TypeGravMM || t.Type == task.TypeGravUp || t.Type == task.TypeGravExternal {
		sup = t.Ci.GSuper
	}
	if sup != nil {
		sup.SetOwner(r.QID)
	}
}

// Execute runs the kernel of a locked task.
func (r *Runner) Execute(t *task.Task) error {
	ci, cj := t.Ci, t.Cj
	grav := t.Subtype == task.SubtypeGrav

	switch t.Type {
	case task.TypeSelf:
		if grav {
			r.doGravSelf(ci)
			return nil
		}
		l, err := r.loop(t.Subtype)
		if err != nil {
			return err
		}
		r.doSelf(ci, l)
	case task.TypePair:
		if grav {
			r.doGravPair(ci, cj)
			return nil
		}
		l, err := r.loop(t.Subtype)
		if err != nil {
			return err
		}
		r.doPair(ci, cj, l)
	case task.TypeSubSelf:
		if grav {
			r.doGravSelf(ci)
			return nil
		}
		l, err := r.loop(t.Subtype)
		if err != nil {
			return err
		}
		r.doSubSelf(ci, l)
	case task.TypeSubPair:
		if grav {
			r.doGravPair(ci, cj)
			return nil
		}
		l, err := r.loop(t.Subtype)
		if err != nil {
			return err
		}
		r.doSubPair(ci, cj, l)
	case task.TypeSort:
		ci.DoSort(uint16(t.Flags))
	case task.TypeInit:
		r.doInit(ci)
	case task.TypeGhost:
		r.doGhost(ci)
	case task.TypeExtraGhost:
		r.doExtraGhost(ci)
	case task.TypeKick:
		r.doKick(ci)
	case task.TypeKickFixdt:
		r.doKickFixdt(ci)
	case task.TypeSend:
		t.Buff = nil
	case task.TypeRecv:
		return r.doRecv(t)
	case task.TypeGravMM:
		r.doGravMM(ci)
	case task.TypeGravUp:
		doGravUp(ci)
	case task.TypeGravGatherM:
	case task.TypeGravFFT:
		r.doGravFFT()
	case task.TypeGravExternal:
		r.doGravExternal(ci)
	case task.TypeCooling:
		r.doCooling(ci)
	case task.TypeSourceTerms:
		r.doSourceTerms(ci)
	default:
		return eris.Errorf("unknown task type %s", t.Type)
	}
	return nil
}

func (r *Runner) loop(sub task.Subtype) (*loop, error) {
	if sub < 0 || sub >= task.SubtypeCount || r.loops[sub] == nil {
		return nil, eris.Errorf("unknown interaction subtype %s", sub)
	}
	return r.loops[sub], nil
}

func (r *Runner) canSplit(c *cell.Cell) bool {
	return c.CanSplit(r.env.Space.Stretch, hydro.KernelGamma)
}

// shift is added to cj's positions to bring them next to ci.
func (r *Runner) shift(ci, cj *cell.Cell) [3]float64 {
	var s [3]float64
	sp := r.env.Space
	if !sp.Periodic {
		return s
	}
	for k := 0; k < 3; k++ {
		dx := cj.Loc[k] - ci.Loc[k]
		switch {
		case dx < -sp.Dim[k]/2:
			s[k] = sp.Dim[k]
		case dx > sp.Dim[k]/2:
			s[k] = -sp.Dim[k]
		}
	}
	return s
}
