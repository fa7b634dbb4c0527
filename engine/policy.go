package engine

import (
	"strings"

	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/task"
)

// Policy is a set of engine switches.
type Policy uint32

const (
	PolicySteal Policy = 1 << iota
	PolicySetAffinity
	PolicyFixDt
	PolicyCPUTight
	PolicyMPI
	PolicyHydro
	PolicySelfGravity
	PolicyExternalGravity
	PolicyCosmology
	PolicyDriftAll
	PolicyCooling
	PolicySourceTerms
	PolicyExtraHydroLoop
)

var policyNames = []string{
	"steal", "setaffinity", "fixdt", "cputight", "mpi", "hydro",
	"self_gravity", "external_gravity", "cosmology", "drift_all",
	"cooling", "source_terms", "extra_hydro_loop",
}

// PolicyFromConfig collects the switches of a configuration. The mpi bit is
// set when more than one rank runs.
func PolicyFromConfig(cfg *config.Config) Policy {
	var p Policy
	pc := cfg.Policy
	set := func(on bool, bit Policy) {
		if on {
			p |= bit
		}
	}
	set(pc.Steal, PolicySteal)
	set(pc.SetAffinity, PolicySetAffinity)
	set(pc.FixDt, PolicyFixDt)
	set(pc.CPUTight, PolicyCPUTight)
	set(cfg.Derived.NrRanks > 1, PolicyMPI)
	set(pc.Hydro, PolicyHydro)
	set(pc.SelfGravity, PolicySelfGravity)
	set(pc.ExternalGravity, PolicyExternalGravity)
	set(pc.Cosmology, PolicyCosmology)
	set(pc.DriftAll, PolicyDriftAll)
	set(pc.Cooling, PolicyCooling)
	set(pc.SourceTerms, PolicySourceTerms)
	set(cfg.Hydro.ExtraLoop, PolicyExtraHydroLoop)
	return p
}

// Has reports whether every bit of q is set.
func (p Policy) Has(q Policy) bool { return p&q == q }

// Names lists the set switches in bit order.
func (p Policy) Names() []string {
	var out []string
	for i, name := range policyNames {
		if p&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return out
}

func (p Policy) String() string {
	if p == 0 {
		return "none"
	}
	return strings.Join(p.Names(), "|")
}

// initMasks select the tasks of the start-up density pass. Time-step
// messages are left out since no kick has run yet.
func (e *Engine) initMasks() (mask, submask uint32) {
	mask = task.TypeMask(task.TypeSort, task.TypeInit)
	if e.Policy.Has(PolicyHydro) {
		mask |= task.TypeMask(task.TypeSelf, task.TypePair, task.TypeSubSelf, task.TypeSubPair, task.TypeGhost)
		submask |= task.SubtypeMask(task.SubtypeDensity)
	}
	if e.Policy.Has(PolicySelfGravity) {
		mask |= task.TypeMask(task.TypeGravUp, task.TypeGravMM, task.TypeGravGatherM, task.TypeGravFFT,
			task.TypeSelf, task.TypePair)
		submask |= task.SubtypeMask(task.SubtypeGrav)
	}
	if e.Policy.Has(PolicyExternalGravity) {
		mask |= task.TypeGravExternal.Bit()
	}
	if e.Policy.Has(PolicyMPI) {
		mask |= task.TypeMask(task.TypeSend, task.TypeRecv)
	}
	return mask, submask
}

// stepMasks select the tasks of a regular step.
func (e *Engine) stepMasks() (mask, submask uint32) {
	mask = task.TypeMask(task.TypeSort, task.TypeInit)
	if e.Policy.Has(PolicyFixDt) {
		mask |= task.TypeKickFixdt.Bit()
	} else {
		mask |= task.TypeKick.Bit()
	}
	if e.Policy.Has(PolicyHydro) {
		mask |= task.TypeMask(task.TypeSelf, task.TypePair, task.TypeSubSelf, task.TypeSubPair, task.TypeGhost)
		submask |= task.SubtypeMask(task.SubtypeDensity, task.SubtypeForce)
		if e.Policy.Has(PolicyExtraHydroLoop) {
			mask |= task.TypeExtraGhost.Bit()
			submask |= task.SubtypeGradient.Bit()
		}
	}
	if e.Policy.Has(PolicySelfGravity) {
		mask |= task.TypeMask(task.TypeGravUp, task.TypeGravMM, task.TypeGravGatherM, task.TypeGravFFT,
			task.TypeSelf, task.TypePair)
		submask |= task.SubtypeMask(task.SubtypeGrav)
	}
	if e.Policy.Has(PolicyExternalGravity) {
		mask |= task.TypeGravExternal.Bit()
	}
	if e.Policy.Has(PolicyCooling) {
		mask |= task.TypeCooling.Bit()
	}
	if e.Policy.Has(PolicySourceTerms) {
		mask |= task.TypeSourceTerms.Bit()
	}
	if e.Policy.Has(PolicyMPI) {
		mask |= task.TypeMask(task.TypeSend, task.TypeRecv)
		submask |= task.SubtypeTend.Bit()
	}
	return mask, submask
}
