//go:build linux

package runner

import (
	"runtime"

	"github.com/rotisserie/eris"
	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its OS thread and binds that thread to
// r.CPU. It is a no-op when CPU is negative. Call it from the goroutine that
// will Run.
func (r *Runner) Pin() error {
	if r.CPU < 0 {
		return nil
	}
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(r.CPU)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return eris.Wrapf(err, "pinning runner %d to cpu %d", r.ID, r.CPU)
	}
	return nil
}

// Unpin releases the OS thread taken by Pin.
func (r *Runner) Unpin() {
	if r.CPU >= 0 {
		runtime.UnlockOSThread()
	}
}

// AvailableCPUs lists the CPUs the process may run on, in order.
func AvailableCPUs() []int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil
	}
	var cpus []int
	for i := 0; i < 1024 && len(cpus) < set.Count(); i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus
}
