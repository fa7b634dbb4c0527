//go:build !linux

package runner

// Pin is a no-op where thread affinity is unsupported.
func (r *Runner) Pin() error { return nil }

// Unpin is a no-op where thread affinity is unsupported.
func (r *Runner) Unpin() {}

// AvailableCPUs returns nil where thread affinity is unsupported.
func AvailableCPUs() []int { return nil }
