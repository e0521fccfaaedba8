// Package runner owns a process's local user population.
//
// A [Runner] holds the user classes, the running user instances and the
// population state machine:
//
//	init --start--> starting --ramp done--> running
//	running|starting --start--> starting --> running   (rescale)
//	running|starting --stop--> stopped
//	stopped --start--> starting                        (fresh cycle)
//	stopped --reset--> init
//
// Users are started and stopped one at a time at a bounded rate (the ramp).
// Which classes are started or stopped is decided by [Distribute], a
// largest-remainder apportionment of the requested count over class weights.
//
// # Ramps
//
// [Runner.Launch] runs a ramp pass in the background. Launching a new pass
// cancels and joins the previous one first, so two passes never touch the
// population at the same time:
//
//	if err := r.Launch(100, 10, nil); err != nil {
//		return err // invalid target
//	}
//
// # Local mode
//
// [Local] wraps a Runner for single-process runs and publishes test start and
// stop events around it. Distributed coordinators and workers live in the
// cluster package and build on the same Runner.
//
// # Errors
//
// Invalid targets and weights fail fast with a [*ConfigurationError]:
//
//	var cfgErr *runner.ConfigurationError
//	if errors.As(err, &cfgErr) { ... }
package runner
