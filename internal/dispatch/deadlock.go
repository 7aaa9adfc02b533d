package dispatch

import (
	"strings"

	"necrocode/internal/logging"
	"necrocode/internal/registry"
)

// DeadlockDetector periodically walks the dependency graph of
// non-terminal tasks looking for cycles. Detection is advisory: the
// dispatcher warns with the cycle path and a remediation hint but never
// breaks a cycle itself.
type DeadlockDetector struct {
	reg *registry.Registry
	log logging.Logger
}

// NewDeadlockDetector builds the detector.
func NewDeadlockDetector(reg *registry.Registry, log logging.Logger) *DeadlockDetector {
	return &DeadlockDetector{reg: reg, log: logging.OrNop(log)}
}

// Check scans every spec and returns the cycles found among
// non-terminal tasks, keyed by spec name.
func (d *DeadlockDetector) Check() map[string][]string {
	specs, err := d.reg.ListSpecs()
	if err != nil {
		d.log.Warn("deadlock check: list specs: %v", err)
		return nil
	}

	found := make(map[string][]string)
	for _, spec := range specs {
		ts, err := d.reg.GetTaskset(spec)
		if err != nil {
			d.log.Warn("deadlock check: read %s: %v", spec, err)
			continue
		}
		if cycle := findActiveCycle(ts); cycle != nil {
			found[spec] = cycle
			d.log.Warn("deadlock suspected in %s: cycle %s; edit tasks.md or reopen/update the tasks to break the cycle",
				spec, strings.Join(cycle, " -> "))
		}
	}
	if len(found) == 0 {
		return nil
	}
	return found
}

// findActiveCycle is a DFS over non-terminal tasks only; edges through
// DONE/FAILED tasks cannot deadlock anything.
func findActiveCycle(ts *registry.Taskset) []string {
	active := make(map[string][]string)
	for _, t := range ts.Tasks {
		if t.State.IsTerminal() {
			continue
		}
		var deps []string
		for _, dep := range t.Dependencies {
			if depTask := ts.Task(dep); depTask != nil && !depTask.State.IsTerminal() {
				deps = append(deps, dep)
			}
		}
		active[t.ID] = deps
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(active))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range active[id] {
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for id := range active {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
