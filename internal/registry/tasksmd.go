package registry

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var stateMarks = map[State]string{
	StateReady:   " ",
	StateBlocked: " ",
	StateRunning: "~",
	StateDone:    "x",
	StateFailed:  "!",
}

// RenderMarkdown produces the human-readable tasks.md mirror of a
// taskset: a checklist grouped in id order with state, skill and
// dependency annotations.
func RenderMarkdown(ts *Taskset) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Tasks: %s\n\n", ts.SpecName)
	fmt.Fprintf(&b, "Version %d, updated %s.\n\n", ts.Version, ts.UpdatedAt.Format("2006-01-02 15:04:05 MST"))

	for _, t := range ts.Tasks {
		mark := stateMarks[t.State]
		if mark == "" {
			mark = " "
		}
		fmt.Fprintf(&b, "- [%s] **%s** %s (%s", mark, t.ID, t.Title, t.State)
		if t.RequiredSkill != "" {
			fmt.Fprintf(&b, ", skill: %s", t.RequiredSkill)
		}
		if t.Priority != 0 {
			fmt.Fprintf(&b, ", priority: %d", t.Priority)
		}
		b.WriteString(")\n")
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(&b, "  - depends on: %s\n", strings.Join(t.Dependencies, ", "))
		}
		for _, crit := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "  - [ ] %s\n", crit)
		}
	}
	return b.String()
}

// SyncMarkdown writes the markdown mirror to path, skipping the write
// when the content is already up to date so repeated syncs are
// idempotent and do not churn mtimes.
func SyncMarkdown(ts *Taskset, path string) (changed bool, err error) {
	want := RenderMarkdown(ts)
	have, readErr := os.ReadFile(path)
	if readErr == nil && string(have) == want {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(want), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// taskLinePattern matches checklist entries in the tasks.md format, e.g.
// "- [x] **1.2** Add parser (DONE, skill: backend, priority: 5)".
var (
	taskLinePattern = regexp.MustCompile(`^- \[(.)\] \*\*([^*]+)\*\* (.+?)(?: \(([^)]*)\))?$`)
	dependsPattern  = regexp.MustCompile(`^\s+- depends on: (.+)$`)
)

// checkbox marks map to the sync state a human asserts in tasks.md.
var marksToState = map[string]State{
	"x": StateDone,
	"~": StateRunning,
	"!": StateFailed,
	" ": StateReady,
}

// MarkdownEntry is one task parsed from a tasks.md document.
type MarkdownEntry struct {
	ID           string
	Title        string
	State        State
	Skill        string
	Priority     int
	Dependencies []string
}

// ParseMarkdown extracts task entries from a tasks.md document.
func ParseMarkdown(content string) ([]MarkdownEntry, error) {
	var entries []MarkdownEntry
	for _, line := range strings.Split(content, "\n") {
		if m := taskLinePattern.FindStringSubmatch(line); m != nil {
			state, ok := marksToState[m[1]]
			if !ok {
				return nil, fmt.Errorf("unknown checkbox mark %q on task %s", m[1], m[2])
			}
			entry := MarkdownEntry{ID: m[2], Title: strings.TrimSpace(m[3]), State: state}
			for _, part := range strings.Split(m[4], ",") {
				part = strings.TrimSpace(part)
				switch {
				case strings.HasPrefix(part, "skill: "):
					entry.Skill = strings.TrimPrefix(part, "skill: ")
				case strings.HasPrefix(part, "priority: "):
					fmt.Sscanf(strings.TrimPrefix(part, "priority: "), "%d", &entry.Priority)
				}
			}
			entries = append(entries, entry)
			continue
		}
		if m := dependsPattern.FindStringSubmatch(line); m != nil && len(entries) > 0 {
			for _, dep := range strings.Split(m[1], ",") {
				entries[len(entries)-1].Dependencies = append(entries[len(entries)-1].Dependencies, strings.TrimSpace(dep))
			}
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no task entries found")
	}
	return entries, nil
}

// SyncReport summarizes a tasks.md sync.
type SyncReport struct {
	Added   []string
	Updated []string
	// Removed lists tasks present in the registry but absent from the
	// document; they are reported, never auto-deleted.
	Removed []string
}

// Changed reports whether the sync modified the taskset.
func (r *SyncReport) Changed() bool {
	return len(r.Added) > 0 || len(r.Updated) > 0
}

// SyncFromMarkdown reconciles a taskset with a human-edited tasks.md:
// new entries are added, existing ones updated in place (title, skill,
// priority, dependencies, checkbox state), and registry tasks missing
// from the document are reported but kept. The sync is idempotent; an
// unchanged document leaves the version untouched.
func (r *Registry) SyncFromMarkdown(ctx context.Context, spec, content string) (*SyncReport, error) {
	entries, err := ParseMarkdown(content)
	if err != nil {
		return nil, fmt.Errorf("parse tasks.md for %s: %w", spec, err)
	}

	report := &SyncReport{}
	var events []Event
	err = r.withWriteLock(ctx, spec, func() error {
		ts, err := r.GetTaskset(spec)
		if err != nil {
			return err
		}

		// validate the merged dependency graph before mutating
		merged := make([]Definition, 0, len(entries))
		known := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			merged = append(merged, Definition{ID: e.ID, Dependencies: e.Dependencies})
			known[e.ID] = struct{}{}
		}
		for _, t := range ts.Tasks {
			if _, ok := known[t.ID]; !ok {
				merged = append(merged, Definition{ID: t.ID, Dependencies: t.Dependencies})
				known[t.ID] = struct{}{}
			}
		}
		for _, def := range merged {
			for _, dep := range def.Dependencies {
				if _, ok := known[dep]; !ok {
					return fmt.Errorf("task %s depends on unknown task %s", def.ID, dep)
				}
			}
		}
		if cycle := findCycle(merged); cycle != nil {
			return &CircularDependencyError{Cycle: cycle}
		}

		now := time.Now().UTC()
		for _, entry := range entries {
			task := ts.Task(entry.ID)
			if task == nil {
				state := entry.State
				if state == StateReady && len(entry.Dependencies) > 0 {
					state = StateBlocked
				}
				ts.Tasks = append(ts.Tasks, &Task{
					ID:            entry.ID,
					Title:         entry.Title,
					Dependencies:  entry.Dependencies,
					RequiredSkill: entry.Skill,
					Priority:      entry.Priority,
					State:         state,
					CreatedAt:     now,
					UpdatedAt:     now,
				})
				report.Added = append(report.Added, entry.ID)
				events = append(events, Event{
					Timestamp: now, SpecName: spec, TaskID: entry.ID,
					Type:    EventTaskCreated,
					Details: map[string]any{"state": string(state), "source": "tasks.md"},
				})
				continue
			}

			changed := false
			if task.Title != entry.Title {
				task.Title = entry.Title
				changed = true
			}
			if entry.Skill != "" && task.RequiredSkill != entry.Skill {
				task.RequiredSkill = entry.Skill
				changed = true
			}
			if entry.Priority != 0 && task.Priority != entry.Priority {
				task.Priority = entry.Priority
				changed = true
			}
			if !stringSlicesEqual(task.Dependencies, entry.Dependencies) {
				task.Dependencies = entry.Dependencies
				changed = true
			}
			// BLOCKED renders unchecked like READY; only a real
			// divergence counts
			if entry.State != task.State && !(entry.State == StateReady && task.State == StateBlocked) {
				task.State = entry.State
				if entry.State != StateRunning {
					task.Assignment = Assignment{}
				}
				changed = true
			}
			if changed {
				task.UpdatedAt = now
				report.Updated = append(report.Updated, task.ID)
				events = append(events, Event{
					Timestamp: now, SpecName: spec, TaskID: task.ID,
					Type:    EventTaskUpdated,
					Details: map[string]any{"source": "tasks.md"},
				})
			}
		}

		// resolution pass: anything left BLOCKED with all deps DONE
		// becomes READY
		addedSet := make(map[string]struct{}, len(report.Added))
		for _, id := range report.Added {
			addedSet[id] = struct{}{}
		}
		resolvedAny := false
		for _, t := range ts.Tasks {
			if t.State == StateBlocked && allDependenciesDone(ts, t) {
				t.State = StateReady
				t.UpdatedAt = now
				resolvedAny = true
				if _, justAdded := addedSet[t.ID]; !justAdded {
					report.Updated = appendUnique(report.Updated, t.ID)
				}
				events = append(events, Event{
					Timestamp: now, SpecName: spec, TaskID: t.ID,
					Type:    EventTaskReady,
					Details: map[string]any{"source": "tasks.md"},
				})
			}
		}

		inDoc := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			inDoc[e.ID] = struct{}{}
		}
		for _, t := range ts.Tasks {
			if _, ok := inDoc[t.ID]; !ok {
				report.Removed = append(report.Removed, t.ID)
			}
		}

		if !report.Changed() && !resolvedAny {
			events = nil
			return nil
		}
		ts.Version++
		ts.UpdatedAt = now
		return r.writeTaskset(ts)
	})
	if err != nil {
		return nil, err
	}

	r.journal.append(spec, events)
	return report, nil
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
