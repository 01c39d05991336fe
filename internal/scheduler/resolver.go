package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gammazero/toposort"

	"github.com/aristath/harness/internal/state"
)

// ResolutionKind says why the resolver failed a task.
type ResolutionKind string

const (
	KindCycle   ResolutionKind = "cycle"
	KindMissing ResolutionKind = "missing"
	KindBlocked ResolutionKind = "blocked"
)

// Resolution records one task the resolver marked terminally failed.
type Resolution struct {
	TaskID  string
	Kind    ResolutionKind
	Path    []string // cycle path, or the dependency that blocked the task
	Message string
}

// Report is the outcome of one Resolve call.
type Report struct {
	Resolutions []Resolution
	Passes      int // blocked-propagation passes until the fixed point
}

// Changed reports whether Resolve modified the document.
func (r Report) Changed() bool { return len(r.Resolutions) > 0 }

// Resolve marks tasks that can never run as failed with a DEPENDENCY error:
// tasks whose dependencies loop back to themselves, tasks that depend on
// unknown ids, and tasks downstream of a permanently failed dependency.
// Propagation repeats until a pass changes nothing, so running Resolve on
// its own output is a no-op.
func Resolve(doc *state.Document, now time.Time) Report {
	var report Report
	idx := doc.Index()

	for _, task := range sortedTasks(doc) {
		if !resolvable(task) {
			continue
		}
		for _, depID := range task.DependsOn {
			if _, ok := idx[depID]; !ok {
				msg := fmt.Sprintf("depends on unknown task %q", depID)
				fail(task, msg, now)
				report.Resolutions = append(report.Resolutions, Resolution{
					TaskID: task.ID, Kind: KindMissing, Path: []string{depID}, Message: msg,
				})
				break
			}
		}
	}

	if hasCycle(doc, idx) {
		for _, task := range sortedTasks(doc) {
			if !resolvable(task) {
				continue
			}
			path := cyclePath(task.ID, idx)
			if path == nil {
				continue
			}
			msg := "dependency cycle: " + strings.Join(path, " -> ")
			fail(task, msg, now)
			report.Resolutions = append(report.Resolutions, Resolution{
				TaskID: task.ID, Kind: KindCycle, Path: path, Message: msg,
			})
		}
	}

	for {
		report.Passes++
		changed := false
		for _, task := range sortedTasks(doc) {
			if !resolvable(task) {
				continue
			}
			for _, depID := range task.DependsOn {
				dep, ok := idx[depID]
				if !ok || !dep.PermanentlyFailed() {
					continue
				}
				msg := fmt.Sprintf("blocked by permanently failed dependency %q", depID)
				fail(task, msg, now)
				report.Resolutions = append(report.Resolutions, Resolution{
					TaskID: task.ID, Kind: KindBlocked, Path: []string{depID}, Message: msg,
				})
				changed = true
				break
			}
		}
		if !changed {
			break
		}
	}

	return report
}

// Blocked returns the ids of pending tasks whose dependency chain reaches a
// permanently failed task. It is computed, never stored.
func Blocked(doc *state.Document) []string {
	idx := doc.Index()
	memo := make(map[string]bool)
	visiting := make(map[string]bool)

	var dead func(id string) bool
	dead = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		task, ok := idx[id]
		if !ok {
			return true
		}
		if task.PermanentlyFailed() {
			memo[id] = true
			return true
		}
		if visiting[id] {
			return true
		}
		visiting[id] = true
		result := false
		for _, depID := range task.DependsOn {
			if dead(depID) {
				result = true
				break
			}
		}
		visiting[id] = false
		memo[id] = result
		return result
	}

	var blocked []string
	for _, task := range doc.Tasks {
		if task.Status != state.StatusPending {
			continue
		}
		for _, depID := range task.DependsOn {
			if dead(depID) {
				blocked = append(blocked, task.ID)
				break
			}
		}
	}
	sort.Strings(blocked)
	return blocked
}

// resolvable reports whether the resolver may act on task: only tasks that
// are not owned by a worker, not completed and not already terminal.
func resolvable(task *state.Task) bool {
	switch task.Status {
	case state.StatusPending:
		return true
	case state.StatusFailed:
		return !task.PermanentlyFailed()
	}
	return false
}

func fail(task *state.Task, msg string, now time.Time) {
	task.Status = state.StatusFailed
	task.ClearClaim()
	task.RecordError(state.CategoryDependency, msg, now)
}

// hasCycle runs a topological sort over the non-completed subgraph.
// It is a cheap gate in front of the per-task walk.
func hasCycle(doc *state.Document, idx map[string]*state.Task) bool {
	var edges []toposort.Edge
	for _, task := range doc.Tasks {
		if task.Status == state.StatusCompleted {
			continue
		}
		edges = append(edges, toposort.Edge{nil, task.ID})
		for _, depID := range task.DependsOn {
			dep, ok := idx[depID]
			if !ok || dep.Status == state.StatusCompleted {
				continue
			}
			// Edge (depID, taskID) means depID must come before taskID
			edges = append(edges, toposort.Edge{depID, task.ID})
		}
	}
	_, err := toposort.Toposort(edges)
	return err != nil
}

// cyclePath walks depends_on from origin over non-completed tasks and returns
// the path back to origin, or nil when origin is not on a cycle.
func cyclePath(origin string, idx map[string]*state.Task) []string {
	visited := make(map[string]bool)
	var path []string

	var walk func(id string) bool
	walk = func(id string) bool {
		task, ok := idx[id]
		if !ok || task.Status == state.StatusCompleted {
			return false
		}
		path = append(path, id)
		for _, depID := range task.DependsOn {
			if depID == origin {
				path = append(path, origin)
				return true
			}
			if visited[depID] {
				continue
			}
			visited[depID] = true
			if walk(depID) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	visited[origin] = true
	if walk(origin) {
		return path
	}
	return nil
}

func sortedTasks(doc *state.Document) []*state.Task {
	tasks := append([]*state.Task(nil), doc.Tasks...)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}
