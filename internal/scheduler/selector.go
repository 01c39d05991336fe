package scheduler

import (
	"sort"

	"github.com/aristath/harness/internal/state"
)

// Candidates returns every eligible task in selection order: first pending
// tasks whose dependencies are all completed (priority, then id), then failed
// tasks with attempts left whose dependencies are all completed (priority,
// then oldest failure, then id). New work always precedes retries.
func Candidates(doc *state.Document) []*state.Task {
	idx := doc.Index()

	var pending, retry []*state.Task
	for _, task := range doc.Tasks {
		if !dependenciesCompleted(task, idx) {
			continue
		}
		switch {
		case task.Status == state.StatusPending:
			pending = append(pending, task)
		case task.Retryable():
			retry = append(retry, task)
		}
	}

	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.PriorityRank() != b.PriorityRank() {
			return a.PriorityRank() < b.PriorityRank()
		}
		return a.ID < b.ID
	})

	sort.SliceStable(retry, func(i, j int) bool {
		a, b := retry[i], retry[j]
		if a.PriorityRank() != b.PriorityRank() {
			return a.PriorityRank() < b.PriorityRank()
		}
		if !a.LastFailure().Equal(b.LastFailure()) {
			return a.LastFailure().Before(b.LastFailure())
		}
		return a.ID < b.ID
	})

	return append(pending, retry...)
}

// Select returns the next task to run, or false when no task is eligible.
func Select(doc *state.Document) (*state.Task, bool) {
	candidates := Candidates(doc)
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[0], true
}

// Eligible counts pending and retryable tasks that could be selected now.
func Eligible(doc *state.Document) (pending, retryable int) {
	for _, task := range Candidates(doc) {
		if task.Status == state.StatusPending {
			pending++
		} else {
			retryable++
		}
	}
	return pending, retryable
}

func dependenciesCompleted(task *state.Task, idx map[string]*state.Task) bool {
	for _, depID := range task.DependsOn {
		dep, ok := idx[depID]
		if !ok || dep.Status != state.StatusCompleted {
			return false
		}
	}
	return true
}
