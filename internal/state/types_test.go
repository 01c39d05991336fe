package state

import (
	"testing"
	"time"
)

func TestPermanentlyFailed(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		task      func() *Task
		permanent bool
		retryable bool
	}{
		{
			name:      "pending is neither",
			task:      func() *Task { return NewTask("a", "", "P0") },
			permanent: false,
			retryable: false,
		},
		{
			name: "failed with attempts left",
			task: func() *Task {
				tk := NewTask("a", "", "P0")
				tk.Status = StatusFailed
				tk.Attempts = 2
				return tk
			},
			permanent: false,
			retryable: true,
		},
		{
			name: "failed with attempts exhausted",
			task: func() *Task {
				tk := NewTask("a", "", "P0")
				tk.Status = StatusFailed
				tk.Attempts = 3
				return tk
			},
			permanent: true,
			retryable: false,
		},
		{
			name: "failed with dependency error",
			task: func() *Task {
				tk := NewTask("a", "", "P0")
				tk.Status = StatusFailed
				tk.RecordError(CategoryDependency, "blocked", now)
				return tk
			},
			permanent: true,
			retryable: false,
		},
		{
			name: "explicit zero max attempts",
			task: func() *Task {
				tk := NewTask("a", "", "P0")
				tk.Status = StatusFailed
				tk.SetMaxAttempts(0)
				tk.Attempts = 1
				return tk
			},
			permanent: true,
			retryable: false,
		},
		{
			name: "custom max attempts",
			task: func() *Task {
				tk := NewTask("a", "", "P0")
				tk.Status = StatusFailed
				tk.SetMaxAttempts(5)
				tk.Attempts = 3
				return tk
			},
			permanent: false,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := tt.task()
			if got := tk.PermanentlyFailed(); got != tt.permanent {
				t.Errorf("PermanentlyFailed() = %v, want %v", got, tt.permanent)
			}
			if got := tk.Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestPriorityRank(t *testing.T) {
	for prio, want := range map[string]int{"P0": 0, "P1": 1, "P2": 2, "": 9, "urgent": 9} {
		tk := NewTask("a", "", prio)
		if got := tk.PriorityRank(); got != want {
			t.Errorf("PriorityRank(%q) = %d, want %d", prio, got, want)
		}
	}
}

func TestMutateRefusesCompleted(t *testing.T) {
	doc := NewDocument(SessionConfig{}, time.Now())
	tk := NewTask("done", "", "P0")
	tk.Status = StatusCompleted
	if err := doc.AddTask(tk); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	err := doc.Mutate("done", func(t *Task) { t.Status = StatusPending })
	if err == nil {
		t.Fatal("expected error mutating completed task")
	}
	if tk.Status != StatusCompleted {
		t.Errorf("status changed to %q", tk.Status)
	}
}

func TestAddTaskRejectsDuplicate(t *testing.T) {
	doc := NewDocument(SessionConfig{}, time.Now())
	if err := doc.AddTask(NewTask("a", "", "P0")); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := doc.AddTask(NewTask("a", "", "P1")); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestLeaseLive(t *testing.T) {
	now := time.Now()
	tk := NewTask("a", "", "P0")
	tk.Status = StatusInProgress
	if !tk.LeaseLive(now) {
		t.Error("in_progress without lease should be live")
	}
	past := now.Add(-time.Minute)
	tk.LeaseExpiresAt = &past
	if tk.LeaseLive(now) {
		t.Error("expired lease should not be live")
	}
	future := now.Add(time.Minute)
	tk.LeaseExpiresAt = &future
	if !tk.LeaseLive(now) {
		t.Error("future lease should be live")
	}
}

func TestCloneIsDeep(t *testing.T) {
	tk := NewTask("a", "", "P0", "b")
	tk.Validation = &Validation{Command: "true"}
	tk.SetMaxAttempts(2)
	cp := tk.Clone()
	cp.DependsOn[0] = "z"
	cp.Validation.Command = "false"
	*cp.MaxAttempts = 9
	if tk.DependsOn[0] != "b" || tk.Validation.Command != "true" || *tk.MaxAttempts != 2 {
		t.Error("clone shares memory with original")
	}
}
