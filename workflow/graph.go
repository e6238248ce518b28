package workflow

import (
	"errors"
	"fmt"
)

// ErrInvalidPlan is returned when a task list cannot form an executable plan.
var ErrInvalidPlan = errors.New("invalid plan")

// ActiveTask returns the first task left active by a previous step, or nil.
func ActiveTask(tasks []Task) *Task {
	for i := range tasks {
		if tasks[i].Status == TaskStatusActive {
			return &tasks[i]
		}
	}
	return nil
}

// NextEligibleTask returns the first pending task, in stored order, whose
// dependencies all exist and are completed. A dependency that is missing or
// in any other status makes the task ineligible; it is skipped over, not failed.
func NextEligibleTask(tasks []Task) *Task {
	status := make(map[string]TaskStatus, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}

	for i := range tasks {
		t := &tasks[i]
		if t.Status != TaskStatusPending {
			continue
		}
		if dependenciesMet(t, status) {
			return t
		}
	}
	return nil
}

func dependenciesMet(t *Task, status map[string]TaskStatus) bool {
	for _, dep := range t.DependsOn {
		s, ok := status[dep]
		if !ok || s != TaskStatusCompleted {
			return false
		}
	}
	return true
}

// TaskToRun returns the task the next step should work on: an active task
// resumes before any pending one is started.
func TaskToRun(tasks []Task) *Task {
	if t := ActiveTask(tasks); t != nil {
		return t
	}
	return NextEligibleTask(tasks)
}

// AllDone returns true when every task is completed or skipped.
func AllDone(tasks []Task) bool {
	for _, t := range tasks {
		if !t.Status.IsDone() {
			return false
		}
	}
	return true
}

// Stalled returns true when no task can run and the plan is not done.
func Stalled(tasks []Task) bool {
	return TaskToRun(tasks) == nil && !AllDone(tasks)
}

// ValidatePlan checks that task IDs are unique, every dependency refers to
// a task in the same plan, the dependency graph is acyclic, and every
// execute task carries a known action.
func ValidatePlan(tasks []Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("%w: plan has no tasks", ErrInvalidPlan)
	}

	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task with empty id", ErrInvalidPlan)
		}
		if _, dup := inDegree[t.ID]; dup {
			return fmt.Errorf("%w: duplicate task id %s", ErrInvalidPlan, t.ID)
		}
		if !t.Type.IsValid() {
			return fmt.Errorf("%w: task %s has unknown type %q", ErrInvalidPlan, t.ID, t.Type)
		}
		if t.Type == TaskTypeExecute {
			if t.Action == nil || !t.Action.Kind.IsValid() {
				return fmt.Errorf("%w: execute task %s has no valid action", ErrInvalidPlan, t.ID)
			}
		}
		inDegree[t.ID] = 0
	}

	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := inDegree[dep]; !ok {
				return fmt.Errorf("%w: task %s depends on non-existent task %s", ErrInvalidPlan, t.ID, dep)
			}
			inDegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	// Kahn's algorithm
	var queue []string
	for _, t := range tasks {
		if inDegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(tasks) {
		return fmt.Errorf("%w: circular dependency detected: %d tasks could not be ordered",
			ErrInvalidPlan, len(tasks)-processed)
	}
	return nil
}
