package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(id string, status TaskStatus, deps ...string) Task {
	return Task{ID: id, Type: TaskTypeGather, Status: status, DependsOn: deps}
}

func TestNextEligibleTask(t *testing.T) {
	tests := []struct {
		name  string
		tasks []Task
		want  string
	}{
		{
			name:  "first pending without deps",
			tasks: []Task{task("a", TaskStatusPending), task("b", TaskStatusPending)},
			want:  "a",
		},
		{
			name: "unmet dependency skipped regardless of position",
			tasks: []Task{
				task("b", TaskStatusPending, "a"),
				task("a", TaskStatusPending),
			},
			want: "a",
		},
		{
			name: "dependency completed",
			tasks: []Task{
				task("a", TaskStatusCompleted),
				task("b", TaskStatusPending, "a"),
			},
			want: "b",
		},
		{
			name: "skipped dependency does not satisfy",
			tasks: []Task{
				task("a", TaskStatusSkipped),
				task("b", TaskStatusPending, "a"),
			},
			want: "",
		},
		{
			name:  "missing dependency is ineligible",
			tasks: []Task{task("b", TaskStatusPending, "ghost")},
			want:  "",
		},
		{
			name: "failed dependency blocks",
			tasks: []Task{
				task("a", TaskStatusFailed),
				task("b", TaskStatusPending, "a"),
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextEligibleTask(tt.tasks)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestNextEligibleTask_NeverSelectsUnmetDependencies(t *testing.T) {
	statuses := []TaskStatus{TaskStatusPending, TaskStatusActive, TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped}
	// every combination of statuses over a three-task chain c -> b -> a
	for _, sa := range statuses {
		for _, sb := range statuses {
			for _, sc := range statuses {
				tasks := []Task{
					task("c", sc, "b"),
					task("b", sb, "a"),
					task("a", sa),
				}
				got := NextEligibleTask(tasks)
				if got == nil {
					continue
				}
				for _, dep := range got.DependsOn {
					for _, other := range tasks {
						if other.ID == dep {
							assert.Equal(t, TaskStatusCompleted, other.Status, "selected %s with dep %s", got.ID, dep)
						}
					}
				}
			}
		}
	}
}

func TestTaskToRun_ActiveTakesPrecedence(t *testing.T) {
	tasks := []Task{
		task("a", TaskStatusPending),
		task("b", TaskStatusActive),
	}
	got := TaskToRun(tasks)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.ID)
}

func TestStalledVersusDone(t *testing.T) {
	done := []Task{task("a", TaskStatusCompleted), task("b", TaskStatusSkipped)}
	assert.True(t, AllDone(done))
	assert.False(t, Stalled(done))

	stuck := []Task{task("a", TaskStatusFailed), task("b", TaskStatusPending, "a")}
	assert.False(t, AllDone(stuck))
	assert.True(t, Stalled(stuck))
}

func TestValidatePlan(t *testing.T) {
	exec := Task{ID: "x", Type: TaskTypeExecute, Action: &Action{Kind: ActionScheduleMeeting}}

	tests := []struct {
		name    string
		tasks   []Task
		wantErr string
	}{
		{"valid", []Task{task("a", TaskStatusPending), task("b", TaskStatusPending, "a"), exec}, ""},
		{"empty", nil, "no tasks"},
		{"duplicate", []Task{task("a", TaskStatusPending), task("a", TaskStatusPending)}, "duplicate task id a"},
		{"dangling", []Task{task("a", TaskStatusPending, "ghost")}, "depends on non-existent task ghost"},
		{"cycle", []Task{task("a", TaskStatusPending, "b"), task("b", TaskStatusPending, "a")}, "circular dependency"},
		{"self cycle", []Task{task("a", TaskStatusPending, "a")}, "circular dependency"},
		{"bad type", []Task{{ID: "a", Type: "dance"}}, "unknown type"},
		{"execute without action", []Task{{ID: "a", Type: TaskTypeExecute}}, "no valid action"},
		{"execute with unknown action", []Task{{ID: "a", Type: TaskTypeExecute, Action: &Action{Kind: "teleport"}}}, "no valid action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlan(tt.tasks)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPlan))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
