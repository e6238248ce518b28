// Package storage persists workflow instances. It provides the Store
// contract used by the executor, an in-memory implementation and one
// backed by NATS JetStream KV.
package storage

import (
	"context"
	"sort"
	"time"

	"github.com/c360studio/semflow/workflow"
)

// Store loads and saves workflow instances.
//
// Mutations are applied atomically per call. ClaimTask additionally
// requires that the instance is still at the given version, which lets two
// advancers that loaded the same snapshot detect each other.
type Store interface {
	Create(ctx context.Context, inst *workflow.Instance) error
	Load(ctx context.Context, id string) (*workflow.Instance, error)
	List(ctx context.Context, filter Filter) ([]*workflow.Instance, error)

	// ClaimTask marks a task active, and the instance active if it was
	// still planning, provided the stored version equals version.
	ClaimTask(ctx context.Context, workflowID, taskID string, version uint64) (*workflow.Instance, error)

	SaveTaskStatus(ctx context.Context, workflowID, taskID string, status workflow.TaskStatus, errorMessage string) error
	SaveInstanceStatus(ctx context.Context, workflowID string, status workflow.Status, failureReason string) error

	// MergeContext applies an additive merge; existing keys are never deleted.
	MergeContext(ctx context.Context, workflowID string, partial workflow.Context) error
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	ConversationID string
	TemplateID     string
	Status         workflow.Status
	Limit          int
}

// Match reports whether inst satisfies the filter.
func (f Filter) Match(inst *workflow.Instance) bool {
	if f.ConversationID != "" && inst.ConversationID != f.ConversationID {
		return false
	}
	if f.TemplateID != "" && inst.TemplateID != f.TemplateID {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}

// apply filters, orders newest first and truncates a result set.
func (f Filter) apply(all []*workflow.Instance) []*workflow.Instance {
	out := make([]*workflow.Instance, 0, len(all))
	for _, inst := range all {
		if f.Match(inst) {
			out = append(out, inst)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// mutation changes an instance in place.
type mutation func(inst *workflow.Instance, now time.Time) error

func claimTask(taskID string) mutation {
	return func(inst *workflow.Instance, now time.Time) error {
		if err := inst.SetTaskStatus(taskID, workflow.TaskStatusActive, "", now); err != nil {
			return err
		}
		if inst.Status == workflow.StatusPlanning {
			return inst.SetStatus(workflow.StatusActive, "", now)
		}
		return nil
	}
}

func taskStatus(taskID string, status workflow.TaskStatus, msg string) mutation {
	return func(inst *workflow.Instance, now time.Time) error {
		if t := inst.Task(taskID); t != nil && t.Status == status && status != workflow.TaskStatusActive {
			return nil
		}
		return inst.SetTaskStatus(taskID, status, msg, now)
	}
}

func instanceStatus(status workflow.Status, reason string) mutation {
	return func(inst *workflow.Instance, now time.Time) error {
		return inst.SetStatus(status, reason, now)
	}
}

func mergeContext(partial workflow.Context) mutation {
	return func(inst *workflow.Instance, now time.Time) error {
		inst.MergeContext(partial, now)
		return nil
	}
}
