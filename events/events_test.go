package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/c360studio/semflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_Recorder(t *testing.T) {
	var rec Recorder
	ev := workflow.TaskEvent{
		WorkflowID: "wf-1",
		TaskID:     "book",
		TaskType:   workflow.TaskTypeExecute,
		Status:     workflow.TaskStatusCompleted,
		Timestamp:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, Publish(context.Background(), &rec, workflow.TaskCompleted, ev))

	msgs := rec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "workflow.events.task.completed", msgs[0].Subject)

	var decoded workflow.TaskEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	assert.Equal(t, ev, decoded)
}

func TestPublish_NilPublisher(t *testing.T) {
	assert.NoError(t, Publish(context.Background(), nil, workflow.WorkflowStarted, workflow.WorkflowEvent{}))
	assert.NoError(t, Publish(context.Background(), Nop{}, workflow.WorkflowStarted, workflow.WorkflowEvent{}))
}
