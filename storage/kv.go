package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/semflow/workflow"
	"github.com/nats-io/nats.go/jetstream"
)

// Default bucket names.
const (
	BucketWorkflows = "SEMFLOW_WORKFLOWS"
	BucketLeases    = "SEMFLOW_LEASES"
)

const defaultMaxRetries = 5

// KVStore is a Store backed by a NATS JetStream key-value bucket.
// Every write is a compare-and-swap on the entry revision, which doubles as
// the instance Version.
type KVStore struct {
	kv         jetstream.KeyValue
	maxRetries int
	now        func() time.Time
}

// NewKVStore opens or creates the workflow bucket.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string) (*KVStore, error) {
	if bucket == "" {
		bucket = BucketWorkflows
	}
	kv, err := getOrCreateBucket(ctx, js, bucket, 0)
	if err != nil {
		return nil, fmt.Errorf("create workflow bucket: %w", err)
	}
	return &KVStore{kv: kv, maxRetries: defaultMaxRetries, now: time.Now}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Semflow %s storage", strings.ToLower(name)),
		History:     5,
		TTL:         ttl,
	})
}

// Create stores a new instance. The id must be unused.
func (s *KVStore) Create(ctx context.Context, inst *workflow.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	rev, err := s.kv.Create(ctx, inst.ID, data)
	if err != nil {
		if isRevisionMismatch(err) {
			return fmt.Errorf("%w: %s", ErrExists, inst.ID)
		}
		return fmt.Errorf("store workflow: %w", err)
	}
	inst.Version = rev
	return nil
}

// Load returns the instance with Version set to the entry revision.
func (s *KVStore) Load(ctx context.Context, id string) (*workflow.Instance, error) {
	inst, _, err := s.get(ctx, id)
	return inst, err
}

func (s *KVStore) get(ctx context.Context, id string) (*workflow.Instance, uint64, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, 0, fmt.Errorf("get workflow: %w", err)
	}

	var inst workflow.Instance
	if err := json.Unmarshal(entry.Value(), &inst); err != nil {
		return nil, 0, fmt.Errorf("unmarshal workflow: %w", err)
	}
	inst.Version = entry.Revision()
	return &inst, entry.Revision(), nil
}

// List returns matching instances, newest first.
func (s *KVStore) List(ctx context.Context, filter Filter) ([]*workflow.Instance, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workflow keys: %w", err)
	}

	all := make([]*workflow.Instance, 0, len(keys))
	for _, key := range keys {
		inst, _, err := s.get(ctx, key)
		if err != nil {
			continue // deleted between Keys and Get
		}
		all = append(all, inst)
	}
	return filter.apply(all), nil
}

// ClaimTask implements Store.
func (s *KVStore) ClaimTask(ctx context.Context, workflowID, taskID string, version uint64) (*workflow.Instance, error) {
	return s.update(ctx, workflowID, version, claimTask(taskID))
}

// SaveTaskStatus implements Store.
func (s *KVStore) SaveTaskStatus(ctx context.Context, workflowID, taskID string, status workflow.TaskStatus, errorMessage string) error {
	_, err := s.update(ctx, workflowID, 0, taskStatus(taskID, status, errorMessage))
	return err
}

// SaveInstanceStatus implements Store.
func (s *KVStore) SaveInstanceStatus(ctx context.Context, workflowID string, status workflow.Status, failureReason string) error {
	_, err := s.update(ctx, workflowID, 0, instanceStatus(status, failureReason))
	return err
}

// MergeContext implements Store.
func (s *KVStore) MergeContext(ctx context.Context, workflowID string, partial workflow.Context) error {
	_, err := s.update(ctx, workflowID, 0, mergeContext(partial))
	return err
}

// update runs a read-modify-write loop against the entry revision. With a
// non-zero version the first mismatch is reported as ErrConflict; otherwise
// lost races are retried up to maxRetries times.
func (s *KVStore) update(ctx context.Context, id string, version uint64, fn mutation) (*workflow.Instance, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		inst, rev, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if version != 0 && rev != version {
			return nil, fmt.Errorf("%w: %s at revision %d, expected %d", ErrConflict, id, rev, version)
		}

		if err := fn(inst, s.now()); err != nil {
			return nil, err
		}
		data, err := json.Marshal(inst)
		if err != nil {
			return nil, fmt.Errorf("marshal workflow: %w", err)
		}

		newRev, err := s.kv.Update(ctx, id, data, rev)
		if err == nil {
			inst.Version = newRev
			return inst, nil
		}
		if !isRevisionMismatch(err) {
			return nil, fmt.Errorf("update workflow: %w", err)
		}
		if version != 0 {
			return nil, fmt.Errorf("%w: %s", ErrConflict, id)
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrConflict, id, s.maxRetries)
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

// isRevisionMismatch reports whether a KV write failed its expected-revision check.
func isRevisionMismatch(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
