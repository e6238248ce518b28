package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	defaultLeaseTTL   = 30 * time.Second
	defaultLeaseRetry = 50 * time.Millisecond
	maxLeaseRetry     = 500 * time.Millisecond
)

type leaseRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// KVLeaser grants per-workflow leases stored in a NATS KV bucket so that
// advancers in different processes exclude each other.
type KVLeaser struct {
	kv     jetstream.KeyValue
	owner  string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewKVLeaser opens or creates the lease bucket. Held leases are renewed in
// the background; one whose owner stops renewing may be taken over after ttl.
func NewKVLeaser(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration, logger *slog.Logger) (*KVLeaser, error) {
	if bucket == "" {
		bucket = BucketLeases
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	kv, err := getOrCreateBucket(ctx, js, bucket, 2*ttl)
	if err != nil {
		return nil, fmt.Errorf("create lease bucket: %w", err)
	}
	return &KVLeaser{
		kv:     kv,
		owner:  uuid.New().String(),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Owner returns the identity recorded in leases held by this leaser.
func (l *KVLeaser) Owner() string {
	return l.owner
}

// Lock acquires the lease for id, retrying with backoff until ctx is done.
// While held the lease is renewed every third of its TTL. unlock releases it;
// lost is closed if a renewal fails, after which the holder must stop
// mutating the workflow.
func (l *KVLeaser) Lock(ctx context.Context, id string) (unlock func(), lost <-chan struct{}, err error) {
	retry := defaultLeaseRetry
	for {
		rev, err := l.tryAcquire(ctx, id)
		if err == nil {
			h := l.hold(id, rev)
			return h.release, h.lost, nil
		}
		if !errors.Is(err, ErrLeaseHeld) {
			return nil, nil, err
		}

		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("%w: %s", ErrLeaseHeld, id)
		case <-time.After(retry):
		}
		retry *= 2
		if retry > maxLeaseRetry {
			retry = maxLeaseRetry
		}
	}
}

func (l *KVLeaser) tryAcquire(ctx context.Context, id string) (uint64, error) {
	data, err := json.Marshal(leaseRecord{Owner: l.owner, ExpiresAt: l.now().Add(l.ttl)})
	if err != nil {
		return 0, err
	}

	rev, err := l.kv.Create(ctx, id, data)
	if err == nil {
		return rev, nil
	}
	if !isRevisionMismatch(err) {
		return 0, fmt.Errorf("create lease: %w", err)
	}

	entry, err := l.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			// released in between; next attempt will Create
			return 0, ErrLeaseHeld
		}
		return 0, fmt.Errorf("get lease: %w", err)
	}
	var cur leaseRecord
	if err := json.Unmarshal(entry.Value(), &cur); err == nil && l.now().Before(cur.ExpiresAt) {
		return 0, ErrLeaseHeld
	}

	rev, err = l.kv.Update(ctx, id, data, entry.Revision())
	if err != nil {
		if isRevisionMismatch(err) {
			return 0, ErrLeaseHeld
		}
		return 0, fmt.Errorf("take over lease: %w", err)
	}
	l.logger.Warn("Took over expired workflow lease", "workflow_id", id, "previous_owner", cur.Owner)
	return rev, nil
}

// heldLease renews one acquired lease until released or lost.
type heldLease struct {
	l    *KVLeaser
	id   string
	rev  uint64 // written by renew only; read by release after done
	lost chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (l *KVLeaser) hold(id string, rev uint64) *heldLease {
	h := &heldLease{
		l:    l,
		id:   id,
		rev:  rev,
		lost: make(chan struct{}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go h.renew()
	return h
}

func (h *heldLease) renew() {
	defer close(h.done)
	every := h.l.ttl / 3
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	expires := h.l.now().Add(h.l.ttl)
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}
		rev, err := h.l.extend(h.id, h.rev, every)
		if err == nil {
			h.rev = rev
			expires = h.l.now().Add(h.l.ttl)
			continue
		}
		// a failed round trip may be retried while another tick still fits
		// before expiry; a revision mismatch means someone else owns it
		if !isRevisionMismatch(err) && h.l.now().Add(every).Before(expires) {
			h.l.logger.Warn("Workflow lease renewal failed, retrying", "workflow_id", h.id, "error", err)
			continue
		}
		h.l.logger.Error("Lost workflow lease", "workflow_id", h.id, "error", err)
		close(h.lost)
		return
	}
}

func (h *heldLease) release() {
	h.once.Do(func() {
		close(h.stop)
		<-h.done
		select {
		case <-h.lost:
			// another owner may hold it now
		default:
			h.l.release(h.id, h.rev)
		}
	})
}

// extend pushes the expiry of a lease we hold. The revision check fails if
// the lease was taken over.
func (l *KVLeaser) extend(id string, rev uint64, timeout time.Duration) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	data, err := json.Marshal(leaseRecord{Owner: l.owner, ExpiresAt: l.now().Add(l.ttl)})
	if err != nil {
		return 0, err
	}
	return l.kv.Update(ctx, id, data, rev)
}

func (l *KVLeaser) release(id string, rev uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.kv.Delete(ctx, id, jetstream.LastRevision(rev)); err != nil {
		// the lease expired and was taken over; nothing left to release
		l.logger.Warn("Failed to release workflow lease", "workflow_id", id, "error", err)
	}
}
