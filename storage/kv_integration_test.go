//go:build integration

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/semflow/natstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore(t *testing.T) {
	tc := natstest.NewTestClient(t)
	var n atomic.Int32
	runStoreSuite(t, func(t *testing.T) Store {
		// a fresh bucket per subtest keeps List assertions isolated
		bucket := "TEST_WORKFLOWS_" + string(rune('A'+n.Add(1)))
		s, err := NewKVStore(context.Background(), tc.JS, bucket)
		require.NoError(t, err)
		return s
	})
}

func TestKVLeaser_ExcludesSecondOwner(t *testing.T) {
	tc := natstest.NewTestClient(t)
	ctx := context.Background()

	a, err := NewKVLeaser(ctx, tc.JS, "TEST_LEASES", time.Minute, nil)
	require.NoError(t, err)
	b, err := NewKVLeaser(ctx, tc.JS, "TEST_LEASES", time.Minute, nil)
	require.NoError(t, err)
	require.NotEqual(t, a.Owner(), b.Owner())

	unlock, _, err := a.Lock(ctx, "wf-1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, _, err = b.Lock(waitCtx, "wf-1")
	assert.True(t, errors.Is(err, ErrLeaseHeld))

	// other workflows are independent
	unlockOther, _, err := b.Lock(ctx, "wf-2")
	require.NoError(t, err)
	unlockOther()

	unlock()
	unlockB, _, err := b.Lock(ctx, "wf-1")
	require.NoError(t, err)
	unlockB()
}

func TestKVLeaser_TakesOverExpiredLease(t *testing.T) {
	tc := natstest.NewTestClient(t)
	ctx := context.Background()

	b, err := NewKVLeaser(ctx, tc.JS, "TEST_LEASES_TTL", 100*time.Millisecond, nil)
	require.NoError(t, err)

	// a crashed owner leaves a lease nobody renews
	stale, err := json.Marshal(leaseRecord{Owner: "crashed", ExpiresAt: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	_, err = b.kv.Create(ctx, "wf-1", stale)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	unlock, lost, err := b.Lock(waitCtx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, lost)
	unlock()
}

func TestKVLeaser_RenewsWhileHeld(t *testing.T) {
	tc := natstest.NewTestClient(t)
	ctx := context.Background()

	ttl := 300 * time.Millisecond
	a, err := NewKVLeaser(ctx, tc.JS, "TEST_LEASES_RENEW", ttl, nil)
	require.NoError(t, err)
	b, err := NewKVLeaser(ctx, tc.JS, "TEST_LEASES_RENEW", ttl, nil)
	require.NoError(t, err)

	unlock, lost, err := a.Lock(ctx, "wf-1")
	require.NoError(t, err)

	// well past the original expiry
	time.Sleep(4 * ttl)
	waitCtx, cancel := context.WithTimeout(ctx, 2*ttl)
	defer cancel()
	_, _, err = b.Lock(waitCtx, "wf-1")
	assert.ErrorIs(t, err, ErrLeaseHeld)

	select {
	case <-lost:
		t.Fatal("renewed lease reported lost")
	default:
	}

	unlock()
	unlockB, _, err := b.Lock(ctx, "wf-1")
	require.NoError(t, err)
	unlockB()
}

func TestKVLeaser_ReportsLostLease(t *testing.T) {
	tc := natstest.NewTestClient(t)
	ctx := context.Background()

	a, err := NewKVLeaser(ctx, tc.JS, "TEST_LEASES_LOST", 300*time.Millisecond, nil)
	require.NoError(t, err)

	unlock, lost, err := a.Lock(ctx, "wf-1")
	require.NoError(t, err)
	defer unlock()

	// someone else rewrites the lease; the next renewal fails its revision check
	other, err := json.Marshal(leaseRecord{Owner: "other", ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	_, err = a.kv.Put(ctx, "wf-1", other)
	require.NoError(t, err)

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("lost lease was not reported")
	}

	// release after loss must leave the new owner's lease alone
	unlock()
	entry, err := a.kv.Get(ctx, "wf-1")
	require.NoError(t, err)
	var rec leaseRecord
	require.NoError(t, json.Unmarshal(entry.Value(), &rec))
	assert.Equal(t, "other", rec.Owner)
}

func TestKVLeaser_MutualExclusion(t *testing.T) {
	tc := natstest.NewTestClient(t)
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		l, err := NewKVLeaser(ctx, tc.JS, "TEST_LEASES_MX", time.Minute, nil)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, _, err := l.Lock(ctx, "wf")
			if !assert.NoError(t, err) {
				return
			}
			cur := inside.Add(1)
			for {
				m := maxInside.Load()
				if cur <= m || maxInside.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}
