package accounts

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antigravity-bridge/proxy/internal/credstore"
	"github.com/antigravity-bridge/proxy/internal/quota"
)

func testPool(t *testing.T, autoSwitch bool) *Pool {
	t.Helper()
	store := credstore.New(credstore.NewStaticKeySource("primary", key(1)))
	return NewPool(store, nil, autoSwitch)
}

func TestPollerForcePollPublishesQuotaUpdated(t *testing.T) {
	pool := testPool(t, false)
	acct, err := pool.Add("gemini", "a@example.com", "A", "", "proj-1", []byte("cred"), false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	fetch := func(ctx context.Context, a *Account) (map[string]quota.ModelUsage, error) {
		return map[string]quota.ModelUsage{
			"gemini-2.5-pro": {Percentage: 80},
		}, nil
	}

	poller := NewPoller(pool, fetch, time.Hour)
	events := pool.Subscribe()

	poller.ForcePoll(context.Background())

	select {
	case ev := <-events:
		if ev.Kind != EventQuotaUpdated || ev.AccountID != acct.ID {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for quota_updated event")
	}

	got := pool.Get(acct.ID)
	if got.Quota.Models["gemini-2.5-pro"].Percentage != 80 {
		t.Fatalf("quota not applied: %+v", got.Quota)
	}
}

func TestPollerSkipsErrorAccounts(t *testing.T) {
	pool := testPool(t, false)
	acct, err := pool.Add("gemini", "a@example.com", "A", "", "proj-1", []byte("cred"), false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	pool.MarkError(acct.ID, "bad creds")

	var calls int32
	fetch := func(ctx context.Context, a *Account) (map[string]quota.ModelUsage, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]quota.ModelUsage{}, nil
	}

	poller := NewPoller(pool, fetch, time.Hour)
	poller.ForcePoll(context.Background())

	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected error-status account to be skipped, got %d fetch calls", calls)
	}
}

func TestPollerZeroPercentageMarksRateLimited(t *testing.T) {
	pool := testPool(t, false)
	acct, err := pool.Add("gemini", "a@example.com", "A", "", "proj-1", []byte("cred"), false)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	fetch := func(ctx context.Context, a *Account) (map[string]quota.ModelUsage, error) {
		return map[string]quota.ModelUsage{"gemini-2.5-pro": {Percentage: 0}}, nil
	}

	poller := NewPoller(pool, fetch, time.Hour)
	poller.ForcePoll(context.Background())

	got := pool.Get(acct.ID)
	if got.Status != StatusRateLimited {
		t.Fatalf("expected rate_limited status, got %s", got.Status)
	}
}

func TestPollerConcurrentForcePollCoalesces(t *testing.T) {
	pool := testPool(t, false)
	if _, err := pool.Add("gemini", "a@example.com", "A", "", "proj-1", []byte("cred"), false); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context, a *Account) (map[string]quota.ModelUsage, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return map[string]quota.ModelUsage{}, nil
	}

	poller := NewPoller(pool, fetch, time.Hour)

	done := make(chan struct{})
	go func() {
		poller.ForcePoll(context.Background())
		close(done)
	}()

	<-started
	go poller.ForcePoll(context.Background())
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected singleflight coalescing to yield exactly 1 fetch call, got %d", calls)
	}
}
