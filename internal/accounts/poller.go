package accounts

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/antigravity-bridge/proxy/internal/quota"
)

// pollPacing bounds how many per-account quota fetches a single tick may
// issue per second, so a pool with many accounts doesn't open a burst of
// simultaneous upstream connections every interval.
const pollPacing = 5

// DefaultPollInterval is the base tick interval (spec §4.6: "60s by default").
const DefaultPollInterval = 60 * time.Second

// JitterFraction is the +/-10% jitter applied to each tick (spec §4.6).
const JitterFraction = 0.10

// StuckPollMultiplier bounds a single poll attempt before it is cancelled
// and reported as a failure (spec §5: "a stuck poll is cancelled at 2x
// interval").
const StuckPollMultiplier = 2

// QuotaFetcher retrieves the latest per-model usage for an account from the
// upstream metadata endpoint. Implementations live outside this package
// (they need an HTTP client and the account's bearer token); the poller
// only needs the resulting snapshot.
type QuotaFetcher func(ctx context.Context, acct *Account) (map[string]quota.ModelUsage, error)

// Poller runs the single background quota-refresh loop for a process
// (spec §4.6). Grounded on the teacher's internal/cache ticker+sync.Once
// bootstrap idiom, generalized from a cache-sweep loop into a per-account
// metadata poll that diffs snapshots and republishes pool events.
type Poller struct {
	pool     *Pool
	fetch    QuotaFetcher
	interval time.Duration
	limiter  *rate.Limiter

	group singleflight.Group

	stop chan struct{}
	done chan struct{}
}

// NewPoller builds a Poller over pool using fetch to refresh one account.
// interval <= 0 falls back to DefaultPollInterval.
func NewPoller(pool *Pool, fetch QuotaFetcher, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{pool: pool, fetch: fetch, interval: interval, limiter: rate.NewLimiter(pollPacing, pollPacing)}
}

// Start launches the background loop. It is a no-op if already running.
func (p *Poller) Start(ctx context.Context) {
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		for {
			wait := jitter(p.interval)
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-time.After(wait):
				p.tick(ctx)
			}
		}
	}()
}

// Stop halts the background loop and waits for the in-flight tick to finish.
func (p *Poller) Stop() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.stop = nil
}

// ForcePoll triggers an immediate tick, coalescing concurrent callers into
// a single underlying poll (spec §4.6 "force_poll").
func (p *Poller) ForcePoll(ctx context.Context) {
	_, _, _ = p.group.Do("tick", func() (any, error) {
		p.tick(ctx)
		return nil, nil
	})
}

// ForcePollOne refreshes a single account immediately, coalescing
// concurrent callers for the same id (spec §6 "force poll of one
// account"). Returns an error if id is not in the pool.
func (p *Poller) ForcePollOne(ctx context.Context, id string) error {
	acct := p.pool.Get(id)
	if acct == nil {
		return fmt.Errorf("poller: account not found: %s", id)
	}
	_, _, _ = p.group.Do("tick:"+id, func() (any, error) {
		p.pollOne(ctx, acct)
		return nil, nil
	})
	return nil
}

func jitter(base time.Duration) time.Duration {
	delta := float64(base) * JitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return base + time.Duration(offset)
}

func (p *Poller) tick(ctx context.Context) {
	for _, acct := range p.pool.List() {
		if acct.Status == StatusError {
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		p.pollOne(ctx, acct)
	}
}

func (p *Poller) pollOne(ctx context.Context, acct *Account) {
	pollCtx, cancel := context.WithTimeout(ctx, p.interval*StuckPollMultiplier)
	defer cancel()

	models, err := p.fetch(pollCtx, acct)
	if err != nil {
		log.WithField("account_id", acct.ID).WithError(err).Warn("quota poll failed")
		return
	}

	now := time.Now().UTC()
	prevStatus := acct.Status

	snapshot := quota.NewSnapshot(now)
	for model, usage := range models {
		snapshot.Models[model] = usage
	}

	acct.Quota = snapshot
	acct.UpdatedAt = now

	newStatus := prevStatus
	for _, usage := range models {
		if usage.Percentage == 0 {
			newStatus = StatusRateLimited
			break
		}
	}
	if newStatus == StatusRateLimited && prevStatus != StatusRateLimited {
		p.pool.MarkRateLimited(acct.ID)
	} else if prevStatus == StatusRateLimited && newStatus != StatusRateLimited {
		p.pool.MarkIdle(acct.ID)
	}

	p.pool.publish(Event{Kind: EventQuotaUpdated, AccountID: acct.ID})

	if acct.IsActive {
		overall := acct.OverallPercentage(p.pool.visible)
		p.pool.CheckAutoSwitch(acct.ID, overall)
	}
}
