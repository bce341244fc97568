// Package scheduler runs the proxy's background maintenance: proactive token
// refresh ahead of expiry, account health probes with a two-strike rule, and
// cooldown promotion so account status stays accurate without traffic.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/kiro"
	"github.com/kiroproxy/kiroproxy/internal/pool"
)

const (
	// refreshWindow is how far ahead of access-token expiry the proactive
	// refresh task reaches.
	refreshWindow = 15 * time.Minute

	// strikeLimit is how many consecutive failed probes park an account as
	// unhealthy. A single successful probe resets the count.
	strikeLimit = 2

	maxConcurrentRefreshes = 4
	taskTimeout            = 2 * time.Minute
)

// Prober issues the minimal authenticated upstream call used as a health
// probe. *kiro.Client implements it.
type Prober interface {
	Probe(ctx context.Context, auth kiro.RequestAuth) error
}

// Scheduler owns the cron runner and the per-account strike counts.
type Scheduler struct {
	pool   *pool.Pool
	prober Prober
	cron   *cron.Cron

	refreshEvery time.Duration
	healthEvery  time.Duration
	sem          *semaphore.Weighted

	mu      sync.Mutex
	strikes map[string]int

	now func() time.Time
}

// New builds a scheduler around the pool and prober. Non-positive intervals
// fall back to 5 and 10 minutes.
func New(p *pool.Pool, prober Prober, refreshEvery, healthEvery time.Duration) *Scheduler {
	if refreshEvery <= 0 {
		refreshEvery = 5 * time.Minute
	}
	if healthEvery <= 0 {
		healthEvery = 10 * time.Minute
	}
	return &Scheduler{
		pool:         p,
		prober:       prober,
		refreshEvery: refreshEvery,
		healthEvery:  healthEvery,
		sem:          semaphore.NewWeighted(maxConcurrentRefreshes),
		strikes:      make(map[string]int),
		now:          time.Now,
	}
}

// Start registers the maintenance tasks and begins running them. Tasks skip
// a tick instead of piling up when the previous run is still going.
func (s *Scheduler) Start() error {
	logger := cron.PrintfLogger(log.StandardLogger())
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)))
	if _, err := s.cron.AddFunc(every(s.refreshEvery), s.refreshExpiring); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(every(s.healthEvery), s.checkHealth); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1m", s.recoverCooldowns); err != nil {
		return err
	}
	s.cron.Start()
	log.Infof("scheduler started: refresh every %s, health check every %s", s.refreshEvery, s.healthEvery)
	return nil
}

// Stop halts scheduling and waits for in-flight tasks to drain.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// refreshExpiring renews every account whose access token expires within the
// refresh window, a few at a time.
func (s *Scheduler) refreshExpiring() {
	accounts := s.pool.ExpiringAccounts(refreshWindow)
	if len(accounts) == 0 {
		return
	}
	log.Debugf("scheduler: %d account(s) expire within %s", len(accounts), refreshWindow)

	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, acct := range accounts {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer s.sem.Release(1)
			if err := s.pool.RefreshAccount(ctx, id); err != nil {
				log.Warnf("scheduler: proactive refresh for %s failed: %v", id, err)
			}
		}(acct.ID)
	}
	wg.Wait()
}

// checkHealth probes every account that could serve traffic, plus unhealthy
// ones so a recovered credential finds its way back without manual help.
// Cooldown accounts are skipped: their state is already known and probing
// them spends upstream requests for nothing.
func (s *Scheduler) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()
	now := s.now()
	for _, acct := range s.pool.HealthCheckTargets() {
		if acct.Status == auth.StatusCooldown {
			continue
		}
		s.probeOne(ctx, acct, now)
	}
}

func (s *Scheduler) probeOne(ctx context.Context, acct *auth.Account, now time.Time) {
	err := s.prober.Probe(ctx, kiro.RequestAuth{
		AccessToken: acct.Credential.AccessToken,
		Fingerprint: auth.Fingerprint(acct.ID, now),
	})
	if err == nil {
		s.clearStrikes(acct.ID)
		s.pool.MarkHealthy(acct.ID)
		return
	}

	kind := interfaces.KindOf(err)
	if kind == interfaces.ErrQuotaExceeded {
		// A throttled probe proves nothing about account health.
		log.Debugf("scheduler: probe for %s throttled, not counting it", acct.ID)
		return
	}
	if kind == interfaces.ErrAuthExpired {
		s.pool.ReportFailure(ctx, acct.ID, kind, err)
	}
	if n := s.addStrike(acct.ID); n >= strikeLimit {
		s.clearStrikes(acct.ID)
		s.pool.MarkUnhealthy(acct.ID, kind, err)
	} else {
		log.Warnf("scheduler: probe for %s failed (%s), strike %d/%d", acct.ID, kind, n, strikeLimit)
	}
}

func (s *Scheduler) recoverCooldowns() {
	s.pool.RecoverCooldowns()
}

func (s *Scheduler) addStrike(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strikes[id]++
	return s.strikes[id]
}

func (s *Scheduler) clearStrikes(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strikes, id)
}
