package pool

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/auth"
)

// RecoverCooldowns promotes every account whose cooldown has expired back
// to active. Selection does this lazily on its own; the scheduler calls
// this on its tick so idle pools recover too. Returns the number of
// accounts promoted.
func (p *Pool) RecoverCooldowns() int {
	p.mu.Lock()
	now := p.now()
	promoted := 0
	for _, acct := range p.accounts {
		if acct.Status != auth.StatusCooldown {
			continue
		}
		acct.Reconcile(now)
		if acct.Status == auth.StatusActive {
			promoted++
		}
	}
	var snapshot []*auth.Account
	if promoted > 0 {
		snapshot = p.snapshotLocked()
	}
	p.mu.Unlock()

	if promoted > 0 {
		log.Infof("%d account(s) finished cooldown", promoted)
		p.persistSnapshot(snapshot)
	}
	return promoted
}

// ExpiringAccounts returns clones of enabled accounts whose access token
// expires within the window. The proactive refresh task feeds on this.
func (p *Pool) ExpiringAccounts(window time.Duration) []*auth.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]*auth.Account, 0)
	for _, acct := range p.accounts {
		if !acct.Enabled {
			continue
		}
		if acct.Credential.ExpiresWithin(now, window) {
			out = append(out, acct.Clone())
		}
	}
	return out
}

// HealthCheckTargets returns clones of every non-disabled account.
func (p *Pool) HealthCheckTargets() []*auth.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]*auth.Account, 0)
	for _, acct := range p.accounts {
		acct.Reconcile(now)
		if acct.Status == auth.StatusDisabled {
			continue
		}
		out = append(out, acct.Clone())
	}
	return out
}
