// Package pool owns the upstream accounts and decides which one serves each
// request. Selection honours session affinity first, then walks the account
// list round-robin from the last selected index. Quota events cool accounts
// down, invalid refresh tokens park them as unhealthy, and expired cooldowns
// are promoted back to active the moment anything looks at them.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/interfaces"
)

// TokenRefresher exchanges a credential's refresh token for new tokens.
// *auth.Refresher implements it; tests substitute fakes.
type TokenRefresher interface {
	Refresh(ctx context.Context, id string, cred auth.Credential) (*auth.RefreshResult, error)
}

// PersistFunc receives a cloned snapshot of the account list after every
// mutation. It runs outside the pool lock.
type PersistFunc func([]*auth.Account)

// Pool is the exclusive owner of all accounts. All state transitions happen
// under one mutex; everything handed out is a clone.
type Pool struct {
	mu       sync.Mutex
	accounts []*auth.Account
	index    map[string]*auth.Account
	cursor   int

	affinity    *gocache.Cache
	affinityTTL time.Duration
	cooldown    time.Duration

	refresher TokenRefresher
	persist   PersistFunc
	now       func() time.Time
}

// Option customises pool construction.
type Option func(*Pool)

// WithCooldown overrides the quota cooldown duration.
func WithCooldown(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

// WithAffinityTTL overrides the session affinity lifetime.
func WithAffinityTTL(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.affinityTTL = d
		}
	}
}

// WithPersist installs the snapshot hook invoked after each mutation.
func WithPersist(fn PersistFunc) Option {
	return func(p *Pool) { p.persist = fn }
}

// WithClock injects a clock, for tests.
func WithClock(fn func() time.Time) Option {
	return func(p *Pool) {
		if fn != nil {
			p.now = fn
		}
	}
}

// New creates an empty pool. The cursor starts before the first slot so the
// first selection lands on the first inserted account.
func New(refresher TokenRefresher, opts ...Option) *Pool {
	p := &Pool{
		index:       make(map[string]*auth.Account),
		cursor:      -1,
		affinityTTL: 60 * time.Second,
		cooldown:    300 * time.Second,
		refresher:   refresher,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	// No janitor: expired entries are evicted lazily on lookup.
	p.affinity = gocache.New(p.affinityTTL, 0)
	return p
}

// Load seeds the pool from a stored account list without persisting back.
func (p *Pool) Load(accounts []*auth.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.accounts = p.accounts[:0]
	p.index = make(map[string]*auth.Account, len(accounts))
	for _, acct := range accounts {
		if acct == nil || acct.ID == "" {
			continue
		}
		if _, dup := p.index[acct.ID]; dup {
			continue
		}
		acct.Reconcile(now)
		p.accounts = append(p.accounts, acct)
		p.index[acct.ID] = acct
	}
	if p.cursor >= len(p.accounts) {
		p.cursor = -1
	}
}

// Replace swaps in a freshly loaded account list, carrying runtime-only
// fields over from any account that survived the reload. Used by the file
// watcher; the data came from disk so it is not persisted again.
func (p *Pool) Replace(accounts []*auth.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	old := p.index
	p.accounts = make([]*auth.Account, 0, len(accounts))
	p.index = make(map[string]*auth.Account, len(accounts))
	for _, acct := range accounts {
		if acct == nil || acct.ID == "" {
			continue
		}
		if _, dup := p.index[acct.ID]; dup {
			continue
		}
		if prev, ok := old[acct.ID]; ok {
			acct.LastUsedAt = prev.LastUsedAt
			acct.Usage = prev.Usage
		}
		acct.Reconcile(now)
		p.accounts = append(p.accounts, acct)
		p.index[acct.ID] = acct
	}
	if p.cursor >= len(p.accounts) {
		p.cursor = -1
	}
}

// Select picks the account that serves a request. A live affinity entry
// wins if its account can serve; otherwise the next selectable account in
// round-robin order is chosen and the affinity entry is (re)bound. Accounts
// named in exclude are skipped even when selectable; the dispatcher uses
// this to step past an account that keeps failing within one request.
func (p *Pool) Select(sessionKey string, exclude ...string) (*auth.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	var skip map[string]bool
	if len(exclude) > 0 {
		skip = make(map[string]bool, len(exclude))
		for _, id := range exclude {
			skip[id] = true
		}
	}

	if sessionKey != "" {
		if v, ok := p.affinity.Get(sessionKey); ok {
			if acct := p.index[v.(string)]; acct != nil && !skip[acct.ID] && acct.Selectable(now) {
				p.affinity.SetDefault(sessionKey, acct.ID)
				acct.LastUsedAt = now
				return acct.Clone(), nil
			}
		}
	}

	n := len(p.accounts)
	for i := 1; i <= n; i++ {
		idx := (p.cursor + i) % n
		acct := p.accounts[idx]
		if skip[acct.ID] || !acct.Selectable(now) {
			continue
		}
		p.cursor = idx
		if sessionKey != "" {
			p.affinity.SetDefault(sessionKey, acct.ID)
		}
		acct.LastUsedAt = now
		return acct.Clone(), nil
	}
	return nil, interfaces.Errorf(interfaces.ErrNoAccountAvailable, "no active account in pool (%d total)", n)
}

// ReportFailure applies the failover table for a failure attributed to an
// account. Quota events start a cooldown; an expired access token triggers
// an inline refresh; an invalid refresh token parks the account unhealthy.
// Network and upstream 5xx failures leave status untouched so the caller
// can retry.
func (p *Pool) ReportFailure(ctx context.Context, accountID string, kind interfaces.ErrorKind, cause error) {
	switch kind {
	case interfaces.ErrQuotaExceeded:
		p.StartCooldown(accountID, kind, cause)
	case interfaces.ErrAuthExpired:
		if err := p.RefreshAccount(ctx, accountID); err != nil {
			log.Warnf("account %s: reactive refresh failed: %v", accountID, err)
		}
	case interfaces.ErrInvalidRefreshToken:
		p.MarkUnhealthy(accountID, kind, cause)
	case interfaces.ErrUpstreamServerError, interfaces.ErrNetwork:
		p.recordError(accountID, kind, cause)
	default:
		// ContentTooLong and friends are request-scoped, not account-scoped.
	}
}

// RefreshAccount refreshes the account's tokens and applies the result.
// On success the new pair replaces the old one atomically with respect to
// other readers and an unhealthy account returns to active. An invalid
// refresh token marks the account unhealthy; transient failures change
// nothing.
func (p *Pool) RefreshAccount(ctx context.Context, accountID string) error {
	p.mu.Lock()
	acct := p.index[accountID]
	if acct == nil {
		p.mu.Unlock()
		return interfaces.Errorf(interfaces.ErrInternal, "unknown account %s", accountID)
	}
	cred := acct.Credential
	p.mu.Unlock()

	result, err := p.refresher.Refresh(ctx, accountID, cred)
	if err != nil {
		if interfaces.KindOf(err) == interfaces.ErrInvalidRefreshToken {
			p.MarkUnhealthy(accountID, interfaces.ErrInvalidRefreshToken, err)
		} else {
			p.recordError(accountID, interfaces.KindOf(err), err)
		}
		return err
	}

	p.mu.Lock()
	acct = p.index[accountID]
	if acct == nil {
		p.mu.Unlock()
		return interfaces.Errorf(interfaces.ErrInternal, "account %s removed during refresh", accountID)
	}
	acct.Credential.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		acct.Credential.RefreshToken = result.RefreshToken
	}
	acct.Credential.ExpiresAt = result.ExpiresAt
	acct.Credential.IssuedAt = p.now()
	if acct.Status == auth.StatusUnhealthy && acct.Enabled {
		acct.Status = auth.StatusActive
		acct.LastError = nil
	}
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	log.Debugf("account %s: tokens refreshed, valid until %s", accountID, result.ExpiresAt.Format(time.RFC3339))
	p.persistSnapshot(snapshot)
	return nil
}

// Restore manually brings an unhealthy account back. It succeeds only when
// a fresh token exchange does.
func (p *Pool) Restore(ctx context.Context, accountID string) error {
	p.mu.Lock()
	acct := p.index[accountID]
	if acct == nil {
		p.mu.Unlock()
		return interfaces.Errorf(interfaces.ErrInternal, "unknown account %s", accountID)
	}
	if !acct.Enabled {
		p.mu.Unlock()
		return fmt.Errorf("account %s is disabled; enable it first", accountID)
	}
	p.mu.Unlock()
	return p.RefreshAccount(ctx, accountID)
}

// StartCooldown places an account in cooldown for the configured duration.
func (p *Pool) StartCooldown(accountID string, kind interfaces.ErrorKind, cause error) {
	p.mu.Lock()
	acct := p.index[accountID]
	if acct == nil {
		p.mu.Unlock()
		return
	}
	until := p.now().Add(p.cooldown)
	acct.CooldownUntil = &until
	acct.Status = auth.StatusCooldown
	acct.LastError = p.lastError(kind, cause)
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	log.Warnf("account %s: quota exhausted, cooling down until %s", accountID, until.Format(time.RFC3339))
	p.persistSnapshot(snapshot)
}

// MarkUnhealthy parks an account until a successful refresh or manual
// restore revives it.
func (p *Pool) MarkUnhealthy(accountID string, kind interfaces.ErrorKind, cause error) {
	p.mu.Lock()
	acct := p.index[accountID]
	if acct == nil {
		p.mu.Unlock()
		return
	}
	acct.Status = auth.StatusUnhealthy
	acct.CooldownUntil = nil
	acct.LastError = p.lastError(kind, cause)
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	log.Warnf("account %s: marked unhealthy: %v", accountID, cause)
	p.persistSnapshot(snapshot)
}

// MarkHealthy records a successful health probe: an unhealthy account
// returns to active.
func (p *Pool) MarkHealthy(accountID string) {
	p.mu.Lock()
	acct := p.index[accountID]
	if acct == nil || acct.Status != auth.StatusUnhealthy || !acct.Enabled {
		p.mu.Unlock()
		return
	}
	acct.Status = auth.StatusActive
	acct.LastError = nil
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	log.Infof("account %s: health restored", accountID)
	p.persistSnapshot(snapshot)
}

// MarkSuccess notes a successfully served request for usage accounting.
// Runtime-only; nothing is persisted.
func (p *Pool) MarkSuccess(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.index[accountID]
	if acct == nil {
		return
	}
	acct.LastUsedAt = p.now()
	if acct.Usage == nil {
		acct.Usage = &auth.UsageSnapshot{}
	}
	acct.Usage.Used++
	acct.Usage.RefreshedAt = acct.LastUsedAt
}

// Add inserts a new account. The id must not collide with a live account.
func (p *Pool) Add(acct *auth.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("account is missing an id")
	}
	p.mu.Lock()
	if _, exists := p.index[acct.ID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("account %s already exists", acct.ID)
	}
	acct.Reconcile(p.now())
	p.accounts = append(p.accounts, acct)
	p.index[acct.ID] = acct
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	log.Infof("account %s added (%s)", acct.ID, acct.Credential.AuthKind)
	p.persistSnapshot(snapshot)
	return nil
}

// Remove deletes an account permanently.
func (p *Pool) Remove(accountID string) error {
	p.mu.Lock()
	if _, exists := p.index[accountID]; !exists {
		p.mu.Unlock()
		return fmt.Errorf("unknown account %s", accountID)
	}
	delete(p.index, accountID)
	for i, acct := range p.accounts {
		if acct.ID == accountID {
			p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
			break
		}
	}
	if p.cursor >= len(p.accounts) {
		p.cursor = -1
	}
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	log.Infof("account %s removed", accountID)
	p.persistSnapshot(snapshot)
	return nil
}

// SetEnabled flips the user-controlled enable bit. Re-enabling an account
// whose credential lost its refresh token leaves it unhealthy instead of
// active.
func (p *Pool) SetEnabled(accountID string, enabled bool) error {
	p.mu.Lock()
	acct := p.index[accountID]
	if acct == nil {
		p.mu.Unlock()
		return fmt.Errorf("unknown account %s", accountID)
	}
	acct.Enabled = enabled
	if enabled && acct.Credential.RefreshToken == "" {
		acct.Status = auth.StatusUnhealthy
	} else {
		acct.Reconcile(p.now())
	}
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	p.persistSnapshot(snapshot)
	return nil
}

// Get returns a clone of one account.
func (p *Pool) Get(accountID string) (*auth.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.index[accountID]
	if acct == nil {
		return nil, false
	}
	acct.Reconcile(p.now())
	return acct.Clone(), true
}

// List returns clones of all accounts in insertion order.
func (p *Pool) List() []*auth.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]*auth.Account, 0, len(p.accounts))
	for _, acct := range p.accounts {
		acct.Reconcile(now)
		out = append(out, acct.Clone())
	}
	return out
}

// Len returns the number of accounts in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// Snapshot returns a persistable clone of the account list.
func (p *Pool) Snapshot() []*auth.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pool) snapshotLocked() []*auth.Account {
	out := make([]*auth.Account, 0, len(p.accounts))
	for _, acct := range p.accounts {
		out = append(out, acct.Clone())
	}
	return out
}

func (p *Pool) persistSnapshot(snapshot []*auth.Account) {
	if p.persist != nil {
		p.persist(snapshot)
	}
}

func (p *Pool) recordError(accountID string, kind interfaces.ErrorKind, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct := p.index[accountID]; acct != nil {
		acct.LastError = p.lastError(kind, cause)
	}
}

func (p *Pool) lastError(kind interfaces.ErrorKind, cause error) *auth.LastError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &auth.LastError{Kind: kind, Message: msg, At: p.now()}
}
