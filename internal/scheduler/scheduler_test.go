package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/kiro"
	"github.com/kiroproxy/kiroproxy/internal/pool"
)

type fakeRefresher struct {
	mu     sync.Mutex
	calls  int
	result *auth.RefreshResult
	err    error
}

func (f *fakeRefresher) Refresh(context.Context, string, auth.Credential) (*auth.RefreshResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	return &res, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProber struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []string
}

func (f *fakeProber) Probe(_ context.Context, a kiro.RequestAuth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a.AccessToken)
	return f.errs[a.AccessToken]
}

func (f *fakeProber) set(token string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	f.errs[token] = err
}

func (f *fakeProber) probed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func schedAccount(id string) *auth.Account {
	return &auth.Account{
		ID: id,
		Credential: auth.Credential{
			AccessToken:  "at-" + id,
			RefreshToken: "rt-" + id,
			ExpiresAt:    time.Now().Add(time.Hour),
			AuthKind:     auth.AuthKindAwsBuilderID,
		},
		Enabled: true,
		Status:  auth.StatusActive,
	}
}

func newTestScheduler(t *testing.T, refresher pool.TokenRefresher, prober Prober, accounts ...*auth.Account) (*Scheduler, *pool.Pool) {
	t.Helper()
	if refresher == nil {
		refresher = &fakeRefresher{result: &auth.RefreshResult{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}}
	}
	if prober == nil {
		prober = &fakeProber{}
	}
	p := pool.New(refresher)
	for _, acct := range accounts {
		require.NoError(t, p.Add(acct))
	}
	return New(p, prober, 0, 0), p
}

func TestRefreshExpiringOnlyWithinWindow(t *testing.T) {
	refresher := &fakeRefresher{result: &auth.RefreshResult{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}}
	soon := schedAccount("soon")
	soon.Credential.ExpiresAt = time.Now().Add(5 * time.Minute)
	later := schedAccount("later")
	later.Credential.ExpiresAt = time.Now().Add(2 * time.Hour)

	s, p := newTestScheduler(t, refresher, nil, soon, later)
	s.refreshExpiring()

	assert.Equal(t, 1, refresher.callCount())
	got, _ := p.Get("soon")
	assert.Equal(t, "fresh", got.Credential.AccessToken)
	untouched, _ := p.Get("later")
	assert.Equal(t, "at-later", untouched.Credential.AccessToken)
}

func TestHealthCheckTwoStrikesThenRecovery(t *testing.T) {
	prober := &fakeProber{}
	prober.set("at-a", interfaces.Errorf(interfaces.ErrNetwork, "connection refused"))
	s, p := newTestScheduler(t, nil, prober, schedAccount("a"))

	s.checkHealth()
	acct, _ := p.Get("a")
	assert.Equal(t, auth.StatusActive, acct.Status, "one strike is not enough")

	s.checkHealth()
	acct, _ = p.Get("a")
	assert.Equal(t, auth.StatusUnhealthy, acct.Status, "second consecutive strike parks the account")

	// Unhealthy accounts keep getting probed; one success revives them.
	prober.set("at-a", nil)
	s.checkHealth()
	acct, _ = p.Get("a")
	assert.Equal(t, auth.StatusActive, acct.Status)
	assert.Nil(t, acct.LastError)
}

func TestHealthCheckSuccessResetsStrikes(t *testing.T) {
	prober := &fakeProber{}
	s, p := newTestScheduler(t, nil, prober, schedAccount("a"))

	prober.set("at-a", interfaces.Errorf(interfaces.ErrNetwork, "connection refused"))
	s.checkHealth()
	prober.set("at-a", nil)
	s.checkHealth()
	prober.set("at-a", interfaces.Errorf(interfaces.ErrNetwork, "connection refused"))
	s.checkHealth()

	// Strikes were 1, reset, then 1 again: never two in a row.
	acct, _ := p.Get("a")
	assert.Equal(t, auth.StatusActive, acct.Status)
}

func TestHealthCheckQuotaIsNotAStrike(t *testing.T) {
	prober := &fakeProber{}
	prober.set("at-a", interfaces.Errorf(interfaces.ErrQuotaExceeded, "throttled"))
	s, p := newTestScheduler(t, nil, prober, schedAccount("a"))

	s.checkHealth()
	s.checkHealth()
	s.checkHealth()

	acct, _ := p.Get("a")
	assert.Equal(t, auth.StatusActive, acct.Status)
}

func TestHealthCheckSkipsCooldownAndDisabled(t *testing.T) {
	prober := &fakeProber{}
	s, p := newTestScheduler(t, nil, prober, schedAccount("a"), schedAccount("b"), schedAccount("c"))
	p.StartCooldown("a", interfaces.ErrQuotaExceeded, nil)
	require.NoError(t, p.SetEnabled("b", false))

	s.checkHealth()

	assert.Equal(t, []string{"at-c"}, prober.probed())
}

func TestHealthCheckAuthExpiredRefreshesInline(t *testing.T) {
	refresher := &fakeRefresher{result: &auth.RefreshResult{AccessToken: "renewed", ExpiresAt: time.Now().Add(time.Hour)}}
	prober := &fakeProber{}
	prober.set("at-a", interfaces.Errorf(interfaces.ErrAuthExpired, "403"))
	s, p := newTestScheduler(t, refresher, prober, schedAccount("a"))

	s.checkHealth()

	assert.Equal(t, 1, refresher.callCount())
	acct, _ := p.Get("a")
	assert.Equal(t, auth.StatusActive, acct.Status)
	assert.Equal(t, "renewed", acct.Credential.AccessToken)

	// The next cycle probes with the renewed token and clears the strike.
	s.checkHealth()
	assert.Equal(t, []string{"at-a", "renewed"}, prober.probed())
	acct, _ = p.Get("a")
	assert.Equal(t, auth.StatusActive, acct.Status)
}

func TestStartStop(t *testing.T) {
	s, _ := newTestScheduler(t, nil, nil, schedAccount("a"))
	require.NoError(t, s.Start())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
