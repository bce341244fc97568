// Package dispatch runs one client request end to end: it resolves the
// session key, selects an account from the pool, opens the upstream
// conversation, and fails over to alternate accounts within the retry
// budget. Open pulls the first upstream event before returning, so every
// retryable failure is handled before the client has seen a single byte.
// Errors on an open Exchange are terminal and must be surfaced in-band.
package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"math/rand"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/flow"
	"github.com/kiroproxy/kiroproxy/internal/interfaces"
	"github.com/kiroproxy/kiroproxy/internal/kiro"
	"github.com/kiroproxy/kiroproxy/internal/pool"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

const (
	defaultAttempts = 3

	// failureSwitchThreshold is how many failures one account absorbs in a
	// single request before selection moves to an alternate.
	failureSwitchThreshold = 2

	// maxAccountsPerRequest caps the initial account plus two alternates.
	maxAccountsPerRequest = 3
)

// backoffSchedule is the pause before retry n. The last entry repeats.
var backoffSchedule = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// EventStream is the slice of the upstream stream the dispatcher consumes.
// *kiro.Stream satisfies it.
type EventStream interface {
	Next() (*kiro.Event, error)
	Close() error
}

// Upstream issues one upstream conversation exchange. Tests substitute
// scripted fakes; production wiring adapts *kiro.Client via ClientUpstream.
type Upstream interface {
	Converse(ctx context.Context, auth kiro.RequestAuth, payload []byte) (EventStream, error)
}

// ClientUpstream adapts *kiro.Client to the Upstream interface.
type ClientUpstream struct {
	Client *kiro.Client
}

// Converse implements Upstream.
func (u ClientUpstream) Converse(ctx context.Context, auth kiro.RequestAuth, payload []byte) (EventStream, error) {
	stream, err := u.Client.Converse(ctx, auth, payload)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Dispatcher owns the per-request orchestration loop.
type Dispatcher struct {
	pool     *pool.Pool
	upstream Upstream
	flows    flow.Sink
	attempts int

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// New builds a dispatcher. attempts is the per-request upstream attempt
// budget; zero or negative selects the default of 3.
func New(p *pool.Pool, upstream Upstream, flows flow.Sink, attempts int) *Dispatcher {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	if flows == nil {
		flows = flow.LogSink{}
	}
	return &Dispatcher{
		pool:     p,
		upstream: upstream,
		flows:    flows,
		attempts: attempts,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// sessionKey hashes the affinity seed into the pool's session key. An empty
// seed disables affinity for the request.
func sessionKey(seed string) string {
	if seed == "" {
		return ""
	}
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(seed))
	return hex.EncodeToString(h.Sum(nil))
}

// backoff returns the jittered pause before retry n (zero-based). Jitter is
// a quarter of the base in either direction.
func backoff(n int) time.Duration {
	if n >= len(backoffSchedule) {
		n = len(backoffSchedule) - 1
	}
	jitter := 0.75 + 0.5*rand.Float64()
	return time.Duration(float64(backoffSchedule[n]) * jitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return interfaces.NewError(interfaces.ErrClientCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Open selects an account and starts the upstream conversation, retrying and
// failing over per the failure table until the attempt budget runs out. On
// error the request's flow record has already been emitted; on success the
// returned Exchange owns the record and the caller must Close it.
func (d *Dispatcher) Open(ctx context.Context, protocol string, req *translator.Request) (*Exchange, error) {
	rec := flow.Record{
		ID:            uuid.NewString(),
		Protocol:      protocol,
		ClientModel:   req.ClientModel,
		UpstreamModel: req.UpstreamModel,
		StartedAt:     d.now(),
		TokensIn:      int64(translator.EstimateTokens(req.InputChars)),
	}

	payload, err := req.Conversation.Marshal()
	if err != nil {
		wrapped := interfaces.NewError(interfaces.ErrInternal, err)
		d.emit(rec, flow.StatusFailure, wrapped)
		return nil, wrapped
	}

	key := sessionKey(req.SessionSeed)
	failures := make(map[string]int)
	tried := make(map[string]bool)
	var current string
	var lastErr error

	for attempt := 0; attempt < d.attempts; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, backoff(attempt-1)); err != nil {
				d.emit(rec, flow.StatusCancelled, nil)
				return nil, err
			}
		}

		acct := d.reusable(current, failures)
		if acct == nil {
			var exclude []string
			for id, n := range failures {
				if n >= failureSwitchThreshold {
					exclude = append(exclude, id)
				}
			}
			var err error
			acct, err = d.pool.Select(key, exclude...)
			if err != nil {
				// With no upstream failure yet this is a plain empty pool;
				// otherwise the alternates ran out and the upstream error
				// is the real cause.
				if lastErr == nil {
					d.emit(rec, flow.StatusFailure, err)
					return nil, err
				}
				d.emit(rec, flow.StatusFailure, lastErr)
				return nil, lastErr
			}
		}
		if !tried[acct.ID] && len(tried) >= maxAccountsPerRequest {
			d.emit(rec, flow.StatusFailure, lastErr)
			return nil, lastErr
		}
		tried[acct.ID] = true
		current = acct.ID
		rec.AccountID = acct.ID

		stream, first, cerr := d.converseOnce(ctx, acct, payload)
		if cerr == nil {
			return &Exchange{
				AccountID: acct.ID,
				d:         d,
				ctx:       ctx,
				stream:    stream,
				first:     first,
				rec:       rec,
			}, nil
		}

		lastErr = cerr
		kind := interfaces.KindOf(cerr)
		if kind == interfaces.ErrClientCancelled {
			d.emit(rec, flow.StatusCancelled, nil)
			return nil, cerr
		}
		d.pool.ReportFailure(ctx, acct.ID, kind, cerr)
		failures[acct.ID]++
		if !kind.Retryable() {
			d.emit(rec, flow.StatusFailure, cerr)
			return nil, cerr
		}
		log.Debugf("dispatch: attempt %d/%d on account %s failed (%s), retrying", attempt+1, d.attempts, acct.ID, kind)
	}

	d.emit(rec, flow.StatusFailure, lastErr)
	return nil, lastErr
}

// reusable returns a fresh clone of the current account when a retry should
// stay on it: fewer than two failures so far and still active. Refetching
// instead of reusing the old clone picks up tokens replaced by an inline
// refresh between attempts.
func (d *Dispatcher) reusable(current string, failures map[string]int) *auth.Account {
	if current == "" || failures[current] >= failureSwitchThreshold {
		return nil
	}
	acct, ok := d.pool.Get(current)
	if !ok || acct.Status != auth.StatusActive {
		return nil
	}
	return acct
}

// converseOnce opens the conversation and pulls its first event. A nil event
// with a nil error means the upstream closed the stream cleanly without
// emitting anything.
func (d *Dispatcher) converseOnce(ctx context.Context, acct *auth.Account, payload []byte) (EventStream, *kiro.Event, error) {
	reqAuth := kiro.RequestAuth{
		AccessToken: acct.Credential.AccessToken,
		Fingerprint: auth.Fingerprint(acct.ID, d.now()),
	}
	stream, err := d.upstream.Converse(ctx, reqAuth, payload)
	if err != nil {
		return nil, nil, err
	}
	first, err := stream.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		_ = stream.Close()
		return nil, nil, err
	}
	return stream, first, nil
}

func (d *Dispatcher) emit(rec flow.Record, status flow.Status, err error) {
	rec.FinishedAt = d.now()
	rec.Status = status
	if err != nil {
		rec.ErrorKind = string(interfaces.KindOf(err))
	}
	d.flows.Record(rec)
}

// Exchange is one live upstream conversation. The first event was already
// pulled during Open, so the caller sees it from the first Next call and a
// clean empty stream yields io.EOF immediately. Exactly one flow record is
// emitted per Exchange, by Succeed, Fail, Cancel, or an early Close.
type Exchange struct {
	AccountID string

	d        *Dispatcher
	ctx      context.Context
	stream   EventStream
	first    *kiro.Event
	rec      flow.Record
	outChars int
	done     bool
}

// Next returns the next upstream event. io.EOF marks the clean end of the
// stream. Any other error is terminal: account state has already been
// reported, and the caller must surface the failure in-band.
func (x *Exchange) Next() (*kiro.Event, error) {
	if ev := x.first; ev != nil {
		x.first = nil
		x.outChars += len(ev.Content) + len(ev.Input)
		return ev, nil
	}
	ev, err := x.stream.Next()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			// Mid-stream failures never fail over, but the account still
			// takes the hit (cooldown, refresh, unhealthy).
			x.d.pool.ReportFailure(x.ctx, x.AccountID, interfaces.KindOf(err), err)
		}
		return nil, err
	}
	x.outChars += len(ev.Content) + len(ev.Input)
	return ev, nil
}

// Succeed records the request as served.
func (x *Exchange) Succeed() {
	if x.done {
		return
	}
	x.d.pool.MarkSuccess(x.AccountID)
	x.finish(flow.StatusSuccess, nil)
}

// Fail records the request as failed after the stream broke.
func (x *Exchange) Fail(err error) {
	if interfaces.KindOf(err) == interfaces.ErrClientCancelled {
		x.Cancel()
		return
	}
	x.finish(flow.StatusFailure, err)
}

// Cancel records a client-side abort.
func (x *Exchange) Cancel() {
	x.finish(flow.StatusCancelled, nil)
}

// Close releases the upstream stream. A request still unfinished when Close
// runs is recorded as cancelled: the handler walked away mid-stream.
func (x *Exchange) Close() error {
	x.finish(flow.StatusCancelled, nil)
	return x.stream.Close()
}

func (x *Exchange) finish(status flow.Status, err error) {
	if x.done {
		return
	}
	x.done = true
	rec := x.rec
	rec.TokensOut = int64(translator.EstimateTokens(x.outChars))
	x.d.emit(rec, status, err)
}
