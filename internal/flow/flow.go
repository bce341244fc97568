// Package flow emits and stores per-request flow records: the terminal
// summary of every client request the proxy served. The dispatcher records
// exactly one entry per request, whether it succeeded, failed, or was
// cancelled by the client.
package flow

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Status is the terminal state of a request.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
)

// Record summarises one client request. Request bodies are deliberately
// absent; only routing metadata and token counts are kept.
type Record struct {
	ID            string    `json:"id"`
	Protocol      string    `json:"protocol"`
	ClientModel   string    `json:"client_model"`
	UpstreamModel string    `json:"upstream_model"`
	AccountID     string    `json:"account_id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Status        Status    `json:"status"`
	TokensIn      int64     `json:"tokens_in"`
	TokensOut     int64     `json:"tokens_out"`
	ErrorKind     string    `json:"error_kind,omitempty"`
}

// Duration is the wall time the request was in flight.
func (r *Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Sink receives flow records on request termination. Implementations must
// be safe for concurrent use and must not block the request path for long.
type Sink interface {
	Record(rec Record)
}

// LogSink mirrors every record to logrus at debug level.
type LogSink struct{}

// Record implements Sink.
func (LogSink) Record(rec Record) {
	log.WithFields(log.Fields{
		"id":       rec.ID,
		"protocol": rec.Protocol,
		"model":    rec.ClientModel,
		"upstream": rec.UpstreamModel,
		"account":  rec.AccountID,
		"status":   rec.Status,
		"in":       rec.TokensIn,
		"out":      rec.TokensOut,
		"took":     rec.Duration().Truncate(time.Millisecond).String(),
	}).Debug("flow record")
}

// Fanout delivers each record to every sink in order.
type Fanout []Sink

// Record implements Sink.
func (f Fanout) Record(rec Record) {
	for _, sink := range f {
		if sink != nil {
			sink.Record(rec)
		}
	}
}
