package idempotency

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrUnavailable means the record store could not be reached. Unsafe
// requests are failed rather than run without protection.
var ErrUnavailable = errors.New("idempotency store unavailable")

// Response is a complete HTTP response as returned by a handler and as
// replayed to retries.
type Response struct {
	Code   int
	Header http.Header
	Body   []byte
}

// Record is one idempotency_calls entry. LockedAt is set while the call
// is in flight and cleared once Response is stored.
type Record struct {
	AuthHash string
	Key      string
	LockedAt time.Time
	Response *Response
}

func (r Record) InFlight() bool { return r.Response == nil }

// GateResult tells the caller what to do with a request.
type GateResult int

const (
	// Proceed: this request owns the record and runs the handler.
	Proceed GateResult = iota
	// Replay: a completed response exists and is returned as is.
	Replay
	// Conflict: another request with the same key is in flight.
	Conflict
	// Bypass: no key or a safe method; the gate is not involved.
	Bypass
)

func (r GateResult) String() string {
	switch r {
	case Proceed:
		return "proceed"
	case Replay:
		return "replay"
	case Conflict:
		return "conflict"
	case Bypass:
		return "bypass"
	}
	return "unknown"
}

// Store persists idempotency records.
type Store interface {
	// Begin atomically inserts an in-flight record unless one exists.
	// It reports whether the record was created, and otherwise returns
	// the record found.
	Begin(ctx context.Context, authHash, key string, now time.Time) (Record, bool, error)
	// Complete stores the response and clears the in-flight marker.
	Complete(ctx context.Context, authHash, key string, resp Response) error
	// Abandon deletes the record so the key can be used again.
	Abandon(ctx context.Context, authHash, key string) error
	// PurgeStale deletes in-flight records locked before the cutoff.
	PurgeStale(ctx context.Context, before time.Time) (int64, error)
}

// uncacheable responses are transient; the client is expected to retry
// with the same key.
func uncacheable(code int) bool {
	switch code {
	case http.StatusConflict, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
