// Package extractor wraps an upstream.Transport with the resilient
// field-retry state machine from spec §4.2: a projection that hits a
// restricted or broken field is retried with that field dropped, up to a
// bounded number of attempts, with the dropped fields surfaced to the
// caller rather than silently swallowed. Call pacing and circuit
// protection follow the teacher's infrastructure/resilience package, the
// same way services/indexer/syncer.go wraps its upstream calls.
package extractor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/cascadeql/sync-engine/internal/cqerrors"
	"github.com/cascadeql/sync-engine/internal/metrics"
	"github.com/cascadeql/sync-engine/internal/resilience"
	"github.com/cascadeql/sync-engine/internal/upstream"
)

// RestrictionReason classifies why a field could not be read, per spec
// §4.2's retry-reason vocabulary.
type RestrictionReason string

const (
	ReasonSecurityRestriction RestrictionReason = "security_restriction"
	ReasonComputeError        RestrictionReason = "compute_error"
	ReasonUpstreamError       RestrictionReason = "odoo-side_error"
	ReasonUnknown             RestrictionReason = "unknown"
)

// Restriction records one field dropped during a resilient read.
type Restriction struct {
	Field  string
	Reason RestrictionReason
}

// Result is the outcome of a ResilientSearchRead call.
type Result struct {
	Records      []upstream.Record
	Restrictions []Restriction
	Attempts     int
}

// Options tunes a single ResilientSearchRead call.
type Options struct {
	MaxRetries int // defaults to 5, matching spec §6 CASCADE_MAX_RETRIES
}

// Extractor is the paged, resilient read path in front of upstream.Transport.
type Extractor struct {
	transport upstream.Transport
	limiter   *rate.Limiter
	breaker   *resilience.CircuitBreaker
	log       *logrus.Entry
}

// New builds an Extractor. ratePerSecond paces outbound requests (spec §5
// "Bounded concurrency"); a nil breaker disables circuit protection.
func New(transport upstream.Transport, ratePerSecond float64, breaker *resilience.CircuitBreaker, log *logrus.Entry) *Extractor {
	if ratePerSecond <= 0 {
		ratePerSecond = 20
	}
	return &Extractor{
		transport: transport,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		breaker:   breaker,
		log:       log,
	}
}

// Count returns the total number of records matching domain.
func (e *Extractor) Count(ctx context.Context, model string, domain upstream.Domain) (int64, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return 0, cqerrors.Cancelled()
	}
	var n int64
	err := e.guarded(ctx, "upstream.count", func() error {
		var innerErr error
		n, innerErr = e.transport.Count(ctx, model, domain)
		return innerErr
	})
	return n, err
}

// SearchRead pages one unmodified projection. Field errors propagate as-is;
// callers that want the retry behavior use ResilientSearchRead.
func (e *Extractor) SearchRead(ctx context.Context, model string, domain upstream.Domain, fields []string, offset, limit int) ([]upstream.Record, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, cqerrors.Cancelled()
	}
	var recs []upstream.Record
	err := e.guarded(ctx, "upstream.search_read", func() error {
		var innerErr error
		recs, innerErr = e.transport.SearchRead(ctx, model, domain, fields, offset, limit)
		return innerErr
	})
	return recs, err
}

// ResilientSearchRead retries a page read with restricted fields dropped
// one at a time until the page succeeds or MaxRetries is exhausted.
func (e *Extractor) ResilientSearchRead(ctx context.Context, model string, domain upstream.Domain, fields []string, offset, limit int, opts Options) (Result, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	working := append([]string(nil), fields...)
	var restrictions []Restriction

	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		recs, err := e.SearchRead(ctx, model, domain, working, offset, limit)
		if err == nil {
			return Result{Records: recs, Restrictions: restrictions, Attempts: attempt}, nil
		}

		var fae *upstream.FieldAccessError
		if !asFieldAccessError(err, &fae) {
			return Result{Restrictions: restrictions, Attempts: attempt}, err
		}

		reason := classifyReason(fae.Reason)
		restrictions = append(restrictions, Restriction{Field: fae.Field, Reason: reason})
		working = removeField(working, fae.Field)
		if e.log != nil {
			e.log.WithFields(logrus.Fields{
				"model": model, "field": fae.Field, "reason": reason,
			}).Warn("dropping restricted field and retrying page")
		}

		if attempt > maxRetries {
			return Result{Restrictions: restrictions, Attempts: attempt}, cqerrors.FieldRestricted(fae.Field, string(reason))
		}
	}
	return Result{Restrictions: restrictions}, cqerrors.Internal("resilient search_read exhausted without terminating", nil)
}

func asFieldAccessError(err error, target **upstream.FieldAccessError) bool {
	for err != nil {
		if fae, ok := err.(*upstream.FieldAccessError); ok {
			*target = fae
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func classifyReason(rawReason string) RestrictionReason {
	msg := strings.ToLower(rawReason)
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "does not exist"):
		return ReasonSecurityRestriction
	case strings.Contains(msg, "division by zero"), strings.Contains(msg, "invalid input syntax"), strings.Contains(msg, "numeric field overflow"):
		return ReasonComputeError
	case strings.Contains(msg, "odoo"):
		return ReasonUpstreamError
	default:
		return ReasonUnknown
	}
}

func removeField(fields []string, target string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != target {
			out = append(out, f)
		}
	}
	return out
}

// guarded runs fn through the circuit breaker (if configured) and records
// adapter call metrics, matching the teacher's resilience.Execute wrapping.
func (e *Extractor) guarded(ctx context.Context, adapter string, fn func() error) error {
	start := time.Now()
	var err error
	if e.breaker != nil {
		err = e.breaker.Execute(ctx, fn)
	} else {
		err = fn()
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveAdapterCall(adapter, outcome, time.Since(start))
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return cqerrors.CircuitOpen("extractor").WithDetail("adapter", adapter)
	}
	return err
}
