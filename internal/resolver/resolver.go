// Package resolver drives the bounded retry loop that turns one phone number
// into an operator name, juggling proxy identity selection, session renewal
// and transient-error rotation under a hard deadline.
package resolver

import (
	"context"
	"time"

	"github.com/jesus-bazan-entel/apimovil/internal/carrier"
	"github.com/jesus-bazan-entel/apimovil/internal/circuitbreaker"
	"github.com/jesus-bazan-entel/apimovil/internal/config"
	"github.com/jesus-bazan-entel/apimovil/internal/errors"
	"github.com/jesus-bazan-entel/apimovil/internal/logging"
	"github.com/jesus-bazan-entel/apimovil/internal/models"
	"github.com/jesus-bazan-entel/apimovil/internal/proxy"
)

// CarrierClient is the single-attempt lookup the resolver retries around
type CarrierClient interface {
	Query(ctx context.Context, id *proxy.Identity, phone string) carrier.Outcome
}

// SessionStore manages per-identity authenticated sessions
type SessionStore interface {
	Ensure(ctx context.Context, id *proxy.Identity) (*carrier.Session, error)
	Invalidate(id *proxy.Identity)
}

// AuditSink receives one row per network attempt. Implementations must not
// block the resolution loop; a nil sink disables auditing.
type AuditSink interface {
	RecordAttempt(ctx context.Context, attempt *models.LookupAttempt)
}

// Resolution is the terminal result of resolving one number. Operator is the
// unresolved marker when every attempt failed within the budget.
type Resolution struct {
	Operator string
	Source   string
	Attempts int
}

// Resolver resolves single numbers through the proxy pool. It is safe for
// concurrent use; each Resolve call owns its own attempt state.
type Resolver struct {
	cfg      config.ResolverConfig
	pool     *proxy.Pool
	sessions SessionStore
	client   CarrierClient
	audit    AuditSink
	logger   *logging.Logger
}

// New creates a resolver. audit may be nil.
func New(cfg config.ResolverConfig, pool *proxy.Pool, sessions SessionStore, client CarrierClient, audit AuditSink, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Resolver{
		cfg:      cfg,
		pool:     pool,
		sessions: sessions,
		client:   client,
		audit:    audit,
		logger:   logger.WithField("component", "resolver"),
	}
}

// Resolve runs the retry loop for one number. It returns an error only when
// no proxy capacity is available at all, so the caller can reschedule the
// whole chunk; every other failure mode ends in a Resolution carrying the
// unresolved marker.
func (r *Resolver) Resolve(ctx context.Context, user, phone string) (*Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()

	log := r.logger.WithFields(map[string]interface{}{
		"user":  user,
		"phone": phone,
	})

	attempts := 0
	consecutiveTransients := 0
	consecutiveFatals := 0

	for attempts < r.cfg.MaxAttempts {
		if ctx.Err() != nil {
			break
		}

		ids := r.pool.Identities(user)
		idx, err := r.pool.Best(user)
		if err != nil {
			if errors.IsCapacityExhausted(err) {
				return nil, err
			}
			return nil, err
		}

		id, outcome, elapsed, err := r.attempt(ctx, user, ids[idx], phone)
		if err != nil {
			// no identity could establish a session this attempt
			attempts++
			r.emit(ctx, user, phone, id, attempts, "auth_failed", err.Error(), elapsed)
			log.WithError(err).WithField("identity", id.Key()).Debug("session establishment failed")
			continue
		}

		attempts++
		r.emit(ctx, user, phone, id, attempts, outcome.Kind.String(), outcome.Detail, elapsed)

		switch outcome.Kind {
		case carrier.OutcomeSuccess, carrier.OutcomeCarrierSentinel:
			r.pool.RecordSuccess(id, elapsed)
			return &Resolution{
				Operator: outcome.Operator,
				Source:   models.SourceScraping,
				Attempts: attempts,
			}, nil

		case carrier.OutcomeAuthExpired:
			// renew in place: same identity, fresh handshake on next attempt
			r.sessions.Invalidate(id)
			r.pool.RecordLatency(id, elapsed)
			consecutiveTransients = 0
			consecutiveFatals = 0

		case carrier.OutcomeTransient:
			r.pool.RecordError(id, outcome.Transient)
			consecutiveTransients++
			consecutiveFatals = 0
			if consecutiveTransients >= r.cfg.RotateAfter {
				r.pool.Blacklist(id, "transient burst", 0)
				consecutiveTransients = 0
				log.WithField("identity", id.Key()).Debug("rotating identity after transient burst")
			}

		case carrier.OutcomeFatal:
			r.pool.RecordLatency(id, elapsed)
			consecutiveFatals++
			if consecutiveFatals >= 2 {
				log.WithField("detail", outcome.Detail).Warn("repeated fatal outcome, marking unresolved")
				return &Resolution{
					Operator: models.UnresolvedOperator,
					Source:   models.SourceUnresolved,
					Attempts: attempts,
				}, nil
			}
			consecutiveTransients = 0
			r.pool.Blacklist(id, "unexpected response", 0)
			log.WithField("detail", outcome.Detail).Warn("fatal lookup outcome, rotating identity")
		}
	}

	log.WithField("attempts", attempts).Warn("resolution budget exhausted")
	return &Resolution{
		Operator: models.UnresolvedOperator,
		Source:   models.SourceUnresolved,
		Attempts: attempts,
	}, nil
}

// attempt acquires an identity, waits for its rate limiter, ensures a
// session and performs exactly one lookup. A failed handshake rotates to a
// different identity before the next try, up to AuthAttempts handshakes.
// The identity that served (or last failed) the call is returned alongside
// the outcome; a non-nil error means no session could be established.
func (r *Resolver) attempt(ctx context.Context, user string, id *proxy.Identity, phone string) (*proxy.Identity, carrier.Outcome, time.Duration, error) {
	var sessErr error
	for i := 0; i < r.cfg.AuthAttempts; i++ {
		r.pool.Acquire(id)
		if err := r.pool.Limiter(id).Wait(ctx); err != nil {
			r.pool.Release(id)
			return id, carrier.Outcome{}, 0, err
		}
		if _, sessErr = r.sessions.Ensure(ctx, id); sessErr == nil {
			start := time.Now()
			outcome := r.client.Query(ctx, id, phone)
			elapsed := time.Since(start)
			r.pool.Release(id)
			return id, outcome, elapsed, nil
		}
		r.pool.Release(id)
		r.sessions.Invalidate(id)
		r.pool.RecordError(id, errors.TransientConnection)
		alt, ok := r.alternate(user, id)
		if !ok {
			break
		}
		id = alt
	}
	return id, carrier.Outcome{}, 0, sessErr
}

// alternate returns a usable identity other than cur, if the user has one
func (r *Resolver) alternate(user string, cur *proxy.Identity) (*proxy.Identity, bool) {
	ids := r.pool.Identities(user)
	byKey := make(map[string]*proxy.Identity, len(ids))
	for _, id := range ids {
		byKey[id.Key()] = id
	}
	for _, st := range r.pool.Stats(user) {
		if st.Key == cur.Key() || st.Blacklisted || st.BreakerState == circuitbreaker.StateOpen {
			continue
		}
		if id, ok := byKey[st.Key]; ok {
			return id, true
		}
	}
	return nil, false
}

func (r *Resolver) emit(ctx context.Context, user, phone string, id *proxy.Identity, attempt int, outcome, detail string, elapsed time.Duration) {
	if r.audit == nil {
		return
	}
	r.audit.RecordAttempt(ctx, &models.LookupAttempt{
		OwnerUser:   user,
		PhoneNumber: phone,
		IdentityKey: id.Key(),
		Attempt:     attempt,
		Outcome:     outcome,
		Detail:      detail,
		Elapsed:     elapsed,
		ObservedAt:  time.Now(),
	})
}
