package upstream

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"poly2api-go/internal/credential"
	apperrors "poly2api-go/internal/errors"
	"poly2api-go/internal/monitoring"
	"poly2api-go/internal/monitoring/tracing"
	"poly2api-go/internal/translator"
)

// Executor runs the selection/failover loop: pick a credential, lock it,
// refresh if needed, dispatch, classify the outcome, move on or abort.
type Executor struct {
	Store       credential.Store
	Selector    *credential.Selector
	Health      *credential.HealthTracker
	Refresher   *credential.Refresher
	Locks       *credential.LockManager
	Dispatchers map[credential.Provider]Dispatcher

	// MaxAttempts caps the loop; the pool size caps it further.
	MaxAttempts int
	// QuarantineAfter moves a credential to the error table after this many
	// consecutive auth failures.
	QuarantineAfter int

	mu          sync.Mutex
	authStrikes map[int64]int
}

// NewExecutor wires the failover loop over the shared pool runtime.
func NewExecutor(store credential.Store, sel *credential.Selector, health *credential.HealthTracker,
	ref *credential.Refresher, locks *credential.LockManager,
	dispatchers map[credential.Provider]Dispatcher, maxAttempts, quarantineAfter int) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if quarantineAfter <= 0 {
		quarantineAfter = 2
	}
	return &Executor{
		Store:           store,
		Selector:        sel,
		Health:          health,
		Refresher:       ref,
		Locks:           locks,
		Dispatchers:     dispatchers,
		MaxAttempts:     maxAttempts,
		QuarantineAfter: quarantineAfter,
		authStrikes:     make(map[int64]int),
	}
}

// Execute runs up to min(MaxAttempts, |pool|) attempts. Within one request a
// credential is never selected twice. A bad-request outcome aborts the loop:
// it will not succeed against a different credential.
func (e *Executor) Execute(ctx context.Context, provider credential.Provider, req *translator.Request) (*Result, error) {
	dispatcher, ok := e.Dispatchers[provider]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindBadRequest, "provider %q is not served", provider)
	}

	pool, err := e.Store.ListPool(ctx, provider)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "listing credential pool", err)
	}
	if len(pool) == 0 {
		return nil, apperrors.Newf(apperrors.KindUnavailable, "No active credentials for provider %q", provider)
	}

	attempts := e.MaxAttempts
	if len(pool) < attempts {
		attempts = len(pool)
	}

	excluded := make(map[int64]bool, attempts)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		cred := e.Selector.Select(ctx, provider, pool, credential.SelectOptions{
			SessionID: req.SessionID,
			Model:     req.Model,
			Exclude:   excluded,
		})
		if cred == nil {
			break
		}
		excluded[cred.ID] = true

		result, err := e.attempt(ctx, dispatcher, cred, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		monitoring.FailoverAttemptsTotal.WithLabelValues(string(provider)).Inc()
		if apperrors.KindOf(err) == apperrors.KindBadRequest {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(apperrors.KindCanceled, "request canceled", ctx.Err())
		}
		log.WithError(err).Warnf("attempt %d/%d on credential %d failed, failing over", attempt, attempts, cred.ID)
	}

	if lastErr == nil {
		lastErr = apperrors.Newf(apperrors.KindUnavailable, "no credential available for provider %q", provider)
	}
	return nil, lastErr
}

// attempt dispatches on one credential under its lock. For streams the lock
// is handed to the stream wrapper and released when the stream ends.
func (e *Executor) attempt(ctx context.Context, dispatcher Dispatcher, cred *credential.Credential, req *translator.Request) (*Result, error) {
	release, err := e.Locks.Acquire(ctx, cred.ID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindCanceled, "waiting for credential lock", err)
	}
	locked := true
	defer func() {
		if locked {
			release()
		}
	}()

	fresh, err := e.Refresher.EnsureFresh(ctx, cred)
	if err != nil {
		e.recordFailure(cred, err)
		return nil, err
	}

	spanCtx, span := tracing.Start(ctx, "upstream.dispatch",
		attribute.String("provider", string(cred.Provider)),
		attribute.String("model", req.Model))
	start := time.Now()
	result, err := dispatcher.Dispatch(spanCtx, fresh, req)
	span.End()
	monitoring.UpstreamRequestDuration.WithLabelValues(string(cred.Provider)).Observe(time.Since(start).Seconds())
	if err != nil {
		monitoring.UpstreamRequestsTotal.WithLabelValues(string(cred.Provider), apperrors.KindOf(err).String()).Inc()
		e.recordFailure(cred, err)
		return nil, err
	}
	monitoring.UpstreamRequestsTotal.WithLabelValues(string(cred.Provider), "success").Inc()
	result.CredentialID = cred.ID

	if result.Stream != nil {
		locked = false // ownership moves to the wrapper
		result.Stream = e.wrapStream(result.Stream, cred, release)
		return result, nil
	}

	e.recordSuccess(cred)
	return result, nil
}

// wrapStream relays events and settles the attempt when the stream ends:
// success on clean completion, failure on an error event. Release fires on
// every path, including a consumer that stops reading without draining.
func (e *Executor) wrapStream(s *Stream, cred *credential.Credential, release func()) *Stream {
	out := make(chan translator.StreamEvent, 16)
	gone := make(chan struct{})
	var closeGone sync.Once
	go func() {
		defer release()
		defer close(out)
		failed := false
		canceled := false
	relay:
		for ev := range s.Events {
			if ev.Type == translator.EventError {
				if apperrors.KindOf(ev.Err) == apperrors.KindCanceled {
					canceled = true
				} else {
					failed = true
				}
			}
			select {
			case out <- ev:
			case <-gone:
				canceled = true
				break relay
			}
		}
		if canceled {
			// consumer is gone; drain so the upstream goroutine can exit
			for range s.Events {
			}
		}
		switch {
		case canceled:
			// client went away; the credential did nothing wrong
		case failed:
			e.recordFailure(cred, apperrors.New(apperrors.KindTransient, "stream ended with error"))
		default:
			e.recordSuccess(cred)
		}
	}()
	return &Stream{Events: out, Cancel: func() {
		closeGone.Do(func() { close(gone) })
		s.Cancel()
	}}
}

func (e *Executor) recordSuccess(cred *credential.Credential) {
	e.Health.RecordSuccess(cred.Provider, cred.ID)
	e.mu.Lock()
	delete(e.authStrikes, cred.ID)
	e.mu.Unlock()
	if err := e.Store.MarkUsed(context.Background(), cred.ID); err != nil {
		log.WithError(err).Warnf("credential %d use mark failed", cred.ID)
	}
}

func (e *Executor) recordFailure(cred *credential.Credential, err error) {
	kind := apperrors.KindOf(err)
	switch kind {
	case apperrors.KindRateLimit:
		e.Health.RecordRateLimit(cred.Provider, cred.ID)
	case apperrors.KindAuth:
		e.Health.RecordFailure(cred.Provider, cred.ID, "auth")
		e.mu.Lock()
		e.authStrikes[cred.ID]++
		strikes := e.authStrikes[cred.ID]
		e.mu.Unlock()
		if strikes >= e.QuarantineAfter {
			log.Warnf("credential %d hit %d consecutive auth failures, quarantining", cred.ID, strikes)
			monitoring.CredentialQuarantinesTotal.Inc()
			if qerr := e.Store.Quarantine(context.Background(), cred.ID, "auth", err.Error()); qerr != nil {
				log.WithError(qerr).Errorf("credential %d quarantine failed", cred.ID)
			}
			e.mu.Lock()
			delete(e.authStrikes, cred.ID)
			e.mu.Unlock()
		}
	case apperrors.KindTransient, apperrors.KindUnavailable:
		// upstream trouble, not the credential's fault; no score penalty
	case apperrors.KindCanceled:
		return
	default:
		e.Health.RecordFailure(cred.Provider, cred.ID, kind.String())
	}
	if rerr := e.Store.RecordError(context.Background(), cred.ID, err.Error()); rerr != nil {
		log.WithError(rerr).Warnf("credential %d error record failed", cred.ID)
	}
}
