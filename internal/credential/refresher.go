package credential

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	apperrors "poly2api-go/internal/errors"
	"poly2api-go/internal/monitoring"
)

// RefreshProtocol performs the provider-specific token exchange for one
// auth method. Implementations live with their upstream clients.
type RefreshProtocol interface {
	RefreshToken(ctx context.Context, cred *Credential) (*TokenUpdate, error)
}

type flight struct {
	done chan struct{}
	cred *Credential
	err  error
}

const flightShards = 16

type flightShard struct {
	mu      sync.Mutex
	flights map[int64]*flight
}

// Refresher owns token refresh: per-credential singleflight, terminal-failure
// quarantine, and the periodic sweep over pool and error table.
type Refresher struct {
	store     Store
	protocols map[AuthMethod]RefreshProtocol
	threshold time.Duration
	timeout   time.Duration
	shards    [flightShards]flightShard
}

// NewRefresher wires a refresher. threshold is how close to expiry a token
// must be before it is refreshed; timeout bounds one refresh call.
func NewRefresher(store Store, protocols map[AuthMethod]RefreshProtocol, threshold, timeout time.Duration) *Refresher {
	r := &Refresher{
		store:     store,
		protocols: protocols,
		threshold: threshold,
		timeout:   timeout,
	}
	for i := range r.shards {
		r.shards[i].flights = make(map[int64]*flight)
	}
	return r
}

func (r *Refresher) shard(id int64) *flightShard {
	return &r.shards[uint64(id)%flightShards]
}

// EnsureFresh returns the credential, refreshed first if it is inside the
// threshold window.
func (r *Refresher) EnsureFresh(ctx context.Context, cred *Credential) (*Credential, error) {
	if !cred.NeedsRefresh(time.Now(), r.threshold) {
		return cred, nil
	}
	return r.Refresh(ctx, cred)
}

// Refresh refreshes one credential. Concurrent callers for the same id share
// a single in-flight exchange; the flight handle is inserted under the shard
// lock with no suspension in between. A caller whose ctx ends while waiting
// abandons the wait, but the refresh itself keeps running to completion.
func (r *Refresher) Refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	s := r.shard(cred.ID)

	s.mu.Lock()
	if f, ok := s.flights[cred.ID]; ok {
		s.mu.Unlock()
		return r.wait(ctx, f)
	}
	f := &flight{done: make(chan struct{})}
	s.flights[cred.ID] = f
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.flights, cred.ID)
			s.mu.Unlock()
			close(f.done)
		}()
		// detached from the caller so an abandoned wait cannot kill the
		// exchange mid-flight
		rctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		f.cred, f.err = r.doRefresh(rctx, cred)
	}()

	return r.wait(ctx, f)
}

func (r *Refresher) wait(ctx context.Context, f *flight) (*Credential, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.cred.Clone(), nil
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.KindCanceled, "refresh wait canceled", ctx.Err())
	}
}

func (r *Refresher) doRefresh(ctx context.Context, cred *Credential) (*Credential, error) {
	// Work from the current store row, not the caller's snapshot: a refresh
	// may have landed since the snapshot was taken, and a rotated-away
	// refresh token must never go back on the wire.
	if current, err := r.store.Get(ctx, cred.ID); err == nil {
		if !current.NeedsRefresh(time.Now(), r.threshold) {
			return current, nil
		}
		cred = current
	}

	proto, ok := r.protocols[cred.AuthMethod]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindInternal, "no refresh protocol for auth method %q", cred.AuthMethod)
	}

	upd, err := proto.RefreshToken(ctx, cred)
	if err == nil && (upd == nil || upd.AccessToken == "") {
		err = apperrors.New(apperrors.KindAuth, "refresh response carried no access token")
	}
	if err != nil {
		monitoring.CredentialRefreshesTotal.WithLabelValues("failure").Inc()
		kind := apperrors.KindOf(err)
		if kind == apperrors.KindAuth || kind == apperrors.KindBadRequest {
			log.WithError(err).Warnf("credential %d refresh rejected, quarantining", cred.ID)
			if qerr := r.store.Quarantine(context.Background(), cred.ID, "auth", err.Error()); qerr != nil {
				log.WithError(qerr).Errorf("credential %d quarantine failed", cred.ID)
			}
			return nil, err
		}
		log.WithError(err).Warnf("credential %d refresh failed transiently", cred.ID)
		if rerr := r.store.RecordError(context.Background(), cred.ID, err.Error()); rerr != nil {
			log.WithError(rerr).Warnf("credential %d error record failed", cred.ID)
		}
		return nil, err
	}

	monitoring.CredentialRefreshesTotal.WithLabelValues("success").Inc()
	if err := r.store.UpdateTokens(ctx, cred.ID, upd); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "persisting refreshed tokens", err)
	}
	if upd.ProjectID != "" && upd.ProjectID != cred.ProjectID {
		if err := r.store.SetProjectID(ctx, cred.ID, upd.ProjectID); err != nil {
			log.WithError(err).Warnf("credential %d project id persist failed", cred.ID)
		}
	}

	fresh := cred.Clone()
	fresh.AccessToken = upd.AccessToken
	if upd.RefreshToken != "" {
		fresh.RefreshToken = upd.RefreshToken
	}
	fresh.ExpiresAt = upd.ExpiresAt
	if upd.ProjectID != "" {
		fresh.ProjectID = upd.ProjectID
	}
	log.Debugf("credential %d refreshed", cred.ID)
	return fresh, nil
}

// Sweep refreshes every active credential inside the threshold window and
// re-probes quarantined credentials that still hold a refresh token. A
// successful probe restores the credential to the pool.
func (r *Refresher) Sweep(ctx context.Context) {
	for _, provider := range KnownProviders {
		creds, err := r.store.ListPool(ctx, provider)
		if err != nil {
			log.WithError(err).Warnf("refresh sweep: listing %s pool failed", provider)
			continue
		}
		now := time.Now()
		for _, cred := range creds {
			if !cred.NeedsRefresh(now, r.threshold) {
				continue
			}
			if _, err := r.Refresh(ctx, cred); err != nil {
				log.WithError(err).Warnf("refresh sweep: credential %d", cred.ID)
			}
		}
	}

	quarantined, err := r.store.ListQuarantined(ctx)
	if err != nil {
		log.WithError(err).Warn("refresh sweep: listing error table failed")
		return
	}
	for _, cred := range quarantined {
		if cred.RefreshToken == "" {
			continue
		}
		proto, ok := r.protocols[cred.AuthMethod]
		if !ok {
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, r.timeout)
		upd, err := proto.RefreshToken(rctx, cred)
		cancel()
		if err != nil || upd == nil || upd.AccessToken == "" {
			continue
		}
		if err := r.store.Restore(ctx, cred.ID); err != nil {
			log.WithError(err).Warnf("credential %d restore failed", cred.ID)
			continue
		}
		if err := r.store.UpdateTokens(ctx, cred.ID, upd); err != nil {
			log.WithError(err).Warnf("credential %d restore token update failed", cred.ID)
			continue
		}
		log.Infof("credential %d restored from error table", cred.ID)
	}
}

// Run sweeps on the given cadence until ctx is done.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
