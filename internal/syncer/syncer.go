package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/surveykit/internal/errs"
	"github.com/kalambet/surveykit/internal/remote"
	"github.com/kalambet/surveykit/internal/state"
	"github.com/kalambet/surveykit/internal/storage"
)

// Fetcher is the part of the remote client the engine depends on.
type Fetcher interface {
	FetchState(ctx context.Context, id remote.Identity) (*state.Snapshot, error)
	UpdateAttribute(ctx context.Context, personID, key, value string) error
}

// Cache persists the last installed snapshot across restarts.
type Cache interface {
	SaveSnapshot(c storage.CachedSnapshot) error
	LoadSnapshot(environmentID string) (storage.CachedSnapshot, error)
}

// InstallFunc is called after every snapshot install with the snapshot it
// replaced. old is never nil; it is empty on the first install.
type InstallFunc func(old, cur *state.Snapshot)

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	EnvironmentID string
	UserID        string
	Interval      time.Duration // scheduled refresh cadence, default 5m
	MaxRetries    int           // retries after the first failed fetch per cycle
	Backoff       time.Duration // first retry delay, doubled per retry, default 1s
	TTL           time.Duration // snapshot lifetime when the service sets none
	Logger        *slog.Logger
}

// Engine keeps the state store in step with the remote service.
type Engine struct {
	fetcher Fetcher
	store   *state.Store
	cache   Cache
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	userID string
	gen    uint64
	// rev counts local identity and attribute changes. A fetch started at an
	// older rev never serves callers that arrive after the change, and never
	// replaces a snapshot fetched at a newer rev.
	rev          uint64
	installedRev uint64
	life      context.Context
	stop      context.CancelFunc
	listeners []InstallFunc
}

// New creates an Engine. cache may be nil.
func New(fetcher Fetcher, store *state.Store, cache Cache, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	life, stop := context.WithCancel(context.Background())
	return &Engine{
		fetcher: fetcher,
		store:   store,
		cache:   cache,
		opts:    opts,
		logger:  logger.With("environment_id", opts.EnvironmentID),
		now:     time.Now,
		userID:  opts.UserID,
		life:    life,
		stop:    stop,
	}
}

// OnInstall registers fn to run after each snapshot install.
func (e *Engine) OnInstall(fn InstallFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Init installs the cached snapshot when it belongs to this environment and
// has not expired. Otherwise it syncs from the service. The returned flag
// reports whether the cache was used.
func (e *Engine) Init(ctx context.Context) (*state.Snapshot, bool, error) {
	if snap := e.loadCached(); snap != nil {
		gen, rev := e.epoch()
		err := e.install(gen, rev, snap)
		if err == nil {
			e.logger.Debug("installed cached snapshot", "version", snap.Version)
			return snap, true, nil
		}
		e.logger.Warn("cached snapshot rejected", "error", err)
	}
	snap, err := e.Sync(ctx)
	return snap, false, err
}

func (e *Engine) loadCached() *state.Snapshot {
	if e.cache == nil {
		return nil
	}
	c, err := e.cache.LoadSnapshot(e.opts.EnvironmentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		e.logger.Warn("loading cached snapshot", "error", err)
		return nil
	}
	var snap state.Snapshot
	if err := json.Unmarshal([]byte(c.Payload), &snap); err != nil {
		e.logger.Warn("decoding cached snapshot", "error", err)
		return nil
	}
	if snap.EnvironmentID != e.opts.EnvironmentID || snap.Expired(e.now()) {
		return nil
	}
	return &snap
}

// Sync fetches and installs a fresh snapshot. Concurrent calls share one
// in-flight fetch per environment and identity. Cancelling ctx returns early for this
// caller only; the shared fetch keeps going for the others.
//
// On failure the current snapshot is left in place.
func (e *Engine) Sync(ctx context.Context) (*state.Snapshot, error) {
	e.mu.Lock()
	gen, rev, life := e.gen, e.rev, e.life
	e.mu.Unlock()

	key := fmt.Sprintf("%s/%d/%d", e.opts.EnvironmentID, gen, rev)
	ch := e.group.DoChan(key, func() (any, error) {
		return e.syncWithRetry(life, gen, rev)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*state.Snapshot), nil
	}
}

// RouteChanged refreshes state after the host navigated.
func (e *Engine) RouteChanged(ctx context.Context) (*state.Snapshot, error) {
	return e.Sync(ctx)
}

func (e *Engine) syncWithRetry(ctx context.Context, gen, rev uint64) (*state.Snapshot, error) {
	for attempt := 0; ; attempt++ {
		snap, err := e.fetchAndInstall(ctx, gen, rev)
		if err == nil {
			return snap, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errs.Retryable(err) {
			e.logger.Warn("sync failed, not retrying", "error", err)
			return nil, err
		}
		if attempt >= e.opts.MaxRetries {
			e.logger.Warn("sync failed, giving up until next cycle", "attempt", attempt+1, "error", err)
			return nil, err
		}

		delay := e.opts.Backoff << attempt
		e.logger.Warn("sync failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (e *Engine) fetchAndInstall(ctx context.Context, gen, rev uint64) (*state.Snapshot, error) {
	snap, err := e.fetcher.FetchState(ctx, e.identity())
	if err != nil {
		return nil, err
	}
	if snap.ExpiresAt.IsZero() && e.opts.TTL > 0 {
		snap.ExpiresAt = snap.FetchedAt.Add(e.opts.TTL)
	}
	if err := e.install(gen, rev, snap); err != nil {
		if errors.Is(err, errSuperseded) {
			e.logger.Debug("fetch superseded by a newer identity", "rev", rev)
			return e.store.Get(), nil
		}
		return nil, err
	}
	e.persist(snap)
	return snap, nil
}

// identity picks the person and session to ask for. An expired session is
// left out so the service starts a new one.
func (e *Engine) identity() remote.Identity {
	e.mu.Lock()
	id := remote.Identity{UserID: e.userID}
	e.mu.Unlock()

	cur := e.store.Get()
	if id.UserID == "" {
		id.UserID = cur.Person.UserID
	}
	if cur.Session.ID != "" && !cur.Session.Expired(e.now()) {
		id.SessionID = cur.Session.ID
	}
	return id
}

var (
	// errStale is returned when a reset happened while a fetch was in flight.
	errStale = errors.New("sync discarded after reset")
	// errSuperseded is returned when a fetch for a newer identity already
	// installed its snapshot.
	errSuperseded = errors.New("sync superseded")
)

func (e *Engine) install(gen, rev uint64, snap *state.Snapshot) error {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return errStale
	}
	if rev < e.installedRev {
		e.mu.Unlock()
		return errSuperseded
	}
	old, err := e.store.Replace(snap)
	if err == nil {
		e.installedRev = rev
	}
	listeners := append([]InstallFunc(nil), e.listeners...)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	for _, fn := range listeners {
		fn(old, snap)
	}
	return nil
}

func (e *Engine) persist(snap *state.Snapshot) {
	if e.cache == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		e.logger.Warn("encoding snapshot for cache", "error", err)
		return
	}
	err = e.cache.SaveSnapshot(storage.CachedSnapshot{
		EnvironmentID: snap.EnvironmentID,
		Payload:       string(payload),
		FetchedAt:     snap.FetchedAt,
		ExpiresAt:     snap.ExpiresAt,
	})
	if err != nil {
		e.logger.Warn("caching snapshot", "error", err)
	}
}

// Run syncs on every tick until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sync(ctx); err != nil && ctx.Err() == nil {
				e.logger.Info("scheduled sync failed", "error", err)
			}
		}
	}
}

// SetAttribute updates an attribute locally and then on the service. When the
// remote call fails the local value is kept and the error returned; when it
// succeeds a sync runs to pick up any surveys the attribute unlocked.
func (e *Engine) SetAttribute(ctx context.Context, key, value string) error {
	e.mu.Lock()
	e.rev++
	e.mu.Unlock()
	snap := e.store.SetAttribute(key, value)
	if snap.Person.ID == "" {
		e.logger.Debug("attribute kept locally, no person yet", "key", key)
		return nil
	}

	if err := e.fetcher.UpdateAttribute(ctx, snap.Person.ID, key, value); err != nil {
		e.logger.Warn("remote attribute update failed, keeping local value", "key", key, "error", err)
		return err
	}
	if _, err := e.Sync(ctx); err != nil {
		e.logger.Info("sync after attribute update failed", "error", err)
	}
	return nil
}

// SetUserID identifies the person and resyncs.
func (e *Engine) SetUserID(ctx context.Context, userID string) (*state.Snapshot, error) {
	e.mu.Lock()
	e.userID = userID
	e.rev++
	e.mu.Unlock()
	return e.Sync(ctx)
}

// Reset abandons in-flight syncs and forgets the identified user. Results of
// fetches started before Reset are discarded.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stop()
	e.gen++
	e.rev, e.installedRev = 0, 0
	e.userID = ""
	e.life, e.stop = context.WithCancel(context.Background())
}

// Close stops in-flight syncs for good.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stop()
}

func (e *Engine) epoch() (gen, rev uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen, e.rev
}
