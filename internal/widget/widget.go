package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/surveykit/internal/display"
	"github.com/kalambet/surveykit/internal/remote"
	"github.com/kalambet/surveykit/internal/state"
	"github.com/kalambet/surveykit/internal/storage"
	"github.com/kalambet/surveykit/internal/syncer"
	"github.com/kalambet/surveykit/internal/tracker"
	"github.com/kalambet/surveykit/internal/transport"
)

// ErrNotInitialized is returned by calls made before Init or after Logout.
var ErrNotInitialized = errors.New("runtime not initialized")

// InitConfig configures one environment. EnvironmentID and APIHost are
// required.
type InitConfig struct {
	EnvironmentID string
	APIHost       string
	UserID        string
	Attributes    map[string]string
	Sync          syncer.Options
	Transport     transport.Options
}

// components live from Init to Logout.
type components struct {
	env       string
	client    *remote.Client
	engine    *syncer.Engine
	tracker   *tracker.Tracker
	ctrl      *display.Controller
	transport *transport.Transport
}

// Runtime is the host-facing survey runtime. Calls that reach the network
// return an *Op and never block the caller.
type Runtime struct {
	store    *state.Store
	history  *storage.Store
	renderer display.Renderer
	logger   *slog.Logger

	mu   sync.Mutex
	c    *components
	life context.Context
	stop context.CancelFunc
}

// New creates a Runtime that persists displays and the snapshot cache in
// history and shows surveys through renderer.
func New(history *storage.Store, renderer display.Renderer, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		store:    state.NewStore(),
		history:  history,
		renderer: renderer,
		logger:   logger,
	}
}

// Init validates cfg, wires the runtime for the environment and starts the
// first sync in the background. Missing required fields are reported here,
// before any work starts. Calling Init again for the same environment is a
// no-op.
func (r *Runtime) Init(cfg InitConfig) (*Op, error) {
	if cfg.EnvironmentID == "" {
		return nil, errors.New("init: environment id is required")
	}
	if cfg.APIHost == "" {
		return nil, errors.New("init: api host is required")
	}

	r.mu.Lock()
	if r.c != nil {
		env := r.c.env
		r.mu.Unlock()
		if env == cfg.EnvironmentID {
			return finished(nil), nil
		}
		return nil, fmt.Errorf("init: already initialized for environment %s", env)
	}

	life, stop := context.WithCancel(context.Background())
	c := r.build(life, cfg)
	r.c, r.life, r.stop = c, life, stop
	r.mu.Unlock()

	go c.engine.Run(life)

	return start(life, func(ctx context.Context) error {
		snap, fromCache, err := c.engine.Init(ctx)
		if err != nil {
			r.logger.Warn("initial sync failed", "environment_id", cfg.EnvironmentID, "error", err)
		}
		for k, v := range cfg.Attributes {
			if err := c.engine.SetAttribute(ctx, k, v); err != nil {
				r.logger.Info("initial attribute not synced", "key", k, "error", err)
			}
		}
		if err == nil && !fromCache && snap.Session.ID != "" {
			c.tracker.Automatic(ctx, tracker.NewSessionAction)
		}
		return err
	}), nil
}

func (r *Runtime) build(life context.Context, cfg InitConfig) *components {
	client := remote.New(cfg.APIHost, cfg.EnvironmentID)

	syncOpts := cfg.Sync
	syncOpts.EnvironmentID = cfg.EnvironmentID
	syncOpts.UserID = cfg.UserID
	if syncOpts.Logger == nil {
		syncOpts.Logger = r.logger
	}
	trOpts := cfg.Transport
	if trOpts.Logger == nil {
		trOpts.Logger = r.logger
	}

	c := &components{
		env:       cfg.EnvironmentID,
		client:    client,
		engine:    syncer.New(client, r.store, r.history, syncOpts),
		transport: transport.New(client, trOpts),
	}
	c.ctrl = display.New(display.Config{
		EnvironmentID: cfg.EnvironmentID,
		Store:         r.store,
		History:       r.history,
		Renderer:      r.renderer,
		Sink:          c.transport,
		Reporter:      client,
		Logger:        r.logger,
	})
	c.tracker = tracker.New(r.store, c.ctrl)

	c.engine.OnInstall(func(old, cur *state.Snapshot) {
		c.ctrl.Reinstate(old, cur)
		if !old.Empty() && cur.Session.ID != "" && cur.Session.ID != old.Session.ID {
			r.logger.Info("new session", "environment_id", cur.EnvironmentID, "session_id", cur.Session.ID)
			c.tracker.Automatic(life, tracker.NewSessionAction)
		}
	})
	return c
}

// run executes fn in the background with the live components.
func (r *Runtime) run(fn func(ctx context.Context, c *components) error) *Op {
	r.mu.Lock()
	c, life := r.c, r.life
	r.mu.Unlock()
	if c == nil {
		return finished(ErrNotInitialized)
	}
	return start(life, func(ctx context.Context) error {
		return fn(ctx, c)
	})
}

// Track fires a code action. An identifier that matches no registered code
// fails the Op with an invalid_code error.
func (r *Runtime) Track(identifier string) *Op {
	return r.run(func(ctx context.Context, c *components) error {
		_, err := c.tracker.Track(ctx, identifier)
		return err
	})
}

// SetAttribute sets a person attribute locally and on the service.
func (r *Runtime) SetAttribute(key, value string) *Op {
	return r.run(func(ctx context.Context, c *components) error {
		return c.engine.SetAttribute(ctx, key, value)
	})
}

// SetEmail sets the email attribute.
func (r *Runtime) SetEmail(email string) *Op {
	return r.SetAttribute("email", email)
}

// SetUserID identifies the person and resyncs.
func (r *Runtime) SetUserID(userID string) *Op {
	return r.run(func(ctx context.Context, c *components) error {
		_, err := c.engine.SetUserID(ctx, userID)
		return err
	})
}

// RegisterRouteChange refreshes state after navigation and evaluates
// page-view rules for url. Rules are evaluated against the last good
// snapshot even if the refresh fails.
func (r *Runtime) RegisterRouteChange(url string) *Op {
	return r.run(func(ctx context.Context, c *components) error {
		_, err := c.engine.RouteChanged(ctx)
		if err != nil {
			r.logger.Info("sync on route change failed", "error", err)
		}
		c.tracker.PageView(ctx, url)
		return err
	})
}

// Click evaluates click rules for a clicked element.
func (r *Runtime) Click(click tracker.PageClick) *Op {
	return r.run(func(ctx context.Context, c *components) error {
		_, err := c.tracker.Click(ctx, click)
		return err
	})
}

// Answer records an answer for the displayed survey.
func (r *Runtime) Answer(surveyID, questionID string, value any) error {
	c, _, err := r.live()
	if err != nil {
		return err
	}
	return c.ctrl.Answer(surveyID, questionID, value)
}

// Complete finishes the displayed survey.
func (r *Runtime) Complete(surveyID string) error {
	c, life, err := r.live()
	if err != nil {
		return err
	}
	return c.ctrl.Complete(life, surveyID)
}

// Dismiss closes the displayed survey without finishing it.
func (r *Runtime) Dismiss(surveyID string) error {
	c, life, err := r.live()
	if err != nil {
		return err
	}
	return c.ctrl.Dismiss(life, surveyID)
}

func (r *Runtime) live() (*components, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return nil, nil, ErrNotInitialized
	}
	return r.c, r.life, nil
}

// Logout stops background work, abandons undelivered responses and forgets
// the person, the snapshot and the local history of the environment. The
// runtime can be initialized again afterwards.
func (r *Runtime) Logout() *Op {
	r.mu.Lock()
	c, stop := r.c, r.stop
	r.c, r.life, r.stop = nil, nil, nil
	r.mu.Unlock()
	if c == nil {
		return finished(ErrNotInitialized)
	}

	stop()
	c.engine.Reset()
	c.engine.Close()
	c.transport.Close()
	c.ctrl.Reset()
	r.store.Reset()

	if err := r.history.ClearEnvironment(c.env); err != nil {
		return finished(fmt.Errorf("clearing local data: %w", err))
	}
	r.logger.Info("logged out", "environment_id", c.env)
	return finished(nil)
}

// Close waits for queued responses until ctx ends, then stops background
// work. Local data is kept.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	c, stop := r.c, r.stop
	r.c, r.life, r.stop = nil, nil, nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}

	err := c.transport.Drain(ctx)
	stop()
	c.engine.Close()
	c.transport.Close()
	return err
}

// State returns the current snapshot.
func (r *Runtime) State() *state.Snapshot {
	return r.store.Get()
}

// EnvironmentID returns the initialized environment, or "".
func (r *Runtime) EnvironmentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return ""
	}
	return r.c.env
}

// Current returns the displayed survey, if any.
func (r *Runtime) Current() (display.Mount, bool) {
	c, _, err := r.live()
	if err != nil {
		return display.Mount{}, false
	}
	return c.ctrl.Current()
}

// Phase returns where a survey stands in this session.
func (r *Runtime) Phase(surveyID string) display.Phase {
	c, _, err := r.live()
	if err != nil {
		return display.Idle
	}
	return c.ctrl.Phase(surveyID)
}

// Displays returns the most recent displays of the environment.
func (r *Runtime) Displays(limit int) ([]storage.DisplayRecord, error) {
	c, _, err := r.live()
	if err != nil {
		return nil, err
	}
	return r.history.ListDisplays(c.env, limit)
}

// Drain waits until queued responses were delivered or dropped.
func (r *Runtime) Drain(ctx context.Context) error {
	c, _, err := r.live()
	if err != nil {
		return err
	}
	return c.transport.Drain(ctx)
}
