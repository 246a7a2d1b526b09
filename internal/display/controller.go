package display

import (
	"context"
	"log/slog"
	"maps"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/surveykit/internal/errs"
	"github.com/kalambet/surveykit/internal/remote"
	"github.com/kalambet/surveykit/internal/state"
	"github.com/kalambet/surveykit/internal/storage"
)

// Phase is where a survey stands in the current session.
type Phase string

const (
	Idle       Phase = "idle"
	Eligible   Phase = "eligible"
	Displaying Phase = "displaying"
	Completed  Phase = "completed"
	Dismissed  Phase = "dismissed"
)

func (p Phase) terminal() bool {
	return p == Completed || p == Dismissed
}

// Mount is what the renderer needs to show one survey attempt.
type Mount struct {
	SurveyID  string       `json:"surveyId"`
	AttemptID string       `json:"attemptId"`
	Survey    state.Survey `json:"survey"`
	Placement string       `json:"placement,omitempty"`
}

// Renderer shows and hides surveys.
type Renderer interface {
	Mount(ctx context.Context, m Mount) error
	Unmount(surveyID string)
}

// History is the local display and response record.
type History interface {
	RecordDisplay(d storage.DisplayRecord) error
	DisplayStats(environmentID, surveyID string) (storage.DisplayStats, error)
	LastDisplayAny(environmentID string) (time.Time, error)
	RecordResponse(r storage.ResponseRecord) error
	HasResponded(environmentID, surveyID string) (bool, error)
}

// Sink accepts response updates for ordered delivery. The controller calls
// Enqueue with its lock held, so Enqueue must not block or call back.
type Sink interface {
	Enqueue(u remote.ResponseUpdate)
}

// DisplayReporter tells the service about displays. Optional.
type DisplayReporter interface {
	CreateDisplay(ctx context.Context, surveyID, personID string) (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config wires a Controller. Store, History, Renderer and Sink are required.
type Config struct {
	EnvironmentID string
	Store         *state.Store
	History       History
	Renderer      Renderer
	Sink          Sink
	Reporter      DisplayReporter
	Clock         Clock
	// Roll returns a number in [0, 100) compared with a survey's display
	// percentage.
	Roll   func() float64
	Logger *slog.Logger
}

// attempt is one showing of a survey, from eligibility to a terminal phase.
type attempt struct {
	survey    state.Survey
	id        string
	phase     Phase
	answers   map[string]any
	responded bool
	timer     *time.Timer
}

// Controller decides which triggered surveys are shown and drives the
// renderer. At most one survey is active (waiting out its delay or
// displaying); other eligible surveys wait in FIFO order.
type Controller struct {
	cfg       Config
	logger    *slog.Logger
	delayUnit time.Duration

	mu     sync.Mutex
	phases map[string]Phase
	active *attempt
	queue  []state.Survey
	gen    uint64
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Roll == nil {
		cfg.Roll = func() float64 { return rand.Float64() * 100 }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:       cfg,
		logger:    logger.With("environment_id", cfg.EnvironmentID),
		delayUnit: time.Second,
		phases:    make(map[string]Phase),
	}
}

// Offer evaluates triggered surveys. Eligible ones are activated or queued.
func (c *Controller) Offer(ctx context.Context, surveys []state.Survey) {
	var toMount *attempt

	c.mu.Lock()
	for _, sv := range surveys {
		if p := c.phases[sv.ID]; p == Eligible || p == Displaying {
			continue
		}
		if ok, reason := c.eligibleLocked(sv, true); !ok {
			c.logger.Debug("survey not eligible", "survey_id", sv.ID, "reason", reason)
			continue
		}
		c.phases[sv.ID] = Eligible
		if c.active != nil {
			c.queue = append(c.queue, sv)
			c.logger.Debug("survey queued", "survey_id", sv.ID, "queue", len(c.queue))
			continue
		}
		if a := c.activateLocked(sv); a != nil {
			toMount = a
		}
	}
	c.mu.Unlock()

	if toMount != nil {
		c.mount(ctx, toMount)
	}
}

// Eligible reports whether sv may be shown now and, if not, why.
func (c *Controller) Eligible(sv state.Survey) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eligibleLocked(sv, true)
}

// eligibleLocked checks status, session phase and recontact rules. The
// display percentage is rolled only when roll is set; a queued survey already
// passed its roll when it was offered.
func (c *Controller) eligibleLocked(sv state.Survey, roll bool) (bool, string) {
	if sv.Status != state.StatusInProgress {
		return false, "status " + string(sv.Status)
	}
	if c.phases[sv.ID].terminal() {
		return false, "already " + string(c.phases[sv.ID]) + " this session"
	}

	env := c.cfg.EnvironmentID
	now := c.cfg.Clock.Now()
	stats, err := c.cfg.History.DisplayStats(env, sv.ID)
	if err != nil {
		c.logger.Warn("reading display history", "survey_id", sv.ID, "error", err)
		return false, "display history unavailable"
	}

	if days := sv.Recontact.Days; days != nil {
		if withinDays(now, stats.Last, *days) {
			return false, "inside survey recontact window"
		}
	} else if days := c.cfg.Store.Get().Product.RecontactDays; days != nil {
		last, err := c.cfg.History.LastDisplayAny(env)
		if err != nil {
			c.logger.Warn("reading display history", "error", err)
			return false, "display history unavailable"
		}
		if withinDays(now, last, *days) {
			return false, "inside product recontact window"
		}
	}

	switch sv.Recontact.DisplayOption {
	case state.DisplayOnce:
		if stats.Count > 0 {
			return false, "already displayed once"
		}
	case state.DisplayMultiple:
		if c.responded(sv.ID) {
			return false, "already responded"
		}
	case state.DisplaySome:
		if lim := sv.Recontact.DisplayLimit; lim != nil && (stats.Count >= *lim || c.responded(sv.ID)) {
			return false, "display limit reached"
		}
	case state.RespondMultiple:
	default:
		if lim := sv.Recontact.DisplayLimit; lim != nil && stats.Count >= *lim {
			return false, "display limit reached"
		}
	}

	if p := sv.Recontact.DisplayPercentage; roll && p != nil && c.cfg.Roll() >= *p {
		return false, "outside display percentage"
	}
	return true, ""
}

// withinDays reports whether last lies less than days days before now.
func withinDays(now, last time.Time, days int) bool {
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < time.Duration(days)*24*time.Hour
}

func (c *Controller) responded(surveyID string) bool {
	ok, err := c.cfg.History.HasResponded(c.cfg.EnvironmentID, surveyID)
	if err != nil {
		c.logger.Warn("reading response history", "survey_id", surveyID, "error", err)
		return true
	}
	return ok
}

// activateLocked makes sv the active survey. It returns the attempt to mount
// now, or nil when the survey waits out its delay first.
func (c *Controller) activateLocked(sv state.Survey) *attempt {
	a := &attempt{survey: sv, id: uuid.New().String(), phase: Eligible, answers: make(map[string]any)}
	c.active = a
	if sv.Delay <= 0 {
		return a
	}

	gen := c.gen
	a.timer = time.AfterFunc(time.Duration(sv.Delay)*c.delayUnit, func() {
		c.mu.Lock()
		current := c.gen == gen && c.active == a
		c.mu.Unlock()
		if current {
			c.mount(context.Background(), a)
		}
	})
	c.logger.Debug("survey delayed", "survey_id", sv.ID, "delay", sv.Delay)
	return nil
}

// mount moves the attempt to Displaying. The display is recorded before the
// renderer runs so it counts even if the person closes the survey at once.
func (c *Controller) mount(ctx context.Context, a *attempt) {
	snap := c.cfg.Store.Get()

	c.mu.Lock()
	if c.active != a || a.phase != Eligible {
		c.mu.Unlock()
		return
	}
	a.phase = Displaying
	c.phases[a.survey.ID] = Displaying
	gen := c.gen
	rec := storage.DisplayRecord{
		ID:            uuid.New().String(),
		EnvironmentID: c.cfg.EnvironmentID,
		SurveyID:      a.survey.ID,
		PersonID:      snap.Person.ID,
		AttemptID:     a.id,
		DisplayedAt:   c.cfg.Clock.Now().UTC(),
	}
	if err := c.cfg.History.RecordDisplay(rec); err != nil {
		c.logger.Warn("recording display", "survey_id", a.survey.ID, "error", err)
	}
	c.mu.Unlock()

	m := Mount{SurveyID: a.survey.ID, AttemptID: a.id, Survey: a.survey, Placement: snap.Product.Placement}
	if err := c.cfg.Renderer.Mount(ctx, m); err != nil {
		c.logger.Warn("mounting survey failed", "survey_id", a.survey.ID, "attempt_id", a.id, "error", err)
		c.finish(ctx, a.survey.ID, Dismissed)
		return
	}

	// A logout or finish may have run while the renderer was mounting.
	c.mu.Lock()
	stale := c.gen != gen || c.active != a
	c.mu.Unlock()
	if stale {
		c.cfg.Renderer.Unmount(a.survey.ID)
		c.logger.Debug("survey ended while mounting", "survey_id", a.survey.ID, "attempt_id", a.id)
		return
	}
	c.logger.Info("survey displayed", "survey_id", a.survey.ID, "attempt_id", a.id)

	if c.cfg.Reporter != nil {
		if _, err := c.cfg.Reporter.CreateDisplay(ctx, a.survey.ID, snap.Person.ID); err != nil {
			c.logger.Info("reporting display failed", "survey_id", a.survey.ID, "error", err)
		}
	}
}

// Answer records one answer of the displayed survey and sends it as a
// partial response.
func (c *Controller) Answer(surveyID, questionID string, value any) error {
	c.mu.Lock()
	a, err := c.displayingLocked(surveyID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	a.answers[questionID] = value
	if !a.responded {
		a.responded = true
		c.recordResponseLocked(a, false)
	}
	// Enqueue under the lock so a concurrent finish cannot overtake it.
	c.cfg.Sink.Enqueue(c.updateLocked(a, map[string]any{questionID: value}, false))
	c.mu.Unlock()
	return nil
}

// Complete finishes the displayed survey and sends the final response.
func (c *Controller) Complete(ctx context.Context, surveyID string) error {
	return c.end(ctx, surveyID, Completed)
}

// Dismiss closes the displayed survey without finishing it. Answers given so
// far are sent as a partial response.
func (c *Controller) Dismiss(ctx context.Context, surveyID string) error {
	return c.end(ctx, surveyID, Dismissed)
}

func (c *Controller) end(ctx context.Context, surveyID string, phase Phase) error {
	c.mu.Lock()
	_, err := c.displayingLocked(surveyID)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.finish(ctx, surveyID, phase)
	return nil
}

// finish moves the active attempt to a terminal phase, flushes its response,
// unmounts it and activates the next queued survey.
func (c *Controller) finish(ctx context.Context, surveyID string, phase Phase) {
	c.mu.Lock()
	a := c.active
	if a == nil || a.survey.ID != surveyID {
		c.mu.Unlock()
		return
	}
	wasDisplayed := a.phase == Displaying
	a.phase = phase
	c.phases[surveyID] = phase

	switch {
	case phase == Completed:
		c.recordResponseLocked(a, true)
		c.cfg.Sink.Enqueue(c.updateLocked(a, maps.Clone(a.answers), true))
	case len(a.answers) > 0:
		u := c.updateLocked(a, maps.Clone(a.answers), false)
		u.Last = true
		c.cfg.Sink.Enqueue(u)
	}

	c.active = nil
	next := c.nextLocked()
	c.mu.Unlock()

	if wasDisplayed {
		c.cfg.Renderer.Unmount(surveyID)
	}
	c.logger.Info("survey "+string(phase), "survey_id", surveyID, "attempt_id", a.id)

	if next != nil {
		c.mount(ctx, next)
	}
}

// nextLocked dequeues surveys until one is still eligible against the
// current snapshot and activates it.
func (c *Controller) nextLocked() *attempt {
	snap := c.cfg.Store.Get()
	for len(c.queue) > 0 {
		queued := c.queue[0]
		c.queue = c.queue[1:]
		delete(c.phases, queued.ID)

		sv, ok := snap.SurveyByID(queued.ID)
		if !ok {
			continue
		}
		if ok, reason := c.eligibleLocked(sv, false); !ok {
			c.logger.Debug("queued survey no longer eligible", "survey_id", sv.ID, "reason", reason)
			continue
		}
		c.phases[sv.ID] = Eligible
		if a := c.activateLocked(sv); a != nil {
			return a
		}
		return nil
	}
	return nil
}

func (c *Controller) displayingLocked(surveyID string) (*attempt, error) {
	a := c.active
	if a == nil || a.survey.ID != surveyID || a.phase != Displaying {
		return nil, errs.NotFound("survey %s is not displayed", surveyID)
	}
	return a, nil
}

func (c *Controller) updateLocked(a *attempt, data map[string]any, finished bool) remote.ResponseUpdate {
	return remote.ResponseUpdate{
		SurveyID:  a.survey.ID,
		AttemptID: a.id,
		PersonID:  c.cfg.Store.Get().Person.ID,
		Data:      data,
		Finished:  finished,
	}
}

func (c *Controller) recordResponseLocked(a *attempt, finished bool) {
	err := c.cfg.History.RecordResponse(storage.ResponseRecord{
		ID:            uuid.New().String(),
		EnvironmentID: c.cfg.EnvironmentID,
		SurveyID:      a.survey.ID,
		AttemptID:     a.id,
		Finished:      finished,
		RecordedAt:    c.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		c.logger.Warn("recording response", "survey_id", a.survey.ID, "error", err)
	}
}

// Reinstate clears terminal phases of surveys the service changed, so a new
// version can be shown again in this session.
func (c *Controller) Reinstate(old, cur *state.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.phases {
		if !p.terminal() {
			continue
		}
		next, ok := cur.SurveyByID(id)
		if !ok {
			delete(c.phases, id)
			continue
		}
		prev, ok := old.SurveyByID(id)
		if !ok || !next.UpdatedAt.Equal(prev.UpdatedAt) {
			delete(c.phases, id)
			c.logger.Debug("survey reinstated", "survey_id", id)
		}
	}
}

// Reset unmounts the active survey and forgets all session state.
func (c *Controller) Reset() {
	c.mu.Lock()
	a := c.active
	if a != nil && a.timer != nil {
		a.timer.Stop()
	}
	c.active = nil
	c.queue = nil
	c.phases = make(map[string]Phase)
	c.gen++
	c.mu.Unlock()

	if a != nil && a.phase == Displaying {
		c.cfg.Renderer.Unmount(a.survey.ID)
	}
}

// Phase returns the phase of a survey in this session.
func (c *Controller) Phase(surveyID string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.phases[surveyID]; ok {
		return p
	}
	return Idle
}

// Current returns the displayed survey, if any.
func (c *Controller) Current() (Mount, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.active
	if a == nil || a.phase != Displaying {
		return Mount{}, false
	}
	return Mount{SurveyID: a.survey.ID, AttemptID: a.id, Survey: a.survey, Placement: c.cfg.Store.Get().Product.Placement}, true
}

// Queued returns the ids of surveys waiting for the active one to finish.
func (c *Controller) Queued() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.queue))
	for i, sv := range c.queue {
		ids[i] = sv.ID
	}
	return ids
}
