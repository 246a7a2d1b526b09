package tracker

import (
	"context"
	"log/slog"

	"github.com/kalambet/surveykit/internal/errs"
	"github.com/kalambet/surveykit/internal/state"
)

// NewSessionAction is the automatic action fired when the service issues a
// new session.
const NewSessionAction = "New Session"

// Dispatcher receives surveys whose triggers matched an action. Eligibility
// is the dispatcher's decision.
type Dispatcher interface {
	Offer(ctx context.Context, surveys []state.Survey)
}

// Tracker resolves actions against the current snapshot and forwards every
// survey with a matching trigger to the dispatcher.
type Tracker struct {
	store    *state.Store
	dispatch Dispatcher
	logger   *slog.Logger
}

// New creates a Tracker reading snapshots from store.
func New(store *state.Store, dispatch Dispatcher) *Tracker {
	return &Tracker{
		store:    store,
		dispatch: dispatch,
		logger:   slog.Default(),
	}
}

// Track handles an action fired by host code. The identifier is resolved
// through the code keys of the registered action classes. An identifier that
// matches no key is rejected with an invalid_code error and nothing is
// dispatched, unless the registry is empty, in which case the identifier is
// used as the action name.
func (t *Tracker) Track(ctx context.Context, identifier string) ([]state.Survey, error) {
	snap := t.store.Get()

	name := identifier
	if ac, ok := snap.ActionClassByKey(identifier); ok {
		name = ac.Name
	} else if len(snap.ActionClasses) > 0 {
		t.logger.Warn("unknown code action", "action", identifier)
		return nil, errs.InvalidCode(identifier)
	}
	return t.fire(ctx, snap, name), nil
}

// Automatic handles a built-in runtime event such as NewSessionAction. Events
// without a registered automatic action class are ignored.
func (t *Tracker) Automatic(ctx context.Context, name string) []state.Survey {
	snap := t.store.Get()
	ac, ok := snap.ActionClassByName(name)
	if !ok {
		return nil
	}
	if _, auto := ac.Rule.(state.AutomaticRule); !auto {
		return nil
	}
	return t.fire(ctx, snap, name)
}

// PageView evaluates page-view and URL rules against url and fires each
// matching action class. It returns the names of the classes that matched.
func (t *Tracker) PageView(ctx context.Context, url string) []string {
	snap := t.store.Get()

	var fired []string
	for _, ac := range snap.ActionClasses {
		var hit bool
		switch r := ac.Rule.(type) {
		case state.PageViewRule:
			hit = r.URL == nil || MatchURL(url, *r.URL)
		case state.URLMatchRule:
			hit = MatchURL(url, r.URL)
		}
		if hit {
			fired = append(fired, ac.Name)
			t.fire(ctx, snap, ac.Name)
		}
	}
	return fired
}

// Click evaluates click rules against a clicked element and fires each
// matching action class. It returns the names of the classes that matched.
func (t *Tracker) Click(ctx context.Context, c PageClick) ([]string, error) {
	target, err := c.parse()
	if err != nil {
		return nil, err
	}
	snap := t.store.Get()

	var fired []string
	for _, ac := range snap.ActionClasses {
		r, ok := ac.Rule.(state.ClickRule)
		if !ok {
			continue
		}
		if r.URL != nil && !MatchURL(c.URL, *r.URL) {
			continue
		}
		if r.CSSSelector != "" && !target.matches(r.CSSSelector) {
			continue
		}
		if r.InnerHTML != "" && target.innerHTML() != r.InnerHTML {
			continue
		}
		fired = append(fired, ac.Name)
		t.fire(ctx, snap, ac.Name)
	}
	return fired, nil
}

// fire matches name against every survey trigger of snap and dispatches the
// matches. Matching is exact.
func (t *Tracker) fire(ctx context.Context, snap *state.Snapshot, name string) []state.Survey {
	var matched []state.Survey
	for _, sv := range snap.Surveys {
		for _, tr := range sv.Triggers {
			if tr.ActionClass == name {
				matched = append(matched, sv)
				break
			}
		}
	}

	t.logger.Debug("action fired", "action", name, "surveys", len(matched))
	if len(matched) > 0 && t.dispatch != nil {
		t.dispatch.Offer(ctx, matched)
	}
	return matched
}
