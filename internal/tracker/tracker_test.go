package tracker

import (
	"context"
	"testing"

	"github.com/kalambet/surveykit/internal/errs"
	"github.com/kalambet/surveykit/internal/state"
)

type recordingDispatcher struct {
	offers [][]state.Survey
}

func (d *recordingDispatcher) Offer(_ context.Context, surveys []state.Survey) {
	d.offers = append(d.offers, surveys)
}

func newTracker(t *testing.T, snap *state.Snapshot) (*Tracker, *recordingDispatcher) {
	t.Helper()
	store := state.NewStore()
	if snap != nil {
		if _, err := store.Replace(snap); err != nil {
			t.Fatalf("Replace: %v", err)
		}
	}
	d := &recordingDispatcher{}
	return New(store, d), d
}

func registry() *state.Snapshot {
	return &state.Snapshot{
		EnvironmentID: "env-1",
		ActionClasses: []state.ActionClass{
			{Name: "signup", Rule: state.CodeRule{Key: "signup"}},
			{Name: "Upgraded", Rule: state.CodeRule{Key: "upgrade-clicked"}},
			{Name: "checkout", Rule: state.CodeRule{Key: "checkout"}},
		},
		Surveys: []state.Survey{
			{ID: "s-signup", Status: state.StatusInProgress, Triggers: []state.Trigger{{ActionClass: "signup"}}},
			{ID: "s-upgrade", Status: state.StatusInProgress, Triggers: []state.Trigger{{ActionClass: "Upgraded"}, {ActionClass: "checkout"}}},
		},
	}
}

func TestTrack_SignupMakesSurveyCandidate(t *testing.T) {
	tr, d := newTracker(t, registry())

	got, err := tr.Track(context.Background(), "signup")
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s-signup" {
		t.Fatalf("matched = %+v, want s-signup", got)
	}
	if len(d.offers) != 1 || d.offers[0][0].ID != "s-signup" {
		t.Errorf("offers = %+v", d.offers)
	}
}

func TestTrack_ResolvesKeyToName(t *testing.T) {
	tr, d := newTracker(t, registry())

	got, err := tr.Track(context.Background(), "upgrade-clicked")
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s-upgrade" {
		t.Errorf("matched = %+v, want s-upgrade", got)
	}
	if len(d.offers) != 1 {
		t.Errorf("offers = %d, want 1", len(d.offers))
	}
}

func TestTrack_UnknownCodeIsInvalidCode(t *testing.T) {
	tr, d := newTracker(t, registry())

	got, err := tr.Track(context.Background(), "abc123")
	if !errs.Is(err, errs.KindInvalidCode) {
		t.Fatalf("err = %v, want invalid_code", err)
	}
	if got != nil {
		t.Errorf("matched = %+v, want nil", got)
	}
	if len(d.offers) != 0 {
		t.Errorf("dispatcher called %d times, want 0", len(d.offers))
	}
}

func TestTrack_NameIsNotAKey(t *testing.T) {
	tr, d := newTracker(t, registry())

	// "Upgraded" is a class name, not a code key.
	if _, err := tr.Track(context.Background(), "Upgraded"); !errs.Is(err, errs.KindInvalidCode) {
		t.Errorf("err = %v, want invalid_code", err)
	}
	// prefixes of a key do not match
	if _, err := tr.Track(context.Background(), "sign"); !errs.Is(err, errs.KindInvalidCode) {
		t.Errorf("err = %v, want invalid_code", err)
	}
	if len(d.offers) != 0 {
		t.Errorf("offers = %d, want 0", len(d.offers))
	}
}

func TestTrack_EmptyRegistryUsesIdentifier(t *testing.T) {
	tr, d := newTracker(t, nil)

	got, err := tr.Track(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if len(got) != 0 || len(d.offers) != 0 {
		t.Errorf("matched = %v offers = %d, want none", got, len(d.offers))
	}
}

func TestTrack_NoMatchingSurveyDispatchesNothing(t *testing.T) {
	tr, d := newTracker(t, registry())
	snap := registry()
	snap.Surveys = snap.Surveys[:1]
	tr.store.Replace(snap)

	got, err := tr.Track(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if len(got) != 0 || len(d.offers) != 0 {
		t.Errorf("matched = %v offers = %d, want none", got, len(d.offers))
	}
}

func TestAutomatic_NewSession(t *testing.T) {
	snap := registry()
	snap.ActionClasses = append(snap.ActionClasses, state.ActionClass{Name: NewSessionAction, Rule: state.AutomaticRule{}})
	snap.Surveys = append(snap.Surveys, state.Survey{ID: "s-welcome", Status: state.StatusInProgress, Triggers: []state.Trigger{{ActionClass: NewSessionAction}}})
	tr, d := newTracker(t, snap)

	got := tr.Automatic(context.Background(), NewSessionAction)
	if len(got) != 1 || got[0].ID != "s-welcome" {
		t.Errorf("matched = %+v, want s-welcome", got)
	}
	if len(d.offers) != 1 {
		t.Errorf("offers = %d, want 1", len(d.offers))
	}

	// not registered as automatic
	if got := tr.Automatic(context.Background(), "signup"); got != nil {
		t.Errorf("code class fired automatically: %+v", got)
	}
}

func TestPageView(t *testing.T) {
	pricing := state.URLFilter{Rule: state.URLContains, Value: "/pricing"}
	snap := &state.Snapshot{
		EnvironmentID: "env-1",
		ActionClasses: []state.ActionClass{
			{Name: "any page", Rule: state.PageViewRule{}},
			{Name: "pricing", Rule: state.URLMatchRule{URL: pricing}},
			{Name: "docs view", Rule: state.PageViewRule{URL: &state.URLFilter{Rule: state.URLStartsWith, Value: "https://example.com/docs"}}},
			{Name: "signup", Rule: state.CodeRule{Key: "signup"}},
		},
		Surveys: []state.Survey{
			{ID: "s-pricing", Status: state.StatusInProgress, Triggers: []state.Trigger{{ActionClass: "pricing"}}},
		},
	}
	tr, d := newTracker(t, snap)

	fired := tr.PageView(context.Background(), "https://example.com/pricing?plan=pro")
	if len(fired) != 2 || fired[0] != "any page" || fired[1] != "pricing" {
		t.Errorf("fired = %v, want [any page pricing]", fired)
	}
	if len(d.offers) != 1 || d.offers[0][0].ID != "s-pricing" {
		t.Errorf("offers = %+v", d.offers)
	}

	fired = tr.PageView(context.Background(), "https://example.com/docs/intro")
	if len(fired) != 2 || fired[1] != "docs view" {
		t.Errorf("fired = %v, want [any page docs view]", fired)
	}
}

func TestClick(t *testing.T) {
	snap := &state.Snapshot{
		EnvironmentID: "env-1",
		ActionClasses: []state.ActionClass{
			{Name: "buy", Rule: state.ClickRule{CSSSelector: "button.buy"}},
			{Name: "cta", Rule: state.ClickRule{CSSSelector: "#cta"}},
			{Name: "tracked", Rule: state.ClickRule{CSSSelector: "[data-track=buy]"}},
			{Name: "nav link", Rule: state.ClickRule{CSSSelector: "nav.top a.link"}},
			{Name: "text", Rule: state.ClickRule{InnerHTML: "Buy now"}},
			{Name: "pricing only", Rule: state.ClickRule{CSSSelector: "button", URL: &state.URLFilter{Rule: state.URLContains, Value: "/pricing"}}},
		},
		Surveys: []state.Survey{
			{ID: "s-buy", Status: state.StatusInProgress, Triggers: []state.Trigger{{ActionClass: "buy"}}},
		},
	}
	tr, d := newTracker(t, snap)
	ctx := context.Background()

	tests := []struct {
		name  string
		click PageClick
		want  []string
	}{
		{
			name:  "class and id and attribute",
			click: PageClick{URL: "https://example.com/", HTML: `<button id="cta" class="btn buy" data-track="buy">Buy now</button>`},
			want:  []string{"buy", "cta", "tracked", "text"},
		},
		{
			name:  "url filter",
			click: PageClick{URL: "https://example.com/pricing", HTML: `<button class="plain">Go</button>`},
			want:  []string{"pricing only"},
		},
		{
			name:  "descendant with ancestors",
			click: PageClick{URL: "https://example.com/", HTML: `<a class="link" href="/x">X</a>`, Ancestors: []string{`<li>`, `<ul>`, `<nav class="top">`}},
			want:  []string{"nav link"},
		},
		{
			name:  "descendant without matching ancestor",
			click: PageClick{URL: "https://example.com/", HTML: `<a class="link" href="/x">X</a>`, Ancestors: []string{`<nav class="side">`}},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.Click(ctx, tt.click)
			if err != nil {
				t.Fatalf("Click: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("fired = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("fired[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}

	if len(d.offers) != 1 || d.offers[0][0].ID != "s-buy" {
		t.Errorf("offers = %+v", d.offers)
	}
}

func TestClick_NoElement(t *testing.T) {
	tr, _ := newTracker(t, registry())
	if _, err := tr.Click(context.Background(), PageClick{HTML: "just text"}); !errs.Is(err, errs.KindValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestMatchURL(t *testing.T) {
	const u = "https://example.com/app/settings?tab=billing"
	tests := []struct {
		rule  state.URLRule
		value string
		want  bool
	}{
		{state.URLExactMatch, u, true},
		{state.URLExactMatch, "https://example.com/app", false},
		{state.URLContains, "/settings", true},
		{state.URLStartsWith, "https://example.com/app", true},
		{state.URLEndsWith, "tab=billing", true},
		{state.URLNotMatch, "https://example.com/", true},
		{state.URLNotContains, "/settings", false},
		{state.URLGlob, "https://example.com/*/settings*", true},
		{state.URLGlob, "https://example.com/app", false},
		{state.URLGlob, "https://example.?om/*", true},
		{state.URLRegex, `/app/\w+\?tab=`, true},
		{state.URLRegex, `(`, false},
		{"unknown", "x", false},
	}
	for _, tt := range tests {
		if got := MatchURL(u, state.URLFilter{Rule: tt.rule, Value: tt.value}); got != tt.want {
			t.Errorf("MatchURL(%s %q) = %v, want %v", tt.rule, tt.value, got, tt.want)
		}
	}
}
