package state

import (
	"encoding/json"
	"fmt"
)

// RuleType is the wire discriminator of an action class rule.
type RuleType string

const (
	RuleCode      RuleType = "code"
	RulePageView  RuleType = "pageView"
	RuleURLMatch  RuleType = "urlMatch"
	RuleClick     RuleType = "click"
	RuleAutomatic RuleType = "automatic"
)

// Rule is the closed set of ways an action class can be matched. The
// implementations are CodeRule, PageViewRule, URLMatchRule, ClickRule and
// AutomaticRule.
type Rule interface {
	Type() RuleType
}

// CodeRule matches actions fired by host code with the given key.
type CodeRule struct {
	Key string
}

// PageViewRule matches every page view, optionally restricted by URL.
type PageViewRule struct {
	URL *URLFilter
}

// URLMatchRule matches page views whose URL satisfies the filter.
type URLMatchRule struct {
	URL URLFilter
}

// ClickRule matches clicks on elements selected by CSSSelector and, when set,
// whose inner HTML equals InnerHTML.
type ClickRule struct {
	CSSSelector string
	InnerHTML   string
	URL         *URLFilter
}

// AutomaticRule matches built-in runtime events such as "New Session".
type AutomaticRule struct{}

func (CodeRule) Type() RuleType      { return RuleCode }
func (PageViewRule) Type() RuleType  { return RulePageView }
func (URLMatchRule) Type() RuleType  { return RuleURLMatch }
func (ClickRule) Type() RuleType     { return RuleClick }
func (AutomaticRule) Type() RuleType { return RuleAutomatic }

// URLRule names how a URLFilter value is compared with a page URL.
type URLRule string

const (
	URLExactMatch  URLRule = "exactMatch"
	URLContains    URLRule = "contains"
	URLStartsWith  URLRule = "startsWith"
	URLEndsWith    URLRule = "endsWith"
	URLNotMatch    URLRule = "notMatch"
	URLNotContains URLRule = "notContains"
	URLGlob        URLRule = "glob"
	URLRegex       URLRule = "regex"
)

// URLFilter restricts a rule to page URLs.
type URLFilter struct {
	Rule  URLRule `json:"rule"`
	Value string  `json:"value"`
}

// ActionClass is a named trigger definition sourced from sync.
type ActionClass struct {
	ID   string
	Name string
	Rule Rule
}

type actionClassJSON struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        RuleType   `json:"type"`
	Key         string     `json:"key,omitempty"`
	URL         *URLFilter `json:"url,omitempty"`
	CSSSelector string     `json:"cssSelector,omitempty"`
	InnerHTML   string     `json:"innerHtml,omitempty"`
}

func (ac ActionClass) MarshalJSON() ([]byte, error) {
	w := actionClassJSON{ID: ac.ID, Name: ac.Name}
	switch r := ac.Rule.(type) {
	case CodeRule:
		w.Type, w.Key = RuleCode, r.Key
	case PageViewRule:
		w.Type, w.URL = RulePageView, r.URL
	case URLMatchRule:
		u := r.URL
		w.Type, w.URL = RuleURLMatch, &u
	case ClickRule:
		w.Type, w.CSSSelector, w.InnerHTML, w.URL = RuleClick, r.CSSSelector, r.InnerHTML, r.URL
	case AutomaticRule:
		w.Type = RuleAutomatic
	case nil:
	default:
		return nil, fmt.Errorf("action class %q: unsupported rule %T", ac.Name, r)
	}
	return json.Marshal(w)
}

func (ac *ActionClass) UnmarshalJSON(data []byte) error {
	var w actionClassJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ac.ID, ac.Name = w.ID, w.Name
	switch w.Type {
	case RuleCode:
		ac.Rule = CodeRule{Key: w.Key}
	case RulePageView:
		ac.Rule = PageViewRule{URL: w.URL}
	case RuleURLMatch:
		if w.URL == nil {
			return fmt.Errorf("action class %q: urlMatch requires url", w.Name)
		}
		ac.Rule = URLMatchRule{URL: *w.URL}
	case RuleClick:
		ac.Rule = ClickRule{CSSSelector: w.CSSSelector, InnerHTML: w.InnerHTML, URL: w.URL}
	case RuleAutomatic:
		ac.Rule = AutomaticRule{}
	default:
		return fmt.Errorf("action class %q: unknown type %q", w.Name, w.Type)
	}
	return nil
}
