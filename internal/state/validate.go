package state

import (
	"regexp"

	"github.com/kalambet/surveykit/internal/errs"
)

// Validate checks that a snapshot has the shape the runtime relies on.
// Failures are reported as errs.KindValidation.
func Validate(s *Snapshot) error {
	if s == nil {
		return errs.Validation("snapshot is nil")
	}
	if s.EnvironmentID == "" {
		return errs.Validation("snapshot has no environment id")
	}

	names := make(map[string]bool, len(s.ActionClasses))
	for i, ac := range s.ActionClasses {
		if ac.Name == "" {
			return errs.Validation("action class %d has no name", i)
		}
		if names[ac.Name] {
			return errs.Validation("duplicate action class name %q", ac.Name)
		}
		names[ac.Name] = true
		if err := validateRule(ac); err != nil {
			return err
		}
	}

	ids := make(map[string]bool, len(s.Surveys))
	for i, sv := range s.Surveys {
		if sv.ID == "" {
			return errs.Validation("survey %d has no id", i)
		}
		if ids[sv.ID] {
			return errs.Validation("duplicate survey id %q", sv.ID)
		}
		ids[sv.ID] = true
		if !sv.Status.valid() {
			return errs.Validation("survey %s: unknown status %q", sv.ID, sv.Status)
		}
		if !sv.Recontact.DisplayOption.valid() {
			return errs.Validation("survey %s: unknown display option %q", sv.ID, sv.Recontact.DisplayOption)
		}
		if p := sv.Recontact.DisplayPercentage; p != nil && (*p < 0 || *p > 100) {
			return errs.Validation("survey %s: display percentage %v out of range", sv.ID, *p)
		}
	}

	return checkTriggers(s)
}

// checkTriggers rejects surveys that reference unknown action classes.
func checkTriggers(s *Snapshot) error {
	for _, sv := range s.Surveys {
		for _, tr := range sv.Triggers {
			if _, ok := s.ActionClassByName(tr.ActionClass); !ok {
				return errs.Validation("survey %s: trigger references unknown action class %q", sv.ID, tr.ActionClass)
			}
		}
	}
	return nil
}

func validateRule(ac ActionClass) error {
	switch r := ac.Rule.(type) {
	case CodeRule:
		if r.Key == "" {
			return errs.Validation("code action class %q has no key", ac.Name)
		}
	case PageViewRule:
		if r.URL != nil {
			return ValidateURLFilter(*r.URL)
		}
	case URLMatchRule:
		return ValidateURLFilter(r.URL)
	case ClickRule:
		if r.CSSSelector == "" && r.InnerHTML == "" {
			return errs.Validation("click action class %q needs a selector or inner html", ac.Name)
		}
		if r.URL != nil {
			return ValidateURLFilter(*r.URL)
		}
	case AutomaticRule:
	default:
		return errs.Validation("action class %q has no rule", ac.Name)
	}
	return nil
}

// ValidateURLFilter checks the rule name and that regex values compile.
func ValidateURLFilter(f URLFilter) error {
	switch f.Rule {
	case URLExactMatch, URLContains, URLStartsWith, URLEndsWith, URLNotMatch, URLNotContains, URLGlob:
	case URLRegex:
		if _, err := regexp.Compile(f.Value); err != nil {
			return errs.Validation("bad regex %q: %v", f.Value, err)
		}
	default:
		return errs.Validation("unknown url rule %q", f.Rule)
	}
	return nil
}
