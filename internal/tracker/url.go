package tracker

import (
	"regexp"
	"strings"

	"github.com/kalambet/surveykit/internal/state"
)

// MatchURL reports whether url satisfies the filter. Glob patterns use * for
// any run of characters and ? for a single character. A regex that does not
// compile never matches.
func MatchURL(url string, f state.URLFilter) bool {
	switch f.Rule {
	case state.URLExactMatch:
		return url == f.Value
	case state.URLContains:
		return strings.Contains(url, f.Value)
	case state.URLStartsWith:
		return strings.HasPrefix(url, f.Value)
	case state.URLEndsWith:
		return strings.HasSuffix(url, f.Value)
	case state.URLNotMatch:
		return url != f.Value
	case state.URLNotContains:
		return !strings.Contains(url, f.Value)
	case state.URLGlob:
		return globRegexp(f.Value).MatchString(url)
	case state.URLRegex:
		re, err := regexp.Compile(f.Value)
		return err == nil && re.MatchString(url)
	}
	return false
}

func globRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.MustCompile(b.String())
}
