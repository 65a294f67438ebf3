package relay

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Filter selects notification kinds by their wire names. The zero Filter
// matches every kind.
type Filter struct {
	patterns []glob.Glob
}

// ParseFilter compiles a comma separated list of glob patterns such as
// "client*,textmessage". Blank entries are ignored.
func ParseFilter(list string) (Filter, error) {
	var f Filter
	for _, p := range splitPatterns(list) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return Filter{}, fmt.Errorf("invalid kind pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, g)
	}
	return f, nil
}

// Match reports whether kind passes the filter.
func (f Filter) Match(kind string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, g := range f.patterns {
		if g.Match(kind) {
			return true
		}
	}
	return false
}

// splitPatterns splits list on the commas that are not inside a {...}
// alternation.
func splitPatterns(list string) []string {
	var patterns []string
	depth, start := 0, 0
	for i := 0; i < len(list); i++ {
		switch list[i] {
		case '\\':
			i++
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				patterns = append(patterns, list[start:i])
				start = i + 1
			}
		}
	}
	return append(patterns, list[start:])
}
