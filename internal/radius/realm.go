package radius

import (
	"fmt"
	"regexp"
	"strings"
)

// Realm routes a username to an upstream server peer by regex match
// against the whole User-Name (a literal-domain pattern anchors on the
// text after `@`).
type Realm struct {
	Pattern       string
	Regex         *regexp.Regexp
	Server        *ServerPeer // nil: reject all matches with RejectMessage
	RejectMessage string
}

// CompilePattern turns a configured realm pattern into a compiled,
// case-insensitive regex. Two forms are accepted (EXTERNAL INTERFACES,
// Realm config block): an explicit `/regex/`, used verbatim, or a bare
// literal domain, converted to an anchored `@domain$` match with literal
// dots escaped and `*` treated as a wildcard (`.*`).
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	var expr string

	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		expr = "(?i)" + pattern[1:len(pattern)-1]
	} else {
		expr = "(?i)@" + literalToRegex(pattern) + "$"
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("radius: compile realm pattern %q: %w", pattern, err)
	}

	return re, nil
}

// literalToRegex escapes literal dots and turns `*` into `.*`, leaving
// every other rune untouched (EXTERNAL INTERFACES, Realm pattern grammar).
func literalToRegex(pattern string) string {
	var b strings.Builder

	for _, r := range pattern {
		switch r {
		case '.':
			b.WriteString(`\.`)
		case '*':
			b.WriteString(`.*`)
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}

// RealmRouter holds an ordered, first-match-wins table of realms compiled
// from configuration.
type RealmRouter struct {
	realms []*Realm
}

// NewRealmRouter builds a router over realms in their configured order;
// order determines match priority.
func NewRealmRouter(realms []*Realm) *RealmRouter {
	return &RealmRouter{realms: realms}
}

// Match returns the first realm whose regex matches username, or nil if
// none do.
func (r *RealmRouter) Match(username string) *Realm {
	for _, realm := range r.realms {
		if realm.Regex.MatchString(username) {
			return realm
		}
	}

	return nil
}
