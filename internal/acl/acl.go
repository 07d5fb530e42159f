// Package acl implements the access-control pattern matcher used to decide
// whether a token may receive a given event. Patterns are dot-separated
// segment globs, compiled once per token into anchored regular expressions:
// compile once, match many.
package acl

import (
	"regexp"
	"strings"
)

// meSegment and mySessionSegment are the two placeholder segments a pattern
// may contain; they are substituted with the token's user and session UUID
// respectively before the pattern is compiled.
const (
	meSegment         = "me"
	mySessionSegment  = "my_session"
	denyPrefix        = "!"
	oneSegmentGlob    = "*"
	anySegmentsGlob   = "#"
)

// AccessCheck answers "does this required ACL match this token" for one
// immutable (user, session, patterns) triple. Build once per token; reuse
// for every event the token's consumer sees.
type AccessCheck struct {
	allow []*regexp.Regexp
	deny  []*regexp.Regexp
}

// New compiles aclPatterns for the given user and session UUID. A pattern
// prefixed with "!" is a deny rule; all others are allow rules.
func New(userUUID, sessionUUID string, aclPatterns []string) (*AccessCheck, error) {
	check := &AccessCheck{}
	for _, pattern := range aclPatterns {
		deny := strings.HasPrefix(pattern, denyPrefix)
		raw := strings.TrimPrefix(pattern, denyPrefix)

		re, err := compile(raw, userUUID, sessionUUID)
		if err != nil {
			return nil, err
		}
		if deny {
			check.deny = append(check.deny, re)
		} else {
			check.allow = append(check.allow, re)
		}
	}
	return check, nil
}

// compile turns a single dot-separated pattern into an anchored regular
// expression, substituting the "me"/"my_session" placeholder segments first.
func compile(pattern, userUUID, sessionUUID string) (*regexp.Regexp, error) {
	segments := strings.Split(pattern, ".")
	parts := make([]string, len(segments))
	for i, seg := range segments {
		switch seg {
		case meSegment:
			parts[i] = regexp.QuoteMeta(userUUID)
		case mySessionSegment:
			parts[i] = regexp.QuoteMeta(sessionUUID)
		case oneSegmentGlob:
			parts[i] = `[^.]*`
		case anySegmentsGlob:
			parts[i] = `.*`
		default:
			parts[i] = regexp.QuoteMeta(seg)
		}
	}
	var b strings.Builder
	for i, part := range parts {
		switch {
		case i == 0:
		case segments[i] == anySegmentsGlob:
			// "#" may stand for zero segments, so the dot before it is
			// optional along with it.
			b.WriteString(`(?:\.` + part + `)?`)
			continue
		default:
			b.WriteString(`\.`)
		}
		b.WriteString(part)
	}
	return regexp.Compile("^" + b.String() + "$")
}

// Matches reports whether requiredACL is permitted. A nil requiredACL means
// "no ACL required" and is always accepted. Deny patterns are checked first
// and short-circuit any allow match.
func (c *AccessCheck) Matches(requiredACL *string) bool {
	if requiredACL == nil {
		return true
	}
	for _, re := range c.deny {
		if re.MatchString(*requiredACL) {
			return false
		}
	}
	for _, re := range c.allow {
		if re.MatchString(*requiredACL) {
			return true
		}
	}
	return false
}
