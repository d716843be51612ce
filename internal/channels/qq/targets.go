package qq

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/qqbridge/internal/config"
)

var (
	channelPrefixRe = regexp.MustCompile(`(?i)^(qq|qqbot|onebot):`)
	userPrefixRe    = regexp.MustCompile(`(?i)^(user|private|u):`)
	groupPrefixRe   = regexp.MustCompile(`(?i)^(group|g):`)
	targetIDRe      = regexp.MustCompile(`^[A-Za-z0-9_-]{3,}$`)
)

// TargetKind is the conversation scope of an outbound target.
type TargetKind string

const (
	TargetPrivate TargetKind = "private"
	TargetGroup   TargetKind = "group"
)

// Target is a parsed outbound destination.
type Target struct {
	Kind TargetKind
	ID   string
}

// String renders the canonical "user:<id>" / "group:<id>" form.
func (t Target) String() string {
	if t.Kind == TargetGroup {
		return "group:" + t.ID
	}
	return "user:" + t.ID
}

// TargetError describes a target string that does not fit the grammar.
type TargetError struct {
	Message string
}

func (e *TargetError) Error() string { return e.Message }

func stripChannelPrefix(raw string) string {
	return strings.TrimSpace(channelPrefixRe.ReplaceAllString(raw, ""))
}

func stripPrefix(re *regexp.Regexp, s string) string {
	return strings.TrimSpace(re.ReplaceAllString(s, ""))
}

// NormalizeMessagingTarget strips the channel prefix and rewrites the scope
// prefix to "user:" or "group:". Bare ids are returned unchanged; empty
// input yields "".
func NormalizeMessagingTarget(raw string) string {
	s := stripChannelPrefix(strings.TrimSpace(raw))
	switch {
	case s == "":
		return ""
	case groupPrefixRe.MatchString(s):
		return "group:" + stripPrefix(groupPrefixRe, s)
	case userPrefixRe.MatchString(s):
		return "user:" + stripPrefix(userPrefixRe, s)
	}
	return s
}

// ParseTarget parses an outbound target string.
func ParseTarget(raw string) (Target, error) {
	s := NormalizeMessagingTarget(raw)
	if s == "" {
		return Target{}, &TargetError{Message: "empty target"}
	}
	if groupPrefixRe.MatchString(s) {
		id := stripPrefix(groupPrefixRe, s)
		if targetIDRe.MatchString(id) {
			return Target{Kind: TargetGroup, ID: id}, nil
		}
		return Target{}, &TargetError{Message: "unsupported group target id: " + orEmpty(id)}
	}
	if userPrefixRe.MatchString(s) {
		id := stripPrefix(userPrefixRe, s)
		if targetIDRe.MatchString(id) {
			return Target{Kind: TargetPrivate, ID: id}, nil
		}
		return Target{}, &TargetError{Message: "unsupported user target id: " + orEmpty(id)}
	}
	if targetIDRe.MatchString(s) {
		return Target{Kind: TargetPrivate, ID: s}, nil
	}
	return Target{}, &TargetError{
		Message: "unsupported target format: " + s + "; use <qqOpenId>, user:<qqOpenId>, or group:<groupOpenId>",
	}
}

func orEmpty(s string) string {
	if s == "" {
		return "<empty>"
	}
	return s
}

// LooksLikeTargetID reports whether raw parses as a valid target.
func LooksLikeTargetID(raw string) bool {
	_, err := ParseTarget(raw)
	return err == nil
}

// NormalizeAllowEntry strips channel and scope prefixes until none remain,
// so applying it twice gives the same result. Case is preserved; matching
// lowercases both sides.
func NormalizeAllowEntry(raw string) string {
	s := strings.TrimSpace(raw)
	for {
		next := stripChannelPrefix(s)
		if groupPrefixRe.MatchString(next) {
			next = stripPrefix(groupPrefixRe, next)
		} else if userPrefixRe.MatchString(next) {
			next = stripPrefix(userPrefixRe, next)
		}
		if next == s {
			return s
		}
		s = next
	}
}

// AllowListMatches reports whether senderID is in entries ("*" matches anyone).
func AllowListMatches(entries []string, senderID string) bool {
	want := strings.ToLower(NormalizeAllowEntry(senderID))
	if want == "" {
		return false
	}
	for _, e := range entries {
		n := NormalizeAllowEntry(e)
		if n == "*" {
			return true
		}
		if n != "" && strings.ToLower(n) == want {
			return true
		}
	}
	return false
}

// ResolveGroupConfig looks a group up by id, then "group:<id>", then "*".
func ResolveGroupConfig(groups map[string]*config.QQGroupConfig, groupID string) *config.QQGroupConfig {
	id := strings.TrimSpace(groupID)
	if id == "" {
		return groups["*"]
	}
	if g, ok := groups[id]; ok && g != nil {
		return g
	}
	if g, ok := groups["group:"+id]; ok && g != nil {
		return g
	}
	return groups["*"]
}
