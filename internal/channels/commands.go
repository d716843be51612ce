package channels

import "strings"

// controlCommands are the slash commands the agent runtime treats as
// session controls rather than conversation.
var controlCommands = map[string]bool{
	"new":     true,
	"reset":   true,
	"stop":    true,
	"status":  true,
	"help":    true,
	"model":   true,
	"compact": true,
	"whoami":  true,
	"think":   true,
	"verbose": true,
}

// commandName returns the lowercased command name when line starts with one
// of the known slash commands.
func commandName(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, "/") {
		return "", false
	}
	t = t[1:]
	end := strings.IndexAny(t, " \t:\n")
	if end >= 0 {
		t = t[:end]
	}
	// "/status@bot" style suffixes
	if at := strings.IndexByte(t, '@'); at >= 0 {
		t = t[:at]
	}
	name := strings.ToLower(t)
	return name, controlCommands[name]
}

// IsControlCommandMessage reports whether the whole message is a control command.
func IsControlCommandMessage(text string) bool {
	_, ok := commandName(text)
	return ok
}

// HasControlCommand reports whether any line of text starts with a control command.
func HasControlCommand(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if _, ok := commandName(line); ok {
			return true
		}
	}
	return false
}

// CommandAuthorizer is one source of command permission, e.g. an allow list.
// Configured is false when the source has no entries at all.
type CommandAuthorizer struct {
	Configured bool
	Allowed    bool
}

// ResolveCommandAuthorized decides whether a sender may run control commands.
// With access groups off every sender is authorized; otherwise at least one
// configured authorizer must allow the sender.
func ResolveCommandAuthorized(useAccessGroups bool, authorizers ...CommandAuthorizer) bool {
	if !useAccessGroups {
		return true
	}
	for _, a := range authorizers {
		if a.Configured && a.Allowed {
			return true
		}
	}
	return false
}
