package channels

import "testing"

func TestControlCommandDetection(t *testing.T) {
	tests := []struct {
		text      string
		isMessage bool
		has       bool
	}{
		{"/reset", true, true},
		{"  /RESET now", true, true},
		{"/status@qqbot", true, true},
		{"/new: fresh start", true, true},
		{"hello /reset", false, false},
		{"hi\n/new", false, true},
		{"/unknown", false, false},
		{"/", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		if got := IsControlCommandMessage(tt.text); got != tt.isMessage {
			t.Errorf("IsControlCommandMessage(%q) = %v, want %v", tt.text, got, tt.isMessage)
		}
		if got := HasControlCommand(tt.text); got != tt.has {
			t.Errorf("HasControlCommand(%q) = %v, want %v", tt.text, got, tt.has)
		}
	}
}

func TestResolveCommandAuthorized(t *testing.T) {
	tests := []struct {
		name            string
		useAccessGroups bool
		authorizers     []CommandAuthorizer
		want            bool
	}{
		{"access groups off", false, nil, true},
		{"access groups off ignores denial", false, []CommandAuthorizer{{Configured: true}}, true},
		{"no authorizers", true, nil, false},
		{"configured but denied", true, []CommandAuthorizer{{Configured: true}}, false},
		{"allowed but unconfigured", true, []CommandAuthorizer{{Allowed: true}}, false},
		{"configured and allowed", true, []CommandAuthorizer{{Configured: true, Allowed: true}}, true},
		{
			"any authorizer suffices",
			true,
			[]CommandAuthorizer{{Configured: true}, {Configured: true, Allowed: true}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveCommandAuthorized(tt.useAccessGroups, tt.authorizers...); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
