package qq

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/qqbridge/internal/bus"
	"github.com/nextlevelbuilder/qqbridge/internal/channels"
	"github.com/nextlevelbuilder/qqbridge/internal/config"
	"github.com/nextlevelbuilder/qqbridge/internal/sessions"
)

func TestPairingRequestedOnce(t *testing.T) {
	env := newTestChannel(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := env.channel.processMessage(ctx, c2cPayload("U1", "hello")); err != nil {
			t.Fatalf("processMessage #%d: %v", i, err)
		}
	}
	expectNoInbound(t, env.bus)

	reqs, err := env.pairing.ListRequests(ctx, PairingChannel)
	if err != nil || len(reqs) != 1 {
		t.Fatalf("ListRequests = %+v, %v", reqs, err)
	}
	if reqs[0].SenderID != "U1" || reqs[0].Meta["account_id"] != "default" || reqs[0].Meta["name"] != "U1" {
		t.Errorf("request = %+v", reqs[0])
	}

	msgs := env.platform.messages()
	if len(msgs) != 1 {
		t.Fatalf("pairing replies sent = %d, want 1", len(msgs))
	}
	if msgs[0].Path != "/v2/users/U1/messages" || msgs[0].Body.MsgID != "msg-U1" {
		t.Errorf("reply = %+v", msgs[0])
	}
	if want := BuildPairingReply("U1", reqs[0].Code); msgs[0].Body.Content != want {
		t.Errorf("reply text = %q, want %q", msgs[0].Body.Content, want)
	}

	// Once approved, the sender is routed.
	if _, err := env.pairing.Approve(ctx, PairingChannel, reqs[0].Code); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := env.channel.processMessage(ctx, c2cPayload("U1", "again")); err != nil {
		t.Fatal(err)
	}
	if msg := expectInbound(t, env.bus); msg.Content != "again" {
		t.Errorf("routed = %+v", msg)
	}
}

func TestDMPolicies(t *testing.T) {
	tests := []struct {
		name      string
		policy    channels.DMPolicy
		allowFrom []string
		sender    string
		routed    bool
	}{
		{"open", channels.DMPolicyOpen, nil, "U1", true},
		{"disabled", channels.DMPolicyDisabled, []string{"*"}, "U1", false},
		{"allowlist hit", channels.DMPolicyAllowlist, []string{"qq:user:u1"}, "U1", true},
		{"allowlist miss", channels.DMPolicyAllowlist, []string{"U2"}, "U1", false},
		{"pairing allow list", channels.DMPolicyPairing, []string{"U1"}, "U1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestChannel(t, func(a *Account) {
				a.DMPolicy = tt.policy
				a.AllowFrom = tt.allowFrom
			})
			if err := env.channel.processMessage(context.Background(), c2cPayload(tt.sender, "hi")); err != nil {
				t.Fatal(err)
			}
			if tt.routed {
				expectInbound(t, env.bus)
			} else {
				expectNoInbound(t, env.bus)
			}
			if n := len(env.platform.messages()); n != 0 {
				t.Errorf("%d replies sent", n)
			}
		})
	}
}

func TestEmptyContentDropped(t *testing.T) {
	env := newTestChannel(t, func(a *Account) { a.DMPolicy = channels.DMPolicyOpen })
	if err := env.channel.processMessage(context.Background(), c2cPayload("U1", "")); err != nil {
		t.Fatal(err)
	}
	m := c2cPayload("", "hi")
	if err := env.channel.processMessage(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	expectNoInbound(t, env.bus)
}

func TestGroupPolicy(t *testing.T) {
	off := false
	tests := []struct {
		name   string
		policy channels.GroupPolicy
		groups map[string]*config.QQGroupConfig
		routed bool
	}{
		{"open", channels.GroupPolicyOpen, nil, true},
		{"disabled", channels.GroupPolicyDisabled, nil, false},
		{"allowlist unlisted", channels.GroupPolicyAllowlist, nil, false},
		{"allowlist listed", channels.GroupPolicyAllowlist, map[string]*config.QQGroupConfig{"G1": {}}, true},
		{"allowlist prefixed key", channels.GroupPolicyAllowlist, map[string]*config.QQGroupConfig{"group:G1": {}}, true},
		{"allowlist wildcard", channels.GroupPolicyAllowlist, map[string]*config.QQGroupConfig{"*": {}}, true},
		{"allow false", channels.GroupPolicyAllowlist, map[string]*config.QQGroupConfig{"G1": {Allow: &off}}, false},
		{"enabled false", channels.GroupPolicyAllowlist, map[string]*config.QQGroupConfig{"G1": {Enabled: &off}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestChannel(t, func(a *Account) {
				a.GroupPolicy = tt.policy
				a.Groups = tt.groups
			})
			if err := env.channel.processMessage(context.Background(), groupPayload("G1", "U1", "hi")); err != nil {
				t.Fatal(err)
			}
			if tt.routed {
				expectInbound(t, env.bus)
			} else {
				expectNoInbound(t, env.bus)
			}
		})
	}
}

func TestGroupSenderAllowList(t *testing.T) {
	env := newTestChannel(t, func(a *Account) {
		a.GroupAllowFrom = []string{"U1"}
		a.Groups = map[string]*config.QQGroupConfig{"G2": {AllowFrom: []string{"U9"}}}
	})
	ctx := context.Background()

	env.channel.processMessage(ctx, groupPayload("G1", "U2", "hi"))
	expectNoInbound(t, env.bus)

	env.channel.processMessage(ctx, groupPayload("G1", "U1", "hi"))
	expectInbound(t, env.bus)

	// The per-group list replaces group_allow_from.
	env.channel.processMessage(ctx, groupPayload("G2", "U1", "hi"))
	expectNoInbound(t, env.bus)
	env.channel.processMessage(ctx, groupPayload("G2", "U9", "hi"))
	expectInbound(t, env.bus)
}

func TestGroupRequireMention(t *testing.T) {
	off := false
	plain := func(content string) ParsedMessage {
		m := groupPayload("G1", "U1", content)
		m.EventType = "GROUP_MESSAGE_CREATE"
		return m
	}
	ctx := context.Background()

	env := newTestChannel(t, nil)
	env.channel.processMessage(ctx, plain("hello"))
	expectNoInbound(t, env.bus)

	env.channel.processMessage(ctx, groupPayload("G1", "U1", "hello"))
	msg := expectInbound(t, env.bus)
	if msg.Metadata[bus.MetaWasMentioned] != "true" {
		t.Errorf("was_mentioned = %q", msg.Metadata[bus.MetaWasMentioned])
	}

	env = newTestChannel(t, func(a *Account) {
		a.Groups = map[string]*config.QQGroupConfig{"*": {RequireMention: &off}}
	})
	env.channel.processMessage(ctx, plain("hello"))
	msg = expectInbound(t, env.bus)
	if msg.Metadata[bus.MetaWasMentioned] != "false" {
		t.Errorf("was_mentioned = %q", msg.Metadata[bus.MetaWasMentioned])
	}
}

func TestGroupControlCommands(t *testing.T) {
	env := newTestChannel(t, func(a *Account) { a.AllowFrom = []string{"U1"} })
	ctx := context.Background()

	env.channel.processMessage(ctx, groupPayload("G1", "U2", "/reset"))
	expectNoInbound(t, env.bus)

	env.channel.processMessage(ctx, groupPayload("G1", "U1", "/reset"))
	msg := expectInbound(t, env.bus)
	if msg.Metadata[bus.MetaCommandAuthorized] != "true" {
		t.Errorf("command_authorized = %q", msg.Metadata[bus.MetaCommandAuthorized])
	}

	// An authorized text command bypasses the mention requirement.
	m := groupPayload("G1", "U1", "/status")
	m.EventType = "GROUP_MESSAGE_CREATE"
	env.channel.processMessage(ctx, m)
	expectInbound(t, env.bus)
}

func TestCommandsWithoutAccessGroups(t *testing.T) {
	off := false
	env := newTestChannel(t, nil, func(o *Options) {
		o.Commands = config.CommandsConfig{UseAccessGroups: &off}
	})
	env.channel.processMessage(context.Background(), groupPayload("G1", "U2", "/reset"))
	msg := expectInbound(t, env.bus)
	if msg.Metadata[bus.MetaCommandAuthorized] != "true" {
		t.Errorf("command_authorized = %q", msg.Metadata[bus.MetaCommandAuthorized])
	}
}

func TestForwardRecordsSession(t *testing.T) {
	mgr := sessions.NewManager("")
	env := newTestChannel(t, func(a *Account) {
		a.Groups = map[string]*config.QQGroupConfig{"G1": {SystemPrompt: "  be brief  "}}
	}, func(o *Options) {
		o.Sessions = mgr
		o.AgentID = "helper"
	})

	env.channel.processMessage(context.Background(), groupPayload("G1", "U1", "hi"))
	msg := expectInbound(t, env.bus)
	if msg.SessionKey != "agent:helper:qq:group:G1" || msg.ChatID != "group:G1" || msg.AgentID != "helper" {
		t.Errorf("routed = %+v", msg)
	}
	if msg.Metadata[bus.MetaGroupSystemPrompt] != "be brief" {
		t.Errorf("system prompt = %q", msg.Metadata[bus.MetaGroupSystemPrompt])
	}

	s, ok := mgr.Get(msg.SessionKey)
	if !ok {
		t.Fatal("session not recorded")
	}
	if s.ChatID != "group:G1" || s.Inbound != 1 || s.LastMsgID != "msg-U1" || s.AccountID != "default" {
		t.Errorf("session = %+v", s)
	}
}

func TestPerAccountDMScope(t *testing.T) {
	env := newTestChannel(t, func(a *Account) {
		a.AccountID = "ops"
		a.DMPolicy = channels.DMPolicyOpen
	}, func(o *Options) {
		o.DMScope = sessions.DMScopePerAccountChannelPeer
	})
	env.channel.processMessage(context.Background(), c2cPayload("U1", "hi"))
	if msg := expectInbound(t, env.bus); msg.SessionKey != "agent:default:qq:ops:direct:U1" {
		t.Errorf("session key = %q", msg.SessionKey)
	}
}
