package qq

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/qqbridge/internal/bus"
	"github.com/nextlevelbuilder/qqbridge/internal/config"
)

func TestListPeers(t *testing.T) {
	a := Account{
		AllowFrom:      []string{"qq:user:Alice1", "*", "bob22"},
		GroupAllowFrom: []string{"user:alice1", "carol3", "Alice1"},
	}
	got := ListPeers(a, "", 0)
	want := []DirectoryEntry{
		{Kind: "user", ID: "Alice1"},
		{Kind: "user", ID: "bob22"},
		{Kind: "user", ID: "alice1"},
		{Kind: "user", ID: "carol3"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListPeers = %+v", got)
	}

	if got := ListPeers(a, "ALICE", 1); len(got) != 1 || got[0].ID != "Alice1" {
		t.Errorf("filtered ListPeers = %+v", got)
	}
}

func TestListGroups(t *testing.T) {
	off := false
	a := Account{Groups: map[string]*config.QQGroupConfig{
		"*":           {},
		"group:Team1": {},
		"GROUP:team2": nil,
		"muted":       {Enabled: &off},
		"blocked":     {Allow: &off},
		"zeta":        {},
	}}
	got := ListGroups(a, "", 0)
	want := []DirectoryEntry{
		{Kind: "group", ID: "group:team2"},
		{Kind: "group", ID: "group:Team1"},
		{Kind: "group", ID: "group:zeta"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListGroups = %+v", got)
	}
	if got := ListGroups(a, "team", 1); len(got) != 1 {
		t.Errorf("limited ListGroups = %+v", got)
	}
}

func TestNotifyApproved(t *testing.T) {
	env := newTestChannel(t, nil)
	if err := env.channel.NotifyApproved(context.Background(), "U7"); err != nil {
		t.Fatalf("NotifyApproved: %v", err)
	}
	msgs := env.platform.messages()
	if len(msgs) != 1 || msgs[0].Path != "/v2/users/U7/messages" || msgs[0].Body.Content != PairingApprovedMessage {
		t.Errorf("sent = %+v", msgs)
	}
}

func TestStartRequiresCredentials(t *testing.T) {
	ch := New(Options{Account: Account{AccountID: "ops", WebhookPath: "/x"}, Bus: bus.New()})
	err := ch.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded without credentials")
	}
	want := `QQ is not configured for "ops" (missing apiBaseUrl, appId, appSecret).`
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
	if ch.IsRunning() || !strings.Contains(ch.Snapshot().LastError, "missing") {
		t.Errorf("snapshot = %+v", ch.Snapshot())
	}
}

func TestSnapshotAndStatus(t *testing.T) {
	env := newTestChannel(t, nil)
	s := env.channel.Snapshot()
	if !s.Running || !s.Configured || s.LastStartAt == 0 || s.SecretSource != SecretSourceConfig {
		t.Errorf("snapshot = %+v", s)
	}
	st := env.channel.Status()
	if st["running"] != true || st["accountId"] != "default" {
		t.Errorf("status = %v", st)
	}
	res := env.channel.Probe(context.Background(), 0)
	if !res.OK || res.Bot.ID != "bot-1" {
		t.Errorf("probe = %+v", res)
	}
}
