// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/trestle-bridge/trestle/lib/ref"
)

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

const validConfig = `
homeserver:
  url: https://matrix.example.org
  domain: example.org
bot:
  user_id: "@trestle:example.org"
  access_token: syt_secret
service_bots:
  - user_id: "@trestle_github:example.org"
    service: github
    access_token: syt_gh
services:
  github:
    enabled: true
    command_prefix: "!gh"
  webhook:
    enabled: true
  feed:
    enabled: false
permissions:
  - actor: example.org
    services:
      - service: "*"
        level: commands
  - actor: "@ops:example.org"
    services:
      - service: github
        level: admin
storage:
  database: /var/lib/trestle/trestle.db
`

func TestLoadFile(t *testing.T) {
	path := writeTestFile(t, "trestle.yaml", validConfig)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Bot.UserID.String() != "@trestle:example.org" {
		t.Errorf("bot user = %q", cfg.Bot.UserID)
	}
	if !cfg.ServiceEnabled("github") || !cfg.ServiceEnabled("webhook") {
		t.Error("github and webhook should be enabled")
	}
	if cfg.ServiceEnabled("feed") || cfg.ServiceEnabled("jira") {
		t.Error("feed and unknown categories should be disabled")
	}
	if got := cfg.Services["github"].CommandPrefix; got != "!gh" {
		t.Errorf("github command prefix = %q", got)
	}
	if cfg.Storage.PoolSize != 4 {
		t.Errorf("default pool size = %d", cfg.Storage.PoolSize)
	}
}

func TestAccessTokenFile(t *testing.T) {
	tokenPath := writeTestFile(t, "token", "syt_from_file\n")
	configBody := strings.Replace(validConfig,
		"access_token: syt_secret",
		"access_token_file: "+tokenPath, 1)
	path := writeTestFile(t, "trestle.yaml", configBody)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Bot.AccessToken != "syt_from_file" {
		t.Errorf("token = %q, want contents of token file", cfg.Bot.AccessToken)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing homeserver", func(c *Config) { c.Homeserver.URL = "" }, "homeserver.url"},
		{"bad scheme", func(c *Config) { c.Homeserver.URL = "matrix.example.org" }, "http(s)"},
		{"missing bot token", func(c *Config) { c.Bot.AccessToken = "" }, "access_token"},
		{"no services", func(c *Config) { c.Services = nil }, "no service category"},
		{
			"bad level",
			func(c *Config) { c.Permissions[0].Services[0].Level = "superuser" },
			"invalid permission level",
		},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			path := writeTestFile(t, "trestle.yaml", validConfig)
			cfg, err := LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			testCase.mutate(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), testCase.want) {
				t.Errorf("Validate = %v, want error containing %q", err, testCase.want)
			}
		})
	}
}

func TestIsNamespacedUser(t *testing.T) {
	path := writeTestFile(t, "trestle.yaml", validConfig)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	cases := []struct {
		user string
		want bool
	}{
		{"@trestle:example.org", true},
		{"@trestle_github:example.org", true},
		{"@trestle_puppet42:example.org", true},
		{"@trestle_puppet42:other.org", false},
		{"@alice:example.org", false},
		{"@trestle:other.org", false},
	}
	for _, testCase := range cases {
		got := cfg.IsNamespacedUser(ref.MustParseUserID(testCase.user))
		if got != testCase.want {
			t.Errorf("IsNamespacedUser(%s) = %v, want %v", testCase.user, got, testCase.want)
		}
	}
}

func TestPermissionSet(t *testing.T) {
	set, err := NewPermissionSet([]ActorPermission{
		{Actor: "example.org", Services: []ServicePermission{{Service: "*", Level: "commands"}}},
		{Actor: "@ops:example.org", Services: []ServicePermission{{Service: "github", Level: "manageConnections"}}},
		{Actor: "!admins:example.org", Services: []ServicePermission{{Level: "admin"}}},
	})
	if err != nil {
		t.Fatalf("NewPermissionSet: %v", err)
	}

	alice := ref.MustParseUserID("@alice:example.org")
	ops := ref.MustParseUserID("@ops:example.org")
	outsider := ref.MustParseUserID("@eve:elsewhere.org")

	if !set.CheckAction(alice, "github", LevelCommands) {
		t.Error("domain actor should grant commands to alice")
	}
	if set.CheckAction(alice, "github", LevelManageConnections) {
		t.Error("alice should not manage connections")
	}
	if !set.CheckAction(ops, "github", LevelManageConnections) {
		t.Error("ops should manage github connections")
	}
	if set.CheckAction(ops, "webhook", LevelManageConnections) {
		t.Error("ops grant is github-scoped")
	}
	if set.CheckAction(outsider, "github", LevelCommands) {
		t.Error("outsider should be denied")
	}

	// Room-based actor matches only after membership is cached.
	adminRoom := ref.MustParseRoomID("!admins:example.org")
	if set.CheckAction(outsider, "feed", LevelAdmin) {
		t.Error("room actor should not match before membership cached")
	}
	set.AddMemberToCache(adminRoom, outsider)
	if !set.CheckAction(outsider, "feed", LevelAdmin) {
		t.Error("room member should hold admin")
	}
	set.RemoveMemberFromCache(adminRoom, outsider)
	if set.CheckAction(outsider, "feed", LevelAdmin) {
		t.Error("removed member should lose admin")
	}

	if got := set.InterestedRooms(); len(got) != 1 || got[0] != adminRoom.String() {
		t.Errorf("InterestedRooms = %v", got)
	}
}

func TestCheckActionAny(t *testing.T) {
	set, err := NewPermissionSet([]ActorPermission{
		{Actor: "@ops:example.org", Services: []ServicePermission{{Service: "github", Level: "login"}}},
	})
	if err != nil {
		t.Fatalf("NewPermissionSet: %v", err)
	}
	ops := ref.MustParseUserID("@ops:example.org")
	if !set.CheckActionAny(ops, LevelCommands) {
		t.Error("any-service check should ignore the service scope")
	}
	if set.CheckActionAny(ops, LevelAdmin) {
		t.Error("level ceiling still applies")
	}
}

func TestLoadStaticConnections(t *testing.T) {
	path := writeTestFile(t, "static.jsonc", `
// Operator-pinned connections.
[
  {
    "room_id": "!release:example.org",
    "event_type": "io.trestle.github.repository",
    "state_key": "octo/kit",
    "content": {"org": "octo", "repo": "kit"}, // trailing comma ok
  },
]`)
	connections, err := LoadStaticConnections(path)
	if err != nil {
		t.Fatalf("LoadStaticConnections: %v", err)
	}
	if len(connections) != 1 {
		t.Fatalf("got %d connections, want 1", len(connections))
	}
	if connections[0].Content["org"] != "octo" {
		t.Errorf("content = %v", connections[0].Content)
	}

	if _, err := LoadStaticConnections(""); err != nil {
		t.Errorf("empty path should be a no-op, got %v", err)
	}

	bad := writeTestFile(t, "bad.jsonc", `[{"event_type": "io.trestle.webhook"}]`)
	if _, err := LoadStaticConnections(bad); err == nil {
		t.Error("expected error for entry without room_id")
	}
}
