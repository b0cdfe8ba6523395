package help

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ex-kagura/pkg/kagura"
)

func testCatalog() []kagura.RegisteredCommand {
	noop := kagura.HandlerFunc(func(context.Context, *kagura.Call) error { return nil })

	return []kagura.RegisteredCommand{
		{ModuleName: "ping", Command: kagura.CommandSpec{Name: "ping", Description: "reply with pong!", Handler: noop}},
		{ModuleName: "shoutout", Command: kagura.CommandSpec{
			Name:          "shoutout",
			Aliases:       []string{"so"},
			Usage:         "<user>",
			Description:   "promote another streamer",
			RequiredRoles: kagura.NewRoles(kagura.RoleModerator),
			Handler:       noop,
		}},
		{ModuleName: "help", Command: kagura.CommandSpec{Name: "help", Handler: noop}},
	}
}

func TestModuleHandleCommand(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		roles      kagura.Roles
		settings   kagura.SettingsReader
		catalogErr error
		wantErr    bool
		wantReply  string
	}{
		{
			name:      "viewer sees unrestricted commands",
			roles:     kagura.NewRoles(kagura.RoleViewer),
			wantReply: "Commands: !help, !ping",
		},
		{
			name:      "moderator sees restricted commands",
			roles:     kagura.NewRoles(kagura.RoleViewer, kagura.RoleModerator),
			wantReply: "Commands: !help, !ping, !shoutout",
		},
		{
			name:      "describe by alias",
			args:      []string{"!so"},
			roles:     kagura.NewRoles(kagura.RoleViewer),
			wantReply: "!shoutout <user>: promote another streamer (aliases: !so) [requires moderator]",
		},
		{
			name:      "custom prefix",
			args:      []string{"ping"},
			settings:  prefixSettings("?"),
			wantReply: "?ping: reply with pong!",
		},
		{
			name:      "unknown command",
			args:      []string{"dance"},
			wantReply: "Unknown command !dance.",
		},
		{
			name:       "catalog failure",
			catalogErr: errors.New("catalog offline"),
			wantErr:    true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			module := New()
			module.catalog = catalogStub{commands: testCatalog(), err: testCase.catalogErr}
			replier := &captureReplier{}
			call := &kagura.Call{
				Event: &kagura.Event{
					ID:          "evt-1",
					Source:      "irc-main",
					Channel:     "#kagura",
					Sender:      "1001",
					SenderRoles: testCase.roles,
					OccurredAt:  time.Unix(1, 0).UTC(),
				},
				Args:     testCase.args,
				Settings: testCase.settings,
				Replier:  replier,
			}

			err := module.handleCommand(context.Background(), call)
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if replier.text != testCase.wantReply {
				t.Fatalf("reply = %q, want %q", replier.text, testCase.wantReply)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxReplyLength+10)
	got := truncate(long)
	if len([]rune(got)) != maxReplyLength || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate length = %d, want %d with ellipsis", len([]rune(got)), maxReplyLength)
	}
	if truncate("short") != "short" {
		t.Fatal("short text changed")
	}
}

type catalogStub struct {
	commands []kagura.RegisteredCommand
	err      error
}

func (s catalogStub) ListCommands(context.Context) ([]kagura.RegisteredCommand, error) {
	return s.commands, s.err
}

type prefixSettings string

func (p prefixSettings) LookupSetting(key string) (kagura.Setting, bool) {
	if key != kagura.SettingCommandPrefix {
		return kagura.Setting{}, false
	}

	return kagura.Setting{Key: key, Value: []byte(`"` + string(p) + `"`), Version: 1}, true
}

type captureReplier struct {
	text string
}

func (r *captureReplier) Reply(_ context.Context, _ kagura.ConnectorID, _ kagura.ChannelID, text string) error {
	r.text = text
	return nil
}
