package shoutout

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ex-kagura/pkg/kagura"
)

func settingValues(pairs map[string]string) kagura.Values {
	values := make(kagura.Values, len(pairs))
	for key, raw := range pairs {
		values[key] = kagura.Value{
			Key:     key,
			Data:    kagura.Setting{Key: key, Value: []byte(raw), Version: 1},
			Version: 1,
			Present: true,
		}
	}

	return values
}

func TestConfigureValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		values  map[string]string
		wantErr string
	}{
		{name: "defaults", values: nil},
		{name: "custom template", values: map[string]string{TemplateKey: `"Follow {{.User}}"`}},
		{name: "broken template", values: map[string]string{TemplateKey: `"{{.User"`}, wantErr: "parse shoutout.template"},
		{name: "lookup without placeholder", values: map[string]string{LookupURLKey: `"https://example.com/u"`}, wantErr: "{user}"},
		{name: "lookup wrong scheme", values: map[string]string{LookupURLKey: `"ftp://example.com/{user}"`}, wantErr: "http(s)"},
		{name: "template wrong type", values: map[string]string{TemplateKey: `42`}, wantErr: "decode setting"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			contribution, err := New().Configure(context.Background(), settingValues(testCase.values))
			if testCase.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
					t.Fatalf("error = %v, want substring %q", err, testCase.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Configure failed: %v", err)
			}
			command := contribution.Commands[0]
			if err := command.Validate(); err != nil {
				t.Fatalf("command invalid: %v", err)
			}
			if !command.Limited() || command.Cooldown != 30*time.Second {
				t.Fatalf("command = %+v, want 30s cooldown", command)
			}
			if !command.RequiredRoles.Has(kagura.RoleModerator) {
				t.Fatalf("required roles = %v, want moderator", command.RequiredRoles)
			}
		})
	}
}

func TestHandleCommand(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/streamerx":
			_, _ = io.WriteString(w, `{"game":"Celeste","profile":{"title":"speedruns"}}`)
		default:
			http.Error(w, "missing", http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	tests := []struct {
		name      string
		values    map[string]string
		args      []string
		wantReply string
		wantKeys  []string
	}{
		{
			name:      "default template without lookup",
			args:      []string{"@StreamerX"},
			wantReply: "Go check out streamerx!",
		},
		{
			name:      "lookup fills detail",
			values:    map[string]string{LookupURLKey: `"` + server.URL + `/users/{user}"`},
			args:      []string{"streamerx"},
			wantReply: "Go check out streamerx! They were last seen playing Celeste.",
			wantKeys:  []string{"shoutout:" + server.URL + "/users/streamerx"},
		},
		{
			name: "custom field and template",
			values: map[string]string{
				LookupURLKey:   `"` + server.URL + `/users/{user}"`,
				LookupFieldKey: `"profile.title"`,
				TemplateKey:    `"{{.Sender}} recommends {{.User}} ({{.Detail}}) in {{.Channel}}"`,
			},
			args:      []string{"streamerx"},
			wantReply: "Mod recommends streamerx (speedruns) in #c1",
			wantKeys:  []string{"shoutout:" + server.URL + "/users/streamerx"},
		},
		{
			name:      "failed lookup still replies",
			values:    map[string]string{LookupURLKey: `"` + server.URL + `/users/{user}"`},
			args:      []string{"nobody"},
			wantReply: "Go check out nobody!",
			wantKeys:  []string{"shoutout:" + server.URL + "/users/nobody"},
		},
		{
			name:      "missing argument shows usage",
			wantReply: "Usage: !so <user>",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			module := New(WithHTTPClient(server.Client()))
			contribution, err := module.Configure(context.Background(), settingValues(testCase.values))
			if err != nil {
				t.Fatalf("Configure failed: %v", err)
			}

			replier := &captureReplier{}
			cache := &recordingFetcher{}
			call := &kagura.Call{
				Event: &kagura.Event{
					ID:          "evt-1",
					Source:      "irc-main",
					Channel:     "#c1",
					Sender:      "mod1",
					SenderName:  "Mod",
					SenderRoles: kagura.NewRoles(kagura.RoleModerator),
					Text:        "!so " + strings.Join(testCase.args, " "),
					OccurredAt:  time.Unix(1, 0).UTC(),
				},
				Command: "shoutout",
				Invoked: "!so",
				Args:    testCase.args,
				Cache:   cache,
				Replier: replier,
			}
			if err := contribution.Commands[0].Handler.Handle(context.Background(), call); err != nil {
				t.Fatalf("Handle failed: %v", err)
			}
			if replier.text != testCase.wantReply {
				t.Fatalf("reply = %q, want %q", replier.text, testCase.wantReply)
			}
			if strings.Join(cache.keys, ",") != strings.Join(testCase.wantKeys, ",") {
				t.Fatalf("cache keys = %v, want %v", cache.keys, testCase.wantKeys)
			}
		})
	}
}

type recordingFetcher struct {
	mu   sync.Mutex
	keys []string
}

func (f *recordingFetcher) GetOrFetch(ctx context.Context, key string, _ time.Duration, fetch kagura.FetchFunc) (any, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()

	return fetch(ctx)
}

type captureReplier struct {
	text string
}

func (r *captureReplier) Reply(_ context.Context, _ kagura.ConnectorID, _ kagura.ChannelID, text string) error {
	r.text = text
	return nil
}
