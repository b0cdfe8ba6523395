package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"ex-kagura/internal/connector"
	"ex-kagura/pkg/kagura"
)

type pushServer struct {
	server   *httptest.Server
	received chan string
	outbound chan string
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()

	fake := &pushServer{
		received: make(chan string, 64),
		outbound: make(chan string, 16),
	}
	upgrader := websocket.Upgrader{}
	fake.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case <-done:
					return
				case frame := <-fake.outbound:
					if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
						return
					}
				}
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame := string(data)
			switch gjson.Get(frame, "type").String() {
			case frameListen:
				response := map[string]string{"type": frameResponse, "nonce": gjson.Get(frame, "nonce").String()}
				if gjson.Get(frame, "data.auth_token").String() != "good" {
					response["error"] = "ERR_BADAUTH"
				}
				payload, _ := json.Marshal(response)
				fake.outbound <- string(payload)
			case framePing:
				select {
				case fake.outbound <- `{"type":"PONG"}`:
				default:
				}
			}
			select {
			case fake.received <- frame:
			default:
			}
		}
	}))
	t.Cleanup(fake.server.Close)

	return fake
}

func (f *pushServer) config() Config {
	return Config{
		URL:          "ws" + strings.TrimPrefix(f.server.URL, "http"),
		Topics:       []string{"chat.7", "rewards.7"},
		PingInterval: 20 * time.Millisecond,
		PongTimeout:  time.Second,
		LoginTimeout: time.Second,
		Policy:       connector.DefaultPolicy(),
	}
}

func (f *pushServer) dialer() *dialer {
	return &dialer{
		id:     "pubsub",
		cfg:    f.config(),
		logger: slog.Default(),
		ws:     &websocket.Dialer{HandshakeTimeout: time.Second},
	}
}

func (f *pushServer) expect(t *testing.T, frameType string) string {
	t.Helper()

	deadline := time.After(time.Second)
	for {
		select {
		case frame := <-f.received:
			if gjson.Get(frame, "type").String() == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", frameType)
			return ""
		}
	}
}

func messageFrame(t *testing.T, topic string, inner string) string {
	t.Helper()

	payload, err := json.Marshal(map[string]any{
		"type": frameMessage,
		"data": map[string]string{"topic": topic, "message": inner},
	})
	if err != nil {
		t.Fatalf("marshal message frame failed: %v", err)
	}

	return string(payload)
}

func TestSessionListenAndEvents(t *testing.T) {
	t.Parallel()

	fake := newPushServer(t)
	session, err := fake.dialer().dial(context.Background(), kagura.Credential{Token: "good"})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	listen := fake.expect(t, frameListen)
	if diff := cmp.Diff([]string{"chat.7", "rewards.7"}, toStrings(gjson.Get(listen, "data.topics").Array())); diff != "" {
		t.Fatalf("topics mismatch (-want +got):\n%s", diff)
	}

	events := make(chan *kagura.Event, 4)
	runErr := make(chan error, 1)
	go func() {
		runErr <- session.Run(context.Background(), func(event *kagura.Event) { events <- event })
	}()

	fake.outbound <- messageFrame(t, "chat.7", `{"type":"chat_message","data":{"id":"c-1","channel":"7",`+
		`"user":{"id":"42","login":"alice","display_name":"Alice","roles":["moderator"]},`+
		`"text":"!so bob","sent_at":"2026-10-15T10:00:00Z"}}`)
	fake.outbound <- `{not json`
	fake.outbound <- messageFrame(t, "chat.7", `{"type":"chat_message","data":{"id":"c-2"}}`)
	fake.outbound <- messageFrame(t, "rewards.7", `{"type":"reward_redeemed","data":{"channel":"7",`+
		`"redemption":{"id":"r-1","user":{"id":"43","login":"bob","display_name":"Bob"},`+
		`"reward":{"title":"Hydrate","cost":500},"user_input":"water please","redeemed_at":"2026-10-15T10:01:00Z"}}}`)
	fake.outbound <- messageFrame(t, "chat.7", `{"type":"poll_started","data":{}}`)

	want := []*kagura.Event{
		{
			ID:          "c-1",
			Source:      "pubsub",
			Channel:     "7",
			Sender:      "42",
			SenderName:  "Alice",
			SenderRoles: kagura.NewRoles(kagura.RoleViewer, kagura.RoleModerator),
			Text:        "!so bob",
			OccurredAt:  time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC),
			Metadata:    map[string]string{"kind": "chat", "topic": "chat.7", "login": "alice"},
		},
		{
			ID:          "r-1",
			Source:      "pubsub",
			Channel:     "7",
			Sender:      "43",
			SenderName:  "Bob",
			SenderRoles: kagura.NewRoles(kagura.RoleViewer),
			Text:        "water please",
			OccurredAt:  time.Date(2026, 10, 15, 10, 1, 0, 0, time.UTC),
			Metadata: map[string]string{
				"kind":        "redemption",
				"topic":       "rewards.7",
				"login":       "bob",
				"reward":      "Hydrate",
				"reward_cost": "500",
			},
		},
	}
	for _, wantEvent := range want {
		select {
		case event := <-events:
			if diff := cmp.Diff(wantEvent, event); diff != "" {
				t.Fatalf("event mismatch (-want +got):\n%s", diff)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %s", wantEvent.ID)
		}
	}

	fake.expect(t, framePing)
	if err := session.Send(context.Background(), "7", "hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	reply := fake.expect(t, frameReply)
	if got := gjson.Get(reply, "data.text").String(); got != "hello" {
		t.Fatalf("reply text = %q, want hello", got)
	}

	fake.outbound <- `{"type":"RECONNECT"}`
	select {
	case err := <-runErr:
		if !errors.Is(err, connector.ErrReconnectRequested) {
			t.Fatalf("run error = %v, want reconnect requested", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return on RECONNECT")
	}
	if len(events) != 0 {
		t.Fatalf("unexpected extra events: %d", len(events))
	}
	if err := session.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	t.Parallel()

	fake := newPushServer(t)
	_, err := fake.dialer().dial(context.Background(), kagura.Credential{Token: "bad"})
	if !errors.Is(err, connector.ErrAuthRejected) {
		t.Fatalf("dial error = %v, want auth rejected", err)
	}
}

func TestParseEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		want      envelope
		malformed bool
	}{
		{name: "pong", raw: `{"type":"PONG"}`, want: envelope{kind: framePong}},
		{
			name: "response",
			raw:  `{"type":"RESPONSE","nonce":"n-1","error":"ERR_BADAUTH"}`,
			want: envelope{kind: frameResponse, nonce: "n-1", err: "ERR_BADAUTH"},
		},
		{
			name: "message",
			raw:  `{"type":"MESSAGE","data":{"topic":"chat.7","message":"{}"}}`,
			want: envelope{kind: frameMessage, topic: "chat.7", inner: "{}"},
		},
		{name: "invalid json", raw: `{"type":`, malformed: true},
		{name: "missing type", raw: `{"nonce":"x"}`, malformed: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseEnvelope([]byte(testCase.raw))
			if testCase.malformed {
				if !errors.Is(err, kagura.ErrMalformedFrame) {
					t.Fatalf("error = %v, want malformed frame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if diff := cmp.Diff(testCase.want, got, cmp.AllowUnexported(envelope{})); diff != "" {
				t.Fatalf("envelope mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{name: "valid", raw: `{"url":"wss://push.test/v1","topics":["chat.1"],"ping_interval":"1m"}`},
		{name: "http scheme", raw: `{"url":"https://push.test","topics":["a"]}`, wantErr: "ws or wss"},
		{name: "no topics", raw: `{"url":"wss://push.test"}`, wantErr: "at least one topic"},
		{name: "bad ping", raw: `{"url":"wss://push.test","topics":["a"],"ping_interval":"x"}`, wantErr: "ping_interval"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := ParseConfig([]byte(testCase.raw))
			if testCase.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
					t.Fatalf("error = %v, want substring %q", err, testCase.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if cfg.PingInterval != time.Minute || cfg.PongTimeout != defaultPongTimeout {
				t.Fatalf("timings = %s/%s", cfg.PingInterval, cfg.PongTimeout)
			}
		})
	}
}

func toStrings(results []gjson.Result) []string {
	values := make([]string, 0, len(results))
	for _, result := range results {
		values = append(values, result.String())
	}

	return values
}
