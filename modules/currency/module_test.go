package currency

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ex-kagura/pkg/kagura"
)

func nameValues(name string) kagura.Values {
	return kagura.Values{
		NameKey: {
			Key:     NameKey,
			Data:    kagura.Setting{Key: NameKey, Value: []byte(`"` + name + `"`), Version: 1},
			Version: 1,
			Present: true,
		},
	}
}

func newTestModule(t *testing.T, store *memoryStore) map[string]kagura.CommandSpec {
	t.Helper()

	module := New()
	if err := module.OnRegister(context.Background(), runtimeStub{store: store}); err != nil {
		t.Fatalf("OnRegister failed: %v", err)
	}
	contribution, err := module.Configure(context.Background(), nameValues("points"))
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	commands := make(map[string]kagura.CommandSpec)
	for _, command := range contribution.Commands {
		if err := command.Validate(); err != nil {
			t.Fatalf("command %s invalid: %v", command.Name, err)
		}
		commands[command.Name] = command
	}

	return commands
}

func newCall(login string, replier kagura.Replier, args ...string) *kagura.Call {
	return &kagura.Call{
		Event: &kagura.Event{
			ID:         "evt",
			Source:     "irc-main",
			Channel:    "#c1",
			Sender:     kagura.UserID("id-" + login),
			SenderName: strings.ToUpper(login),
			Metadata:   map[string]string{"login": login},
			OccurredAt: time.Unix(1, 0).UTC(),
		},
		Invoked: "!cmd",
		Args:    args,
		Replier: replier,
	}
}

func TestConfigure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		values      kagura.Values
		wantAliases []string
		wantErr     bool
	}{
		{name: "single word name becomes alias", values: nameValues("Points"), wantAliases: []string{"points"}},
		{name: "multi word name has no alias", values: nameValues("channel points")},
		{name: "blank name", values: nameValues("  "), wantErr: true},
		{name: "absent name", values: kagura.Values{}, wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			contribution, err := New().Configure(context.Background(), testCase.values)
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Configure failed: %v", err)
			}
			if diff := cmp.Diff(testCase.wantAliases, contribution.Commands[0].Aliases); diff != "" {
				t.Fatalf("aliases mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOnRegisterRequiresStore(t *testing.T) {
	t.Parallel()

	if err := New().OnRegister(context.Background(), runtimeStub{}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestCurrencyFlow(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	commands := newTestModule(t, store)
	replier := &captureReplier{}
	ctx := context.Background()

	steps := []struct {
		command string
		login   string
		args    []string
		want    string
	}{
		{command: "award", login: "mod", args: []string{"@Alice", "100"}, want: "alice now has 100 points."},
		{command: "give", login: "alice", args: []string{"bob", "30"}, want: "alice gave 30 points to bob."},
		{command: "balance", login: "alice", want: "alice has 70 points."},
		{command: "balance", login: "alice", args: []string{"bob"}, want: "bob has 30 points."},
		{command: "give", login: "bob", args: []string{"alice", "31"}, want: "You only have 30 points."},
		{command: "give", login: "bob", args: []string{"bob", "1"}, want: "You cannot give points to yourself."},
		{command: "give", login: "bob", args: []string{"alice", "-5"}, want: "Usage: !cmd <user> <amount>"},
		{command: "award", login: "mod", args: []string{"carol"}, want: "Usage: !cmd <user> <amount>"},
		{command: "balance", login: "bob", want: "bob has 30 points."},
	}
	for index, step := range steps {
		if err := commands[step.command].Handler.Handle(ctx, newCall(step.login, replier, step.args...)); err != nil {
			t.Fatalf("step %d %s failed: %v", index, step.command, err)
		}
		if got := replier.last(); got != step.want {
			t.Fatalf("step %d %s reply = %q, want %q", index, step.command, got, step.want)
		}
	}

	want := map[string]string{
		"currency/irc-main/#c1/alice": "70",
		"currency/irc-main/#c1/bob":   "30",
	}
	if diff := cmp.Diff(want, store.snapshot()); diff != "" {
		t.Fatalf("store mismatch (-want +got):\n%s", diff)
	}
}

func TestGiveRollsBackOnStoreFailure(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	store.data["currency/irc-main/#c1/alice"] = []byte("50")
	store.failSetKey = "currency/irc-main/#c1/bob"
	commands := newTestModule(t, store)

	err := commands["give"].Handler.Handle(context.Background(), newCall("alice", &captureReplier{}, "bob", "10"))
	if err == nil {
		t.Fatal("expected error")
	}
	if diff := cmp.Diff(map[string]string{"currency/irc-main/#c1/alice": "50"}, store.snapshot()); diff != "" {
		t.Fatalf("store mismatch (-want +got):\n%s", diff)
	}
}

func TestCreditsRejectBalanceOverflow(t *testing.T) {
	t.Parallel()

	const nearMax = "9223372036854775800"
	tests := []struct {
		name      string
		command   string
		login     string
		args      []string
		seed      map[string]string
		wantReply string
	}{
		{
			name:      "award past max",
			command:   "award",
			login:     "mod",
			args:      []string{"bob", "8"},
			seed:      map[string]string{"currency/irc-main/#c1/bob": nearMax},
			wantReply: "bob cannot hold that many points.",
		},
		{
			name:      "award max amount to funded user",
			command:   "award",
			login:     "mod",
			args:      []string{"bob", "9223372036854775807"},
			seed:      map[string]string{"currency/irc-main/#c1/bob": "1"},
			wantReply: "bob cannot hold that many points.",
		},
		{
			name:    "give past max",
			command: "give",
			login:   "alice",
			args:    []string{"bob", "10"},
			seed: map[string]string{
				"currency/irc-main/#c1/alice": "10",
				"currency/irc-main/#c1/bob":   nearMax,
			},
			wantReply: "bob cannot hold that many points.",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			store := newMemoryStore()
			for key, value := range testCase.seed {
				store.data[key] = []byte(value)
			}
			commands := newTestModule(t, store)
			replier := &captureReplier{}

			if err := commands[testCase.command].Handler.Handle(context.Background(), newCall(testCase.login, replier, testCase.args...)); err != nil {
				t.Fatalf("%s failed: %v", testCase.command, err)
			}
			if got := replier.last(); got != testCase.wantReply {
				t.Fatalf("reply = %q, want %q", got, testCase.wantReply)
			}
			if diff := cmp.Diff(testCase.seed, store.snapshot()); diff != "" {
				t.Fatalf("store changed (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConcurrentGivesNeverOverdraw(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	store.data["currency/irc-main/#c1/alice"] = []byte("10")
	commands := newTestModule(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = commands["give"].Handler.Handle(context.Background(), newCall("alice", &captureReplier{}, "bob", "1"))
		}()
	}
	wg.Wait()

	got := store.snapshot()
	if got["currency/irc-main/#c1/alice"] != "0" || got["currency/irc-main/#c1/bob"] != "10" {
		t.Fatalf("balances = %v, want alice 0 and bob 10", got)
	}
}

type runtimeStub struct {
	store kagura.Store
}

func (r runtimeStub) Services() kagura.ServiceResolver { return nil }
func (r runtimeStub) Replier() kagura.Replier          { return nil }
func (r runtimeStub) Cache() kagura.Fetcher            { return nil }
func (r runtimeStub) Settings() kagura.SettingsReader  { return nil }
func (r runtimeStub) Logger() *slog.Logger             { return slog.Default() }
func (r runtimeStub) Store() kagura.Store              { return r.store }

// memoryStore serializes transactions and applies buffered writes on commit.
type memoryStore struct {
	mu         sync.Mutex
	data       map[string][]byte
	failSetKey string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.data[key]
	if !ok {
		return nil, kagura.ErrNotFound
	}

	return append([]byte(nil), value...), nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)

	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)

	return nil
}

func (s *memoryStore) List(_ context.Context, prefix string) ([]kagura.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []kagura.Entry
	for key, value := range s.data {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, kagura.Entry{Key: key, Value: value})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	return entries, nil
}

func (s *memoryStore) Update(_ context.Context, fn func(tx kagura.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, writes: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for key, value := range tx.writes {
		s.data[key] = value
	}

	return nil
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.data))
	for key, value := range s.data {
		out[key] = string(value)
	}

	return out
}

type memoryTx struct {
	store  *memoryStore
	writes map[string][]byte
}

func (tx *memoryTx) Get(_ context.Context, key string) ([]byte, error) {
	if value, ok := tx.writes[key]; ok {
		return value, nil
	}
	value, ok := tx.store.data[key]
	if !ok {
		return nil, kagura.ErrNotFound
	}

	return value, nil
}

func (tx *memoryTx) Set(_ context.Context, key string, value []byte) error {
	if key == tx.store.failSetKey {
		return errors.New("disk full")
	}
	tx.writes[key] = append([]byte(nil), value...)

	return nil
}

func (tx *memoryTx) Delete(_ context.Context, key string) error {
	delete(tx.writes, key)
	return nil
}

type captureReplier struct {
	mu    sync.Mutex
	texts []string
}

func (r *captureReplier) Reply(_ context.Context, _ kagura.ConnectorID, _ kagura.ChannelID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)

	return nil
}

func (r *captureReplier) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.texts) == 0 {
		return ""
	}

	return r.texts[len(r.texts)-1]
}
