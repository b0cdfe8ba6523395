package kernel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ex-kagura/pkg/kagura"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentReply struct {
	channel kagura.ChannelID
	text    string
}

type stubConnector struct {
	id     kagura.ConnectorID
	events chan *kagura.Event

	mu      sync.Mutex
	replies []sentReply
	closed  atomic.Bool
}

func newStubConnector(id kagura.ConnectorID) *stubConnector {
	return &stubConnector{id: id, events: make(chan *kagura.Event, 16)}
}

func (c *stubConnector) ID() kagura.ConnectorID {
	return c.id
}

func (c *stubConnector) Connect(ctx context.Context, _ kagura.CredentialFeed) (<-chan *kagura.Event, error) {
	out := make(chan *kagura.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-c.events:
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (c *stubConnector) SendReply(_ context.Context, channel kagura.ChannelID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, sentReply{channel: channel, text: text})

	return nil
}

func (c *stubConnector) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

func (c *stubConnector) sent() []sentReply {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]sentReply(nil), c.replies...)
}

type stubModule struct {
	name      string
	spec      kagura.ModuleSpec
	configure func(values kagura.Values) (kagura.Contribution, error)

	configured atomic.Int32
	started    atomic.Int32
	stopped    atomic.Int32
}

func (m *stubModule) Name() string {
	return m.name
}

func (m *stubModule) Spec() kagura.ModuleSpec {
	return m.spec
}

func (m *stubModule) Configure(_ context.Context, values kagura.Values) (kagura.Contribution, error) {
	m.configured.Add(1)
	if m.configure == nil {
		return kagura.Contribution{}, nil
	}

	return m.configure(values)
}

func (m *stubModule) OnStart(context.Context) error {
	m.started.Add(1)
	return nil
}

func (m *stubModule) OnShutdown(context.Context) error {
	m.stopped.Add(1)
	return nil
}

func commandModule(name string, commands ...kagura.CommandSpec) *stubModule {
	return &stubModule{
		name: name,
		configure: func(kagura.Values) (kagura.Contribution, error) {
			return kagura.Contribution{Commands: commands}, nil
		},
	}
}

func replyHandler(format string) kagura.Handler {
	return kagura.HandlerFunc(func(ctx context.Context, call *kagura.Call) error {
		return call.Reply(ctx, fmt.Sprintf(format, call.Arg(0)))
	})
}

var eventSeq atomic.Int64

func newEvent(clock *fakeClock, text string, roles ...kagura.Role) *kagura.Event {
	return &kagura.Event{
		ID:          fmt.Sprintf("event-%d", eventSeq.Add(1)),
		Source:      "irc",
		Channel:     "#stream",
		Sender:      "u-1",
		SenderName:  "alice",
		SenderRoles: kagura.NewRoles(append([]kagura.Role{kagura.RoleViewer}, roles...)...),
		Text:        text,
		OccurredAt:  clock.Now(),
	}
}

func setting(key string, raw string) kagura.Setting {
	return kagura.Setting{Key: key, Value: []byte(raw), Version: 1}
}

func newTestKernel(t *testing.T, clock *fakeClock, options ...Option) (*Kernel, *stubConnector) {
	t.Helper()

	base := []Option{
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithModuleHookTimeout(time.Second),
		WithShutdownTimeout(2 * time.Second),
	}
	kernelRuntime := New(append(base, options...)...)
	connector := newStubConnector("irc")
	if err := kernelRuntime.RegisterConnector(connector); err != nil {
		t.Fatalf("RegisterConnector() error = %v", err)
	}
	t.Cleanup(func() {
		if err := kernelRuntime.shutdownAll(context.Background()); err != nil {
			t.Errorf("shutdownAll() error = %v", err)
		}
	})

	return kernelRuntime, connector
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
