package inject

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ex-kagura/internal/settings"
	"ex-kagura/internal/storage"
	"ex-kagura/pkg/kagura"
)

func nextValue(t *testing.T, subscription *Subscription) kagura.Value {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	value, err := subscription.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}

	return value
}

func TestSubscribeDeliversInitialValueThenUpdates(t *testing.T) {
	t.Parallel()

	injector := New()
	injector.Provide("a", "one")

	subscription := injector.Subscribe("a", "b", "a")
	defer subscription.Close()

	if diff := cmp.Diff([]string{"a", "b"}, subscription.Keys()); diff != "" {
		t.Fatalf("Keys() mismatch (-want +got):\n%s", diff)
	}

	got := []kagura.Value{nextValue(t, subscription)}
	injector.Provide("b", 2)
	injector.Provide("a", "two")
	injector.Withdraw("a")
	got = append(got, nextValue(t, subscription), nextValue(t, subscription), nextValue(t, subscription))

	want := []kagura.Value{
		{Key: "a", Data: "one", Version: 1, Present: true},
		{Key: "b", Data: 2, Version: 1, Present: true},
		{Key: "a", Data: "two", Version: 2, Present: true},
		{Key: "a", Version: 3, Present: false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("delivered values mismatch (-want +got):\n%s", diff)
	}
	if subscription.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", subscription.Pending())
	}
}

func TestPublishIgnoresReplayedVersions(t *testing.T) {
	t.Parallel()

	injector := New()
	subscription := injector.Subscribe("router.prefix")
	defer subscription.Close()

	if !injector.Publish("router.prefix", "!", 4) {
		t.Fatal("Publish(v4) = false, want true")
	}
	if injector.Publish("router.prefix", "!", 4) {
		t.Fatal("replayed Publish(v4) = true, want false")
	}
	if injector.Publish("router.prefix", "?", 3) {
		t.Fatal("stale Publish(v3) = true, want false")
	}
	if injector.WithdrawVersion("router.prefix", 2) {
		t.Fatal("stale WithdrawVersion(v2) = true, want false")
	}

	value := nextValue(t, subscription)
	if value.Data != "!" || value.Version != 4 {
		t.Fatalf("value = %+v, want ! v4", value)
	}
	if subscription.Pending() != 0 {
		t.Fatalf("Pending() = %d, want no further deliveries", subscription.Pending())
	}
	current, ok := injector.Get("router.prefix")
	if !ok || current.Data != "!" {
		t.Fatalf("Get() = %+v, %v", current, ok)
	}
}

func TestWithdrawAbsentKeyIsNoop(t *testing.T) {
	t.Parallel()

	injector := New()
	subscription := injector.Subscribe("missing")
	defer subscription.Close()

	injector.Withdraw("missing")
	if subscription.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", subscription.Pending())
	}
	if _, ok := injector.Get("missing"); ok {
		t.Fatal("Get() ok = true, want false")
	}
}

func TestClosedSubscriptionStopsReceiving(t *testing.T) {
	t.Parallel()

	injector := New()
	subscription := injector.Subscribe("k")
	injector.Provide("k", 1)
	subscription.Close()
	injector.Provide("k", 2)

	if value := nextValue(t, subscription); value.Data != 1 {
		t.Fatalf("queued value = %+v, want 1", value)
	}
	_, err := subscription.Next(context.Background())
	if !errors.Is(err, kagura.ErrSubscriptionClosed) {
		t.Fatalf("Next() error = %v, want ErrSubscriptionClosed", err)
	}
}

func TestKeysListsPresentKeys(t *testing.T) {
	t.Parallel()

	injector := New()
	injector.Provide("credentials/irc", "x")
	injector.Provide("credentials/push", "y")
	injector.Provide("service/llm", "z")
	injector.Withdraw("credentials/push")

	if diff := cmp.Diff([]string{"credentials/irc"}, injector.Keys("credentials/")); diff != "" {
		t.Fatalf("Keys() mismatch (-want +got):\n%s", diff)
	}
}

func TestResolver(t *testing.T) {
	t.Parallel()

	injector := New()
	injector.Provide(kagura.ServiceLLMProviderRegistry, "registry")
	injector.Provide("ask.model", kagura.Setting{Key: "ask.model", Value: []byte(`"m"`), Version: 1})
	resolver := injector.Resolver()

	service, err := kagura.ResolveAs[string](resolver, kagura.ServiceLLMProviderRegistry)
	if err != nil || service != "registry" {
		t.Fatalf("ResolveAs() = %q, %v", service, err)
	}
	if _, err := resolver.Resolve("service/none"); !errors.Is(err, kagura.ErrServiceNotFound) {
		t.Fatalf("Resolve() error = %v, want ErrServiceNotFound", err)
	}
	if got := kagura.LookupSettingAs(resolver, "ask.model", ""); got != "m" {
		t.Fatalf("LookupSettingAs() = %q, want m", got)
	}
	if _, ok := resolver.LookupSetting(kagura.ServiceLLMProviderRegistry); ok {
		t.Fatal("LookupSetting() on a service ok = true, want false")
	}
}

func TestFollowRepublishesSettings(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := settings.Open(ctx, storage.NewMemory())
	if err != nil {
		t.Fatalf("settings.Open() error = %v", err)
	}
	if _, err := store.Set(ctx, "currency.name", []byte(`"coins"`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	injector := New()
	subscription := injector.Subscribe("currency.name")
	defer subscription.Close()

	done := make(chan error, 1)
	go func() {
		done <- injector.Follow(ctx, store)
	}()

	initial := nextValue(t, subscription)
	if initial.Version != 1 || !initial.Present {
		t.Fatalf("initial = %+v, want present v1", initial)
	}

	if _, err := store.Set(ctx, "currency.name", []byte(`"coins"`)); err != nil {
		t.Fatalf("idempotent Set() error = %v", err)
	}
	if _, err := store.Set(ctx, "currency.name", []byte(`"gems"`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	updated := nextValue(t, subscription)
	setting, ok := updated.Data.(kagura.Setting)
	if !ok || string(setting.Value) != `"gems"` || updated.Version != 2 {
		t.Fatalf("updated = %+v, want gems v2", updated)
	}

	if err := store.Delete(ctx, "currency.name"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	withdrawn := nextValue(t, subscription)
	if withdrawn.Present || withdrawn.Version != 3 {
		t.Fatalf("withdrawn = %+v, want absent v3", withdrawn)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Follow() error = %v", err)
	}
}

func TestCredentialFeed(t *testing.T) {
	t.Parallel()

	injector := New()
	injector.Provide(kagura.CredentialKey("irc"), kagura.Credential{Username: "bot", Token: "one"})
	feed := injector.CredentialFeed("irc")
	defer feed.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	credential, ok, err := feed.Next(ctx)
	if err != nil || !ok || credential.Token != "one" {
		t.Fatalf("Next() = %+v, %v, %v, want token one", credential, ok, err)
	}

	injector.Provide(kagura.CredentialKey("irc"), "not a credential")
	injector.Provide(kagura.CredentialKey("irc"), &kagura.Credential{Token: "two"})
	credential, ok, err = feed.Next(ctx)
	if err != nil || !ok || credential.Token != "two" {
		t.Fatalf("Next() = %+v, %v, %v, want token two", credential, ok, err)
	}

	injector.Withdraw(kagura.CredentialKey("irc"))
	if _, ok, err := feed.Next(ctx); err != nil || ok {
		t.Fatalf("Next() after withdraw ok = %v, err = %v, want false, nil", ok, err)
	}
}
