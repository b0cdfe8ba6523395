package kagura

import (
	"context"
	"fmt"
	"time"
)

// Handler executes one resolved command dispatch.
//
// Handlers run concurrently with other dispatches and must be safe for
// concurrent use.
type Handler interface {
	Handle(ctx context.Context, call *Call) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, call *Call) error {
	return f(ctx, call)
}

// Replier delivers text back through the connector that produced an event.
type Replier interface {
	Reply(ctx context.Context, source ConnectorID, channel ChannelID, text string) error
}

// FetchFunc performs one underlying fetch for the fetch cache.
type FetchFunc func(ctx context.Context) (any, error)

// Fetcher is the fetch cache contract exposed to handlers.
type Fetcher interface {
	// GetOrFetch returns a live cached value or runs fetch once for every
	// concurrent caller of the same key.
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (any, error)
}

// FetchAs calls fetcher.GetOrFetch and asserts the result type.
func FetchAs[T any](
	ctx context.Context,
	fetcher Fetcher,
	key string,
	ttl time.Duration,
	fetch func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	if fetcher == nil {
		return fetch(ctx)
	}

	value, err := fetcher.GetOrFetch(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("fetch %s: cached value has type %T", key, value)
	}

	return typed, nil
}

// Call is the context handed to a handler for one dispatch.
type Call struct {
	// Event is the triggering event.
	Event *Event
	// Command is the canonical name of the resolved command.
	Command string
	// Invoked is the token the sender typed, which may be an alias.
	Invoked string
	// Rest is the argument text after the invocation token.
	Rest string
	// Args are whitespace separated fields of Rest.
	Args []string
	// Match holds regular expression submatches for pattern triggers.
	Match []string
	// Cache is the shared fetch cache.
	Cache Fetcher
	// Settings reads current settings.
	Settings SettingsReader
	// Store is the persistence backend when one is configured.
	Store Store
	// Replier sends replies back to the originating connector.
	Replier Replier
}

// Reply sends text back to the event's channel.
func (c *Call) Reply(ctx context.Context, text string) error {
	if c == nil || c.Event == nil {
		return fmt.Errorf("reply: nil call event")
	}
	if c.Replier == nil {
		return fmt.Errorf("reply: replier not configured")
	}

	return c.Replier.Reply(ctx, c.Event.Source, c.Event.Channel, text)
}

// Arg returns the argument at index or an empty string.
func (c *Call) Arg(index int) string {
	if c == nil || index < 0 || index >= len(c.Args) {
		return ""
	}

	return c.Args[index]
}
