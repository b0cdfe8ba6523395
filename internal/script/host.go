package script

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dop251/goja"

	"ex-kagura/pkg/kagura"
)

// host builds the context object passed to a handler function.
func (s *script) host(ctx context.Context, call *kagura.Call) goja.Value {
	event := call.Event
	object := s.vm.NewObject()
	set := func(name string, value any) {
		if err := object.Set(name, value); err != nil {
			panic(s.vm.NewGoError(err))
		}
	}

	set("command", call.Command)
	set("invoked", call.Invoked)
	set("sender", string(event.Sender))
	set("senderName", event.DisplayName())
	set("channel", string(event.Channel))
	set("source", string(event.Source))
	set("roles", event.SenderRoles.Strings())
	set("text", event.Text)
	set("rest", call.Rest)
	set("args", append([]string(nil), call.Args...))
	set("match", append([]string(nil), call.Match...))
	set("reply", func(text string) {
		if err := call.Reply(ctx, text); err != nil {
			panic(s.vm.NewGoError(err))
		}
	})
	set("setting", func(key string) goja.Value {
		return s.setting(call.Settings, key)
	})
	set("fetch", func(target string, ttlSeconds float64) string {
		body, err := s.fetch(ctx, call.Cache, target, time.Duration(ttlSeconds*float64(time.Second)))
		if err != nil {
			panic(s.vm.NewGoError(err))
		}
		return body
	})

	return object
}

// setting returns the decoded JSON value of key or null.
func (s *script) setting(reader kagura.SettingsReader, key string) goja.Value {
	if reader == nil {
		return goja.Null()
	}
	setting, ok := reader.LookupSetting(key)
	if !ok {
		return goja.Null()
	}

	var decoded any
	if err := json.Unmarshal(setting.Value, &decoded); err != nil {
		return s.vm.ToValue(string(setting.Value))
	}

	return s.vm.ToValue(decoded)
}

// fetch GETs target through the shared fetch cache.
func (s *script) fetch(ctx context.Context, cache kagura.Fetcher, target string, ttl time.Duration) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("fetch %q: %w", target, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("fetch %q: unsupported scheme", target)
	}
	if ttl < 0 {
		ttl = 0
	}

	return kagura.FetchAs(ctx, cache, "script:fetch:"+parsed.String(), ttl, func(ctx context.Context) (string, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", parsed, err)
		}
		response, err := s.client.Do(request)
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", parsed, err)
		}
		defer response.Body.Close()

		body, err := io.ReadAll(io.LimitReader(response.Body, maxFetchBody))
		if err != nil {
			return "", fmt.Errorf("fetch %s: read body: %w", parsed, err)
		}
		if response.StatusCode >= http.StatusBadRequest {
			return "", fmt.Errorf("fetch %s: status %d", parsed, response.StatusCode)
		}

		return string(body), nil
	})
}
