package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gotd/td/session"
	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"ex-kagura/internal/connector"
	"ex-kagura/internal/mailbox"
	"ex-kagura/internal/metrics"
	"ex-kagura/pkg/kagura"
)

type dialer struct {
	id      kagura.ConnectorID
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	mapper  *mapper
}

// botSession runs one gotd client for the lifetime of a bot login.
type botSession struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	id      kagura.ConnectorID
	mapper  *mapper
	sender  *message.Sender
	events  *mailbox.Mailbox[*kagura.Event]
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// dial starts the client and waits for bot authorization.
func (d *dialer) dial(ctx context.Context, credential kagura.Credential) (connector.Session, error) {
	if credential.Token == "" {
		return nil, fmt.Errorf("telegram login: %w: bot token is required", connector.ErrAuthRejected)
	}
	storage, err := sessionStorage(d.cfg.SessionFile)
	if err != nil {
		return nil, err
	}

	s := &botSession{
		logger:  d.logger,
		metrics: d.metrics,
		id:      d.id,
		mapper:  d.mapper,
		events:  mailbox.New[*kagura.Event](),
		done:    make(chan struct{}),
	}
	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(func(_ context.Context, entities tg.Entities, update *tg.UpdateNewMessage) error {
		s.handle(update.Message, entities)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(_ context.Context, entities tg.Entities, update *tg.UpdateNewChannelMessage) error {
		s.handle(update.Message, entities)
		return nil
	})
	client := gotdtelegram.NewClient(d.cfg.AppID, d.cfg.AppHash, gotdtelegram.Options{
		UpdateHandler:  dispatcher,
		SessionStorage: storage,
	})
	s.sender = message.NewSender(client.API())

	// The client lives past dial, so it is not bound to the dial context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	ready := make(chan error, 1)
	go func() {
		defer close(s.done)
		defer s.events.Close()
		s.runErr = client.Run(runCtx, func(clientCtx context.Context) error {
			authCtx, authCancel := context.WithTimeout(clientCtx, d.cfg.AuthTimeout)
			_, err := client.Auth().Bot(authCtx, credential.Token)
			authCancel()
			if err != nil {
				ready <- classifyAuthError(err)
				return err
			}
			ready <- nil
			<-clientCtx.Done()
			return clientCtx.Err()
		})
		select {
		case ready <- fmt.Errorf("telegram client: %w: %w", kagura.ErrTransport, s.runErr):
		default:
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-s.done
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		cancel()
		<-s.done
		return nil, ctx.Err()
	}
}

func classifyAuthError(err error) error {
	if tgerr.Is(err, "ACCESS_TOKEN_INVALID", "ACCESS_TOKEN_EXPIRED", "AUTH_KEY_UNREGISTERED", "USER_DEACTIVATED") {
		return fmt.Errorf("telegram login: %w: %w", connector.ErrAuthRejected, err)
	}

	return fmt.Errorf("telegram login: %w: %w", kagura.ErrTransport, err)
}

func sessionStorage(path string) (*session.FileStorage, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve session file %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	return &session.FileStorage{Path: absPath}, nil
}

func (s *botSession) handle(raw tg.MessageClass, entities tg.Entities) {
	event, accepted, err := s.mapper.toEvent(raw, entities)
	if err != nil {
		s.metrics.MalformedFrame(string(s.id))
		s.logger.Debug("dropped telegram message", "error", err)
		return
	}
	if accepted {
		s.events.Push(event)
	}
}

// Run forwards mapped messages until the client stops.
func (s *botSession) Run(ctx context.Context, emit func(*kagura.Event)) error {
	for {
		event, err := s.events.Next(ctx)
		if err != nil {
			if errors.Is(err, mailbox.ErrClosed) {
				<-s.done
				return fmt.Errorf("telegram client stopped: %w: %w", kagura.ErrTransport, s.runErr)
			}
			return err
		}
		emit(event)
	}
}

// Send replies to a chat seen earlier in this process.
func (s *botSession) Send(ctx context.Context, channel kagura.ChannelID, text string) error {
	peer, ok := s.mapper.peer(channel)
	if !ok {
		return fmt.Errorf("telegram send %s: %w: unknown peer", channel, connector.ErrPermanent)
	}
	if _, err := s.sender.To(peer).Text(ctx, text); err != nil {
		return classifySendError(channel, err)
	}

	return nil
}

func classifySendError(channel kagura.ChannelID, err error) error {
	if _, flood := tgerr.AsFloodWait(err); flood {
		return fmt.Errorf("telegram send %s: %w: %w", channel, kagura.ErrTransport, err)
	}
	if rpcErr, ok := tgerr.As(err); ok && rpcErr.Code >= 400 && rpcErr.Code < 500 {
		return fmt.Errorf("telegram send %s: %w: %w", channel, connector.ErrPermanent, err)
	}

	return fmt.Errorf("telegram send %s: %w: %w", channel, kagura.ErrTransport, err)
}

func (s *botSession) Close() error {
	s.cancel()
	<-s.done

	return nil
}
