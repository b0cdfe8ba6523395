package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ex-kagura/internal/connector"
	"ex-kagura/internal/metrics"
	"ex-kagura/pkg/kagura"
)

type dialer struct {
	id      kagura.ConnectorID
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	ws      *websocket.Dialer
}

type session struct {
	id      kagura.ConnectorID
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// dial opens the socket and subscribes to the configured topics.
func (d *dialer) dial(ctx context.Context, credential kagura.Credential) (connector.Session, error) {
	if credential.Token == "" {
		return nil, fmt.Errorf("push listen: %w: token is required", connector.ErrAuthRejected)
	}

	conn, _, err := d.ws.DialContext(ctx, d.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", d.cfg.URL, kagura.ErrTransport, err)
	}
	s := &session{
		id:      d.id,
		cfg:     d.cfg,
		logger:  d.logger,
		metrics: d.metrics,
		conn:    conn,
	}
	if err := s.listen(ctx, credential.Token); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return s, nil
}

// listen sends LISTEN and waits for its RESPONSE.
func (s *session) listen(ctx context.Context, token string) error {
	nonce := uuid.NewString()
	if err := s.writeJSON(listenFrame{
		Type:  frameListen,
		Nonce: nonce,
		Data:  listenData{Topics: s.cfg.Topics, AuthToken: token},
	}); err != nil {
		return err
	}

	deadline := time.Now().Add(s.cfg.LoginTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("push listen deadline: %w: %w", kagura.ErrTransport, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		frame, err := s.read()
		if errors.Is(err, kagura.ErrMalformedFrame) {
			s.metrics.MalformedFrame(string(s.id))
			continue
		}
		if err != nil {
			return fmt.Errorf("push listen: %w", err)
		}
		if frame.kind != frameResponse || frame.nonce != nonce {
			continue
		}
		if frame.err != "" {
			return fmt.Errorf("push listen: %w: %s", connector.ErrAuthRejected, frame.err)
		}

		return nil
	}
}

// Run reads frames and pings until the socket fails or the server asks for
// a reconnect.
func (s *session) Run(ctx context.Context, emit func(*kagura.Event)) error {
	runCtx, cancel := context.WithCancel(ctx)
	var pinger sync.WaitGroup
	pinger.Add(1)
	go func() {
		defer pinger.Done()
		s.ping(runCtx)
	}()
	defer func() {
		cancel()
		pinger.Wait()
	}()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingInterval + s.cfg.PongTimeout)); err != nil {
			return fmt.Errorf("push read deadline: %w: %w", kagura.ErrTransport, err)
		}
		frame, err := s.read()
		if errors.Is(err, kagura.ErrMalformedFrame) {
			s.metrics.MalformedFrame(string(s.id))
			s.logger.Debug("dropped malformed push frame", "error", err)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		switch frame.kind {
		case framePong:
		case frameReconnect:
			return connector.ErrReconnectRequested
		case frameResponse:
			if frame.err != "" {
				s.logger.Warn("push request failed", "nonce", frame.nonce, "error", frame.err)
			}
		case frameMessage:
			event, err := decodeMessage(s.id, frame, time.Now())
			if err != nil {
				s.metrics.MalformedFrame(string(s.id))
				s.logger.Debug("dropped push message", "topic", frame.topic, "error", err)
				continue
			}
			if event != nil {
				emit(event)
			}
		}
	}
}

func (s *session) ping(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeJSON(pingFrame{Type: framePing}); err != nil {
				s.logger.Debug("push ping failed", "error", err)
				return
			}
		}
	}
}

func (s *session) read() (envelope, error) {
	messageType, data, err := s.conn.ReadMessage()
	if err != nil {
		return envelope{}, fmt.Errorf("push read: %w: %w", kagura.ErrTransport, err)
	}
	if messageType != websocket.TextMessage {
		return envelope{}, fmt.Errorf("%w: non-text frame", kagura.ErrMalformedFrame)
	}

	return parseEnvelope(data)
}

// Send writes one REPLY frame.
func (s *session) Send(ctx context.Context, channel kagura.ChannelID, text string) error {
	frame := replyFrame{
		Type:  frameReply,
		Nonce: uuid.NewString(),
		Data:  replyData{Channel: string(channel), Text: text},
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("push write deadline: %w: %w", kagura.ErrTransport, err)
		}
		defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()
	}

	return s.writeLocked(frame)
}

func (s *session) writeJSON(frame any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.writeLocked(frame)
}

func (s *session) writeLocked(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal push frame: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("push write: %w: %w", kagura.ErrTransport, err)
	}

	return nil
}

func (s *session) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close push conn: %w", err)
	}

	return nil
}
