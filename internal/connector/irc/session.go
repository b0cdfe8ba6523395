package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	ircv4 "gopkg.in/irc.v4"

	"ex-kagura/internal/connector"
	"ex-kagura/internal/metrics"
	"ex-kagura/pkg/kagura"
)

const (
	rplWelcome        = "001"
	errPasswdMismatch = "464"
)

type session struct {
	id      kagura.ConnectorID
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	writer  *ircv4.Writer
}

type dialer struct {
	id      kagura.ConnectorID
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	// netDial opens the transport. Tests replace it with an in-memory pipe.
	netDial func(ctx context.Context, address string) (net.Conn, error)
}

func (d *dialer) dialNetwork(ctx context.Context, address string) (net.Conn, error) {
	if d.netDial != nil {
		return d.netDial(ctx, address)
	}
	if d.cfg.TLS {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, fmt.Errorf("split address %s: %w", address, err)
		}
		tlsDialer := &tls.Dialer{Config: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}}
		return tlsDialer.DialContext(ctx, "tcp", address)
	}

	var netDialer net.Dialer
	return netDialer.DialContext(ctx, "tcp", address)
}

// dial connects, logs in and joins the configured channels.
func (d *dialer) dial(ctx context.Context, credential kagura.Credential) (connector.Session, error) {
	if strings.TrimSpace(credential.Username) == "" || strings.TrimSpace(credential.Token) == "" {
		return nil, fmt.Errorf("irc login: %w: username and token are required", connector.ErrAuthRejected)
	}

	conn, err := d.dialNetwork(ctx, d.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", d.cfg.Address, kagura.ErrTransport, err)
	}
	s := &session{
		id:      d.id,
		cfg:     d.cfg,
		logger:  d.logger,
		metrics: d.metrics,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  ircv4.NewWriter(conn),
	}
	if err := s.login(ctx, credential); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *session) login(ctx context.Context, credential kagura.Credential) error {
	deadline := time.Now().Add(s.cfg.LoginTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("irc login deadline: %w: %w", kagura.ErrTransport, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()

	if s.cfg.Capabilities != "" {
		if err := s.write("CAP", "REQ", s.cfg.Capabilities); err != nil {
			return err
		}
	}
	if err := s.write("PASS", credential.Token); err != nil {
		return err
	}
	if err := s.write("NICK", strings.ToLower(credential.Username)); err != nil {
		return err
	}

	for {
		message, err := s.readMessage()
		if err != nil {
			if errors.Is(err, kagura.ErrMalformedFrame) {
				continue
			}
			return fmt.Errorf("irc login: %w", err)
		}
		switch message.Command {
		case rplWelcome:
			if err := s.conn.SetDeadline(time.Time{}); err != nil {
				return fmt.Errorf("irc clear deadline: %w: %w", kagura.ErrTransport, err)
			}
			return s.write("JOIN", strings.Join(s.cfg.Channels, ","))
		case errPasswdMismatch:
			return fmt.Errorf("irc login: %w: %s", connector.ErrAuthRejected, message.Trailing())
		case "NOTICE":
			if isAuthFailure(message.Trailing()) {
				return fmt.Errorf("irc login: %w: %s", connector.ErrAuthRejected, message.Trailing())
			}
		case "PING":
			if err := s.pong(message); err != nil {
				return err
			}
		}
	}
}

func isAuthFailure(notice string) bool {
	lowered := strings.ToLower(notice)
	return strings.Contains(lowered, "authentication failed") || strings.Contains(lowered, "improperly formatted auth")
}

// Run reads lines until the connection fails or the server asks for a
// reconnect.
func (s *session) Run(ctx context.Context, emit func(*kagura.Event)) error {
	for {
		message, err := s.readMessage()
		if err != nil {
			if errors.Is(err, kagura.ErrMalformedFrame) {
				s.metrics.MalformedFrame(string(s.id))
				s.logger.Debug("dropped malformed irc line", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		switch message.Command {
		case "PING":
			if err := s.pong(message); err != nil {
				return err
			}
		case "RECONNECT":
			return connector.ErrReconnectRequested
		case "PRIVMSG":
			event, err := s.toEvent(message, time.Now())
			if err != nil {
				s.metrics.MalformedFrame(string(s.id))
				s.logger.Debug("dropped irc message", "error", err)
				continue
			}
			emit(event)
		}
	}
}

// readMessage reads one line. Unparseable lines wrap ErrMalformedFrame.
func (s *session) readMessage() (*ircv4.Message, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("irc read: %w: connection closed", kagura.ErrTransport)
			}
			return nil, fmt.Errorf("irc read: %w: %w", kagura.ErrTransport, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		message, err := ircv4.ParseMessage(line)
		if err != nil {
			return nil, fmt.Errorf("parse irc line: %w: %w", kagura.ErrMalformedFrame, err)
		}

		return message, nil
	}
}

func (s *session) toEvent(message *ircv4.Message, now time.Time) (*kagura.Event, error) {
	if len(message.Params) < 2 {
		return nil, fmt.Errorf("%w: privmsg without target or text", kagura.ErrMalformedFrame)
	}
	login := ""
	if message.Prefix != nil {
		login = strings.ToLower(message.Prefix.Name)
	}
	if login == "" {
		return nil, fmt.Errorf("%w: privmsg without sender", kagura.ErrMalformedFrame)
	}

	id := message.Tags["id"]
	if id == "" {
		id = uuid.NewString()
	}
	sender := message.Tags["user-id"]
	if sender == "" {
		sender = login
	}
	name := message.Tags["display-name"]
	if name == "" {
		name = login
	}

	metadata := map[string]string{"login": login}
	for _, key := range []string{"room-id", "badges", "color", "reply-parent-msg-id"} {
		if value := message.Tags[key]; value != "" {
			metadata[key] = value
		}
	}

	return &kagura.Event{
		ID:          id,
		Source:      s.id,
		Channel:     kagura.ChannelID(strings.ToLower(message.Params[0])),
		Sender:      kagura.UserID(sender),
		SenderName:  name,
		SenderRoles: rolesFor(message.Tags, login, s.cfg.Owners),
		Text:        message.Trailing(),
		OccurredAt:  now,
		Metadata:    metadata,
	}, nil
}

// rolesFor maps badge tags to roles. Every sender is a viewer.
func rolesFor(tags ircv4.Tags, login string, owners []string) kagura.Roles {
	roles := []kagura.Role{kagura.RoleViewer}
	for _, badge := range strings.Split(tags["badges"], ",") {
		name, _, _ := strings.Cut(badge, "/")
		switch name {
		case "broadcaster":
			roles = append(roles, kagura.RoleBroadcaster)
		case "moderator":
			roles = append(roles, kagura.RoleModerator)
		case "vip":
			roles = append(roles, kagura.RoleVIP)
		case "subscriber", "founder":
			roles = append(roles, kagura.RoleSubscriber)
		}
	}
	if tags["mod"] == "1" {
		roles = append(roles, kagura.RoleModerator)
	}
	for _, owner := range owners {
		if owner == login {
			roles = append(roles, kagura.RoleOwner)
		}
	}

	return kagura.NewRoles(roles...)
}

func (s *session) pong(ping *ircv4.Message) error {
	return s.write("PONG", ping.Params...)
}

// Send writes one PRIVMSG. Line breaks are flattened.
func (s *session) Send(ctx context.Context, channel kagura.ChannelID, text string) error {
	text = strings.Join(strings.Fields(strings.NewReplacer("\r", " ", "\n", " ").Replace(text)), " ")
	if text == "" {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("irc write deadline: %w: %w", kagura.ErrTransport, err)
		}
		defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()
	}

	return s.writeLocked("PRIVMSG", string(channel), text)
}

func (s *session) write(command string, params ...string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.writeLocked(command, params...)
}

func (s *session) writeLocked(command string, params ...string) error {
	message := &ircv4.Message{Command: command, Params: params}
	if err := s.writer.WriteMessage(message); err != nil {
		return fmt.Errorf("irc write %s: %w: %w", command, kagura.ErrTransport, err)
	}

	return nil
}

func (s *session) Close() error {
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close irc conn: %w", err)
	}

	return nil
}
