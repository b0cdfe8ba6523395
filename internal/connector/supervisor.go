package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ex-kagura/internal/mailbox"
	"ex-kagura/internal/metrics"
	"ex-kagura/internal/ratelimit"
	"ex-kagura/pkg/kagura"
)

var (
	// ErrReconnectRequested asks the supervisor to reconnect without backoff.
	ErrReconnectRequested = errors.New("connector: reconnect requested")
	// ErrAuthRejected parks the connector until a new credential arrives.
	ErrAuthRejected = errors.New("connector: credential rejected")
	// ErrNotConnected reports a send attempted without a live session.
	ErrNotConnected = errors.New("connector: not connected")
	// ErrPermanent marks a send failure that retrying cannot fix.
	ErrPermanent = errors.New("connector: permanent send failure")
)

// Session is one authenticated transport connection.
type Session interface {
	// Run reads from the transport until it fails or ctx ends. Every parsed
	// message is passed to emit.
	Run(ctx context.Context, emit func(*kagura.Event)) error
	// Send writes one message to channel.
	Send(ctx context.Context, channel kagura.ChannelID, text string) error
	// Close tears the connection down.
	Close() error
}

// DialFunc opens one session with credential.
type DialFunc func(ctx context.Context, credential kagura.Credential) (Session, error)

// Policy bounds reconnects and outbound sends.
type Policy struct {
	// ReconnectBase is the first reconnect delay.
	ReconnectBase time.Duration
	// ReconnectMax caps reconnect delays.
	ReconnectMax time.Duration
	// ReconnectJitter randomizes delays by this factor.
	ReconnectJitter float64
	// StableAfter resets the reconnect delay once a session lived this long.
	StableAfter time.Duration
	// SendAttempts bounds attempts per reply.
	SendAttempts int
	// SendTimeout bounds one send attempt.
	SendTimeout time.Duration
	// SendRetryBase is the first delay between send attempts.
	SendRetryBase time.Duration
	// Outbound limits the transport send rate. A zero value disables it.
	Outbound ratelimit.Config
}

// DefaultPolicy returns conservative connector defaults.
func DefaultPolicy() Policy {
	return Policy{
		ReconnectBase:   time.Second,
		ReconnectMax:    2 * time.Minute,
		ReconnectJitter: backoff.DefaultRandomizationFactor,
		StableAfter:     30 * time.Second,
		SendAttempts:    3,
		SendTimeout:     5 * time.Second,
		SendRetryBase:   250 * time.Millisecond,
	}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.ReconnectBase <= 0 {
		p.ReconnectBase = defaults.ReconnectBase
	}
	if p.ReconnectMax < p.ReconnectBase {
		p.ReconnectMax = max(defaults.ReconnectMax, p.ReconnectBase)
	}
	if p.ReconnectJitter < 0 || p.ReconnectJitter > 1 {
		p.ReconnectJitter = defaults.ReconnectJitter
	}
	if p.StableAfter <= 0 {
		p.StableAfter = defaults.StableAfter
	}
	if p.SendAttempts <= 0 {
		p.SendAttempts = defaults.SendAttempts
	}
	if p.SendTimeout <= 0 {
		p.SendTimeout = defaults.SendTimeout
	}
	if p.SendRetryBase <= 0 {
		p.SendRetryBase = defaults.SendRetryBase
	}

	return p
}

func (p Policy) reconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.ReconnectBase
	b.MaxInterval = p.ReconnectMax
	b.RandomizationFactor = p.ReconnectJitter
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Supervisor implements kagura.Connector on top of a session dialer.
//
// It keeps one session alive, reconnecting with exponential backoff and
// re-authenticating whenever the credential changes.
type Supervisor struct {
	id       kagura.ConnectorID
	dial     DialFunc
	policy   Policy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	sender   *Sender

	mu      sync.Mutex
	session Session
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option mutates supervisor construction.
type Option func(*Supervisor)

// WithLogger configures supervisor logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics configures prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithPolicy overrides reconnect and send bounds.
func WithPolicy(policy Policy) Option {
	return func(s *Supervisor) {
		s.policy = policy.withDefaults()
	}
}

// NewSupervisor creates a connector with id using dial.
func NewSupervisor(id kagura.ConnectorID, dial DialFunc, options ...Option) (*Supervisor, error) {
	if id == "" {
		return nil, fmt.Errorf("new supervisor: empty id")
	}
	if dial == nil {
		return nil, fmt.Errorf("new supervisor %s: nil dialer", id)
	}

	supervisor := &Supervisor{
		id:     id,
		dial:   dial,
		policy: DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, option := range options {
		option(supervisor)
	}
	supervisor.logger = supervisor.logger.With("connector", string(id))
	sender, err := NewSender(id, supervisor.policy, supervisor.logger, supervisor.metrics)
	if err != nil {
		return nil, fmt.Errorf("new supervisor %s: %w", id, err)
	}
	supervisor.sender = sender

	return supervisor, nil
}

// ID returns the connector id.
func (s *Supervisor) ID() kagura.ConnectorID {
	return s.id
}

// Connect starts the session loop and returns its event stream.
func (s *Supervisor) Connect(ctx context.Context, credentials kagura.CredentialFeed) (<-chan *kagura.Event, error) {
	if credentials == nil {
		return nil, fmt.Errorf("connect %s: nil credential feed", s.id)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("connect %s: already connected", s.id)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	box := mailbox.New[*kagura.Event]()
	events := make(chan *kagura.Event)
	updates := make(chan credentialUpdate)

	var workers sync.WaitGroup
	workers.Add(3)
	go func() {
		defer workers.Done()
		s.followCredentials(loopCtx, credentials, updates)
	}()
	go func() {
		defer workers.Done()
		defer box.Close()
		s.loop(loopCtx, updates, box)
	}()
	go func() {
		defer workers.Done()
		defer close(events)
		for {
			event, err := box.Next(loopCtx)
			if err != nil {
				return
			}
			select {
			case events <- event:
			case <-loopCtx.Done():
				return
			}
		}
	}()
	go func() {
		workers.Wait()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	return events, nil
}

type credentialUpdate struct {
	credential kagura.Credential
	present    bool
}

func (s *Supervisor) followCredentials(ctx context.Context, feed kagura.CredentialFeed, updates chan<- credentialUpdate) {
	for {
		credential, ok, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("credential feed stopped", "error", err)
			}
			return
		}
		select {
		case updates <- credentialUpdate{credential: credential, present: ok}:
		case <-ctx.Done():
			return
		}
	}
}

// loop keeps one session alive until ctx ends.
func (s *Supervisor) loop(ctx context.Context, updates <-chan credentialUpdate, box *mailbox.Mailbox[*kagura.Event]) {
	reconnect := s.policy.reconnectBackOff()
	emit := func(event *kagura.Event) {
		box.Push(event)
	}

	var current *kagura.Credential
	for {
		if current == nil {
			s.logger.Info("connector waiting for credential")
			select {
			case <-ctx.Done():
				return
			case update := <-updates:
				current = update.pointer()
				reconnect.Reset()
				continue
			}
		}

		started := time.Now()
		err := s.runSession(ctx, *current, emit, updates, &current)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errCredentialChanged) {
			reconnect.Reset()
			continue
		}
		if errors.Is(err, ErrAuthRejected) {
			s.logger.Error("credential rejected, waiting for a new one", "error", err)
			current = nil
			continue
		}
		if time.Since(started) >= s.policy.StableAfter {
			reconnect.Reset()
		}

		delay := reconnect.NextBackOff()
		if errors.Is(err, ErrReconnectRequested) {
			delay = 0
		}
		s.metrics.Reconnect(string(s.id))
		s.logger.Warn("connector session ended", "error", err, "retry_in", delay.String())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case update := <-updates:
			timer.Stop()
			current = update.pointer()
			reconnect.Reset()
		case <-timer.C:
		}
	}
}

var errCredentialChanged = errors.New("credential changed")

// runSession dials and runs one session. A credential update ends the
// session early and is stored into current.
func (s *Supervisor) runSession(
	ctx context.Context,
	credential kagura.Credential,
	emit func(*kagura.Event),
	updates <-chan credentialUpdate,
	current **kagura.Credential,
) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := s.dial(sessionCtx, credential)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.id, err)
	}
	s.setSession(session)
	defer func() {
		s.setSession(nil)
		if closeErr := session.Close(); closeErr != nil {
			s.logger.Debug("close session", "error", closeErr)
		}
	}()
	s.logger.Info("connector session established")

	result := make(chan error, 1)
	go func() {
		result <- session.Run(sessionCtx, emit)
	}()

	select {
	case err := <-result:
		if err == nil {
			err = fmt.Errorf("session %s: %w: closed", s.id, kagura.ErrTransport)
		}
		return err
	case update := <-updates:
		*current = update.pointer()
		cancel()
		_ = session.Close()
		<-result
		return errCredentialChanged
	case <-ctx.Done():
		cancel()
		_ = session.Close()
		<-result
		return ctx.Err()
	}
}

func (u credentialUpdate) pointer() *kagura.Credential {
	if !u.present {
		return nil
	}
	credential := u.credential

	return &credential
}

func (s *Supervisor) setSession(session Session) {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
}

func (s *Supervisor) currentSession() Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.session
}

// SendReply delivers text through the current session.
func (s *Supervisor) SendReply(ctx context.Context, channel kagura.ChannelID, text string) error {
	return s.sender.Send(ctx, channel, func(attemptCtx context.Context) error {
		session := s.currentSession()
		if session == nil {
			return ErrNotConnected
		}

		return session.Send(attemptCtx, channel, text)
	})
}

// Close stops the session loop and waits for it until ctx ends.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close connector %s: %w", s.id, ctx.Err())
	}
}

var _ kagura.Connector = (*Supervisor)(nil)
