package kagura

import (
	"context"
	"fmt"
	"strings"
)

// Credential is one externally issued connector credential.
type Credential struct {
	// Username is the login name when the transport needs one.
	Username string `json:"username"`
	// Token is the secret used to authenticate.
	Token string `json:"token"`
	// Extra carries transport-specific credential fields.
	Extra map[string]string `json:"extra,omitempty"`
}

// CredentialFeed yields the current credential and every later change.
//
// Next blocks until a credential is available or changes. ok is false when
// the credential has been withdrawn.
type CredentialFeed interface {
	Next(ctx context.Context) (credential Credential, ok bool, err error)
}

// CredentialKey returns the injector key carrying credentials for id.
func CredentialKey(id ConnectorID) string {
	return "credentials/" + string(id)
}

// Connector turns one transport into a stream of events and accepts replies.
type Connector interface {
	// ID returns the configured connector identifier.
	ID() ConnectorID
	// Connect starts the restartable event stream. The channel closes only
	// after ctx ends.
	Connect(ctx context.Context, credentials CredentialFeed) (<-chan *Event, error)
	// SendReply delivers text to a channel, retrying transient failures.
	SendReply(ctx context.Context, channel ChannelID, text string) error
	// Close releases transport resources.
	Close(ctx context.Context) error
}

// SendError reports an outbound send that exhausted its retries.
type SendError struct {
	// Connector identifies the destination connector.
	Connector ConnectorID
	// Channel identifies the destination channel.
	Channel ChannelID
	// Attempts counts send attempts made.
	Attempts int
	// Cause is the last attempt failure.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}

	fields := []string{"send unavailable"}
	if e.Connector != "" {
		fields = append(fields, "connector="+string(e.Connector))
	}
	if e.Channel != "" {
		fields = append(fields, "channel="+string(e.Channel))
	}
	fields = append(fields, fmt.Sprintf("attempts=%d", e.Attempts))
	summary := strings.Join(fields, " ")
	if e.Cause != nil {
		return summary + ": " + e.Cause.Error()
	}

	return summary
}

// Unwrap exposes ErrUnavailable and the last cause.
func (e *SendError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Cause == nil {
		return []error{ErrUnavailable}
	}

	return []error{ErrUnavailable, e.Cause}
}
