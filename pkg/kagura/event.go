package kagura

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ConnectorID identifies one configured connector instance.
type ConnectorID string

// ChannelID identifies one channel inside a connector.
type ChannelID string

// UserID identifies one sender inside a connector.
type UserID string

// Role is one permission grant carried by a sender.
type Role string

const (
	// RoleViewer is held by every sender.
	RoleViewer Role = "viewer"
	// RoleSubscriber marks paying channel subscribers.
	RoleSubscriber Role = "subscriber"
	// RoleVIP marks channel VIPs.
	RoleVIP Role = "vip"
	// RoleModerator marks channel moderators.
	RoleModerator Role = "moderator"
	// RoleBroadcaster marks the channel owner on streaming platforms.
	RoleBroadcaster Role = "broadcaster"
	// RoleOwner marks the bot operator.
	RoleOwner Role = "owner"
)

// Roles is an immutable set of roles.
//
// Roles are stored sorted and deduplicated so equal sets compare equal.
type Roles []Role

// NewRoles builds one normalized role set.
func NewRoles(roles ...Role) Roles {
	normalized := make(Roles, 0, len(roles))
	for _, role := range roles {
		trimmed := Role(strings.ToLower(strings.TrimSpace(string(role))))
		if trimmed == "" {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	slices.Sort(normalized)

	return slices.Compact(normalized)
}

// Has reports whether role belongs to the set.
func (r Roles) Has(role Role) bool {
	return slices.Contains(r, role)
}

// Satisfies reports whether r is a superset of required.
func (r Roles) Satisfies(required Roles) bool {
	for _, role := range required {
		if !r.Has(role) {
			return false
		}
	}

	return true
}

// Missing returns the required roles absent from r.
func (r Roles) Missing(required Roles) Roles {
	var missing Roles
	for _, role := range required {
		if !r.Has(role) {
			missing = append(missing, role)
		}
	}

	return missing
}

// Strings returns the role names.
func (r Roles) Strings() []string {
	names := make([]string, 0, len(r))
	for _, role := range r {
		names = append(names, string(role))
	}

	return names
}

// Event is one normalized inbound message produced by a connector.
//
// Events are immutable once produced; the router and handlers only read them.
type Event struct {
	// ID is a unique event identifier assigned by the connector.
	ID string
	// Source identifies the connector that produced the event.
	Source ConnectorID
	// Channel identifies where the message was posted.
	Channel ChannelID
	// Sender identifies the author.
	Sender UserID
	// SenderName is the display name of the author when known.
	SenderName string
	// SenderRoles is the normalized permission set of the author.
	SenderRoles Roles
	// Text is the message body.
	Text string
	// OccurredAt is when the transport observed the message.
	OccurredAt time.Time
	// Metadata carries transport-specific annotations.
	Metadata map[string]string
}

// Validate checks event contract fields.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidEvent)
	}
	if e.Channel == "" {
		return fmt.Errorf("%w: missing channel", ErrInvalidEvent)
	}
	if e.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}

	return nil
}

// DisplayName returns SenderName when set and Sender otherwise.
func (e *Event) DisplayName() string {
	if e == nil {
		return ""
	}
	if name := strings.TrimSpace(e.SenderName); name != "" {
		return name
	}

	return string(e.Sender)
}

// Meta returns one metadata value.
func (e *Event) Meta(key string) string {
	if e == nil || e.Metadata == nil {
		return ""
	}

	return e.Metadata[key]
}
