package telegram

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"ex-kagura/pkg/kagura"
)

// mapper converts gotd messages into events and remembers the peers they
// came from so replies can be addressed.
type mapper struct {
	source     kagura.ConnectorID
	moderators []int64
	owners     []int64

	mu    sync.RWMutex
	peers map[kagura.ChannelID]tg.InputPeerClass
}

func newMapper(source kagura.ConnectorID, cfg Config) *mapper {
	return &mapper{
		source:     source,
		moderators: cfg.Moderators,
		owners:     cfg.Owners,
		peers:      make(map[kagura.ChannelID]tg.InputPeerClass),
	}
}

// channelFor formats a peer as "user:<id>", "chat:<id>" or "channel:<id>".
func channelFor(peer tg.PeerClass) (kagura.ChannelID, bool) {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		return kagura.ChannelID("user:" + strconv.FormatInt(typed.UserID, 10)), true
	case *tg.PeerChat:
		return kagura.ChannelID("chat:" + strconv.FormatInt(typed.ChatID, 10)), true
	case *tg.PeerChannel:
		return kagura.ChannelID("channel:" + strconv.FormatInt(typed.ChannelID, 10)), true
	default:
		return "", false
	}
}

// toEvent maps one inbound message. accepted is false for outgoing and
// service messages.
func (m *mapper) toEvent(raw tg.MessageClass, entities tg.Entities) (event *kagura.Event, accepted bool, err error) {
	message, ok := raw.(*tg.Message)
	if !ok || message.Out {
		return nil, false, nil
	}

	channel, ok := channelFor(message.PeerID)
	if !ok {
		return nil, false, fmt.Errorf("%w: message %d without peer", kagura.ErrMalformedFrame, message.ID)
	}
	from := message.FromID
	if from == nil {
		from = message.PeerID
	}
	fromUser, ok := from.(*tg.PeerUser)
	if !ok {
		return nil, false, nil
	}

	userID := fromUser.UserID
	name := strconv.FormatInt(userID, 10)
	login := ""
	if user, found := entities.Users[userID]; found && user != nil {
		if user.Bot {
			return nil, false, nil
		}
		login = user.Username
		name = displayName(user, name)
	}
	m.remember(channel, message.PeerID, entities)

	metadata := map[string]string{"message_id": strconv.Itoa(message.ID)}
	if login != "" {
		metadata["login"] = login
	}

	return &kagura.Event{
		ID:          string(channel) + "/" + strconv.Itoa(message.ID),
		Source:      m.source,
		Channel:     channel,
		Sender:      kagura.UserID(strconv.FormatInt(userID, 10)),
		SenderName:  name,
		SenderRoles: m.roles(userID),
		Text:        message.Message,
		OccurredAt:  time.Unix(int64(message.Date), 0).UTC(),
		Metadata:    metadata,
	}, true, nil
}

func displayName(user *tg.User, fallback string) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.Username
	}
	if name == "" {
		name = fallback
	}

	return name
}

func (m *mapper) roles(userID int64) kagura.Roles {
	roles := []kagura.Role{kagura.RoleViewer}
	if slices.Contains(m.moderators, userID) {
		roles = append(roles, kagura.RoleModerator)
	}
	if slices.Contains(m.owners, userID) {
		roles = append(roles, kagura.RoleOwner, kagura.RoleModerator)
	}

	return kagura.NewRoles(roles...)
}

func (m *mapper) remember(channel kagura.ChannelID, peer tg.PeerClass, entities tg.Entities) {
	var input tg.InputPeerClass
	switch typed := peer.(type) {
	case *tg.PeerUser:
		if user, ok := entities.Users[typed.UserID]; ok && user != nil {
			input = user.AsInputPeer()
		}
	case *tg.PeerChat:
		input = &tg.InputPeerChat{ChatID: typed.ChatID}
	case *tg.PeerChannel:
		if channel, ok := entities.Channels[typed.ChannelID]; ok && channel != nil {
			input = channel.AsInputPeer()
		}
	}
	if input == nil {
		return
	}

	m.mu.Lock()
	m.peers[channel] = input
	m.mu.Unlock()
}

// peer returns the input peer last seen for channel.
func (m *mapper) peer(channel kagura.ChannelID) (tg.InputPeerClass, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peer, ok := m.peers[channel]
	return peer, ok
}
