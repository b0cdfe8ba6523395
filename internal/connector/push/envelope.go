package push

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"ex-kagura/pkg/kagura"
)

// Frame types carried in the envelope "type" field.
const (
	frameListen    = "LISTEN"
	framePing      = "PING"
	framePong      = "PONG"
	frameReconnect = "RECONNECT"
	frameResponse  = "RESPONSE"
	frameMessage   = "MESSAGE"
	frameReply     = "REPLY"
)

// Inner payload types carried by MESSAGE frames.
const (
	payloadChat       = "chat_message"
	payloadRedemption = "reward_redeemed"
)

type listenFrame struct {
	Type  string     `json:"type"`
	Nonce string     `json:"nonce"`
	Data  listenData `json:"data"`
}

type listenData struct {
	Topics    []string `json:"topics"`
	AuthToken string   `json:"auth_token"`
}

type replyFrame struct {
	Type  string    `json:"type"`
	Nonce string    `json:"nonce"`
	Data  replyData `json:"data"`
}

type replyData struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type pingFrame struct {
	Type string `json:"type"`
}

// envelope is one decoded outer frame.
type envelope struct {
	kind  string
	nonce string
	err   string
	topic string
	inner string
}

func parseEnvelope(data []byte) (envelope, error) {
	if !gjson.ValidBytes(data) {
		return envelope{}, fmt.Errorf("%w: invalid json", kagura.ErrMalformedFrame)
	}
	fields := gjson.GetManyBytes(data, "type", "nonce", "error", "data.topic", "data.message")
	if fields[0].String() == "" {
		return envelope{}, fmt.Errorf("%w: missing type", kagura.ErrMalformedFrame)
	}

	return envelope{
		kind:  fields[0].String(),
		nonce: fields[1].String(),
		err:   fields[2].String(),
		topic: fields[3].String(),
		inner: fields[4].String(),
	}, nil
}

// decodeMessage converts a MESSAGE payload into an event. A nil event with a
// nil error means the payload type is not one the connector surfaces.
func decodeMessage(source kagura.ConnectorID, frame envelope, now time.Time) (*kagura.Event, error) {
	if !gjson.Valid(frame.inner) {
		return nil, fmt.Errorf("%w: invalid message payload on %s", kagura.ErrMalformedFrame, frame.topic)
	}
	payload := gjson.Parse(frame.inner)

	switch payload.Get("type").String() {
	case payloadChat:
		return decodeChat(source, frame.topic, payload.Get("data"), now)
	case payloadRedemption:
		return decodeRedemption(source, frame.topic, payload.Get("data"), now)
	default:
		return nil, nil
	}
}

func decodeChat(source kagura.ConnectorID, topic string, data gjson.Result, now time.Time) (*kagura.Event, error) {
	user := data.Get("user")
	event := &kagura.Event{
		ID:          data.Get("id").String(),
		Source:      source,
		Channel:     kagura.ChannelID(data.Get("channel").String()),
		Sender:      kagura.UserID(user.Get("id").String()),
		SenderName:  user.Get("display_name").String(),
		SenderRoles: decodeRoles(user.Get("roles")),
		Text:        data.Get("text").String(),
		OccurredAt:  decodeTime(data.Get("sent_at"), now),
		Metadata: map[string]string{
			"kind":  "chat",
			"topic": topic,
			"login": user.Get("login").String(),
		},
	}

	return finish(event)
}

func decodeRedemption(source kagura.ConnectorID, topic string, data gjson.Result, now time.Time) (*kagura.Event, error) {
	redemption := data.Get("redemption")
	user := redemption.Get("user")
	reward := redemption.Get("reward")
	event := &kagura.Event{
		ID:          redemption.Get("id").String(),
		Source:      source,
		Channel:     kagura.ChannelID(data.Get("channel").String()),
		Sender:      kagura.UserID(user.Get("id").String()),
		SenderName:  user.Get("display_name").String(),
		SenderRoles: kagura.NewRoles(kagura.RoleViewer),
		Text:        redemption.Get("user_input").String(),
		OccurredAt:  decodeTime(redemption.Get("redeemed_at"), now),
		Metadata: map[string]string{
			"kind":        "redemption",
			"topic":       topic,
			"login":       user.Get("login").String(),
			"reward":      reward.Get("title").String(),
			"reward_cost": strconv.FormatInt(reward.Get("cost").Int(), 10),
		},
	}

	return finish(event)
}

func finish(event *kagura.Event) (*kagura.Event, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", kagura.ErrMalformedFrame, err)
	}

	return event, nil
}

func decodeRoles(raw gjson.Result) kagura.Roles {
	roles := []kagura.Role{kagura.RoleViewer}
	for _, role := range raw.Array() {
		roles = append(roles, kagura.Role(role.String()))
	}

	return kagura.NewRoles(roles...)
}

func decodeTime(raw gjson.Result, fallback time.Time) time.Time {
	if !raw.Exists() {
		return fallback
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw.String())
	if err != nil {
		return fallback
	}

	return parsed
}
