package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventMessagesUpsert is the only transport event the engine consumes.
const EventMessagesUpsert = "messages.upsert"

// ErrIgnoredEvent marks deliveries that are acknowledged but not processed.
var ErrIgnoredEvent = errors.New("gateway: event ignored")

// InboundMessage is a contact's text message received by a tenant account.
type InboundMessage struct {
	AccountID  string
	MessageID  string
	From       string
	PushName   string
	Text       string
	ReceivedAt time.Time
}

type webhookEnvelope struct {
	Event    string          `json:"event"`
	Type     string          `json:"type"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`

	// flat message shape
	InstanceID string `json:"instanceId"`
	From       string `json:"from"`
	ChatJID    string `json:"chatJID"`
	IsFromMe   bool   `json:"isFromMe"`
	IsGroup    bool   `json:"isGroup"`
	MessageID  string `json:"messageId"`
	PushName   string `json:"pushName"`
	Text       string `json:"text"`
	Caption    string `json:"caption"`
	Timestamp  any    `json:"timestamp"`
}

type upsertData struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName string `json:"pushName"`
	Message  struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		ImageMessage struct {
			Caption string `json:"caption"`
		} `json:"imageMessage"`
	} `json:"message"`
	MessageTimestamp any `json:"messageTimestamp"`
}

// ParseWebhook extracts an inbound text message from a gateway delivery.
// Two shapes are accepted: {event: "messages.upsert", instance, data: {key,
// message}} and the flat {type: "message", from, text, messageId}. Other
// events, own messages, group chats and messages without text return
// ErrIgnoredEvent.
func ParseWebhook(body []byte) (InboundMessage, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return InboundMessage{}, fmt.Errorf("gateway: decode webhook: %w", err)
	}

	switch {
	case strings.EqualFold(env.Event, EventMessagesUpsert):
		return parseUpsert(env)
	case strings.EqualFold(env.Type, "message"):
		return parseFlat(env)
	default:
		return InboundMessage{}, fmt.Errorf("%w: %s%s", ErrIgnoredEvent, env.Event, env.Type)
	}
}

func parseUpsert(env webhookEnvelope) (InboundMessage, error) {
	raw := env.Data
	// some gateways batch upserts as an array
	if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "[") {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil || len(batch) == 0 {
			return InboundMessage{}, fmt.Errorf("%w: empty upsert", ErrIgnoredEvent)
		}
		raw = batch[0]
	}
	var data upsertData
	if err := json.Unmarshal(raw, &data); err != nil {
		return InboundMessage{}, fmt.Errorf("gateway: decode upsert data: %w", err)
	}
	if data.Key.FromMe {
		return InboundMessage{}, fmt.Errorf("%w: own message", ErrIgnoredEvent)
	}
	if isGroupJID(data.Key.RemoteJID) {
		return InboundMessage{}, fmt.Errorf("%w: group message", ErrIgnoredEvent)
	}
	text := firstNonEmpty(data.Message.Conversation, data.Message.ExtendedTextMessage.Text, data.Message.ImageMessage.Caption)
	return finish(InboundMessage{
		AccountID:  env.Instance,
		MessageID:  data.Key.ID,
		From:       NormalizePhone(data.Key.RemoteJID),
		PushName:   strings.TrimSpace(data.PushName),
		Text:       text,
		ReceivedAt: parseTimestamp(data.MessageTimestamp),
	})
}

func parseFlat(env webhookEnvelope) (InboundMessage, error) {
	if env.IsFromMe {
		return InboundMessage{}, fmt.Errorf("%w: own message", ErrIgnoredEvent)
	}
	if env.IsGroup || isGroupJID(env.ChatJID) {
		return InboundMessage{}, fmt.Errorf("%w: group message", ErrIgnoredEvent)
	}
	return finish(InboundMessage{
		AccountID:  firstNonEmpty(env.InstanceID, env.Instance),
		MessageID:  env.MessageID,
		From:       NormalizePhone(firstNonEmpty(env.From, env.ChatJID)),
		PushName:   strings.TrimSpace(env.PushName),
		Text:       firstNonEmpty(env.Text, env.Caption),
		ReceivedAt: parseTimestamp(env.Timestamp),
	})
}

func finish(msg InboundMessage) (InboundMessage, error) {
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return InboundMessage{}, fmt.Errorf("%w: no text content", ErrIgnoredEvent)
	}
	if msg.From == "" {
		return InboundMessage{}, fmt.Errorf("%w: sender phone missing", ErrIgnoredEvent)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	return msg, nil
}

func isGroupJID(jid string) bool {
	return strings.HasSuffix(strings.TrimSpace(jid), "@g.us")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseTimestamp(v any) time.Time {
	switch ts := v.(type) {
	case float64:
		return time.Unix(int64(ts), 0).UTC()
	case string:
		if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return time.Unix(n, 0).UTC()
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
