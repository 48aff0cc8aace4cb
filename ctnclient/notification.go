package ctnclient

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mikescher/catenis-client/x"
)

// NotificationEvent names a Catenis notification event a channel can subscribe to.
type NotificationEvent string

const (
	EventNewMsgReceived   NotificationEvent = "new-msg-received"
	EventSentMsgRead      NotificationEvent = "sent-msg-read"
	EventAssetReceived    NotificationEvent = "asset-received"
	EventAssetConfirmed   NotificationEvent = "asset-confirmed"
	EventFinalMsgProgress NotificationEvent = "final-msg-progress"
)

func (e NotificationEvent) Known() bool {
	switch e {
	case EventNewMsgReceived, EventSentMsgRead, EventAssetReceived, EventAssetConfirmed, EventFinalMsgProgress:
		return true
	}
	return false
}

type DeviceInfo struct {
	DeviceID     string `json:"deviceId"`
	Name         string `json:"name,omitempty"`
	ProdUniqueID string `json:"prodUniqueId,omitempty"`
}

type MessageAction string

const (
	MessageActionLog  MessageAction = "log"
	MessageActionSend MessageAction = "send"
	MessageActionRead MessageAction = "read"
)

type MessageProcessError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type MessageProcessSuccess struct {
	MessageID         string `json:"messageId"`
	ContinuationToken string `json:"continuationToken,omitempty"`
}

// MessageProcessProgressDone is the final status of an asynchronously processed message.
type MessageProcessProgressDone struct {
	BytesProcessed int                  `json:"bytesProcessed"`
	Done           bool                 `json:"done"`
	Success        bool                 `json:"success"`
	Error          *MessageProcessError `json:"error,omitempty"`
	FinishDate     time.Time            `json:"finishDate"`
}

type NewMessageReceivedNotify struct {
	MessageID    string     `json:"messageId"`
	From         DeviceInfo `json:"from"`
	ReceivedDate time.Time  `json:"receivedDate"`
}

type SentMessageReadNotify struct {
	MessageID string     `json:"messageId"`
	To        DeviceInfo `json:"to"`
	ReadDate  time.Time  `json:"readDate"`
}

type AssetReceivedNotify struct {
	AssetID      string     `json:"assetId"`
	Amount       float64    `json:"amount"`
	Issuer       DeviceInfo `json:"issuer"`
	From         DeviceInfo `json:"from"`
	ReceivedDate time.Time  `json:"receivedDate"`
}

type AssetConfirmedNotify struct {
	AssetID       string     `json:"assetId"`
	Amount        float64    `json:"amount"`
	Issuer        DeviceInfo `json:"issuer"`
	From          DeviceInfo `json:"from"`
	ConfirmedDate time.Time  `json:"confirmedDate"`
}

type FinalMessageProgressNotify struct {
	EphemeralMessageID string                     `json:"ephemeralMessageId"`
	Action             MessageAction              `json:"action"`
	Progress           MessageProcessProgressDone `json:"progress"`
	Result             *MessageProcessSuccess     `json:"result,omitempty"`
}

type NotificationKind string

const (
	KindNewMessageReceived   NotificationKind = "NewMessageReceived"
	KindSentMessageRead      NotificationKind = "SentMessageRead"
	KindAssetReceived        NotificationKind = "AssetReceived"
	KindAssetConfirmed       NotificationKind = "AssetConfirmed"
	KindFinalMessageProgress NotificationKind = "FinalMessageProgress"
)

// NotificationMessage holds exactly one of the notification payloads, selected by Kind.
type NotificationMessage struct {
	Kind NotificationKind

	NewMessageReceived   *NewMessageReceivedNotify
	SentMessageRead      *SentMessageReadNotify
	AssetReceived        *AssetReceivedNotify
	AssetConfirmed       *AssetConfirmedNotify
	FinalMessageProgress *FinalMessageProgressNotify
}

type notificationShape struct {
	kind     NotificationKind
	required []string
	decode   func(raw []byte, msg *NotificationMessage) error
}

// The wire format carries no discriminator, so every shape is identified by its required members.
// A payload must match exactly one shape.
var notificationShapes = []notificationShape{
	{
		kind:     KindNewMessageReceived,
		required: []string{"messageId", "from", "receivedDate"},
		decode: func(raw []byte, msg *NotificationMessage) error {
			msg.NewMessageReceived = new(NewMessageReceivedNotify)
			return json.Unmarshal(raw, msg.NewMessageReceived)
		},
	},
	{
		kind:     KindSentMessageRead,
		required: []string{"messageId", "to", "readDate"},
		decode: func(raw []byte, msg *NotificationMessage) error {
			msg.SentMessageRead = new(SentMessageReadNotify)
			return json.Unmarshal(raw, msg.SentMessageRead)
		},
	},
	{
		kind:     KindAssetReceived,
		required: []string{"assetId", "amount", "issuer", "from", "receivedDate"},
		decode: func(raw []byte, msg *NotificationMessage) error {
			msg.AssetReceived = new(AssetReceivedNotify)
			return json.Unmarshal(raw, msg.AssetReceived)
		},
	},
	{
		kind:     KindAssetConfirmed,
		required: []string{"assetId", "amount", "issuer", "from", "confirmedDate"},
		decode: func(raw []byte, msg *NotificationMessage) error {
			msg.AssetConfirmed = new(AssetConfirmedNotify)
			return json.Unmarshal(raw, msg.AssetConfirmed)
		},
	},
	{
		kind:     KindFinalMessageProgress,
		required: []string{"ephemeralMessageId", "action", "progress"},
		decode: func(raw []byte, msg *NotificationMessage) error {
			msg.FinalMessageProgress = new(FinalMessageProgressNotify)
			return json.Unmarshal(raw, msg.FinalMessageProgress)
		},
	},
}

// ParseNotificationMessage decodes a notification frame into the single shape it matches.
func ParseNotificationMessage(text string) (NotificationMessage, error) {
	fields, err := x.JSONFields(text)
	if err != nil {
		return NotificationMessage{}, fmt.Errorf("%w: %v", ErrUnmarshal, err)
	}

	var matched []notificationShape
	for _, shape := range notificationShapes {
		if x.HasFields(fields, shape.required...) {
			matched = append(matched, shape)
		}
	}

	if len(matched) == 0 {
		return NotificationMessage{}, fmt.Errorf("%w: payload matches no notification message", ErrUnmarshal)
	}

	if len(matched) > 1 {
		kinds := make([]string, 0, len(matched))
		for _, m := range matched {
			kinds = append(kinds, string(m.kind))
		}
		return NotificationMessage{}, fmt.Errorf("%w: ambiguous notification message (%s)", ErrUnmarshal, strings.Join(kinds, ", "))
	}

	msg := NotificationMessage{Kind: matched[0].kind}

	err = matched[0].decode([]byte(text), &msg)
	if err != nil {
		return NotificationMessage{}, fmt.Errorf("%w: failed to decode %s: %v", ErrUnmarshal, msg.Kind, err)
	}

	return msg, nil
}

// Payload returns the decoded notification, whichever shape it has.
func (m NotificationMessage) Payload() any {
	switch m.Kind {
	case KindNewMessageReceived:
		return m.NewMessageReceived
	case KindSentMessageRead:
		return m.SentMessageRead
	case KindAssetReceived:
		return m.AssetReceived
	case KindAssetConfirmed:
		return m.AssetConfirmed
	case KindFinalMessageProgress:
		return m.FinalMessageProgress
	}
	return nil
}
