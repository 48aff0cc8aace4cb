package ctnclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type Encoding string

const (
	EncodingUTF8   Encoding = "utf8"
	EncodingBase64 Encoding = "base64"
	EncodingHex    Encoding = "hex"
)

type Storage string

const (
	StorageAuto     Storage = "auto"
	StorageEmbedded Storage = "embedded"
	StorageExternal Storage = "external"
)

// DeviceID identifies a virtual device, either by Catenis device ID or by product unique ID.
type DeviceID struct {
	ID             string `json:"id"`
	IsProdUniqueID *bool  `json:"isProdUniqueId,omitempty"`
}

type LogMessageOptions struct {
	Encoding Encoding `json:"encoding,omitempty"`
	Encrypt  *bool    `json:"encrypt,omitempty"`
	OffChain *bool    `json:"offChain,omitempty"`
	Storage  Storage  `json:"storage,omitempty"`
	Async    *bool    `json:"async,omitempty"`
}

type SendMessageOptions struct {
	Encoding         Encoding `json:"encoding,omitempty"`
	Encrypt          *bool    `json:"encrypt,omitempty"`
	OffChain         *bool    `json:"offChain,omitempty"`
	Storage          Storage  `json:"storage,omitempty"`
	ReadConfirmation *bool    `json:"readConfirmation,omitempty"`
	Async            *bool    `json:"async,omitempty"`
}

type ReadMessageOptions struct {
	Encoding          Encoding
	ContinuationToken string
	DataChunkSize     int
	Async             *bool
}

type logMessageRequestSchema struct {
	Message string             `json:"message"`
	Options *LogMessageOptions `json:"options,omitempty"`
}

type sendMessageRequestSchema struct {
	Message      string              `json:"message"`
	TargetDevice DeviceID            `json:"targetDevice"`
	Options      *SendMessageOptions `json:"options,omitempty"`
}

type LogMessageResult struct {
	ContinuationToken    string `json:"continuationToken,omitempty"`
	MessageID            string `json:"messageId,omitempty"`
	ProvisionalMessageID string `json:"provisionalMessageId,omitempty"`
}

type SendMessageResult struct {
	ContinuationToken    string `json:"continuationToken,omitempty"`
	MessageID            string `json:"messageId,omitempty"`
	ProvisionalMessageID string `json:"provisionalMessageId,omitempty"`
}

type MessageInfo struct {
	Action MessageAction `json:"action"`
	From   *DeviceInfo   `json:"from,omitempty"`
	To     *DeviceInfo   `json:"to,omitempty"`
}

type ReadMessageResult struct {
	MsgInfo           *MessageInfo `json:"msgInfo,omitempty"`
	MsgData           string       `json:"msgData,omitempty"`
	ContinuationToken string       `json:"continuationToken,omitempty"`
	CachedMessageID   string       `json:"cachedMessageId,omitempty"`
}

type MessageProcessProgress struct {
	BytesProcessed int                  `json:"bytesProcessed"`
	Done           bool                 `json:"done"`
	Success        *bool                `json:"success,omitempty"`
	Error          *MessageProcessError `json:"error,omitempty"`
	FinishDate     *time.Time           `json:"finishDate,omitempty"`
}

type MessageProgressResult struct {
	Action   MessageAction          `json:"action"`
	Progress MessageProcessProgress `json:"progress"`
	Result   *MessageProcessSuccess `json:"result,omitempty"`
}

// LogMessage records a message on the blockchain for the client's own device.
func (c *Client) LogMessage(ctx context.Context, message string, opts *LogMessageOptions) (LogMessageResult, error) {
	body := logMessageRequestSchema{
		Message: message,
		Options: opts,
	}

	return request[LogMessageResult](ctx, c, http.MethodPost, "messages/log", nil, nil, body)
}

// SendMessage records a message on the blockchain directed to another device.
func (c *Client) SendMessage(ctx context.Context, message string, target DeviceID, opts *SendMessageOptions) (SendMessageResult, error) {
	body := sendMessageRequestSchema{
		Message:      message,
		TargetDevice: target,
		Options:      opts,
	}

	return request[SendMessageResult](ctx, c, http.MethodPost, "messages/send", nil, nil, body)
}

func (c *Client) ReadMessage(ctx context.Context, messageID string, opts *ReadMessageOptions) (ReadMessageResult, error) {
	query := url.Values{}

	if opts != nil {
		if opts.Encoding != "" {
			query.Set("encoding", string(opts.Encoding))
		}
		if opts.ContinuationToken != "" {
			query.Set("continuationToken", opts.ContinuationToken)
		}
		if opts.DataChunkSize > 0 {
			query.Set("dataChunkSize", strconv.Itoa(opts.DataChunkSize))
		}
		if opts.Async != nil {
			query.Set("async", strconv.FormatBool(*opts.Async))
		}
	}

	return request[ReadMessageResult](ctx, c, http.MethodGet, "messages/:messageId", map[string]string{"messageId": messageID}, query, nil)
}

func (c *Client) RetrieveMessageProgress(ctx context.Context, messageID string) (MessageProgressResult, error) {
	return request[MessageProgressResult](ctx, c, http.MethodGet, "messages/:messageId/progress", map[string]string{"messageId": messageID}, nil, nil)
}

// ListNotificationEvents returns the notification events known to the service with their descriptions.
func (c *Client) ListNotificationEvents(ctx context.Context) (map[NotificationEvent]string, error) {
	return request[map[NotificationEvent]string](ctx, c, http.MethodGet, "notification/events", nil, nil, nil)
}
