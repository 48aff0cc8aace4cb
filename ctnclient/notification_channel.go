package ctnclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mikescher/catenis-client/x"
)

const (
	notifyWSProtocol  = "notify.catenis.io"
	notifyChannelOpen = "NOTIFICATION_CHANNEL_OPEN"
	notifyWSEndpoint  = "notify/ws/:eventName"

	// CloseCodeUnexpectedMessage is sent when a text frame is not a valid notification message.
	CloseCodeUnexpectedMessage = 4000

	eventQueueSize      = 64
	binaryReasonLimit   = 20
	maxCloseReasonBytes = 123
	controlWriteWait    = 5 * time.Second
)

type ChannelState int32

const (
	StateIdle ChannelState = iota
	StateConnecting
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("ChannelState(%d)", int32(s))
}

type NotifyEventType int

const (
	NotifyOpen NotifyEventType = iota
	NotifyMessage
	NotifyClose
	NotifyError
)

func (t NotifyEventType) String() string {
	switch t {
	case NotifyOpen:
		return "Open"
	case NotifyMessage:
		return "Notify"
	case NotifyClose:
		return "Close"
	case NotifyError:
		return "Error"
	}
	return fmt.Sprintf("NotifyEventType(%d)", int(t))
}

// CloseInfo is the close frame sent by the remote side.
type CloseInfo struct {
	Code   int
	Reason string
}

// NotifyEvent is delivered to the channel's handler. Only the field matching Type is set.
type NotifyEvent struct {
	Type    NotifyEventType
	Message *NotificationMessage
	Close   *CloseInfo
	Err     error
}

type notifyChannelAuthenticationSchema struct {
	XBcotTimestamp string `json:"x-bcot-timestamp"`
	Authorization  string `json:"authorization"`
}

// wsConn is the part of *websocket.Conn the channel relies on.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type wsFrame struct {
	typ  int
	data []byte
	err  error
}

// NotificationChannel delivers the notifications of one Catenis notification event.
// A channel is opened once; after it terminates a new channel must be created.
type NotificationChannel struct {
	client *Client
	event  NotificationEvent

	dial func(ctx context.Context, urlStr string) (wsConn, error)

	state atomic.Int32

	closeCmd chan struct{}
	dropped  chan struct{}
	dropOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
}

func (c *Client) NewNotificationChannel(event NotificationEvent) *NotificationChannel {
	ch := &NotificationChannel{
		client:   c,
		event:    event,
		closeCmd: make(chan struct{}, 1),
		dropped:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	ch.dial = func(ctx context.Context, urlStr string) (wsConn, error) {
		conn, resp, err := c.wsDialer().DialContext(ctx, urlStr, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
			}
			return nil, err
		}
		return conn, nil
	}

	return ch
}

func (ch *NotificationChannel) Event() NotificationEvent {
	return ch.event
}

func (ch *NotificationChannel) State() ChannelState {
	return ChannelState(ch.state.Load())
}

func (ch *NotificationChannel) setState(s ChannelState) {
	old := ChannelState(ch.state.Swap(int32(s)))
	if old != s {
		debug("Notification channel state", "event", ch.event, "from", old, "to", s)
	}
}

// Done is closed once the channel's workers have terminated.
func (ch *NotificationChannel) Done() <-chan struct{} {
	return ch.done
}

// Wait blocks until the channel has terminated.
func (ch *NotificationChannel) Wait() {
	<-ch.done
}

func (ch *NotificationChannel) finish() {
	ch.doneOnce.Do(func() { close(ch.done) })
}

// Open connects and authenticates the channel, then delivers events to handler until the channel ends.
// handler is called sequentially from a single goroutine, in arrival order.
// Setup failures are returned; later failures arrive as a NotifyError event.
//
// ctx bounds the setup only. An open channel lives until the peer closes it, Close or Drop is
// called, or the context given to DropWhenDone ends. A Drop during setup aborts the dial.
func (ch *NotificationChannel) Open(ctx context.Context, handler func(NotifyEvent)) error {
	if !ch.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		if ch.isDropped() {
			return ErrChannelClosed
		}
		return fmt.Errorf("%w: notification channel already opened (state %s)", ErrClient, ch.State())
	}

	debug("Open notification channel", "event", ch.event)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ch.dropped:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Only used to manufacture the authentication values, never sent as an HTTP request.
	authReq, err := ch.client.wsRequest(ctx, notifyWSEndpoint, map[string]string{"eventName": string(ch.event)})
	if err != nil {
		return ch.setupFailed(err)
	}

	err = ch.client.SignRequest(authReq)
	if err != nil {
		return ch.setupFailed(fmt.Errorf("failed to sign notification channel request: %w", err))
	}

	authMsg, err := json.Marshal(notifyChannelAuthenticationSchema{
		XBcotTimestamp: authReq.Header.Get(TimestampHeader),
		Authorization:  authReq.Header.Get("Authorization"),
	})
	if err != nil {
		return ch.setupFailed(fmt.Errorf("%w: failed to marshal authentication message: %v", ErrClient, err))
	}

	conn, err := ch.dial(ctx, authReq.URL.String())
	if err != nil {
		if ch.isDropped() {
			return ch.setupDropped()
		}
		return ch.setupFailed(fmt.Errorf("%w: WebSocket connection to %s: %v", ErrConnect, authReq.URL.Redacted(), err))
	}

	ch.setState(StateAuthenticating)

	err = conn.WriteMessage(websocket.TextMessage, authMsg)
	if err != nil {
		_ = conn.Close()
		return ch.setupFailed(fmt.Errorf("%w: failed to send notification channel authentication message: %v", ErrConnect, err))
	}

	if ch.isDropped() {
		_ = conn.Close()
		return ch.setupDropped()
	}

	events := make(chan NotifyEvent, eventQueueSize)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ch.runTransport(conn, events)
	}()

	go func() {
		defer wg.Done()
		ch.runDispatcher(events, handler)
	}()

	go func() {
		wg.Wait()
		debug("Notification channel terminated", "event", ch.event, "state", ch.State())
		ch.finish()
	}()

	return nil
}

func (ch *NotificationChannel) setupFailed(err error) error {
	ch.setState(StateFailed)
	ch.finish()
	return err
}

func (ch *NotificationChannel) setupDropped() error {
	debug("Notification channel dropped during setup", "event", ch.event)
	ch.setState(StateClosed)
	ch.finish()
	return ErrChannelClosed
}

// Close asks the channel to close gracefully. It is a no-op on a channel that was never opened
// or has already terminated.
func (ch *NotificationChannel) Close() {
	switch ch.State() {
	case StateIdle, StateClosed, StateFailed:
		return
	}

	select {
	case ch.closeCmd <- struct{}{}:
	default:
	}
}

// Drop terminates the channel immediately, without a close handshake.
// Events still queued for the handler are discarded.
func (ch *NotificationChannel) Drop() {
	ch.dropOnce.Do(func() { close(ch.dropped) })

	if ch.state.CompareAndSwap(int32(StateIdle), int32(StateClosed)) {
		ch.finish()
	}
}

// DropWhenDone drops the channel once ctx ends. The returned function detaches ctx again
// and reports whether it did so before the drop was triggered.
func (ch *NotificationChannel) DropWhenDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, ch.Drop)
}

func (ch *NotificationChannel) isDropped() bool {
	select {
	case <-ch.dropped:
		return true
	default:
		return false
	}
}

func (ch *NotificationChannel) runDispatcher(events <-chan NotifyEvent, handler func(NotifyEvent)) {
	for {
		select {
		case <-ch.dropped:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ch.isDropped() {
				return
			}
			handler(ev)
		}
	}
}

func (ch *NotificationChannel) runTransport(conn wsConn, events chan<- NotifyEvent) {
	frames := make(chan wsFrame)
	stopped := make(chan struct{})

	defer func() {
		close(stopped)
		_ = conn.Close()
		close(events)
	}()

	go readFrames(conn, frames, stopped)

	closeTimeout := x.Coalesce(ch.client.CloseTimeout, DefaultCloseTimeout)

	var closeDeadline <-chan time.Time

	for {
		select {
		case <-ch.dropped:
			debug("Notification channel dropped", "event", ch.event)
			ch.setState(StateClosed)
			return

		case <-ch.closeCmd:
			if closeDeadline != nil {
				continue
			}

			err := writeClose(conn, websocket.CloseNormalClosure, "")
			if err != nil {
				if isClosedError(err) {
					ch.setState(StateClosed)
					return
				}
				ch.fail(events, fmt.Errorf("%w: failed to close WebSocket connection: %v", ErrClient, err))
				return
			}

			ch.setState(StateClosing)
			closeDeadline = time.After(closeTimeout)

		case <-closeDeadline:
			debug("Notification channel close reply not received in time", "event", ch.event)
			ch.setState(StateClosed)
			return

		case fr := <-frames:
			if !ch.handleFrame(conn, events, fr) {
				return
			}
		}
	}
}

func readFrames(conn wsConn, frames chan<- wsFrame, stopped <-chan struct{}) {
	for {
		typ, data, err := conn.ReadMessage()

		select {
		case frames <- wsFrame{typ: typ, data: data, err: err}:
		case <-stopped:
			return
		}

		if err != nil {
			return
		}
	}
}

// handleFrame processes one frame and reports whether the channel keeps running.
func (ch *NotificationChannel) handleFrame(conn wsConn, events chan<- NotifyEvent, fr wsFrame) bool {
	if fr.err != nil {
		return ch.handleReadError(events, fr.err)
	}

	switch fr.typ {
	case websocket.TextMessage:
		text := string(fr.data)

		if text == notifyChannelOpen {
			if s := ch.State(); s == StateAuthenticating || s == StateOpen {
				ch.setState(StateOpen)
			}
			return ch.emit(events, NotifyEvent{Type: NotifyOpen})
		}

		msg, err := ParseNotificationMessage(text)
		if err != nil {
			debug("Unexpected notification message", "event", ch.event, "text", text, "err", err)

			ch.forceClose(conn, events,
				CloseCodeUnexpectedMessage,
				"Unexpected notification message received: "+text,
				fmt.Errorf("%w: unexpected notification message received: %s", ErrProtocol, text))
			return false
		}

		return ch.emit(events, NotifyEvent{Type: NotifyMessage, Message: &msg})

	case websocket.BinaryMessage:
		ch.forceClose(conn, events,
			websocket.CloseUnsupportedData,
			"Unexpected binary message received: "+x.FormatBytesLimit(fr.data, binaryReasonLimit),
			fmt.Errorf("%w: unexpected binary message received (%d bytes)", ErrProtocol, len(fr.data)))
		return false
	}

	// control frames are consumed by the connection's handlers
	return true
}

func (ch *NotificationChannel) handleReadError(events chan<- NotifyEvent, err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
		ch.emit(events, NotifyEvent{
			Type:  NotifyClose,
			Close: &CloseInfo{Code: closeErr.Code, Reason: closeErr.Text},
		})
		ch.setState(StateClosed)
		return false
	}

	if isClosedError(err) || (ch.State() == StateClosing && isTimeoutOrEOF(err)) {
		ch.setState(StateClosed)
		return false
	}

	ch.fail(events, fmt.Errorf("%w: notification channel connection failed: %v", ErrClient, err))
	return false
}

// forceClose sends a close frame describing a protocol violation and reports the violation.
func (ch *NotificationChannel) forceClose(conn wsConn, events chan<- NotifyEvent, code int, reason string, cause error) {
	err := writeClose(conn, code, reason)
	if err != nil && !isClosedError(err) {
		cause = fmt.Errorf("%w (failed to close WebSocket connection: %v)", cause, err)
	}

	ch.fail(events, cause)
}

func (ch *NotificationChannel) fail(events chan<- NotifyEvent, err error) {
	ch.setState(StateFailed)
	ch.emit(events, NotifyEvent{Type: NotifyError, Err: err})
}

// emit queues ev for the handler. It gives up when the channel is dropped.
func (ch *NotificationChannel) emit(events chan<- NotifyEvent, ev NotifyEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ch.dropped:
		return false
	}
}

func writeClose(conn wsConn, code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, x.TruncateUTF8(reason, maxCloseReasonBytes))
	return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
}

func isClosedError(err error) bool {
	return errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed)
}

func isTimeoutOrEOF(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) && closeErr.Code == websocket.CloseAbnormalClosure
}

var _ wsConn = (*websocket.Conn)(nil)
