package ctnclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWaitTimeout = 5 * time.Second

const testNewMsgNotification = `{"messageId":"mdDzw65xix5CJRMCTDKd","from":{"deviceId":"d8YpQ7jgPBJEkBrnvp58"},"receivedDate":"2020-12-10T20:38:48Z"}`

// notifyPeer is a websocket endpoint speaking the server side of the notification protocol.
type notifyPeer struct {
	srv *httptest.Server

	paths chan string
	auth  chan notifyChannelAuthenticationSchema
}

func newNotifyPeer(t *testing.T, script func(conn *websocket.Conn)) *notifyPeer {
	t.Helper()

	p := &notifyPeer{
		paths: make(chan string, 1),
		auth:  make(chan notifyChannelAuthenticationSchema, 1),
	}

	upgrader := websocket.Upgrader{Subprotocols: []string{notifyWSProtocol}}

	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		p.paths <- r.URL.Path

		typ, data, err := conn.ReadMessage()
		if err != nil || typ != websocket.TextMessage {
			return
		}

		var auth notifyChannelAuthenticationSchema
		if json.Unmarshal(data, &auth) != nil {
			return
		}
		p.auth <- auth

		script(conn)
	}))
	t.Cleanup(p.srv.Close)

	return p
}

func (p *notifyPeer) client() *Client {
	c := New(testAccessSecret, testDeviceID)
	c.Host = strings.TrimPrefix(p.srv.URL, "http://")
	c.Secure = false
	c.Now = func() time.Time { return testSignTime }
	return c
}

// readPeerClose reads until the client's close frame arrives.
func readPeerClose(conn *websocket.Conn) *websocket.CloseError {
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr
		}
		return nil
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []NotifyEvent
	notify chan NotifyEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{notify: make(chan NotifyEvent, 64)}
}

func (r *eventRecorder) handle(ev NotifyEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.notify <- ev
}

func (r *eventRecorder) types() []NotifyEventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]NotifyEventType, 0, len(r.events))
	for _, ev := range r.events {
		res = append(res, ev.Type)
	}
	return res
}

func (r *eventRecorder) last() NotifyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *eventRecorder) await(t *testing.T, typ NotifyEventType) NotifyEvent {
	t.Helper()

	for {
		select {
		case ev := <-r.notify:
			if ev.Type == typ {
				return ev
			}
		case <-time.After(testWaitTimeout):
			t.Fatalf("no %s event received", typ)
			return NotifyEvent{}
		}
	}
}

func awaitDone(t *testing.T, ch *NotificationChannel) {
	t.Helper()

	select {
	case <-ch.Done():
	case <-time.After(testWaitTimeout):
		t.Fatalf("notification channel did not terminate (state %s)", ch.State())
	}
}

func TestNotificationChannelDeliversInOrder(t *testing.T) {
	peer := newNotifyPeer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(notifyChannelOpen))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(testNewMsgNotification))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		readPeerClose(conn)
	})

	rec := newEventRecorder()
	ch := peer.client().NewNotificationChannel(EventNewMsgReceived)

	require.NoError(t, ch.Open(context.Background(), rec.handle))
	awaitDone(t, ch)

	require.Equal(t, []NotifyEventType{NotifyOpen, NotifyMessage, NotifyClose}, rec.types())

	msg := rec.events[1].Message
	require.NotNil(t, msg)
	assert.Equal(t, KindNewMessageReceived, msg.Kind)
	assert.Equal(t, "mdDzw65xix5CJRMCTDKd", msg.NewMessageReceived.MessageID)

	closeInfo := rec.last().Close
	require.NotNil(t, closeInfo)
	assert.Equal(t, websocket.CloseNormalClosure, closeInfo.Code)
	assert.Equal(t, "bye", closeInfo.Reason)

	assert.Equal(t, StateClosed, ch.State())
	assert.Equal(t, "/api/0.11/notify/ws/new-msg-received", <-peer.paths)
}

func TestNotificationChannelAuthenticationFrame(t *testing.T) {
	peer := newNotifyPeer(t, func(conn *websocket.Conn) {
		readPeerClose(conn)
	})

	c := peer.client()
	ch := c.NewNotificationChannel(EventNewMsgReceived)
	require.NoError(t, ch.Open(context.Background(), func(NotifyEvent) {}))

	var auth notifyChannelAuthenticationSchema
	select {
	case auth = <-peer.auth:
	case <-time.After(testWaitTimeout):
		t.Fatal("no authentication frame received")
	}

	assert.Equal(t, "20201210T203848Z", auth.XBcotTimestamp)

	req, err := http.NewRequest(http.MethodGet, "http://"+c.Host+"/api/0.11/notify/ws/new-msg-received", nil)
	require.NoError(t, err)
	require.NoError(t, NewRequestSigner(testAccessSecret, testDeviceID).Sign(req, testSignTime))
	assert.Equal(t, req.Header.Get("Authorization"), auth.Authorization)

	ch.Drop()
	awaitDone(t, ch)
}

func TestNotificationChannelAuthenticationFrameFixture(t *testing.T) {
	conn := newFakeWSConn()

	c := New(testAccessSecret, testDeviceID)
	c.Now = func() time.Time { return testSignTime }

	var dialed string
	ch := c.NewNotificationChannel(EventNewMsgReceived)
	ch.dial = func(ctx context.Context, urlStr string) (wsConn, error) {
		dialed = urlStr
		return conn, nil
	}

	require.NoError(t, ch.Open(context.Background(), func(NotifyEvent) {}))

	assert.Equal(t, "wss://catenis.io/api/0.11/notify/ws/new-msg-received", dialed)

	written := conn.writtenMessages()
	require.Len(t, written, 1)
	assert.JSONEq(t, `{
		"x-bcot-timestamp": "20201210T203848Z",
		"authorization": "CTN1-HMAC-SHA256 Credential=drc3XdxNtzoucpw9xiRp/20201210/ctn1_request,Signature=b8aaec05f7418e67b78046cb7d0c5ae29754b864c6d24e2dcabafe795a50b7c9"
	}`, string(written[0]))

	ch.Drop()
	awaitDone(t, ch)
}

func TestNotificationChannelSandboxAuthentication(t *testing.T) {
	conn := newFakeWSConn()

	c := New(testAccessSecret, testDeviceID)
	c.Environment = EnvSandbox
	c.Now = func() time.Time { return testSignTime }

	var dialed string
	ch := c.NewNotificationChannel(EventNewMsgReceived)
	ch.dial = func(ctx context.Context, urlStr string) (wsConn, error) {
		dialed = urlStr
		return conn, nil
	}

	require.NoError(t, ch.Open(context.Background(), func(NotifyEvent) {}))

	assert.Equal(t, "wss://sandbox.catenis.io/api/0.11/notify/ws/new-msg-received", dialed)

	var auth notifyChannelAuthenticationSchema
	require.NoError(t, json.Unmarshal(conn.writtenMessages()[0], &auth))
	assert.Equal(t, "CTN1-HMAC-SHA256 Credential=drc3XdxNtzoucpw9xiRp/20201210/ctn1_request,"+
		"Signature=bc2e8fc995608bc2ffd000daa798fb2a19dbaa4835ba3351a68fffc9ea0f0fd7", auth.Authorization)

	ch.Drop()
	awaitDone(t, ch)
}

func TestNotificationChannelUnexpectedText(t *testing.T) {
	peerClose := make(chan *websocket.CloseError, 1)

	peer := newNotifyPeer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(notifyChannelOpen))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		peerClose <- readPeerClose(conn)
	})

	rec := newEventRecorder()
	ch := peer.client().NewNotificationChannel(EventNewMsgReceived)

	require.NoError(t, ch.Open(context.Background(), rec.handle))
	awaitDone(t, ch)

	assert.Equal(t, []NotifyEventType{NotifyOpen, NotifyError}, rec.types())
	assert.ErrorIs(t, rec.last().Err, ErrProtocol)
	assert.Equal(t, StateFailed, ch.State())

	select {
	case closeErr := <-peerClose:
		require.NotNil(t, closeErr)
		assert.Equal(t, CloseCodeUnexpectedMessage, closeErr.Code)
		assert.Equal(t, "Unexpected notification message received: garbage", closeErr.Text)
	case <-time.After(testWaitTimeout):
		t.Fatal("peer did not receive a close frame")
	}
}

func TestNotificationChannelUnexpectedBinary(t *testing.T) {
	peerClose := make(chan *websocket.CloseError, 1)

	peer := newNotifyPeer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		peerClose <- readPeerClose(conn)
	})

	rec := newEventRecorder()
	ch := peer.client().NewNotificationChannel(EventNewMsgReceived)

	require.NoError(t, ch.Open(context.Background(), rec.handle))
	awaitDone(t, ch)

	assert.Equal(t, []NotifyEventType{NotifyError}, rec.types())
	assert.ErrorIs(t, rec.last().Err, ErrProtocol)
	assert.Equal(t, StateFailed, ch.State())

	select {
	case closeErr := <-peerClose:
		require.NotNil(t, closeErr)
		assert.Equal(t, websocket.CloseUnsupportedData, closeErr.Code)
		assert.Equal(t, "Unexpected binary message received: [1, 2, 3]", closeErr.Text)
	case <-time.After(testWaitTimeout):
		t.Fatal("peer did not receive a close frame")
	}
}

func TestNotificationChannelCloseReasonIsTruncated(t *testing.T) {
	conn := newFakeWSConn()
	conn.frames <- wsFrame{typ: websocket.TextMessage, data: []byte(strings.Repeat("x", 300))}

	rec := newEventRecorder()
	ch := newFakeChannel(conn)

	require.NoError(t, ch.Open(context.Background(), rec.handle))
	awaitDone(t, ch)

	controls := conn.controlMessages()
	require.Len(t, controls, 1)
	assert.Equal(t, CloseCodeUnexpectedMessage, int(controls[0][0])<<8|int(controls[0][1]))
	assert.Len(t, controls[0], 2+maxCloseReasonBytes)
}

func TestNotificationChannelOwnerClose(t *testing.T) {
	peerClose := make(chan *websocket.CloseError, 1)

	peer := newNotifyPeer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(notifyChannelOpen))
		peerClose <- readPeerClose(conn)
	})

	rec := newEventRecorder()
	ch := peer.client().NewNotificationChannel(EventNewMsgReceived)

	require.NoError(t, ch.Open(context.Background(), rec.handle))
	rec.await(t, NotifyOpen)
	assert.Equal(t, StateOpen, ch.State())

	ch.Close()
	awaitDone(t, ch)

	assert.Equal(t, StateClosed, ch.State())
	assert.NotContains(t, rec.types(), NotifyError)

	select {
	case closeErr := <-peerClose:
		require.NotNil(t, closeErr)
		assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	case <-time.After(testWaitTimeout):
		t.Fatal("peer did not receive a close frame")
	}
}

func TestNotificationChannelCloseTimeout(t *testing.T) {
	conn := newFakeWSConn()
	conn.frames <- wsFrame{typ: websocket.TextMessage, data: []byte(notifyChannelOpen)}

	rec := newEventRecorder()
	ch := newFakeChannel(conn)
	ch.client.CloseTimeout = 50 * time.Millisecond

	require.NoError(t, ch.Open(context.Background(), rec.handle))
	rec.await(t, NotifyOpen)

	ch.Close()
	awaitDone(t, ch)

	assert.Equal(t, StateClosed, ch.State())
	assert.Equal(t, []NotifyEventType{NotifyOpen}, rec.types())
	assert.Len(t, conn.controlMessages(), 1)
	assert.True(t, conn.isClosed())
}

func TestNotificationChannelCloseAlreadyClosed(t *testing.T) {
	conn := newFakeWSConn()
	conn.controlErr = websocket.ErrCloseSent
	conn.frames <- wsFrame{typ: websocket.TextMessage, data: []byte(notifyChannelOpen)}

	rec := newEventRecorder()
	ch := newFakeChannel(conn)

	require.NoError(t, ch.Open(context.Background(), rec.handle))
	rec.await(t, NotifyOpen)

	ch.Close()
	awaitDone(t, ch)

	assert.Equal(t, StateClosed, ch.State())
	assert.Equal(t, []NotifyEventType{NotifyOpen}, rec.types())
}

func TestNotificationChannelCloseBeforeOpen(t *testing.T) {
	ch := newFakeChannel(newFakeWSConn())

	ch.Close()

	assert.Equal(t, StateIdle, ch.State())
	select {
	case <-ch.Done():
		t.Fatal("channel terminated without being opened")
	default:
	}
}

func TestNotificationChannelDropBeforeOpen(t *testing.T) {
	conn := newFakeWSConn()
	ch := newFakeChannel(conn)

	ch.Drop()

	err := ch.Open(context.Background(), func(NotifyEvent) {})
	assert.ErrorIs(t, err, ErrChannelClosed)

	awaitDone(t, ch)
	assert.Equal(t, StateClosed, ch.State())
	assert.Empty(t, conn.writtenMessages())
}

func TestNotificationChannelDropAfterOpen(t *testing.T) {
	peerErr := make(chan error, 1)

	peer := newNotifyPeer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(notifyChannelOpen))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				peerErr <- err
				return
			}
		}
	})

	rec := newEventRecorder()
	ch := peer.client().NewNotificationChannel(EventNewMsgReceived)

	require.NoError(t, ch.Open(context.Background(), rec.handle))
	rec.await(t, NotifyOpen)

	ch.Drop()
	awaitDone(t, ch)

	assert.Equal(t, StateClosed, ch.State())
	assert.Equal(t, []NotifyEventType{NotifyOpen}, rec.types())

	select {
	case err := <-peerErr:
		// no close frame, the connection just goes away
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			assert.Equal(t, websocket.CloseAbnormalClosure, closeErr.Code)
		}
	case <-time.After(testWaitTimeout):
		t.Fatal("peer connection was not torn down")
	}
}

func TestNotificationChannelDropDiscardsQueuedEvents(t *testing.T) {
	conn := newFakeWSConn()
	conn.frames <- wsFrame{typ: websocket.TextMessage, data: []byte(notifyChannelOpen)}
	conn.frames <- wsFrame{typ: websocket.TextMessage, data: []byte(testNewMsgNotification)}
	conn.frames <- wsFrame{typ: websocket.TextMessage, data: []byte(testNewMsgNotification)}

	release := make(chan struct{})

	var mu sync.Mutex
	var handled []NotifyEventType

	ch := newFakeChannel(conn)
	require.NoError(t, ch.Open(context.Background(), func(ev NotifyEvent) {
		mu.Lock()
		handled = append(handled, ev.Type)
		mu.Unlock()
		<-release
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, testWaitTimeout, 5*time.Millisecond)

	ch.Drop()
	close(release)
	awaitDone(t, ch)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []NotifyEventType{NotifyOpen}, handled)
	assert.Empty(t, conn.controlMessages())
}

func TestNotificationChannelDropAbortsDial(t *testing.T) {
	dialing := make(chan struct{})

	ch := newFakeChannel(nil)
	ch.dial = func(ctx context.Context, urlStr string) (wsConn, error) {
		close(dialing)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(testWaitTimeout):
			return nil, errors.New("dial was not cancelled")
		}
	}

	openErr := make(chan error, 1)
	go func() {
		openErr <- ch.Open(context.Background(), func(NotifyEvent) {})
	}()

	select {
	case <-dialing:
	case <-time.After(testWaitTimeout):
		t.Fatal("dial not started")
	}
	assert.Equal(t, StateConnecting, ch.State())

	started := time.Now()
	ch.Drop()

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatalf("notification channel did not terminate after drop (state %s)", ch.State())
	}
	assert.Less(t, time.Since(started), time.Second)

	assert.ErrorIs(t, <-openErr, ErrChannelClosed)
	assert.Equal(t, StateClosed, ch.State())
}

func TestNotificationChannelDropWhenDone(t *testing.T) {
	conn := newFakeWSConn()
	conn.frames <- wsFrame{typ: websocket.TextMessage, data: []byte(notifyChannelOpen)}

	rec := newEventRecorder()
	ch := newFakeChannel(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch.DropWhenDone(ctx)

	require.NoError(t, ch.Open(context.Background(), rec.handle))
	rec.await(t, NotifyOpen)

	cancel()
	awaitDone(t, ch)

	assert.Equal(t, StateClosed, ch.State())
	assert.Empty(t, conn.controlMessages())
	assert.True(t, conn.isClosed())
}

func TestNotificationChannelDropWhenDoneStop(t *testing.T) {
	conn := newFakeWSConn()
	ch := newFakeChannel(conn)

	ctx, cancel := context.WithCancel(context.Background())

	stop := ch.DropWhenDone(ctx)
	assert.True(t, stop())

	require.NoError(t, ch.Open(context.Background(), func(NotifyEvent) {}))
	cancel()

	assert.Never(t, func() bool { return ch.isDropped() }, 100*time.Millisecond, 10*time.Millisecond)

	ch.Drop()
	awaitDone(t, ch)
}

func TestNotificationChannelConnectionFailure(t *testing.T) {
	conn := newFakeWSConn()
	conn.frames <- wsFrame{typ: websocket.TextMessage, data: []byte(notifyChannelOpen)}
	conn.frames <- wsFrame{err: errors.New("connection reset by peer")}

	rec := newEventRecorder()
	ch := newFakeChannel(conn)

	require.NoError(t, ch.Open(context.Background(), rec.handle))
	awaitDone(t, ch)

	assert.Equal(t, []NotifyEventType{NotifyOpen, NotifyError}, rec.types())
	assert.ErrorIs(t, rec.last().Err, ErrClient)
	assert.Equal(t, StateFailed, ch.State())
}

func TestNotificationChannelAbnormalClosure(t *testing.T) {
	conn := newFakeWSConn()
	conn.frames <- wsFrame{err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "unexpected EOF"}}

	rec := newEventRecorder()
	ch := newFakeChannel(conn)

	require.NoError(t, ch.Open(context.Background(), rec.handle))
	awaitDone(t, ch)

	assert.Equal(t, []NotifyEventType{NotifyError}, rec.types())
	assert.Equal(t, StateFailed, ch.State())
}

func TestNotificationChannelDialFailure(t *testing.T) {
	ch := newFakeChannel(nil)
	ch.dial = func(ctx context.Context, urlStr string) (wsConn, error) {
		return nil, errors.New("connection refused")
	}

	err := ch.Open(context.Background(), func(NotifyEvent) {})
	assert.ErrorIs(t, err, ErrConnect)

	awaitDone(t, ch)
	assert.Equal(t, StateFailed, ch.State())
}

func TestNotificationChannelInvalidHost(t *testing.T) {
	ch := newFakeChannel(newFakeWSConn())
	ch.client.Host = ""

	err := ch.Open(context.Background(), func(NotifyEvent) {})
	assert.ErrorIs(t, err, ErrInvalidHost)
	assert.Equal(t, StateFailed, ch.State())
}

func TestNotificationChannelOpenTwice(t *testing.T) {
	conn := newFakeWSConn()
	ch := newFakeChannel(conn)

	require.NoError(t, ch.Open(context.Background(), func(NotifyEvent) {}))

	err := ch.Open(context.Background(), func(NotifyEvent) {})
	assert.ErrorIs(t, err, ErrClient)
	assert.NotErrorIs(t, err, ErrChannelClosed)

	ch.Drop()
	awaitDone(t, ch)
}

func TestChannelStateString(t *testing.T) {
	assert.Equal(t, "Authenticating", StateAuthenticating.String())
	assert.Equal(t, "ChannelState(42)", ChannelState(42).String())
	assert.Equal(t, "Notify", NotifyMessage.String())
}

func newFakeChannel(conn *fakeWSConn) *NotificationChannel {
	c := New(testAccessSecret, testDeviceID)
	c.Now = func() time.Time { return testSignTime }

	ch := c.NewNotificationChannel(EventNewMsgReceived)
	ch.dial = func(ctx context.Context, urlStr string) (wsConn, error) {
		return conn, nil
	}
	return ch
}

type fakeWSConn struct {
	frames     chan wsFrame
	controlErr error

	mu       sync.Mutex
	written  [][]byte
	controls [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeWSConn() *fakeWSConn {
	return &fakeWSConn{
		frames: make(chan wsFrame, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeWSConn) ReadMessage() (int, []byte, error) {
	select {
	case fr := <-f.frames:
		return fr.typ, fr.data, fr.err
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeWSConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeWSConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if f.controlErr != nil {
		return f.controlErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, data)
	return nil
}

func (f *fakeWSConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWSConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeWSConn) writtenMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeWSConn) controlMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.controls...)
}
