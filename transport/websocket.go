package transport

import (
	"context"
	"encoding/binary"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"zibra/message"
)

// WebSocketTransporter is full duplex over a single WebSocket connection.
// Each binary message is a 4-byte big-endian id followed by the frame.
type WebSocketTransporter struct {
	uri     string
	dialer  *websocket.Dialer
	header  http.Header
	timeout time.Duration
	log     *logrus.Entry
	ids     idGenerator

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint32]*request
	closed  bool
	done    chan struct{}

	writeMu sync.Mutex
}

func NewWebSocketTransporter(uri string, opts Options) *WebSocketTransporter {
	opts = opts.withDefaults()
	t := &WebSocketTransporter{
		uri: uri,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.ConnectTimeout,
			TLSClientConfig:  opts.TLSConfig,
		},
		header:  opts.Header,
		timeout: opts.Timeout,
		log:     opts.Logger.WithField("uri", uri),
		pending: make(map[uint32]*request),
		done:    make(chan struct{}),
	}
	go t.sweepLoop(opts.sweepInterval())
	return t
}

func (t *WebSocketTransporter) Send(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = t.timeout
	}
	conn, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	r := newRequest(t.ids.next(), payload, timeout)

	t.mu.Lock()
	t.pending[r.id] = r
	t.mu.Unlock()

	msg := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(msg, r.id)
	copy(msg[4:], payload)

	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, msg)
	t.writeMu.Unlock()
	if err != nil {
		t.drop(conn, err)
	}

	select {
	case res := <-r.done:
		return res.data, res.err
	case <-ctx.Done():
		r.reject(ctxError(ctx))
		t.mu.Lock()
		delete(t.pending, r.id)
		t.mu.Unlock()
		res := <-r.done
		return res.data, res.err
	}
}

func (t *WebSocketTransporter) connect(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, message.ErrClosed
	}
	if t.conn != nil {
		return t.conn, nil
	}
	conn, _, err := t.dialer.DialContext(ctx, t.uri, t.header)
	if err != nil {
		return nil, message.Wrap(message.KindConnectFailure, err, "dial "+t.uri)
	}
	t.conn = conn
	go t.readLoop(conn)
	return conn, nil
}

func (t *WebSocketTransporter) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.drop(conn, err)
			return
		}
		if len(data) < 4 {
			t.drop(conn, message.Errorf(message.KindProtocol, "websocket message too short"))
			return
		}
		id := binary.BigEndian.Uint32(data)
		t.mu.Lock()
		r := t.pending[id]
		delete(t.pending, id)
		t.mu.Unlock()
		if r != nil {
			r.resolve(data[4:])
		}
	}
}

// drop forgets conn and rejects everything sent on it.
func (t *WebSocketTransporter) drop(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	pending := t.pending
	t.pending = make(map[uint32]*request)
	t.mu.Unlock()

	conn.Close()
	for _, r := range pending {
		r.reject(err)
	}
	t.log.WithError(err).Debug("websocket connection dropped")
}

func (t *WebSocketTransporter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			var expired []*request
			t.mu.Lock()
			for id, r := range t.pending {
				if r.expired(now) {
					delete(t.pending, id)
					expired = append(expired, r)
				}
			}
			t.mu.Unlock()
			for _, r := range expired {
				r.reject(timeoutError())
			}
		}
	}
}

func (t *WebSocketTransporter) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	t.conn = nil
	pending := t.pending
	t.pending = make(map[uint32]*request)
	t.mu.Unlock()

	for _, r := range pending {
		r.reject(message.ErrClosed)
	}
	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return conn.Close()
}
