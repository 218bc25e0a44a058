// Package transport moves encoded request frames to a server and brings the
// response frames back.
//
// Socket transporters keep a pool of connections per endpoint and come in
// two strategies:
//
//	half-duplex:  one request in flight per connection
//	              caller ─Send─→ idle conn ─write/read─→ back to idle
//
//	full-duplex:  up to 10 requests in flight per connection, matched by id
//	              caller-1 ─Send(id=1)─┐
//	              caller-2 ─Send(id=2)─┼─→ conn ─→ server
//	              caller-3 ─Send(id=3)─┘
//	              recvLoop ←─ response(id=2) → pending[2] → caller-2 wakes up
//
// HTTP and WebSocket transporters implement the same interface.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"zibra/logger"
	"zibra/message"
	"zibra/protocol"
)

// Transporter sends one encoded request and returns the encoded response.
// Implementations are safe for concurrent use.
type Transporter interface {
	// Send blocks until the response arrives, the timeout elapses (Timeout
	// error) or ctx is done. A timeout of zero uses the transporter default.
	Send(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error)
	Close() error
}

// Options configures every transporter kind; fields a kind has no use for are ignored.
type Options struct {
	FullDuplex     bool
	MaxPoolSize    int           // max connections per endpoint (socket) or idle conns per host (http)
	IdleTimeout    time.Duration // close connections unused this long
	ConnectTimeout time.Duration // bounds dialing and waiting for a free connection
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Timeout        time.Duration // default per-request timeout
	TLSConfig      *tls.Config
	Header         http.Header // extra headers for http and ws
	Logger         *logrus.Entry
}

const (
	DefaultMaxPoolSize = 10
	// MaxOutstanding is the number of requests a full-duplex connection carries at once.
	MaxOutstanding = 10
)

func (o Options) withDefaults() Options {
	if o.MaxPoolSize <= 0 {
		o.MaxPoolSize = DefaultMaxPoolSize
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.WithPrefix("transport")
	}
	return o
}

// sweepInterval is the smallest configured timeout, floored at one second.
// IdleTimeout counts too, so idle connections are closed on time.
func (o Options) sweepInterval() time.Duration {
	interval := time.Duration(0)
	for _, d := range []time.Duration{o.Timeout, o.ConnectTimeout, o.ReadTimeout, o.WriteTimeout, o.IdleTimeout} {
		if d > 0 && (interval == 0 || d < interval) {
			interval = d
		}
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// New picks a transporter by URI scheme:
// tcp, tcp4, tcp6 and unix use sockets, http and https use HTTP POST,
// ws and wss use WebSocket.
func New(uri string, opts Options) (Transporter, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		return NewSocketTransporter(u.Scheme, u.Host, opts), nil
	case "unix":
		return NewSocketTransporter("unix", u.Path, opts), nil
	case "http", "https":
		return NewHTTPTransporter(uri, opts), nil
	case "ws", "wss":
		return NewWebSocketTransporter(uri, opts), nil
	}
	return nil, fmt.Errorf("unsupported scheme %q in %q", u.Scheme, uri)
}

// NewSocketTransporter returns a full- or half-duplex transporter depending on opts.FullDuplex.
func NewSocketTransporter(network, address string, opts Options) Transporter {
	if opts.FullDuplex {
		return NewFullDuplexTransporter(network, address, opts)
	}
	return NewHalfDuplexTransporter(network, address, opts)
}

type result struct {
	data []byte
	err  error
}

// request is one pending call. It is settled exactly once.
type request struct {
	id       uint32
	payload  []byte
	deadline time.Time
	queuedAt time.Time
	conn     *poolConn // set once assigned, guarded by the pool lock

	once    sync.Once
	settled atomic.Bool
	done    chan result
}

func newRequest(id uint32, payload []byte, timeout time.Duration) *request {
	now := time.Now()
	return &request{
		id:       id,
		payload:  payload,
		deadline: now.Add(timeout),
		queuedAt: now,
		done:     make(chan result, 1),
	}
}

func (r *request) resolve(data []byte) {
	r.settle(result{data: data})
}

func (r *request) reject(err error) {
	r.settle(result{err: err})
}

func (r *request) settle(res result) {
	r.once.Do(func() {
		r.settled.Store(true)
		r.done <- res
	})
}

func (r *request) expired(now time.Time) bool {
	return now.After(r.deadline)
}

func timeoutError() error {
	return message.Errorf(message.KindTimeout, "request timed out")
}

// ctxError turns a finished context into the error a caller should see.
func ctxError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return message.Wrap(message.KindTimeout, ctx.Err(), "request timed out")
	}
	return ctx.Err()
}

// nextID hands out 31-bit correlation ids.
type idGenerator struct {
	n atomic.Uint32
}

func (g *idGenerator) next() uint32 {
	return g.n.Add(1) & protocol.IDMask
}
