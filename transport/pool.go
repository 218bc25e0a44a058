package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"zibra/message"
)

// strategy is what differs between half- and full-duplex transporters.
type strategy interface {
	// capacity is how many requests a connection may carry at once.
	capacity() int
	// opened runs once per new connection, before any request is written to it.
	opened(c *poolConn)
	// write sends r on c. It is called without the pool lock held.
	write(c *poolConn, r *request)
	// closeOnExpiry reports whether an expired in-flight request poisons its connection.
	closeOnExpiry() bool
}

// poolConn wraps a net.Conn with pool bookkeeping. Everything except the
// embedded conn and writeMu is guarded by the pool lock.
type poolConn struct {
	net.Conn
	writeMu    sync.Mutex
	pending    map[uint32]*request
	lastActive time.Time
	idle       bool // listed in socketPool.idle
	closed     bool
}

// Stats is a snapshot of a socket transporter.
type Stats struct {
	Conns          int // open connections
	Idle           int // connections able to take another request
	Dialing        int
	Queued         int // requests waiting for a connection
	InFlight       int // requests written and not yet answered
	MaxOutstanding int // highest number of requests ever carried by one connection at once
}

// socketPool is the pool/queue scaffold shared by both socket strategies.
//
// Dispatch policy: a queued request goes to an idle connection when there is
// one, otherwise a new connection is dialed for it if the pool is below
// MaxPoolSize, otherwise it waits in the queue until a connection frees up or
// ConnectTimeout passes.
type socketPool struct {
	network string
	address string
	opts    Options
	log     *logrus.Entry
	strat   strategy
	ids     idGenerator

	mu             sync.Mutex
	conns          map[*poolConn]struct{}
	idle           []*poolConn
	queue          []*request
	dialing        int
	maxOutstanding int
	closed         bool
	done           chan struct{}
}

func newSocketPool(network, address string, opts Options, strat strategy) *socketPool {
	opts = opts.withDefaults()
	p := &socketPool{
		network: network,
		address: address,
		opts:    opts,
		log:     opts.Logger.WithField("address", address),
		strat:   strat,
		conns:   make(map[*poolConn]struct{}),
		done:    make(chan struct{}),
	}
	go p.sweepLoop(opts.sweepInterval())
	return p
}

// Send queues payload and waits for its response.
func (p *socketPool) Send(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = p.opts.Timeout
	}
	r := newRequest(p.ids.next(), payload, timeout)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, message.ErrClosed
	}
	p.queue = append(p.queue, r)
	work := p.dispatchLocked()
	p.mu.Unlock()
	run(work)

	select {
	case res := <-r.done:
		return res.data, res.err
	case <-ctx.Done():
		r.reject(ctxError(ctx))
		p.abandon(r)
		res := <-r.done
		return res.data, res.err
	}
}

// dispatchLocked hands queued requests to connections. It returns the
// follow-up actions (writes, dials) to run once the lock is released.
func (p *socketPool) dispatchLocked() []func() {
	var work []func()
	for len(p.queue) > 0 {
		r := p.queue[0]
		if r.settled.Load() {
			p.queue = p.queue[1:]
			continue
		}
		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.queue = p.queue[1:]
			p.assignLocked(c, r)
			work = append(work, func() { p.strat.write(c, r) })
			continue
		}
		if len(p.conns)+p.dialing < p.opts.MaxPoolSize {
			p.queue = p.queue[1:]
			p.dialing++
			work = append(work, func() { go p.dial(r) })
			continue
		}
		break
	}
	return work
}

func (p *socketPool) assignLocked(c *poolConn, r *request) {
	r.conn = c
	c.pending[r.id] = r
	c.lastActive = time.Now()
	if n := len(c.pending); n > p.maxOutstanding {
		p.maxOutstanding = n
	}
	if len(c.pending) >= p.strat.capacity() {
		p.removeIdleLocked(c)
	}
}

// untrackLocked forgets request id on c and recycles c if it has room again.
func (p *socketPool) untrackLocked(c *poolConn, id uint32) {
	if _, ok := c.pending[id]; !ok {
		return
	}
	delete(c.pending, id)
	c.lastActive = time.Now()
	if !c.closed && !c.idle && len(c.pending) < p.strat.capacity() {
		c.idle = true
		p.idle = append(p.idle, c)
	}
}

func (p *socketPool) removeIdleLocked(c *poolConn) {
	if !c.idle {
		return
	}
	c.idle = false
	for i, ic := range p.idle {
		if ic == c {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

func (p *socketPool) dial(r *request) {
	d := net.Dialer{Timeout: p.opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.Dial(p.network, p.address)

	p.mu.Lock()
	p.dialing--
	if err != nil {
		work := p.dispatchLocked()
		p.mu.Unlock()
		p.log.WithError(err).Debug("dial failed")
		r.reject(message.Wrap(message.KindConnectFailure, err, "dial "+p.address))
		run(work)
		return
	}
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		r.reject(message.ErrClosed)
		return
	}
	c := &poolConn{Conn: conn, pending: make(map[uint32]*request), lastActive: time.Now()}
	p.conns[c] = struct{}{}
	c.idle = true
	p.idle = append(p.idle, c)
	assigned := !r.settled.Load()
	if assigned {
		p.assignLocked(c, r)
	}
	work := p.dispatchLocked()
	p.mu.Unlock()

	p.strat.opened(c)
	if assigned {
		p.strat.write(c, r)
	}
	run(work)
}

// complete settles the request answered on c and frees its slot.
func (p *socketPool) complete(c *poolConn, id uint32, body []byte) {
	p.mu.Lock()
	r := c.pending[id]
	p.untrackLocked(c, id)
	work := p.dispatchLocked()
	p.mu.Unlock()
	if r != nil {
		r.resolve(body)
	}
	run(work)
}

// discard closes c and rejects every request still pending on it.
func (p *socketPool) discard(c *poolConn, err error) {
	p.mu.Lock()
	if c.closed {
		p.mu.Unlock()
		return
	}
	pending := p.closeLocked(c)
	work := p.dispatchLocked()
	p.mu.Unlock()

	c.Conn.Close()
	for _, r := range pending {
		r.reject(err)
	}
	run(work)
}

func (p *socketPool) closeLocked(c *poolConn) map[uint32]*request {
	c.closed = true
	delete(p.conns, c)
	p.removeIdleLocked(c)
	pending := c.pending
	c.pending = make(map[uint32]*request)
	return pending
}

// abandon withdraws r after its caller stopped waiting.
func (p *socketPool) abandon(r *request) {
	var poisoned *poolConn
	p.mu.Lock()
	for i, q := range p.queue {
		if q == r {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	if c := r.conn; c != nil && !c.closed && c.pending[r.id] == r {
		if p.strat.closeOnExpiry() {
			poisoned = c
		} else {
			p.untrackLocked(c, r.id)
		}
	}
	work := p.dispatchLocked()
	p.mu.Unlock()
	run(work)
	if poisoned != nil {
		p.discard(poisoned, timeoutError())
	}
}

func (p *socketPool) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

// sweep rejects expired requests and closes connections idle for too long.
func (p *socketPool) sweep(now time.Time) {
	var (
		expired  []*request
		poisoned []*poolConn
		stale    []*poolConn
	)
	p.mu.Lock()
	queue := p.queue[:0]
	for _, r := range p.queue {
		switch {
		case r.settled.Load():
		case r.expired(now) || now.Sub(r.queuedAt) > p.opts.ConnectTimeout:
			expired = append(expired, r)
		default:
			queue = append(queue, r)
		}
	}
	p.queue = queue

	for c := range p.conns {
		bad := false
		for id, r := range c.pending {
			if r.expired(now) {
				expired = append(expired, r)
				if p.strat.closeOnExpiry() {
					bad = true
				} else {
					p.untrackLocked(c, id)
				}
			}
		}
		if bad {
			poisoned = append(poisoned, c)
		}
	}

	if p.opts.IdleTimeout > 0 {
		for _, c := range p.idle {
			if len(c.pending) == 0 && now.Sub(c.lastActive) > p.opts.IdleTimeout {
				stale = append(stale, c)
			}
		}
		for _, c := range stale {
			p.closeLocked(c)
		}
	}
	work := p.dispatchLocked()
	p.mu.Unlock()

	for _, r := range expired {
		r.reject(timeoutError())
	}
	for _, c := range poisoned {
		p.discard(c, timeoutError())
	}
	for _, c := range stale {
		c.Conn.Close()
	}
	if len(stale) > 0 {
		p.log.WithField("count", len(stale)).Debug("closed idle connections")
	}
	run(work)
}

// Stats returns a snapshot of the pool.
func (p *socketPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Conns:          len(p.conns),
		Idle:           len(p.idle),
		Dialing:        p.dialing,
		Queued:         len(p.queue),
		MaxOutstanding: p.maxOutstanding,
	}
	for c := range p.conns {
		s.InFlight += len(c.pending)
	}
	return s
}

// Close rejects everything queued or in flight and closes all connections.
func (p *socketPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	queue := p.queue
	p.queue = nil
	var conns []*poolConn
	var pending []*request
	for c := range p.conns {
		conns = append(conns, c)
		for _, r := range p.closeLocked(c) {
			pending = append(pending, r)
		}
	}
	p.mu.Unlock()

	for _, r := range append(queue, pending...) {
		r.reject(message.ErrClosed)
	}
	var result *multierror.Error
	for _, c := range conns {
		if err := c.Conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func run(work []func()) {
	for _, w := range work {
		w()
	}
}
