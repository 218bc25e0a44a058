package transport

import (
	"time"

	"zibra/message"
	"zibra/protocol"
)

// FullDuplexTransporter multiplexes up to MaxOutstanding requests over each
// connection. Every request gets a 31-bit id and a background goroutine
// (recvLoop) per connection routes responses back by id, in whatever order
// they arrive. A full connection takes no new requests; they go to another
// connection or wait in the queue.
type FullDuplexTransporter struct {
	*socketPool
}

func NewFullDuplexTransporter(network, address string, opts Options) *FullDuplexTransporter {
	opts.FullDuplex = true
	t := &FullDuplexTransporter{}
	t.socketPool = newSocketPool(network, address, opts, fullDuplex{t})
	return t
}

type fullDuplex struct {
	t *FullDuplexTransporter
}

func (fullDuplex) capacity() int { return MaxOutstanding }

func (fullDuplex) closeOnExpiry() bool { return false }

func (f fullDuplex) opened(c *poolConn) {
	go f.recvLoop(c)
}

// write serializes frame writes on c. Without the lock, concurrent writes
// would interleave bytes from different requests.
func (f fullDuplex) write(c *poolConn, r *request) {
	p := f.t.socketPool
	h := protocol.Header{FullDuplex: true, ID: r.id, BodyLen: uint32(len(r.payload))}

	c.writeMu.Lock()
	if p.opts.WriteTimeout > 0 {
		c.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	}
	err := protocol.Encode(c, &h, r.payload)
	c.writeMu.Unlock()
	if err != nil {
		p.discard(c, err)
	}
}

// recvLoop is the only reader of c. TCP is a byte stream, so frames must be
// read sequentially; a broken connection rejects everything pending on it.
func (f fullDuplex) recvLoop(c *poolConn) {
	p := f.t.socketPool
	for {
		h, body, err := protocol.Decode(c)
		if err != nil {
			p.discard(c, err)
			return
		}
		if !h.FullDuplex {
			p.discard(c, message.Errorf(message.KindProtocol, "half-duplex frame on full-duplex connection"))
			return
		}
		p.complete(c, h.ID, body)
	}
}
