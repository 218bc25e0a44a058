package transport

import (
	"time"

	"zibra/protocol"
)

// HalfDuplexTransporter carries one request per connection at a time.
// A connection whose request expires is closed, since the server may still
// write the stale response into it.
type HalfDuplexTransporter struct {
	*socketPool
}

func NewHalfDuplexTransporter(network, address string, opts Options) *HalfDuplexTransporter {
	t := &HalfDuplexTransporter{}
	t.socketPool = newSocketPool(network, address, opts, halfDuplex{t})
	return t
}

type halfDuplex struct {
	t *HalfDuplexTransporter
}

func (halfDuplex) capacity() int { return 1 }

func (halfDuplex) closeOnExpiry() bool { return true }

func (halfDuplex) opened(*poolConn) {}

// write starts the round trip on its own goroutine. The caller may be
// completing another request and must not wait for this one.
func (h halfDuplex) write(c *poolConn, r *request) {
	go h.roundTrip(c, r)
}

// roundTrip writes r and reads its response: the response slot is the connection itself.
func (h halfDuplex) roundTrip(c *poolConn, r *request) {
	p := h.t.socketPool
	if p.opts.WriteTimeout > 0 {
		c.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	}
	if err := protocol.Encode(c, &protocol.Header{BodyLen: uint32(len(r.payload))}, r.payload); err != nil {
		p.discard(c, err)
		return
	}
	if p.opts.ReadTimeout > 0 {
		c.SetReadDeadline(time.Now().Add(p.opts.ReadTimeout))
	} else {
		c.SetReadDeadline(time.Time{})
	}
	_, body, err := protocol.Decode(c)
	if err != nil {
		p.discard(c, err)
		return
	}
	p.complete(c, r.id, body)
}
