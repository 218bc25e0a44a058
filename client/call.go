package client

import (
	"context"

	"zibra/message"
)

// Call is an asynchronous invocation in flight.
type Call struct {
	Name  string
	Args  []any
	Reply any
	Error error
	Done  chan *Call
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
		// the caller sized done too small
	}
}

// Go invokes name asynchronously. done receives the Call when it completes; if
// nil a new buffered channel is allocated. A failed async call is also passed
// to the error handler.
func (c *Client) Go(ctx context.Context, name string, args []any, reply any, done chan *Call, opts ...CallOption) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		panic("client: done channel is unbuffered")
	}
	call := &Call{Name: name, Args: args, Reply: reply, Done: done}
	opts = append(opts, func(s *message.InvokeSettings) { s.Async = true })
	go func() {
		call.Error = c.Invoke(ctx, name, args, reply, opts...)
		if call.Error != nil {
			c.reportError(name, call.Error)
		}
		call.done()
	}()
	return call
}

// Batch collects calls sent in one request.
type Batch struct {
	c       *Client
	entries []*message.BatchEntry
}

func (c *Client) NewBatch() *Batch {
	return &Batch{c: c}
}

// Add queues a call. The entry's Err is set after Do when the server
// reported an error for this call alone.
func (b *Batch) Add(name string, args []any, reply any) *message.BatchEntry {
	e := &message.BatchEntry{Name: name, Args: args, Reply: reply}
	b.entries = append(b.entries, e)
	return e
}

func (b *Batch) Len() int { return len(b.entries) }

// Do sends the batch. The returned error covers the whole round trip; per-call
// failures are left on the entries.
func (b *Batch) Do(ctx context.Context, opts ...CallOption) error {
	s := b.c.callSettings(opts)
	req, err := message.EncodeBatch(b.entries, s)
	if err != nil {
		return err
	}
	resp, err := b.c.roundTrip(ctx, req, s)
	if err != nil || s.Oneway {
		return err
	}
	return message.DecodeResults(resp, b.entries, s)
}
