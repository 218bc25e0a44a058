package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"zibra/message"
)

// idMethod is the server method handing out subscriber ids.
const idMethod = "#"

type subscription struct {
	mu        sync.Mutex
	callbacks []func(any)
	cancel    context.CancelFunc
}

func (s *subscription) add(cb func(any)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

func (s *subscription) snapshot() []func(any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbs := make([]func(any), len(s.callbacks))
	copy(cbs, s.callbacks)
	return cbs
}

// Subscribe long-polls topic as subscriber id and hands every message to cb.
// An empty id asks the server for a fresh one. The id in use is returned;
// subscribing again with the same id adds another callback to the same poll.
//
// Polls are idempotent with failswitch on and use the client's poll timeout
// unless opts set another. Timeouts re-poll silently, other
// failures go to the error handler and the poll is retried after one retry unit.
func (c *Client) Subscribe(ctx context.Context, topic, id string, cb func(any), opts ...CallOption) (string, error) {
	if c.closed.Load() {
		return "", ErrClientClosed
	}
	if id == "" {
		if err := c.Invoke(ctx, idMethod, nil, &id, opts...); err != nil {
			return "", err
		}
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	subs := c.subscriptions[topic]
	if subs == nil {
		subs = make(map[string]*subscription)
		c.subscriptions[topic] = subs
	}
	if sub, ok := subs[id]; ok {
		sub.add(cb)
		return id, nil
	}
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{callbacks: []func(any){cb}, cancel: cancel}
	subs[id] = sub

	opts = append([]CallOption{Timeout(c.pollTimeout)}, opts...)
	opts = append(opts, Idempotent(true), Failswitch(true))
	c.subWG.Add(1)
	go func() {
		defer c.subWG.Done()
		c.poll(pollCtx, topic, id, sub, opts)
	}()
	return id, nil
}

func (c *Client) poll(ctx context.Context, topic, id string, sub *subscription, opts []CallOption) {
	log := c.log.WithField("topic", topic).WithField("id", id)
	log.Debug("subscribed")
	for {
		var msg any
		err := c.Invoke(ctx, topic, []any{id}, &msg, opts...)
		if ctx.Err() != nil {
			log.Debug("unsubscribed")
			return
		}
		if err != nil {
			if !errors.Is(err, message.ErrTimeout) {
				c.reportError(topic, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.retryInterval):
				}
			}
			continue
		}
		// nil is the server's answer to a poll that timed out empty
		if msg == nil {
			continue
		}
		for _, cb := range sub.snapshot() {
			cb(msg)
		}
	}
}

// Unsubscribe stops polling topic as id. An empty id stops every subscription
// of topic.
func (c *Client) Unsubscribe(topic, id string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	subs := c.subscriptions[topic]
	for sid, sub := range subs {
		if id == "" || sid == id {
			sub.cancel()
			delete(subs, sid)
		}
	}
	if len(subs) == 0 {
		delete(c.subscriptions, topic)
	}
}

// Subscriptions lists the ids subscribed to topic.
func (c *Client) Subscriptions(topic string) []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	ids := make([]string, 0, len(c.subscriptions[topic]))
	for id := range c.subscriptions[topic] {
		ids = append(ids, id)
	}
	return ids
}
