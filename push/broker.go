// Package push implements long-poll publish/subscribe over the RPC call channel.
//
// A subscriber keeps calling the topic method with its id. Each call is held
// until a message is pushed to that id or the topic timeout passes; between
// calls a heartbeat timer runs, and a subscriber that does not come back
// before it fires is evicted:
//
//	absent ──poll──→ waiting ──push/timeout──→ armed ──poll──→ waiting
//	                                             └──heartbeat──→ absent
package push

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"zibra/logger"
	"zibra/message"
)

var (
	// ErrPollTimeout means "no message yet": the subscriber should poll again.
	ErrPollTimeout = errors.New("push: poll timed out")
	ErrTopicClosed = errors.New("push: topic closed")
)

// Broker owns the published topics of one server.
type Broker struct {
	log    *logrus.Entry
	mu     sync.RWMutex
	topics map[string]*Topic
}

func NewBroker(log *logrus.Entry) *Broker {
	if log == nil {
		log = logger.WithPrefix("push")
	}
	return &Broker{log: log, topics: make(map[string]*Topic)}
}

// Publish creates the topic, or returns it unchanged if it already exists.
func (b *Broker) Publish(name string, timeout, heartbeat time.Duration) *Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t
	}
	t := newTopic(name, timeout, heartbeat, b.log)
	b.topics[name] = t
	b.log.WithFields(logrus.Fields{"topic": name, "timeout": timeout, "heartbeat": heartbeat}).Info("topic published")
	return t
}

// Unpublish closes and removes the topic. Held polls return ErrPollTimeout.
func (b *Broker) Unpublish(name string) bool {
	b.mu.Lock()
	t, ok := b.topics[name]
	delete(b.topics, name)
	b.mu.Unlock()
	if ok {
		t.close()
	}
	return ok
}

func (b *Broker) Topic(name string) (*Topic, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	return t, ok
}

func (b *Broker) topic(name string) (*Topic, error) {
	t, ok := b.Topic(name)
	if !ok {
		return nil, fmt.Errorf("topic %q is not published", name)
	}
	return t, nil
}

func (b *Broker) Poll(ctx context.Context, topic, id string) (any, error) {
	t, err := b.topic(topic)
	if err != nil {
		return nil, err
	}
	return t.Poll(ctx, id)
}

// Push never blocks; read the returned channel for the delivery outcome.
func (b *Broker) Push(topic, id string, payload any) <-chan bool {
	t, ok := b.Topic(topic)
	if !ok {
		done := make(chan bool, 1)
		done <- false
		return done
	}
	return t.Push(id, payload)
}

// Deliver pushes and waits for the outcome. A failed delivery is a
// SubscriberOffline error.
func (b *Broker) Deliver(ctx context.Context, topic, id string, payload any) error {
	select {
	case ok := <-b.Push(topic, id, payload):
		if !ok {
			return message.Errorf(message.KindSubscriberOffline, "%s/%s", topic, id)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast pushes payload to every subscriber of topic.
func (b *Broker) Broadcast(ctx context.Context, topic string, payload any) (map[string]bool, error) {
	return b.Multicast(ctx, topic, b.IDList(topic), payload)
}

// Multicast pushes payload to each id and waits for every outcome.
func (b *Broker) Multicast(ctx context.Context, topic string, ids []string, payload any) (map[string]bool, error) {
	var (
		mu      sync.Mutex
		results = make(map[string]bool, len(ids))
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		done := b.Push(topic, id, payload)
		g.Go(func() error {
			select {
			case ok := <-done:
				mu.Lock()
				results[id] = ok
				mu.Unlock()
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	err := g.Wait()
	return results, err
}

func (b *Broker) IDList(topic string) []string {
	t, ok := b.Topic(topic)
	if !ok {
		return nil
	}
	return t.IDList()
}

func (b *Broker) Exists(topic, id string) bool {
	t, ok := b.Topic(topic)
	return ok && t.Exists(id)
}

// Topics returns the published topic names, sorted.
func (b *Broker) Topics() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Close unpublishes every topic.
func (b *Broker) Close() {
	for _, name := range b.Topics() {
		b.Unpublish(name)
	}
}
