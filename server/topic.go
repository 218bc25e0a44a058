package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"zibra/push"
)

const (
	DefaultTopicTimeout   = 2 * time.Minute
	DefaultTopicHeartbeat = 3 * time.Second

	// IDMethod returns a fresh subscriber id.
	IDMethod = "#"
)

// Publish makes topic subscribable. A subscriber calls the method named
// topic with its id; the call is held until a message is pushed to that id or
// timeout passes, in which case it returns nil and the subscriber calls again.
// A subscriber that does not call again within heartbeat is dropped.
func (s *Server) Publish(topic string, timeout, heartbeat time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTopicTimeout
	}
	if heartbeat <= 0 {
		heartbeat = DefaultTopicHeartbeat
	}
	s.broker.Publish(topic, timeout, heartbeat)

	poll := func(ctx context.Context, id string) (any, error) {
		v, err := s.broker.Poll(ctx, topic, id)
		if errors.Is(err, push.ErrPollTimeout) {
			return nil, nil
		}
		return v, err
	}
	if err := s.AddFunction(topic, poll); err != nil {
		return err
	}
	if s.methods.get(IDMethod, 0) == nil {
		return s.AddFunction(IDMethod, func() string { return uuid.NewString() })
	}
	return nil
}

// Unpublish removes topic. Held polls return at once.
func (s *Server) Unpublish(topic string) bool {
	s.Remove(topic)
	return s.broker.Unpublish(topic)
}

// Push queues payload for subscriber id of topic. The channel yields the
// delivery outcome: false if id is unknown or drops out before polling.
func (s *Server) Push(topic, id string, payload any) <-chan bool {
	return s.broker.Push(topic, id, payload)
}

// Deliver is Push that waits; an undeliverable message is a SubscriberOffline error.
func (s *Server) Deliver(ctx context.Context, topic, id string, payload any) error {
	return s.broker.Deliver(ctx, topic, id, payload)
}

func (s *Server) Broadcast(ctx context.Context, topic string, payload any) (map[string]bool, error) {
	return s.broker.Broadcast(ctx, topic, payload)
}

func (s *Server) Multicast(ctx context.Context, topic string, ids []string, payload any) (map[string]bool, error) {
	return s.broker.Multicast(ctx, topic, ids, payload)
}

// IDList returns the ids subscribed to topic.
func (s *Server) IDList(topic string) []string {
	return s.broker.IDList(topic)
}

func (s *Server) Exists(topic, id string) bool {
	return s.broker.Exists(topic, id)
}
