package push

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// superseded is handed to a waiting poll when a newer poll for the same id replaces it.
type superseded struct{}

type delivery struct {
	payload any
	done    chan bool
}

type subscriber struct {
	waiting chan any // receive side of the poll currently held, nil when none
	queue   []delivery
	timer   *time.Timer
	gen     uint64 // bumped on every heartbeat arm or stop so stale timers do nothing
}

// Topic holds the subscribers of one published topic. A single lock
// serializes polls and pushes so a message can never slip between "nobody
// is waiting" and "a poll just arrived".
type Topic struct {
	Name      string
	Timeout   time.Duration // how long a poll is held
	Heartbeat time.Duration // how long a subscriber may go without polling

	log         *logrus.Entry
	mu          sync.Mutex
	subscribers map[string]*subscriber
	closed      bool
}

func newTopic(name string, timeout, heartbeat time.Duration, log *logrus.Entry) *Topic {
	return &Topic{
		Name:        name,
		Timeout:     timeout,
		Heartbeat:   heartbeat,
		log:         log.WithField("topic", name),
		subscribers: make(map[string]*subscriber),
	}
}

// Poll waits for the next message for id. It returns ErrPollTimeout when
// Timeout passes first, or when a newer poll for id takes over.
func (t *Topic) Poll(ctx context.Context, id string) (any, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTopicClosed
	}
	s := t.subscribers[id]
	if s == nil {
		s = &subscriber{}
		t.subscribers[id] = s
		t.log.WithField("id", id).Debug("subscriber online")
	}
	t.stopHeartbeatLocked(s)
	if s.waiting != nil {
		s.waiting <- superseded{}
		s.waiting = nil
	}
	if len(s.queue) > 0 {
		d := s.queue[0]
		s.queue = s.queue[1:]
		t.armHeartbeatLocked(id, s)
		t.mu.Unlock()
		d.done <- true
		return d.payload, nil
	}
	ch := make(chan any, 1)
	s.waiting = ch
	t.mu.Unlock()

	timer := time.NewTimer(t.Timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return pollResult(v)
	case <-timer.C:
	case <-ctx.Done():
	}

	t.mu.Lock()
	if s.waiting == ch {
		s.waiting = nil
		t.armHeartbeatLocked(id, s)
		t.mu.Unlock()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrPollTimeout
	}
	t.mu.Unlock()
	// a push or a newer poll got in before the lock
	return pollResult(<-ch)
}

func pollResult(v any) (any, error) {
	if _, ok := v.(superseded); ok {
		return nil, ErrPollTimeout
	}
	return v, nil
}

// Push hands payload to id. The channel yields true once a poll took it, or
// false when id is unknown or goes offline before polling again.
func (t *Topic) Push(id string, payload any) <-chan bool {
	done := make(chan bool, 1)
	t.mu.Lock()
	s := t.subscribers[id]
	if t.closed || s == nil {
		t.mu.Unlock()
		done <- false
		return done
	}
	if s.waiting != nil {
		s.waiting <- payload
		s.waiting = nil
		t.armHeartbeatLocked(id, s)
		t.mu.Unlock()
		done <- true
		return done
	}
	s.queue = append(s.queue, delivery{payload: payload, done: done})
	if s.timer == nil {
		t.armHeartbeatLocked(id, s)
	}
	t.mu.Unlock()
	return done
}

func (t *Topic) armHeartbeatLocked(id string, s *subscriber) {
	t.stopHeartbeatLocked(s)
	gen := s.gen
	s.timer = time.AfterFunc(t.Heartbeat, func() { t.expire(id, s, gen) })
}

func (t *Topic) stopHeartbeatLocked(s *subscriber) {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// expire evicts a subscriber that did not poll within Heartbeat.
func (t *Topic) expire(id string, s *subscriber, gen uint64) {
	t.mu.Lock()
	if t.subscribers[id] != s || s.gen != gen || s.waiting != nil {
		t.mu.Unlock()
		return
	}
	delete(t.subscribers, id)
	queue := s.queue
	s.queue = nil
	s.timer = nil
	t.mu.Unlock()

	for _, d := range queue {
		d.done <- false
	}
	t.log.WithFields(logrus.Fields{"id": id, "dropped": len(queue)}).Debug("subscriber offline")
}

// IDList returns the online subscriber ids, sorted.
func (t *Topic) IDList() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.subscribers))
	for id := range t.subscribers {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (t *Topic) Exists(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subscribers[id]
	return ok
}

// close releases every held poll and fails every queued message.
func (t *Topic) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subscribers := t.subscribers
	t.subscribers = make(map[string]*subscriber)
	var failed []delivery
	for _, s := range subscribers {
		t.stopHeartbeatLocked(s)
		if s.waiting != nil {
			s.waiting <- superseded{}
			s.waiting = nil
		}
		failed = append(failed, s.queue...)
		s.queue = nil
	}
	t.mu.Unlock()

	for _, d := range failed {
		d.done <- false
	}
}
