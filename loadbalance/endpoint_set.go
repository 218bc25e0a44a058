package loadbalance

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrNoEndpoints = errors.New("no endpoints available")

// EndpointSet is an ordered list of endpoints plus a cursor on the one in use.
//
// The cursor moves with a compare-and-swap: when two callers fail over at the
// same time only the first switch lands, the second sees the cursor already
// moved and uses it as is.
type EndpointSet struct {
	mu        sync.RWMutex
	endpoints []Endpoint
	index     atomic.Int64
	balancer  Balancer
}

// NewEndpointSet starts with the cursor on the first URI.
func NewEndpointSet(uris []string, b Balancer) *EndpointSet {
	if b == nil {
		b = RandomBalancer{}
	}
	endpoints := make([]Endpoint, len(uris))
	for i, uri := range uris {
		endpoints[i] = Endpoint{URI: uri, Weight: 1}
	}
	return &EndpointSet{endpoints: endpoints, balancer: b}
}

// Current returns the cursor and the endpoint it points to.
func (s *EndpointSet) Current() (int, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.endpoints) == 0 {
		return 0, "", ErrNoEndpoints
	}
	i := int(s.index.Load()) % len(s.endpoints)
	return i, s.endpoints[i].URI, nil
}

// Failswitch moves the cursor away from the endpoint at index from, and
// returns the URI now current.
func (s *EndpointSet) Failswitch(from int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.endpoints) == 0 {
		return ""
	}
	next := s.balancer.Next(from, s.endpoints)
	s.index.CompareAndSwap(int64(from), int64(next))
	return s.endpoints[int(s.index.Load())%len(s.endpoints)].URI
}

// Replace swaps in a new endpoint list (from the registry). The cursor stays on
// the same URI if it survived, otherwise it resets to the first entry.
func (s *EndpointSet) Replace(endpoints []Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current string
	if len(s.endpoints) > 0 {
		current = s.endpoints[int(s.index.Load())%len(s.endpoints)].URI
	}
	s.endpoints = append([]Endpoint(nil), endpoints...)
	for i, e := range s.endpoints {
		if e.URI == current {
			s.index.Store(int64(i))
			return
		}
	}
	s.index.Store(0)
}

// URIs returns a copy of the endpoint URIs in order.
func (s *EndpointSet) URIs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uris := make([]string, len(s.endpoints))
	for i, e := range s.endpoints {
		uris[i] = e.URI
	}
	return uris
}

func (s *EndpointSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints)
}

func (s *EndpointSet) Balancer() Balancer {
	return s.balancer
}
