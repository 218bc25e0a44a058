package loadbalance

import (
	"sync"
	"testing"
)

var testEndpoints = []Endpoint{
	{URI: "tcp://127.0.0.1:8001", Weight: 10},
	{URI: "tcp://127.0.0.1:8002", Weight: 5},
	{URI: "tcp://127.0.0.1:8003", Weight: 10},
}

func TestRandomNeverStays(t *testing.T) {
	b := RandomBalancer{}
	seen := map[int]bool{}
	for i := 0; i < 1000; i++ {
		next := b.Next(1, testEndpoints)
		if next == 1 {
			t.Fatal("random failswitch returned the failing endpoint")
		}
		seen[next] = true
	}
	if !seen[0] || !seen[2] {
		t.Fatalf("expect both other endpoints to be chosen, got %v", seen)
	}
}

func TestRoundRobin(t *testing.T) {
	b := RoundRobinBalancer{}
	if got := b.Next(0, testEndpoints); got != 1 {
		t.Fatalf("expect 1, got %d", got)
	}
	if got := b.Next(2, testEndpoints); got != 0 {
		t.Fatalf("expect wrap around to 0, got %d", got)
	}
}

func TestWeightedRandom(t *testing.T) {
	b := WeightedRandomBalancer{}

	counts := map[int]int{}
	n := 10000
	for i := 0; i < n; i++ {
		counts[b.Next(2, testEndpoints)]++
	}
	if counts[2] != 0 {
		t.Fatalf("weighted failswitch returned the failing endpoint %d times", counts[2])
	}

	// Weight ratio of the remaining two is 10:5, so index 0 should be ~2x of index 1
	ratio := float64(counts[0]) / float64(counts[1])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio 0/1 = %.2f, expect ~2.0", ratio)
	}
}

func TestEndpointSetFailswitch(t *testing.T) {
	s := NewEndpointSet([]string{"tcp://a", "tcp://b"}, nil)
	i, uri, err := s.Current()
	if err != nil || i != 0 || uri != "tcp://a" {
		t.Fatalf("expect cursor on tcp://a, got %d %s %v", i, uri, err)
	}

	if got := s.Failswitch(0); got != "tcp://b" {
		t.Fatalf("expect switch to tcp://b, got %s", got)
	}
	// a stale failswitch from an old cursor must not move it again
	if got := s.Failswitch(0); got != "tcp://b" {
		t.Fatalf("stale failswitch moved cursor to %s", got)
	}
}

func TestEndpointSetConcurrentFailswitch(t *testing.T) {
	s := NewEndpointSet([]string{"tcp://a", "tcp://b", "tcp://c"}, nil)
	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			i, _, _ := s.Current()
			s.Failswitch(i)
		}()
	}
	wg.Wait()
	if i, _, err := s.Current(); err != nil || i < 0 || i > 2 {
		t.Fatalf("cursor out of range: %d %v", i, err)
	}
}

func TestEndpointSetReplace(t *testing.T) {
	s := NewEndpointSet([]string{"tcp://a", "tcp://b"}, nil)
	s.Failswitch(0)

	s.Replace([]Endpoint{{URI: "tcp://c"}, {URI: "tcp://b"}})
	if _, uri, _ := s.Current(); uri != "tcp://b" {
		t.Fatalf("cursor should follow surviving endpoint, got %s", uri)
	}

	s.Replace([]Endpoint{{URI: "tcp://d"}})
	if i, uri, _ := s.Current(); i != 0 || uri != "tcp://d" {
		t.Fatalf("cursor should reset, got %d %s", i, uri)
	}

	s.Replace(nil)
	if _, _, err := s.Current(); err != ErrNoEndpoints {
		t.Fatalf("expect ErrNoEndpoints, got %v", err)
	}
}
