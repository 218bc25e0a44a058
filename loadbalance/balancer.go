// Package loadbalance keeps the ordered list of candidate endpoints a client
// talks to, and decides where to go when the current one fails.
//
// Three failswitch strategies are implemented:
//   - Random:          jump to any other endpoint (the default)
//   - RoundRobin:      step to the next endpoint in order
//   - WeightedRandom:  jump to another endpoint, biased by registry weight
package loadbalance

// Endpoint is one candidate server URI.
type Endpoint struct {
	URI    string
	Weight int // Weight for WeightedRandom, taken from the registry
}

// Balancer is the interface for failswitch strategies.
type Balancer interface {
	// Next picks the index to switch to after endpoints[current] failed.
	// With more than one endpoint it must return an index different from current.
	// Called concurrently, must be goroutine-safe.
	Next(current int, endpoints []Endpoint) int

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
