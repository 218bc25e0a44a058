package loadbalance

// RoundRobinBalancer steps to the endpoint after the current one, wrapping around.
//
// Best for: ordered fallback lists (primary, secondary, ...).
type RoundRobinBalancer struct{}

func (RoundRobinBalancer) Next(current int, endpoints []Endpoint) int {
	if len(endpoints) == 0 {
		return 0
	}
	return (current + 1) % len(endpoints)
}

func (RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
