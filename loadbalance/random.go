package loadbalance

import "math/rand/v2"

// RandomBalancer jumps to a uniformly chosen endpoint other than the current one.
type RandomBalancer struct{}

func (RandomBalancer) Next(current int, endpoints []Endpoint) int {
	n := len(endpoints)
	if n <= 1 {
		return 0
	}
	i := rand.IntN(n - 1)
	if i >= current {
		i++
	}
	return i
}

func (RandomBalancer) Name() string {
	return "Random"
}
