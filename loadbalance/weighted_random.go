package loadbalance

import "math/rand/v2"

// WeightedRandomBalancer 按权重随机选择一个不同于当前的节点
type WeightedRandomBalancer struct{}

func (b WeightedRandomBalancer) Next(current int, endpoints []Endpoint) int {
	if len(endpoints) <= 1 {
		return 0
	}

	// 计算总权重（跳过当前节点）
	totalWeight := 0
	for i, v := range endpoints {
		if i != current && v.Weight > 0 {
			totalWeight += v.Weight
		}
	}
	if totalWeight == 0 {
		return RandomBalancer{}.Next(current, endpoints)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i, v := range endpoints {
		if i == current || v.Weight <= 0 {
			continue
		}
		r -= v.Weight
		if r < 0 {
			return i
		}
	}
	return RandomBalancer{}.Next(current, endpoints)
}

func (b WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
