// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package distributed

import (
	"math/rand"
	"sync"
	"time"
)

// Strategy selects how the load balancer picks among healthy instances.
type Strategy string

const (
	RoundRobin         Strategy = "ROUND_ROBIN"
	WeightedRoundRobin Strategy = "WEIGHTED_ROUND_ROBIN"
	Random             Strategy = "RANDOM"
	WeightedRandom     Strategy = "WEIGHTED_RANDOM"
	LeastConnections   Strategy = "LEAST_CONNECTIONS"
)

// LoadBalancer picks a healthy instance from a Coordinator's registry.
type LoadBalancer struct {
	mu          sync.Mutex
	coord       *Coordinator
	strategy    Strategy
	rrIndex     int
	connections map[string]int
	rng         *rand.Rand
}

// NewLoadBalancer creates a balancer over the coordinator's instances.
func NewLoadBalancer(coord *Coordinator, strategy Strategy) *LoadBalancer {
	return &LoadBalancer{
		coord:       coord,
		strategy:    strategy,
		connections: make(map[string]int),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewLoadBalancerWithSeed is NewLoadBalancer with a deterministic random
// source for tests.
func NewLoadBalancerWithSeed(coord *Coordinator, strategy Strategy, seed int64) *LoadBalancer {
	lb := NewLoadBalancer(coord, strategy)
	lb.rng = rand.New(rand.NewSource(seed))
	return lb
}

// Select returns the next instance per the configured strategy, or nil when
// no instance is HEALTHY.
func (lb *LoadBalancer) Select() *ServiceInstance {
	healthy := lb.coord.HealthyInstances()
	if len(healthy) == 0 {
		return nil
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	var chosen ServiceInstance
	switch lb.strategy {
	case WeightedRoundRobin:
		expanded := expandByWeight(healthy)
		chosen = expanded[lb.rrIndex%len(expanded)]
		lb.rrIndex++
	case Random:
		chosen = healthy[lb.rng.Intn(len(healthy))]
	case WeightedRandom:
		expanded := expandByWeight(healthy)
		chosen = expanded[lb.rng.Intn(len(expanded))]
	case LeastConnections:
		chosen = healthy[0]
		for _, inst := range healthy[1:] {
			if lb.connections[inst.InstanceID] < lb.connections[chosen.InstanceID] {
				chosen = inst
			}
		}
	default: // RoundRobin
		chosen = healthy[lb.rrIndex%len(healthy)]
		lb.rrIndex++
	}
	return &chosen
}

// RecordConnection notes an in-flight connection for LEAST_CONNECTIONS.
func (lb *LoadBalancer) RecordConnection(instanceID string) {
	lb.mu.Lock()
	lb.connections[instanceID]++
	lb.mu.Unlock()
}

// ReleaseConnection drops an in-flight connection count, floored at zero.
func (lb *LoadBalancer) ReleaseConnection(instanceID string) {
	lb.mu.Lock()
	if lb.connections[instanceID] > 0 {
		lb.connections[instanceID]--
	}
	lb.mu.Unlock()
}

// ActiveConnections returns the tracked in-flight count for an instance.
func (lb *LoadBalancer) ActiveConnections(instanceID string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.connections[instanceID]
}

func expandByWeight(instances []ServiceInstance) []ServiceInstance {
	expanded := make([]ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		w := inst.Weight
		if w < 1 {
			w = 1
		}
		for i := 0; i < w; i++ {
			expanded = append(expanded, inst)
		}
	}
	return expanded
}
