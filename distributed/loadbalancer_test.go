// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package distributed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBalancerFixture(t *testing.T, weights map[string]int) *Coordinator {
	t.Helper()
	c := NewCoordinator()
	for id, w := range weights {
		c.Register(id, "10.0.0.1", 8080, w)
		require.NoError(t, c.Heartbeat(id))
	}
	return c
}

func TestLoadBalancerRoundRobin(t *testing.T) {
	c := newBalancerFixture(t, map[string]int{"i1": 1, "i2": 1, "i3": 1})
	lb := NewLoadBalancer(c, RoundRobin)

	var order []string
	for i := 0; i < 6; i++ {
		order = append(order, lb.Select().InstanceID)
	}
	assert.Equal(t, []string{"i1", "i2", "i3", "i1", "i2", "i3"}, order)
}

func TestLoadBalancerWeightedRoundRobin(t *testing.T) {
	c := newBalancerFixture(t, map[string]int{"i1": 2, "i2": 1})
	lb := NewLoadBalancer(c, WeightedRoundRobin)

	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		counts[lb.Select().InstanceID]++
	}
	assert.Equal(t, 4, counts["i1"])
	assert.Equal(t, 2, counts["i2"])
}

func TestLoadBalancerRandomOnlyHealthy(t *testing.T) {
	c := newBalancerFixture(t, map[string]int{"i1": 1, "i2": 1})
	require.NoError(t, c.SetDraining("i2"))
	lb := NewLoadBalancerWithSeed(c, Random, 42)

	for i := 0; i < 20; i++ {
		assert.Equal(t, "i1", lb.Select().InstanceID)
	}
}

func TestLoadBalancerWeightedRandomBias(t *testing.T) {
	c := newBalancerFixture(t, map[string]int{"i1": 9, "i2": 1})
	lb := NewLoadBalancerWithSeed(c, WeightedRandom, 1)

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		counts[lb.Select().InstanceID]++
	}
	assert.Greater(t, counts["i1"], 800)
	assert.Greater(t, counts["i2"], 0)
}

func TestLoadBalancerLeastConnections(t *testing.T) {
	c := newBalancerFixture(t, map[string]int{"i1": 1, "i2": 1})
	lb := NewLoadBalancer(c, LeastConnections)

	lb.RecordConnection("i1")
	lb.RecordConnection("i1")
	lb.RecordConnection("i2")

	assert.Equal(t, "i2", lb.Select().InstanceID)

	lb.ReleaseConnection("i1")
	lb.ReleaseConnection("i1")
	assert.Equal(t, "i1", lb.Select().InstanceID)

	// Release never goes negative.
	lb.ReleaseConnection("i1")
	lb.ReleaseConnection("i1")
	assert.Equal(t, 0, lb.ActiveConnections("i1"))
}

func TestLoadBalancerNoHealthyInstances(t *testing.T) {
	c := NewCoordinator()
	c.Register("i1", "10.0.0.1", 8080, 1)
	// Never heartbeated: still STARTING.
	lb := NewLoadBalancer(c, RoundRobin)
	assert.Nil(t, lb.Select())
}
