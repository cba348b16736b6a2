// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package distributed

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"axonflow/veil/shared/logger"
)

const (
	defaultHealthCheckTimeout  = 10 * time.Second
	defaultHealthCheckInterval = 5 * time.Second
	defaultMaxHealthFailures   = 3
)

// InstanceStatus is the lifecycle state of a registered instance.
type InstanceStatus string

const (
	StatusStarting  InstanceStatus = "STARTING"
	StatusHealthy   InstanceStatus = "HEALTHY"
	StatusUnhealthy InstanceStatus = "UNHEALTHY"
	StatusDraining  InstanceStatus = "DRAINING"
	StatusStopped   InstanceStatus = "STOPPED"
)

// ServiceInstance is one registered gateway instance.
type ServiceInstance struct {
	InstanceID    string         `json:"instance_id"`
	Host          string         `json:"host"`
	Port          int            `json:"port"`
	Status        InstanceStatus `json:"status"`
	Weight        int            `json:"weight"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	FailureCount  int            `json:"failure_count"`
}

// Addr returns the instance's host:port.
func (i ServiceInstance) Addr() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// Coordinator tracks service instances and their heartbeat health.
type Coordinator struct {
	mu        sync.Mutex
	instances map[string]*ServiceInstance

	healthTimeout time.Duration
	checkInterval time.Duration
	maxFailures   int
	now           func() time.Time

	loopMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}

	log *logger.Logger
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithHealthCheckTimeout sets how stale a heartbeat may be before it counts
// as missed.
func WithHealthCheckTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.healthTimeout = d
		}
	}
}

// WithHealthCheckInterval sets the background checker cadence.
func WithHealthCheckInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.checkInterval = d
		}
	}
}

// WithMaxHealthFailures sets how many missed heartbeats mark an instance
// UNHEALTHY.
func WithMaxHealthFailures(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxFailures = n
		}
	}
}

// WithCoordinatorClock substitutes the time source for tests.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates an empty instance registry.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		instances:     make(map[string]*ServiceInstance),
		healthTimeout: defaultHealthCheckTimeout,
		checkInterval: defaultHealthCheckInterval,
		maxFailures:   defaultMaxHealthFailures,
		now:           time.Now,
		log:           logger.New("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds an instance in STARTING state; the first heartbeat promotes
// it to HEALTHY. Re-registering an existing id replaces its record.
func (c *Coordinator) Register(instanceID, host string, port, weight int) {
	if weight < 1 {
		weight = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[instanceID] = &ServiceInstance{
		InstanceID:    instanceID,
		Host:          host,
		Port:          port,
		Status:        StatusStarting,
		Weight:        weight,
		LastHeartbeat: c.now(),
	}
	c.log.Info("", "", "instance registered", map[string]interface{}{
		"instance": instanceID,
		"addr":     fmt.Sprintf("%s:%d", host, port),
	})
}

// Heartbeat records liveness for an instance, clearing its failure count and
// promoting it to HEALTHY unless it is draining or stopped.
func (c *Coordinator) Heartbeat(instanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[instanceID]
	if !ok {
		return fmt.Errorf("unknown instance %s", instanceID)
	}
	inst.LastHeartbeat = c.now()
	inst.FailureCount = 0
	if inst.Status != StatusDraining && inst.Status != StatusStopped {
		inst.Status = StatusHealthy
	}
	return nil
}

// Deregister marks an instance STOPPED and removes it from the registry.
func (c *Coordinator) Deregister(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances[instanceID]; ok {
		inst.Status = StatusStopped
		delete(c.instances, instanceID)
	}
}

// SetDraining takes an instance out of rotation without deregistering it.
func (c *Coordinator) SetDraining(instanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[instanceID]
	if !ok {
		return fmt.Errorf("unknown instance %s", instanceID)
	}
	inst.Status = StatusDraining
	return nil
}

// Instances returns copies of all registered instances, ordered by id.
func (c *Coordinator) Instances() []ServiceInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ServiceInstance, 0, len(c.instances))
	for _, inst := range c.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// HealthyInstances returns copies of the HEALTHY instances, ordered by id.
func (c *Coordinator) HealthyInstances() []ServiceInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ServiceInstance, 0, len(c.instances))
	for _, inst := range c.instances {
		if inst.Status == StatusHealthy {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// CheckHealth performs one pass of heartbeat staleness accounting: each pass
// with a stale heartbeat counts one failure, and an instance is marked
// UNHEALTHY once failures reach the configured maximum.
func (c *Coordinator) CheckHealth() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, inst := range c.instances {
		if inst.Status != StatusHealthy && inst.Status != StatusStarting {
			continue
		}
		if now.Sub(inst.LastHeartbeat) <= c.healthTimeout {
			continue
		}
		inst.FailureCount++
		if inst.FailureCount >= c.maxFailures {
			inst.Status = StatusUnhealthy
			c.log.Warn("", "", "instance marked unhealthy", map[string]interface{}{
				"instance": inst.InstanceID,
				"failures": inst.FailureCount,
			})
		}
	}
}

// StartHealthChecker launches the background checker. Calling it twice is a
// no-op.
func (c *Coordinator) StartHealthChecker() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.CheckHealth()
			}
		}
	}(c.stop, c.done)
}

// StopHealthChecker terminates the checker, waiting at most two seconds.
func (c *Coordinator) StopHealthChecker() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.stop == nil {
		return
	}
	close(c.stop)
	select {
	case <-c.done:
	case <-time.After(stopJoinTimeout):
		c.log.Warn("", "", "health checker did not stop in time", nil)
	}
	c.stop = nil
	c.done = nil
}
