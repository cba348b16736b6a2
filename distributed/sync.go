// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package distributed

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"axonflow/veil/shared/logger"
)

const (
	defaultLockTimeout  = 5 * time.Second
	defaultSyncInterval = time.Second
	lockPollInterval    = 10 * time.Millisecond
	stopJoinTimeout     = 2 * time.Second
)

var (
	ErrLockNotAcquired = errors.New("advisory lock not acquired")
	ErrUnknownUser     = errors.New("no budget state for user")
)

// OpType is the kind of a budget sync operation.
type OpType string

const (
	OpConsume OpType = "consume"
	OpReset   OpType = "reset"
)

// SyncOperation is one budget mutation broadcast between instances.
type SyncOperation struct {
	OperationID    string    `json:"operation_id"`
	UserID         string    `json:"user_id"`
	Op             OpType    `json:"op"`
	Amount         float64   `json:"amount,omitempty"`
	SourceInstance string    `json:"source_instance"`
	Timestamp      time.Time `json:"timestamp"`
}

// BudgetState is one instance's view of a user's budget.
type BudgetState struct {
	Total       float64   `json:"total"`
	Consumed    float64   `json:"consumed"`
	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
}

// SyncCallback delivers pending operations to a transport; the callback owns
// cross-instance delivery.
type SyncCallback func(ops []SyncOperation)

// ApplyCallback receives every remote operation folded into the local view.
type ApplyCallback func(op SyncOperation)

// StateCallback receives every user state adopted during full-state
// reconciliation.
type StateCallback func(userID string, state BudgetState)

// userLock is a TTL advisory lock; an expired lock may be taken over.
type userLock struct {
	holder    string
	expiresAt time.Time
}

// BudgetSync keeps one instance's budget view convergent with its peers.
type BudgetSync struct {
	mu        sync.Mutex
	instance  string
	states    map[string]*BudgetState
	locks     map[string]*userLock
	pending   []SyncOperation
	applied   map[string]bool
	callbacks []SyncCallback
	applyCbs  []ApplyCallback
	stateCbs  []StateCallback

	lockTimeout  time.Duration
	syncInterval time.Duration
	now          func() time.Time

	loopMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}

	log *logger.Logger
}

// SyncOption customizes a BudgetSync.
type SyncOption func(*BudgetSync)

// WithLockTimeout sets the advisory-lock TTL.
func WithLockTimeout(d time.Duration) SyncOption {
	return func(s *BudgetSync) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithSyncInterval sets the background delivery cadence.
func WithSyncInterval(d time.Duration) SyncOption {
	return func(s *BudgetSync) {
		if d > 0 {
			s.syncInterval = d
		}
	}
}

// WithSyncClock substitutes the time source for tests.
func WithSyncClock(now func() time.Time) SyncOption {
	return func(s *BudgetSync) {
		s.now = now
	}
}

// NewBudgetSync creates the sync component for one instance.
func NewBudgetSync(instanceID string, opts ...SyncOption) *BudgetSync {
	s := &BudgetSync{
		instance:     instanceID,
		states:       make(map[string]*BudgetState),
		locks:        make(map[string]*userLock),
		applied:      make(map[string]bool),
		lockTimeout:  defaultLockTimeout,
		syncInterval: defaultSyncInterval,
		now:          time.Now,
		log:          logger.New("budget-sync"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InstanceID returns this instance's identity.
func (s *BudgetSync) InstanceID() string {
	return s.instance
}

// EnsureUser initializes the local state for a user if absent.
func (s *BudgetSync) EnsureUser(userID string, total float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[userID]; !ok {
		s.states[userID] = &BudgetState{Total: total, LastUpdated: s.now()}
	}
}

// AcquireLock takes the per-user advisory lock, polling until timeout. An
// expired lock is taken over regardless of its previous holder.
func (s *BudgetSync) AcquireLock(userID string, timeout time.Duration) bool {
	deadline := s.now().Add(timeout)
	for {
		s.mu.Lock()
		now := s.now()
		lock, held := s.locks[userID]
		if !held || lock.holder == s.instance || now.After(lock.expiresAt) {
			s.locks[userID] = &userLock{holder: s.instance, expiresAt: now.Add(s.lockTimeout)}
			s.mu.Unlock()
			return true
		}
		s.mu.Unlock()

		if s.now().After(deadline) {
			return false
		}
		time.Sleep(lockPollInterval)
	}
}

// ReleaseLock frees the lock only when this instance holds it.
func (s *BudgetSync) ReleaseLock(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[userID]; ok && lock.holder == s.instance {
		delete(s.locks, userID)
	}
}

// Consume debits the local view under the advisory lock and queues a consume
// operation for the peers.
func (s *BudgetSync) Consume(userID string, amount float64, lockWait time.Duration) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %g", amount)
	}
	if !s.AcquireLock(userID, lockWait) {
		return fmt.Errorf("%w: user %s", ErrLockNotAcquired, userID)
	}
	defer s.ReleaseLock(userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}

	now := s.now()
	state.Consumed += amount
	state.Version++
	state.LastUpdated = now

	op := SyncOperation{
		OperationID:    uuid.NewString(),
		UserID:         userID,
		Op:             OpConsume,
		Amount:         amount,
		SourceInstance: s.instance,
		Timestamp:      now,
	}
	s.pending = append(s.pending, op)
	s.applied[op.OperationID] = true
	return nil
}

// Reset zeroes the local consumption under the advisory lock and queues a
// reset operation for the peers.
func (s *BudgetSync) Reset(userID string, lockWait time.Duration) error {
	if !s.AcquireLock(userID, lockWait) {
		return fmt.Errorf("%w: user %s", ErrLockNotAcquired, userID)
	}
	defer s.ReleaseLock(userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}

	now := s.now()
	state.Consumed = 0
	state.Version++
	state.LastUpdated = now

	op := SyncOperation{
		OperationID:    uuid.NewString(),
		UserID:         userID,
		Op:             OpReset,
		SourceInstance: s.instance,
		Timestamp:      now,
	}
	s.pending = append(s.pending, op)
	s.applied[op.OperationID] = true
	return nil
}

// ApplyRemoteOperation folds a peer's operation into the local view. Own
// operations and already-applied operation ids are ignored, so redelivery is
// harmless.
func (s *BudgetSync) ApplyRemoteOperation(op SyncOperation) {
	if op.SourceInstance == s.instance {
		return
	}

	s.mu.Lock()

	if s.applied[op.OperationID] {
		s.mu.Unlock()
		return
	}
	s.applied[op.OperationID] = true

	state, ok := s.states[op.UserID]
	if !ok {
		state = &BudgetState{}
		s.states[op.UserID] = state
	}

	switch op.Op {
	case OpConsume:
		state.Consumed += op.Amount
	case OpReset:
		state.Consumed = 0
	default:
		s.log.Warn(op.UserID, "", "ignoring unknown sync operation", map[string]interface{}{
			"op": string(op.Op),
		})
		s.mu.Unlock()
		return
	}
	state.Version++
	state.LastUpdated = s.now()

	cbs := append([]ApplyCallback(nil), s.applyCbs...)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(op)
	}
}

// SyncState reconciles full remote snapshots: per user the higher version
// wins; on a version tie the larger consumed value wins so consumption is
// never under-reported.
func (s *BudgetSync) SyncState(remote map[string]BudgetState) {
	type adoption struct {
		userID string
		state  BudgetState
	}
	var adopted []adoption

	s.mu.Lock()
	for userID, r := range remote {
		local, ok := s.states[userID]
		if !ok {
			copied := r
			s.states[userID] = &copied
			adopted = append(adopted, adoption{userID, r})
			continue
		}
		if r.Version > local.Version || (r.Version == local.Version && r.Consumed > local.Consumed) {
			copied := r
			s.states[userID] = &copied
			adopted = append(adopted, adoption{userID, r})
		}
	}
	cbs := append([]StateCallback(nil), s.stateCbs...)
	s.mu.Unlock()

	for _, a := range adopted {
		for _, cb := range cbs {
			cb(a.userID, a.state)
		}
	}
}

// GetState returns a copy of the local view for one user.
func (s *BudgetSync) GetState(userID string) (BudgetState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[userID]
	if !ok {
		return BudgetState{}, false
	}
	return *state, true
}

// States returns a copy of the full local view.
func (s *BudgetSync) States() map[string]BudgetState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]BudgetState, len(s.states))
	for id, st := range s.states {
		out[id] = *st
	}
	return out
}

// OnSync registers a delivery callback for pending operations.
func (s *BudgetSync) OnSync(cb SyncCallback) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// OnApply registers a callback for remote operations folded into the view.
func (s *BudgetSync) OnApply(cb ApplyCallback) {
	s.mu.Lock()
	s.applyCbs = append(s.applyCbs, cb)
	s.mu.Unlock()
}

// OnStateChange registers a callback for states adopted by SyncState.
func (s *BudgetSync) OnStateChange(cb StateCallback) {
	s.mu.Lock()
	s.stateCbs = append(s.stateCbs, cb)
	s.mu.Unlock()
}

// Flush drains the pending buffer and hands it to every callback. The
// background loop calls this on its interval; tests may call it directly.
func (s *BudgetSync) Flush() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	ops := s.pending
	s.pending = nil
	cbs := append([]SyncCallback(nil), s.callbacks...)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(ops)
	}
}

// Start launches the background delivery loop. Calling it twice is a no-op.
func (s *BudgetSync) Start() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Flush()
			}
		}
	}(s.stop, s.done)

	s.log.Info("", "", "budget sync loop started", map[string]interface{}{
		"instance": s.instance,
		"interval": s.syncInterval.String(),
	})
}

// Stop terminates the loop, waiting at most two seconds for it to exit.
func (s *BudgetSync) Stop() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.stop == nil {
		return
	}
	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(stopJoinTimeout):
		s.log.Warn("", "", "budget sync loop did not stop in time", nil)
	}
	s.stop = nil
	s.done = nil
}
