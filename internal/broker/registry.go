package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/quantedge/tradepipe/internal/domain"
)

// maxConcurrentBrokerCalls bounds how many in-flight PlaceOrder/
// GetOrderStatus calls each UserBroker's order broker tolerates at once
// (spec §4.7 step 3, §4.10): brokers rate-limit per account, and the
// execution and reconciliation paths share the same adapter instance.
const maxConcurrentBrokerCalls = 4

// DataBrokerFactory builds a DataBroker adapter for a given broker code.
type DataBrokerFactory func(log zerolog.Logger) DataBroker

// OrderBrokerFactory builds an OrderBroker adapter for a given broker code.
type OrderBrokerFactory func(log zerolog.Logger) OrderBroker

// Registry caches one adapter instance per active UserBroker and
// (re)connects it on startup and on session-token change (spec §4.2
// "Factories cache one adapter instance per active UserBroker").
type Registry struct {
	mu sync.RWMutex
	log zerolog.Logger

	dataFactories  map[string]DataBrokerFactory
	orderFactories map[string]OrderBrokerFactory

	dataInstances  map[string]DataBroker
	orderInstances map[string]OrderBroker

	orderSemaphores map[string]*semaphore.Weighted
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:             log.With().Str("component", "broker_registry").Logger(),
		dataFactories:   make(map[string]DataBrokerFactory),
		orderFactories:  make(map[string]OrderBrokerFactory),
		dataInstances:   make(map[string]DataBroker),
		orderInstances:  make(map[string]OrderBroker),
		orderSemaphores: make(map[string]*semaphore.Weighted),
	}
}

// RegisterDataFactory wires a broker code to a DataBroker constructor.
func (r *Registry) RegisterDataFactory(brokerCode string, f DataBrokerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataFactories[brokerCode] = f
}

// RegisterOrderFactory wires a broker code to an OrderBroker constructor.
func (r *Registry) RegisterOrderFactory(brokerCode string, f OrderBrokerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orderFactories[brokerCode] = f
}

// DataBrokerFor returns the cached DataBroker for a UserBroker,
// connecting it on first use.
func (r *Registry) DataBrokerFor(ctx context.Context, brokerCode string, ub domain.UserBroker, session domain.UserBrokerSession) (DataBroker, error) {
	r.mu.RLock()
	db, ok := r.dataInstances[ub.UserBrokerID]
	r.mu.RUnlock()
	if ok {
		return db, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.dataInstances[ub.UserBrokerID]; ok {
		return db, nil
	}
	factory, ok := r.dataFactories[brokerCode]
	if !ok {
		return nil, fmt.Errorf("broker: no data broker registered for %q", brokerCode)
	}
	db = factory(r.log)
	if err := db.Connect(ctx, ub, session); err != nil {
		return nil, fmt.Errorf("broker: connect data broker %q: %w", brokerCode, err)
	}
	r.dataInstances[ub.UserBrokerID] = db
	return db, nil
}

// OrderBrokerFor returns the cached OrderBroker for a UserBroker,
// connecting it on first use.
func (r *Registry) OrderBrokerFor(ctx context.Context, brokerCode string, ub domain.UserBroker, session domain.UserBrokerSession) (OrderBroker, error) {
	r.mu.RLock()
	ob, ok := r.orderInstances[ub.UserBrokerID]
	r.mu.RUnlock()
	if ok {
		return ob, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ob, ok := r.orderInstances[ub.UserBrokerID]; ok {
		return ob, nil
	}
	factory, ok := r.orderFactories[brokerCode]
	if !ok {
		return nil, fmt.Errorf("broker: no order broker registered for %q", brokerCode)
	}
	ob = factory(r.log)
	if err := ob.Connect(ctx, ub, session); err != nil {
		return nil, fmt.Errorf("broker: connect order broker %q: %w", brokerCode, err)
	}
	r.orderInstances[ub.UserBrokerID] = ob
	return ob, nil
}

// InvalidateSession drops cached adapters for a UserBroker so the next
// lookup reconnects with a fresh session token.
func (r *Registry) InvalidateSession(userBrokerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dataInstances, userBrokerID)
	delete(r.orderInstances, userBrokerID)
	delete(r.orderSemaphores, userBrokerID)
}

func (r *Registry) semaphoreFor(userBrokerID string) *semaphore.Weighted {
	r.mu.RLock()
	sem, ok := r.orderSemaphores[userBrokerID]
	r.mu.RUnlock()
	if ok {
		return sem
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sem, ok := r.orderSemaphores[userBrokerID]; ok {
		return sem
	}
	sem = semaphore.NewWeighted(maxConcurrentBrokerCalls)
	r.orderSemaphores[userBrokerID] = sem
	return sem
}

// AcquireOrderSlot blocks until a broker-call slot for userBrokerID is
// free or ctx is done. Callers on the order-placement path (spec §4.7
// step 3) must hold the slot for the duration of the broker round trip
// and release it via the returned func.
func (r *Registry) AcquireOrderSlot(ctx context.Context, userBrokerID string) (func(), error) {
	sem := r.semaphoreFor(userBrokerID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("broker: acquire order slot for %q: %w", userBrokerID, err)
	}
	return func() { sem.Release(1) }, nil
}

// TryAcquireOrderSlot attempts to claim a broker-call slot without
// blocking, for the reconciliation sweep (spec §4.10, §5(c)): if every
// slot is busy placing or polling orders, the reconciler defers that
// row to the next cycle instead of queuing behind the hot path.
func (r *Registry) TryAcquireOrderSlot(userBrokerID string) (func(), bool) {
	sem := r.semaphoreFor(userBrokerID)
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return func() { sem.Release(1) }, true
}
