package train

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/pcl-projects/STRN/types/xsync"
)

// Role names under which actors register. Worker and shard names carry
// their index suffix, e.g. "worker0", "ps2".
const (
	WorkerRolePrefix = "worker"
	ShardRolePrefix  = "ps"
	TesterRole       = "tester"
)

// WorkerName returns the stable logical name of worker id.
func WorkerName(id int) string { return fmt.Sprintf("%s%d", WorkerRolePrefix, id) }

// ShardName returns the stable logical name of aggregator shard id.
func ShardName(id int) string { return fmt.Sprintf("%s%d", ShardRolePrefix, id) }

// Registry resolves stable logical names to actor handles. Actor references
// are never held as owning pointers between actors; everything is resolved
// through the registry the coordinator fills at bootstrap.
//
// Registration is a rendezvous: the Ready latch triggers only once every
// expected participant has registered, and no aggregation call may be issued
// before that.
type Registry struct {
	expected   int32
	registered atomic.Int32
	ready      *xsync.Latch
	entries    xsync.SyncMap[string, any]
}

// NewRegistry returns a registry expecting the given number of participants.
func NewRegistry(expected int) *Registry {
	return &Registry{
		expected: int32(expected),
		ready:    xsync.NewLatch(),
	}
}

// Register adds an actor under its logical name. Registering the last
// expected participant triggers the Ready latch.
func (r *Registry) Register(name string, actor any) error {
	if _, loaded := r.entries.LoadOrStore(name, actor); loaded {
		return errors.Errorf("actor %q registered twice", name)
	}
	if r.registered.Add(1) == r.expected {
		r.ready.Trigger()
	}
	return nil
}

// WaitReady blocks until every expected participant has registered.
func (r *Registry) WaitReady() { r.ready.Wait() }

// Ready returns the rendezvous latch.
func (r *Registry) Ready() *xsync.Latch { return r.ready }

// Shard resolves aggregator shard id to its client surface.
func (r *Registry) Shard(id int) (ShardClient, error) {
	return lookup[ShardClient](r, ShardName(id))
}

// Worker resolves worker id to its client surface.
func (r *Registry) Worker(id int) (WorkerClient, error) {
	return lookup[WorkerClient](r, WorkerName(id))
}

// Tester resolves the tester's client surface.
func (r *Registry) Tester() (TesterClient, error) {
	return lookup[TesterClient](r, TesterRole)
}

func lookup[T any](r *Registry, name string) (T, error) {
	var zero T
	actor, found := r.entries.Load(name)
	if !found {
		return zero, errors.Errorf("no actor registered under %q", name)
	}
	client, ok := actor.(T)
	if !ok {
		return zero, errors.Errorf("actor %q (%T) does not implement the requested client surface", name, actor)
	}
	return client, nil
}
