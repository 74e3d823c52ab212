// Package xsync implements the synchronization tools used by the aggregation
// layer: one-shot latches, resolvable futures and a typed sync.Map wrapper.
package xsync

import "sync"

// Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
//
// The coordinator uses a Latch as the registration rendezvous: no aggregation
// call is issued before the latch triggers.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger latch.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()

	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel one can use on a `select` to check when the
// latch triggers. The returned channel is closed when the latch is triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// Future is a one-shot completion signal carrying a value, shared by every
// contributor of one aggregation round.
//
// A Future resolves exactly once; later Resolve calls are discarded. A
// resolved Future is never reused for the next round, the owner installs a
// fresh one instead.
type Future[T any] struct {
	value T
	latch *Latch
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{
		latch: NewLatch(),
	}
}

// Resolve the future with value. Only the first call has any effect.
func (f *Future[T]) Resolve(value T) {
	f.latch.muTrigger.Lock()
	defer f.latch.muTrigger.Unlock()

	if f.latch.Test() {
		// Already resolved, discard value.
		return
	}
	f.value = value
	close(f.latch.wait)
}

// Wait blocks until the future is resolved and returns its value.
func (f *Future[T]) Wait() T {
	f.latch.Wait()
	return f.value
}

// Test checks whether the future has been resolved.
func (f *Future[T]) Test() bool {
	return f.latch.Test()
}

// Done returns a channel that is closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.latch.WaitChan()
}

// SyncMap is a trivial wrapper to sync.Map that casts the key and value types
// accordingly.
//
// As sync.Map, it can be created ready to go, but should not be copied once
// it is used.
type SyncMap[K comparable, V any] struct {
	Map sync.Map
}

// Load returns the value stored in the map for a key.
// The ok result indicates whether value was found in the map.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.Map.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// Store sets the value for a key.
func (m *SyncMap[K, V]) Store(key K, value V) {
	m.Map.Store(key, value)
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.Map.LoadOrStore(key, value)
	return v.(V), loaded
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
func (m *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.Map.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}
