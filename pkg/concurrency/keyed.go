package concurrency

import (
	"fmt"
	"liqhunter/internal/core"
	"sync"
)

// KeyedExecutor runs tasks serially per key while distinct keys execute in
// parallel on the shared pool. Tasks for one key run in submission order
// with at most one inflight, which gives each key single-writer semantics
// without a lock held across venue calls.
type KeyedExecutor struct {
	pool   *WorkerPool
	logger core.ILogger

	mu       sync.Mutex
	queues   map[string][]func()
	draining map[string]bool
	maxQueue int
	stopped  bool
	wg       sync.WaitGroup
}

// NewKeyedExecutor creates a per-key serial executor over the given pool.
// maxQueue bounds the backlog of any single key; 0 means 64.
func NewKeyedExecutor(pool *WorkerPool, maxQueue int, logger core.ILogger) *KeyedExecutor {
	if maxQueue <= 0 {
		maxQueue = 64
	}
	return &KeyedExecutor{
		pool:     pool,
		logger:   logger,
		queues:   make(map[string][]func()),
		draining: make(map[string]bool),
		maxQueue: maxQueue,
	}
}

// Submit enqueues a task for the key. Returns an error when the executor is
// stopped or the key's backlog is full; the task is dropped in both cases.
func (k *KeyedExecutor) Submit(key string, task func()) error {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return fmt.Errorf("keyed executor stopped")
	}
	if len(k.queues[key]) >= k.maxQueue {
		k.mu.Unlock()
		return fmt.Errorf("queue for key %q is full (%d)", key, k.maxQueue)
	}
	k.queues[key] = append(k.queues[key], task)
	needDrain := !k.draining[key]
	if needDrain {
		k.draining[key] = true
		k.wg.Add(1)
	}
	k.mu.Unlock()

	if needDrain {
		if err := k.pool.Submit(func() { k.drain(key) }); err != nil {
			k.mu.Lock()
			k.draining[key] = false
			k.mu.Unlock()
			k.wg.Done()
			return err
		}
	}
	return nil
}

// drain runs the key's queue to exhaustion, one task at a time.
func (k *KeyedExecutor) drain(key string) {
	defer k.wg.Done()
	for {
		k.mu.Lock()
		q := k.queues[key]
		if len(q) == 0 {
			k.draining[key] = false
			delete(k.queues, key)
			k.mu.Unlock()
			return
		}
		task := q[0]
		k.queues[key] = q[1:]
		k.mu.Unlock()

		task()
	}
}

// Pending returns the backlog size for a key.
func (k *KeyedExecutor) Pending(key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.queues[key])
}

// Stop rejects new tasks and waits for queued ones to finish.
func (k *KeyedExecutor) Stop() {
	k.mu.Lock()
	k.stopped = true
	k.mu.Unlock()
	k.wg.Wait()
}
