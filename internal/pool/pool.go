// Package pool provides the worker pool that runs subscription refreshes.
// Every JSON-RPC round trip issued by the store is executed by one of the pool's
// goroutines, which bounds the number of concurrent requests hitting the node.
package pool

import (
	"log/slog"

	"github.com/alitto/pond/v2"
)

type (
	// PoolOpts contains configuration options for creating a new Pool.
	PoolOpts struct {
		Logg        *slog.Logger // Structured logger
		WorkerCount int          // Maximum number of concurrent tasks
	}

	// Pool manages a bounded worker pool for concurrent refreshes.
	Pool struct {
		logg       *slog.Logger
		workerPool pond.Pool
	}

	// Group tracks a batch of tasks submitted together.
	Group struct {
		logg  *slog.Logger
		group pond.TaskGroup
		tasks int
	}
)

// New creates a new Pool instance with the specified number of workers.
func New(o PoolOpts) *Pool {
	return &Pool{
		logg: o.Logg,
		workerPool: pond.NewPool(
			o.WorkerCount,
		),
	}
}

// Stop gracefully stops the worker pool, waiting for all in-flight tasks to complete.
func (p *Pool) Stop() {
	p.workerPool.StopAndWait()
}

// Go submits a task for asynchronous execution (non-blocking).
func (p *Pool) Go(task func()) {
	p.workerPool.Submit(task)
}

// NewGroup creates a task group whose Wait returns once every submitted task has finished.
func (p *Pool) NewGroup() *Group {
	return &Group{
		logg:  p.logg,
		group: p.workerPool.NewGroup(),
	}
}

// Go submits a task to the group. Go must not be called concurrently with itself or Wait.
func (g *Group) Go(task func()) {
	g.tasks++
	g.group.Submit(task)
}

// Wait blocks until every task of the group has finished.
func (g *Group) Wait() {
	if g.tasks == 0 {
		return
	}
	if err := g.group.Wait(); err != nil {
		g.logg.Error("task group failed", "error", err)
	}
}

// Size returns the number of tasks currently waiting in the queue.
func (p *Pool) Size() uint64 {
	return p.workerPool.WaitingTasks()
}

// ActiveWorkers returns the number of workers currently running tasks.
func (p *Pool) ActiveWorkers() int64 {
	return p.workerPool.RunningWorkers()
}
