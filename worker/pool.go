// Package worker provides the sharded bounded worker pool that parallelizes
// packet processing across CPU cores.
//
// Work is keyed: the FNV-1a hash of the key selects the shard, so every task
// for one sender lands on the same worker and per-sender order is preserved
// through the pool. Each shard's queue is bounded; when it is full the
// newest task is dropped and counted instead of growing the queue, trading
// an occasional lost frame for predictable latency.
package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull indicates the task was dropped because its shard's queue was
// saturated.
var ErrQueueFull = errors.New("worker shard queue full")

// Task is one unit of packet-path work.
type Task func()

// Stats holds the pool's counters. Snapshot values, safe to copy.
type Stats struct {
	Submitted uint64
	Executed  uint64
	Dropped   uint64
	Shards    int
	QueueLen  int // tasks currently queued across all shards
}

type shard struct {
	tasks chan Task
}

// Pool runs tasks on a fixed set of single-goroutine shards.
type Pool struct {
	shards []*shard

	submitted atomic.Uint64
	executed  atomic.Uint64
	dropped   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool of shardCount workers with queueDepth slots each.
// shardCount <= 0 selects GOMAXPROCS.
func NewPool(shardCount, queueDepth int) *Pool {
	if shardCount <= 0 {
		shardCount = runtime.GOMAXPROCS(0)
	}
	if queueDepth < 1 {
		queueDepth = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		shards: make([]*shard, shardCount),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range p.shards {
		p.shards[i] = &shard{tasks: make(chan Task, queueDepth)}
	}

	logrus.WithFields(logrus.Fields{
		"shards":      shardCount,
		"queue_depth": queueDepth,
	}).Info("worker pool created")

	return p
}

// Start launches one goroutine per shard.
func (p *Pool) Start() {
	for _, s := range p.shards {
		p.wg.Add(1)
		go p.run(s)
	}
}

func (p *Pool) run(s *shard) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-s.tasks:
			task()
			p.executed.Add(1)
		}
	}
}

// ShardFor returns the shard index the key maps to.
func (p *Pool) ShardFor(key []byte) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(len(p.shards)))
}

// Submit queues the task on the shard its key hashes to. Returns
// ErrQueueFull when the shard is saturated; the task is then dropped, never
// queued elsewhere, so ordering within a key is preserved.
func (p *Pool) Submit(key []byte, task Task) error {
	p.submitted.Add(1)
	s := p.shards[p.ShardFor(key)]

	select {
	case s.tasks <- task:
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	queued := 0
	for _, s := range p.shards {
		queued += len(s.tasks)
	}
	return Stats{
		Submitted: p.submitted.Load(),
		Executed:  p.executed.Load(),
		Dropped:   p.dropped.Load(),
		Shards:    len(p.shards),
		QueueLen:  queued,
	}
}

// Stop cancels the workers and waits for them to exit. Queued tasks that
// have not started are abandoned.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}
