// Copyright (c) 2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/tomb.v2"

	"github.com/canonical/dreamboot/internals/bootmgr"
	"github.com/canonical/dreamboot/internals/logger"
)

type OpStatus string

const (
	OpPending OpStatus = "pending"
	OpRunning OpStatus = "running"
	OpDone    OpStatus = "done"
	OpFailed  OpStatus = "failed"
)

var (
	errShuttingDown = errors.New("daemon is shutting down")
	errQueueFull    = errors.New("too many pending operations")
)

// maxReadyOps bounds the number of finished operations remembered.
var maxReadyOps = 32

const maxPendingOps = 8

type opFunc func(ctx context.Context) bootmgr.Outcome

// operation is a mutating request queued for the worker.
type operation struct {
	id      string
	kind    string
	summary string
	run     opFunc
	ready   chan struct{}

	mu        sync.Mutex
	status    OpStatus
	spawnTime time.Time
	readyTime time.Time
	outcome   *bootmgr.Outcome
}

type opInfo struct {
	ID        string           `json:"id"`
	Kind      string           `json:"kind"`
	Summary   string           `json:"summary"`
	Status    OpStatus         `json:"status"`
	Ready     bool             `json:"ready"`
	SpawnTime time.Time        `json:"spawn-time"`
	ReadyTime *time.Time       `json:"ready-time,omitempty"`
	Outcome   *bootmgr.Outcome `json:"outcome,omitempty"`
}

func (op *operation) info() *opInfo {
	op.mu.Lock()
	defer op.mu.Unlock()
	info := &opInfo{
		ID:        op.id,
		Kind:      op.kind,
		Summary:   op.summary,
		Status:    op.status,
		Ready:     op.status == OpDone || op.status == OpFailed,
		SpawnTime: op.spawnTime,
		Outcome:   op.outcome,
	}
	if !op.readyTime.IsZero() {
		t := op.readyTime
		info.ReadyTime = &t
	}
	return info
}

func (op *operation) finish(out bootmgr.Outcome) {
	op.mu.Lock()
	op.outcome = &out
	op.readyTime = time.Now()
	op.status = OpDone
	if !out.Success() {
		op.status = OpFailed
	}
	op.mu.Unlock()
	close(op.ready)
}

// opQueue runs mutating operations one after the other, in the order they
// were requested, on a single worker goroutine.
type opQueue struct {
	mu      sync.Mutex
	ops     map[string]*operation
	order   []*operation
	pending chan *operation
	stopped bool
}

func newOpQueue() *opQueue {
	return &opQueue{
		ops:     make(map[string]*operation),
		pending: make(chan *operation, maxPendingOps),
	}
}

// start runs the worker under t. Once t is dying, queued operations are
// failed without being run.
func (q *opQueue) start(t *tomb.Tomb) {
	t.Go(func() error {
		ctx := t.Context(context.Background())
		for {
			// Dying wins over queued work.
			select {
			case <-t.Dying():
				q.drain()
				return nil
			default:
			}
			select {
			case <-t.Dying():
				q.drain()
				return nil
			case op := <-q.pending:
				q.execute(ctx, op)
			}
		}
	})
}

func (q *opQueue) execute(ctx context.Context, op *operation) {
	op.mu.Lock()
	op.status = OpRunning
	op.mu.Unlock()
	logger.Debugf("Running operation %s (%s).", op.id, op.kind)
	op.finish(op.run(bootmgr.WithOperationID(ctx, op.id)))
}

func (q *opQueue) drain() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	for {
		select {
		case op := <-q.pending:
			logger.Noticef("Dropping operation %s (%s): %v", op.id, op.kind, errShuttingDown)
			op.finish(bootmgr.Outcome{
				ID:        op.id,
				Operation: op.kind,
				Status:    bootmgr.StatusFailed,
				Kind:      bootmgr.KindUnknown,
				Message:   "Daemon stopped before the operation could run",
			})
		default:
			return
		}
	}
}

// enqueue queues run under a new operation id.
func (q *opQueue) enqueue(kind, summary string, run opFunc) (*operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return nil, errShuttingDown
	}
	op := &operation{
		id:        uuid.NewString(),
		kind:      kind,
		summary:   summary,
		run:       run,
		ready:     make(chan struct{}),
		status:    OpPending,
		spawnTime: time.Now(),
	}
	select {
	case q.pending <- op:
	default:
		return nil, errQueueFull
	}
	q.ops[op.id] = op
	q.order = append(q.order, op)
	q.prune()
	return op, nil
}

// prune forgets the oldest finished operations beyond maxReadyOps.
func (q *opQueue) prune() {
	ready := 0
	for i := len(q.order) - 1; i >= 0; i-- {
		op := q.order[i]
		if !op.info().Ready {
			continue
		}
		ready++
		if ready > maxReadyOps {
			delete(q.ops, op.id)
			q.order = append(q.order[:i], q.order[i+1:]...)
		}
	}
}

func (q *opQueue) get(id string) *operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ops[id]
}

func (q *opQueue) list() []*opInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	infos := make([]*opInfo, 0, len(q.order))
	for _, op := range q.order {
		infos = append(infos, op.info())
	}
	return infos
}

// wait blocks until op is ready or ctx is done.
func (q *opQueue) wait(ctx context.Context, op *operation) error {
	select {
	case <-op.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("operation %s not ready: %w", op.id, ctx.Err())
	}
}
