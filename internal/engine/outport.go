package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned when a row is accepted after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// ErrPortNotConnected is returned when a row is accepted before
// ConnectOutput.
var ErrPortNotConnected = errors.New("output port not connected")

// PortResult is one processed row leaving a worker pool.
type PortResult struct {
	Row map[string]any
	Err error
}

// OutputPort consumes pool results. The pool calls it from a single
// goroutine, strictly in acceptance order.
type OutputPort func(res PortResult)

// WorkFunc processes one row inside a worker pool.
type WorkFunc func(ctx context.Context, row map[string]any) (map[string]any, error)

// WorkerPool fans rows out across worker goroutines while preserving
// FIFO output order: results emit in the order rows were accepted, not
// the order workers finish. Transforms that parallelize internally wrap
// their per-row work in a pool; the runtime outside only ever sees the
// row-in, row-out contract.
//
// Accept and Flush are intended for a single caller, matching the
// engine's single-threaded row dispatch.
type WorkerPool struct {
	work WorkFunc

	mu      sync.Mutex
	started bool
	closed  bool

	input    chan poolItem
	slots    chan chan PortResult
	workers  sync.WaitGroup
	emitDone sync.WaitGroup
	inflight sync.WaitGroup
}

type poolItem struct {
	ctx  context.Context
	row  map[string]any
	slot chan PortResult
}

// NewWorkerPool creates a pool around the given work function. The pool
// is inert until ConnectOutput attaches a port.
func NewWorkerPool(work WorkFunc) *WorkerPool {
	return &WorkerPool{work: work}
}

// ConnectOutput attaches the output port and starts maxPending workers.
// maxPending bounds both the fan-out and the number of accepted rows
// whose results have not yet emitted; Accept blocks at the bound.
func (p *WorkerPool) ConnectOutput(out OutputPort, maxPending int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("output port already connected")
	}

	if maxPending < 1 {
		maxPending = 1
	}

	p.input = make(chan poolItem)
	p.slots = make(chan chan PortResult, maxPending)
	p.started = true

	for range maxPending {
		p.workers.Add(1)
		go p.worker()
	}

	p.emitDone.Add(1)
	go p.emitter(out)

	return nil
}

// Accept submits one row for processing, blocking while maxPending rows
// are in flight. Cancelling ctx abandons the wait; a row whose slot was
// already reserved still emits, carrying the context error.
func (p *WorkerPool) Accept(ctx context.Context, row map[string]any) error {
	p.mu.Lock()
	switch {
	case !p.started:
		p.mu.Unlock()
		return ErrPortNotConnected
	case p.closed:
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	slot := make(chan PortResult, 1)

	select {
	case p.slots <- slot:
		p.inflight.Add(1)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case p.input <- poolItem{ctx: ctx, row: row, slot: slot}:
		return nil
	case <-ctx.Done():
		// The slot is already queued; fill it so the emitter never stalls
		// on an abandoned position.
		slot <- PortResult{Err: ctx.Err()}

		return ctx.Err()
	}
}

// Flush blocks until every accepted row has emitted.
func (p *WorkerPool) Flush() {
	p.inflight.Wait()
}

// Close drains in-flight work, emits the remaining results in order, and
// releases the workers. Safe to call more than once.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if !p.started || p.closed {
		p.closed = true
		p.mu.Unlock()

		return
	}

	p.closed = true
	p.mu.Unlock()

	close(p.input)
	p.workers.Wait()
	close(p.slots)
	p.emitDone.Wait()
}

func (p *WorkerPool) worker() {
	defer p.workers.Done()

	for item := range p.input {
		row, err := p.work(item.ctx, item.row)
		item.slot <- PortResult{Row: row, Err: err}
	}
}

func (p *WorkerPool) emitter(out OutputPort) {
	defer p.emitDone.Done()

	for slot := range p.slots {
		out(<-slot)
		p.inflight.Done()
	}
}
