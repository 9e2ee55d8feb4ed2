package database

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
)

// ErrWorkerClosed is returned by Do after Close
var ErrWorkerClosed = errors.New("database worker is closed")

// TxFn is a unit of work executed inside one transaction
type TxFn func(ctx context.Context, tx *sql.Tx) error

// job states
const (
	jobQueued int32 = iota
	jobTaken
	jobAbandoned
)

type job struct {
	ctx   context.Context
	fn    TxFn
	ch    chan error
	state *atomic.Int32
}

// Worker serializes write transactions through one goroutine
type Worker struct {
	db     *sql.DB
	jobs   chan job
	done   chan struct{}
	closed chan struct{}
}

// NewWorker starts a worker over db
func NewWorker(db *sql.DB) *Worker {
	w := &Worker{
		db:     db,
		jobs:   make(chan job, 256),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Close drains queued jobs and stops the worker
func (w *Worker) Close() {
	select {
	case <-w.closed:
		return
	default:
	}
	close(w.closed)
	close(w.jobs)
	<-w.done
}

// Do runs fn in a transaction on the worker goroutine and waits for the result.
// A job still queued when ctx ends is dropped and the caller gets ctx.Err().
// Once the worker has taken the job, Do waits for the commit or rollback so
// the caller never reports a write that actually landed as failed.
func (w *Worker) Do(ctx context.Context, fn TxFn) (err error) {
	defer func() {
		// send on closed channel after Close
		if recover() != nil {
			err = ErrWorkerClosed
		}
	}()

	select {
	case <-w.closed:
		return ErrWorkerClosed
	default:
	}

	j := job{ctx: ctx, fn: fn, ch: make(chan error, 1), state: new(atomic.Int32)}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.ch:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ctx.Err()
		}
		return <-j.ch
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	for j := range w.jobs {
		if !j.state.CompareAndSwap(jobQueued, jobTaken) {
			continue
		}
		j.ch <- w.run(j)
	}
}

// run executes one job. database/sql rolls the transaction back if j.ctx ends
// before Commit.
func (w *Worker) run(j job) error {
	if err := j.ctx.Err(); err != nil {
		return err
	}

	tx, err := w.db.BeginTx(j.ctx, nil)
	if err != nil {
		return err
	}
	if err := j.fn(j.ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
