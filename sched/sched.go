/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package sched runs the fixed worker pool that replays per-thread code
// streams. Workers gate on an init semaphore until the precall stream has
// finished, then run truly in parallel; the fini semaphore synchronizes
// their completion back to the main thread.
package sched

import (
	"errors"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const (
	// MaxWorkers bounds the pool; programs never request more.
	MaxWorkers = 64
)

var (
	ErrTooManyWorkers = errors.New("Worker count exceeds the pool bound")
)

// Semaphore is a counting semaphore with post/wait semantics. Posts do not
// block while fewer than MaxWorkers are pending, and a burst of posts
// releases that many waiters concurrently, which is exactly the racy
// release the fuzzer wants.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore() *Semaphore {
	return &Semaphore{ch: make(chan struct{}, MaxWorkers)}
}

func (s *Semaphore) Post() {
	s.ch <- struct{}{}
}

func (s *Semaphore) Wait() {
	<-s.ch
}

// WorkerFunc replays one worker's code stream.
type WorkerFunc func(worker int) error

// Pool is a spawned set of workers parked on the init semaphore.
type Pool struct {
	n        int
	semaInit *Semaphore
	semaFini *Semaphore
	eg       *errgroup.Group
}

// Spawn starts n workers. Each locks itself to an OS thread (flow identity
// is per thread), parks on the init semaphore, runs its work function, and
// posts the fini semaphore whether or not the work errored.
func Spawn(n int, work WorkerFunc) (*Pool, error) {
	if n < 0 || n > MaxWorkers {
		return nil, ErrTooManyWorkers
	}
	p := &Pool{
		n:        n,
		semaInit: NewSemaphore(),
		semaFini: NewSemaphore(),
		eg:       new(errgroup.Group),
	}
	for i := 0; i < n; i++ {
		worker := i
		p.eg.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			p.semaInit.Wait()
			err := work(worker)
			p.semaFini.Post()
			return err
		})
	}
	return p, nil
}

// Release posts the init semaphore once per worker, opening the race
// window for the whole pool at once.
func (p *Pool) Release() {
	for i := 0; i < p.n; i++ {
		p.semaInit.Post()
	}
}

// WaitDone blocks until every worker has posted its completion.
func (p *Pool) WaitDone() {
	for i := 0; i < p.n; i++ {
		p.semaFini.Wait()
	}
}

// Join reaps the workers and surfaces the first work error.
func (p *Pool) Join() error {
	return p.eg.Wait()
}
