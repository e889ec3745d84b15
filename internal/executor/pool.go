package executor

import "sync"

// Pool is a fixed-size worker pool shared across runs. One submitted
// function occupies one worker start-to-finish; submission blocks when all
// workers are busy, which bounds total migration concurrency regardless of
// how many runs are in flight.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPool creates a pool with size workers. Sizes under 1 are raised to 1.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Submit runs fn on a worker, blocking until one is free.
func (p *Pool) Submit(fn func()) {
	p.sem <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
}

// Wait blocks until every submitted function has returned.
func (p *Pool) Wait() { p.wg.Wait() }
