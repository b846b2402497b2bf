package store

import (
	"log"
	"sync"
)

// taskPool runs deferred persistence and mirroring work on a fixed number
// of workers with a bounded backlog. Submission blocks when the backlog is
// full, so writes back-pressure the caller instead of being dropped.
type taskPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

func newTaskPool(workers, queueSize int) *taskPool {
	p := &taskPool{tasks: make(chan func(), queueSize)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *taskPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

func (p *taskPool) submit(task func()) {
	select {
	case p.tasks <- task:
	default:
		log.Printf("store: task backlog full, blocking until a worker frees up")
		p.tasks <- task
	}
}

// close stops accepting work and waits for in-flight tasks to finish.
func (p *taskPool) close() {
	close(p.tasks)
	p.wg.Wait()
}
