package queue

import (
	"time"

	"github.com/panjf2000/ants/v2"
)

type WorkerPool struct {
	pool *ants.Pool
}

func NewWorkerPool(size int) (*WorkerPool, error) {
	pool, err := ants.NewPool(size, ants.WithExpiryDuration(time.Minute))
	if err != nil {
		return nil, err
	}
	return &WorkerPool{pool: pool}, nil
}

// Submit blocks until a worker is free.
func (p *WorkerPool) Submit(task func()) error {
	return p.pool.Submit(task)
}

// Running counts live workers, idle ones included until they expire.
func (p *WorkerPool) Running() int {
	return p.pool.Running()
}

func (p *WorkerPool) Stop(timeout time.Duration) error {
	return p.pool.ReleaseTimeout(timeout)
}
