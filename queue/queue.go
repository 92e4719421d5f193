package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrQueueFull is returned when a task is dropped because the buffer is full.
var ErrQueueFull = errors.New("dispatch queue full")

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("dispatch queue closed")

// Task is a best-effort unit of work. The context carries the per-task timeout.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

var (
	queueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_queue_length",
		Help: "Current number of tasks waiting in the dispatch queue",
	})
	processingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_task_seconds",
		Help:    "Time taken to run dispatched tasks",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
	workersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_workers",
		Help: "Live workers in the dispatch pool",
	})
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_tasks_total",
		Help: "Dispatched tasks by result",
	}, []string{"task", "result"})
)

// Queue runs fire-and-forget tasks on a bounded worker pool. Enqueue never
// blocks: when the buffer is full the task is dropped and counted.
type Queue struct {
	tasks      chan Task
	workerPool *WorkerPool
	timeout    time.Duration
	logger     zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewQueue(numWorkers, capacity int, timeout time.Duration, logger zerolog.Logger) (*Queue, error) {
	pool, err := NewWorkerPool(numWorkers)
	if err != nil {
		return nil, err
	}
	q := &Queue{
		tasks:      make(chan Task, capacity),
		workerPool: pool,
		timeout:    timeout,
		logger:     logger.With().Str("component", "queue").Logger(),
		done:       make(chan struct{}),
	}
	go q.dispatch()
	return q, nil
}

func (q *Queue) Enqueue(task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- task:
		queueLength.Inc()
		return nil
	default:
		tasksProcessed.WithLabelValues(task.Name, "dropped").Inc()
		return ErrQueueFull
	}
}

func (q *Queue) dispatch() {
	defer close(q.done)
	for task := range q.tasks {
		queueLength.Dec()
		task := task
		q.wg.Add(1)
		if err := q.workerPool.Submit(func() {
			defer q.wg.Done()
			q.run(task)
		}); err != nil {
			q.wg.Done()
			tasksProcessed.WithLabelValues(task.Name, "dropped").Inc()
			q.logger.Warn().Err(err).Str("task", task.Name).Msg("Worker pool rejected task")
		}
	}
}

func (q *Queue) run(task Task) {
	workersLive.Set(float64(q.workerPool.Running()))
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	result := "ok"
	if err := task.Run(ctx); err != nil {
		result = "error"
		q.logger.Warn().Err(err).Str("task", task.Name).Msg("Dispatched task failed")
	}
	tasksProcessed.WithLabelValues(task.Name, result).Inc()
	processingTime.WithLabelValues(task.Name).Observe(time.Since(start).Seconds())
}

// Close stops accepting tasks, drains the buffer and waits for running tasks.
func (q *Queue) Close(timeout time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	<-q.done
	q.wg.Wait()
	err := q.workerPool.Stop(timeout)
	workersLive.Set(float64(q.workerPool.Running()))
	return err
}
