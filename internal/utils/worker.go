package utils

import (
	"errors"

	"github.com/rs/zerolog"
	tomb "gopkg.in/tomb.v2"
)

const (
	TASK_CHAN_SIZE = 256
)

var ErrPoolFull = errors.New("worker pool queue full")

type WorkerFunction = func(t *tomb.Tomb, task any) error
type WorkerPool struct {
	log   zerolog.Logger
	n     int      // number of workers
	tasks chan any // queued tasks
}

// NewWorkerPool creates a pool of size workers. A single worker runs tasks
// in the order they were added.
func NewWorkerPool(size uint, logger zerolog.Logger) *WorkerPool {
	if size == 0 {
		size = 1
	}
	return &WorkerPool{
		log:   logger.With().Str("component", "workers").Logger(),
		n:     int(size),
		tasks: make(chan any, TASK_CHAN_SIZE),
	}
}

// Setup starts the workers under t. They stop once t is dying; a worker whose
// task fails kills t.
func (pool *WorkerPool) Setup(t *tomb.Tomb, work WorkerFunction) {
	for id := 0; id < pool.n; id++ {
		t.Go(func() error {
			return pool.worker(t, id, work)
		})
	}
}

// AddTask queues task without blocking.
func (pool *WorkerPool) AddTask(task any) error {
	select {
	case pool.tasks <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Workers wait on tasks in the queue and action them.
func (pool *WorkerPool) worker(t *tomb.Tomb, id int, work WorkerFunction) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case task := <-pool.tasks:
			if err := work(t, task); err != nil {
				pool.log.Error().Err(err).Int("id", id).Msg("worker exiting")
				return err
			}
		}
	}
}
