package transport

import (
	"sync"

	"go.uber.org/zap"
)

type writeJob struct {
	data []byte
	done chan error
}

// writeQueue serializes writes onto a link that tolerates only one
// outstanding write. Each write finishes before the next one starts.
type writeQueue struct {
	write func([]byte) error
	log   *zap.Logger

	jobs chan writeJob
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newWriteQueue(write func([]byte) error, log *zap.Logger) *writeQueue {
	q := &writeQueue{
		write: write,
		log:   log,
		jobs:  make(chan writeJob, 64),
		stop:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *writeQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case job := <-q.jobs:
			err := q.write(job.data)
			if err != nil {
				q.log.Warn("write failed", zap.Int("bytes", len(job.data)), zap.Error(err))
			}
			job.done <- err
		}
	}
}

// Submit enqueues p and waits for its write to complete.
func (q *writeQueue) Submit(p []byte) error {
	job := writeJob{data: append([]byte(nil), p...), done: make(chan error, 1)}
	select {
	case <-q.stop:
		return ErrClosed
	case q.jobs <- job:
	}
	select {
	case err := <-job.done:
		return err
	case <-q.stop:
		return ErrClosed
	}
}

// Close stops the writer. Pending submissions fail with ErrClosed.
func (q *writeQueue) Close() {
	q.once.Do(func() { close(q.stop) })
	q.wg.Wait()
}
