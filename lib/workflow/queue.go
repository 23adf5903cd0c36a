package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dIdx/lib/index"
	"github.com/ValentinKolb/dIdx/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("workflow")

// ErrClosed is returned when enqueueing to a closed queue.
var ErrClosed = errors.New("workflow queue is closed")

// Task is the unit of work of a queue: the lazy jobs of one actor update.
type Task struct {
	Jobs []index.Job
	// Done is called once all jobs were attempted. err aggregates the failures
	// of the indexes the task touched. May be nil.
	Done func(err error)

	flushed chan struct{}
}

// Queue applies lazy index updates in the background.
type Queue struct {
	name    string
	tasks   *util.LockFreeMPSC[Task]
	timeout time.Duration
	done    chan struct{}

	batches  *metrics.Counter
	failures *metrics.Counter
	jobs     *metrics.Counter
}

// NewQueue starts a queue that applies at most batchSize tasks at once.
// timeout bounds the processing of one batch, 0 means no limit.
func NewQueue(name string, batchSize int, timeout time.Duration) *Queue {
	label := fmt.Sprintf("{queue=%q}", name)
	q := &Queue{
		name:     name,
		tasks:    util.NewLockFreeMPSC[Task](batchSize),
		timeout:  timeout,
		done:     make(chan struct{}),
		batches:  metrics.GetOrCreateCounter("didx_lazy_batches_total" + label),
		failures: metrics.GetOrCreateCounter("didx_lazy_failures_total" + label),
		jobs:     metrics.GetOrCreateCounter("didx_lazy_jobs_total" + label),
	}
	go q.run()
	return q
}

// Enqueue adds a task. It never blocks.
func (q *Queue) Enqueue(t Task) error {
	if len(t.Jobs) == 0 {
		if t.Done != nil {
			t.Done(nil)
		}
		return nil
	}
	t.flushed = nil
	if !q.tasks.Push(&t) {
		return ErrClosed
	}
	return nil
}

// Flush waits until every task enqueued before the call has been processed.
func (q *Queue) Flush(ctx context.Context) error {
	marker := &Task{flushed: make(chan struct{})}
	if !q.tasks.Push(marker) {
		return ErrClosed
	}
	select {
	case <-marker.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits until the queued ones are processed.
func (q *Queue) Close() {
	q.tasks.Close()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for batch := range q.tasks.Recv() {
		q.process(batch)
	}
	log.Debugf("queue %s stopped", q.name)
}

// process applies one batch. Jobs are grouped per index, the indexes are updated
// in parallel and each task learns the errors of the indexes it touched.
func (q *Queue) process(batch []*Task) {
	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	var order []index.Target
	perTarget := make(map[index.Target][]index.Job)
	for _, t := range batch {
		for _, j := range t.Jobs {
			target := j.Target()
			if _, ok := perTarget[target]; !ok {
				order = append(order, target)
			}
			perTarget[target] = append(perTarget[target], j)
		}
	}

	results := make(map[index.Target]error, len(order))
	if len(order) > 0 {
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for _, target := range order {
			wg.Add(1)
			go func(target index.Target, jobs []index.Job) {
				defer wg.Done()
				err := target.ApplyJobs(ctx, jobs)
				if err != nil {
					q.failures.Inc()
					log.Warningf("queue %s: lazy update of index %s failed: %v", q.name, target.Options().Name, err)
				}
				mu.Lock()
				results[target] = err
				mu.Unlock()
			}(target, perTarget[target])
			q.jobs.Add(len(perTarget[target]))
		}
		wg.Wait()
		q.batches.Inc()
	}

	for _, t := range batch {
		if t.flushed != nil {
			close(t.flushed)
			continue
		}
		if t.Done == nil {
			continue
		}
		var errs *multierror.Error
		seen := make(map[index.Target]bool)
		for _, j := range t.Jobs {
			target := j.Target()
			if seen[target] {
				continue
			}
			seen[target] = true
			if err := results[target]; err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		t.Done(errs.ErrorOrNil())
	}
}
