package vm

import "sync"

// compileJob is one background OSR compilation.
type compileJob struct {
	meta  *OSRMetadata
	entry *osrEntry
	spec  *transferState
}

// compileQueue feeds OSR compilations to a fixed set of worker goroutines.
// Submission never blocks: when the queue is full the caller keeps
// interpreting and tries again on a later poll.
type compileQueue struct {
	pending chan compileJob
	done    chan struct{}
	workers sync.WaitGroup

	mu       sync.Mutex
	idle     *sync.Cond
	stopped  bool
	inflight int // submitted and not yet finished or abandoned
}

func newCompileQueue(size, workers int) *compileQueue {
	q := &compileQueue{
		pending: make(chan compileJob, size),
		done:    make(chan struct{}),
	}
	q.idle = sync.NewCond(&q.mu)
	for i := 0; i < workers; i++ {
		q.workers.Add(1)
		go q.worker()
	}
	return q
}

func (q *compileQueue) submit(job compileJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}

	select {
	case q.pending <- job:
		q.inflight++
		return true
	default:
		// Queue full
		return false
	}
}

func (q *compileQueue) finished() {
	q.mu.Lock()
	q.inflight--
	if q.inflight == 0 {
		q.idle.Broadcast()
	}
	q.mu.Unlock()
}

func (q *compileQueue) worker() {
	defer q.workers.Done()
	for {
		select {
		case job := <-q.pending:
			job.meta.compile(job.entry, job.spec)
			q.finished()
		case <-q.done:
			return
		}
	}
}

// wait blocks until every submitted job has finished or been abandoned.
func (q *compileQueue) wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.inflight > 0 {
		q.idle.Wait()
	}
}

// stop shuts the workers down and abandons whatever is still queued.
func (q *compileQueue) stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.done)
	q.mu.Unlock()

	q.workers.Wait()
	for {
		select {
		case job := <-q.pending:
			job.meta.abandon(job.entry)
			q.finished()
		default:
			return
		}
	}
}
