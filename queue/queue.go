// Package queue implements the Download Queue of spec.md §4.D: admission
// control over a single logical queue of resource.DownloadTask values,
// dispatched across a set of registered processor.Processor instances.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/resourcedl/processor"
	"github.com/NVIDIA/resourcedl/resource"
)

// Observer receives queue-level lifecycle events (spec.md §4.D "Observer
// events"). The manager's own retry hook (willRetryFailedDownload) is
// layered on top of these by the resource manager, not by the queue.
type Observer interface {
	DidStartDownloading(task *resource.DownloadTask)
	DidFinishDownload(task *resource.DownloadTask, err error)
}

// Metrics holds the counters of spec.md §4.D: "requested, downloadBegan,
// downloadCompleted, failed, processed (processed = began + failed)".
// Processed is derived rather than stored, so it can never drift from
// its definition.
type Metrics struct {
	Requested         int64
	DownloadBegan     int64
	DownloadCompleted int64
	Failed            int64
}

// Processed returns began + failed, per spec.md §4.D.
func (m Metrics) Processed() int64 { return m.DownloadBegan + m.Failed }

type entry struct {
	task *resource.DownloadTask
	seq  uint64
}

// Queue is the Download Queue actor. All mutation of queued/running/
// processors happens under mu, which stands in for the single-threaded
// actor isolation spec.md §5 describes.
type Queue struct {
	mu         sync.Mutex
	processors []processor.Processor
	queued     []*entry
	running    map[string]*entry
	active     bool
	ceiling    int
	inFlight   int
	seq        uint64
	observer   Observer
	stageDir   string

	requested, began, completed, failed int64
}

// NewQueue constructs a Queue with the given simultaneous-download
// ceiling (clamped to >= 1 per spec.md §4.D) and the staging directory
// processors write temp files into before the manager renames them into
// the cache.
func NewQueue(stageDir string, simultaneousDownloads int) *Queue {
	if simultaneousDownloads < 1 {
		simultaneousDownloads = 1
	}
	return &Queue{
		running:  make(map[string]*entry),
		active:   true,
		ceiling:  simultaneousDownloads,
		stageDir: stageDir,
	}
}

// SetObserver installs the single queue-observer (spec.md §4.D).
func (q *Queue) SetObserver(o Observer) {
	q.mu.Lock()
	q.observer = o
	q.mu.Unlock()
}

// AddProcessor admits a processor; the caller (normally the resource
// manager) must have already called processor.SetObserver so that
// per-attempt events route back to it.
func (q *Queue) AddProcessor(p processor.Processor) {
	q.mu.Lock()
	q.processors = append(q.processors, p)
	q.mu.Unlock()
	q.dispatch()
}

// RemoveProcessor withdraws a processor. Tasks already running on it are
// unaffected; they simply won't be redispatched to it once they fail.
func (q *Queue) RemoveProcessor(p processor.Processor) {
	q.mu.Lock()
	for i, existing := range q.processors {
		if existing == p {
			q.processors = append(q.processors[:i], q.processors[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
}

// SetSimultaneousDownloads applies a new ceiling immediately (spec.md
// §4.D: "if the new ceiling is below current in-flight count the excess
// continue but no new tasks admit until drained").
func (q *Queue) SetSimultaneousDownloads(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.ceiling = n
	q.mu.Unlock()
	q.dispatch()
}

// SetActive toggles admission (spec.md §4.D: "when false, admission
// halts but queued tasks are retained; true resumes admission").
func (q *Queue) SetActive(active bool) {
	q.mu.Lock()
	q.active = active
	q.mu.Unlock()
	if active {
		q.dispatch()
	}
}

// Enqueue pushes task at the tail of its priority bucket (spec.md §4.D:
// "reorders by (priority desc, insertion-order asc)").
func (q *Queue) Enqueue(task *resource.DownloadTask) {
	q.mu.Lock()
	atomic.AddInt64(&q.requested, 1)
	q.insertLocked(task, false)
	task.SetState(resource.TaskQueued)
	q.mu.Unlock()
	q.dispatch()
}

// Requeue reinserts a task whose current attempt failed locally and is
// about to retry. Per spec.md §4.E "re-admits to the same queue at the
// head (retries are prioritized over fresh tail work of the same
// priority)", it is inserted ahead of same-priority peers rather than
// behind them.
func (q *Queue) Requeue(task *resource.DownloadTask) {
	q.mu.Lock()
	if _, ok := q.running[task.ResourceID]; ok {
		delete(q.running, task.ResourceID)
		q.inFlight--
	}
	q.insertLocked(task, true)
	task.SetState(resource.TaskQueued)
	q.mu.Unlock()
	q.dispatch()
}

// insertLocked must be called with mu held. head=true places the task
// immediately before the first queued entry of equal or lower priority
// (i.e. at the head of its own priority bucket); head=false places it
// after the last entry of equal-or-higher priority (tail of its bucket).
func (q *Queue) insertLocked(task *resource.DownloadTask, head bool) {
	q.seq++
	e := &entry{task: task, seq: q.seq}
	prio := task.Priority

	idx := len(q.queued)
	if head {
		for i, existing := range q.queued {
			if existing.task.Priority <= prio {
				idx = i
				break
			}
		}
	} else {
		for i, existing := range q.queued {
			if existing.task.Priority < prio {
				idx = i
				break
			}
		}
		// for tail placement, also skip past any entries of equal priority
		for idx < len(q.queued) && q.queued[idx].task.Priority == prio {
			idx++
		}
	}
	q.queued = append(q.queued, nil)
	copy(q.queued[idx+1:], q.queued[idx:])
	q.queued[idx] = e
}

// Finish releases the in-flight slot for a task whose retry state
// machine has reached a terminal outcome (success or exhausted
// retries), notifies the observer, and triggers the next dispatch pass.
// Called by the resource manager, never by the queue itself.
func (q *Queue) Finish(task *resource.DownloadTask, err error) {
	q.mu.Lock()
	if _, ok := q.running[task.ResourceID]; ok {
		delete(q.running, task.ResourceID)
		q.inFlight--
	}
	if err != nil {
		atomic.AddInt64(&q.failed, 1)
	} else {
		atomic.AddInt64(&q.completed, 1)
	}
	observer := q.observer
	q.mu.Unlock()

	if observer != nil {
		observer.DidFinishDownload(task, err)
	}
	q.dispatch()
}

// Cancel removes a queued task outright, or withdraws an in-flight one
// from the running set, and delivers a failed-terminal event to the
// observer with err (spec.md §4.D: "guaranteed to deliver a
// failed-terminal event to any observer"). It does not itself abort the
// processor transport; the caller is responsible for signalling the
// task's current downloadable.
func (q *Queue) Cancel(resourceID string, err error) (task *resource.DownloadTask, found bool) {
	q.mu.Lock()
	var e *entry
	for i, c := range q.queued {
		if c.task.ResourceID == resourceID {
			q.queued = append(q.queued[:i], q.queued[i+1:]...)
			e = c
			break
		}
	}
	if e == nil {
		if c, ok := q.running[resourceID]; ok {
			delete(q.running, resourceID)
			q.inFlight--
			e = c
		}
	}
	if e == nil {
		q.mu.Unlock()
		return nil, false
	}
	atomic.AddInt64(&q.failed, 1)
	observer := q.observer
	q.mu.Unlock()

	if observer != nil {
		observer.DidFinishDownload(e.task, err)
	}
	q.dispatch()
	return e.task, true
}

// CancelAll drains every task the queue held, queued or running,
// delivering a failed-terminal event for each (spec.md §4.D).
func (q *Queue) CancelAll(err error) []*resource.DownloadTask {
	q.mu.Lock()
	all := make([]*entry, 0, len(q.queued)+len(q.running))
	all = append(all, q.queued...)
	for _, e := range q.running {
		all = append(all, e)
	}
	q.queued = nil
	q.running = make(map[string]*entry)
	q.inFlight = 0
	atomic.AddInt64(&q.failed, int64(len(all)))
	observer := q.observer
	q.mu.Unlock()

	tasks := make([]*resource.DownloadTask, 0, len(all))
	for _, e := range all {
		tasks = append(tasks, e.task)
		if observer != nil {
			observer.DidFinishDownload(e.task, err)
		}
	}
	return tasks
}

// EnqueuePending forwards to every registered processor (spec.md
// §4.D).
func (q *Queue) EnqueuePending() {
	q.mu.Lock()
	procs := append([]processor.Processor(nil), q.processors...)
	q.mu.Unlock()
	for _, p := range procs {
		p.EnqueuePending()
	}
}

// StageDir is the directory processors stream temp files into.
func (q *Queue) StageDir() string { return q.stageDir }

// dispatch implements spec.md §4.D's dispatch algorithm: "while active
// && in-flight < N && queue non-empty: pop the highest-priority head;
// find the first processor p where canProcess(head.downloadable); if
// found, transition queued -> running and call p.process; else leave
// the head in place and skip to the next candidate that has a matching
// processor".
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if !q.active || q.inFlight >= q.ceiling || len(q.queued) == 0 {
			q.mu.Unlock()
			return
		}

		var (
			matchIdx int = -1
			match    processor.Processor
			d        *resource.Downloadable
			e        *entry
		)
		for i, candidate := range q.queued {
			cd := candidate.task.Current()
			for _, p := range q.processors {
				if p.CanProcess(cd) {
					matchIdx, match, d, e = i, p, cd, candidate
					break
				}
			}
			if match != nil {
				break
			}
		}
		if match == nil {
			q.mu.Unlock()
			return
		}

		q.queued = append(q.queued[:matchIdx], q.queued[matchIdx+1:]...)
		q.running[e.task.ResourceID] = e
		q.inFlight++
		e.task.SetState(resource.TaskRunning)
		atomic.AddInt64(&q.began, 1)
		observer := q.observer
		stageDir := q.stageDir
		q.mu.Unlock()

		if observer != nil {
			observer.DidStartDownloading(e.task)
		}
		match.Process(d, resource.StartParams{Location: d.Mirror.Location, StageDir: stageDir})
	}
}

// CurrentDownloadCount is the number of in-flight downloads.
func (q *Queue) CurrentDownloadCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// QueuedDownloadCount is the number of tasks waiting for admission.
func (q *Queue) QueuedDownloadCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Downloads returns every task the queue currently knows about, queued
// and running.
func (q *Queue) Downloads() []*resource.DownloadTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*resource.DownloadTask, 0, len(q.queued)+len(q.running))
	for _, e := range q.queued {
		out = append(out, e.task)
	}
	for _, e := range q.running {
		out = append(out, e.task)
	}
	return out
}

// QueuedDownloads returns only tasks waiting for admission.
func (q *Queue) QueuedDownloads() []*resource.DownloadTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*resource.DownloadTask, 0, len(q.queued))
	for _, e := range q.queued {
		out = append(out, e.task)
	}
	return out
}

// CurrentDownloads returns only in-flight tasks.
func (q *Queue) CurrentDownloads() []*resource.DownloadTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*resource.DownloadTask, 0, len(q.running))
	for _, e := range q.running {
		out = append(out, e.task)
	}
	return out
}

// HasDownload reports whether id is queued or running.
func (q *Queue) HasDownload(id string) bool {
	_, ok := q.Download(id)
	return ok
}

// Download looks up a task by resource id, queued or running.
func (q *Queue) Download(id string) (*resource.DownloadTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.queued {
		if e.task.ResourceID == id {
			return e.task, true
		}
	}
	if e, ok := q.running[id]; ok {
		return e.task, true
	}
	return nil, false
}

// IsDownloading reports whether id is currently in flight (as opposed
// to merely queued).
func (q *Queue) IsDownloading(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.running[id]
	return ok
}

// MetricsSnapshot returns a point-in-time copy of the counters.
func (q *Queue) MetricsSnapshot() Metrics {
	return Metrics{
		Requested:         atomic.LoadInt64(&q.requested),
		DownloadBegan:     atomic.LoadInt64(&q.began),
		DownloadCompleted: atomic.LoadInt64(&q.completed),
		Failed:            atomic.LoadInt64(&q.failed),
	}
}
