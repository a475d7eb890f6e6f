// Package manager implements the Resource Manager of spec.md §4.E: the
// core that deduplicates requests by resource-id, drives the
// mirror-fallback/retry state machine, couples processor completion to
// the cache, and fans terminal outcomes out to completion handlers and
// observers.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package manager

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/NVIDIA/resourcedl/cache"
	"github.com/NVIDIA/resourcedl/cmn"
	"github.com/NVIDIA/resourcedl/mirrorpolicy"
	"github.com/NVIDIA/resourcedl/processor"
	"github.com/NVIDIA/resourcedl/queue"
	"github.com/NVIDIA/resourcedl/resource"
	"github.com/golang/glog"
	"golang.org/x/sync/semaphore"
)

// Observer receives resource-level lifecycle events (spec.md §4.E
// "add(observer)"): didStartDownloading and didFinishDownload are the
// queue's own events, re-broadcast here; willRetryFailedDownload is the
// manager's own retry hook.
type Observer interface {
	DidStartDownloading(task *resource.DownloadTask)
	WillRetryFailedDownload(task *resource.DownloadTask, failed, next *resource.Downloadable, err error)
	DidFinishDownload(task *resource.DownloadTask, err error)
}

// cacheWriteConcurrency bounds how many didFinish cache-write-coupling
// sequences (rename + index upsert + hot-tier populate) run at once,
// independent of the download concurrency ceiling: the two are
// different resources (network vs local filesystem) and should not
// share one budget.
const cacheWriteConcurrency = 8

// Manager is the Resource Manager actor. mu guards tasks/observers/
// active; the queue and cache index are themselves independently safe
// for concurrent use.
type Manager struct {
	cacheDir string
	index    cache.Index
	memory   *cache.MemoryCache
	queue    *queue.Queue
	policy   resource.MirrorPolicy

	writeSem *semaphore.Weighted

	mu        sync.Mutex
	active    bool
	tasks     map[string]*resource.DownloadTask
	observers map[cmn.Token]Observer
}

// New wires a Manager over an already-constructed queue and cache,
// registering itself as both the queue's observer and every processor's
// observer. cacheDir is the root directory final cache paths are
// resolved under (spec.md §6 "Persistent layout").
func New(cacheDir string, idx cache.Index, memory *cache.MemoryCache, q *queue.Queue, numberOfRetries int) *Manager {
	m := &Manager{
		cacheDir:  cacheDir,
		index:     idx,
		memory:    memory,
		queue:     q,
		policy:    mirrorpolicy.NewWeightedMirrorPolicy(numberOfRetries),
		writeSem:  semaphore.NewWeighted(cacheWriteConcurrency),
		active:    true,
		tasks:     make(map[string]*resource.DownloadTask),
		observers: make(map[cmn.Token]Observer),
	}
	q.SetObserver(m)
	return m
}

// AddProcessor registers a processor with both the queue and this
// manager as its observer, so processor lifecycle events feed the
// retry/cache-write state machine.
func (m *Manager) AddProcessor(p processor.Processor) {
	p.SetObserver(m)
	m.queue.AddProcessor(p)
}

// RemoveProcessor withdraws a processor from the queue.
func (m *Manager) RemoveProcessor(p processor.Processor) {
	m.queue.RemoveProcessor(p)
}

// Add registers an observer, returning a token for later removal via
// Remove.
func (m *Manager) Add(o Observer) cmn.Token {
	tok := cmn.NewToken()
	m.mu.Lock()
	m.observers[tok] = o
	m.mu.Unlock()
	return tok
}

func (m *Manager) Remove(tok cmn.Token) {
	m.mu.Lock()
	delete(m.observers, tok)
	m.mu.Unlock()
}

func (m *Manager) observersSnapshot() []Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		out = append(out, o)
	}
	return out
}

// SetActive toggles admission (spec.md §4.E "Active/inactive mode").
// Queued tasks, completion handlers and observer registrations survive;
// already-running downloads continue either way.
func (m *Manager) SetActive(active bool) {
	m.mu.Lock()
	m.active = active
	m.mu.Unlock()
	m.queue.SetActive(active)
}

// Request dedups resources by id, short-circuits pre-cached or
// already-sufficiently-cached ones, upgrades the record in place (no
// request, no re-download) for ones cached at a lower storage priority,
// and admits the rest, per spec.md §4.E "Deduplication & admission". It always returns request handles
// promptly, even while SetActive(false); the underlying queue simply
// withholds dispatch until reactivated.
func (m *Manager) Request(resources []resource.Resource, opts resource.RequestOptions) []resource.DownloadRequest {
	out := make([]resource.DownloadRequest, 0, len(resources))
	for _, r := range resources {
		if req, ok := m.admit(r, opts); ok {
			out = append(out, req)
		}
	}
	return out
}

func (m *Manager) admit(r resource.Resource, opts resource.RequestOptions) (resource.DownloadRequest, bool) {
	m.mu.Lock()
	if task, ok := m.tasks[r.ID]; ok {
		task.UpgradeStorage(opts.StoragePriority)
		m.mu.Unlock()
		return resource.NewDownloadRequest(task), true
	}
	m.mu.Unlock()

	if rec, hit, _ := m.index.Get(r.ID); hit {
		if rec.Priority.Upgrade(opts.StoragePriority) == rec.Priority {
			return resource.DownloadRequest{}, false
		}
		if _, err := m.index.UpgradePriority(r.ID, opts.StoragePriority); err != nil {
			glog.Errorf("manager: upgrade priority for %q: %v", r.ID, err)
		}
		return resource.DownloadRequest{}, false
	}

	if r.IsPreCached() {
		m.synthesizeCacheInsertion(r, opts.StoragePriority)
		return resource.DownloadRequest{}, false
	}

	task := resource.NewDownloadTask(r, opts, m.policy)
	m.mu.Lock()
	m.tasks[r.ID] = task
	m.mu.Unlock()
	m.queue.Enqueue(task)
	return resource.NewDownloadRequest(task), true
}

// synthesizeCacheInsertion handles a Resource arriving with a non-null
// FileURL: spec.md §4.E "the manager synthesizes a cache insertion and
// short-circuits the request path (no network, completion fires on the
// next scheduling tick)". Any completion handler registered afterward
// for this id observes it via the ordinary cache-hit branch of
// AddResourceCompletion.
func (m *Manager) synthesizeCacheInsertion(r resource.Resource, priority resource.StoragePriority) {
	info, err := os.Stat(r.FileURL)
	size := int64(0)
	if err == nil {
		size = info.Size()
	}
	if _, err := m.index.Put(r.ID, r.FileURL, priority, size); err != nil {
		glog.Errorf("manager: synthesize cache insertion for %q: %v", r.ID, err)
		return
	}
	if data, err := os.ReadFile(r.FileURL); err == nil {
		m.memory.Put(r.ID, data)
	}
}

// AddResourceCompletion registers a completion handler for id (spec.md
// §4.E). If a live task exists it is attached there; otherwise a cache
// hit resolves the handler with success=true and a miss resolves it
// with success=false, both delivered asynchronously ("on the next
// tick") so the caller never reenters its own registration call.
func (m *Manager) AddResourceCompletion(id string, handler resource.CompletionHandler) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	m.mu.Unlock()
	if ok {
		task.AddHandler(handler)
		return
	}

	_, hit, _ := m.index.Get(id)
	go cmn.RecoverObserver("completion-handler", func() { handler(hit, id) })
}

// Cancel cancels a single resource-id's task (queued or running),
// guaranteeing a failed-terminal event to observers and a false
// completion to every registered handler (spec.md §5 "Cancellation").
// A cancelled task never admits a retry.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	task.SetState(resource.TaskCancelled)
	task.Current().Cancel()
	m.queue.Cancel(id, cmn.NewCancelledError(id))
	task.Resolve(false)
}

// CancelAll cancels every live task (spec.md §4.E, §8 invariant 3).
func (m *Manager) CancelAll() {
	m.mu.Lock()
	tasks := make([]*resource.DownloadTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.tasks = make(map[string]*resource.DownloadTask)
	m.mu.Unlock()

	for _, t := range tasks {
		t.SetState(resource.TaskCancelled)
		t.Current().Cancel()
		m.queue.Cancel(t.ResourceID, cmn.NewCancelledError(t.ResourceID))
		t.Resolve(false)
	}
}

// --- queue.Observer: re-broadcast queue-level events to our own observers ---

var _ queue.Observer = (*Manager)(nil)

func (m *Manager) DidStartDownloading(task *resource.DownloadTask) {
	for _, o := range m.observersSnapshot() {
		observer := o
		cmn.RecoverObserver("manager.DidStartDownloading", func() { observer.DidStartDownloading(task) })
	}
}

func (m *Manager) DidFinishDownload(task *resource.DownloadTask, err error) {
	for _, o := range m.observersSnapshot() {
		observer := o
		cmn.RecoverObserver("manager.DidFinishDownload", func() { observer.DidFinishDownload(task, err) })
	}
}

// --- processor.Observer: drive the retry state machine and cache-write coupling ---

var _ processor.Observer = (*Manager)(nil)

func (m *Manager) DidBegin(d *resource.Downloadable) {
	// The queue already emits didStartDownloading at dispatch time, which
	// is also when Process(d) is invoked; nothing further to do here.
}

func (m *Manager) DidTransfer(d *resource.Downloadable, bytesWritten, totalExpected int64) {
	// Progress is read on demand via Downloadable.Progress(); no task-level
	// observer event is defined for it in spec.md §4.E.
}

func (m *Manager) DidFail(d *resource.Downloadable, err error) {
	task, ok := m.taskFor(d)
	if !ok {
		return
	}

	if !cmn.IsRetryable(err) {
		m.terminalFail(task, err)
		return
	}

	next, advanced := task.Advance()
	if !advanced {
		m.terminalFail(task, cmn.NewAllMirrorsExhaustedError(task.ResourceID, err))
		return
	}

	task.SetState(resource.TaskRunning)
	for _, o := range m.observersSnapshot() {
		observer, failed, nxt := o, d, next
		cmn.RecoverObserver("manager.WillRetryFailedDownload", func() {
			observer.WillRetryFailedDownload(task, failed, nxt, err)
		})
	}
	m.queue.Requeue(task)
}

func (m *Manager) DidFinish(d *resource.Downloadable, tempFileURL string) {
	task, ok := m.taskFor(d)
	if !ok {
		_ = os.Remove(tempFileURL)
		return
	}

	if err := m.commitToCache(task, d, tempFileURL); err != nil {
		m.DidFail(d, err)
		return
	}

	d.MarkFinished()
	task.SetState(resource.TaskSucceeded)
	m.mu.Lock()
	delete(m.tasks, task.ResourceID)
	m.mu.Unlock()
	m.queue.Finish(task, nil)
	task.Resolve(true)
}

// taskFor looks up the task owning d, guarding against a stale
// callback arriving for a downloadable the retry state machine has
// already superseded (spec.md §5: "subsequent duplicate events are
// dropped").
func (m *Manager) taskFor(d *resource.Downloadable) (*resource.DownloadTask, bool) {
	m.mu.Lock()
	task, ok := m.tasks[d.Identifier]
	m.mu.Unlock()
	if !ok || task.Current() != d {
		return nil, false
	}
	return task, true
}

func (m *Manager) terminalFail(task *resource.DownloadTask, err error) {
	task.SetState(resource.TaskFailed)
	m.mu.Lock()
	delete(m.tasks, task.ResourceID)
	m.mu.Unlock()
	m.queue.Finish(task, err)
	task.Resolve(false)
}

// commitToCache implements spec.md §4.E "Cache write coupling" steps
// 1-3: atomic rename into the cache path, index upsert, hot-tier
// populate. A failure at any step is returned so the caller
// reclassifies it as a local download failure rather than surfacing it
// as success.
func (m *Manager) commitToCache(task *resource.DownloadTask, d *resource.Downloadable, tempFileURL string) error {
	if err := m.writeSem.Acquire(d.Context(), 1); err != nil {
		return cmn.NewCacheWriteFailureError(err, task.ResourceID)
	}
	defer m.writeSem.Release(1)

	finalPath := cmn.CachePath(m.cacheDir, task.ResourceID)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return cmn.NewCacheWriteFailureError(err, task.ResourceID)
	}
	if err := renameOrCopy(tempFileURL, finalPath); err != nil {
		return cmn.NewCacheWriteFailureError(err, task.ResourceID)
	}

	info, statErr := os.Stat(finalPath)
	size := int64(0)
	if statErr == nil {
		size = info.Size()
	}
	if _, err := m.index.Put(task.ResourceID, finalPath, task.StorageSnapshot(), size); err != nil {
		return cmn.NewCacheWriteFailureError(err, task.ResourceID)
	}

	if data, err := os.ReadFile(finalPath); err == nil {
		m.memory.Put(task.ResourceID, data)
	}
	return nil
}

// renameOrCopy attempts an atomic rename first, falling back to
// copy+unlink when the temp file and cache path live on different
// filesystems (spec.md §4.E step 1).
func renameOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// --- read surface, mirroring the queue's (spec.md §4.E) ---

func (m *Manager) CurrentDownloadCount() int           { return m.queue.CurrentDownloadCount() }
func (m *Manager) QueuedDownloadCount() int            { return m.queue.QueuedDownloadCount() }
func (m *Manager) Downloads() []*resource.DownloadTask { return m.queue.Downloads() }
func (m *Manager) QueuedDownloads() []*resource.DownloadTask {
	return m.queue.QueuedDownloads()
}
func (m *Manager) CurrentDownloads() []*resource.DownloadTask { return m.queue.CurrentDownloads() }
func (m *Manager) HasDownload(id string) bool                { return m.queue.HasDownload(id) }
func (m *Manager) Download(id string) (*resource.DownloadTask, bool) {
	return m.queue.Download(id)
}
func (m *Manager) IsDownloading(id string) bool   { return m.queue.IsDownloading(id) }
func (m *Manager) Metrics() queue.Metrics         { return m.queue.MetricsSnapshot() }
func (m *Manager) EnqueuePending()                { m.queue.EnqueuePending() }
func (m *Manager) SetSimultaneousDownloads(n int) { m.queue.SetSimultaneousDownloads(n) }
