package queue_test

import (
	"strings"
	"sync"

	"github.com/NVIDIA/resourcedl/cmn"
	"github.com/NVIDIA/resourcedl/processor"
	"github.com/NVIDIA/resourcedl/queue"
	"github.com/NVIDIA/resourcedl/resource"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// fakeProcessor never actually transfers anything; it just records which
// downloadables it was asked to Process, so tests can assert on dispatch
// decisions without any real transport.
type fakeProcessor struct {
	scheme string

	mu        sync.Mutex
	processed []*resource.Downloadable
}

func (f *fakeProcessor) CanProcess(d *resource.Downloadable) bool {
	return strings.HasPrefix(d.Mirror.Location, f.scheme)
}
func (f *fakeProcessor) Process(d *resource.Downloadable, _ resource.StartParams) {
	f.mu.Lock()
	f.processed = append(f.processed, d)
	f.mu.Unlock()
}
func (f *fakeProcessor) Pause()               {}
func (f *fakeProcessor) Resume()              {}
func (f *fakeProcessor) IsActive() bool       { return false }
func (f *fakeProcessor) EnqueuePending()      {}
func (f *fakeProcessor) SetObserver(processor.Observer) {}

func (f *fakeProcessor) seen() []*resource.Downloadable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*resource.Downloadable(nil), f.processed...)
}

type fakeObserver struct {
	mu      sync.Mutex
	started []*resource.DownloadTask
	finished []struct {
		task *resource.DownloadTask
		err  error
	}
}

func (o *fakeObserver) DidStartDownloading(task *resource.DownloadTask) {
	o.mu.Lock()
	o.started = append(o.started, task)
	o.mu.Unlock()
}

func (o *fakeObserver) DidFinishDownload(task *resource.DownloadTask, err error) {
	o.mu.Lock()
	o.finished = append(o.finished, struct {
		task *resource.DownloadTask
		err  error
	}{task, err})
	o.mu.Unlock()
}

func newTask(id string, priority resource.DownloadPriority) *resource.DownloadTask {
	return newTaskWithSchemeAndPriority(id, "mock://", priority)
}

func newTaskWithScheme(id, scheme string) *resource.DownloadTask {
	return newTaskWithSchemeAndPriority(id, scheme, resource.PriorityNormal)
}

func newTaskWithSchemeAndPriority(id, scheme string, priority resource.DownloadPriority) *resource.DownloadTask {
	res := resource.Resource{
		ID:   id,
		Main: resource.FileMirror{ID: "m0", Location: scheme + id},
	}
	opts := resource.RequestOptions{DownloadPriority: priority, StoragePriority: resource.StorageCached}
	return resource.NewDownloadTask(res, opts, alwaysFirstPolicy{})
}

// alwaysFirstPolicy is the simplest possible MirrorPolicy: always the
// main mirror, never a fallback. Enough for queue-level tests that don't
// exercise retry.
type alwaysFirstPolicy struct{}

func (alwaysFirstPolicy) First(res resource.Resource) (resource.FileMirror, []resource.FileMirror) {
	return res.Main, nil
}
func (alwaysFirstPolicy) Next(resource.FileMirror, []resource.FileMirror) (resource.FileMirror, []resource.FileMirror, bool) {
	return resource.FileMirror{}, nil, false
}

var _ = Describe("Queue", func() {
	var (
		q   *queue.Queue
		fp  *fakeProcessor
		obs *fakeObserver
	)

	BeforeEach(func() {
		fp = &fakeProcessor{scheme: "mock://"}
		obs = &fakeObserver{}
	})

	It("clamps a sub-1 ceiling to 1", func() {
		q = queue.NewQueue("", -5)
		q.AddProcessor(fp)
		q.SetObserver(obs)
		q.Enqueue(newTask("a", resource.PriorityNormal))
		q.Enqueue(newTask("b", resource.PriorityNormal))
		Eventually(func() int { return q.CurrentDownloadCount() }).Should(Equal(1))
		Expect(q.QueuedDownloadCount()).To(Equal(1))
	})

	It("admits the highest-priority queued task first when capacity frees", func() {
		q = queue.NewQueue("", 1)
		q.SetObserver(obs)
		q.Enqueue(newTask("low1", resource.PriorityLow))
		q.Enqueue(newTask("low2", resource.PriorityLow))
		q.Enqueue(newTask("high", resource.PriorityHigh))

		q.AddProcessor(fp) // triggers the first dispatch pass

		seen := fp.seen()
		Expect(seen).To(HaveLen(1))
		Expect(seen[0].Identifier).To(Equal("high"))
	})

	It("skips a head task no processor can handle and admits the next matching one", func() {
		q = queue.NewQueue("", 1)
		q.SetObserver(obs)
		q.AddProcessor(fp) // only handles "mock://"

		unhandled := newTaskWithScheme("unhandled", "nobody://")
		q.Enqueue(unhandled)
		q.Enqueue(newTask("handled", resource.PriorityNormal))

		Eventually(func() int { return len(fp.seen()) }).Should(Equal(1))
		Expect(fp.seen()[0].Identifier).To(Equal("handled"))
		Expect(q.QueuedDownloadCount()).To(Equal(1))
		Expect(q.HasDownload("unhandled")).To(BeTrue())
	})

	It("requeues a retried task ahead of same-priority peers", func() {
		q = queue.NewQueue("", 1)
		q.SetObserver(obs)
		q.AddProcessor(fp)
		q.Enqueue(newTask("first", resource.PriorityNormal))
		retry := newTask("retry", resource.PriorityNormal)
		q.Enqueue(retry)
		// "first" occupies the only slot; "retry" sits behind it in queue.
		Expect(q.QueuedDownloads()).To(HaveLen(1))

		q.Requeue(retry)
		peer := newTask("peer", resource.PriorityNormal)
		q.Enqueue(peer)

		queued := q.QueuedDownloads()
		Expect(queued[0].ResourceID).To(Equal("retry"))
	})

	It("delivers a failed-terminal event when cancelling a queued task", func() {
		q = queue.NewQueue("", 1)
		q.SetObserver(obs)
		q.AddProcessor(fp)
		blocker := newTask("blocker", resource.PriorityNormal)
		q.Enqueue(blocker)
		target := newTask("target", resource.PriorityNormal)
		q.Enqueue(target)
		Expect(q.QueuedDownloadCount()).To(Equal(1))

		_, found := q.Cancel("target", cmn.NewCancelledError("target"))
		Expect(found).To(BeTrue())
		Expect(q.QueuedDownloadCount()).To(Equal(0))
		Expect(obs.finished).To(HaveLen(1))
		Expect(obs.finished[0].task.ResourceID).To(Equal("target"))
	})

	It("drains every task on cancelAll", func() {
		q = queue.NewQueue("", 1)
		q.SetObserver(obs)
		for _, id := range []string{"a", "b", "c"} {
			q.Enqueue(newTask(id, resource.PriorityNormal))
		}
		tasks := q.CancelAll(cmn.NewCancelledError("all"))
		Expect(tasks).To(HaveLen(3))
		Expect(q.CurrentDownloadCount() + q.QueuedDownloadCount()).To(Equal(0))
		Expect(obs.finished).To(HaveLen(3))
	})

	It("halts admission while inactive and resumes on SetActive(true)", func() {
		q = queue.NewQueue("", 1)
		q.SetObserver(obs)
		q.SetActive(false)
		q.Enqueue(newTask("a", resource.PriorityNormal))
		q.AddProcessor(fp)
		Expect(fp.seen()).To(BeEmpty())

		q.SetActive(true)
		Eventually(func() int { return len(fp.seen()) }).Should(Equal(1))
	})

	It("admits more work once the ceiling is raised", func() {
		q = queue.NewQueue("", 1)
		q.SetObserver(obs)
		q.AddProcessor(fp)
		q.Enqueue(newTask("a", resource.PriorityNormal))
		q.Enqueue(newTask("b", resource.PriorityNormal))
		Expect(q.CurrentDownloadCount()).To(Equal(1))

		q.SetSimultaneousDownloads(2)
		Eventually(func() int { return q.CurrentDownloadCount() }).Should(Equal(2))
	})
})
