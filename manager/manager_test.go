package manager_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/NVIDIA/resourcedl/cache"
	"github.com/NVIDIA/resourcedl/cmn"
	"github.com/NVIDIA/resourcedl/manager"
	"github.com/NVIDIA/resourcedl/processor"
	"github.com/NVIDIA/resourcedl/queue"
	"github.com/NVIDIA/resourcedl/resource"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// mockProcessor simulates a transport without any real I/O: a mirror
// whose location ends in "/fail" reports a transport failure, one ending
// in "/never-resolves-without-help" blocks until its downloadable is
// cancelled, anything else writes a small temp file and reports success.
// Tests steer scenarios entirely by constructing mirrors with the suffix
// they want.
type mockProcessor struct {
	mu       sync.Mutex
	observer processor.Observer
}

func (p *mockProcessor) CanProcess(d *resource.Downloadable) bool {
	return strings.HasPrefix(d.Mirror.Location, "mock://")
}
func (p *mockProcessor) Pause()          {}
func (p *mockProcessor) Resume()         {}
func (p *mockProcessor) IsActive() bool  { return false }
func (p *mockProcessor) EnqueuePending() {}
func (p *mockProcessor) SetObserver(o processor.Observer) {
	p.mu.Lock()
	p.observer = o
	p.mu.Unlock()
}

func (p *mockProcessor) Process(d *resource.Downloadable, params resource.StartParams) {
	go func() {
		d.Start(params)
		p.mu.Lock()
		observer := p.observer
		p.mu.Unlock()
		observer.DidBegin(d)

		if strings.HasSuffix(d.Mirror.Location, "/fail") {
			observer.DidFail(d, cmn.NewTransportFailureError(errors.New("boom"), d.Mirror.Location))
			return
		}
		if strings.HasSuffix(d.Mirror.Location, "/never-resolves-without-help") {
			<-d.Context().Done()
			observer.DidFail(d, cmn.NewCancelledError(d.Identifier))
			return
		}

		if err := os.MkdirAll(params.StageDir, 0o755); err != nil {
			observer.DidFail(d, cmn.NewTransportFailureError(err, d.Mirror.Location))
			return
		}
		f, err := os.CreateTemp(params.StageDir, "mock-*.tmp")
		if err != nil {
			observer.DidFail(d, cmn.NewTransportFailureError(err, d.Mirror.Location))
			return
		}
		f.WriteString("payload")
		f.Close()
		observer.DidFinish(d, f.Name())
	}()
}

type recordingObserver struct {
	mu       sync.Mutex
	retries  []string // "<failedID>-><nextID>"
	finished []struct {
		id  string
		err error
	}
}

func (o *recordingObserver) DidStartDownloading(*resource.DownloadTask) {}
func (o *recordingObserver) WillRetryFailedDownload(task *resource.DownloadTask, failed, next *resource.Downloadable, err error) {
	o.mu.Lock()
	o.retries = append(o.retries, failed.Mirror.ID+"->"+next.Mirror.ID)
	o.mu.Unlock()
}
func (o *recordingObserver) DidFinishDownload(task *resource.DownloadTask, err error) {
	o.mu.Lock()
	o.finished = append(o.finished, struct {
		id  string
		err error
	}{task.ResourceID, err})
	o.mu.Unlock()
}

func mirror(id, location string, weight int) resource.FileMirror {
	return resource.FileMirror{ID: id, Location: location, Info: map[string]interface{}{"weight": weight}}
}

func newTestManager(numberOfRetries int) (*manager.Manager, string) {
	dir, err := os.MkdirTemp("", "resourcedl-test-")
	Expect(err).NotTo(HaveOccurred())
	idx, err := cache.NewBuntIndex(filepath.Join(dir, "index.db"))
	Expect(err).NotTo(HaveOccurred())
	mem, err := cache.NewMemoryCache(idx, 0)
	Expect(err).NotTo(HaveOccurred())

	q := queue.NewQueue(filepath.Join(dir, "stage"), 4)
	mgr := manager.New(filepath.Join(dir, "store"), idx, mem, q, numberOfRetries)
	mgr.AddProcessor(&mockProcessor{})
	return mgr, dir
}

var _ = Describe("Resource Manager", func() {
	var dir string
	var mgr *manager.Manager

	AfterEach(func() {
		if dir != "" {
			os.RemoveAll(dir)
		}
	})

	// S1
	It("returns no requests and queues nothing for an empty request", func() {
		mgr, dir = newTestManager(3)
		reqs := mgr.Request(nil, resource.RequestOptions{})
		Expect(reqs).To(BeEmpty())
		Expect(mgr.QueuedDownloadCount()).To(Equal(0))
	})

	// S4-flavored: first mirror fails, second succeeds, main never tried.
	It("retries once across weighted mirrors and succeeds on the second", func() {
		mgr, dir = newTestManager(3)
		obs := &recordingObserver{}
		mgr.Add(obs)

		res := resource.Resource{
			ID:           "r",
			Main:         mirror("m0", "mock://m0/ok", 0),
			Alternatives: []resource.FileMirror{mirror("a100", "mock://a100/fail", 100), mirror("a50", "mock://a50/ok", 50)},
		}

		done := make(chan bool, 1)
		mgr.Request([]resource.Resource{res}, resource.RequestOptions{})
		mgr.AddResourceCompletion("r", func(success bool, id string) { done <- success })

		Eventually(done, "2s").Should(Receive(BeTrue()))
		Eventually(func() []string { obs.mu.Lock(); defer obs.mu.Unlock(); return obs.retries }).Should(Equal([]string{"a100->a50"}))

		_, hit := mgr.Download("r")
		Expect(hit).To(BeFalse()) // task removed from the queue on terminal success
	})

	// dedup invariant
	It("dedups a second request for the same live resource-id", func() {
		mgr, dir = newTestManager(3)
		res := resource.Resource{ID: "r", Main: mirror("m0", "mock://m0/fail", 0)}

		first := mgr.Request([]resource.Resource{res}, resource.RequestOptions{})
		second := mgr.Request([]resource.Resource{res}, resource.RequestOptions{})
		Expect(first).To(HaveLen(1))
		Expect(second).To(HaveLen(1))
		Expect(first[0].Equal(second[0])).To(BeTrue())
	})

	// S5
	It("short-circuits a pre-cached resource with no network activity", func() {
		mgr, dir = newTestManager(3)
		local := filepath.Join(dir, "precached.bin")
		Expect(os.WriteFile(local, []byte("data"), 0o644)).To(Succeed())

		res := resource.Resource{ID: "pre", FileURL: local}
		reqs := mgr.Request([]resource.Resource{res}, resource.RequestOptions{})
		Expect(reqs).To(BeEmpty())
		Expect(mgr.QueuedDownloadCount()).To(Equal(0))
		Expect(mgr.CurrentDownloadCount()).To(Equal(0))

		done := make(chan bool, 1)
		mgr.AddResourceCompletion("pre", func(success bool, id string) { done <- success })
		Eventually(done, "1s").Should(Receive(BeTrue()))
	})

	// S6
	It("resolves every handler with false on cancelAll", func() {
		mgr, dir = newTestManager(3)
		const n = 10
		done := make(chan string, n)
		for i := 0; i < n; i++ {
			id := "r" + string(rune('a'+i))
			res := resource.Resource{ID: id, Main: mirror("m0", "mock://m0/never-resolves-without-help", 0)}
			mgr.Request([]resource.Resource{res}, resource.RequestOptions{})
			mgr.AddResourceCompletion(id, func(success bool, id string) {
				if !success {
					done <- id
				}
			})
		}

		mgr.CancelAll()

		for i := 0; i < n; i++ {
			Eventually(done, "2s").Should(Receive())
		}
		Expect(mgr.CurrentDownloadCount() + mgr.QueuedDownloadCount()).To(Equal(0))
	})
})
