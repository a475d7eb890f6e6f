package processor

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/NVIDIA/resourcedl/cmn"
	"github.com/NVIDIA/resourcedl/resource"
	"github.com/golang/glog"
	"golang.org/x/time/rate"
)

const (
	// burstLimit caps how many Process calls may start back-to-back
	// before the token bucket forces a short wait, matching spec.md
	// §4.C(i): "throttle or defer calls if its internal protection is
	// enabled (e.g. short burst suppression)".
	burstLimit    = 4
	burstPerSecond = 8
)

// base is embedded by every concrete Processor. It supplies:
//   - burst-suppression throttling (golang.org/x/time/rate)
//   - pause/resume with a pending-work buffer, satisfying §4.C(iii)
//   - an Open(ctx, location) -> io.ReadCloser hook (the fetcher
//     interface) concrete processors implement, plus the shared "stream to temp file, report progress"
//     plumbing so S3/GCS/Azure/HTTP processors only differ in how they
//     open the remote stream.
type base struct {
	observer Observer
	limiter  *rate.Limiter

	mu      sync.Mutex
	active  bool
	paused  bool
	pending []pendingWork
}

type pendingWork struct {
	d      *resource.Downloadable
	params resource.StartParams
}

// fetcher is implemented by each concrete processor (S3/GCS/Azure/HTTP):
// it opens a stream for location and reports the expected total size, or
// an error tagged per spec.md §6/§7 (unsupported-url-scheme,
// transport-failure, no-record).
type fetcher interface {
	Open(ctx context.Context, location string) (body io.ReadCloser, totalSize int64, err error)
}

func newBase() base {
	return base{limiter: rate.NewLimiter(rate.Limit(burstPerSecond), burstLimit)}
}

func (b *base) SetObserver(o Observer) { b.observer = o }

func (b *base) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *base) Pause() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

func (b *base) Resume() {
	b.mu.Lock()
	b.paused = false
	b.mu.Unlock()
}

// process runs the shared begin/throttle/stream/finish-or-fail sequence,
// deferring the actual remote open to f. It is called by every concrete
// processor's Process method.
func (b *base) process(f fetcher, d *resource.Downloadable, params resource.StartParams) {
	b.mu.Lock()
	if b.paused {
		b.pending = append(b.pending, pendingWork{d: d, params: params})
		b.mu.Unlock()
		return
	}
	b.active = true
	b.mu.Unlock()

	go b.run(f, d, params)
}

func (b *base) run(f fetcher, d *resource.Downloadable, params resource.StartParams) {
	defer func() {
		b.mu.Lock()
		b.active = false
		b.mu.Unlock()
	}()

	if err := b.limiter.Wait(d.Context()); err != nil {
		b.fail(d, cmn.NewCancelledError(d.Identifier))
		return
	}

	ctx := d.Start(params)
	cmn.RecoverObserver("processor.DidBegin", func() {
		if b.observer != nil {
			b.observer.DidBegin(d)
		}
	})

	body, total, err := f.Open(ctx, d.Mirror.Location)
	if err != nil {
		b.fail(d, err)
		return
	}
	defer body.Close()
	d.SetTotalBytes(total)

	if err := os.MkdirAll(params.StageDir, 0o755); err != nil {
		b.fail(d, cmn.NewTransportFailureError(err, d.Mirror.Location))
		return
	}
	tmp, err := os.CreateTemp(params.StageDir, "dl-*.tmp")
	if err != nil {
		b.fail(d, cmn.NewTransportFailureError(err, d.Mirror.Location))
		return
	}
	tmpPath := tmp.Name()
	defer tmp.Close()

	pr := &progressReader{r: body, onRead: func(n int64) {
		written := d.AddTransferred(n)
		cmn.RecoverObserver("processor.DidTransfer", func() {
			if b.observer != nil {
				b.observer.DidTransfer(d, written, total)
			}
		})
	}}

	if _, err := io.Copy(tmp, pr); err != nil {
		_ = os.Remove(tmpPath)
		b.fail(d, cmn.NewTransportFailureError(err, d.Mirror.Location))
		return
	}

	cmn.RecoverObserver("processor.DidFinish", func() {
		if b.observer != nil {
			b.observer.DidFinish(d, tmpPath)
		}
	})
}

func (b *base) fail(d *resource.Downloadable, err error) {
	glog.V(2).Infof("processor: %s failed: %v", d.Identifier, err)
	cmn.RecoverObserver("processor.DidFail", func() {
		if b.observer != nil {
			b.observer.DidFail(d, err)
		}
	})
}

// EnqueuePending resubmits work buffered while paused.
func (b *base) enqueuePending(f fetcher) {
	b.mu.Lock()
	if b.paused {
		b.mu.Unlock()
		return
	}
	work := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, w := range work {
		b.process(f, w.d, w.params)
	}
}

// progressReader overwrites io.Reader's Read method to notify onRead with
// the number of bytes read each call, the same shape as the teacher's
// downloader.progressReader.
type progressReader struct {
	r      io.Reader
	onRead func(n int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.onRead != nil {
		p.onRead(int64(n))
	}
	return n, err
}
