package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Progress exposes completed/total unit counts the way the spec's progress
// descriptor does. TotalUnitCount is TotalBytes+1: the trailing unit
// accounts for the atomic file-move step that happens after the transport
// finishes streaming bytes (spec.md §6).
type Progress struct {
	CompletedUnitCount int64
	TotalUnitCount     int64
}

// StartParams carries what a Processor needs to begin a transfer: the
// mirror location to fetch and the local staging directory to write the
// temp file into before the atomic cache-path rename.
type StartParams struct {
	Location string
	StageDir string
}

// Downloadable is the runtime, queue-owned value representing one
// mirror-attempt in flight. Exactly one is live per (resource, attempted
// mirror) pair at any moment (spec.md §3). It never holds a back-pointer
// to its owning DownloadTask - only the resource-id, a plain value used as
// a lookup key by the queue/manager (spec.md §9).
type Downloadable struct {
	Identifier string
	Mirror     FileMirror

	priority         int32
	transferredBytes int64
	totalBytes       int64

	mu           sync.Mutex
	startDate    *time.Time
	finishedDate *time.Time
	cancelled    bool
	paused       bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDownloadable constructs a Downloadable for one mirror attempt against
// a resource. priority is the DownloadPriority at admission time, mutable
// afterwards via Set.
func NewDownloadable(resourceID string, mirror FileMirror, priority DownloadPriority) *Downloadable {
	ctx, cancel := context.WithCancel(context.Background())
	return &Downloadable{
		Identifier: resourceID,
		Mirror:     mirror,
		priority:   int32(priority),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (d *Downloadable) Priority() DownloadPriority {
	return DownloadPriority(atomic.LoadInt32(&d.priority))
}

// Set updates the downloadable's priority in place. The queue orders
// tasks by DownloadTask.Priority and does not re-sort on this call.
func (d *Downloadable) Set(priority DownloadPriority) {
	atomic.StoreInt32(&d.priority, int32(priority))
}

func (d *Downloadable) TransferredBytes() int64 { return atomic.LoadInt64(&d.transferredBytes) }
func (d *Downloadable) TotalBytes() int64       { return atomic.LoadInt64(&d.totalBytes) }

func (d *Downloadable) SetTotalBytes(total int64) { atomic.StoreInt64(&d.totalBytes, total) }

// AddTransferred accumulates bytes written, as reported by a processor's
// didTransfer callback.
func (d *Downloadable) AddTransferred(n int64) int64 {
	return atomic.AddInt64(&d.transferredBytes, n)
}

// Progress returns the spec's progress descriptor: TotalUnitCount is
// total+1 to reserve the final unit for the atomic rename step.
func (d *Downloadable) Progress() Progress {
	total := d.TotalBytes()
	return Progress{
		CompletedUnitCount: d.TransferredBytes(),
		TotalUnitCount:     total + 1,
	}
}

// Start marks the downloadable as begun and returns a context the
// processor should use for its transport call; the context is cancelled
// by Cancel.
func (d *Downloadable) Start(params StartParams) context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	d.startDate = &now
	_ = params
	return d.ctx
}

// MarkFinished records the completion timestamp and adds the final
// progress unit (the atomic rename) to the completed count, called once
// the cache-write coupling (manager side) has completed.
func (d *Downloadable) MarkFinished() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	d.finishedDate = &now
	atomic.AddInt64(&d.transferredBytes, 1)
}

// Pause signals the processor to buffer this downloadable's work for a
// later Resume/EnqueuePending (spec.md §4.C). The queue/processor decide
// how to honor it; Downloadable only records the state.
func (d *Downloadable) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
}

func (d *Downloadable) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
}

func (d *Downloadable) IsPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Cancel aborts the in-flight transport by cancelling the context handed
// to the processor at Start, and marks the downloadable terminal.
func (d *Downloadable) Cancel() {
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		return
	}
	d.cancelled = true
	d.mu.Unlock()
	d.cancel()
}

func (d *Downloadable) Cancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

func (d *Downloadable) StartDate() *time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startDate
}

func (d *Downloadable) FinishedDate() *time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finishedDate
}

func (d *Downloadable) Context() context.Context { return d.ctx }
