// Package processor implements the Processor contract of spec.md §4.C:
// transport-specific executors for a single Downloadable, reporting
// begin/progress/finish/error through an Observer.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package processor

import (
	"github.com/NVIDIA/resourcedl/resource"
)

// Observer receives the lifecycle events a Processor emits for a
// Downloadable (spec.md §4.C). The processor must never deliver
// didFinish after didFail or vice versa for the same downloadable.
type Observer interface {
	DidBegin(d *resource.Downloadable)
	DidTransfer(d *resource.Downloadable, bytesWritten, totalExpected int64)
	DidFinish(d *resource.Downloadable, tempFileURL string)
	DidFail(d *resource.Downloadable, err error)
}

// Processor executes a single Downloadable against a transport.
type Processor interface {
	// CanProcess reports whether this processor handles d's mirror
	// (typically decided by URL scheme/host).
	CanProcess(d *resource.Downloadable) bool
	// Process begins (or resumes) the transfer; it must return promptly,
	// doing the actual transport work on its own goroutine and reporting
	// back through Observer.
	Process(d *resource.Downloadable, params resource.StartParams)
	Pause()
	Resume()
	IsActive() bool
	// EnqueuePending resubmits work buffered during a Pause (spec.md
	// §4.C(iii): "survive pause by buffering work for later
	// resume/enqueuePending").
	EnqueuePending()
	// SetObserver installs the event sink; called once by the resource
	// manager (Manager.AddProcessor) before it adds the processor to the
	// queue.
	SetObserver(o Observer)
}
