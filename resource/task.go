package resource

import (
	"sync"

	"github.com/NVIDIA/resourcedl/cmn"
)

// TaskState is the per-task state machine from spec.md §4.E:
// Admitted -> Running(mirror_k) -> {Succeeded | FailedLocally};
// FailedLocally -> Running(mirror_{k+1}) if next exists, else Failed.
type TaskState int

const (
	TaskAdmitted TaskState = iota
	TaskQueued
	TaskRunning
	TaskSucceeded
	TaskFailed
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskAdmitted:
		return "admitted"
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CompletionHandler is a per-resource-id callback invoked exactly once on
// terminal resolution (spec.md §4.E).
type CompletionHandler func(success bool, resourceID string)

// MirrorPolicy orders a resource's mirrors and drives retry (spec.md
// §4.E "Mirror selection policy"). It is the resource package's own,
// minimal view of the capability - concrete policies (e.g.
// mirrorpolicy.WeightedMirrorPolicy) implement it structurally, without
// resource importing the mirrorpolicy package.
type MirrorPolicy interface {
	// First returns the initially-selected mirror and the ordered
	// remaining mirrors to fall back across.
	First(res Resource) (selected FileMirror, remaining []FileMirror)
	// Next pops the next mirror to attempt after failed. ok is false
	// once the policy has nothing left to offer (terminal failure).
	Next(failed FileMirror, remaining []FileMirror) (selected FileMirror, newRemaining []FileMirror, ok bool)
}

// DownloadTask is the manager's bookkeeping for one resource across mirror
// attempts (spec.md §3). A task exists from the first request until
// terminal success or terminal failure; at most one task is live per
// resource-id across the manager (the dedup invariant).
type DownloadTask struct {
	ResourceID string
	Resource   Resource
	Priority   DownloadPriority
	Storage    StoragePriority

	Policy MirrorPolicy

	mu        sync.Mutex
	current   *Downloadable
	remaining []FileMirror
	retries   int
	state     TaskState
	handlers  map[cmn.Token]CompletionHandler
	resolved  bool
}

// NewDownloadTask constructs a task and selects the first downloadable via
// policy, per spec.md §4.E admission.
func NewDownloadTask(res Resource, opts RequestOptions, policy MirrorPolicy) *DownloadTask {
	t := &DownloadTask{
		ResourceID: res.ID,
		Resource:   res,
		Priority:   opts.DownloadPriority,
		Storage:    opts.StoragePriority,
		Policy:     policy,
		state:      TaskAdmitted,
		handlers:   make(map[cmn.Token]CompletionHandler),
	}
	mirror, remaining := policy.First(res)
	t.current = NewDownloadable(res.ID, mirror, opts.DownloadPriority)
	t.remaining = remaining
	return t
}

// AddHandler registers a completion handler, returning the token needed to
// remove it. Multiple handlers per resource-id are permitted; all fire on
// terminal resolution (spec.md §4.E).
func (t *DownloadTask) AddHandler(h CompletionHandler) cmn.Token {
	tok := cmn.NewToken()
	t.mu.Lock()
	t.handlers[tok] = h
	t.mu.Unlock()
	return tok
}

func (t *DownloadTask) RemoveHandler(tok cmn.Token) {
	t.mu.Lock()
	delete(t.handlers, tok)
	t.mu.Unlock()
}

// UpgradeStorage applies the spec's monotonic-upward storage-priority
// rule: permanent upgrades cached; the reverse is a documented no-op.
func (t *DownloadTask) UpgradeStorage(requested StoragePriority) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Storage = t.Storage.Upgrade(requested)
}

func (t *DownloadTask) StorageSnapshot() StoragePriority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Storage
}

func (t *DownloadTask) Current() *Downloadable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *DownloadTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *DownloadTask) SetState(s TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *DownloadTask) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retries
}

// Advance replaces the task's current downloadable with the next mirror
// attempt per the policy, consuming from remaining/retries the way §4.E
// describes. ok is false when the policy is exhausted (terminal failure).
func (t *DownloadTask) Advance() (next *Downloadable, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	failedMirror := t.current.Mirror
	mirror, newRemaining, ok := t.Policy.Next(failedMirror, t.remaining)
	if !ok {
		return nil, false
	}
	t.remaining = newRemaining
	t.retries++
	t.current = NewDownloadable(t.ResourceID, mirror, t.Priority)
	return t.current, true
}

// Resolve fires every registered completion handler exactly once and
// marks the task resolved so a racing duplicate terminal event (cancel vs
// finish) is dropped (spec.md §5 "Cancellation").
func (t *DownloadTask) Resolve(success bool) (fired bool) {
	t.mu.Lock()
	if t.resolved {
		t.mu.Unlock()
		return false
	}
	t.resolved = true
	handlers := make([]CompletionHandler, 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.handlers = make(map[cmn.Token]CompletionHandler)
	t.mu.Unlock()

	for _, h := range handlers {
		handler := h
		cmn.RecoverObserver("completion-handler", func() { handler(success, t.ResourceID) })
	}
	return true
}

func (t *DownloadTask) Resolved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved
}

// DownloadRequest is the handle returned to the caller. Equality is by
// resource-id (spec.md §3).
type DownloadRequest struct {
	ResourceID     string
	DownloadableID string
}

func NewDownloadRequest(task *DownloadTask) DownloadRequest {
	return DownloadRequest{
		ResourceID:     task.ResourceID,
		DownloadableID: task.Current().Identifier,
	}
}

func (r DownloadRequest) Equal(other DownloadRequest) bool {
	return r.ResourceID == other.ResourceID
}
