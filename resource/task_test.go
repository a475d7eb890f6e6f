package resource_test

import (
	"testing"

	"github.com/NVIDIA/resourcedl/resource"
)

// stubPolicy always picks Main first, then walks alternatives in slice
// order - enough to exercise DownloadTask's Advance/Resolve bookkeeping
// without pulling in the mirrorpolicy package's weighting rules.
type stubPolicy struct{}

func (stubPolicy) First(res resource.Resource) (resource.FileMirror, []resource.FileMirror) {
	return res.Main, res.Alternatives
}

func (stubPolicy) Next(failed resource.FileMirror, remaining []resource.FileMirror) (resource.FileMirror, []resource.FileMirror, bool) {
	if len(remaining) == 0 {
		return resource.FileMirror{}, nil, false
	}
	return remaining[0], remaining[1:], true
}

func newTestResource() resource.Resource {
	return resource.Resource{
		ID:   "r1",
		Main: resource.FileMirror{ID: "main", Location: "mock://main"},
		Alternatives: []resource.FileMirror{
			{ID: "alt1", Location: "mock://alt1"},
			{ID: "alt2", Location: "mock://alt2"},
		},
	}
}

func TestNewDownloadTaskSelectsMainMirrorFirst(t *testing.T) {
	task := resource.NewDownloadTask(newTestResource(), resource.RequestOptions{DownloadPriority: resource.PriorityHigh}, stubPolicy{})
	if got := task.Current().Mirror.ID; got != "main" {
		t.Fatalf("expected main mirror selected first, got %q", got)
	}
	if task.State() != resource.TaskAdmitted {
		t.Fatalf("expected a freshly constructed task to be admitted, got %v", task.State())
	}
}

func TestAdvanceWalksRemainingMirrorsAndIncrementsRetries(t *testing.T) {
	task := resource.NewDownloadTask(newTestResource(), resource.RequestOptions{}, stubPolicy{})

	next, ok := task.Advance()
	if !ok || next.Mirror.ID != "alt1" {
		t.Fatalf("expected to advance to alt1, got %+v ok=%v", next, ok)
	}
	if task.RetryCount() != 1 {
		t.Fatalf("expected retry count 1, got %d", task.RetryCount())
	}

	next, ok = task.Advance()
	if !ok || next.Mirror.ID != "alt2" {
		t.Fatalf("expected to advance to alt2, got %+v ok=%v", next, ok)
	}
	if task.RetryCount() != 2 {
		t.Fatalf("expected retry count 2, got %d", task.RetryCount())
	}

	if _, ok := task.Advance(); ok {
		t.Fatalf("expected the policy to be exhausted after alt2")
	}
}

func TestResolveFiresEveryHandlerExactlyOnce(t *testing.T) {
	task := resource.NewDownloadTask(newTestResource(), resource.RequestOptions{}, stubPolicy{})

	var calls []bool
	for i := 0; i < 3; i++ {
		task.AddHandler(func(success bool, id string) { calls = append(calls, success) })
	}

	if fired := task.Resolve(true); !fired {
		t.Fatalf("expected the first Resolve to fire")
	}
	if fired := task.Resolve(false); fired {
		t.Fatalf("expected a second Resolve to be a no-op")
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 handler invocations, got %d", len(calls))
	}
	for _, success := range calls {
		if !success {
			t.Fatalf("expected every handler to observe the first Resolve's outcome (true)")
		}
	}
	if !task.Resolved() {
		t.Fatalf("expected Resolved() to report true")
	}
}

func TestRemoveHandlerPreventsItFromFiring(t *testing.T) {
	task := resource.NewDownloadTask(newTestResource(), resource.RequestOptions{}, stubPolicy{})

	fired := false
	tok := task.AddHandler(func(success bool, id string) { fired = true })
	task.RemoveHandler(tok)
	task.Resolve(true)

	if fired {
		t.Fatalf("expected a removed handler not to fire")
	}
}

func TestUpgradeStorageIsMonotonicUpward(t *testing.T) {
	task := resource.NewDownloadTask(newTestResource(), resource.RequestOptions{StoragePriority: resource.StorageCached}, stubPolicy{})

	task.UpgradeStorage(resource.StoragePermanent)
	if task.StorageSnapshot() != resource.StoragePermanent {
		t.Fatalf("expected upgrade to permanent to stick")
	}

	task.UpgradeStorage(resource.StorageCached)
	if task.StorageSnapshot() != resource.StoragePermanent {
		t.Fatalf("expected a downgrade request to be a no-op, got %v", task.StorageSnapshot())
	}
}

func TestDownloadRequestEqualityIsByResourceID(t *testing.T) {
	a := resource.DownloadRequest{ResourceID: "r1", DownloadableID: "m0"}
	b := resource.DownloadRequest{ResourceID: "r1", DownloadableID: "m1"}
	c := resource.DownloadRequest{ResourceID: "r2", DownloadableID: "m0"}

	if !a.Equal(b) {
		t.Fatalf("expected requests for the same resource-id to be equal regardless of downloadable-id")
	}
	if a.Equal(c) {
		t.Fatalf("expected requests for different resource-ids to be unequal")
	}
}
