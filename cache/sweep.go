package cache

import (
	"os"

	"github.com/NVIDIA/resourcedl/cmn"
	"github.com/golang/glog"
	"github.com/karrick/godirwalk"
)

// SweepOrphans walks root and removes any regular file with no matching
// Index record. spec.md §6 names this background sweep but leaves it
// unspecified ("not specified here"); this is a one-shot, caller-invoked
// pass rather than a running daemon, in the spirit of the teacher's
// lru.removeTrash (which also just walks and deletes, driven externally).
// It never touches the index itself, only orphaned files on disk.
func SweepOrphans(root string, index Index) (removed int, err error) {
	records, err := index.All()
	if err != nil {
		return 0, cmn.Wrap(err, "sweep orphans: list records")
	}
	known := make(map[string]struct{}, len(records))
	for _, r := range records {
		known[r.Path] = struct{}{}
	}

	if _, statErr := os.Stat(root); os.IsNotExist(statErr) {
		return 0, nil
	}

	err = godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			if _, ok := known[osPathname]; ok {
				return nil
			}
			if rmErr := os.Remove(osPathname); rmErr != nil {
				glog.Warningf("sweep orphans: failed to remove %q: %v", osPathname, rmErr)
				return nil
			}
			removed++
			return nil
		},
	})
	if err != nil {
		return removed, cmn.Wrap(err, "sweep orphans: walk %q", root)
	}
	return removed, nil
}
