package cmn

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/OneOfOne/xxhash"
)

// fsSafe matches resource-ids that are already safe to use verbatim as a
// file name (§6: "named by resource-id (hashed if the id is not
// filesystem-safe)").
var fsSafe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// CachePath returns the on-disk path for a resource-id under root. IDs
// that are not filesystem-safe (contain '/', ':', spaces, etc., as most
// URLs do) are hashed with xxhash into a stable hex file name; this keeps
// the persistent layout a flat, collision-free namespace partitioned by
// resource-id, per §5 "Shared resources".
func CachePath(root, id string) string {
	name := id
	if !fsSafe.MatchString(id) || len(id) > 200 {
		name = fmt.Sprintf("%016x", xxhash.ChecksumString64(id))
	}
	return filepath.Join(root, name)
}
