package mirrorpolicy

import (
	"sort"

	"github.com/NVIDIA/resourcedl/resource"
)

const defaultNumberOfRetries = 3

// WeightedMirrorPolicy is the default mirror policy (spec.md §4.E).
// Alternatives are attempted first, ordered by descending info["weight"]
// (ties keep original order); the resource's main mirror is always
// attempted last, regardless of its own weight. Once every mirror has
// been tried and failed, the policy re-offers main up to NumberOfRetries
// additional times before giving up.
type WeightedMirrorPolicy struct {
	// NumberOfRetries is how many additional times main is re-emitted
	// once every other mirror (including the first attempt at main) has
	// failed. Zero or negative falls back to the spec's default of 3.
	NumberOfRetries int
}

func NewWeightedMirrorPolicy(numberOfRetries int) *WeightedMirrorPolicy {
	if numberOfRetries <= 0 {
		numberOfRetries = defaultNumberOfRetries
	}
	return &WeightedMirrorPolicy{NumberOfRetries: numberOfRetries}
}

var _ resource.MirrorPolicy = (*WeightedMirrorPolicy)(nil)

// First builds candidates = alternatives (sorted by weight desc, stable
// ties) ++ [main], returns the head as the first attempt, and folds the
// retry phase into the tail of remaining as (1+NumberOfRetries) trailing
// copies of main - so that "pop the head of remaining until empty" (§4.E
// step 4) is, uniformly, how both ordinary fallback and the main
// retry-phase are realized.
func (p *WeightedMirrorPolicy) First(res resource.Resource) (resource.FileMirror, []resource.FileMirror) {
	alts := make([]resource.FileMirror, len(res.Alternatives))
	copy(alts, res.Alternatives)
	sort.SliceStable(alts, func(i, j int) bool {
		return alts[i].Weight() > alts[j].Weight()
	})

	candidates := append(alts, res.Main)
	head := candidates[0]
	tail := candidates[1:]

	remaining := make([]resource.FileMirror, 0, len(tail)+p.NumberOfRetries)
	remaining = append(remaining, tail...)
	for i := 0; i < p.NumberOfRetries; i++ {
		remaining = append(remaining, res.Main)
	}
	return head, remaining
}

// Next simply pops the head of remaining; once remaining is empty there
// is nothing left to offer and the caller should surface a terminal
// all-mirrors-exhausted failure.
func (p *WeightedMirrorPolicy) Next(_ resource.FileMirror, remaining []resource.FileMirror) (resource.FileMirror, []resource.FileMirror, bool) {
	if len(remaining) == 0 {
		return resource.FileMirror{}, nil, false
	}
	return remaining[0], remaining[1:], true
}
