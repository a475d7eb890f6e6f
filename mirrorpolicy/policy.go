// Package mirrorpolicy implements the pluggable mirror-ordering and retry
// strategy consumed by resource.DownloadTask (spec.md §4.E, §9 "Mirror
// policy as a sum type").
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package mirrorpolicy

import "github.com/NVIDIA/resourcedl/resource"

// Policy is the capability set a concrete mirror policy must provide.
// It is structurally identical to resource.MirrorPolicy; defining it here
// too documents the concern from the policy author's side without
// introducing an import of the resource package's internal task
// machinery.
type Policy = resource.MirrorPolicy
