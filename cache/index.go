// Package cache implements the Cache Index (persistent) and Memory Cache
// (hot tier) of spec.md §4.A/§4.B.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cache

import (
	"time"

	"github.com/NVIDIA/resourcedl/resource"
)

// Record is the persistent tuple (resource-id, local-file-path,
// storage-priority, size, timestamps) of spec.md §3.
type Record struct {
	ID       string                   `json:"id"`
	Path     string                   `json:"path"`
	Priority resource.StoragePriority `json:"priority"`
	Size     int64                    `json:"size"`
	Created  time.Time                `json:"created"`
	LastUsed time.Time                `json:"last_used"`
}

// Change describes a mutation broadcast to Index.Subscribe listeners
// (spec.md §6: "subscribe(changes)").
type Change struct {
	ID      string
	Deleted bool
	Record  Record
}

// Index is the Cache Index interface consumed by the resource manager
// (spec.md §6). Implementations must be safe under concurrent reads and
// serialized writes; a read failure yields (Record{}, false, nil) ("None"
// per spec.md §4.A), a write failure is returned to the caller, never
// swallowed.
type Index interface {
	Get(id string) (Record, bool, error)
	Put(id, path string, priority resource.StoragePriority, size int64) (Record, error)
	UpgradePriority(id string, priority resource.StoragePriority) (Record, error)
	Delete(id string) error
	All() ([]Record, error)
	Subscribe() <-chan Change
	Close() error
}
