package cache

import (
	"sync"
	"time"

	"github.com/NVIDIA/resourcedl/cmn"
	"github.com/NVIDIA/resourcedl/resource"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"
)

// BuntDB is opened with the same tunables the teacher's dbdriver.BuntDriver
// uses: sync to disk every second and auto-shrink once the file exceeds
// 1MiB and has grown 50% since the last compaction.
const (
	autoShrinkSize = 1 << 20
	recordsColl    = "records"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BuntIndex is the Cache Index implementation, persisting resource-id ->
// Record mappings in a single embedded buntdb file (spec.md §4.A).
type BuntIndex struct {
	db *buntdb.DB

	mu   sync.Mutex
	subs []chan Change
}

var _ Index = (*BuntIndex)(nil)

func NewBuntIndex(path string) (*BuntIndex, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cmn.Wrap(err, "open cache index %q", path)
	}
	db.SetConfig(buntdb.Config{
		SyncPolicy:           buntdb.EverySecond,
		AutoShrinkMinSize:    autoShrinkSize,
		AutoShrinkPercentage: 50,
	})
	return &BuntIndex{db: db}, nil
}

func (b *BuntIndex) Get(id string) (Record, bool, error) {
	var rec Record
	var raw string
	err := b.db.View(func(tx *buntdb.Tx) error {
		var err error
		raw, err = tx.Get(id)
		return err
	})
	if err == buntdb.ErrNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		// Read failures are reported as "no hit", per spec.md §4.A:
		// "Failure to read yields None."
		return Record{}, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (b *BuntIndex) Put(id, path string, priority resource.StoragePriority, size int64) (Record, error) {
	now := time.Now()
	existing, ok, _ := b.Get(id)
	rec := Record{
		ID:       id,
		Path:     path,
		Priority: priority,
		Size:     size,
		Created:  now,
		LastUsed: now,
	}
	if ok {
		rec.Created = existing.Created
		rec.Priority = existing.Priority.Upgrade(priority)
	}
	if err := b.set(rec); err != nil {
		return Record{}, cmn.NewCacheWriteFailureError(err, id)
	}
	b.publish(Change{ID: id, Record: rec})
	return rec, nil
}

func (b *BuntIndex) UpgradePriority(id string, priority resource.StoragePriority) (Record, error) {
	rec, ok, err := b.Get(id)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, cmn.NewNoRecordError(id)
	}
	rec.Priority = rec.Priority.Upgrade(priority)
	if err := b.set(rec); err != nil {
		return Record{}, cmn.NewCacheWriteFailureError(err, id)
	}
	b.publish(Change{ID: id, Record: rec})
	return rec, nil
}

func (b *BuntIndex) Delete(id string) error {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(id)
		return err
	})
	if err != nil && err != buntdb.ErrNotFound {
		return cmn.Wrap(err, "delete cache record %q", id)
	}
	b.publish(Change{ID: id, Deleted: true})
	return nil
}

func (b *BuntIndex) All() ([]Record, error) {
	var recs []Record
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			var rec Record
			if err := json.Unmarshal([]byte(value), &rec); err == nil {
				recs = append(recs, rec)
			}
			return true
		})
	})
	if err != nil {
		return nil, cmn.Wrap(err, "list cache records")
	}
	return recs, nil
}

func (b *BuntIndex) Subscribe() <-chan Change {
	ch := make(chan Change, 32)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *BuntIndex) Close() error {
	b.mu.Lock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.mu.Unlock()
	return b.db.Close()
}

func (b *BuntIndex) set(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(rec.ID, string(data), nil)
		return err
	})
}

func (b *BuntIndex) publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- c:
		default:
			// A slow subscriber backpressures only itself (§9 design
			// note); dropping here rather than blocking the writer.
		}
	}
}
