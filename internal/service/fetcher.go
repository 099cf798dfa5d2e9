package service

import (
	"context"

	"github.com/yourname/smsvault/internal/record"
	"github.com/yourname/smsvault/internal/state"
)

// BulkFetcher fills a single batch budget across all enabled types in
// priority order. Types queried later see whatever budget the earlier
// ones left over.
type BulkFetcher struct {
	local   LocalStore
	st      *state.State
	allowed []int64 // SMS contact filter, nil means everyone
}

func NewBulkFetcher(local LocalStore, st *state.State, allowedContactIDs []int64) *BulkFetcher {
	return &BulkFetcher{local: local, st: st, allowed: allowedContactIDs}
}

// Fetch queries each enabled type for records strictly newer than its
// watermark. max <= 0 means unbounded. The returned batches preserve the
// per-type ascending timestamp order of the store.
func (f *BulkFetcher) Fetch(ctx context.Context, enabled []record.DataType, max int) (map[record.DataType][]record.Record, int, error) {
	batches := make(map[record.DataType][]record.Record, len(enabled))
	remaining := max
	total := 0
	for _, t := range record.BackupOrder {
		if !contains(enabled, t) {
			continue
		}
		if max > 0 && remaining <= 0 {
			break
		}
		var allowed []int64
		if t == record.SMS {
			allowed = f.allowed
		}
		recs, err := f.local.QueryNewerThan(ctx, t, f.st.GetMaxSynced(t), remaining, allowed)
		if err != nil {
			return nil, 0, err
		}
		if len(recs) == 0 {
			continue
		}
		batches[t] = recs
		total += len(recs)
		if max > 0 {
			remaining -= len(recs)
		}
	}
	return batches, total, nil
}

func contains(types []record.DataType, t record.DataType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

// ItemCursors interleaves the per-type batches round-robin by
// availability: each call advances the next type that still has rows,
// exhausted types drop out of the rotation.
type ItemCursors struct {
	order   []record.DataType
	batches map[record.DataType][]record.Record
	pos     map[record.DataType]int
	next    int
}

func NewItemCursors(batches map[record.DataType][]record.Record) *ItemCursors {
	c := &ItemCursors{batches: batches, pos: make(map[record.DataType]int)}
	for _, t := range record.BackupOrder {
		if len(batches[t]) > 0 {
			c.order = append(c.order, t)
		}
	}
	return c
}

// Next returns the next record, or false once every batch is drained.
func (c *ItemCursors) Next() (record.Record, bool) {
	for len(c.order) > 0 {
		if c.next >= len(c.order) {
			c.next = 0
		}
		t := c.order[c.next]
		if c.pos[t] < len(c.batches[t]) {
			rec := c.batches[t][c.pos[t]]
			c.pos[t]++
			c.next++
			return rec, true
		}
		// exhausted, remove from rotation
		c.order = append(c.order[:c.next], c.order[c.next+1:]...)
	}
	return record.Record{}, false
}
