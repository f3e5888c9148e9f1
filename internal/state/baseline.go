// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"encoding/json"

	"grimm.is/flowmeter/internal/netutil"
)

const baselineBucket = "baselines"

// BaselineRecord is the persisted per-(MAC, direction) accounting
// state. Field names are the on-disk contract; renaming them breaks
// records written by earlier runs.
type BaselineRecord struct {
	// Bytes seen at the previous snapshot, for the bandwidth delta.
	LastBytes uint64 `json:"bw_bytes"`
	// Unix seconds of the previous snapshot.
	LastSample int64 `json:"bw_ts"`
	// Counter value when the current day started.
	DayBytes uint64 `json:"day_bytes"`
	// Calendar date the day baseline belongs to.
	DayKey string `json:"day_date"`
	// Counter value when the current week started.
	WeekBytes uint64 `json:"week_bytes"`
	// Week identifier the week baseline belongs to.
	WeekKey string `json:"week_num"`
}

// BaselineBucket stores BaselineRecords keyed by (MAC, direction).
// Records are never deleted; a device that stops appearing simply
// stops being updated.
type BaselineBucket struct {
	store Store
}

// NewBaselineBucket creates the bucket if needed.
func NewBaselineBucket(store Store) (*BaselineBucket, error) {
	if err := store.CreateBucket(baselineBucket); err != nil {
		return nil, err
	}
	return &BaselineBucket{store: store}, nil
}

func baselineKey(mac, direction string) string {
	return netutil.MACKey(mac) + "_" + direction
}

// Get loads the record for (mac, direction); ErrNotFound when the pair
// has never been seen.
func (b *BaselineBucket) Get(mac, direction string) (*BaselineRecord, error) {
	data, err := b.store.Get(baselineBucket, baselineKey(mac, direction))
	if err != nil {
		return nil, err
	}
	rec := &BaselineRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Put writes the record for (mac, direction).
func (b *BaselineBucket) Put(mac, direction string, rec *BaselineRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.store.Set(baselineBucket, baselineKey(mac, direction), data)
}
