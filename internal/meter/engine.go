// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package meter turns raw cumulative nftables counters into bandwidth
// and rolling daily/weekly usage per device and direction.
package meter

import (
	"context"
	"fmt"
	"time"

	"grimm.is/flowmeter/internal/clock"
	"grimm.is/flowmeter/internal/devices"
	"grimm.is/flowmeter/internal/errors"
	"grimm.is/flowmeter/internal/firewall"
	"grimm.is/flowmeter/internal/logging"
	"grimm.is/flowmeter/internal/state"
)

// Reading is one fully resolved measurement, ready to publish.
type Reading struct {
	Addr      string
	MAC       string
	Name      string
	Direction firewall.Direction
	Bytes     uint64
	Bandwidth uint64
	Daily     uint64
	Weekly    uint64
	SampledAt time.Time
}

// CounterSource takes one snapshot of the owned counter rules.
type CounterSource interface {
	Read() ([]firewall.CounterSample, error)
}

// IdentityResolver maps IPv4 addresses to device identities.
type IdentityResolver interface {
	Refresh()
	Resolve(addr string) (devices.Identity, bool)
}

// BaselineStore persists per-(MAC, direction) accounting state.
type BaselineStore interface {
	Get(mac, direction string) (*state.BaselineRecord, error)
	Put(mac, direction string, rec *state.BaselineRecord) error
}

// Engine computes bandwidth from two time-spaced counter snapshots and
// maintains the daily/weekly baselines across restarts and counter
// resets. One Cycle call is one complete run; cycles are serialized by
// the caller and never overlap.
type Engine struct {
	counters  CounterSource
	resolver  IdentityResolver
	baselines BaselineStore
	logger    *logging.Logger
	interval  time.Duration

	// wait is the inter-snapshot delay, replaceable in tests.
	wait func(ctx context.Context, d time.Duration) error
}

func NewEngine(counters CounterSource, resolver IdentityResolver, baselines BaselineStore, interval time.Duration, logger *logging.Logger) *Engine {
	return &Engine{
		counters:  counters,
		resolver:  resolver,
		baselines: baselines,
		logger:    logger,
		interval:  interval,
		wait:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type sampleKey struct {
	addr      string
	direction firewall.Direction
}

// Cycle takes two counter snapshots spaced by the configured interval,
// joins them per (address, direction) and returns one Reading per
// resolvable device. Entries whose address resolves to no MAC are
// skipped; a failed baseline write suppresses that entry's Reading so
// a crash can never publish figures that were not persisted first.
func (e *Engine) Cycle(ctx context.Context) ([]Reading, error) {
	first, err := e.counters.Read()
	if err != nil {
		return nil, err
	}
	if err := e.wait(ctx, e.interval); err != nil {
		return nil, err
	}
	second, err := e.counters.Read()
	if err != nil {
		return nil, err
	}

	e.resolver.Refresh()
	now := clock.Now()

	prev := make(map[sampleKey]uint64, len(first))
	for _, s := range first {
		prev[sampleKey{s.Addr, s.Direction}] = s.Bytes
	}

	secs := uint64(e.interval / time.Second)
	readings := make([]Reading, 0, len(second))
	for _, s := range second {
		// Counter reset between snapshots reads as a decrease;
		// clamp rather than report a negative rate.
		var delta uint64
		if p := prev[sampleKey{s.Addr, s.Direction}]; s.Bytes >= p {
			delta = s.Bytes - p
		}
		var bandwidth uint64
		if secs > 0 {
			bandwidth = delta / secs
		}

		id, ok := e.resolver.Resolve(s.Addr)
		if !ok {
			e.logger.Warn("No identity for address, skipping",
				"addr", s.Addr, "direction", s.Direction.String())
			continue
		}

		rec, err := e.baselines.Get(id.MAC, s.Direction.String())
		if err != nil {
			if !errors.Is(err, state.ErrNotFound) {
				e.logger.Warn("Failed to load baseline, skipping",
					"mac", id.MAC, "direction", s.Direction.String(), "error", err)
				continue
			}
			rec = &state.BaselineRecord{}
		}

		daily, weekly := advance(rec, s.Bytes, now)
		rec.LastBytes = s.Bytes
		rec.LastSample = now.Unix()

		if err := e.baselines.Put(id.MAC, s.Direction.String(), rec); err != nil {
			e.logger.Warn("Failed to persist baseline, not publishing",
				"mac", id.MAC, "direction", s.Direction.String(), "error", err)
			continue
		}

		readings = append(readings, Reading{
			Addr:      s.Addr,
			MAC:       id.MAC,
			Name:      id.Name,
			Direction: s.Direction,
			Bytes:     s.Bytes,
			Bandwidth: bandwidth,
			Daily:     daily,
			Weekly:    weekly,
			SampledAt: now,
		})
	}
	return readings, nil
}

// advance applies the reset-on-decrease and rollover rules to rec and
// returns the daily and weekly usage for bytesNow. The cumulative
// counter never resets at midnight, so usage is always an offset from
// the baseline taken when the current period started.
func advance(rec *state.BaselineRecord, bytesNow uint64, now time.Time) (daily, weekly uint64) {
	// A counter below its baseline means the kernel counter was
	// recreated (reboot, rule churn); the period restarts from here.
	if bytesNow < rec.DayBytes {
		rec.DayBytes, rec.DayKey = 0, ""
	}
	if bytesNow < rec.WeekBytes {
		rec.WeekBytes, rec.WeekKey = 0, ""
	}
	if today := dayKey(now); rec.DayKey != today {
		rec.DayBytes, rec.DayKey = bytesNow, today
	}
	if week := weekKey(now); rec.WeekKey != week {
		rec.WeekBytes, rec.WeekKey = bytesNow, week
	}
	return bytesNow - rec.DayBytes, bytesNow - rec.WeekBytes
}

// Period keys use local system time; the router's clock defines when a
// day or week rolls over.
func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func weekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}
