// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package meter

import (
	"context"
	"testing"
	"time"

	"grimm.is/flowmeter/internal/clock"
	"grimm.is/flowmeter/internal/devices"
	"grimm.is/flowmeter/internal/firewall"
	"grimm.is/flowmeter/internal/logging"
	"grimm.is/flowmeter/internal/state"
)

type snapshotSource struct {
	snaps [][]firewall.CounterSample
	next  int
}

func (s *snapshotSource) Read() ([]firewall.CounterSample, error) {
	if s.next >= len(s.snaps) {
		return s.snaps[len(s.snaps)-1], nil
	}
	snap := s.snaps[s.next]
	s.next++
	return snap, nil
}

type staticResolver struct {
	ids map[string]devices.Identity
}

func (r *staticResolver) Refresh() {}

func (r *staticResolver) Resolve(addr string) (devices.Identity, bool) {
	id, ok := r.ids[addr]
	return id, ok
}

type memBaselines struct {
	recs     map[string]*state.BaselineRecord
	failPuts map[string]bool
}

func newMemBaselines() *memBaselines {
	return &memBaselines{recs: map[string]*state.BaselineRecord{}, failPuts: map[string]bool{}}
}

func (m *memBaselines) key(mac, direction string) string { return mac + "_" + direction }

func (m *memBaselines) Get(mac, direction string) (*state.BaselineRecord, error) {
	rec, ok := m.recs[m.key(mac, direction)]
	if !ok {
		return nil, state.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (m *memBaselines) Put(mac, direction string, rec *state.BaselineRecord) error {
	if m.failPuts[m.key(mac, direction)] {
		return state.ErrNotFound
	}
	copied := *rec
	m.recs[m.key(mac, direction)] = &copied
	return nil
}

const (
	laptopMAC  = "aa:bb:cc:dd:ee:ff"
	laptopAddr = "10.0.0.5"
)

func testEngine(snaps [][]firewall.CounterSample, ids map[string]devices.Identity, baselines *memBaselines) *Engine {
	e := NewEngine(
		&snapshotSource{snaps: snaps},
		&staticResolver{ids: ids},
		baselines,
		5*time.Second,
		logging.New(logging.Config{Level: "error"}),
	)
	e.wait = func(context.Context, time.Duration) error { return nil }
	return e
}

func fixedClock(t *testing.T, at time.Time) {
	t.Helper()
	restore := clock.Set(func() time.Time { return at })
	t.Cleanup(restore)
}

func laptopIDs() map[string]devices.Identity {
	return map[string]devices.Identity{
		laptopAddr: {MAC: laptopMAC, Name: "laptop"},
	}
}

func TestCycleBandwidthFromSnapshots(t *testing.T) {
	fixedClock(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.Local))
	e := testEngine([][]firewall.CounterSample{
		{{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 1000}},
		{{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 1500}},
	}, laptopIDs(), newMemBaselines())

	readings, err := e.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(readings))
	}
	r := readings[0]
	if r.Bytes != 1500 || r.Bandwidth != 100 {
		t.Errorf("bytes=%d bw=%d, want 1500/100", r.Bytes, r.Bandwidth)
	}
	if r.MAC != laptopMAC || r.Name != "laptop" || r.Direction != firewall.DirectionIn {
		t.Errorf("unexpected identity: %+v", r)
	}
}

func TestCycleDailyUsageFromBaseline(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.Local)
	fixedClock(t, now)

	baselines := newMemBaselines()
	baselines.recs[laptopMAC+"_in"] = &state.BaselineRecord{
		DayBytes: 1200, DayKey: now.Format("2006-01-02"),
		WeekBytes: 1000, WeekKey: weekKey(now),
	}
	e := testEngine([][]firewall.CounterSample{
		{{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 1400}},
		{{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 1500}},
	}, laptopIDs(), baselines)

	readings, err := e.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if readings[0].Daily != 300 {
		t.Errorf("daily = %d, want 300", readings[0].Daily)
	}
	if readings[0].Weekly != 500 {
		t.Errorf("weekly = %d, want 500", readings[0].Weekly)
	}
}

func TestCycleCounterResetClearsBaselines(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.Local)
	fixedClock(t, now)

	baselines := newMemBaselines()
	baselines.recs[laptopMAC+"_in"] = &state.BaselineRecord{
		DayBytes: 1200, DayKey: now.Format("2006-01-02"),
		WeekBytes: 1200, WeekKey: weekKey(now),
	}
	e := testEngine([][]firewall.CounterSample{
		{{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 10}},
		{{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 50}},
	}, laptopIDs(), baselines)

	readings, err := e.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	r := readings[0]
	if r.Daily != 0 || r.Weekly != 0 {
		t.Errorf("daily=%d weekly=%d after reset, want 0/0", r.Daily, r.Weekly)
	}
	rec := baselines.recs[laptopMAC+"_in"]
	if rec.DayBytes != 50 || rec.WeekBytes != 50 {
		t.Errorf("baselines not restarted at current counter: %+v", rec)
	}
}

func TestCycleDayRollover(t *testing.T) {
	now := time.Date(2026, 8, 30, 0, 0, 5, 0, time.Local)
	fixedClock(t, now)

	baselines := newMemBaselines()
	baselines.recs[laptopMAC+"_in"] = &state.BaselineRecord{
		DayBytes: 100, DayKey: "2026-08-29",
		WeekBytes: 100, WeekKey: weekKey(now),
	}
	e := testEngine([][]firewall.CounterSample{
		{{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 1000}},
		{{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 1000}},
	}, laptopIDs(), baselines)

	readings, err := e.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if readings[0].Daily != 0 {
		t.Errorf("daily = %d right after rollover, want 0", readings[0].Daily)
	}
	// The week did not roll over, so weekly keeps accumulating.
	if readings[0].Weekly != 900 {
		t.Errorf("weekly = %d, want 900", readings[0].Weekly)
	}
	if got := baselines.recs[laptopMAC+"_in"].DayKey; got != "2026-08-30" {
		t.Errorf("day key = %q", got)
	}
}

func TestCycleSkipsUnresolvedAddresses(t *testing.T) {
	fixedClock(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.Local))
	e := testEngine([][]firewall.CounterSample{
		{
			{Addr: "10.0.0.99", Direction: firewall.DirectionIn, Bytes: 100},
			{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 1000},
		},
		{
			{Addr: "10.0.0.99", Direction: firewall.DirectionIn, Bytes: 200},
			{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 1500},
		},
	}, laptopIDs(), newMemBaselines())

	readings, err := e.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 1 || readings[0].Addr != laptopAddr {
		t.Fatalf("expected only the resolvable entry, got %+v", readings)
	}
}

func TestCycleMissingFirstSnapshotEntry(t *testing.T) {
	fixedClock(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.Local))
	e := testEngine([][]firewall.CounterSample{
		{},
		{{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 500}},
	}, laptopIDs(), newMemBaselines())

	readings, err := e.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// No first sample means the whole count is the delta.
	if readings[0].Bandwidth != 100 {
		t.Errorf("bandwidth = %d, want 100", readings[0].Bandwidth)
	}
}

func TestCycleBandwidthNeverNegative(t *testing.T) {
	fixedClock(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.Local))
	e := testEngine([][]firewall.CounterSample{
		{{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 9000}},
		{{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 100}},
	}, laptopIDs(), newMemBaselines())

	readings, err := e.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if readings[0].Bandwidth != 0 {
		t.Errorf("bandwidth = %d after in-cycle reset, want 0", readings[0].Bandwidth)
	}
}

func TestCyclePersistFailureSuppressesReading(t *testing.T) {
	fixedClock(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.Local))
	ids := laptopIDs()
	ids["10.0.0.6"] = devices.Identity{MAC: "11:22:33:44:55:66", Name: "phone"}

	baselines := newMemBaselines()
	baselines.failPuts[laptopMAC+"_in"] = true
	e := testEngine([][]firewall.CounterSample{
		{},
		{
			{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 500},
			{Addr: "10.0.0.6", Direction: firewall.DirectionIn, Bytes: 700},
		},
	}, ids, baselines)

	readings, err := e.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 1 || readings[0].Addr != "10.0.0.6" {
		t.Fatalf("unpersisted entry must not be published: %+v", readings)
	}
}

func TestCycleDirectionsAccountedSeparately(t *testing.T) {
	fixedClock(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.Local))
	baselines := newMemBaselines()
	e := testEngine([][]firewall.CounterSample{
		{
			{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 1000},
			{Addr: laptopAddr, Direction: firewall.DirectionOut, Bytes: 0},
		},
		{
			{Addr: laptopAddr, Direction: firewall.DirectionIn, Bytes: 1500},
			{Addr: laptopAddr, Direction: firewall.DirectionOut, Bytes: 250},
		},
	}, laptopIDs(), baselines)

	readings, err := e.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}
	if readings[0].Bandwidth != 100 || readings[1].Bandwidth != 50 {
		t.Errorf("bandwidth in=%d out=%d, want 100/50", readings[0].Bandwidth, readings[1].Bandwidth)
	}
	if _, ok := baselines.recs[laptopMAC+"_out"]; !ok {
		t.Error("missing outbound baseline record")
	}
}

func TestCycleCancelledDuringWait(t *testing.T) {
	e := testEngine([][]firewall.CounterSample{{}}, laptopIDs(), newMemBaselines())
	e.wait = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Cycle(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestWeekKeyISO(t *testing.T) {
	// 2026-01-01 is a Thursday, ISO week 1 of 2026.
	if got := weekKey(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); got != "2026-W01" {
		t.Errorf("weekKey = %q", got)
	}
	// 2027-01-01 is a Friday, still ISO week 53 of 2026.
	if got := weekKey(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)); got != "2026-W53" {
		t.Errorf("weekKey = %q", got)
	}
}
