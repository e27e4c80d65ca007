package zones

import "time"

type dwellKey struct {
	zoneID  string
	trackID int
}

type dwellEntry struct {
	enteredAt   time.Time
	accumulated time.Duration
}

// DwellTracker accumulates per-(zone, track) time inside polygon zones.
// Time-in-zone is monotonically non-decreasing while the object stays
// inside and resumes from the accumulated total on re-entry.
type DwellTracker struct {
	entries map[dwellKey]*dwellEntry
}

func NewDwellTracker() *DwellTracker {
	return &DwellTracker{entries: make(map[dwellKey]*dwellEntry)}
}

// Update reconciles one zone's current inside-set against the tracker
// state and returns time-in-zone per track currently inside.
func (d *DwellTracker) Update(zoneID string, inside map[int]struct{}, now time.Time) map[int]time.Duration {
	for key, e := range d.entries {
		if key.zoneID != zoneID {
			continue
		}
		if _, ok := inside[key.trackID]; ok {
			continue
		}
		if !e.enteredAt.IsZero() {
			e.accumulated += now.Sub(e.enteredAt)
			e.enteredAt = time.Time{}
		}
	}

	out := make(map[int]time.Duration, len(inside))
	for trackID := range inside {
		key := dwellKey{zoneID: zoneID, trackID: trackID}
		e := d.entries[key]
		if e == nil {
			e = &dwellEntry{}
			d.entries[key] = e
		}
		if e.enteredAt.IsZero() {
			e.enteredAt = now
		}
		out[trackID] = e.accumulated + now.Sub(e.enteredAt)
	}
	return out
}

// TimeInZone reports the current dwell for one (zone, track) pair.
func (d *DwellTracker) TimeInZone(zoneID string, trackID int, now time.Time) (time.Duration, bool) {
	e, ok := d.entries[dwellKey{zoneID: zoneID, trackID: trackID}]
	if !ok {
		return 0, false
	}
	if e.enteredAt.IsZero() {
		return e.accumulated, true
	}
	return e.accumulated + now.Sub(e.enteredAt), true
}

// Migrate moves all entries for oldZoneID under newZoneID. Used by the
// rename-preservation path.
func (d *DwellTracker) Migrate(oldZoneID, newZoneID string) {
	for key, e := range d.entries {
		if key.zoneID != oldZoneID {
			continue
		}
		delete(d.entries, key)
		d.entries[dwellKey{zoneID: newZoneID, trackID: key.trackID}] = e
	}
}

// Drop removes all entries for a zone.
func (d *DwellTracker) Drop(zoneID string) {
	for key := range d.entries {
		if key.zoneID == zoneID {
			delete(d.entries, key)
		}
	}
}
