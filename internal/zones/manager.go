package zones

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// trackTTL bounds how long per-track state survives without a sighting.
const trackTTL = 60 * time.Second

// LineManager owns all line zones for one stream. Frame processing and
// reconfiguration serialise on the manager lock; per-frame work is
// O(zones × tracks) with no I/O.
type LineManager struct {
	streamID string
	log      zerolog.Logger

	mu       sync.RWMutex
	order    []string
	zones    map[string]*LineZone
	lastSeen map[int]time.Time

	now func() time.Time
}

func NewLineManager(streamID string, logger zerolog.Logger) *LineManager {
	return &LineManager{
		streamID: streamID,
		log:      logger,
		zones:    make(map[string]*LineZone),
		lastSeen: make(map[int]time.Time),
		now:      time.Now,
	}
}

// Process evaluates one frame's tracked objects against every line zone.
func (m *LineManager) Process(frame FrameSize, objects []TrackedObject) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var events []Event
	for _, id := range m.order {
		z := m.zones[id]
		for _, obj := range objects {
			if ev, ok := z.process(m.streamID, obj, frame, now); ok {
				events = append(events, ev)
			}
		}
	}

	for _, obj := range objects {
		m.lastSeen[obj.TrackID] = now
	}
	m.pruneStaleLocked(now)
	return events
}

func (m *LineManager) pruneStaleLocked(now time.Time) {
	for trackID, seen := range m.lastSeen {
		if now.Sub(seen) <= trackTTL {
			continue
		}
		delete(m.lastSeen, trackID)
		for _, z := range m.zones {
			z.forget(trackID)
		}
	}
}

// Reconfigure applies a new authoritative zone list: same-id zones are
// updated in place keeping their counters, new ids are added, missing
// ids are removed. A removed id whose geometry matches a new id within
// epsilon is a rename: the new zone inherits all counters and history.
func (m *LineManager) Reconfigure(cfgs []LineZoneConfig) {
	// Build candidate zones outside the lock; only the swap and the
	// state migration run under it.
	type candidate struct {
		cfg  LineZoneConfig
		zone *LineZone
	}
	var candidates []candidate
	newIDs := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.degenerate() {
			m.log.Warn().Str("zone_id", cfg.ID).Str("stream_id", m.streamID).
				Msg("skipping degenerate line zone")
			continue
		}
		candidates = append(candidates, candidate{cfg: cfg, zone: newLineZone(cfg)})
		newIDs[cfg.ID] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*LineZone, len(candidates))
	order := make([]string, 0, len(candidates))
	claimed := make(map[string]struct{})

	for _, c := range candidates {
		if old, ok := m.zones[c.cfg.ID]; ok {
			old.cfg = c.cfg
			old.threshold = c.zone.threshold
			next[c.cfg.ID] = old
			claimed[c.cfg.ID] = struct{}{}
		} else {
			// Rename check against zones about to disappear.
			for oldID, old := range m.zones {
				if _, kept := newIDs[oldID]; kept {
					continue
				}
				if _, taken := claimed[oldID]; taken {
					continue
				}
				if old.sameGeometry(c.cfg) {
					c.zone.adopt(old)
					claimed[oldID] = struct{}{}
					m.log.Info().Str("stream_id", m.streamID).
						Str("from", oldID).Str("to", c.cfg.ID).
						Msg("line zone renamed, counters preserved")
					break
				}
			}
			next[c.cfg.ID] = c.zone
		}
		order = append(order, c.cfg.ID)
	}

	m.zones = next
	m.order = order
}

// Snapshot reports the current zone counters for the status surface.
func (m *LineManager) Snapshot() []ZoneStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ZoneStatus, 0, len(m.order))
	for _, id := range m.order {
		z := m.zones[id]
		in, outc := z.Counts()
		ci, co := z.ClassCounts()
		out = append(out, ZoneStatus{
			ZoneID: id, Kind: "line",
			InCount: in, OutCount: outc,
			ClassIn: ci, ClassOut: co,
		})
	}
	return out
}

// PolygonManager owns all polygon zones for one stream, plus the dwell
// tracker shared across them.
type PolygonManager struct {
	streamID string
	log      zerolog.Logger

	mu       sync.RWMutex
	order    []string
	zones    map[string]*PolygonZone
	dwell    *DwellTracker
	lastSeen map[int]time.Time

	now func() time.Time
}

func NewPolygonManager(streamID string, logger zerolog.Logger) *PolygonManager {
	return &PolygonManager{
		streamID: streamID,
		log:      logger,
		zones:    make(map[string]*PolygonZone),
		dwell:    NewDwellTracker(),
		lastSeen: make(map[int]time.Time),
		now:      time.Now,
	}
}

// Process evaluates one frame against every polygon zone and returns the
// entry/exit events plus per-zone dwell times of the objects currently
// inside.
func (m *PolygonManager) Process(frame FrameSize, objects []TrackedObject) ([]Event, map[string]map[int]time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var events []Event
	dwell := make(map[string]map[int]time.Duration, len(m.order))

	for _, id := range m.order {
		z := m.zones[id]
		inside := make(map[int]struct{})
		for _, obj := range objects {
			ev, ok, in := z.process(m.streamID, obj, frame, now)
			if ok {
				events = append(events, ev)
			}
			if in {
				inside[obj.TrackID] = struct{}{}
			}
		}
		if times := m.dwell.Update(id, inside, now); len(times) > 0 {
			dwell[id] = times
		}
	}

	for _, obj := range objects {
		m.lastSeen[obj.TrackID] = now
	}
	m.pruneStaleLocked(now)
	return events, dwell
}

func (m *PolygonManager) pruneStaleLocked(now time.Time) {
	for trackID, seen := range m.lastSeen {
		if now.Sub(seen) <= trackTTL {
			continue
		}
		delete(m.lastSeen, trackID)
		for _, z := range m.zones {
			z.forget(trackID)
		}
	}
}

// Reconfigure mirrors LineManager.Reconfigure, additionally migrating
// dwell timers on rename and dropping them for removed zones.
func (m *PolygonManager) Reconfigure(cfgs []PolygonZoneConfig) {
	type candidate struct {
		cfg  PolygonZoneConfig
		zone *PolygonZone
	}
	var candidates []candidate
	newIDs := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.degenerate() {
			m.log.Warn().Str("zone_id", cfg.ID).Str("stream_id", m.streamID).
				Msg("skipping polygon zone with fewer than 3 vertices")
			continue
		}
		candidates = append(candidates, candidate{cfg: cfg, zone: newPolygonZone(cfg)})
		newIDs[cfg.ID] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*PolygonZone, len(candidates))
	order := make([]string, 0, len(candidates))
	claimed := make(map[string]struct{})

	for _, c := range candidates {
		if old, ok := m.zones[c.cfg.ID]; ok {
			if !old.sameGeometry(c.cfg) {
				old.mask = nil
			}
			old.cfg = c.cfg
			next[c.cfg.ID] = old
			claimed[c.cfg.ID] = struct{}{}
		} else {
			for oldID, old := range m.zones {
				if _, kept := newIDs[oldID]; kept {
					continue
				}
				if _, taken := claimed[oldID]; taken {
					continue
				}
				if old.sameGeometry(c.cfg) {
					c.zone.adopt(old)
					c.zone.mask = old.mask
					c.zone.maskSize = old.maskSize
					m.dwell.Migrate(oldID, c.cfg.ID)
					claimed[oldID] = struct{}{}
					m.log.Info().Str("stream_id", m.streamID).
						Str("from", oldID).Str("to", c.cfg.ID).
						Msg("polygon zone renamed, counters preserved")
					break
				}
			}
			next[c.cfg.ID] = c.zone
		}
		order = append(order, c.cfg.ID)
	}

	// Dwell timers of zones that vanished outright.
	for oldID := range m.zones {
		if _, kept := next[oldID]; kept {
			continue
		}
		if _, migrated := claimed[oldID]; migrated {
			continue
		}
		m.dwell.Drop(oldID)
	}

	m.zones = next
	m.order = order
}

// Snapshot reports the current zone counters for the status surface.
func (m *PolygonManager) Snapshot() []ZoneStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ZoneStatus, 0, len(m.order))
	for _, id := range m.order {
		z := m.zones[id]
		in, outc := z.Counts()
		ci, co := z.ClassCounts()
		out = append(out, ZoneStatus{
			ZoneID: id, Kind: "polygon",
			InCount: in, OutCount: outc,
			ClassIn: ci, ClassOut: co,
		})
	}
	return out
}

// ZoneStatus is the read-side view of one zone's counters.
type ZoneStatus struct {
	ZoneID   string         `json:"zone_id"`
	Kind     string         `json:"kind"`
	InCount  int            `json:"in_count"`
	OutCount int            `json:"out_count"`
	ClassIn  map[string]int `json:"class_in,omitempty"`
	ClassOut map[string]int `json:"class_out,omitempty"`
}
