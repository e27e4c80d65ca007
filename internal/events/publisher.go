// Package events fans zone events out to downstream consumers: a NATS
// subject per camera for other services, and a websocket hub for live
// viewers. Duplicate suppression is best-effort over a bounded window.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/zones"
)

const (
	subjectPrefix     = "edge.zones.events."
	defaultMaxRetries = 3
	dedupWindow       = 2 * time.Second
	dedupSize         = 4096
)

// Conn is the slice of nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

// Publisher pushes zone events to NATS with bounded retry. Publishing is
// fire-and-forget from the frame path's point of view; failures are
// logged and the event is dropped after the retries.
type Publisher struct {
	conn       Conn
	maxRetries int
	dedup      *lru.Cache[string, time.Time]
	hub        *Hub
	log        zerolog.Logger
}

func NewPublisher(conn Conn, hub *Hub, logger zerolog.Logger) *Publisher {
	dedup, _ := lru.New[string, time.Time](dedupSize)
	return &Publisher{
		conn:       conn,
		maxRetries: defaultMaxRetries,
		dedup:      dedup,
		hub:        hub,
		log:        logger,
	}
}

// Publish sends one zone event to edge.zones.events.<stream> and the
// websocket hub. Duplicates within the window are suppressed.
func (p *Publisher) Publish(ev zones.Event) {
	if p.isDuplicate(ev) {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Msg("zone event marshal failed")
		return
	}

	if p.hub != nil {
		p.hub.Broadcast(data)
	}
	if p.conn == nil {
		return
	}

	subject := subjectPrefix + ev.StreamID
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err = p.conn.Publish(subject, data); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	p.log.Warn().Err(err).
		Str("subject", subject).
		Str("zone_id", ev.ZoneID).
		Msg("zone event dropped after publish retries")
}

func (p *Publisher) isDuplicate(ev zones.Event) bool {
	key := dedupKey(ev)
	if addedAt, ok := p.dedup.Get(key); ok && time.Since(addedAt) < dedupWindow {
		return true
	}
	p.dedup.Add(key, time.Now())
	return false
}

// dedupKey buckets the timestamp to one second so micro-timing jitter in
// re-detections collapses onto one key.
func dedupKey(ev zones.Event) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d",
		ev.StreamID, ev.ZoneID, ev.TrackID, ev.Type,
		ev.Timestamp.Truncate(time.Second).Unix())
}
