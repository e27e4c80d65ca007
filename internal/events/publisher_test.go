package events

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-edge/internal/zones"
)

type fakeConn struct {
	mu       sync.Mutex
	failN    int
	messages []struct {
		subject string
		data    []byte
	}
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("nats down")
	}
	f.messages = append(f.messages, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func zoneEvent(trackID string, at time.Time) zones.Event {
	return zones.Event{
		Timestamp: at,
		TrackID:   trackID,
		Class:     "person",
		ZoneID:    "door",
		StreamID:  "cam-1",
		Type:      zones.EventLineCrossingOut,
	}
}

func TestPublisher_SubjectPerStream(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, nil, zerolog.Nop())

	p.Publish(zoneEvent("7", time.Now()))
	require.Equal(t, 1, conn.count())
	assert.Equal(t, "edge.zones.events.cam-1", conn.messages[0].subject)

	var decoded zones.Event
	require.NoError(t, json.Unmarshal(conn.messages[0].data, &decoded))
	assert.Equal(t, "door", decoded.ZoneID)
}

func TestPublisher_DeduplicatesWithinWindow(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, nil, zerolog.Nop())

	at := time.Now()
	p.Publish(zoneEvent("7", at))
	p.Publish(zoneEvent("7", at.Add(100*time.Millisecond)))
	assert.Equal(t, 1, conn.count())

	// Different track is a different key.
	p.Publish(zoneEvent("8", at))
	assert.Equal(t, 2, conn.count())
}

func TestPublisher_RetriesThenDelivers(t *testing.T) {
	conn := &fakeConn{failN: 2}
	p := NewPublisher(conn, nil, zerolog.Nop())

	p.Publish(zoneEvent("7", time.Now()))
	assert.Equal(t, 1, conn.count())
}

func TestPublisher_DropsAfterRetries(t *testing.T) {
	conn := &fakeConn{failN: 10}
	p := NewPublisher(conn, nil, zerolog.Nop())

	p.Publish(zoneEvent("7", time.Now()))
	assert.Equal(t, 0, conn.count())
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	p := NewPublisher(nil, hub, zerolog.Nop())
	p.Publish(zoneEvent("7", time.Now()))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := ws.ReadMessage()
	require.NoError(t, err)

	var decoded zones.Event
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, zones.EventLineCrossingOut, decoded.Type)
}

func TestHub_CloseRejectsNewClients(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
