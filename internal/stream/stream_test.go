package stream_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/gaitmon/internal/logger"
	"codeberg.org/mutker/gaitmon/internal/poller"
	"codeberg.org/mutker/gaitmon/internal/sample"
	"codeberg.org/mutker/gaitmon/internal/stream"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStatus struct {
	state   poller.State
	session string
}

func (f fixedStatus) State() poller.State { return f.state }
func (f fixedStatus) SessionID() string   { return f.session }

func update(session string, ms ...int64) poller.Update {
	var history []sample.Sample
	for _, m := range ms {
		history = append(history, sample.Sample{
			Timestamp:    time.UnixMilli(m),
			Acceleration: sample.Vector3{0, 0, 9.8},
			Pressure:     []float64{1, 2},
			GaitPhase:    sample.Stance,
			PostureScore: 90,
		})
	}

	return poller.Update{SessionID: session, Latest: history[len(history)-1], History: history}
}

func newTestServer(t *testing.T, status stream.Status) (*stream.Hub, *httptest.Server) {
	t.Helper()
	return newTestServerWithQueue(t, status, 4)
}

func newTestServerWithQueue(t *testing.T, status stream.Status, queue int) (*stream.Hub, *httptest.Server) {
	t.Helper()

	hub := stream.NewHub(queue, logger.Default())
	srv := stream.NewServer(hub, status, logger.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})

	return hub, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) stream.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var raw struct {
		Session string            `json:"session"`
		Latest  json.RawMessage   `json:"latest"`
		History []json.RawMessage `json:"history"`
		Summary sample.Summary    `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))

	msg := stream.Message{Session: raw.Session, Summary: raw.Summary}
	msg.Latest, err = sample.Decode(raw.Latest, time.Time{})
	require.NoError(t, err)
	for _, h := range raw.History {
		s, err := sample.Decode(h, time.Time{})
		require.NoError(t, err)
		msg.History = append(msg.History, s)
	}

	return msg
}

func TestHubBroadcastsToClients(t *testing.T) {
	hub, ts := newTestServer(t, nil)

	a := dial(t, ts)
	b := dial(t, ts)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Update(context.Background(), update("s1", 100, 200)))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, "s1", msg.Session)
		assert.Equal(t, int64(200), msg.Latest.Timestamp.UnixMilli())
		require.Len(t, msg.History, 2)
		assert.Equal(t, int64(100), msg.History[0].Timestamp.UnixMilli())
		assert.Equal(t, 2, msg.Summary.Count)
		assert.InDelta(t, 1.0, msg.Summary.StanceFraction, 1e-9)
	}
}

func TestNewClientReceivesLatest(t *testing.T) {
	hub, ts := newTestServer(t, nil)

	require.NoError(t, hub.Update(context.Background(), update("s1", 100)))
	require.NoError(t, hub.Update(context.Background(), update("s1", 100, 200)))

	msg := readMessage(t, dial(t, ts))
	assert.Equal(t, int64(200), msg.Latest.Timestamp.UnixMilli())
}

func TestUpdateWithoutClientsDoesNotBlock(t *testing.T) {
	hub := stream.NewHub(1, logger.Default())

	for i := int64(1); i <= 100; i++ {
		require.NoError(t, hub.Update(context.Background(), update("s1", i)))
	}
	assert.Zero(t, hub.Clients())
	assert.NotNil(t, hub.Latest())
}

func TestClientDisconnectIsRemoved(t *testing.T) {
	hub, ts := newTestServer(t, nil)

	conn := dial(t, ts)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotEndpoint(t *testing.T) {
	hub, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/snapshot")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.NoError(t, hub.Update(context.Background(), update("s2", 100)))

	resp, err = http.Get(ts.URL + "/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "s2", body["session"])
}

func TestHealthzReportsState(t *testing.T) {
	_, ts := newTestServer(t, fixedStatus{state: poller.Collecting, session: "abc"})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "collecting", body["state"])
	assert.Equal(t, "abc", body["session"])
	assert.EqualValues(t, 0, body["clients"])
}

func TestServerStartAndShutdown(t *testing.T) {
	hub := stream.NewHub(0, logger.Default())
	srv := stream.NewServer(hub, fixedStatus{}, logger.Default())

	require.NoError(t, srv.Start("127.0.0.1:0"))
	require.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

func TestSlowClientDoesNotBlockUpdates(t *testing.T) {
	hub, ts := newTestServerWithQueue(t, nil, 1)

	dial(t, ts) // never reads
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 500; i++ {
			if err := hub.Update(context.Background(), update("s1", i)); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("updates blocked on a client that does not read")
	}

	msg := readMessage(t, dial(t, ts))
	assert.Equal(t, int64(500), msg.Latest.Timestamp.UnixMilli())
}

func TestClientsJoiningDuringBroadcastSeeEachUpdateOnce(t *testing.T) {
	const updates = 200

	hub, ts := newTestServerWithQueue(t, nil, updates)
	require.NoError(t, hub.Update(context.Background(), update("s1", 1)))

	go func() {
		for i := int64(2); i <= updates; i++ {
			_ = hub.Update(context.Background(), update("s1", i))
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		conn := dial(t, ts)
		wg.Add(1)
		go func() {
			defer wg.Done()

			var last int64
			for last < updates {
				if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
					t.Error(err)
					return
				}
				_, data, err := conn.ReadMessage()
				if err != nil {
					t.Error(err)
					return
				}
				var msg struct {
					Latest struct {
						Timestamp int64 `json:"timestamp"`
					} `json:"latest"`
				}
				if err := json.Unmarshal(data, &msg); err != nil {
					t.Error(err)
					return
				}
				if msg.Latest.Timestamp <= last {
					t.Errorf("update %d received after %d", msg.Latest.Timestamp, last)
					return
				}
				last = msg.Latest.Timestamp
			}
		}()
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()
}
