package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/meshrelay/pkg/lifecycle"
	"github.com/kabili207/meshrelay/pkg/models"
	"github.com/kabili207/meshrelay/pkg/radio"
	"github.com/kabili207/meshrelay/pkg/radio/radiotest"
)

type fakeLifecycle struct {
	mu    sync.Mutex
	state lifecycle.State
	err   error
	probe time.Time
}

func (f *fakeLifecycle) set(s lifecycle.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeLifecycle) State() lifecycle.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLifecycle) LastError() error     { return f.err }
func (f *fakeLifecycle) LastProbe() time.Time { return f.probe }
func (f *fakeLifecycle) IsReconnecting() bool { return f.State() == lifecycle.StateReconnecting }

type fakeRadio struct {
	backend radio.Backend
	ready   bool
}

func (f *fakeRadio) Active() radio.Backend { return f.backend }
func (f *fakeRadio) IsReady() bool         { return f.ready }

type fixedDepth int

func (d fixedDepth) Len() int { return int(d) }

type fixedNodes int

func (n fixedNodes) KnownNodes(context.Context) (int, error) { return int(n), nil }

type fixedClients []*models.ClientDetails

func (c fixedClients) ConnectedClients() []*models.ClientDetails { return c }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter() (*StatusRouter, *fakeLifecycle, *fakeRadio) {
	lc := &fakeLifecycle{state: lifecycle.StateConnected}
	rd := &fakeRadio{backend: radiotest.New("meshtastic"), ready: true}
	sr := NewStatusRouter(testLogger())
	sr.Lifecycle = lc
	sr.Radio = rd
	sr.Queue = fixedDepth(3)
	sr.Nodes = fixedNodes(12)
	sr.Clients = fixedClients{{UserID: "matrix", ClientID: "adapter-1", Address: "10.0.0.5:40000"}}
	return sr, lc, rd
}

func TestStatusEndpoint(t *testing.T) {
	sr, lc, _ := newRouter()
	probe := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lc.probe = probe
	lc.err = errors.New("timeout waiting for radio")

	rec := httptest.NewRecorder()
	sr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "connected", got["state"])
	assert.Equal(t, true, got["ready"])
	assert.Equal(t, "meshtastic", got["backend"])
	assert.Equal(t, false, got["reconnecting"])
	assert.Equal(t, "timeout waiting for radio", got["last_error"])
	assert.Equal(t, probe.Format(time.RFC3339), got["last_probe"])
	assert.EqualValues(t, 3, got["queue_depth"])
	assert.EqualValues(t, 12, got["known_nodes"])
	require.Len(t, got["clients"], 1)
}

func TestStatusWithoutSources(t *testing.T) {
	sr := NewStatusRouter(testLogger())
	rec := httptest.NewRecorder()
	sr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "disconnected", got["state"])
	assert.Equal(t, false, got["ready"])
	assert.NotContains(t, got, "backend")
	assert.NotContains(t, got, "known_nodes")
	assert.Equal(t, []any{}, got["clients"])
}

func TestHealthz(t *testing.T) {
	sr, _, rd := newRouter()
	h := sr.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rd.ready = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	sr, _, _ := newRouter()
	rec := httptest.NewRecorder()
	sr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meshrelay_")
}

func TestMethodNotAllowed(t *testing.T) {
	sr, _, _ := newRouter()
	rec := httptest.NewRecorder()
	sr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNotifierCoalesces(t *testing.T) {
	n := NewNotifier()
	ch := n.Subscribe()
	assert.Equal(t, 1, n.Subscribers())

	n.Notify()
	n.Notify()
	<-ch
	select {
	case <-ch:
		t.Fatal("expected a single pending notification")
	default:
	}

	n.Unsubscribe(ch)
	n.Unsubscribe(ch)
	assert.Equal(t, 0, n.Subscribers())
	_, open := <-ch
	assert.False(t, open)
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" || data != "" {
				return event, data
			}
		case strings.HasPrefix(line, ":"):
			return "", strings.TrimSpace(line[1:])
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventsStream(t *testing.T) {
	sr, lc, _ := newRouter()
	sr.Heartbeat = 50 * time.Millisecond
	srv := httptest.NewServer(sr.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	event, data := readEvent(t, r)
	require.Equal(t, "status", event)
	assert.Contains(t, data, `"state":"connected"`)

	require.Eventually(t, func() bool { return sr.Notifier.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	lc.set(lifecycle.StateReconnecting)
	sr.Notifier.Notify()

	// a heartbeat may arrive before the update
	for range 5 {
		event, data = readEvent(t, r)
		if event == "status" {
			break
		}
		assert.Equal(t, "heartbeat", data)
	}
	require.Equal(t, "status", event)
	assert.Contains(t, data, `"state":"reconnecting"`)
	assert.Contains(t, data, `"reconnecting":true`)
}
