package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/meshrelay/pkg/auth"
	"github.com/kabili207/meshrelay/pkg/models"
	"github.com/kabili207/meshrelay/pkg/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRelay struct {
	mu    sync.Mutex
	sends []relay.SendRequest
	maps  []models.MessageMap
	err   error
}

func (r *fakeRelay) Send(_ context.Context, req relay.SendRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, req)
	return r.err
}

func (r *fakeRelay) RecordMapping(_ context.Context, mm models.MessageMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maps = append(r.maps, mm)
	return r.err
}

func newGateway(t *testing.T, cfg GatewayConfig) (*GatewayHook, *mqtt.Server, *fakeRelay) {
	t.Helper()
	server := mqtt.New(&mqtt.Options{InlineClient: true, Logger: testLogger()})
	t.Cleanup(func() { _ = server.Close() })

	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	r := &fakeRelay{}
	h := new(GatewayHook)
	require.NoError(t, server.AddHook(h, &GatewayHookOptions{Server: server, Config: cfg, Relay: r}))
	return h, server, r
}

func client(id string) *mqtt.Client {
	return &mqtt.Client{ID: id, Net: mqtt.ClientConnection{Remote: "10.0.0.5:40000"}}
}

func connect(user, pass string) packets.Packet {
	return packets.Packet{Connect: packets.ConnectParams{Username: []byte(user), Password: []byte(pass)}}
}

func TestInitRequiresOptions(t *testing.T) {
	server := mqtt.New(&mqtt.Options{InlineClient: true, Logger: testLogger()})
	defer server.Close()

	assert.Error(t, server.AddHook(new(GatewayHook), nil))
	assert.Error(t, server.AddHook(new(GatewayHook), &GatewayHookOptions{Relay: &fakeRelay{}}))
	assert.Error(t, server.AddHook(new(GatewayHook), &GatewayHookOptions{Server: server}))
}

func TestAuthentication(t *testing.T) {
	hash, salt, err := auth.GenerateHashAndSalt("s3cret")
	require.NoError(t, err)
	h, _, _ := newGateway(t, GatewayConfig{Username: "matrix", PasswordHash: hash, Salt: salt})

	assert.False(t, h.OnConnectAuthenticate(client("bad-pass"), connect("matrix", "guess")))
	assert.False(t, h.OnConnectAuthenticate(client("bad-user"), connect("irc", "s3cret")))
	assert.True(t, h.OnConnectAuthenticate(client("adapter-1"), connect("matrix", "s3cret")))

	clients := h.ConnectedClients()
	require.Len(t, clients, 1)
	assert.Equal(t, "adapter-1", clients[0].ClientID)
	assert.Equal(t, "matrix", clients[0].UserID)
	assert.Equal(t, "10.0.0.5:40000", clients[0].Address)
}

func TestOpenGatewayAcceptsAnyone(t *testing.T) {
	h, _, _ := newGateway(t, GatewayConfig{})
	assert.True(t, h.OnConnectAuthenticate(client("anon"), connect("", "")))
}

func TestACL(t *testing.T) {
	h, _, _ := newGateway(t, GatewayConfig{})
	known := client("adapter-1")
	require.True(t, h.OnConnectAuthenticate(known, connect("matrix", "")))

	tests := []struct {
		topic string
		write bool
		want  bool
	}{
		{"meshrelay/rx/default", false, true},
		{"meshrelay/rx/#", false, true},
		{"meshrelay/status", false, true},
		{"meshrelay/tx", false, false},
		{"meshrelay/tx", true, true},
		{"meshrelay/map", true, true},
		{"meshrelay/rx/default", true, false},
		{"meshrelay/status", true, false},
		{"msh/US/2/e/LongFast/!a1b2c3d4", false, false},
	}
	for _, tt := range tests {
		if got := h.OnACLCheck(known, tt.topic, tt.write); got != tt.want {
			t.Errorf("OnACLCheck(%q, write=%v) = %v, want %v", tt.topic, tt.write, got, tt.want)
		}
	}

	assert.False(t, h.OnACLCheck(client("stranger"), "meshrelay/rx/default", false))

	inline := client("inline")
	inline.Net.Inline = true
	assert.True(t, h.OnACLCheck(inline, "meshrelay/rx/default", true))
}

func TestSubscriptionsRecordRooms(t *testing.T) {
	h, _, _ := newGateway(t, GatewayConfig{})
	cl := client("adapter-1")
	require.True(t, h.OnConnectAuthenticate(cl, connect("matrix", "")))

	pk := packets.Packet{Filters: packets.Subscriptions{
		{Filter: "meshrelay/rx/default"},
		{Filter: "meshrelay/status"},
		{Filter: "meshrelay/rx/default"},
	}}
	h.OnSubscribed(cl, pk, []byte{0, 0, 0})

	clients := h.ConnectedClients()
	require.Len(t, clients, 1)
	assert.Equal(t, []string{"meshrelay/rx/default"}, clients[0].Rooms)

	h.OnDisconnect(cl, errors.New("eof"), false)
	assert.Empty(t, h.ConnectedClients())
}

func TestSendRequestsAreConsumed(t *testing.T) {
	h, _, r := newGateway(t, GatewayConfig{})
	cl := client("adapter-1")

	payload, err := json.Marshal(relay.SendRequest{
		Text:     "hello mesh",
		SenderID: "@alice:example.org",
		Backend:  "matrix",
		ChatID:   "$evt1",
	})
	require.NoError(t, err)

	_, err = h.OnPublish(cl, packets.Packet{TopicName: "meshrelay/tx", Payload: payload})
	assert.ErrorIs(t, err, packets.ErrRejectPacket)
	require.Len(t, r.sends, 1)
	assert.Equal(t, "hello mesh", r.sends[0].Text)
	assert.Equal(t, "$evt1", r.sends[0].ChatID)

	_, err = h.OnPublish(cl, packets.Packet{TopicName: "meshrelay/tx", Payload: []byte("{not json")})
	assert.ErrorIs(t, err, packets.ErrRejectPacket)
	assert.Len(t, r.sends, 1)

	pk, err := h.OnPublish(cl, packets.Packet{TopicName: "elsewhere", Payload: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, "elsewhere", pk.TopicName)
}

func TestMappingRequests(t *testing.T) {
	h, _, r := newGateway(t, GatewayConfig{})
	payload := []byte(`{"radio_id":"1234","chat_id":"$evt","chat_room":"!room:example.org"}`)

	_, err := h.OnPublish(client("adapter-1"), packets.Packet{TopicName: "meshrelay/map", Payload: payload})
	assert.ErrorIs(t, err, packets.ErrRejectPacket)
	require.Len(t, r.maps, 1)
	assert.Equal(t, models.MessageMap{RadioID: "1234", ChatID: "$evt", ChatRoom: "!room:example.org"}, r.maps[0])
}

func TestPublishMessage(t *testing.T) {
	h, server, _ := newGateway(t, GatewayConfig{TopicPrefix: "bridge/"})
	assert.Equal(t, "bridge/rx/pgh", h.RxTopic("pgh"))

	got := make(chan packets.Packet, 1)
	require.NoError(t, server.Subscribe("bridge/rx/#", 1, func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		got <- pk
	}))

	m, err := models.NewMessage(models.Message{Text: "hi chat", SenderID: "!a1b2c3d4", Backend: "meshtastic", MeshnetName: "pgh"})
	require.NoError(t, err)
	require.NoError(t, h.PublishMessage(context.Background(), m))

	select {
	case pk := <-got:
		assert.Equal(t, "bridge/rx/pgh", pk.TopicName)
		var decoded models.Message
		require.NoError(t, json.Unmarshal(pk.Payload, &decoded))
		assert.Equal(t, "hi chat", decoded.Text)
		assert.Equal(t, "!a1b2c3d4", decoded.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublishStatus(t *testing.T) {
	h, server, _ := newGateway(t, GatewayConfig{})
	got := make(chan packets.Packet, 1)
	require.NoError(t, server.Subscribe("meshrelay/status", 2, func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		got <- pk
	}))

	require.NoError(t, h.PublishStatus(map[string]string{"state": "connected"}))
	select {
	case pk := <-got:
		assert.JSONEq(t, `{"state":"connected"}`, string(pk.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("status not delivered")
	}
}
