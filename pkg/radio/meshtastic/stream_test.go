package meshtastic

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	mt "github.com/kabili207/meshrelay/pkg/meshtastic"
	"github.com/kabili207/meshrelay/pkg/models"
	"github.com/kabili207/meshrelay/pkg/radio"
)

const (
	deviceNode = 0x0929
	peerNode   = 0xa1b2c3d4
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDevice answers the stream API on the far side of a pipe.
type fakeDevice struct {
	conn net.Conn

	mu      sync.Mutex
	packets []*pb.MeshPacket
	garble  bool
	silent  bool
}

func (d *fakeDevice) send(msg *pb.FromRadio) {
	raw, err := proto.Marshal(msg)
	if err != nil {
		panic(err)
	}
	frame, err := EncodeFrame(raw)
	if err != nil {
		panic(err)
	}
	_, _ = d.conn.Write(frame)
}

func (d *fakeDevice) run() {
	fr := NewFrameReader(d.conn)
	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			return
		}
		var msg pb.ToRadio
		if err := proto.Unmarshal(payload, &msg); err != nil {
			continue
		}

		switch v := msg.GetPayloadVariant().(type) {
		case *pb.ToRadio_WantConfigId:
			d.mu.Lock()
			garble, silent := d.garble, d.silent
			d.mu.Unlock()
			switch {
			case silent:
			case garble:
				frame, _ := EncodeFrame([]byte{0xff, 0xff, 0xff, 0xff})
				_, _ = d.conn.Write(frame)
			default:
				d.send(&pb.FromRadio{PayloadVariant: &pb.FromRadio_MyInfo{MyInfo: &pb.MyNodeInfo{MyNodeNum: deviceNode}}})
				d.send(&pb.FromRadio{PayloadVariant: &pb.FromRadio_NodeInfo{NodeInfo: &pb.NodeInfo{
					Num:  peerNode,
					User: &pb.User{Id: "!a1b2c3d4", LongName: "Hilltop Router", ShortName: "HTR"},
					Position: &pb.Position{
						LatitudeI:  proto.Int32(404400000),
						LongitudeI: proto.Int32(-799900000),
					},
				}}})
				d.send(&pb.FromRadio{PayloadVariant: &pb.FromRadio_ConfigCompleteId{ConfigCompleteId: v.WantConfigId}})
			}
		case *pb.ToRadio_Packet:
			d.mu.Lock()
			d.packets = append(d.packets, v.Packet)
			d.mu.Unlock()
		}
	}
}

func (d *fakeDevice) set(garble, silent bool) {
	d.mu.Lock()
	d.garble, d.silent = garble, silent
	d.mu.Unlock()
}

func (d *fakeDevice) sent() []*pb.MeshPacket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*pb.MeshPacket(nil), d.packets...)
}

func connectedStream(t *testing.T) (*Stream, *fakeDevice) {
	t.Helper()
	client, server := net.Pipe()
	dev := &fakeDevice{conn: server}
	go dev.run()

	s := NewStream(testLogger())
	s.dial = func(context.Context, radio.Config) (io.ReadWriteCloser, error) { return client, nil }
	t.Cleanup(func() {
		_ = s.Disconnect()
		_ = server.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, radio.Config{ConnectionType: radio.ConnectionTCP, MeshnetName: "wpa"}))
	return s, dev
}

func TestStreamHandshake(t *testing.T) {
	var mu sync.Mutex
	var nodes []*models.Node

	client, server := net.Pipe()
	dev := &fakeDevice{conn: server}
	go dev.run()
	defer server.Close()

	s := NewStream(testLogger())
	s.dial = func(context.Context, radio.Config) (io.ReadWriteCloser, error) { return client, nil }
	s.SetNodeHandler(func(n *models.Node) {
		mu.Lock()
		nodes = append(nodes, n)
		mu.Unlock()
	})
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background(), radio.Config{MeshnetName: "wpa"}))
	assert.True(t, s.IsConnected())
	assert.Equal(t, mt.NodeID(deviceNode), s.MyNode())

	// connecting again is a no-op
	require.NoError(t, s.Connect(context.Background(), radio.Config{}))

	mu.Lock()
	require.Len(t, nodes, 1)
	assert.Equal(t, "!a1b2c3d4", nodes[0].NodeID)
	assert.Equal(t, "wpa", nodes[0].MeshnetName)
	assert.Equal(t, "Hilltop Router", nodes[0].LongName)
	require.True(t, nodes[0].HasLocation())
	assert.InDelta(t, 40.44, *nodes[0].Latitude, 1e-6)
	mu.Unlock()

	require.NoError(t, s.Disconnect())
	assert.False(t, s.IsConnected())
	require.NoError(t, s.Disconnect())
}

func TestStreamRejectsBLE(t *testing.T) {
	s := NewStream(testLogger())
	err := s.Connect(context.Background(), radio.Config{ConnectionType: radio.ConnectionBLE})
	assert.ErrorIs(t, err, radio.ErrUnsupported)
	assert.False(t, s.IsConnected())
}

func TestStreamTCPRequiresHost(t *testing.T) {
	s := NewStream(testLogger())
	err := s.Connect(context.Background(), radio.Config{ConnectionType: radio.ConnectionTCP})
	assert.ErrorIs(t, err, radio.ErrUnsupported)
}

func TestStreamInboundText(t *testing.T) {
	s, dev := connectedStream(t)
	got := make(chan *models.Message, 1)
	s.SetMessageHandler(func(m *models.Message) { got <- m })

	dev.send(&pb.FromRadio{PayloadVariant: &pb.FromRadio_Packet{Packet: &pb.MeshPacket{
		From:    peerNode,
		To:      uint32(mt.BroadcastID),
		Id:      4242,
		Channel: 1,
		PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{
			Portnum: pb.PortNum_TEXT_MESSAGE_APP,
			Payload: []byte("hello from the hill"),
			ReplyId: 77,
		}},
	}}})

	select {
	case m := <-got:
		assert.Equal(t, "hello from the hill", m.Text)
		assert.Equal(t, "!a1b2c3d4", m.SenderID)
		assert.Equal(t, "Hilltop Router", m.SenderName)
		assert.Equal(t, StreamBackendName, m.Backend)
		assert.Equal(t, "wpa", m.MeshnetName)
		assert.Equal(t, "4242", m.MessageID)
		assert.Equal(t, "77", m.ReplyToID)
		assert.EqualValues(t, 1, m.ChannelIndex())
		assert.True(t, m.IsBroadcast())
		require.NotNil(t, m.Location)
		assert.InDelta(t, -79.99, m.Location.Longitude, 1e-6)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestStreamSendMessage(t *testing.T) {
	s, dev := connectedStream(t)

	res, err := s.SendMessage(context.Background(), "hi", radio.SendOptions{Channel: 2, DestinationID: "!a1b2c3d4", ReplyToID: "99"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)

	require.Eventually(t, func() bool { return len(dev.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	pkt := dev.sent()[0]
	assert.EqualValues(t, peerNode, pkt.GetTo())
	assert.EqualValues(t, 2, pkt.GetChannel())
	assert.True(t, pkt.GetWantAck())
	assert.Equal(t, "hi", string(pkt.GetDecoded().GetPayload()))
	assert.EqualValues(t, 99, pkt.GetDecoded().GetReplyId())

	_, err = s.SendMessage(context.Background(), string(make([]byte, mt.MaxTextLength+1)), radio.SendOptions{})
	assert.ErrorIs(t, err, ErrTextTooLong)
	_, err = s.SendMessage(context.Background(), "x", radio.SendOptions{DestinationID: "bogus"})
	assert.ErrorIs(t, err, mt.ErrInvalidNodeID)
}

func TestStreamProbe(t *testing.T) {
	s, dev := connectedStream(t)

	require.NoError(t, s.Probe(context.Background()))

	dev.set(true, false)
	assert.ErrorIs(t, s.Probe(context.Background()), radio.ErrProbeUnparsed)

	dev.set(false, true)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Probe(ctx), context.DeadlineExceeded)
}

func TestStreamStateReadableDuringHandshake(t *testing.T) {
	client, server := net.Pipe()
	dev := &fakeDevice{conn: server, silent: true}
	go dev.run()
	defer server.Close()

	s := NewStream(testLogger())
	var dialed sync.WaitGroup
	dialed.Add(1)
	s.dial = func(context.Context, radio.Config) (io.ReadWriteCloser, error) {
		dialed.Done()
		return client, nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Connect(context.Background(), radio.Config{ConnectionType: radio.ConnectionTCP})
	}()
	dialed.Wait()

	start := time.Now()
	assert.False(t, s.IsConnected())
	assert.Nil(t, s.current())
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, s.Disconnect())
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.False(t, s.IsConnected())
}

func TestStreamReportsLinkLoss(t *testing.T) {
	s, dev := connectedStream(t)
	lost := make(chan error, 1)
	s.SetDisconnectHandler(func(err error) { lost <- err })

	_ = dev.conn.Close()
	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("link loss not reported")
	}
	assert.False(t, s.IsConnected())
	_, err := s.SendMessage(context.Background(), "late", radio.SendOptions{})
	assert.ErrorIs(t, err, radio.ErrNotConnected)
	assert.ErrorIs(t, s.Probe(context.Background()), radio.ErrNotConnected)
}

func TestFactoriesRegistered(t *testing.T) {
	b, err := radio.NewBackend("Meshtastic", testLogger())
	require.NoError(t, err)
	assert.Equal(t, StreamBackendName, b.Name())
	assert.False(t, radio.NotifiesDisconnect(b))

	b, err = radio.NewBackend(MQTTBackendName, testLogger())
	require.NoError(t, err)
	assert.True(t, radio.NotifiesDisconnect(b))
}
