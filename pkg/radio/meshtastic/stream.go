package meshtastic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mathRand "math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"go.bug.st/serial"
	"google.golang.org/protobuf/proto"

	mt "github.com/kabili207/meshrelay/pkg/meshtastic"
	"github.com/kabili207/meshrelay/pkg/radio"
)

const (
	StreamBackendName = "meshtastic"

	DefaultTCPPort  = 4403
	DefaultBaudRate = 115200

	closeTimeout = 2 * time.Second
)

var ErrTextTooLong = errors.New("text exceeds radio payload limit")

type dialFunc func(ctx context.Context, cfg radio.Config) (io.ReadWriteCloser, error)

// Stream talks to a Meshtastic device over its framed protobuf stream API.
type Stream struct {
	callbacks
	log   *slog.Logger
	dial  dialFunc
	ids   packetIDs
	nodes *nodeCache

	connectMu sync.Mutex
	mu        sync.Mutex
	sess      *session
	pending   *session
	// epoch counts Disconnect calls so an in-flight Connect can tell it was
	// cancelled
	epoch  uint64
	myNode atomic.Uint32

	waitMu   sync.Mutex
	waiters  map[uint32]*waiter
	configID uint32
}

type waiter struct {
	ch    chan error
	probe bool
}

// session is one open device connection and its reader.
type session struct {
	conn    io.ReadWriteCloser
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

func (s *session) write(msg *pb.ToRadio) error {
	raw, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(raw)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return radio.ErrNotConnected
	}
	_, err = s.conn.Write(frame)
	return err
}

func NewStream(log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{
		log:      log.With("component", "meshtastic"),
		dial:     dialDevice,
		nodes:    newNodeCache(),
		waiters:  make(map[uint32]*waiter),
		configID: mathRand.Uint32N(1 << 24),
	}
}

func (s *Stream) Name() string { return StreamBackendName }

// NotifiesDisconnect is false: a read error is reported, but a wedged device
// that stops answering is only caught by probing.
func (s *Stream) NotifiesDisconnect() bool { return false }

func (s *Stream) MessageDelay(cfg radio.Config, def time.Duration) time.Duration {
	return configuredDelay(cfg, def)
}

// MyNode is the device's own node number, learned during the handshake.
func (s *Stream) MyNode() mt.NodeID {
	return mt.NodeID(s.myNode.Load())
}

func dialDevice(ctx context.Context, cfg radio.Config) (io.ReadWriteCloser, error) {
	if cfg.ConnectionType == radio.ConnectionSerial {
		if cfg.SerialPort == "" {
			return nil, fmt.Errorf("%w: serial connection requires a serial_port", radio.ErrUnsupported)
		}
		baud := cfg.BaudRate
		if baud <= 0 {
			baud = DefaultBaudRate
		}
		return serial.Open(cfg.SerialPort, &serial.Mode{BaudRate: baud})
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: tcp connection requires a host", radio.ErrUnsupported)
	}
	port := cfg.Port
	if port <= 0 {
		port = DefaultTCPPort
	}
	d := net.Dialer{Timeout: cfg.Timeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(port)))
}

func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil && !s.sess.closed.Load()
}

func (s *Stream) current() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil || s.sess.closed.Load() {
		return nil
	}
	return s.sess
}

// Connect opens the device and waits for its configuration dump to finish.
func (s *Stream) Connect(ctx context.Context, cfg radio.Config) error {
	switch ct := strings.ToLower(cfg.ConnectionType); ct {
	case "", radio.ConnectionTCP, radio.ConnectionSerial:
		cfg.ConnectionType = ct
	case radio.ConnectionBLE:
		return fmt.Errorf("%w: bluetooth connections are not available in this build", radio.ErrUnsupported)
	default:
		return fmt.Errorf("%w: connection type %q", radio.ErrUnsupported, ct)
	}

	// Connects are serialized; mu only guards the session pointers
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.sess != nil && !s.sess.closed.Load() {
		s.mu.Unlock()
		return nil
	}
	stale := s.sess
	s.sess = nil
	epoch := s.epoch
	s.mu.Unlock()
	if stale != nil {
		s.closeSession(stale)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	conn, err := s.dial(ctx, cfg)
	if err != nil {
		return err
	}
	sess := &session{conn: conn, done: make(chan struct{})}
	dec := &decoder{backend: StreamBackendName, meshnet: cfg.MeshnetName, nodes: s.nodes}
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		_ = conn.Close()
		return radio.ErrNotConnected
	}
	s.pending = sess
	s.mu.Unlock()
	go s.readLoop(sess, dec)

	err = s.requestConfig(ctx, sess, false)
	s.mu.Lock()
	s.pending = nil
	cancelled := s.epoch != epoch
	if err == nil && !cancelled {
		s.sess = sess
	}
	s.mu.Unlock()
	if err != nil {
		s.closeSession(sess)
		return fmt.Errorf("device handshake: %w", err)
	}
	if cancelled {
		s.closeSession(sess)
		return radio.ErrNotConnected
	}
	s.log.Info("connected to radio", "connection", cfg.ConnectionType, "node", s.MyNode())
	return nil
}

func (s *Stream) Disconnect() error {
	s.mu.Lock()
	s.epoch++
	sess, pending := s.sess, s.pending
	s.sess = nil
	s.mu.Unlock()
	if pending != nil && pending.closed.CompareAndSwap(false, true) {
		// aborts the handshake in progress
		_ = pending.conn.Close()
	}
	if sess == nil {
		return nil
	}
	return s.closeSession(sess)
}

func (s *Stream) closeSession(sess *session) error {
	var err error
	if sess.closed.CompareAndSwap(false, true) {
		err = sess.conn.Close()
	}
	select {
	case <-sess.done:
	case <-time.After(closeTimeout):
		s.log.Warn("radio reader did not exit after close")
	}
	s.failWaiters(radio.ErrNotConnected)
	return err
}

// Probe asks for the device configuration and waits for the first sign of
// an answer.
func (s *Stream) Probe(ctx context.Context) error {
	sess := s.current()
	if sess == nil {
		return radio.ErrNotConnected
	}
	return s.requestConfig(ctx, sess, true)
}

func (s *Stream) requestConfig(ctx context.Context, sess *session, probe bool) error {
	s.waitMu.Lock()
	s.configID++
	if s.configID == 0 {
		s.configID = 1
	}
	id := s.configID
	w := &waiter{ch: make(chan error, 1), probe: probe}
	s.waiters[id] = w
	s.waitMu.Unlock()

	defer func() {
		s.waitMu.Lock()
		delete(s.waiters, id)
		s.waitMu.Unlock()
	}()

	if err := sess.write(&pb.ToRadio{PayloadVariant: &pb.ToRadio_WantConfigId{WantConfigId: id}}); err != nil {
		return err
	}
	select {
	case err := <-w.ch:
		return err
	case <-sess.done:
		return radio.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) notify(match func(uint32, *waiter) bool, err error) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	for id, w := range s.waiters {
		if !match(id, w) {
			continue
		}
		select {
		case w.ch <- err:
		default:
		}
	}
}

func (s *Stream) failWaiters(err error) {
	s.notify(func(uint32, *waiter) bool { return true }, err)
}

func (s *Stream) readLoop(sess *session, dec *decoder) {
	defer close(sess.done)
	fr := NewFrameReader(sess.conn)
	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			if sess.closed.CompareAndSwap(false, true) {
				s.log.Warn("radio connection lost", "error", err)
				_ = sess.conn.Close()
				s.failWaiters(radio.ErrNotConnected)
				s.disconnected(fmt.Errorf("radio stream: %w", err))
			}
			return
		}

		var msg pb.FromRadio
		if err := proto.Unmarshal(payload, &msg); err != nil {
			s.log.Debug("could not decode frame from radio", "error", err, "length", len(payload))
			s.notify(func(_ uint32, w *waiter) bool { return w.probe }, radio.ErrProbeUnparsed)
			continue
		}
		s.handle(dec, &msg)
	}
}

func (s *Stream) handle(dec *decoder, msg *pb.FromRadio) {
	switch v := msg.GetPayloadVariant().(type) {
	case *pb.FromRadio_MyInfo:
		s.myNode.Store(v.MyInfo.GetMyNodeNum())

	case *pb.FromRadio_NodeInfo:
		s.dispatch(s.nodes, v.NodeInfo.GetNum(), nil, dec.nodeInfo(v.NodeInfo))

	case *pb.FromRadio_Metadata:
		s.notify(func(_ uint32, w *waiter) bool { return w.probe }, nil)

	case *pb.FromRadio_ConfigCompleteId:
		id := v.ConfigCompleteId
		s.notify(func(wid uint32, _ *waiter) bool { return wid == id }, nil)

	case *pb.FromRadio_Packet:
		pkt := v.Packet
		data := pkt.GetDecoded()
		if data == nil {
			return
		}
		if pkt.GetFrom() == s.myNode.Load() && data.GetPortnum() == pb.PortNum_TEXT_MESSAGE_APP {
			return
		}
		m, n := dec.decode(pkt, data, pkt.GetChannel())
		s.dispatch(s.nodes, pkt.GetFrom(), m, n)
	}
}

// SendMessage hands a text packet to the device. The device encrypts and
// routes it.
func (s *Stream) SendMessage(ctx context.Context, text string, opts radio.SendOptions) (radio.SendResult, error) {
	sess := s.current()
	if sess == nil {
		return radio.SendResult{}, radio.ErrNotConnected
	}
	if len(text) > mt.MaxTextLength {
		return radio.SendResult{}, fmt.Errorf("%w: %d bytes", ErrTextTooLong, len(text))
	}
	dest := mt.BroadcastID
	if opts.DestinationID != "" {
		var err error
		if dest, err = mt.ParseNodeID(opts.DestinationID); err != nil {
			return radio.SendResult{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return radio.SendResult{}, err
	}

	id := s.ids.next()
	pkt := &pb.MeshPacket{
		Id:       id,
		To:       uint32(dest),
		Channel:  opts.Channel,
		HopLimit: mt.DefaultHopLimit,
		WantAck:  !dest.IsBroadcast(),
		PayloadVariant: &pb.MeshPacket_Decoded{
			Decoded: &pb.Data{
				Portnum: pb.PortNum_TEXT_MESSAGE_APP,
				Payload: []byte(text),
				ReplyId: parseReplyID(opts.ReplyToID),
			},
		},
	}
	if err := sess.write(&pb.ToRadio{PayloadVariant: &pb.ToRadio_Packet{Packet: pkt}}); err != nil {
		return radio.SendResult{}, fmt.Errorf("write to radio: %w", err)
	}
	return radio.SendResult{MessageID: strconv.FormatUint(uint64(id), 10)}, nil
}
