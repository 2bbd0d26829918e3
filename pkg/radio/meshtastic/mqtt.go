package meshtastic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kabili207/meshtastic-go/core/crypto"
	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	mt "github.com/kabili207/meshrelay/pkg/meshtastic"
	"github.com/kabili207/meshrelay/pkg/meshtastic/pki"
	"github.com/kabili207/meshrelay/pkg/radio"
)

const (
	MQTTBackendName = "mqtt"

	DefaultRoot    = "msh/US"
	DefaultChannel = "LongFast"

	pkiChannel        = "PKI"
	disconnectQuiesce = 250
)

var (
	// topic: {root}/2/e/{channel}/{gateway}
	envelopeTopicRegex = regexp.MustCompile(`^(.+)/2/e/([^/]+)/(![a-f0-9]{8})$`)

	ErrUnknownChannel = errors.New("channel index not configured")
	ErrNoPublicKey    = errors.New("no public key for node")
)

type channel struct {
	index uint32
	name  string
	key   []byte
	hash  uint32
}

// mqttState is the parsed configuration of one connection. It is replaced
// whole on every Connect.
type mqttState struct {
	root     string
	self     mt.NodeID
	channels []*channel
	byName   map[string]*channel
	keys     *pki.KeyPair
	dec      *decoder
}

func (st *mqttState) topic(channel string) string {
	return st.root + "/2/e/" + channel + "/" + st.self.String()
}

// MQTT joins a mesh through a broker as a gateway node, encrypting and
// decrypting channel traffic itself.
type MQTT struct {
	callbacks
	log   *slog.Logger
	ids   packetIDs
	nodes *nodeCache

	mu        sync.Mutex
	client    paho.Client
	connected atomic.Bool
	state     atomic.Pointer[mqttState]
}

func NewMQTT(log *slog.Logger) *MQTT {
	if log == nil {
		log = slog.Default()
	}
	return &MQTT{
		log:   log.With("component", "meshtastic-mqtt"),
		nodes: newNodeCache(),
	}
}

func (m *MQTT) Name() string { return MQTTBackendName }

// NotifiesDisconnect is true: the client's connection-lost callback fires as
// soon as the broker link drops.
func (m *MQTT) NotifiesDisconnect() bool { return true }

func (m *MQTT) IsConnected() bool { return m.connected.Load() }

func (m *MQTT) MessageDelay(cfg radio.Config, def time.Duration) time.Duration {
	return configuredDelay(cfg, def)
}

func (m *MQTT) configure(cfg radio.Config) (*mqttState, error) {
	mc := cfg.MQTT
	self, err := mt.ParseNodeID(mc.NodeID)
	if err != nil {
		return nil, fmt.Errorf("mqtt node_id: %w", err)
	}
	st := &mqttState{
		root:   mc.Root,
		self:   self,
		byName: make(map[string]*channel),
		dec:    &decoder{backend: MQTTBackendName, meshnet: cfg.MeshnetName, nodes: m.nodes},
	}
	if st.root == "" {
		st.root = DefaultRoot
	}

	chans := mc.Channels
	if len(chans) == 0 {
		chans = []radio.ChannelConfig{{Name: DefaultChannel}}
	}
	for i, cc := range chans {
		key := crypto.DefaultKey
		if cc.Key != "" {
			if key, err = crypto.ParseKey(cc.Key); err != nil {
				return nil, fmt.Errorf("channel %q key: %w", cc.Name, err)
			}
		}
		hash, err := crypto.ChannelHash(cc.Name, key)
		if err != nil {
			return nil, fmt.Errorf("channel %q hash: %w", cc.Name, err)
		}
		ch := &channel{index: uint32(i), name: cc.Name, key: key, hash: hash}
		st.channels = append(st.channels, ch)
		st.byName[cc.Name] = ch
	}

	if mc.PrivateKey != "" {
		if st.keys, err = pki.ParsePrivateKey(mc.PrivateKey); err != nil {
			return nil, fmt.Errorf("mqtt private_key: %w", err)
		}
	}
	return st, nil
}

func waitToken(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) Connect(ctx context.Context, cfg radio.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.connected.Load() {
		return nil
	}
	if m.client != nil {
		m.client.Disconnect(disconnectQuiesce)
		m.client = nil
	}

	st, err := m.configure(cfg)
	if err != nil {
		return err
	}
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt backend requires a broker", radio.ErrUnsupported)
	}
	m.state.Store(st)

	opts := paho.NewClientOptions().
		AddBroker(cfg.MQTT.Broker).
		SetClientID(st.self.String() + "-meshrelay").
		SetUsername(cfg.MQTT.Username).
		SetPassword(cfg.MQTT.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetOrderMatters(false).
		SetConnectionLostHandler(m.onConnectionLost)
	if cfg.Timeout > 0 {
		opts.SetConnectTimeout(cfg.Timeout)
	}

	client := paho.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	filters := make(map[string]byte, len(st.channels)+1)
	for _, ch := range st.channels {
		filters[st.root+"/2/e/"+ch.name+"/+"] = 0
	}
	if st.keys != nil {
		filters[st.root+"/2/e/"+pkiChannel+"/+"] = 0
	}
	if err := waitToken(ctx, client.SubscribeMultiple(filters, m.onMessage)); err != nil {
		client.Disconnect(disconnectQuiesce)
		return fmt.Errorf("subscribe: %w", err)
	}

	m.client = client
	m.connected.Store(true)
	m.log.Info("connected to mesh broker", "broker", cfg.MQTT.Broker, "root", st.root, "node", st.self, "channels", len(st.channels))
	return nil
}

func (m *MQTT) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	m.connected.Store(false)
	m.client.Disconnect(disconnectQuiesce)
	m.client = nil
	return nil
}

func (m *MQTT) onConnectionLost(_ paho.Client, err error) {
	if !m.connected.CompareAndSwap(true, false) {
		return
	}
	m.log.Warn("mesh broker connection lost", "error", err)
	m.disconnected(fmt.Errorf("broker connection lost: %w", err))
}

func (m *MQTT) onMessage(_ paho.Client, msg paho.Message) {
	m.handlePayload(msg.Topic(), msg.Payload())
}

func (m *MQTT) handlePayload(topic string, payload []byte) {
	st := m.state.Load()
	if st == nil {
		return
	}
	match := envelopeTopicRegex.FindStringSubmatch(topic)
	if match == nil {
		return
	}
	chName, gateway := match[2], match[3]
	if gateway == st.self.String() {
		return
	}

	var env pb.ServiceEnvelope
	if err := proto.Unmarshal(payload, &env); err != nil {
		m.log.Debug("failed to decode ServiceEnvelope", "topic", topic, "error", err)
		return
	}
	pkt := env.GetPacket()
	if pkt == nil || pkt.GetFrom() == uint32(st.self) {
		return
	}

	var (
		data  *pb.Data
		index uint32
		err   error
	)
	if chName == pkiChannel || pkt.GetPkiEncrypted() {
		if pkt.GetTo() != uint32(st.self) {
			return
		}
		data, err = m.decryptPKI(st, pkt)
	} else {
		ch, ok := st.byName[chName]
		if !ok {
			return
		}
		index = ch.index
		if data = pkt.GetDecoded(); data == nil {
			data, err = crypto.TryDecode(pkt, ch.key)
		}
	}
	if err != nil {
		m.log.Debug("failed to decrypt packet", "channel", chName, "from", mt.NodeID(pkt.GetFrom()), "error", err)
		return
	}

	msg, node := st.dec.decode(pkt, data, index)
	m.dispatch(m.nodes, pkt.GetFrom(), msg, node)
}

func (m *MQTT) decryptPKI(st *mqttState, pkt *pb.MeshPacket) (*pb.Data, error) {
	if st.keys == nil {
		return nil, errors.New("no private key configured")
	}
	peer := pkt.GetPublicKey()
	if len(peer) != pki.KeySize {
		peer = m.nodes.publicKey(pkt.GetFrom())
	}
	if peer == nil {
		return nil, fmt.Errorf("%w %s", ErrNoPublicKey, mt.NodeID(pkt.GetFrom()))
	}
	plain, err := st.keys.Decrypt(pkt.GetEncrypted(), peer, pkt.GetId(), pkt.GetFrom())
	if err != nil {
		return nil, err
	}
	var data pb.Data
	if err := proto.Unmarshal(plain, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// envelope builds the topic and payload for a text. Direct messages to a
// node with a known public key are PKI encrypted when the relay has a key of
// its own; everything else uses the channel key.
func (m *MQTT) envelope(st *mqttState, text string, opts radio.SendOptions) (string, []byte, uint32, error) {
	if len(text) > mt.MaxTextLength {
		return "", nil, 0, fmt.Errorf("%w: %d bytes", ErrTextTooLong, len(text))
	}
	dest := mt.BroadcastID
	if opts.DestinationID != "" {
		var err error
		if dest, err = mt.ParseNodeID(opts.DestinationID); err != nil {
			return "", nil, 0, err
		}
	}

	bitfield := uint32(mt.BitfieldOkToMQTT)
	raw, err := proto.Marshal(&pb.Data{
		Portnum:  pb.PortNum_TEXT_MESSAGE_APP,
		Payload:  []byte(text),
		ReplyId:  parseReplyID(opts.ReplyToID),
		Bitfield: &bitfield,
	})
	if err != nil {
		return "", nil, 0, err
	}

	id := m.ids.next()
	hopStart, hopLimit := hopValues(0)
	pkt := &pb.MeshPacket{
		Id:       id,
		To:       uint32(dest),
		From:     uint32(st.self),
		HopLimit: hopLimit,
		HopStart: hopStart,
		WantAck:  !dest.IsBroadcast(),
		ViaMqtt:  true,
		RxTime:   uint32(time.Now().Unix()),
		Priority: pb.MeshPacket_DEFAULT,
	}

	chName := pkiChannel
	var peer []byte
	if !dest.IsBroadcast() && st.keys != nil {
		peer = m.nodes.publicKey(uint32(dest))
	}
	if peer != nil {
		enc, err := st.keys.Encrypt(raw, peer, id, uint32(st.self))
		if err != nil {
			return "", nil, 0, fmt.Errorf("pki encrypt: %w", err)
		}
		pkt.PkiEncrypted = true
		pkt.PublicKey = st.keys.Public
		pkt.PayloadVariant = &pb.MeshPacket_Encrypted{Encrypted: enc}
	} else {
		if int(opts.Channel) >= len(st.channels) {
			return "", nil, 0, fmt.Errorf("%w: %d", ErrUnknownChannel, opts.Channel)
		}
		ch := st.channels[opts.Channel]
		enc, err := crypto.XOR(raw, ch.key, id, uint32(st.self))
		if err != nil {
			return "", nil, 0, fmt.Errorf("channel encrypt: %w", err)
		}
		chName = ch.name
		pkt.Channel = ch.hash
		pkt.PayloadVariant = &pb.MeshPacket_Encrypted{Encrypted: enc}
	}

	payload, err := proto.Marshal(&pb.ServiceEnvelope{
		ChannelId: chName,
		GatewayId: st.self.String(),
		Packet:    pkt,
	})
	if err != nil {
		return "", nil, 0, err
	}
	return st.topic(chName), payload, id, nil
}

func (m *MQTT) SendMessage(ctx context.Context, text string, opts radio.SendOptions) (radio.SendResult, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	st := m.state.Load()
	if client == nil || st == nil || !m.connected.Load() {
		return radio.SendResult{}, radio.ErrNotConnected
	}

	topic, payload, id, err := m.envelope(st, text, opts)
	if err != nil {
		return radio.SendResult{}, err
	}
	if err := waitToken(ctx, client.Publish(topic, 0, false, payload)); err != nil {
		return radio.SendResult{}, fmt.Errorf("publish %s: %w", topic, err)
	}
	return radio.SendResult{MessageID: strconv.FormatUint(uint64(id), 10)}, nil
}
